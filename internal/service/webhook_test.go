package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/repository"
)

func newTestWebhook(env *testEnv) *WebhookProcessor {
	return NewWebhookProcessor(WebhookDeps{
		Credentials: env.creds,
		Syncer:      env.orch,
		Activities:  env.db,
		Events:      env.db,
	}, "verify-me", discardLogger())
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid create", `{"object_type":"activity","object_id":1,"aspect_type":"create","owner_id":2,"subscription_id":3,"event_time":1700000000}`, false},
		{"valid with updates", `{"object_type":"athlete","object_id":2,"aspect_type":"update","owner_id":2,"updates":{"authorized":"false"}}`, false},
		{"unknown types still parse", `{"object_type":"gear","object_id":1,"aspect_type":"archive","owner_id":2}`, false},
		{"not json", `{"object_type":`, true},
		{"missing owner", `{"object_type":"activity","object_id":1,"aspect_type":"create"}`, true},
		{"string id", `{"object_type":"activity","object_id":"1","aspect_type":"create","owner_id":2}`, true},
		{"updates not an object", `{"object_type":"activity","object_id":1,"aspect_type":"update","owner_id":2,"updates":"x"}`, true},
		{"array body", `[]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperror.ErrValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, ev.ObjectType)
		})
	}
}

func TestWebhook_DeleteRemovesActivity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	_, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: remoteActivities(555, 556)})
	require.NoError(t, err)
	wh := newTestWebhook(env)

	body := []byte(`{"object_type":"activity","aspect_type":"delete","object_id":555,"owner_id":999}`)
	res, err := wh.Handle(ctx, body)
	require.NoError(t, err)

	assert.Equal(t, ActionDeleted, res.Action)
	assert.Equal(t, "user-1", res.UserID)
	assert.NotEmpty(t, res.EventID)
	_, err = env.db.GetActivity(ctx, "user-1", 555)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
	assert.Equal(t, 1, env.count(t, "user-1"))
	assert.Zero(t, env.fetcher.calls(), "delete never merges")

	// redelivery is harmless
	res, err = wh.Handle(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, ActionDeleted, res.Action)

	events, err := env.db.ListWebhookEvents(ctx, "user-1", repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, string(body), events[0].Payload)
}

func TestWebhook_DeauthorizationRevokes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	wh := newTestWebhook(env)

	res, err := wh.Handle(ctx, []byte(`{"object_type":"athlete","aspect_type":"update","object_id":999,"owner_id":999,"updates":{"authorized":"false"}}`))
	require.NoError(t, err)

	assert.Equal(t, ActionRevoked, res.Action)
	_, err = env.creds.Get(ctx, "user-1")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestWebhook_AthleteUpdateWithoutDeauthIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	wh := newTestWebhook(env)

	res, err := wh.Handle(ctx, []byte(`{"object_type":"athlete","aspect_type":"update","object_id":999,"owner_id":999,"updates":{"title":"new name"}}`))
	require.NoError(t, err)

	assert.Equal(t, ActionIgnored, res.Action)
	_, err = env.creds.Get(ctx, "user-1")
	assert.NoError(t, err)
}

func TestWebhook_CreateRunsQuickSyncPastTheGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	env.fetcher.activities = remoteActivities(1)

	// the manual sync puts the user inside the cooldown
	_, err := env.orch.RunSync(ctx, "user-1", SyncRequest{})
	require.NoError(t, err)
	env.fetcher.activities = remoteActivities(1, 2)
	env.clock.Advance(time.Minute)

	wh := newTestWebhook(env)
	res, err := wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"create","object_id":2,"owner_id":999}`))
	require.NoError(t, err)

	assert.Equal(t, ActionSynced, res.Action)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, 1, res.Outcome.NewActivities)
	assert.Equal(t, 2, env.fetcher.calls())
	assert.Equal(t, 2, env.state(t, "user-1").SyncRequestsToday)

	runs, err := env.orch.ListRuns(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "webhook", runs[0].Trigger)
}

func TestWebhook_SyncUsesShortRunTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "user-1", 999)
	body := []byte(`{"object_type":"activity","aspect_type":"update","object_id":1,"owner_id":999}`)

	syncer := &fakeSyncer{}
	wh := NewWebhookProcessor(WebhookDeps{
		Credentials: env.creds,
		Syncer:      syncer,
		Activities:  env.db,
		Events:      env.db,
	}, "verify-me", discardLogger())
	_, err := wh.Handle(context.Background(), body)
	require.NoError(t, err)

	custom := NewWebhookProcessor(WebhookDeps{
		Credentials: env.creds,
		Syncer:      syncer,
		Activities:  env.db,
		Events:      env.db,
		RunTimeout:  time.Second,
	}, "verify-me", discardLogger())
	_, err = custom.Handle(context.Background(), body)
	require.NoError(t, err)

	require.Len(t, syncer.reqs, 2)
	assert.Equal(t, DefaultWebhookRunTimeout, syncer.reqs[0].Timeout)
	assert.True(t, syncer.reqs[0].BypassGate)
	assert.Equal(t, TriggerWebhook, syncer.reqs[0].Trigger)
	assert.Equal(t, time.Second, syncer.reqs[1].Timeout)
}

func TestWebhook_SlowProviderTimesOutAndIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	env.orch.fetcher = hangingFetcher{}

	wh := NewWebhookProcessor(WebhookDeps{
		Credentials: env.creds,
		Syncer:      env.orch,
		Activities:  env.db,
		Events:      env.db,
		RunTimeout:  20 * time.Millisecond,
	}, "verify-me", discardLogger())

	start := time.Now()
	res, err := wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"create","object_id":1,"owner_id":999}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, ActionFailed, res.Action)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, "timeout", res.Outcome.ErrorCode)

	// the cut-off run still counts against the budget
	st := env.state(t, "user-1")
	assert.Equal(t, 1, st.SyncRequestsToday)
	assert.Equal(t, 1, st.ConsecutiveErrors)
}

func TestWebhook_FailedSyncIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	env.fetcher.failPages = map[int]error{1: apperror.RemoteFetchFailed(503, "down", nil)}
	wh := newTestWebhook(env)

	res, err := wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"update","object_id":1,"owner_id":999}`))
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, res.Action)

	events, err := env.db.ListWebhookEvents(ctx, "user-1", repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Error, "503")
}

func TestWebhook_UnknownAthleteIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wh := newTestWebhook(env)

	res, err := wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"create","object_id":1,"owner_id":424242}`))
	require.NoError(t, err)

	assert.Equal(t, ActionIgnored, res.Action)
	assert.Empty(t, res.UserID)
	assert.Zero(t, env.fetcher.calls())

	events, err := env.db.ListWebhookEvents(ctx, "", repository.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(424242), events[0].OwnerID)
	assert.Equal(t, ActionIgnored, events[0].Action)
}

func TestWebhook_InvalidBodyIsNotLogged(t *testing.T) {
	env := newTestEnv(t)
	wh := newTestWebhook(env)

	_, err := wh.Handle(context.Background(), []byte(`{"hello":"world"}`))
	assert.True(t, errors.Is(err, apperror.ErrValidation))

	events, err := env.db.ListWebhookEvents(context.Background(), "", repository.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhook_RecentEventsOnlyShowsOwnEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.connect(t, "user-1", 999)
	env.connect(t, "user-2", 1000)
	wh := newTestWebhook(env)

	_, err := wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"delete","object_id":1,"owner_id":999}`))
	require.NoError(t, err)
	_, err = wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"delete","object_id":2,"owner_id":1000}`))
	require.NoError(t, err)
	_, err = wh.Handle(ctx, []byte(`{"object_type":"activity","aspect_type":"delete","object_id":3,"owner_id":424242}`))
	require.NoError(t, err)

	events, err := wh.RecentEvents(ctx, "user-1", 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, int64(999), events[0].OwnerID)

	events, err = wh.RecentEvents(ctx, "user-2", 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1000), events[0].OwnerID)

	_, err = wh.RecentEvents(ctx, "", 50)
	assert.True(t, errors.Is(err, apperror.ErrValidation), "unowned events are never listed")
}

func TestWebhook_VerifySubscription(t *testing.T) {
	wh := NewWebhookProcessor(WebhookDeps{}, "verify-me", discardLogger())

	challenge, err := wh.VerifySubscription("subscribe", "verify-me", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", challenge)

	for _, tc := range []struct{ mode, token, challenge string }{
		{"subscribe", "wrong", "abc123"},
		{"unsubscribe", "verify-me", "abc123"},
		{"subscribe", "verify-me", ""},
	} {
		_, err := wh.VerifySubscription(tc.mode, tc.token, tc.challenge)
		assert.True(t, errors.Is(err, apperror.ErrForbidden))
	}

	unset := NewWebhookProcessor(WebhookDeps{}, "", discardLogger())
	_, err = unset.VerifySubscription("subscribe", "", "abc")
	assert.True(t, errors.Is(err, apperror.ErrForbidden))
}
