package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/provider"
)

// sliceSource is an ActivitySource over a fixed slice that can end with err.
type sliceSource struct {
	items []provider.RemoteActivity
	idx   int
	err   error
}

func (s *sliceSource) Next() bool {
	if s.idx >= len(s.items) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceSource) Activity() provider.RemoteActivity { return s.items[s.idx-1] }
func (s *sliceSource) Err() error                        { return s.err }

func TestMerge_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acts := remoteActivities(1, 2, 3)

	first, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: acts})
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Processed: 3, Created: 3}, first)

	second, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: acts})
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Processed: 3}, second)

	assert.Equal(t, 3, env.count(t, "user-1"))
}

func TestMerge_UpdatesChangedFieldsOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acts := remoteActivities(1, 2)
	_, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: acts})
	require.NoError(t, err)

	// locally derived fields must survive a remote update
	stored, err := env.db.GetActivity(ctx, "user-1", 1)
	require.NoError(t, err)
	tss := 88.5
	stored.TSS = &tss
	require.NoError(t, setDerived(ctx, env, stored))

	hr := 142.0
	acts[0].Name = "Renamed Ride"
	acts[0].AverageHeartrate = &hr

	res, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: acts})
	require.NoError(t, err)
	assert.Equal(t, MergeResult{Processed: 2, Updated: 1}, res)

	got, err := env.db.GetActivity(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Ride", got.Name)
	require.NotNil(t, got.AverageHeartrate)
	assert.Equal(t, 142.0, *got.AverageHeartrate)
	require.NotNil(t, got.TSS)
	assert.Equal(t, 88.5, *got.TSS)
}

// setDerived replaces the row with one carrying derived fields, the way
// the analytics side of the dashboard would.
func setDerived(ctx context.Context, env *testEnv, a *model.Activity) error {
	if _, err := env.db.DeleteActivity(ctx, a.UserID, a.ProviderActivityID); err != nil {
		return err
	}
	_, err := env.db.InsertActivity(ctx, a)
	return err
}

func TestMerge_KeepsWorkDoneBeforeSourceError(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("page 3 exploded")

	res, err := env.orch.merger.Merge(context.Background(), "user-1", &sliceSource{
		items: remoteActivities(1, 2, 3, 4),
		err:   boom,
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, MergeResult{Processed: 4, Created: 4}, res)
	assert.Equal(t, 4, env.count(t, "user-1"))
}

func TestMerge_UsersAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orch.merger.Merge(ctx, "user-1", &sliceSource{items: remoteActivities(1, 2)})
	require.NoError(t, err)
	res, err := env.orch.merger.Merge(ctx, "user-2", &sliceSource{items: remoteActivities(1, 2)})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, env.count(t, "user-2"))
}

func TestActivityFromRemote_FallsBackToLegacyType(t *testing.T) {
	r := remoteActivities(7)[0]
	r.SportType = ""
	r.Type = "Run"

	a := activityFromRemote("user-1", r)

	assert.Equal(t, "Run", a.SportType)
	assert.Equal(t, int64(7), a.ProviderActivityID)
	assert.Nil(t, a.TSS)
}
