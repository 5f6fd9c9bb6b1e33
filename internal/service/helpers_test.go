package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/provider"
	"github.com/sakif/training-sync/internal/repository/sqlstore"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock shared by every component of a testEnv.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTokens stands in for the provider's OAuth token endpoint.
type fakeTokens struct {
	exchangeGrant *provider.TokenGrant
	exchangeErr   error
	refreshGrant  *provider.TokenGrant
	refreshErr    error
	refreshCalls  int
}

func (f *fakeTokens) Exchange(ctx context.Context, code string) (*provider.TokenGrant, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeGrant, nil
}

func (f *fakeTokens) Refresh(ctx context.Context, refreshToken string) (*provider.TokenGrant, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshGrant, nil
}

// stubFetcher serves activities in pages the way the provider does: a
// short page means the end. failPages makes given pages fail.
type stubFetcher struct {
	mu         sync.Mutex
	activities []provider.RemoteActivity
	failPages  map[int]error
	queries    []provider.PageQuery
	tokens     []string
}

func (f *stubFetcher) FetchPage(ctx context.Context, accessToken string, q provider.PageQuery) (*provider.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, q)
	f.tokens = append(f.tokens, accessToken)
	if err, ok := f.failPages[q.Page]; ok {
		return nil, err
	}

	start := min((q.Page-1)*q.PerPage, len(f.activities))
	end := min(start+q.PerPage, len(f.activities))
	return &provider.Page{
		Number:     q.Page,
		PerPage:    q.PerPage,
		Activities: f.activities[start:end],
		Attempts:   1,
	}, nil
}

func (f *stubFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// hangingFetcher never answers; a fetch ends only when ctx does.
type hangingFetcher struct{}

func (hangingFetcher) FetchPage(ctx context.Context, accessToken string, q provider.PageQuery) (*provider.Page, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func remoteActivities(ids ...int64) []provider.RemoteActivity {
	out := make([]provider.RemoteActivity, len(ids))
	for i, id := range ids {
		start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC).Add(time.Duration(i) * 24 * time.Hour)
		out[i] = provider.RemoteActivity{
			ID:                 id,
			Name:               "Morning Ride",
			SportType:          "Ride",
			StartDate:          start,
			StartDateLocal:     start.Add(time.Hour),
			Timezone:           "(GMT+01:00) Europe/Berlin",
			Distance:           25000,
			MovingTime:         3600,
			ElapsedTime:        3700,
			TotalElevationGain: 180,
		}
	}
	return out
}

// testEnv wires the real sqlite store to stub provider collaborators.
type testEnv struct {
	db      *sqlstore.DB
	clock   *testClock
	tokens  *fakeTokens
	fetcher *stubFetcher
	creds   *CredentialStore
	orch    *SyncOrchestrator
}

var envStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, tweak ...func(*SyncConfig)) *testEnv {
	t.Helper()

	clock := &testClock{now: envStart}
	db, err := sqlstore.New(sqlstore.DialectSQLite, ":memory:", sqlstore.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultSyncConfig()
	cfg.PageDelay = 0
	for _, fn := range tweak {
		fn(&cfg)
	}

	logger := discardLogger()
	tokens := &fakeTokens{}
	fetcher := &stubFetcher{}

	creds := NewCredentialStore(db, tokens, DefaultRefreshMargin, logger)
	creds.now = clock.Now

	orch := NewSyncOrchestrator(OrchestratorDeps{
		States:      db,
		Activities:  db,
		Runs:        db,
		Credentials: creds,
		Fetcher:     fetcher,
	}, cfg, logger)
	orch.now = clock.Now
	orch.merger.now = clock.Now

	return &testEnv{
		db:      db,
		clock:   clock,
		tokens:  tokens,
		fetcher: fetcher,
		creds:   creds,
		orch:    orch,
	}
}

// connect stores a credential for userID that is good for six more hours.
func (e *testEnv) connect(t *testing.T, userID string, athleteID int64) {
	t.Helper()
	e.connectExpiring(t, userID, athleteID, e.clock.Now().Add(6*time.Hour))
}

func (e *testEnv) connectExpiring(t *testing.T, userID string, athleteID int64, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, e.db.UpsertCredential(context.Background(), &model.Credential{
		UserID:       userID,
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		AthleteID:    athleteID,
		FirstName:    "Test",
		LastName:     "Athlete",
	}))
}

func (e *testEnv) state(t *testing.T, userID string) *model.SyncState {
	t.Helper()
	s, err := e.db.GetSyncState(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func (e *testEnv) count(t *testing.T, userID string) int {
	t.Helper()
	n, err := e.db.CountActivities(context.Background(), userID)
	require.NoError(t, err)
	return n
}
