package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/metrics"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/provider"
	"github.com/sakif/training-sync/internal/repository"
)

// Strategy names how much of the remote history one run reads.
type Strategy string

const (
	StrategyQuick  Strategy = "quick"  // latest page only
	StrategyFull   Strategy = "full"   // whole history, bounded by MaxActivities / MaxPages
	StrategyCustom Strategy = "custom" // caller-chosen time window and limits
)

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerWebhook Trigger = "webhook"
	TriggerSweep   Trigger = "sweep"
)

// ReasonNotConnected is reported by Status for a user with no credential.
const ReasonNotConnected = "not connected"

const (
	maxCustomPerPage = 200
	runsListDefault  = 20
)

// CustomOptions parameterize StrategyCustom. Zero values fall back to the
// full-sync settings.
type CustomOptions struct {
	After         *time.Time
	Before        *time.Time
	PerPage       int
	MaxActivities int
}

type SyncRequest struct {
	Strategy Strategy
	Custom   CustomOptions
	// BypassGate skips the quota and cooldown check. The attempt still
	// counts against the daily budget afterwards.
	BypassGate bool
	Trigger    Trigger
	// Timeout lowers the run deadline below SyncConfig.RunTimeout. Zero
	// keeps RunTimeout.
	Timeout time.Duration
}

// SyncOutcome is the structured result of RunSync. Expected failures
// (denied, invalid credential, remote or storage errors) are reported here
// rather than as a Go error.
type SyncOutcome struct {
	RunID               string     `json:"runId,omitempty"`
	Success             bool       `json:"success"`
	ActivitiesProcessed int        `json:"activitiesProcessed"`
	NewActivities       int        `json:"newActivities"`
	UpdatedActivities   int        `json:"updatedActivities"`
	DurationMs          int64      `json:"durationMs"`
	Errors              []string   `json:"errors"`
	ErrorCode           string     `json:"errorCode,omitempty"`
	SyncDisabledReason  string     `json:"syncDisabledReason,omitempty"`
	NextSyncAt          *time.Time `json:"nextSyncAt,omitempty"`
}

// Denied reports an attempt the gate turned away before any work.
func (o *SyncOutcome) Denied() bool {
	return o.SyncDisabledReason != ""
}

// SyncStatus is the read-only view the dashboard polls.
type SyncStatus struct {
	SyncState          *model.SyncState `json:"syncState"`
	ActivityCount      int              `json:"activityCount"`
	CanSync            bool             `json:"canSync"`
	SyncDisabledReason string           `json:"syncDisabledReason,omitempty"`
	NextSyncAt         *time.Time       `json:"nextSyncAt,omitempty"`
	RequestsRemaining  int              `json:"requestsRemaining"`
	Connected          bool             `json:"connected"`
}

// PageFetcher fetches one page of the remote activity list.
// *provider.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, accessToken string, q provider.PageQuery) (*provider.Page, error)
}

// SyncConfig holds the orchestrator's tunables.
type SyncConfig struct {
	DailyLimit        int
	Cooldown          time.Duration
	QuickPerPage      int
	FullPerPage       int
	FullMaxActivities int
	MaxPages          int
	PageDelay         time.Duration
	RunTimeout        time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DailyLimit:        DefaultDailyLimit,
		Cooldown:          DefaultCooldown,
		QuickPerPage:      50,
		FullPerPage:       200,
		FullMaxActivities: 10000,
		MaxPages:          100,
		PageDelay:         time.Second,
		RunTimeout:        10 * time.Minute,
	}
}

// OrchestratorDeps are the collaborators of a SyncOrchestrator.
type OrchestratorDeps struct {
	States      repository.SyncStateRepository
	Activities  repository.ActivityRepository
	Runs        repository.SyncRunRepository
	Credentials *CredentialStore
	Fetcher     PageFetcher
}

// SyncOrchestrator owns one sync attempt end to end:
//
//	gate -> fresh credential -> paged fetch -> merge -> state update
//
// It keeps nothing between calls. Concurrent runs for the same user are
// allowed; they are made safe by the idempotent merge and the single-upsert
// state write, not by locking.
type SyncOrchestrator struct {
	states      repository.SyncStateRepository
	activities  repository.ActivityRepository
	runs        repository.SyncRunRepository
	credentials *CredentialStore
	fetcher     PageFetcher
	merger      *ActivityMerger
	gate        SyncGate
	cfg         SyncConfig
	now         func() time.Time
	logger      *slog.Logger
}

func NewSyncOrchestrator(deps OrchestratorDeps, cfg SyncConfig, logger *slog.Logger) *SyncOrchestrator {
	return &SyncOrchestrator{
		states:      deps.States,
		activities:  deps.Activities,
		runs:        deps.Runs,
		credentials: deps.Credentials,
		fetcher:     deps.Fetcher,
		merger:      NewActivityMerger(deps.Activities, logger),
		gate:        NewSyncGate(cfg.DailyLimit, cfg.Cooldown),
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

// RunSync performs one sync attempt for userID.
//
// The returned error is non-nil only for a malformed request. Everything
// else, including a gate denial, comes back as a SyncOutcome.
//
// A denied attempt touches nothing but the SyncState read. An admitted one
// always ends with exactly one SyncState upsert (success or not) and one
// sync_runs row.
func (o *SyncOrchestrator) RunSync(ctx context.Context, userID string, req SyncRequest) (*SyncOutcome, error) {
	if err := validateSyncRequest(userID, &req); err != nil {
		return nil, err
	}

	start := o.now()
	log := o.logger.With(
		slog.String("userID", userID),
		slog.String("strategy", string(req.Strategy)),
		slog.String("trigger", string(req.Trigger)),
	)

	if !req.BypassGate {
		state, err := o.states.GetSyncState(ctx, userID)
		if err != nil && !errors.Is(err, apperror.ErrNotFound) {
			perr := apperror.PersistenceFailed("loading sync state", err)
			log.Error("sync state unavailable", slog.String("error", perr.Error()))
			metrics.SyncAttempts.WithLabelValues(string(req.Trigger), "failed").Inc()
			return &SyncOutcome{
				Errors:     []string{perr.Error()},
				ErrorCode:  apperror.Code(perr),
				DurationMs: o.now().Sub(start).Milliseconds(),
			}, nil
		}

		decision := o.gate.Evaluate(state, start)
		if !decision.Allowed {
			log.Info("sync denied", slog.String("reason", decision.Reason))
			metrics.SyncAttempts.WithLabelValues(string(req.Trigger), "denied").Inc()
			return &SyncOutcome{
				Errors:             []string{"sync not allowed: " + decision.Reason},
				SyncDisabledReason: decision.Reason,
				NextSyncAt:         decision.RetryAt,
				DurationMs:         o.now().Sub(start).Milliseconds(),
			}, nil
		}
	}

	// A sync runs to completion even if the caller goes away; the run
	// timeout is the only ceiling.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.runTimeout(req))
	defer cancel()

	result, runErr := o.execute(runCtx, userID, req)
	finished := o.now()

	outcome := &SyncOutcome{
		RunID:               uuid.NewString(),
		Success:             runErr == nil,
		ActivitiesProcessed: result.Processed,
		NewActivities:       result.Created,
		UpdatedActivities:   result.Updated,
		Errors:              []string{},
	}
	if runErr != nil {
		outcome.Errors = append(outcome.Errors, runErr.Error())
		outcome.ErrorCode = errorCode(runErr)
	}

	// The bookkeeping writes get their own deadline: a run that hit
	// RunTimeout must still be recorded.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelRecord()

	attempt := model.SyncAttempt{
		UserID:        userID,
		At:            finished,
		Day:           DayKey(finished),
		Succeeded:     runErr == nil,
		Progressed:    runErr == nil || result.Processed > 0,
		NewActivities: result.Created,
	}
	if runErr != nil {
		attempt.ErrorMessage = runErr.Error()
	}
	if _, err := o.states.RecordAttempt(recordCtx, attempt); err != nil {
		perr := apperror.PersistenceFailed("recording sync attempt", err)
		log.Error("sync state update failed", slog.String("error", perr.Error()))
		outcome.Success = false
		outcome.Errors = append(outcome.Errors, perr.Error())
		if outcome.ErrorCode == "" {
			outcome.ErrorCode = apperror.Code(perr)
		}
	}

	outcome.DurationMs = o.now().Sub(start).Milliseconds()
	o.saveRun(recordCtx, log, &model.SyncRun{
		ID:         outcome.RunID,
		UserID:     userID,
		Trigger:    string(req.Trigger),
		Strategy:   string(req.Strategy),
		StartedAt:  start,
		FinishedAt: finished,
		Success:    outcome.Success,
		Processed:  outcome.ActivitiesProcessed,
		Created:    outcome.NewActivities,
		Updated:    outcome.UpdatedActivities,
		Error:      strings.Join(outcome.Errors, "; "),
	})

	label := "success"
	if !outcome.Success {
		label = "failed"
	}
	metrics.SyncAttempts.WithLabelValues(string(req.Trigger), label).Inc()
	metrics.SyncDuration.WithLabelValues(string(req.Strategy)).Observe(finished.Sub(start).Seconds())

	if outcome.Success {
		metrics.RecordSyncSuccess(finished)
		log.Info("sync finished",
			slog.String("runID", outcome.RunID),
			slog.Int("processed", outcome.ActivitiesProcessed),
			slog.Int("created", outcome.NewActivities),
			slog.Int("updated", outcome.UpdatedActivities),
			slog.Int64("durationMs", outcome.DurationMs),
		)
	} else {
		log.Warn("sync failed",
			slog.String("runID", outcome.RunID),
			slog.String("code", outcome.ErrorCode),
			slog.Int("processed", outcome.ActivitiesProcessed),
			slog.String("error", strings.Join(outcome.Errors, "; ")),
		)
	}
	return outcome, nil
}

// execute is steps 2-4: credential, fetch, merge. The MergeResult is valid
// even when err is not nil.
func (o *SyncOrchestrator) execute(ctx context.Context, userID string, req SyncRequest) (MergeResult, error) {
	cred, err := o.credentials.EnsureFresh(ctx, userID)
	if err != nil {
		return MergeResult{}, err
	}

	token := cred.AccessToken
	src := provider.NewActivityIterator(ctx, func(ctx context.Context, q provider.PageQuery) (*provider.Page, error) {
		return o.fetcher.FetchPage(ctx, token, q)
	}, o.fetchOptions(req))

	res, err := o.merger.Merge(ctx, userID, src)
	metrics.RemotePages.WithLabelValues(string(req.Strategy)).Add(float64(src.Pages()))
	return res, err
}

func (o *SyncOrchestrator) runTimeout(req SyncRequest) time.Duration {
	if req.Timeout > 0 && req.Timeout < o.cfg.RunTimeout {
		return req.Timeout
	}
	return o.cfg.RunTimeout
}

func (o *SyncOrchestrator) fetchOptions(req SyncRequest) provider.FetchOptions {
	switch req.Strategy {
	case StrategyQuick:
		return provider.FetchOptions{
			PerPage:       o.cfg.QuickPerPage,
			MaxActivities: o.cfg.QuickPerPage,
			MaxPages:      1,
		}
	case StrategyCustom:
		opts := provider.FetchOptions{
			PerPage:       o.cfg.FullPerPage,
			After:         req.Custom.After,
			Before:        req.Custom.Before,
			MaxActivities: o.cfg.FullMaxActivities,
			MaxPages:      o.cfg.MaxPages,
			PageDelay:     o.cfg.PageDelay,
		}
		if req.Custom.PerPage > 0 {
			opts.PerPage = req.Custom.PerPage
		}
		if req.Custom.MaxActivities > 0 {
			opts.MaxActivities = req.Custom.MaxActivities
		}
		return opts
	default:
		return provider.FetchOptions{
			PerPage:       o.cfg.FullPerPage,
			MaxActivities: o.cfg.FullMaxActivities,
			MaxPages:      o.cfg.MaxPages,
			PageDelay:     o.cfg.PageDelay,
		}
	}
}

func (o *SyncOrchestrator) saveRun(ctx context.Context, log *slog.Logger, run *model.SyncRun) {
	if o.runs == nil {
		return
	}
	if err := o.runs.CreateSyncRun(ctx, run); err != nil {
		log.Error("failed to save sync run",
			slog.String("runID", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Status combines the stored state, the local activity count and a gate
// evaluation at the current time.
func (o *SyncOrchestrator) Status(ctx context.Context, userID string) (*SyncStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user id is required")
	}

	state, err := o.states.GetSyncState(ctx, userID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, apperror.PersistenceFailed("loading sync state", err)
	}

	count, err := o.activities.CountActivities(ctx, userID)
	if err != nil {
		return nil, apperror.PersistenceFailed("counting activities", err)
	}

	connected := true
	if _, err := o.credentials.Get(ctx, userID); err != nil {
		if !errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.PersistenceFailed("loading credential", err)
		}
		connected = false
	}

	now := o.now()
	decision := o.gate.Evaluate(state, now)
	status := &SyncStatus{
		SyncState:          state,
		ActivityCount:      count,
		CanSync:            decision.Allowed && connected,
		SyncDisabledReason: decision.Reason,
		NextSyncAt:         decision.RetryAt,
		RequestsRemaining:  o.gate.RequestsRemaining(state, now),
		Connected:          connected,
	}
	if decision.Allowed && !connected {
		status.SyncDisabledReason = ReasonNotConnected
	}
	return status, nil
}

// SetSyncEnabled flips the user's sync switch, creating the state row if
// the user has never synced.
func (o *SyncOrchestrator) SetSyncEnabled(ctx context.Context, userID string, enabled bool) (*model.SyncState, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.ValidationFailed("userId", "user id is required")
	}
	state, err := o.states.SetSyncEnabled(ctx, userID, enabled)
	if err != nil {
		return nil, apperror.PersistenceFailed("updating sync settings", err)
	}
	o.logger.Info("sync settings changed",
		slog.String("userID", userID),
		slog.Bool("syncEnabled", enabled),
	)
	return state, nil
}

// ListRuns returns the user's most recent runs, newest first.
func (o *SyncOrchestrator) ListRuns(ctx context.Context, userID string, limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = runsListDefault
	}
	runs, err := o.runs.ListSyncRuns(ctx, userID, repository.ListOptions{Limit: limit})
	if err != nil {
		return nil, apperror.PersistenceFailed("listing sync runs", err)
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	return runs, nil
}

func validateSyncRequest(userID string, req *SyncRequest) error {
	if strings.TrimSpace(userID) == "" {
		return apperror.ValidationFailed("userId", "user id is required")
	}
	if req.Strategy == "" {
		req.Strategy = StrategyQuick
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	if req.Timeout < 0 {
		return apperror.ValidationFailed("timeout", "timeout cannot be negative")
	}

	switch req.Strategy {
	case StrategyQuick, StrategyFull:
	case StrategyCustom:
		c := req.Custom
		if c.After != nil && c.Before != nil && !c.After.Before(*c.Before) {
			return apperror.ValidationFailed("after", "after must be earlier than before")
		}
		if c.PerPage < 0 || c.PerPage > maxCustomPerPage {
			return apperror.ValidationFailed("perPage", fmt.Sprintf("perPage must be between 1 and %d", maxCustomPerPage))
		}
		if c.MaxActivities < 0 {
			return apperror.ValidationFailed("maxActivities", "maxActivities cannot be negative")
		}
	default:
		return apperror.ValidationFailed("strategy", fmt.Sprintf("unknown strategy %q", req.Strategy))
	}
	return nil
}

func errorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return apperror.Code(err)
}
