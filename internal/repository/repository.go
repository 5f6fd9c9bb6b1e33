// Package repository declares the storage contracts of the sync core.
//
// Each entity has exactly one writer in the service layer (CredentialStore,
// the orchestrator's state update, ActivityMerger), and each interface below
// is shaped around that writer. Implementations live in sub-packages
// (see repository/sqlstore).
//
// Lookups that find nothing return an *apperror.AppError wrapping
// apperror.ErrNotFound; everything else is a storage failure.
package repository

import (
	"context"
	"time"

	"github.com/sakif/training-sync/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

type CredentialRepository interface {
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
	// UpsertCredential inserts or replaces the credential keyed by UserID.
	UpsertCredential(ctx context.Context, cred *model.Credential) error
	// DeleteCredential reports whether a row was removed.
	DeleteCredential(ctx context.Context, userID string) (bool, error)
	FindUserIDByAthlete(ctx context.Context, athleteID int64) (string, error)
}

type SyncStateRepository interface {
	GetSyncState(ctx context.Context, userID string) (*model.SyncState, error)
	// RecordAttempt folds one attempt into the user's state with a single
	// atomic upsert, creating the row on first use.
	RecordAttempt(ctx context.Context, attempt model.SyncAttempt) (*model.SyncState, error)
	SetSyncEnabled(ctx context.Context, userID string, enabled bool) (*model.SyncState, error)
}

type ActivityRepository interface {
	GetActivity(ctx context.Context, userID string, providerID int64) (*model.Activity, error)
	// InsertActivity reports false when the (user, provider id) pair already
	// existed, which happens when two syncs race on the same activity.
	InsertActivity(ctx context.Context, activity *model.Activity) (bool, error)
	UpdateActivity(ctx context.Context, activity *model.Activity) error
	TouchActivity(ctx context.Context, userID string, providerID int64, at time.Time) error
	DeleteActivity(ctx context.Context, userID string, providerID int64) (bool, error)
	CountActivities(ctx context.Context, userID string) (int, error)
}

type SyncRunRepository interface {
	CreateSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, userID string, opts ListOptions) ([]model.SyncRun, error)
}

type WebhookEventRepository interface {
	SaveWebhookEvent(ctx context.Context, event *model.WebhookEventRecord) error
	// ListWebhookEvents returns the events resolved to userID. Events for
	// athletes nobody connected are stored with an empty user id.
	ListWebhookEvents(ctx context.Context, userID string, opts ListOptions) ([]model.WebhookEventRecord, error)
}

type SweepCandidateRepository interface {
	// ListSweepCandidates returns connected users, least recently synced
	// first, at most limit of them.
	ListSweepCandidates(ctx context.Context, limit int) ([]model.SweepCandidate, error)
}
