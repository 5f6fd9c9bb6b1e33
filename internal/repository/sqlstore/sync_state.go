package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

var _ repository.SyncStateRepository = (*DB)(nil)

func (db *DB) GetSyncState(ctx context.Context, userID string) (*model.SyncState, error) {
	var (
		s            model.SyncState
		lastActivity sql.NullTime
		lastErrorAt  sql.NullTime
	)
	err := db.queryRow(ctx,
		`SELECT user_id, sync_enabled, sync_requests_today, last_sync_date, last_activity_sync,
		        consecutive_errors, last_error_message, last_error_at, total_activities_synced,
		        created_at, updated_at
		 FROM sync_states
		 WHERE user_id = ?`,
		userID,
	).Scan(
		&s.UserID,
		&s.SyncEnabled,
		&s.SyncRequestsToday,
		&s.LastSyncDate,
		&lastActivity,
		&s.ConsecutiveErrors,
		&s.LastErrorMessage,
		&lastErrorAt,
		&s.TotalActivitiesSynced,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("sync state", userID)
		}
		return nil, fmt.Errorf("sqlstore: getting sync state for %s: %w", userID, err)
	}

	s.LastActivitySync = timePtr(lastActivity)
	s.LastErrorAt = timePtr(lastErrorAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// RecordAttempt applies one attempt in a single statement.
//
// The VALUES row is what a first-ever attempt looks like. On conflict the
// database itself derives the new counters from the stored row, so two
// overlapping attempts for the same user both land:
//
//   - sync_requests_today: +1 on the same day, restart at 1 on a new day
//   - consecutive_errors:  0 on success, +1 on failure
//   - last_activity_sync:  only moves when the attempt progressed
//   - total_activities_synced: += new activities
//
// The row is read back afterwards; that read is not part of the update.
func (db *DB) RecordAttempt(ctx context.Context, a model.SyncAttempt) (*model.SyncState, error) {
	at := a.At.UTC()

	var lastActivity any
	if a.Progressed {
		lastActivity = at
	}

	errCount := 1
	errMessage := a.ErrorMessage
	var errAt any = at
	if a.Succeeded {
		errCount = 0
		errMessage = ""
		errAt = nil
	}

	_, err := db.exec(ctx,
		`INSERT INTO sync_states (
			user_id, sync_enabled, sync_requests_today, last_sync_date, last_activity_sync,
			consecutive_errors, last_error_message, last_error_at, total_activities_synced,
			created_at, updated_at)
		 VALUES (?, TRUE, 1, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			sync_requests_today = CASE
				WHEN sync_states.last_sync_date = excluded.last_sync_date
				THEN sync_states.sync_requests_today + 1
				ELSE 1
			END,
			last_sync_date = excluded.last_sync_date,
			last_activity_sync = COALESCE(excluded.last_activity_sync, sync_states.last_activity_sync),
			consecutive_errors = CASE
				WHEN excluded.consecutive_errors = 0 THEN 0
				ELSE sync_states.consecutive_errors + 1
			END,
			last_error_message = excluded.last_error_message,
			last_error_at = excluded.last_error_at,
			total_activities_synced = sync_states.total_activities_synced + excluded.total_activities_synced,
			updated_at = excluded.updated_at`,
		a.UserID,
		a.Day,
		lastActivity,
		errCount,
		errMessage,
		errAt,
		a.NewActivities,
		at,
		at,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: recording sync attempt for %s: %w", a.UserID, err)
	}

	return db.GetSyncState(ctx, a.UserID)
}

func (db *DB) SetSyncEnabled(ctx context.Context, userID string, enabled bool) (*model.SyncState, error) {
	now := db.stamp()
	_, err := db.exec(ctx,
		`INSERT INTO sync_states (user_id, sync_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			sync_enabled = excluded.sync_enabled,
			updated_at   = excluded.updated_at`,
		userID, enabled, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: setting sync_enabled for %s: %w", userID, err)
	}
	return db.GetSyncState(ctx, userID)
}
