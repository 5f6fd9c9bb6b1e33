package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

var (
	_ repository.SyncRunRepository        = (*DB)(nil)
	_ repository.SweepCandidateRepository = (*DB)(nil)
)

func (db *DB) CreateSyncRun(ctx context.Context, run *model.SyncRun) error {
	_, err := db.exec(ctx,
		`INSERT INTO sync_runs (id, user_id, trigger_source, strategy, started_at, finished_at,
			success, activities_processed, activities_created, activities_updated, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.UserID,
		run.Trigger,
		run.Strategy,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Success,
		run.Processed,
		run.Created,
		run.Updated,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: creating sync run %s: %w", run.ID, err)
	}
	return nil
}

// ListSyncRuns returns the user's runs, newest first.
func (db *DB) ListSyncRuns(ctx context.Context, userID string, opts repository.ListOptions) ([]model.SyncRun, error) {
	limit := clampLimit(opts.Limit, 20, 100)
	offset := max(opts.Offset, 0)

	rows, err := db.query(ctx,
		`SELECT id, user_id, trigger_source, strategy, started_at, finished_at, success,
		        activities_processed, activities_created, activities_updated, error_message
		 FROM sync_runs
		 WHERE user_id = ?
		 ORDER BY started_at DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing sync runs for %s: %w", userID, err)
	}
	defer rows.Close()

	runs := make([]model.SyncRun, 0, limit)
	for rows.Next() {
		var r model.SyncRun
		if err := rows.Scan(
			&r.ID,
			&r.UserID,
			&r.Trigger,
			&r.Strategy,
			&r.StartedAt,
			&r.FinishedAt,
			&r.Success,
			&r.Processed,
			&r.Created,
			&r.Updated,
			&r.Error,
		); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning sync run: %w", err)
		}
		r.StartedAt = r.StartedAt.UTC()
		r.FinishedAt = r.FinishedAt.UTC()
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterating sync runs: %w", err)
	}
	return runs, nil
}

// ListSweepCandidates joins credentials with their (optional) sync state.
// Users that never synced come first, then the stalest.
func (db *DB) ListSweepCandidates(ctx context.Context, limit int) ([]model.SweepCandidate, error) {
	limit = clampLimit(limit, 100, 10000)

	rows, err := db.query(ctx,
		`SELECT c.user_id, c.athlete_id, s.last_activity_sync
		 FROM credentials c
		 LEFT JOIN sync_states s ON s.user_id = c.user_id
		 ORDER BY s.last_activity_sync IS NOT NULL, s.last_activity_sync ASC, c.user_id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing sweep candidates: %w", err)
	}
	defer rows.Close()

	var out []model.SweepCandidate
	for rows.Next() {
		var (
			c    model.SweepCandidate
			last sql.NullTime
		)
		if err := rows.Scan(&c.UserID, &c.AthleteID, &last); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning sweep candidate: %w", err)
		}
		c.LastActivitySync = timePtr(last)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterating sweep candidates: %w", err)
	}
	return out, nil
}
