package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/repository"
)

var _ repository.ActivityRepository = (*DB)(nil)

const activityColumns = `id, user_id, provider_activity_id, name, sport_type, start_date, start_date_local,
	timezone, distance, moving_time, elapsed_time, total_elevation_gain,
	average_heartrate, max_heartrate, average_watts, average_cadence,
	tss, intensity_factor, created_at, updated_at`

func (db *DB) GetActivity(ctx context.Context, userID string, providerID int64) (*model.Activity, error) {
	a, err := scanActivity(db.queryRow(ctx,
		`SELECT `+activityColumns+` FROM activities
		 WHERE user_id = ? AND provider_activity_id = ?`,
		userID, providerID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("activity", strconv.FormatInt(providerID, 10))
		}
		return nil, fmt.Errorf("sqlstore: getting activity %d for %s: %w", providerID, userID, err)
	}
	return a, nil
}

// InsertActivity assigns ID and timestamps. A conflicting row is left alone
// and reported as inserted=false.
func (db *DB) InsertActivity(ctx context.Context, a *model.Activity) (bool, error) {
	a.ID = xid.New().String()
	now := db.stamp()
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := db.exec(ctx,
		`INSERT INTO activities (`+activityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, provider_activity_id) DO NOTHING`,
		a.ID,
		a.UserID,
		a.ProviderActivityID,
		a.Name,
		a.SportType,
		a.StartDate.UTC(),
		a.StartDateLocal.UTC(),
		a.Timezone,
		a.Distance,
		a.MovingTime,
		a.ElapsedTime,
		a.TotalElevationGain,
		nullableFloat(a.AverageHeartrate),
		nullableFloat(a.MaxHeartrate),
		nullableFloat(a.AverageWatts),
		nullableFloat(a.AverageCadence),
		nullableFloat(a.TSS),
		nullableFloat(a.IntensityFactor),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: inserting activity %d for %s: %w", a.ProviderActivityID, a.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: inserting activity %d for %s: %w", a.ProviderActivityID, a.UserID, err)
	}
	return n == 1, nil
}

// UpdateActivity rewrites the provider-owned columns only. tss and
// intensity_factor are never touched here.
func (db *DB) UpdateActivity(ctx context.Context, a *model.Activity) error {
	a.UpdatedAt = db.stamp()

	res, err := db.exec(ctx,
		`UPDATE activities SET
			name = ?, sport_type = ?, start_date = ?, start_date_local = ?, timezone = ?,
			distance = ?, moving_time = ?, elapsed_time = ?, total_elevation_gain = ?,
			average_heartrate = ?, max_heartrate = ?, average_watts = ?, average_cadence = ?,
			updated_at = ?
		 WHERE user_id = ? AND provider_activity_id = ?`,
		a.Name,
		a.SportType,
		a.StartDate.UTC(),
		a.StartDateLocal.UTC(),
		a.Timezone,
		a.Distance,
		a.MovingTime,
		a.ElapsedTime,
		a.TotalElevationGain,
		nullableFloat(a.AverageHeartrate),
		nullableFloat(a.MaxHeartrate),
		nullableFloat(a.AverageWatts),
		nullableFloat(a.AverageCadence),
		a.UpdatedAt,
		a.UserID,
		a.ProviderActivityID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: updating activity %d for %s: %w", a.ProviderActivityID, a.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: updating activity %d for %s: %w", a.ProviderActivityID, a.UserID, err)
	}
	if n == 0 {
		return apperror.NotFound("activity", strconv.FormatInt(a.ProviderActivityID, 10))
	}
	return nil
}

func (db *DB) TouchActivity(ctx context.Context, userID string, providerID int64, at time.Time) error {
	_, err := db.exec(ctx,
		`UPDATE activities SET updated_at = ? WHERE user_id = ? AND provider_activity_id = ?`,
		at.UTC(), userID, providerID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: touching activity %d for %s: %w", providerID, userID, err)
	}
	return nil
}

func (db *DB) DeleteActivity(ctx context.Context, userID string, providerID int64) (bool, error) {
	res, err := db.exec(ctx,
		`DELETE FROM activities WHERE user_id = ? AND provider_activity_id = ?`,
		userID, providerID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: deleting activity %d for %s: %w", providerID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlstore: deleting activity %d for %s: %w", providerID, userID, err)
	}
	return n > 0, nil
}

func (db *DB) CountActivities(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.queryRow(ctx,
		`SELECT COUNT(*) FROM activities WHERE user_id = ?`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: counting activities for %s: %w", userID, err)
	}
	return n, nil
}

func scanActivity(row rowScanner) (*model.Activity, error) {
	var (
		a                                  model.Activity
		avgHR, maxHR, avgWatts, avgCadence sql.NullFloat64
		tss, intensity                     sql.NullFloat64
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.ProviderActivityID,
		&a.Name,
		&a.SportType,
		&a.StartDate,
		&a.StartDateLocal,
		&a.Timezone,
		&a.Distance,
		&a.MovingTime,
		&a.ElapsedTime,
		&a.TotalElevationGain,
		&avgHR,
		&maxHR,
		&avgWatts,
		&avgCadence,
		&tss,
		&intensity,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	a.AverageHeartrate = floatPtr(avgHR)
	a.MaxHeartrate = floatPtr(maxHR)
	a.AverageWatts = floatPtr(avgWatts)
	a.AverageCadence = floatPtr(avgCadence)
	a.TSS = floatPtr(tss)
	a.IntensityFactor = floatPtr(intensity)
	a.StartDate = a.StartDate.UTC()
	a.StartDateLocal = a.StartDateLocal.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
