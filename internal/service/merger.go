package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/metrics"
	"github.com/sakif/training-sync/internal/model"
	"github.com/sakif/training-sync/internal/provider"
	"github.com/sakif/training-sync/internal/repository"
)

// ActivitySource is a pull-style sequence of remote activities.
// *provider.ActivityIterator satisfies it.
type ActivitySource interface {
	Next() bool
	Activity() provider.RemoteActivity
	Err() error
}

// MergeResult counts what one merge did. Processed includes unchanged rows.
type MergeResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
}

// ActivityMerger is the only writer of model.Activity during a sync.
//
// Per remote activity, keyed by (user, provider activity id):
//
//	absent            -> insert
//	present, changed  -> update provider-owned fields only
//	present, same     -> touch updated_at
//
// It never deletes. Running it twice over the same input creates nothing
// the second time.
type ActivityMerger struct {
	repo   repository.ActivityRepository
	now    func() time.Time
	logger *slog.Logger
}

func NewActivityMerger(repo repository.ActivityRepository, logger *slog.Logger) *ActivityMerger {
	return &ActivityMerger{repo: repo, now: time.Now, logger: logger}
}

// Merge drains src into the store.
//
// Each activity is committed on its own, so when src fails midway (or a
// write fails) everything merged so far stays, and the returned result
// counts exactly that. The error is src.Err() as-is, or an ErrPersistence
// error for a store failure.
func (m *ActivityMerger) Merge(ctx context.Context, userID string, src ActivitySource) (MergeResult, error) {
	var res MergeResult

	for src.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		remote := src.Activity()
		created, updated, err := m.mergeOne(ctx, userID, remote)
		if err != nil {
			return res, err
		}

		res.Processed++
		switch {
		case created:
			res.Created++
			metrics.MergedActivities.WithLabelValues("created").Inc()
		case updated:
			res.Updated++
			metrics.MergedActivities.WithLabelValues("updated").Inc()
		default:
			metrics.MergedActivities.WithLabelValues("unchanged").Inc()
		}
	}

	if err := src.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (m *ActivityMerger) mergeOne(ctx context.Context, userID string, remote provider.RemoteActivity) (created, updated bool, err error) {
	incoming := activityFromRemote(userID, remote)

	existing, err := m.repo.GetActivity(ctx, userID, remote.ID)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		inserted, err := m.repo.InsertActivity(ctx, incoming)
		if err != nil {
			return false, false, apperror.PersistenceFailed("inserting activity", err)
		}
		if !inserted {
			// Another sync for this user inserted it first. Its data came
			// from the same provider, so there is nothing left to do.
			m.logger.Debug("activity inserted concurrently",
				slog.String("userID", userID),
				slog.Int64("activityID", remote.ID),
			)
		}
		return inserted, false, nil
	case err != nil:
		return false, false, apperror.PersistenceFailed("loading activity", err)
	}

	if existing.SameRemoteFields(incoming) {
		if err := m.repo.TouchActivity(ctx, userID, remote.ID, m.now()); err != nil {
			return false, false, apperror.PersistenceFailed("touching activity", err)
		}
		return false, false, nil
	}

	existing.ApplyRemoteFields(incoming)
	if err := m.repo.UpdateActivity(ctx, existing); err != nil {
		return false, false, apperror.PersistenceFailed("updating activity", err)
	}
	return false, true, nil
}

func activityFromRemote(userID string, r provider.RemoteActivity) *model.Activity {
	sport := r.SportType
	if sport == "" {
		sport = r.Type
	}
	return &model.Activity{
		UserID:             userID,
		ProviderActivityID: r.ID,
		Name:               r.Name,
		SportType:          sport,
		StartDate:          r.StartDate.UTC(),
		StartDateLocal:     r.StartDateLocal.UTC(),
		Timezone:           r.Timezone,
		Distance:           r.Distance,
		MovingTime:         r.MovingTime,
		ElapsedTime:        r.ElapsedTime,
		TotalElevationGain: r.TotalElevationGain,
		AverageHeartrate:   r.AverageHeartrate,
		MaxHeartrate:       r.MaxHeartrate,
		AverageWatts:       r.AverageWatts,
		AverageCadence:     r.AverageCadence,
	}
}
