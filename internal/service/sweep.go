package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/training-sync/internal/apperror"
	"github.com/sakif/training-sync/internal/metrics"
	"github.com/sakif/training-sync/internal/repository"
)

type SweepOptions struct {
	MaxUsers             int
	DelayBetweenUsers    time.Duration
	SkipRecentlySynced   bool
	MinTimeSinceLastSync time.Duration
}

func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		MaxUsers:             100,
		DelayBetweenUsers:    5 * time.Second,
		SkipRecentlySynced:   true,
		MinTimeSinceLastSync: 6 * time.Hour,
	}
}

// SweepStats summarizes one pass.
//
// UsersProcessed counts RunSync calls. UsersSkipped counts users filtered
// out as recently synced plus users the gate turned away, so a gate-denied
// user appears in both.
type SweepStats struct {
	SweepID        string    `json:"sweepId"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	UsersProcessed int       `json:"usersProcessed"`
	UsersSynced    int       `json:"usersSynced"`
	UsersSkipped   int       `json:"usersSkipped"`
	Errors         []string  `json:"errors"`
}

// SweepScheduler runs quick syncs across connected users, one at a time,
// with a pause between users so the aggregate load on the provider stays
// bounded. It never bypasses the gate.
type SweepScheduler struct {
	candidates repository.SweepCandidateRepository
	syncer     Syncer
	opts       SweepOptions
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewSweepScheduler(
	candidates repository.SweepCandidateRepository,
	syncer Syncer,
	opts SweepOptions,
	logger *slog.Logger,
) *SweepScheduler {
	return &SweepScheduler{
		candidates: candidates,
		syncer:     syncer,
		opts:       opts,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     logger,
	}
}

// Options returns the options Start uses.
func (s *SweepScheduler) Options() SweepOptions {
	return s.opts
}

// RunSweep performs one pass. Only one pass runs at a time per scheduler;
// a second concurrent call gets an ErrConflict error.
//
// A failing user is recorded in the stats and the pass moves on. Context
// cancellation stops the pass between users and returns the partial stats
// along with the context error.
func (s *SweepScheduler) RunSweep(ctx context.Context, opts SweepOptions) (*SweepStats, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, apperror.Conflict("sweep", "running")
	}
	defer s.running.Store(false)

	if opts.MaxUsers <= 0 {
		opts.MaxUsers = DefaultSweepOptions().MaxUsers
	}

	stats := &SweepStats{
		SweepID:   uuid.NewString(),
		StartedAt: s.now(),
		Errors:    []string{},
	}
	log := s.logger.With(slog.String("sweepID", stats.SweepID))

	candidates, err := s.candidates.ListSweepCandidates(ctx, opts.MaxUsers)
	if err != nil {
		return nil, apperror.PersistenceFailed("listing sweep candidates", err)
	}
	log.Info("sweep started", slog.Int("candidates", len(candidates)))

	var runErr error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		if opts.SkipRecentlySynced && c.LastActivitySync != nil &&
			s.now().Sub(*c.LastActivitySync) < opts.MinTimeSinceLastSync {
			stats.UsersSkipped++
			metrics.SweepUsers.WithLabelValues("skipped").Inc()
			continue
		}

		if stats.UsersProcessed > 0 {
			if err := s.sleep(ctx, opts.DelayBetweenUsers); err != nil {
				runErr = err
				break
			}
		}

		stats.UsersProcessed++
		outcome, err := s.syncer.RunSync(ctx, c.UserID, SyncRequest{
			Strategy: StrategyQuick,
			Trigger:  TriggerSweep,
		})
		switch {
		case err != nil:
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", c.UserID, err))
			metrics.SweepUsers.WithLabelValues("failed").Inc()
		case outcome.Denied():
			stats.UsersSkipped++
			metrics.SweepUsers.WithLabelValues("skipped").Inc()
		case outcome.Success:
			stats.UsersSynced++
			metrics.SweepUsers.WithLabelValues("synced").Inc()
		default:
			msg := "sync failed"
			if len(outcome.Errors) > 0 {
				msg = outcome.Errors[0]
			}
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", c.UserID, msg))
			metrics.SweepUsers.WithLabelValues("failed").Inc()
		}
	}

	stats.FinishedAt = s.now()
	log.Info("sweep finished",
		slog.Int("processed", stats.UsersProcessed),
		slog.Int("synced", stats.UsersSynced),
		slog.Int("skipped", stats.UsersSkipped),
		slog.Int("errors", len(stats.Errors)),
	)
	return stats, runErr
}

// Start runs a sweep every interval until ctx is done. The first pass
// happens one interval after Start. Call Wait to block until the loop
// has exited.
func (s *SweepScheduler) Start(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if _, err := s.RunSweep(ctx, s.opts); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, apperror.ErrConflict) {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}()
}

// Wait blocks until the loop started by Start returns.
func (s *SweepScheduler) Wait() {
	s.wg.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
