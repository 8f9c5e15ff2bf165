package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
	"github.com/hugo-lorenzo-mato/deepinsight/internal/logging"
)

// Reaper releases sessions that have been idle longer than a threshold.
type Reaper struct {
	coord     *Coordinator
	threshold time.Duration
	interval  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	scheduler *gocron.Scheduler
}

// NewReaper creates a reaper for coord. Sweep can be driven directly; Start
// schedules it every interval.
func NewReaper(coord *Coordinator, threshold, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.NewNop().Logger
	}
	return &Reaper{
		coord:     coord,
		threshold: threshold,
		interval:  interval,
		clock:     clock,
		logger:    logger,
	}
}

// Sweep releases every session idle beyond the threshold and returns the
// requests it released. Sessions with an execution in flight are never idle.
func (r *Reaper) Sweep(ctx context.Context) []core.RequestID {
	now := r.clock.Now()
	cutoff := now.Add(-r.threshold)
	var reaped []core.RequestID
	for _, s := range r.coord.List() {
		if s.LastActivity.After(cutoff) {
			continue
		}
		released, err := r.coord.releaseIfIdle(ctx, s.RequestID, s.ID, cutoff)
		if err != nil {
			r.logger.Warn("reaping idle session failed", logging.KeyRequest, string(s.RequestID), "error", err)
		}
		if !released {
			continue
		}
		r.logger.Info("reaped idle session", logging.KeyRequest, string(s.RequestID),
			logging.KeySession, s.ID, "idle", now.Sub(s.LastActivity).Round(time.Second))
		reaped = append(reaped, s.RequestID)
	}
	return reaped
}

// Start runs Sweep on a schedule until Stop.
func (r *Reaper) Start() error {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(r.interval).Do(func() {
		r.Sweep(context.Background())
	}); err != nil {
		return err
	}
	s.StartAsync()
	r.scheduler = s
	return nil
}

// Stop halts the schedule.
func (r *Reaper) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}
