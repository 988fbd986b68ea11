package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	// Schedule is a standard cron expression or descriptor such as "@every 1m".
	Schedule string
	// MaxDuration is the longest a call may run.
	MaxDuration time.Duration
	Logger      *slog.Logger
}

// Reaper periodically ends sessions that exceed the maximum call duration.
type Reaper struct {
	tracker     *Tracker
	maxDuration time.Duration
	logger      *slog.Logger
	cron        *cron.Cron
	now         func() time.Time
}

// NewReaper schedules sweeps of tracker. Call Start to begin.
func NewReaper(tracker *Tracker, cfg ReaperConfig) (*Reaper, error) {
	if tracker == nil {
		return nil, errors.New("sessions: tracker is required")
	}
	if cfg.MaxDuration <= 0 {
		return nil, errors.New("sessions: max duration must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Reaper{
		tracker:     tracker,
		maxDuration: cfg.MaxDuration,
		logger:      cfg.Logger.With("component", "session_reaper"),
		cron:        cron.New(),
		now:         time.Now,
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.Sweep() }); err != nil {
		return nil, fmt.Errorf("sessions: invalid reap schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep ends every session older than the maximum duration and returns how
// many it ended.
func (r *Reaper) Sweep() int {
	expired := r.tracker.Expired(r.now(), r.maxDuration)
	for _, s := range expired {
		r.logger.Warn("ending session past max duration",
			"session_id", s.ID(),
			"call_id", s.CallID(),
			"age", r.now().Sub(s.StartedAt()).Round(time.Second).String(),
		)
		s.Cleanup()
	}
	return len(expired)
}
