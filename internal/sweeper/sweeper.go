// Package sweeper periodically removes expired sessions and reclaims idle
// execution instances.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/panics"

	"github.com/ovenzeze/open-interpreter/internal/instance"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule returns the schedule for expr, a standard five-field cron
// expression or a descriptor such as "@every 5m". An empty expr runs every
// interval.
func ParseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	if expr == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("cleanup interval must be positive, got %s", interval)
		}
		return cron.Every(interval), nil
	}

	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

type Report struct {
	Sessions  int `json:"sessions"`
	Instances int `json:"instances"`
	Skipped   int `json:"skipped"`
	Failures  int `json:"failures"`
}

type Sweeper struct {
	sessions        *session.Store
	locks           *session.LockTable
	pool            *instance.Pool
	schedule        cron.Schedule
	instanceTimeout time.Duration
	now             func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New returns a sweeper. pool may be nil when no instances run in this
// process; instanceTimeout <= 0 disables idle reclamation.
func New(sessions *session.Store, locks *session.LockTable, pool *instance.Pool, schedule cron.Schedule, instanceTimeout time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		sessions:        sessions,
		locks:           locks,
		pool:            pool,
		schedule:        schedule,
		instanceTimeout: instanceTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every schedule activation until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Debug("sweeper started")

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("sweeper stopping")
			return
		case <-timer.C:
			s.safeSweep(ctx)
		}
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	var pc panics.Catcher
	pc.Try(func() { s.Sweep(ctx) })

	if r := pc.Recovered(); r != nil {
		logger.Error("sweep panicked", "error", r.AsError())
	}
}

// Sweep runs one cycle. Sessions whose turn lock is held are skipped and
// retried next cycle.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report
	now := s.now()

	for _, id := range s.sessions.ExpiredIDs(now) {
		if ctx.Err() != nil {
			return report
		}

		if s.locks != nil && !s.locks.Delete(id) {
			logger.Debug("expired session busy, skipping", "session", id)
			report.Skipped++
			continue
		}

		if s.pool != nil {
			s.pool.Evict(id)
		}

		if err := s.sessions.Remove(ctx, id); err != nil {
			logger.Error("failed to remove expired session", "session", id, "error", err)
			report.Failures++
			continue
		}
		report.Sessions++
	}

	if s.pool != nil && s.instanceTimeout > 0 {
		for _, id := range s.pool.IdleIDs(now.Add(-s.instanceTimeout)) {
			if s.locks != nil && s.locks.Held(id) {
				continue
			}
			if s.pool.Evict(id) {
				report.Instances++
			}
		}
	}

	if report != (Report{}) {
		logger.Info("sweep complete",
			"sessions", report.Sessions,
			"instances", report.Instances,
			"skipped", report.Skipped,
			"failures", report.Failures,
		)
	}

	return report
}
