// Package scheduler starts new Guardian sessions on a cron schedule.
//
// A session reset clears session-scoped cache entries and session spend.
// Daily totals and always-scoped cache entries are untouched.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned for schedules that do not parse.
var ErrInvalidSchedule = errors.New("invalid session reset schedule")

// Resetter is the component whose session is reset on schedule.
type Resetter interface {
	ResetSession()
}

// SessionScheduler fires ResetSession on a five-field cron schedule
// ("0 0 * * *") or a descriptor ("@daily", "@every 12h").
type SessionScheduler struct {
	spec     string
	schedule cron.Schedule
	target   Resetter
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a SessionScheduler.
type Option func(*SessionScheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SessionScheduler) { s.now = now }
}

// WithMetrics records resets in m. A nil m is ignored.
func WithMetrics(m *Metrics) Option {
	return func(s *SessionScheduler) { s.metrics = m }
}

// New parses spec and returns a scheduler resetting target.
func New(spec string, target Resetter, logger *slog.Logger, opts ...Option) (*SessionScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSchedule)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	s := &SessionScheduler{
		spec:     spec,
		schedule: schedule,
		target:   target,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Next returns the first reset strictly after t.
func (s *SessionScheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs the schedule in a background goroutine. Returns a cancel function.
func (s *SessionScheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "session reset scheduler started",
			slog.String("schedule", s.spec),
			slog.Time("next", s.Next(s.now())),
		)

		for {
			now := s.now()
			timer := time.NewTimer(s.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("session reset scheduler stopped")
				return
			case <-timer.C:
				s.fire(ctx)
			}
		}
	}()

	return cancel
}

func (s *SessionScheduler) fire(ctx context.Context) {
	s.target.ResetSession()
	now := s.now()
	if s.metrics != nil {
		s.metrics.Resets.Inc()
		s.metrics.LastReset.Set(float64(now.Unix()))
	}
	s.logger.InfoContext(ctx, "scheduled session reset",
		slog.Time("next", s.Next(now)),
	)
}
