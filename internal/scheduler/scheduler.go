// Package scheduler runs the appointment reminder loop. Every interval it
// looks for scheduled appointments starting within the lead window and
// notifies both parties once per appointment. Only Init and Stop matter to
// the rest of the gateway.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/metrics"
)

var (
	// ErrAlreadyStarted is returned by Init on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrInvalidConfig is returned by Init when the configuration cannot
	// drive a loop.
	ErrInvalidConfig = errors.New("scheduler: invalid config")
)

// Config tunes the reminder loop.
type Config struct {
	Interval  time.Duration // how often to scan
	Lead      time.Duration // how far ahead of the start to remind
	DedupeTTL time.Duration // how long a sent reminder is remembered
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Lead:      time.Hour,
		DedupeTTL: 3 * time.Hour,
	}
}

func (c Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	if c.Lead <= 0 {
		return fmt.Errorf("%w: lead must be positive, got %s", ErrInvalidConfig, c.Lead)
	}
	if c.DedupeTTL < c.Lead {
		return fmt.Errorf("%w: dedupe ttl %s shorter than lead %s", ErrInvalidConfig, c.DedupeTTL, c.Lead)
	}
	return nil
}

// Reminder is one notification to one party of an appointment.
type Reminder struct {
	Appointment Appointment
	To          identity.Address
	With        identity.Address
	MinutesLeft int
}

// Notifier delivers reminders somewhere.
type Notifier interface {
	NotifyReminder(ctx context.Context, r Reminder) error
}

// Scheduler owns the background reminder goroutine.
type Scheduler struct {
	cfg       Config
	store     AppointmentStore
	dedupe    Deduper
	notifiers []Notifier
	now       func() time.Time
	log       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Scheduler. A nil dedupe falls back to an in-memory
// one.
func New(cfg Config, store AppointmentStore, dedupe Deduper, log zerolog.Logger, notifiers ...Notifier) *Scheduler {
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		dedupe:    dedupe,
		notifiers: notifiers,
		now:       time.Now,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Init validates the configuration and starts the loop. The first scan runs
// immediately. The loop lives until Stop is called or ctx is cancelled.
func (s *Scheduler) Init(ctx context.Context) error {
	if err := s.cfg.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("lead", s.cfg.Lead).
		Msg("reminder scheduler started")
	return nil
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once, and before Init.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("reminder scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("reminder scan failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single scan and returns how many appointments were
// reminded.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	appts, err := s.store.UpcomingAppointments(ctx, now, now.Add(s.cfg.Lead))
	if err != nil {
		return 0, fmt.Errorf("scheduler: list appointments: %w", err)
	}

	reminded := 0
	for _, a := range appts {
		if ctx.Err() != nil {
			return reminded, ctx.Err()
		}

		first, err := s.dedupe.Claim(ctx, dedupeKey(a.ID), s.cfg.DedupeTTL)
		if err != nil {
			// Retried on the next tick.
			s.log.Warn().Err(err).Str("appointment_id", a.ID).Msg("reminder dedupe failed")
			continue
		}
		if !first {
			continue
		}

		left := int(math.Ceil(a.StartsAt.Sub(now).Minutes()))
		s.notify(ctx, Reminder{Appointment: a, To: a.User(), With: a.Therapist(), MinutesLeft: left})
		s.notify(ctx, Reminder{Appointment: a, To: a.Therapist(), With: a.User(), MinutesLeft: left})
		metrics.RemindersTotal.Inc()
		reminded++
	}
	return reminded, nil
}

func (s *Scheduler) notify(ctx context.Context, r Reminder) {
	for _, n := range s.notifiers {
		if err := n.NotifyReminder(ctx, r); err != nil {
			s.log.Warn().Err(err).
				Str("appointment_id", r.Appointment.ID).
				Str("address", r.To.String()).
				Msg("reminder notification failed")
		}
	}
}

func dedupeKey(appointmentID string) string {
	return "reminder:" + appointmentID
}
