// Package scheduler fires periodic handlers on a fixed base tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"workerbus/internal/metrics"
)

var ErrInvalidInterval = errors.New("trigger interval must be at least one tick")

// Handler is a periodic task. TriggerEveryMinutes counts base ticks, which are
// one minute in production.
type Handler interface {
	Name() string
	TriggerEveryMinutes() int
	Trigger(ctx context.Context) error
	OnRegister(s *Scheduler)
}

// Periodic adapts a plain function into a Handler.
type Periodic struct {
	Label string
	Every int
	Fn    func(ctx context.Context) error
}

func (p Periodic) Name() string                      { return p.Label }
func (p Periodic) TriggerEveryMinutes() int          { return p.Every }
func (p Periodic) Trigger(ctx context.Context) error { return p.Fn(ctx) }
func (p Periodic) OnRegister(*Scheduler)             {}

type entry struct {
	h         Handler
	countdown int
}

type Scheduler struct {
	tick    string
	logger  zerolog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries []*entry
}

// New returns a scheduler driven by tick, a cron expression or descriptor
// such as "@every 1m".
func New(tick string, logger zerolog.Logger, m *metrics.Collector) *Scheduler {
	return &Scheduler{tick: tick, logger: logger, metrics: m}
}

func (s *Scheduler) RegisterHandler(h Handler) error {
	every := h.TriggerEveryMinutes()
	if every < 1 {
		return fmt.Errorf("%w: %s has %d", ErrInvalidInterval, h.Name(), every)
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{h: h, countdown: every})
	s.mu.Unlock()

	h.OnRegister(s)
	s.logger.Info().Str("handler", h.Name()).Int("every", every).Msg("periodic handler registered")
	return nil
}

// Handlers lists the registered handler names.
func (s *Scheduler) Handlers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.h.Name())
	}
	return names
}

// Tick advances every countdown by one and runs the handlers that are due, in
// registration order. A failing handler does not stop the others. It returns
// the names of the handlers triggered.
func (s *Scheduler) Tick(ctx context.Context) []string {
	s.mu.Lock()
	var due []Handler
	for _, e := range s.entries {
		e.countdown--
		if e.countdown <= 0 {
			due = append(due, e.h)
			e.countdown = e.h.TriggerEveryMinutes()
		}
	}
	s.mu.Unlock()

	names := make([]string, 0, len(due))
	for _, h := range due {
		err := s.trigger(ctx, h)
		s.metrics.HandlerTriggered(h.Name(), err)
		if err != nil {
			s.logger.Error().Err(err).Str("handler", h.Name()).Msg("periodic handler failed")
		} else {
			s.logger.Debug().Str("handler", h.Name()).Msg("periodic handler triggered")
		}
		names = append(names, h.Name())
	}
	return names
}

func (s *Scheduler) trigger(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Trigger(ctx)
}

// Run drives Tick from the base schedule until ctx is done. A tick that is
// still running when the next one is due causes that one to be skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := ParseTick(s.tick)
	if err != nil {
		return err
	}
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { s.Tick(ctx) }))

	s.logger.Info().Str("tick", s.tick).Int("handlers", len(s.Handlers())).Msg("scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// ParseTick validates a base tick expression.
func ParseTick(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler tick %q: %w", expr, err)
	}
	return sched, nil
}

type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
