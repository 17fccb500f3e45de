// Package admission promotes queued sessions into running ones. A periodic
// tick admits at most one session when the concurrency ceiling allows it,
// then hands the session to a runner goroutine.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sharemill/internal/eventbus"
	"sharemill/internal/runtime/supervisor"
	"sharemill/internal/store"
	logx "sharemill/pkg/logx"
)

// SessionRunner drives one admitted session to a terminal status.
type SessionRunner interface {
	Run(ctx context.Context, id string) error
}

// Config tunes admission. Zero values pick the defaults.
type Config struct {
	// Workers is the nominal worker count. Default 2.
	Workers int
	// SessionsPerWorker caps concurrent sessions per worker. Default 3.
	SessionsPerWorker int
	// Tick is the admission cadence. Default 5s.
	Tick time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.SessionsPerWorker <= 0 {
		c.SessionsPerWorker = 3
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
}

// Ceiling is the maximum number of concurrently active sessions.
func (c Config) Ceiling() int { return c.Workers * c.SessionsPerWorker }

// Service owns the admission tick. Start and Stop are idempotent.
type Service struct {
	store  store.Store
	runner SessionRunner
	bus    eventbus.Bus
	sup    *supervisor.Supervisor
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	running bool
}

func New(st store.Store, r SessionRunner, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger, cfg Config) *Service {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  st,
		runner: r,
		bus:    bus,
		sup:    sup,
		log:    log,
		cfg:    cfg,
	}
}

func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), s.tick); err != nil {
		return fmt.Errorf("admission: schedule tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.Info("admission started",
		logx.String("tick", s.cfg.Tick.String()),
		logx.Int("ceiling", s.cfg.Ceiling()),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconfigure applies new admission settings. A changed tick restarts the
// schedule; a changed ceiling takes effect on the next tick.
func (s *Service) Reconfigure(cfg Config) error {
	cfg.setDefaults()

	s.mu.Lock()
	restart := s.running && cfg.Tick != s.cfg.Tick
	s.cfg = cfg
	s.mu.Unlock()

	if !restart {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		return err
	}
	return s.Start(stopCtx)
}

// tick admits at most one queued session if the ceiling allows.
func (s *Service) tick() {
	s.mu.Lock()
	ceiling := s.cfg.Ceiling()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.sup.Context(), 10*time.Second)
	defer cancel()

	active, err := s.store.CountActive(ctx)
	if err != nil {
		s.log.Warn("admission: counting active sessions failed", logx.Err(err))
		return
	}
	if active >= ceiling {
		s.log.Debug("admission: at ceiling",
			logx.Int("active", active),
			logx.Int("ceiling", ceiling),
		)
		return
	}

	sess, ok, err := s.store.PromoteOldest(ctx)
	if err != nil {
		s.log.Warn("admission: promotion failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}

	s.log.Info("session admitted",
		logx.String("session", sess.ID),
		logx.Int64("seq", sess.Seq),
		logx.Int("active", active+1),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.SessionAdmitted, Data: sess.ID})

	id := sess.ID
	s.sup.Go("session-"+id, func(ctx context.Context) error {
		if err := s.runner.Run(ctx, id); err != nil {
			// The session stays "started"; a later restart recovery settles it.
			s.log.Error("session runner failed to complete",
				logx.String("session", id), logx.Err(err))
		}
		return nil
	})
}
