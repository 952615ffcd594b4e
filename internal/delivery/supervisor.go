package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"relaybridge/internal/eventbus"
	"relaybridge/pkg/logx"
)

// Supervisor owns zero or one live Session.
//
// Ensure is the only path that creates sessions, and it always closes the
// previous one first.
type Supervisor struct {
	factory Factory
	log     logx.Logger
	bus     eventbus.Bus
	clock   Clock

	ensureMu sync.Mutex

	mu      sync.Mutex
	current *Session
	tmpl    SessionConfig

	created atomic.Uint64
}

type SupervisorOptions struct {
	Bus   eventbus.Bus
	Clock Clock
}

// NewSupervisor builds sessions from factory using tmpl until SetTemplate
// replaces it.
func NewSupervisor(factory Factory, tmpl SessionConfig, log logx.Logger, opts SupervisorOptions) *Supervisor {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &Supervisor{
		factory: factory,
		log:     log.With(logx.String("comp", "supervisor")),
		bus:     opts.Bus,
		clock:   opts.Clock,
		tmpl:    tmpl.normalize(),
	}
}

// SetTemplate changes the config used for the next session.
func (s *Supervisor) SetTemplate(cfg SessionConfig) {
	s.mu.Lock()
	s.tmpl = cfg.normalize()
	s.mu.Unlock()
}

func (s *Supervisor) Template() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tmpl
}

// Current returns the live session or nil.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) Ready() bool {
	cur := s.Current()
	return cur != nil && cur.State() == StateReady
}

// Created counts sessions constructed so far.
func (s *Supervisor) Created() uint64 { return s.created.Load() }

// Ensure replaces the current session with a freshly initialized one, making
// up to attempts tries separated by delay. It returns false on exhaustion or
// when ctx ends, leaving no current session.
func (s *Supervisor) Ensure(ctx context.Context, attempts int, delay time.Duration) bool {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()

	s.closeCurrent()
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			s.log.Info("shutdown requested; aborting session initialization")
			return false
		}

		tmpl := s.Template()
		id := s.created.Add(1)
		log := s.log.With(logx.String("comp", "session"), logx.Uint64("session", id))
		log.Info("initializing session", logx.Int("attempt", attempt), logx.Int("attempts", attempts))

		sess := NewSession(s.factory(tmpl), tmpl, log, s.clock)
		if sess.Initialize(ctx) {
			s.mu.Lock()
			s.current = sess
			s.mu.Unlock()
			s.bus.Publish(eventbus.Event{Type: eventbus.SessionReady, Data: eventbus.Session{Attempt: attempt, Attempts: attempts}})
			return true
		}
		sess.Close()

		err := sess.Err()
		if ctx.Err() != nil {
			s.log.Info("session initialization interrupted by shutdown")
			return false
		}
		s.log.Warn("session initialization failed", logx.Int("attempt", attempt), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.SessionFailed, Data: eventbus.Session{Attempt: attempt, Attempts: attempts, Reason: errString(err)}})
		if errors.Is(err, ErrPairingRequired) {
			s.bus.Publish(eventbus.Event{Type: eventbus.SessionPairingRequired, Data: eventbus.Session{Attempt: attempt, Attempts: attempts, Reason: errString(err)}})
		}

		if attempt < attempts {
			s.log.Info("retrying session initialization", logx.Duration("delay", delay))
			if err := s.clock.Sleep(ctx, delay); err != nil {
				return false
			}
		}
	}

	s.log.Error("session initialization attempts exhausted", logx.Int("attempts", attempts))
	s.bus.Publish(eventbus.Event{Type: eventbus.SessionExhausted, Data: eventbus.Session{Attempts: attempts}})
	return false
}

// Send borrows the current session for one call.
func (s *Supervisor) Send(ctx context.Context, recipient, body string) (Outcome, error) {
	cur := s.Current()
	if cur == nil {
		return SessionFailed, ErrNotReady
	}
	return cur.Send(ctx, recipient, body)
}

// Close releases the current session, if any.
func (s *Supervisor) Close() { s.closeCurrent() }

func (s *Supervisor) closeCurrent() {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		s.log.Info("closing session", logx.String("state", cur.State().String()))
		cur.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
