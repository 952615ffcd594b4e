package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"relaybridge/internal/ratelimit"
	"relaybridge/pkg/logx"
)

// Session wraps one Capability and its Rate Window.
//
// Initialize and Send are meant for a single caller; State, Err and Close are
// safe from any goroutine.
type Session struct {
	cfg    SessionConfig
	cap    Capability
	log    logx.Logger
	clock  Clock
	window *ratelimit.Window

	mu    sync.Mutex
	state State
	err   error
	sent  int

	closeOnce sync.Once
}

// NewSession wraps c in an Uninitialized session. A nil clock uses real time.
func NewSession(c Capability, cfg SessionConfig, log logx.Logger, clock Clock) *Session {
	cfg = cfg.normalize()
	if clock == nil {
		clock = RealClock()
	}
	return &Session{
		cfg:    cfg,
		cap:    c,
		log:    log,
		clock:  clock,
		window: ratelimit.NewWindow(cfg.RateLimit, cfg.RatePeriod, clock.Now()),
		state:  StateUninitialized,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason for the last failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SentCount is the number of successful submissions.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Initialize opens the capability and waits for the ready signal.
// On failure the capability is released before returning false.
func (s *Session) Initialize(ctx context.Context) (ok bool) {
	if st := s.State(); st != StateUninitialized {
		s.log.Warn("initialize called twice", logx.String("state", st.String()))
		return st == StateReady
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic during session initialize", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.fail(fmt.Errorf("initialize panic: %v", r))
			ok = false
		}
		if !ok {
			s.Close()
		}
	}()

	if err := s.cap.Open(ctx); err != nil {
		s.fail(fmt.Errorf("open capability: %w", err))
		return false
	}
	if err := s.awaitReady(ctx); err != nil {
		s.fail(err)
		return false
	}

	s.mu.Lock()
	if s.state != StateUninitialized {
		// Closed concurrently.
		s.mu.Unlock()
		return false
	}
	s.state = StateReady
	s.mu.Unlock()
	s.log.Info("session ready")
	return true
}

func (s *Session) awaitReady(ctx context.Context) error {
	deadline := s.clock.Now().Add(s.cfg.ReadyTimeout)

	r, err := s.cap.ProbeReadiness(ctx, s.cfg.ReadyTimeout)
	if err != nil {
		return fmt.Errorf("probe readiness: %w", err)
	}
	switch r {
	case ReadinessReady:
		return nil
	case ReadinessUnknown:
		return fmt.Errorf("no ready signal within %s: %w", s.cfg.ReadyTimeout, ErrNotReady)
	}

	if s.cfg.Unattended {
		// A restored profile can flash the pairing code before the chats load.
		until := s.clock.Now().Add(s.cfg.PairingConfirm)
		if until.After(deadline) {
			until = deadline
		}
		ready, err := s.pollReady(ctx, until)
		if err != nil {
			return err
		}
		if ready {
			s.log.Info("ready signal appeared after pairing prompt")
			return nil
		}
		s.log.Error("pairing required; run the pair command once with a visible browser")
		return ErrPairingRequired
	}

	s.log.Warn("pairing required; complete it in the browser window", logx.Duration("timeout", s.cfg.ReadyTimeout))
	ready, err := s.pollReady(ctx, deadline)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("pairing not completed within %s: %w", s.cfg.ReadyTimeout, ErrPairingRequired)
	}
	return nil
}

// pollReady re-probes every PairingPoll until the ready signal shows or
// until passes.
func (s *Session) pollReady(ctx context.Context, until time.Time) (bool, error) {
	for {
		remaining := until.Sub(s.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		step := min(s.cfg.PairingPoll, remaining)
		if err := s.clock.Sleep(ctx, step); err != nil {
			return false, err
		}
		r, err := s.cap.ProbeReadiness(ctx, step)
		if err != nil {
			return false, fmt.Errorf("probe readiness: %w", err)
		}
		if r == ReadinessReady {
			return true, nil
		}
	}
}

// Send delivers one message. It never panics and returns a non-nil error for
// every outcome other than Sent.
//
// Cancelling ctx only cuts the rate-limit wait short; once the page work has
// started it runs to completion.
func (s *Session) Send(ctx context.Context, recipient, body string) (out Outcome, err error) {
	if st := s.State(); st != StateReady {
		return SessionFailed, fmt.Errorf("send in state %s: %w", st, ErrNotReady)
	}
	log := s.log.With(logx.String("recipient", recipient))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during send", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("send panic: %v", r)
			s.fail(err)
			out = SessionFailed
		}
	}()

	if wait := s.window.Acquire(s.clock.Now()); wait > 0 {
		log.Info("rate limit reached; waiting", logx.Int("limit", s.cfg.RateLimit), logx.Duration("wait", wait))
		if werr := s.clock.Sleep(ctx, wait); werr != nil {
			return Aborted, werr
		}
	}

	act := context.WithoutCancel(ctx)

	if err := s.cap.OpenChat(act, recipient, body); err != nil {
		return s.sessionFailure(fmt.Errorf("open chat: %w", err))
	}

	status, err := s.cap.AwaitComposer(act, s.cfg.ComposerTimeout)
	if err != nil {
		return s.sessionFailure(fmt.Errorf("await composer: %w", err))
	}
	switch status {
	case ComposerInvalidRecipient:
		log.Warn("recipient rejected by delivery surface")
		return RecipientInvalid, fmt.Errorf("recipient %s rejected", recipient)
	case ComposerTimeout:
		return s.sessionFailure(fmt.Errorf("after %s: %w", s.cfg.ComposerTimeout, ErrComposerTimeout))
	}

	ctl, err := s.locate(act, log)
	if err != nil {
		return s.sessionFailure(err)
	}
	if err := ctl.Activate(act); err != nil {
		return s.sessionFailure(fmt.Errorf("activate submit: %w", err))
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()

	_ = s.clock.Sleep(act, s.cfg.SettleDelay)
	return Sent, nil
}

// locate tries each strategy in order and stops at the first match.
func (s *Session) locate(ctx context.Context, log logx.Logger) (Control, error) {
	for _, st := range s.cfg.Strategies {
		ctl, err := s.cap.Locate(ctx, st)
		if err == nil && ctl != nil {
			log.Debug("submit control found", logx.String("strategy", st.Name))
			return ctl, nil
		}
		if err != nil && !errors.Is(err, ErrControlNotFound) {
			return nil, fmt.Errorf("locate %s: %w", st.Name, err)
		}
		log.Debug("submit control strategy missed", logx.String("strategy", st.Name), logx.Duration("timeout", st.Timeout))
	}
	return nil, fmt.Errorf("tried %d strategies: %w", len(s.cfg.Strategies), ErrControlNotFound)
}

func (s *Session) sessionFailure(err error) (Outcome, error) {
	s.fail(err)
	s.log.Warn("send failed", logx.Err(err))
	return SessionFailed, err
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	if s.state != StateClosed {
		s.state = StateFailed
	}
}

// Close releases the capability once. Later calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic while closing capability", logx.Any("panic", r))
			}
		}()
		if err := s.cap.Close(); err != nil {
			s.log.Warn("close capability failed", logx.Err(err))
			return
		}
		s.log.Debug("session closed")
	})
}
