// Package delivery owns the lifecycle of the single external delivery
// session: initialization and pairing detection, rate-limited sends with
// typed outcomes, and supervised replacement after failure.
//
// The automation mechanism stays behind Capability so the dispatch core never
// sees selectors, pages or drivers.
package delivery

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPairingRequired = errors.New("delivery: pairing required")
	ErrNotReady        = errors.New("delivery: session not ready")
	ErrControlNotFound = errors.New("delivery: submit control not found")
	ErrComposerTimeout = errors.New("delivery: composer did not appear")
)

// State is a Session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome classifies one send attempt.
type Outcome int

const (
	// Sent: submitted and settled.
	Sent Outcome = iota
	// RecipientInvalid: the surface rejected the recipient; the session is fine.
	RecipientInvalid
	// SessionFailed: any other failure; the session must be replaced.
	SessionFailed
	// Aborted: cancelled before anything was submitted.
	Aborted
)

func (o Outcome) OK() bool { return o == Sent }

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case RecipientInvalid:
		return "recipient_invalid"
	case SessionFailed:
		return "session_failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Readiness int

const (
	ReadinessUnknown Readiness = iota
	ReadinessReady
	ReadinessPairingRequired
)

func (r Readiness) String() string {
	switch r {
	case ReadinessReady:
		return "ready"
	case ReadinessPairingRequired:
		return "pairing_required"
	default:
		return "unknown"
	}
}

type ComposerStatus int

const (
	ComposerTimeout ComposerStatus = iota
	ComposerPresent
	ComposerInvalidRecipient
)

// Strategy is one way of finding the submit control.
type Strategy struct {
	Name     string        `json:"name,omitempty"`
	Selector string        `json:"selector"`
	Timeout  time.Duration `json:"timeout"`
}

type Control interface {
	Activate(ctx context.Context) error
}

// Capability is one instance of the external automation resource.
//
// Close must be safe to call on an instance whose Open failed or was never
// called.
type Capability interface {
	Open(ctx context.Context) error
	// ProbeReadiness waits up to timeout for either the ready or the pairing
	// signal and returns ReadinessUnknown when neither appears.
	ProbeReadiness(ctx context.Context, timeout time.Duration) (Readiness, error)
	OpenChat(ctx context.Context, recipient, body string) error
	AwaitComposer(ctx context.Context, timeout time.Duration) (ComposerStatus, error)
	// Locate returns ErrControlNotFound when s does not match within s.Timeout.
	Locate(ctx context.Context, s Strategy) (Control, error)
	Close() error
}

// Factory builds a fresh, unopened capability for one session.
type Factory func(cfg SessionConfig) Capability

// SessionConfig is the template the Supervisor applies to every new session.
type SessionConfig struct {
	ReadyTimeout time.Duration
	PairingPoll  time.Duration
	// PairingConfirm is how long an unattended session keeps looking for the
	// ready signal after a pairing prompt before giving up.
	PairingConfirm  time.Duration
	ComposerTimeout time.Duration
	SettleDelay     time.Duration
	Strategies      []Strategy
	// Unattended sessions fail fast when pairing is required.
	Unattended bool
	RateLimit  int
	RatePeriod time.Duration
}

// DefaultStrategies are the submit-button selectors, most specific first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "aria-send", Selector: `//button[@aria-label="Send"]`, Timeout: 10 * time.Second},
		{Name: "icon-send", Selector: `//span[@data-icon="send"]`, Timeout: 10 * time.Second},
		{Name: "testid-send", Selector: `//button[@data-testid="compose-btn-send"]`, Timeout: 20 * time.Second},
	}
}

// DefaultSessionConfig returns the unattended defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ReadyTimeout:    300 * time.Second,
		PairingPoll:     2 * time.Second,
		PairingConfirm:  5 * time.Second,
		ComposerTimeout: 30 * time.Second,
		SettleDelay:     2 * time.Second,
		Strategies:      DefaultStrategies(),
		Unattended:      true,
		RateLimit:       5,
		RatePeriod:      time.Minute,
	}
}

// normalize fills zero fields from the defaults.
func (c SessionConfig) normalize() SessionConfig {
	d := DefaultSessionConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.PairingPoll <= 0 {
		c.PairingPoll = d.PairingPoll
	}
	if c.PairingConfirm <= 0 {
		c.PairingConfirm = d.PairingConfirm
	}
	if c.ComposerTimeout <= 0 {
		c.ComposerTimeout = d.ComposerTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if len(c.Strategies) == 0 {
		c.Strategies = d.Strategies
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.RatePeriod <= 0 {
		c.RatePeriod = d.RatePeriod
	}
	return c
}

// Clock abstracts time so tests can run the state machines instantly.
type Clock interface {
	Now() time.Time
	// Sleep returns ctx.Err() if ctx ends first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }
