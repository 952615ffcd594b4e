// Package dispatch runs the single worker that moves items from the durable
// queue to the delivery session.
//
// Policy per item:
//   - Sent: acknowledged (the pop already removed it).
//   - RecipientInvalid or unparseable: dropped, never requeued.
//   - Aborted by shutdown: pushed back, session kept.
//   - SessionFailed: pushed back to the tail, then one re-initialization;
//     if that fails the loop pauses before the next pop.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"relaybridge/internal/delivery"
	"relaybridge/internal/eventbus"
	"relaybridge/internal/message"
	"relaybridge/internal/queue"
	"relaybridge/pkg/logx"
)

// Sessions is the part of delivery.Supervisor the loop depends on.
type Sessions interface {
	Ensure(ctx context.Context, attempts int, delay time.Duration) bool
	Send(ctx context.Context, recipient, body string) (delivery.Outcome, error)
	Ready() bool
	Close()
}

// Config tunes the loop's timeouts, backoffs and retry budgets.
type Config struct {
	PopTimeout     time.Duration
	QueueBackoff   time.Duration
	SessionBackoff time.Duration
	PauseBackoff   time.Duration
	RetryDelay     time.Duration
	StartupRetries int
	ReinitRetries  int
	ClearOnStart   bool
}

// DefaultConfig mirrors the relay's historical constants.
func DefaultConfig() Config {
	return Config{
		PopTimeout:     5 * time.Second,
		QueueBackoff:   10 * time.Second,
		SessionBackoff: 30 * time.Second,
		PauseBackoff:   30 * time.Second,
		RetryDelay:     10 * time.Second,
		StartupRetries: 3,
		ReinitRetries:  1,
		ClearOnStart:   true,
	}
}

// State is the loop's current position in its cycle.
type State string

const (
	StateIdle            State = "idle"
	StateEnsuringSession State = "ensuring_session"
	StateWaitingItem     State = "waiting_item"
	StateSending         State = "sending"
	StatePaused          State = "paused"
	StateShuttingDown    State = "shutting_down"
	StateStopped         State = "stopped"
)

// Stats is a point-in-time copy of the loop counters.
type Stats struct {
	State            State     `json:"state"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	Popped           uint64    `json:"popped"`
	Sent             uint64    `json:"sent"`
	Requeued         uint64    `json:"requeued"`
	Dropped          uint64    `json:"dropped"`
	RecipientInvalid uint64    `json:"recipient_invalid"`
	Reinits          uint64    `json:"reinits"`
	Pauses           uint64    `json:"pauses"`
	QueueErrors      uint64    `json:"queue_errors"`
	SessionFailures  uint64    `json:"session_failures"`
}

// Options carries optional collaborators; zero values are fine.
type Options struct {
	Bus   eventbus.Bus
	Clock delivery.Clock
}

// Loop is the single dispatch worker. Run it once.
type Loop struct {
	cfg      Config
	q        queue.Queue
	sessions Sessions
	log      logx.Logger
	bus      eventbus.Bus
	clock    delivery.Clock

	mu        sync.Mutex
	state     State
	startedAt time.Time

	popped, sent, requeued, dropped     atomic.Uint64
	invalid, reinits, pauses, queueErrs atomic.Uint64
	sessionFails                        atomic.Uint64
}

// New builds a loop; zero Config fields take their defaults.
func New(cfg Config, q queue.Queue, sessions Sessions, log logx.Logger, opts Options) *Loop {
	d := DefaultConfig()
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = d.PopTimeout
	}
	if cfg.StartupRetries <= 0 {
		cfg.StartupRetries = d.StartupRetries
	}
	if cfg.ReinitRetries <= 0 {
		cfg.ReinitRetries = d.ReinitRetries
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = delivery.RealClock()
	}
	return &Loop{
		cfg:      cfg,
		q:        q,
		sessions: sessions,
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      opts.Bus,
		clock:    opts.Clock,
		state:    StateIdle,
	}
}

// Run processes the queue until ctx is cancelled. The current session is
// closed exactly once on the way out.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.startedAt = l.clock.Now()
	l.mu.Unlock()

	defer func() {
		l.setState(StateShuttingDown)
		l.log.Info("dispatch loop stopping; closing session")
		l.sessions.Close()
		l.setState(StateStopped)
	}()

	l.log.Info("dispatch loop started",
		logx.Duration("pop_timeout", l.cfg.PopTimeout),
		logx.Int("startup_retries", l.cfg.StartupRetries),
	)
	if l.cfg.ClearOnStart {
		l.clearOnStart(ctx)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.setState(StateIdle)

		if err := l.q.Ping(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.queueErrs.Add(1)
			l.log.Error("queue unreachable; backing off", logx.Err(err), logx.Duration("backoff", l.cfg.QueueBackoff))
			if l.clock.Sleep(ctx, l.cfg.QueueBackoff) != nil {
				return nil
			}
			continue
		}

		if !l.sessions.Ready() {
			l.setState(StateEnsuringSession)
			if !l.sessions.Ensure(ctx, l.cfg.StartupRetries, l.cfg.RetryDelay) {
				if ctx.Err() != nil {
					return nil
				}
				l.sessionFails.Add(1)
				l.log.Error("no delivery session; backing off", logx.Duration("backoff", l.cfg.SessionBackoff))
				if l.clock.Sleep(ctx, l.cfg.SessionBackoff) != nil {
					return nil
				}
				continue
			}
		}

		if backoff := l.step(ctx); backoff > 0 {
			l.setState(StatePaused)
			if l.clock.Sleep(ctx, backoff) != nil {
				return nil
			}
		}
	}
}

// step handles at most one item and returns how long to back off.
func (l *Loop) step(ctx context.Context) time.Duration {
	l.setState(StateWaitingItem)
	raw, ok, err := l.q.Pop(ctx, l.cfg.PopTimeout)
	switch {
	case err != nil && ctx.Err() != nil:
		return 0
	case err != nil:
		l.queueErrs.Add(1)
		l.log.Error("queue pop failed", logx.Err(err), logx.Bool("unavailable", errors.Is(err, queue.ErrUnavailable)))
		return l.cfg.QueueBackoff
	case !ok:
		return 0
	}
	l.popped.Add(1)

	if ctx.Err() != nil {
		l.log.Info("shutdown after pop; returning item to queue")
		l.requeue(ctx, raw, "", "shutdown")
		return 0
	}

	item, err := message.Parse(raw)
	if err != nil {
		l.dropped.Add(1)
		l.log.Error("discarding malformed queue item", logx.Err(err), logx.String("payload", string(raw)))
		l.publish(eventbus.DispatchDropped, "", "malformed", err.Error())
		return 0
	}

	log := l.log.With(logx.String("recipient", item.Recipient))
	log.Info("processing queued message")
	l.setState(StateSending)

	out, err := l.sessions.Send(ctx, item.Recipient, item.Body)
	switch out {
	case delivery.Sent:
		l.sent.Add(1)
		log.Info("message sent")
		l.publish(eventbus.DispatchSent, item.Recipient, out.String(), "")
		return 0

	case delivery.RecipientInvalid:
		l.invalid.Add(1)
		log.Warn("recipient rejected; dropping message", logx.Err(err))
		l.publish(eventbus.DispatchDropped, item.Recipient, out.String(), errString(err))
		return 0

	case delivery.Aborted:
		log.Info("send aborted by shutdown; requeuing")
		l.requeue(ctx, raw, item.Recipient, out.String())
		return 0
	}

	log.Warn("send failed; requeuing", logx.Err(err))
	l.requeue(ctx, raw, item.Recipient, errString(err))
	if ctx.Err() != nil {
		return 0
	}

	l.reinits.Add(1)
	l.setState(StateEnsuringSession)
	if !l.sessions.Ensure(ctx, l.cfg.ReinitRetries, l.cfg.RetryDelay) {
		if ctx.Err() != nil {
			return 0
		}
		l.pauses.Add(1)
		l.log.Error("re-initialization after send failure failed; pausing", logx.Duration("pause", l.cfg.PauseBackoff))
		return l.cfg.PauseBackoff
	}
	return 0
}

// requeue pushes raw back to the tail. It runs even during shutdown.
func (l *Loop) requeue(ctx context.Context, raw []byte, recipient, detail string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.q.Push(pctx, raw); err != nil {
		l.log.Error("requeue failed; message lost", logx.Err(err), logx.String("payload", string(raw)))
		l.publish(eventbus.DispatchDropped, recipient, "requeue_failed", err.Error())
		return
	}
	l.requeued.Add(1)
	l.publish(eventbus.DispatchRequeued, recipient, "requeued", detail)
}

func (l *Loop) clearOnStart(ctx context.Context) {
	n, err := l.q.Clear(ctx)
	if err != nil {
		l.log.Warn("could not clear queue on startup", logx.Err(err))
		return
	}
	l.log.Info("cleared queue on startup", logx.Int("dropped", n))
}

func (l *Loop) publish(typ, recipient, outcome, detail string) {
	l.bus.Publish(eventbus.Event{
		Type: typ,
		Time: l.clock.Now(),
		Data: eventbus.Delivery{Recipient: recipient, Outcome: outcome, Detail: detail},
	})
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) Snapshot() Stats {
	l.mu.Lock()
	st, started := l.state, l.startedAt
	l.mu.Unlock()
	return Stats{
		State:            st,
		StartedAt:        started,
		Popped:           l.popped.Load(),
		Sent:             l.sent.Load(),
		Requeued:         l.requeued.Load(),
		Dropped:          l.dropped.Load(),
		RecipientInvalid: l.invalid.Load(),
		Reinits:          l.reinits.Load(),
		Pauses:           l.pauses.Load(),
		QueueErrors:      l.queueErrs.Load(),
		SessionFailures:  l.sessionFails.Load(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
