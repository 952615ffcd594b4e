// Package app wires the relay together: queue, delivery session, dispatch
// loop, ingesters, journal, alerts and config hot reload.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"relaybridge/internal/alert"
	"relaybridge/internal/config"
	"relaybridge/internal/delivery"
	"relaybridge/internal/delivery/browser"
	"relaybridge/internal/dispatch"
	"relaybridge/internal/eventbus"
	"relaybridge/internal/ingest/mailbox"
	"relaybridge/internal/ingest/web"
	"relaybridge/internal/queue"
	"relaybridge/internal/runtime/supervisor"
	"relaybridge/internal/storage"
	"relaybridge/pkg/logx"
)

const eventHistory = 64

// Options replaces external collaborators, mostly for tests.
type Options struct {
	// Factory builds delivery capabilities; defaults to the Chrome browser.
	Factory delivery.Factory
	// Dialer opens the mailbox; defaults to IMAP over TLS.
	Dialer mailbox.Dialer
	// Notify reports service state to the init system; defaults to sd_notify.
	Notify func(state string) (bool, error)
}

type App struct {
	cfgm *config.Manager
	rt   *config.Runtime
	opts Options

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	ring *eventbus.Ring

	q       queue.Queue
	db      *sql.DB
	journal *storage.Journal
	alerter alert.Alerter

	sessions *delivery.Supervisor
	loop     *dispatch.Loop
	web      *web.Server
	mailbox  *mailbox.Poller
	cron     *cron.Cron

	sup *supervisor.Supervisor
}

// New loads cfgPath and builds every component without starting any of them.
func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Notify == nil {
		opts.Notify = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}

	logs, root := logx.New(rt.Logging)
	a := &App{
		cfgm: cfgm,
		rt:   rt,
		opts: opts,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
		ring: eventbus.NewRing(eventHistory),
	}
	if err := a.build(ctx, root); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, root logx.Logger) error {
	rt := a.rt

	q, err := queue.Open(ctx, rt.Queue, root)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.q = q

	if rt.JournalEnabled {
		db, err := storage.OpenSQLite(ctx, rt.Journal.Path, 0)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		a.db = db
		a.journal = storage.NewJournal(db)
	}

	a.alerter = alert.Nop{}
	if rt.AlertsEnabled {
		tg, err := alert.NewTelegram(rt.Telegram, root)
		if err != nil {
			return fmt.Errorf("telegram alerts: %w", err)
		}
		a.alerter = tg
	}

	factory := a.opts.Factory
	if factory == nil {
		factory = browser.NewFactory(rt.Browser, root)
	}
	a.sessions = delivery.NewSupervisor(factory, rt.Session, root, delivery.SupervisorOptions{Bus: a.bus})
	a.loop = dispatch.New(rt.Dispatch, q, a.sessions, root, dispatch.Options{Bus: a.bus})

	if rt.WebEnabled {
		srv, err := web.New(rt.Web, q, root, web.Options{
			Ready:  a.sessions.Ready,
			Stats:  func() any { return a.Status() },
			Events: a.ring,
		})
		if err != nil {
			return err
		}
		a.web = srv
	}
	if rt.MailboxEnabled {
		a.mailbox = mailbox.New(rt.Mailbox, q, root, a.opts.Dialer)
	}
	return nil
}

// Status is the operator view served on /status.
type Status struct {
	Dispatch        dispatch.Stats      `json:"dispatch"`
	SessionReady    bool                `json:"session_ready"`
	SessionsCreated uint64              `json:"sessions_created"`
	Mailbox         *mailbox.Stats      `json:"mailbox,omitempty"`
	Workers         supervisor.Snapshot `json:"workers"`
}

func (a *App) Status() Status {
	st := Status{
		Dispatch:        a.loop.Snapshot(),
		SessionReady:    a.sessions.Ready(),
		SessionsCreated: a.sessions.Created(),
	}
	if a.mailbox != nil {
		ms := a.mailbox.Stats()
		st.Mailbox = &ms
	}
	if a.sup != nil {
		st.Workers = a.sup.Snapshot()
	}
	return st
}

// Done is closed when the app stops, either by Stop or a fatal worker error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal worker error.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(validateReload)

	bus := a.bus
	a.sup.Go("events.ring", func(c context.Context) error { return a.ring.Follow(c, bus) })
	a.sup.Go("alerts", func(c context.Context) error {
		return alert.Forward(c, bus, a.alerter, a.log.With(logx.String("comp", "alert")))
	})
	if a.journal != nil {
		a.sup.Go("journal.record", a.recordJournal)
		if err := a.startPruner(); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	a.sup.Go("dispatch", a.loop.Run)
	if a.web != nil {
		a.sup.Go("web", a.web.Run)
	}
	if a.mailbox != nil {
		a.sup.GoRestart("mailbox", a.mailbox.Run,
			supervisor.WithRestartBackoff(a.rt.Mailbox.ReconnectBackoff, 5*a.rt.Mailbox.ReconnectBackoff),
			supervisor.WithPublishFirstError(true))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := a.opts.Notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("notified systemd ready")
	}

	a.log.Info("relay started",
		logx.String("queue", a.rt.Queue.Driver),
		logx.Bool("web", a.web != nil),
		logx.Bool("mailbox", a.mailbox != nil),
		logx.Bool("journal", a.journal != nil),
		logx.Bool("alerts", a.rt.AlertsEnabled),
	)
	return nil
}

// Stop cancels every worker, waits for the dispatch loop to close its
// session, then releases the queue, journal and log sinks.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.opts.Notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()
	firstErr := a.step(ctx, "workers", 20*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.step(ctx, "pruner", 5*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.log.Info("stopped")
	a.closeResources()
	return firstErr
}

// step runs one shutdown step bounded by max and the caller's deadline.
// It returns the step's error, or nil when the deadline cut it short.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return nil
	}
}

func (a *App) closeResources() {
	if a.q != nil {
		if err := a.q.Close(); err != nil {
			a.log.Warn("queue close", logx.Err(err))
		}
		a.q = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("journal close", logx.Err(err))
		}
		a.db = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
