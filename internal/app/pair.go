package app

import (
	"context"
	"fmt"

	"relaybridge/internal/config"
	"relaybridge/internal/delivery"
	"relaybridge/internal/delivery/browser"
	"relaybridge/internal/eventbus"
	"relaybridge/pkg/logx"
)

// Pair opens a visible, attended session so an operator can link the
// device. It returns once the session is ready and closed again, leaving
// the paired profile for unattended runs.
func Pair(ctx context.Context, cfgPath string, factory delivery.Factory) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	logs, root := logx.New(rt.Logging)
	defer func() { _ = logs.Close() }()
	log := root.With(logx.String("comp", "pair"))

	tmpl := rt.Session
	tmpl.Unattended = false
	if factory == nil {
		bc := rt.Browser
		bc.Headless = false
		factory = browser.NewFactory(bc, root)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	sup := delivery.NewSupervisor(factory, tmpl, root, delivery.SupervisorOptions{Bus: bus})
	defer sup.Close()

	log.Info("waiting for the device to be linked; scan the code in the browser window",
		logx.Duration("timeout", tmpl.ReadyTimeout))
	if !sup.Ensure(ctx, 1, 0) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pairing failed: %s", failureReason(events))
	}
	log.Info("paired; profile saved", logx.String("profile", rt.Browser.ProfileDir))
	return nil
}

// failureReason reports the last session.failed reason already published.
func failureReason(events <-chan eventbus.Event) string {
	reason := "session did not become ready"
	for {
		select {
		case e := <-events:
			if d, ok := e.Data.(eventbus.Session); ok && e.Type == eventbus.SessionFailed && d.Reason != "" {
				reason = d.Reason
			}
		default:
			return reason
		}
	}
}
