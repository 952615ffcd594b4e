package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"relaybridge/internal/config"
	"relaybridge/pkg/logx"
)

// validateReload rejects configs that resolve but cannot run here.
func validateReload(_ context.Context, cfg *config.Config) error {
	rt, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	if p := rt.Browser.ExecPath; p != "" {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("delivery.chrome_path: %w", err)
		}
	}
	return nil
}

// reloadLoop applies hot-reloadable sections: logging right away, the
// delivery template for the next session. Other sections are logged as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			next = c
		}
		// Keep only the newest of a burst.
	drain:
		for {
			select {
			case c := <-sub:
				if c != nil {
					next = c
				}
			default:
				break drain
			}
		}

		sections, attrs := config.SummarizeConfigChange(last, next)
		last = next
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		rt, err := config.Resolve(next)
		if err != nil {
			a.log.Warn("reloaded config does not resolve; keeping previous", logx.Err(err))
			continue
		}
		a.logs.Apply(rt.Logging)
		a.sessions.SetTemplate(rt.Session)

		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config sections changed; restart required for them to take effect",
				logx.String("sections", strings.Join(restart, ",")))
		}
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}
