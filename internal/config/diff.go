package config

import (
	"reflect"
	"strings"

	"relaybridge/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log fields
// describing the new values. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.String("queue.name", newCfg.Queue.Name),
			logx.Bool("queue.redis.password_set", set(newCfg.Queue.Redis.Password)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_limit", newCfg.Delivery.RateLimit),
			logx.String("delivery.rate_period", newCfg.Delivery.RatePeriod),
			logx.Int("delivery.submit_strategies", len(newCfg.Delivery.SubmitStrategies)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.String("dispatch.pop_timeout", newCfg.Dispatch.PopTimeout))
	}

	if !reflect.DeepEqual(oldCfg.Web, newCfg.Web) {
		changed = append(changed, "web")
		attrs = append(attrs,
			logx.String("web.addr", newCfg.Web.Addr),
			logx.Int("web.rate_per_min", newCfg.Web.RatePerMin),
			logx.Bool("web.debug", newCfg.Web.Debug),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mailbox, newCfg.Mailbox) {
		changed = append(changed, "mailbox")
		attrs = append(attrs,
			logx.Bool("mailbox.enabled", newCfg.Mailbox.Enabled),
			logx.String("mailbox.host", newCfg.Mailbox.Host),
			logx.Bool("mailbox.password_set", set(newCfg.Mailbox.Password)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", newCfg.Alerts.Telegram.Enabled),
			logx.Bool("alerts.telegram.token_set", set(newCfg.Alerts.Telegram.Token)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.Bool("journal.enabled", newCfg.Journal.Enabled),
			logx.String("journal.prune_schedule", newCfg.Journal.PruneSchedule),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "delivery":
		default:
			out = append(out, s)
		}
	}
	return out
}

func set(s string) bool { return strings.TrimSpace(s) != "" }
