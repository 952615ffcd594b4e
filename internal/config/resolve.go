package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybridge/internal/alert"
	"relaybridge/internal/delivery"
	"relaybridge/internal/delivery/browser"
	"relaybridge/internal/dispatch"
	"relaybridge/internal/ingest/mailbox"
	"relaybridge/internal/ingest/web"
	"relaybridge/internal/message"
	"relaybridge/internal/queue"
	"relaybridge/pkg/logx"
)

const (
	DefaultProfileDir    = "~/.whatsapp_profiles/whatsapp_session"
	DefaultQueuePath     = "./data/queue.db"
	DefaultJournalPath   = "./data/journal.db"
	DefaultPruneSchedule = "0 3 * * *"
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultWebAddr       = ":5000"
)

// Runtime is the fully defaulted, typed view of a Config.
type Runtime struct {
	Logging logx.Config

	Queue queue.Config

	Session delivery.SessionConfig
	Browser browser.Config

	Dispatch dispatch.Config

	WebEnabled bool
	Web        web.Config

	MailboxEnabled bool
	Mailbox        mailbox.Config

	AlertsEnabled bool
	Telegram      alert.TelegramConfig

	JournalEnabled bool
	Journal        JournalSettings
}

type JournalSettings struct {
	Path          string
	Retention     time.Duration
	PruneSchedule string
}

// Resolve applies defaults and validates cfg.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var d durations
	rt := &Runtime{}

	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	q := cfg.Queue
	driver := strings.ToLower(strings.TrimSpace(q.Driver))
	switch driver {
	case "":
		driver = "redis"
	case "redis", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("queue.driver: unknown driver %q", q.Driver)
	}
	rt.Queue = queue.Config{
		Driver:      driver,
		Name:        firstNonEmpty(q.Name, queue.DefaultName),
		Path:        firstNonEmpty(q.Path, DefaultQueuePath),
		BusyTimeout: d.get("queue.busy_timeout", q.BusyTimeout, 5*time.Second),
		Redis: queue.RedisConfig{
			Addr:        firstNonEmpty(q.Redis.Addr, "localhost:6379"),
			Password:    q.Redis.Password,
			DB:          q.Redis.DB,
			DialTimeout: d.get("queue.redis.dial_timeout", q.Redis.DialTimeout, 5*time.Second),
		},
	}

	dc := cfg.Delivery
	def := delivery.DefaultSessionConfig()
	strategies, err := resolveStrategies(dc.SubmitStrategies, def.Strategies)
	if err != nil {
		return nil, err
	}
	if dc.RateLimit < 0 {
		return nil, errors.New("delivery.rate_limit: must be >= 0")
	}
	rt.Session = delivery.SessionConfig{
		ReadyTimeout:    d.get("delivery.ready_timeout", dc.ReadyTimeout, def.ReadyTimeout),
		PairingPoll:     d.get("delivery.pairing_poll", dc.PairingPoll, def.PairingPoll),
		PairingConfirm:  d.get("delivery.pairing_confirm", dc.PairingConfirm, def.PairingConfirm),
		ComposerTimeout: d.get("delivery.composer_timeout", dc.ComposerTimeout, def.ComposerTimeout),
		SettleDelay:     d.get("delivery.settle_delay", dc.SettleDelay, def.SettleDelay),
		Strategies:      strategies,
		Unattended:      boolOr(dc.Unattended, true),
		RateLimit:       intOr(dc.RateLimit, def.RateLimit),
		RatePeriod:      d.get("delivery.rate_period", dc.RatePeriod, def.RatePeriod),
	}
	rt.Browser = browser.Config{
		BaseURL:    firstNonEmpty(dc.BaseURL, browser.DefaultBaseURL),
		ProfileDir: expandHome(firstNonEmpty(dc.ProfileDir, DefaultProfileDir)),
		ExecPath:   strings.TrimSpace(dc.ChromePath),
		Headless:   boolOr(dc.Headless, true),
	}

	ds := cfg.Dispatch
	dd := dispatch.DefaultConfig()
	rt.Dispatch = dispatch.Config{
		PopTimeout:     d.get("dispatch.pop_timeout", ds.PopTimeout, dd.PopTimeout),
		QueueBackoff:   d.get("dispatch.queue_backoff", ds.QueueBackoff, dd.QueueBackoff),
		SessionBackoff: d.get("dispatch.session_backoff", ds.SessionBackoff, dd.SessionBackoff),
		PauseBackoff:   d.get("dispatch.pause_backoff", ds.PauseBackoff, dd.PauseBackoff),
		RetryDelay:     d.get("dispatch.retry_delay", ds.RetryDelay, dd.RetryDelay),
		StartupRetries: intOr(ds.StartupRetries, dd.StartupRetries),
		ReinitRetries:  intOr(ds.ReinitRetries, dd.ReinitRetries),
		ClearOnStart:   boolOr(ds.ClearOnStart, dd.ClearOnStart),
	}

	w := cfg.Web
	rt.WebEnabled = boolOr(w.Enabled, true)
	rt.Web = web.Config{
		Addr:              firstNonEmpty(w.Addr, DefaultWebAddr),
		BusinessRecipient: strings.TrimSpace(w.BusinessRecipient),
		RatePerMin:        w.RatePerMin,
		Burst:             w.Burst,
		Debug:             w.Debug,
		ReadTimeout:       d.get("web.read_timeout", w.ReadTimeout, 10*time.Second),
		WriteTimeout:      d.get("web.write_timeout", w.WriteTimeout, 10*time.Second),
	}
	if rt.WebEnabled && !message.ValidRecipient(rt.Web.BusinessRecipient) {
		return nil, fmt.Errorf("web.business_recipient: %q is not a +E.164 number", w.BusinessRecipient)
	}
	if w.RatePerMin < 0 || w.Burst < 0 {
		return nil, errors.New("web.rate_per_min and web.burst must be >= 0")
	}

	mb := cfg.Mailbox
	rt.MailboxEnabled = mb.Enabled
	rt.Mailbox = mailbox.Config{
		Host:             strings.TrimSpace(mb.Host),
		Port:             intOr(mb.Port, 993),
		Username:         mb.Username,
		Password:         mb.Password,
		Folder:           firstNonEmpty(mb.Folder, "INBOX"),
		SubjectPrefix:    firstNonEmpty(mb.SubjectPrefix, mailbox.DefaultSubjectPrefix),
		PollInterval:     d.get("mailbox.poll_interval", mb.PollInterval, 30*time.Second),
		BatchInterval:    d.get("mailbox.batch_interval", mb.BatchInterval, 10*time.Second),
		ReconnectBackoff: d.get("mailbox.reconnect_backoff", mb.ReconnectBackoff, 60*time.Second),
	}
	if rt.MailboxEnabled && (rt.Mailbox.Host == "" || strings.TrimSpace(rt.Mailbox.Username) == "") {
		return nil, errors.New("mailbox: host and username are required when enabled")
	}

	tg := cfg.Alerts.Telegram
	rt.AlertsEnabled = tg.Enabled
	rt.Telegram = alert.TelegramConfig{
		Token:      strings.TrimSpace(tg.Token),
		ChatID:     tg.ChatID,
		RatePerMin: intOr(tg.RatePerMin, 6),
	}
	if rt.AlertsEnabled && (rt.Telegram.Token == "" || rt.Telegram.ChatID == 0) {
		return nil, errors.New("alerts.telegram: token and chat_id are required when enabled")
	}

	j := cfg.Journal
	rt.JournalEnabled = j.Enabled
	rt.Journal = JournalSettings{
		Path:          firstNonEmpty(j.Path, DefaultJournalPath),
		Retention:     d.get("journal.retention", j.Retention, DefaultRetention),
		PruneSchedule: firstNonEmpty(j.PruneSchedule, DefaultPruneSchedule),
	}
	if _, err := cron.ParseStandard(rt.Journal.PruneSchedule); err != nil {
		return nil, fmt.Errorf("journal.prune_schedule: %w", err)
	}

	if d.err != nil {
		return nil, d.err
	}
	return rt, nil
}

func resolveStrategies(in []StrategyConfig, def []delivery.Strategy) ([]delivery.Strategy, error) {
	if len(in) == 0 {
		return def, nil
	}
	out := make([]delivery.Strategy, 0, len(in))
	for i, s := range in {
		path := fmt.Sprintf("delivery.submit_strategies[%d]", i)
		if strings.TrimSpace(s.XPath) == "" {
			return nil, fmt.Errorf("%s.xpath: required", path)
		}
		timeout, err := ParseDurationOrDefault(path+".timeout", s.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, delivery.Strategy{
			Name:     firstNonEmpty(s.Name, fmt.Sprintf("strategy-%d", i+1)),
			Selector: strings.TrimSpace(s.XPath),
			Timeout:  timeout,
		})
	}
	return out, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func firstNonEmpty(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
