package config

// Config is the on-disk shape of the relaybridge config file (JSON or YAML).
//
// Durations are Go duration strings ("5s", "1m"). Omitted or zero values fall
// back to the defaults applied by Resolve. String values may reference the
// environment as ${VAR} or ${VAR:-fallback}.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Queue    QueueConfig    `json:"queue"`
	Delivery DeliveryConfig `json:"delivery"`
	Dispatch DispatchConfig `json:"dispatch"`
	Web      WebConfig      `json:"web"`
	Mailbox  MailboxConfig  `json:"mailbox"`
	Alerts   AlertsConfig   `json:"alerts"`
	Journal  JournalConfig  `json:"journal"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig selects the durable queue backend.
//
// driver: redis (default), sqlite or memory.
type QueueConfig struct {
	Driver      string      `json:"driver,omitempty"`
	Name        string      `json:"name,omitempty"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// DeliveryConfig is the template for every new delivery session.
// Changes apply to the next session; the live one is left alone.
type DeliveryConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	ProfileDir string `json:"profile_dir,omitempty"`
	ChromePath string `json:"chrome_path,omitempty"`
	Headless   *bool  `json:"headless,omitempty"`
	Unattended *bool  `json:"unattended,omitempty"`

	ReadyTimeout    string `json:"ready_timeout,omitempty"`
	PairingPoll     string `json:"pairing_poll,omitempty"`
	PairingConfirm  string `json:"pairing_confirm,omitempty"`
	ComposerTimeout string `json:"composer_timeout,omitempty"`
	SettleDelay     string `json:"settle_delay,omitempty"`

	RateLimit  int    `json:"rate_limit,omitempty"`
	RatePeriod string `json:"rate_period,omitempty"`

	// SubmitStrategies are tried in order; the first match wins.
	SubmitStrategies []StrategyConfig `json:"submit_strategies,omitempty"`
}

type StrategyConfig struct {
	Name    string `json:"name,omitempty"`
	XPath   string `json:"xpath"`
	Timeout string `json:"timeout,omitempty"`
}

type DispatchConfig struct {
	PopTimeout     string `json:"pop_timeout,omitempty"`
	QueueBackoff   string `json:"queue_backoff,omitempty"`
	SessionBackoff string `json:"session_backoff,omitempty"`
	PauseBackoff   string `json:"pause_backoff,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	StartupRetries int    `json:"startup_retries,omitempty"`
	ReinitRetries  int    `json:"reinit_retries,omitempty"`
	// ClearOnStart drops whatever is queued when the dispatcher starts.
	// Defaults to true.
	ClearOnStart *bool `json:"clear_on_start,omitempty"`
}

type WebConfig struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	Addr              string `json:"addr,omitempty"`
	BusinessRecipient string `json:"business_recipient"`
	RatePerMin        int    `json:"rate_per_min,omitempty"`
	Burst             int    `json:"burst,omitempty"`
	Debug             bool   `json:"debug,omitempty"`
	ReadTimeout       string `json:"read_timeout,omitempty"`
	WriteTimeout      string `json:"write_timeout,omitempty"`
}

type MailboxConfig struct {
	Enabled          bool   `json:"enabled"`
	Host             string `json:"host,omitempty"`
	Port             int    `json:"port,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	Folder           string `json:"folder,omitempty"`
	SubjectPrefix    string `json:"subject_prefix,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	BatchInterval    string `json:"batch_interval,omitempty"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}
