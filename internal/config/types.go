package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Events    EventsConfig    `json:"events,omitempty"`
	API       APIConfig       `json:"api,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for incoming updates.
	PollTimeout string `json:"poll_timeout"`
	// Proxy routes all Bot API calls through an http(s) proxy.
	Proxy string `json:"proxy,omitempty"`
	// LogChatID receives log entries when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// SendOnly disables polling (no /start registration on this instance).
	SendOnly bool `json:"send_only,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://push@db/push?sslmode=disable" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// DispatchConfig controls fan-out of campaigns to recipients.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - rate_per_sec: 25, burst: rate_per_sec
//   - per_recipient_interval: "1s"
//   - max_attempts: 3, retry_base: "500ms", retry_max_delay: "10s", retry_jitter: 0.2
//   - send_timeout: "15s"
//
// Enabled is a pointer so an omitted key means enabled.
type DispatchConfig struct {
	Enabled              *bool   `json:"enabled,omitempty"`
	Workers              int     `json:"workers,omitempty"`
	RatePerSec           int     `json:"rate_per_sec,omitempty"`
	Burst                int     `json:"burst,omitempty"`
	PerRecipientInterval string  `json:"per_recipient_interval,omitempty"`
	MaxAttempts          int     `json:"max_attempts,omitempty"`
	RetryBase            string  `json:"retry_base,omitempty"`
	RetryMaxDelay        string  `json:"retry_max_delay,omitempty"`
	RetryJitter          float64 `json:"retry_jitter,omitempty"`
	SendTimeout          string  `json:"send_timeout,omitempty"`
	ProgressEvery        int     `json:"progress_every,omitempty"`
	DirectoryBackoff     string  `json:"directory_backoff,omitempty"`
	DirectoryMaxBackoff  string  `json:"directory_max_backoff,omitempty"`
}

// SchedulerConfig controls promotion of scheduled campaigns.
// Spec (cron, seconds optional) wins over Tick when both are set.
type SchedulerConfig struct {
	Enabled   bool   `json:"enabled"`
	Tick      string `json:"tick,omitempty"`
	Spec      string `json:"spec,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// EventsConfig controls the AMQP feed of channel-reported delivery events.
type EventsConfig struct {
	Enabled      bool   `json:"enabled"`
	URL          string `json:"url,omitempty"` // do not log
	Queue        string `json:"queue,omitempty"`
	Prefetch     int    `json:"prefetch,omitempty"`
	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DispatchEnabled treats an omitted dispatch.enabled as true.
func (c *Config) DispatchEnabled() bool {
	return c.Dispatch.Enabled == nil || *c.Dispatch.Enabled
}
