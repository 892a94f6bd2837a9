package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "20m"). Unknown keys are rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Feed      FeedConfig      `json:"feed"`
	Webhook   WebhookConfig   `json:"webhook"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OpsChatID receives log lines when logging.telegram is enabled.
	OpsChatID   int64  `json:"ops_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// WelcomeText supports {chat_id}, {chat_type}, {thread} and {title}.
	WelcomeText string `json:"welcome_text,omitempty"`
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
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
//	"storage": { "driver": "sqlite", "path": "./oppcast.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FeedConfig controls the upstream poller. Enabled is a pointer so an
// omitted key can default to "on when url is set".
type FeedConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	URL          string `json:"url"`
	Schedule     string `json:"schedule,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

func (f FeedConfig) IsEnabled() bool {
	if f.Enabled != nil {
		return *f.Enabled
	}
	return f.URL != ""
}

type WebhookConfig struct {
	Enabled        *bool       `json:"enabled,omitempty"`
	Addr           string      `json:"addr,omitempty"`
	MaxBodyBytes   int         `json:"max_body_bytes,omitempty"`
	ReadTimeout    string      `json:"read_timeout,omitempty"`
	WriteTimeout   string      `json:"write_timeout,omitempty"`
	IdleTimeout    string      `json:"idle_timeout,omitempty"`
	RequestTimeout string      `json:"request_timeout,omitempty"`
	Metrics        *bool       `json:"metrics,omitempty"`
	Pprof          PprofConfig `json:"pprof"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

func (w WebhookConfig) MetricsEnabled() bool { return w.Metrics == nil || *w.Metrics }

// PprofConfig mounts /debug/pprof on the webhook server.
//
// On a non-loopback addr a token (or allow_insecure) is required.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type BroadcastConfig struct {
	Concurrency    int    `json:"concurrency,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

const (
	DefaultSchedule     = "20m"
	DefaultInitialDelay = "10s"
	DefaultWebhookAddr  = ":8000"
	DefaultSQLitePath   = "./oppcast.db"
)
