package config

import (
	"errors"
	"fmt"
	"strings"

	"oppcast/internal/task/scheduler"
)

// ApplyDefaults fills the keys a minimal config may omit.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.EqualFold(cfg.Storage.Driver, "sqlite") && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultSQLitePath
	}
	if strings.TrimSpace(cfg.Feed.Schedule) == "" {
		cfg.Feed.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(cfg.Feed.InitialDelay) == "" {
		cfg.Feed.InitialDelay = DefaultInitialDelay
	}
	if strings.TrimSpace(cfg.Webhook.Addr) == "" {
		cfg.Webhook.Addr = DefaultWebhookAddr
	}
}

// Validate reports every problem it finds, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required (or TELEGRAM_BOT_TOKEN)"))
	}
	_, err := Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	add(err)
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.OpsChatID == 0 {
		add(errors.New("logging.telegram.enabled requires telegram.ops_chat_id"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres (or DATABASE_URL)"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver))
	}
	_, err = Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	add(err)

	if cfg.Feed.IsEnabled() {
		if strings.TrimSpace(cfg.Feed.URL) == "" {
			add(errors.New("feed.url is required when the feed is enabled"))
		}
		if _, err := scheduler.ParseSchedule(cfg.Feed.Schedule); err != nil {
			add(fmt.Errorf("feed.schedule: %w", err))
		}
	}
	_, err = Duration("feed.initial_delay", cfg.Feed.InitialDelay, 0)
	add(err)
	_, err = Duration("feed.timeout", cfg.Feed.Timeout, 0)
	add(err)

	for path, raw := range map[string]string{
		"webhook.read_timeout":    cfg.Webhook.ReadTimeout,
		"webhook.write_timeout":   cfg.Webhook.WriteTimeout,
		"webhook.idle_timeout":    cfg.Webhook.IdleTimeout,
		"webhook.request_timeout": cfg.Webhook.RequestTimeout,
		"broadcast.send_timeout":  cfg.Broadcast.SendTimeout,
	} {
		_, err := Duration(path, raw, 0)
		add(err)
	}
	if cfg.Webhook.MaxBodyBytes < 0 {
		add(errors.New("webhook.max_body_bytes must be >= 0"))
	}
	if cfg.Broadcast.Concurrency < 0 || cfg.Broadcast.RatePerSec < 0 {
		add(errors.New("broadcast.concurrency and broadcast.rate_per_sec must be >= 0"))
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Broadcast.ParseMode)) {
	case "", "HTML", "MARKDOWN", "MARKDOWNV2":
	default:
		add(fmt.Errorf("broadcast.parse_mode %q is not one of HTML, Markdown, MarkdownV2", cfg.Broadcast.ParseMode))
	}
	return errors.Join(errs...)
}
