package app

import (
	"fmt"
	"strings"
	"time"

	"oppcast/internal/broadcast"
	"oppcast/internal/config"
	"oppcast/internal/observability/pprof"
	"oppcast/internal/storage"
	"oppcast/internal/task/scheduler"
	"oppcast/internal/webhook"
	logx "oppcast/pkg/logx"
)

const (
	defaultPollTimeout  = 10 * time.Second
	defaultFeedTimeout  = 30 * time.Second
	defaultBusyTimeout  = 5 * time.Second
	pollJobTimeout      = 10 * time.Minute
	feedJobName         = "feed.poll"
	defaultInitialDelay = 10 * time.Second
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver, err := storage.NormalizeDriver(sc.Driver)
	if err != nil {
		return storage.Config{}, err
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{Driver: driver, BusyTimeout: busy}
	switch driver {
	case storage.DriverSQLite:
		out.Path = strings.TrimSpace(sc.Path)
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	default:
		out.DSN = strings.TrimSpace(sc.DSN)
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.OpsChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	timeout, err := config.Duration("broadcast.send_timeout", bc.SendTimeout, 0)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Concurrency:    bc.Concurrency,
		RatePerSec:     bc.RatePerSec,
		SendTimeout:    timeout,
		ParseMode:      bc.ParseMode,
		DisablePreview: bc.DisablePreview,
	}, nil
}

func mapWebhookConfig(cfg *config.Config) (webhook.Config, error) {
	wc := cfg.Webhook
	out := webhook.Config{
		Addr:         wc.Addr,
		MaxBodyBytes: wc.MaxBodyBytes,
		Pprof: pprof.Config{
			Enabled:              wc.Pprof.Enabled,
			Token:                wc.Pprof.Token,
			AllowInsecure:        wc.Pprof.AllowInsecure,
			MutexProfileFraction: wc.Pprof.MutexProfileFraction,
			BlockProfileRate:     wc.Pprof.BlockProfileRate,
			MemProfileRate:       wc.Pprof.MemProfileRate,
		},
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"webhook.read_timeout", wc.ReadTimeout, &out.ReadTimeout},
		{"webhook.write_timeout", wc.WriteTimeout, &out.WriteTimeout},
		{"webhook.idle_timeout", wc.IdleTimeout, &out.IdleTimeout},
		{"webhook.request_timeout", wc.RequestTimeout, &out.RequestTimeout},
	} {
		d, err := config.Duration(f.path, f.raw, 0)
		if err != nil {
			return webhook.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// feedSettings is the parsed, hot-reloadable part of the feed config.
type feedSettings struct {
	URL          string
	Schedule     scheduler.ParsedSpec
	InitialDelay time.Duration
	Timeout      time.Duration
}

func mapFeedConfig(cfg *config.Config) (feedSettings, error) {
	fc := cfg.Feed
	raw := fc.Schedule
	if strings.TrimSpace(raw) == "" {
		raw = config.DefaultSchedule
	}
	spec, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return feedSettings{}, fmt.Errorf("feed.schedule: %w", err)
	}
	delay, err := config.Duration("feed.initial_delay", fc.InitialDelay, defaultInitialDelay)
	if err != nil {
		return feedSettings{}, err
	}
	timeout, err := config.Duration("feed.timeout", fc.Timeout, defaultFeedTimeout)
	if err != nil {
		return feedSettings{}, err
	}
	return feedSettings{URL: strings.TrimSpace(fc.URL), Schedule: spec, InitialDelay: delay, Timeout: timeout}, nil
}
