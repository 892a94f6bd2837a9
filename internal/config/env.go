package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"oppcast/internal/task/scheduler"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Getenv matches os.Getenv; tests pass a map lookup instead.
type Getenv func(key string) string

// ApplyEnv overlays environment variables on cfg. The first non-empty name
// in each group wins.
func ApplyEnv(cfg *Config, getenv Getenv) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				return v
			}
		}
		return ""
	}

	if v := first("TELEGRAM_BOT_TOKEN", "TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := first("OWNER_USER_IDS"); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("OWNER_USER_IDS: %w", err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if v := first("FEED_URL", "TRAZEN_API_URL", "TRAZEN_API"); v != "" {
		cfg.Feed.URL = v
	}
	if v := first("FETCH_INTERVAL_MINUTES"); v != "" {
		spec, err := scheduler.ParseMinutes(v)
		if err != nil {
			return fmt.Errorf("FETCH_INTERVAL_MINUTES: %w", err)
		}
		cfg.Feed.Schedule = "every:" + spec.Every.String()
	}
	if v := first("FEED_SCHEDULE"); v != "" {
		cfg.Feed.Schedule = v
	}
	if v := first("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Webhook.Addr = ":" + strconv.Itoa(port)
	}
	if v := first("DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
		if cfg.Storage.Driver == "" || strings.EqualFold(cfg.Storage.Driver, "sqlite") {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := first("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := first("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
