package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	logx "oppcast/pkg/logx"
)

func envMap(m map[string]string) Getenv {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{name: "cfg.json", body: `{"telegram":{"token":"x","owner_user_ids":[1,2]},"feed":{"url":"https://api.example/opps","schedule":"*/5 * * * *"}}`},
		{name: "cfg.yaml", body: "telegram:\n  token: x\n  owner_user_ids: [1, 2]\nfeed:\n  url: https://api.example/opps\n  schedule: \"*/5 * * * *\"\n"},
	}
	for _, tt := range tests {
		m := NewConfigManager(writeFile(t, dir, tt.name, tt.body))
		m.SetEnv(envMap(nil))
		cfg, err := m.Load()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if cfg.Telegram.Token != "x" || len(cfg.Telegram.OwnerUserIDs) != 2 {
			t.Fatalf("%s: telegram = %+v", tt.name, cfg.Telegram)
		}
		if !cfg.Feed.IsEnabled() || cfg.Feed.Schedule != "*/5 * * * *" {
			t.Fatalf("%s: feed = %+v", tt.name, cfg.Feed)
		}
		if m.Get() != cfg {
			t.Fatalf("%s: Load did not commit", tt.name)
		}
	}
}

func TestParseAllowsTrailingWhitespace(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, t.TempDir(), "ws.json", "{\"telegram\":{\"token\":\"x\"}}\n\n  \t\n"))
	m.SetEnv(envMap(nil))
	if _, err := m.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown.json", body: `{"telegram":{"token":"x"},"plugins":{}}`, want: "unknown field"},
		{name: "trailing.json", body: `{"telegram":{"token":"x"}}{"x":1}`, want: "trailing data"},
		{name: "trailing-array.json", body: `{"telegram":{"token":"x"}} [1]`, want: "trailing data"},
		{name: "trailing-junk.json", body: `{"telegram":{"token":"x"}} }`, want: "trailing data"},
		{name: "unknown.yaml", body: "telegram:\n  token: x\n  tokn: y\n", want: "unknown field"},
		{name: "notoken.json", body: `{}`, want: "telegram.token"},
	}
	for _, tt := range tests {
		m := NewConfigManager(writeFile(t, dir, tt.name, tt.body))
		m.SetEnv(envMap(nil))
		_, err := m.Parse()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestEnvOnlyConfig(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	m.SetEnv(envMap(map[string]string{
		"TELEGRAM_BOT_TOKEN":     "tok",
		"OWNER_USER_IDS":         "10, 20;30",
		"TRAZEN_API_URL":         "https://api.example/opps",
		"FETCH_INTERVAL_MINUTES": "15",
		"PORT":                   "9090",
		"DATABASE_URL":           "postgres://u:p@db/opp",
		"LOG_LEVEL":              "debug",
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "tok" || len(cfg.Telegram.OwnerUserIDs) != 3 || cfg.Telegram.OwnerUserIDs[2] != 30 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Feed.URL != "https://api.example/opps" || cfg.Feed.Schedule != "every:15m0s" {
		t.Fatalf("feed = %+v", cfg.Feed)
	}
	if cfg.Webhook.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Webhook.Addr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestEnvScheduleWinsOverMinutes(t *testing.T) {
	t.Parallel()
	var cfg Config
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"FETCH_INTERVAL_MINUTES": "15",
		"FEED_SCHEDULE":          "0 9 * * *",
	}))
	if err != nil || cfg.Feed.Schedule != "0 9 * * *" {
		t.Fatalf("schedule = %q, %v", cfg.Feed.Schedule, err)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	t.Parallel()
	for name, env := range map[string]map[string]string{
		"owners":  {"OWNER_USER_IDS": "1,abc"},
		"minutes": {"FETCH_INTERVAL_MINUTES": "0"},
		"port":    {"PORT": "http"},
	} {
		var cfg Config
		if err := ApplyEnv(&cfg, envMap(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{Telegram: TelegramConfig{Token: "x"}}
	ApplyDefaults(&cfg)
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultSQLitePath {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Feed.Schedule != DefaultSchedule || cfg.Feed.InitialDelay != DefaultInitialDelay {
		t.Fatalf("feed = %+v", cfg.Feed)
	}
	if cfg.Feed.IsEnabled() {
		t.Fatal("feed without url must default to disabled")
	}
	if !cfg.Webhook.IsEnabled() || !cfg.Webhook.MetricsEnabled() || cfg.Webhook.Addr != DefaultWebhookAddr {
		t.Fatalf("webhook = %+v", cfg.Webhook)
	}
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCollectsEveryError(t *testing.T) {
	t.Parallel()
	on := true
	cfg := Config{
		Logging:   LoggingConfig{Telegram: LoggingTelegram{Enabled: true}},
		Storage:   StorageConfig{Driver: "postgres"},
		Feed:      FeedConfig{Enabled: &on, Schedule: "nonsense"},
		Webhook:   WebhookConfig{ReadTimeout: "-1s"},
		Broadcast: BroadcastConfig{ParseMode: "bbcode", Concurrency: -1},
	}
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		"telegram.token",
		"ops_chat_id",
		"storage.dsn",
		"feed.url",
		"feed.schedule",
		"webhook.read_timeout",
		"broadcast.parse_mode",
		"broadcast.concurrency",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in:\n%v", want, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Telegram: TelegramConfig{Token: "secret-a", OwnerUserIDs: []int64{1}},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://u:pw@h/db"},
		Feed:     FeedConfig{URL: "https://a", Schedule: "20m"},
	}
	nw := *old
	nw.Telegram.Token = "secret-b"
	nw.Storage.DSN = "postgres://u:pw2@h/db"
	nw.Feed.Schedule = "5m"

	changed, attrs, restart := SummarizeConfigChange(old, &nw)
	if strings.Join(changed, ",") != "telegram,storage,feed" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "telegram.token,storage" {
		t.Fatalf("restart = %v", restart)
	}
	var buf bytes.Buffer
	logx.New(zerolog.New(&buf)).Info("config changed", attrs...)
	if s := buf.String(); strings.Contains(s, "secret") || strings.Contains(s, "pw") {
		t.Fatalf("secret leaked in %s", s)
	}
	if !strings.Contains(buf.String(), `"feed.schedule":"5m"`) {
		t.Fatalf("attrs = %s", buf.String())
	}

	if changed, _, _ := SummarizeConfigChange(old, old); len(changed) != 0 {
		t.Fatalf("no-op change = %v", changed)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"telegram":{"token":"x"},"broadcast":{"concurrency":2}}`)
	m := NewConfigManager(p)
	m.SetEnv(envMap(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	n := 3
	for {
		select {
		case cfg := <-sub:
			if cfg.Broadcast.Concurrency != n {
				t.Fatalf("concurrency = %d, want %d", cfg.Broadcast.Concurrency, n)
			}
			if m.Get().Broadcast.Concurrency != n {
				t.Fatal("reload not committed")
			}
			return
		case <-tick.C:
			writeFile(t, dir, "cfg.json", `{"telegram":{"token":"x"},"broadcast":{"concurrency":3}}`)
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchIgnoresInvalidEdit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.json", `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(p)
	m.SetEnv(envMap(nil))
	before, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	writeFile(t, dir, "cfg.json", `{"telegram":{"token":""}}`)
	m.reload(context.Background())
	if m.Get() != before {
		t.Fatal("invalid config replaced the live one")
	}
}

func TestEnvOnlyWatchBlocksUntilCancel(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("Watch returned before ctx ended")
	}
}
