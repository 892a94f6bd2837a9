package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"oppcast/internal/config"
	kit "oppcast/internal/transport"
	logx "oppcast/pkg/logx"
)

type fakeBot struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []kit.ChatTarget
	txt  []string
	menu []kit.BotCommand
}

func (b *fakeBot) Start(_ context.Context, out chan<- kit.Update) error {
	b.mu.Lock()
	b.out = out
	b.mu.Unlock()
	return nil
}

func (b *fakeBot) Stop(context.Context) error { return nil }

func (b *fakeBot) Username() string { return "oppcast_bot" }

func (b *fakeBot) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, to)
	b.txt = append(b.txt, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

func (b *fakeBot) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	b.mu.Lock()
	b.menu = cmds
	b.mu.Unlock()
	return nil
}

func (b *fakeBot) push(up kit.Update) {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	out <- up
}

func (b *fakeBot) count(chatID int64, substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i, to := range b.sent {
		if to.ChatID == chatID && strings.Contains(b.txt[i], substr) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func feedServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{
			"id":         101,
			"type":       "Internship",
			"title":      "Backend Intern",
			"url":        "https://example.org/opps/101",
			"created_at": "2026-03-01T10:00:00Z",
		}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, feedURL string) (*App, *fakeBot, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	raw, err := json.Marshal(map[string]any{
		"telegram": map[string]any{"token": "test", "owner_user_ids": []int64{1}},
		"storage":  map[string]any{"driver": "sqlite", "path": filepath.Join(dir, "oppcast.db")},
		"feed":     map[string]any{"url": feedURL, "schedule": "1h", "initial_delay": "1h"},
		"webhook":  map[string]any{"enabled": false},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfgm := config.NewConfigManager(path)
	cfgm.SetEnv(func(string) string { return "" })
	cfg, err := cfgm.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	logSvc, log := logx.NewService(logx.Config{Level: "error"}, nil)
	bot := &fakeBot{}
	a, err := build(context.Background(), cfgm, cfg, logSvc, log, bot)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return a, bot, cfg
}

func TestJoinThenPollDeliversOnce(t *testing.T) {
	var hits atomic.Int32
	srv := feedServer(t, &hits)
	a, bot, _ := newTestApp(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopSignal) }()

	bot.push(kit.Update{Kind: kit.UpdateMemberAdded, Member: &kit.MemberChange{
		ChatID: -100, ChatType: "supergroup", ChatTitle: "Jobs",
	}})
	waitFor(t, "welcome", func() bool { return bot.count(-100, "been added to this chat") == 1 })

	if !a.sched.Trigger(feedJobName) {
		t.Fatal("trigger refused")
	}
	waitFor(t, "first delivery", func() bool { return bot.count(-100, "Backend Intern") == 1 })

	first := a.poller.Last().At
	waitFor(t, "second trigger", func() bool { return a.sched.Trigger(feedJobName) })
	waitFor(t, "second poll", func() bool {
		lr := a.poller.Last()
		return hits.Load() >= 2 && lr.At.After(first)
	})
	if n := bot.count(-100, "Backend Intern"); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	if err := a.poller.Last().Err; err != nil {
		t.Fatalf("poll error: %v", err)
	}

	waitFor(t, "menu", func() bool {
		bot.mu.Lock()
		defer bot.mu.Unlock()
		return len(bot.menu) > 0
	})
}

func TestStatusCommandThroughRouter(t *testing.T) {
	var hits atomic.Int32
	a, bot, _ := newTestApp(t, feedServer(t, &hits).URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopSignal) }()

	bot.push(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: 5, FromID: 5, ChatType: "private", Text: "/status@oppcast_bot",
	}})
	waitFor(t, "status reply", func() bool { return bot.count(5, "every 1h0m0s") == 1 })
}

func TestApplyConfigReschedulesFeed(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	a, _, cfg := newTestApp(t, feedServer(t, &hits).URL)
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	next := *cfg
	next.Feed.Schedule = "5m"
	next.Telegram.WelcomeText = "hi {title}"
	a.applyConfig(cfg, &next)

	if a.schedule != "every 5m0s" {
		t.Fatalf("schedule = %q", a.schedule)
	}
	snap := a.sched.Snapshot()
	if len(snap) != 1 || snap[0].Schedule != "every 5m0s" {
		t.Fatalf("snapshot = %+v", snap)
	}

	bad := next
	bad.Feed.Schedule = "nonsense"
	a.applyConfig(&next, &bad)
	if a.schedule != "every 5m0s" {
		t.Fatalf("invalid schedule applied: %q", a.schedule)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "sqlite", in: config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, driver: "sqlite"},
		{name: "sqlite no path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "postgres", in: config.StorageConfig{Driver: "pgx", DSN: "postgres://h/db"}, driver: "postgres"},
		{name: "postgres no dsn", in: config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "bad busy", in: config.StorageConfig{Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
		if err == nil && got.Driver != tt.driver {
			t.Fatalf("%s: driver = %q", tt.name, got.Driver)
		}
	}
}

func TestMapFeedConfigDefaults(t *testing.T) {
	t.Parallel()
	fs, err := mapFeedConfig(&config.Config{Feed: config.FeedConfig{URL: " https://api "}})
	if err != nil {
		t.Fatalf("mapFeedConfig: %v", err)
	}
	if fs.URL != "https://api" || fs.Schedule.Every != 20*time.Minute || fs.InitialDelay != 10*time.Second || fs.Timeout != defaultFeedTimeout {
		t.Fatalf("settings = %+v", fs)
	}
}

func TestMapWebhookConfig(t *testing.T) {
	t.Parallel()
	wc, err := mapWebhookConfig(&config.Config{Webhook: config.WebhookConfig{Addr: ":9000", ReadTimeout: "3s"}})
	if err != nil || wc.Addr != ":9000" || wc.ReadTimeout != 3*time.Second {
		t.Fatalf("webhook = %+v, %v", wc, err)
	}
	if _, err := mapWebhookConfig(&config.Config{Webhook: config.WebhookConfig{IdleTimeout: "forever"}}); err == nil {
		t.Fatal("bad idle_timeout accepted")
	}
}
