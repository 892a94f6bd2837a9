package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "oppcast/internal/transport"
	logx "oppcast/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type recSender struct {
	mu  sync.Mutex
	out []sent
	ch  chan sent
}

func newRecSender() *recSender { return &recSender{ch: make(chan sent, 32)} }

func (s *recSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.out = append(s.out, sent{to: to, text: text})
	s.mu.Unlock()
	s.ch <- sent{to: to, text: text}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}, nil
}

func (s *recSender) next(t *testing.T) sent {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	return sent{}
}

func (s *recSender) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-s.ch:
		t.Fatalf("unexpected reply %q", m.text)
	case <-time.After(100 * time.Millisecond):
	}
}

func startManager(t *testing.T, m *Manager) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func msgUpdate(chatID, fromID int64, group bool, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, ThreadID: 3, FromID: fromID, IsGroup: group, Text: text,
	}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		bot      string
		wantName string
		wantArgs int
		wantOK   bool
	}{
		{text: "/start", wantName: "start", wantOK: true},
		{text: "/Start@OppBot", bot: "oppbot", wantName: "start", wantOK: true},
		{text: "/start@other_bot", bot: "oppbot"},
		{text: `/sendtest 100:5 "hi there"`, wantName: "sendtest", wantArgs: 2, wantOK: true},
		{text: "hello"},
		{text: "/"},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.text, tt.bot)
		if ok != tt.wantOK || name != tt.wantName || len(args) != tt.wantArgs {
			t.Fatalf("parseCommand(%q) = %q %q %v", tt.text, name, args, ok)
		}
	}
}

func TestRestAfter(t *testing.T) {
	t.Parallel()
	if got := restAfter("/sendtest 100:5 hello   world\nline2", 1); got != "hello   world\nline2" {
		t.Fatalf("rest = %q", got)
	}
	if got := restAfter("/sendtest 100", 1); got != "" {
		t.Fatalf("rest = %q", got)
	}
}

func TestDispatchCommandAndHelp(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := New(s, logx.Nop(), nil)
	m.SetRegistry([]Command{{
		Name:        "ping",
		Description: "pong",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, "pong "+strings.Join(req.Args, ","))
		},
	}})
	in := startManager(t, m)

	in <- msgUpdate(-10, 1, true, "/ping a b")
	r := s.next(t)
	if r.text != "pong a,b" || r.to.ChatID != -10 || r.to.ThreadID != 3 {
		t.Fatalf("reply = %+v", r)
	}

	in <- msgUpdate(1, 1, false, "/help")
	if r := s.next(t); !strings.Contains(r.text, "/ping") || !strings.Contains(r.text, "/help") {
		t.Fatalf("help = %q", r.text)
	}

	in <- msgUpdate(1, 1, false, "/h ping")
	if r := s.next(t); !strings.Contains(r.text, "pong") {
		t.Fatalf("help ping = %q", r.text)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := New(s, logx.Nop(), nil)
	m.SetRegistry(nil)
	in := startManager(t, m)

	in <- msgUpdate(-10, 1, true, "/nope")
	s.none(t)

	in <- msgUpdate(1, 1, false, "/nope")
	if r := s.next(t); !strings.Contains(r.text, "Unknown command") {
		t.Fatalf("reply = %q", r.text)
	}
}

func TestAccessAndScope(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := New(s, logx.Nop(), []int64{7})
	m.SetRegistry([]Command{{
		Name:   "secret",
		Access: AccessOwnerOnly,
		Scope:  ScopePrivate,
		Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "ok") },
	}})
	in := startManager(t, m)

	in <- msgUpdate(8, 8, false, "/secret")
	if r := s.next(t); r.text != "unauthorized" {
		t.Fatalf("non-owner reply = %q", r.text)
	}
	in <- msgUpdate(-5, 7, true, "/secret")
	if r := s.next(t); !strings.Contains(r.text, "private chat") {
		t.Fatalf("group reply = %q", r.text)
	}
	in <- msgUpdate(7, 7, false, "/secret")
	if r := s.next(t); r.text != "ok" {
		t.Fatalf("owner reply = %q", r.text)
	}

	m.SetOwners(nil)
	in <- msgUpdate(7, 7, false, "/secret")
	if r := s.next(t); r.text != "unauthorized" {
		t.Fatalf("after owners cleared = %q", r.text)
	}
}

func TestMemberUpdatesReachHandler(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := New(s, logx.Nop(), nil)
	got := make(chan kit.UpdateKind, 2)
	m.SetMemberHandler(func(_ context.Context, kind kit.UpdateKind, ch *kit.MemberChange) error {
		if ch.ChatID == -42 {
			got <- kind
		}
		return nil
	})
	in := startManager(t, m)

	in <- kit.Update{Kind: kit.UpdateMemberAdded, Member: &kit.MemberChange{ChatID: -42}}
	in <- kit.Update{Kind: kit.UpdateMemberRemoved, Member: &kit.MemberChange{ChatID: -42}}
	seen := map[kit.UpdateKind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case k := <-got:
			seen[k] = true
		case <-time.After(2 * time.Second):
			t.Fatal("member handler not called")
		}
	}
	if !seen[kit.UpdateMemberAdded] || !seen[kit.UpdateMemberRemoved] {
		t.Fatalf("seen = %v", seen)
	}
}

func TestPanickingHandlerKeepsDispatcherAlive(t *testing.T) {
	t.Parallel()
	s := newRecSender()
	m := New(s, logx.Nop(), nil)
	m.SetRegistry([]Command{
		{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }},
		{Name: "ok", Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "fine") }},
	})
	in := startManager(t, m)
	in <- msgUpdate(1, 1, false, "/boom")
	in <- msgUpdate(1, 1, false, "/ok")
	if r := s.next(t); r.text != "fine" {
		t.Fatalf("reply = %q", r.text)
	}
}

type menuRec struct{ cmds []kit.BotCommand }

func (r *menuRec) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	r.cmds = cmds
	return nil
}

func TestPublishMenu(t *testing.T) {
	t.Parallel()
	m := New(newRecSender(), logx.Nop(), nil)
	noop := func(context.Context, *Request) error { return nil }
	m.SetRegistry([]Command{
		{Name: "start", Description: "Register this chat", Handle: noop},
		{Name: "sendtest", Access: AccessOwnerOnly, Handle: noop},
		{Name: "debug", Hidden: true, Handle: noop},
	})
	rec := &menuRec{}
	if err := m.PublishMenu(context.Background(), rec); err != nil {
		t.Fatalf("PublishMenu: %v", err)
	}
	names := make([]string, 0, len(rec.cmds))
	for _, c := range rec.cmds {
		names = append(names, c.Command)
	}
	if strings.Join(names, ",") != "help,sendtest,start" {
		t.Fatalf("menu = %v", names)
	}
	if !strings.HasPrefix(rec.cmds[1].Description, "🔒") {
		t.Fatalf("owner-only entry not marked: %+v", rec.cmds[1])
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Send-Test": "send_test",
		"/start":    "start",
		"9lives":    "cmd_9lives",
		"__x__":     "x",
		"!!!":       "",
	}
	for in, want := range tests {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
