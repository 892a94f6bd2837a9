package botcmd

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"oppcast/internal/feed"
	"oppcast/internal/membership"
	"oppcast/internal/model"
	"oppcast/internal/storage"
	"oppcast/internal/transport"
	"oppcast/internal/transport/telegram/router"
	logx "oppcast/pkg/logx"
)

type recSender struct {
	mu  sync.Mutex
	out []transport.ChatTarget
	txt []string
}

func (s *recSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, to)
	s.txt = append(s.txt, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.txt) == 0 {
		return ""
	}
	return s.txt[len(s.txt)-1]
}

type stubAnnouncer struct {
	dest model.DestinationID
	text string
	err  error
}

func (a *stubAnnouncer) Announce(_ context.Context, dest model.DestinationID, text string) error {
	a.dest, a.text = dest, text
	return a.err
}

type stubPoll struct{ lr feed.LastRun }

func (p stubPoll) Last() feed.LastRun { return p.lr }

type fixture struct {
	h      *Handlers
	store  *storage.Store
	sender *recSender
	ann    *stubAnnouncer
}

func newFixture(t *testing.T, poll PollState) fixture {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sender := &recSender{}
	ann := &stubAnnouncer{}
	h := New(Deps{
		Members:   membership.New(st, logx.Nop(), nil),
		Announcer: ann,
		Status:    st,
		Poller:    poll,
		Sender:    sender,
	}, Settings{Schedule: "every 20m0s"}, logx.Nop())
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return fixture{h: h, store: st, sender: sender, ann: ann}
}

func (f fixture) run(t *testing.T, name string, msg *transport.Message, args ...string) error {
	t.Helper()
	for _, c := range f.h.Commands() {
		if c.Name != name {
			continue
		}
		req := &router.Request{
			Message: msg,
			Chat:    transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
			FromID:  msg.FromID,
			Command: name,
			Args:    args,
			Sender:  f.sender,
			Logger:  logx.Nop(),
		}
		return c.Handle(context.Background(), req)
	}
	t.Fatalf("no command %q", name)
	return nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	msg := &transport.Message{ChatID: -100, ThreadID: 7, ChatType: "supergroup", ChatTitle: "Jobs", Text: "/register"}

	for _, name := range []string{"start", "register"} {
		if err := f.run(t, name, msg); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	n, err := f.store.CountActive(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("active = %d, %v", n, err)
	}
	got := f.sender.last()
	if !strings.Contains(got, "-100") || !strings.Contains(got, "Topic ID: 7") {
		t.Fatalf("reply = %q", got)
	}
	if f.sender.out[0].ThreadID != 7 {
		t.Fatalf("reply went to %+v", f.sender.out[0])
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, stubPoll{})
	msg := &transport.Message{ChatID: 1, FromID: 1, ChatType: "private", Text: "/status"}

	if err := f.run(t, "status", msg); err != nil {
		t.Fatalf("status: %v", err)
	}
	got := f.sender.last()
	for _, want := range []string{"Active Chats</b>: 0", "Never fetched", "2026-03-01 12:00:00 UTC", "every 20m0s", "not run yet"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}

	if _, _, err := f.store.AdvanceCursor(context.Background(), time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC)); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}
	f.h.d.Poller = stubPoll{lr: feed.LastRun{Err: errors.New("feed <down>"), At: time.Now()}}
	if err := f.run(t, "status", msg); err != nil {
		t.Fatalf("status: %v", err)
	}
	got = f.sender.last()
	if !strings.Contains(got, "2026-02-28T09:30:00Z") || !strings.Contains(got, "feed &lt;down&gt;") {
		t.Fatalf("status after poll:\n%s", got)
	}
}

func TestSendTest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	msg := func(text string) *transport.Message {
		return &transport.Message{ChatID: 9, FromID: 9, ChatType: "private", Text: text}
	}

	if err := f.run(t, "sendtest", msg("/sendtest")); err != nil || !strings.Contains(f.sender.last(), "Usage") {
		t.Fatalf("no args: %v %q", err, f.sender.last())
	}
	if err := f.run(t, "sendtest", msg("/sendtest abc hi"), "abc", "hi"); err != nil || !strings.Contains(f.sender.last(), "Invalid destination") {
		t.Fatalf("bad dest: %v %q", err, f.sender.last())
	}
	if err := f.run(t, "sendtest", msg("/sendtest 100"), "100"); err != nil || !strings.Contains(f.sender.last(), "provide a test message") {
		t.Fatalf("no text: %v %q", err, f.sender.last())
	}

	if err := f.run(t, "sendtest", msg("/sendtest 200:5 hello  <world>"), "200:5", "hello", "<world>"); err != nil {
		t.Fatalf("sendtest: %v", err)
	}
	want := model.DestinationID{ChatID: 200, Thread: model.Thread(5)}
	if f.ann.dest != want || f.ann.text != "hello  <world>" {
		t.Fatalf("announce = %v %q", f.ann.dest, f.ann.text)
	}

	f.ann.err = errors.New("chat not found")
	if err := f.run(t, "sendtest", msg("/sendtest 200 x"), "200", "x"); err == nil {
		t.Fatal("announce error must be returned")
	}
	if !strings.Contains(f.sender.last(), "Send failed") {
		t.Fatalf("reply = %q", f.sender.last())
	}
}

func TestHandleMember(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	ch := &transport.MemberChange{ChatID: -300, ThreadID: 4, ChatType: "supergroup", ChatTitle: "Grp"}

	if err := f.h.HandleMember(ctx, transport.UpdateMemberAdded, ch); err != nil {
		t.Fatalf("added: %v", err)
	}
	d, err := f.store.GetDestination(ctx, model.DestinationID{ChatID: -300, Thread: model.Thread(4)})
	if err != nil || !d.Active || d.Title != "Grp" {
		t.Fatalf("destination = %+v, %v", d, err)
	}
	if got := f.sender.last(); !strings.Contains(got, "(-300)") || !strings.Contains(got, "Topic ID: 4") {
		t.Fatalf("welcome = %q", got)
	}
	if f.sender.out[0].ThreadID != 4 {
		t.Fatalf("welcome target = %+v", f.sender.out[0])
	}

	if err := f.h.HandleMember(ctx, transport.UpdateMemberRemoved, ch); err != nil {
		t.Fatalf("removed: %v", err)
	}
	if n, _ := f.store.CountActive(ctx); n != 0 {
		t.Fatalf("active after removal = %d", n)
	}

	before := len(f.sender.txt)
	if err := f.h.HandleMember(ctx, transport.UpdateMemberAdded, &transport.MemberChange{ChatID: -400, ChatType: "channel"}); err != nil {
		t.Fatalf("channel: %v", err)
	}
	if len(f.sender.txt) != before {
		t.Fatal("channels must not get a welcome message")
	}
}

func TestWelcomeTemplate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.h.Apply(Settings{Welcome: "Hi {title} <{chat_id}>"})
	got := f.h.welcomeText(model.ChatInfo{ChatID: 5, Title: "A&B"})
	if got != "Hi A&amp;B &lt;5&gt;" {
		t.Fatalf("welcome = %q", got)
	}
}
