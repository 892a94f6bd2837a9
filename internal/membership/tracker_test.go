package membership

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"oppcast/internal/eventbus"
	"oppcast/internal/model"
	"oppcast/internal/storage"
	logx "oppcast/pkg/logx"
)

func newTracker(t *testing.T) (*Tracker, *storage.Store, <-chan eventbus.Event) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "m.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)
	return New(st, logx.Nop(), bus), st, ch
}

func nextEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return eventbus.Event{}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	tr, st, _ := newTracker(t)
	ctx := context.Background()
	info := model.ChatInfo{ChatID: -100123, Thread: model.Thread(7), ChatType: "supergroup", Title: "Jobs"}

	for i := 0; i < 3; i++ {
		if _, err := tr.Register(ctx, info); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	n, err := st.CountActive(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountActive = %d, %v; want 1", n, err)
	}
}

func TestRemovedThenReadded(t *testing.T) {
	t.Parallel()
	tr, st, ch := newTracker(t)
	ctx := context.Background()
	info := model.ChatInfo{ChatID: 100, ChatType: "group", Title: "A"}

	if _, err := tr.OnAdded(ctx, info); err != nil {
		t.Fatalf("OnAdded: %v", err)
	}
	if ev := nextEvent(t, ch); ev.Type != eventbus.DestinationAdded {
		t.Fatalf("event = %s", ev.Type)
	}

	if err := tr.OnRemoved(ctx, 100); err != nil {
		t.Fatalf("OnRemoved: %v", err)
	}
	if ev := nextEvent(t, ch); ev.Type != eventbus.DestinationRemoved {
		t.Fatalf("event = %s", ev.Type)
	}
	if n, _ := st.CountActive(ctx); n != 0 {
		t.Fatalf("active after removal = %d", n)
	}

	d, err := tr.OnAdded(ctx, info)
	if err != nil || !d.Active {
		t.Fatalf("re-add = %+v, %v", d, err)
	}
}

func TestOnRemovedUnknownChatIsNoop(t *testing.T) {
	t.Parallel()
	tr, _, ch := newTracker(t)
	if err := tr.OnRemoved(context.Background(), 999); err != nil {
		t.Fatalf("OnRemoved: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestDestinationGoneDeactivatesChat(t *testing.T) {
	t.Parallel()
	tr, st, _ := newTracker(t)
	ctx := context.Background()
	if _, err := tr.OnAdded(ctx, model.ChatInfo{ChatID: 55, Thread: model.Thread(3)}); err != nil {
		t.Fatalf("OnAdded: %v", err)
	}
	tr.DestinationGone(ctx, model.DestinationID{ChatID: 55, Thread: model.Thread(3)})
	if n, _ := st.CountActive(ctx); n != 0 {
		t.Fatalf("active = %d, want 0", n)
	}
}

func TestOnAddedRequiresChatID(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTracker(t)
	if _, err := tr.OnAdded(context.Background(), model.ChatInfo{}); err == nil {
		t.Fatal("expected error")
	}
}
