// Package botcmd holds the chat-facing commands and the reactions to the bot
// joining or leaving a chat.
package botcmd

import (
	"context"
	"fmt"
	"html"
	logx "oppcast/pkg/logx"
	"strconv"
	"strings"
	"sync"
	"time"

	"oppcast/internal/feed"
	"oppcast/internal/model"
	"oppcast/internal/storage"
	"oppcast/internal/transport"
	"oppcast/internal/transport/telegram/router"
)

// DefaultWelcome is sent after the bot joins a chat. Placeholders:
// {chat_id}, {chat_type}, {thread}, {title}.
const DefaultWelcome = "Hello everyone! I've been added to this chat ({chat_id}). " +
	"Type: {chat_type}. Topic ID: {thread}.\n" +
	"I will now automatically send messages here when instructed."

// Members is the registry side of the membership tracker.
type Members interface {
	Register(ctx context.Context, info model.ChatInfo) (model.Destination, error)
	OnAdded(ctx context.Context, info model.ChatInfo) (model.Destination, error)
	OnRemoved(ctx context.Context, chatID int64) error
}

type Announcer interface {
	Announce(ctx context.Context, dest model.DestinationID, text string) error
}

type StatusSource interface {
	CountActive(ctx context.Context) (int, error)
	Cursor(ctx context.Context) (time.Time, error)
}

type PollState interface {
	Last() feed.LastRun
}

type Deps struct {
	Members   Members
	Announcer Announcer
	Status    StatusSource
	// Poller may be nil when the feed is disabled.
	Poller PollState
	Sender transport.Sender
}

// Settings are the hot-reloadable parts.
type Settings struct {
	Welcome  string
	Schedule string
}

type Handlers struct {
	d   Deps
	log logx.Logger
	now func() time.Time

	mu  sync.RWMutex
	set Settings
}

func New(d Deps, set Settings, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handlers{d: d, log: log, now: time.Now}
	h.Apply(set)
	return h
}

func (h *Handlers) Apply(set Settings) {
	if strings.TrimSpace(set.Welcome) == "" {
		set.Welcome = DefaultWelcome
	}
	h.mu.Lock()
	h.set = set
	h.mu.Unlock()
}

func (h *Handlers) settings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.set
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "Register this chat for opportunity posts",
			Usage:       "/start",
			Handle:      h.register,
		},
		{
			Name:        "register",
			Description: "Register this chat (or topic) for opportunity posts",
			Usage:       "/register",
			Handle:      h.register,
		},
		{
			Name:        "status",
			Description: "Show bot status",
			Usage:       "/status",
			Handle:      h.status,
		},
		{
			Name:        "sendtest",
			Description: "Send a raw test message to one chat",
			Usage:       "/sendtest <chat_id>[:<thread_id>] <text>",
			Access:      router.AccessOwnerOnly,
			Scope:       router.ScopePrivate,
			Timeout:     time.Minute,
			Handle:      h.sendTest,
		},
	}
}

func chatInfo(m *transport.Message) model.ChatInfo {
	title := m.ChatTitle
	if title == "" && m.ChatType == "private" {
		title = "Private Chat"
	}
	return model.ChatInfo{
		ChatID:   m.ChatID,
		Thread:   model.Thread(m.ThreadID),
		ChatType: m.ChatType,
		Title:    title,
	}
}

func (h *Handlers) register(ctx context.Context, req *router.Request) error {
	if req.Message == nil {
		return nil
	}
	info := chatInfo(req.Message)
	d, err := h.d.Members.Register(ctx, info)
	if err != nil {
		_ = req.Reply(ctx, "⚠️ Could not register this chat right now. Please try again later.")
		return err
	}
	return req.Reply(ctx, fmt.Sprintf(
		"Hello! I've captured this chat's ID (<code>%d</code>). Type: %s. Topic ID: %s.\n"+
			"I will now automatically send messages here when instructed.",
		d.ID.ChatID, html.EscapeString(orNA(d.ChatType)), topicLabel(d.ID.Thread),
	))
}

func (h *Handlers) status(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, h.statusText(ctx))
}

func (h *Handlers) statusText(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("<b>Bot Status</b>\n")

	if n, err := h.d.Status.CountActive(ctx); err != nil {
		h.log.Warn("status: count active failed", logx.Err(err))
		b.WriteString("<b>Active Chats</b>: unavailable\n")
	} else {
		b.WriteString("<b>Active Chats</b>: " + strconv.Itoa(n) + "\n")
	}

	last := "Never fetched"
	if cur, err := h.d.Status.Cursor(ctx); err != nil {
		h.log.Warn("status: cursor read failed", logx.Err(err))
		last = "unavailable"
	} else if cur.After(storage.DefaultCursor) {
		last = cur.UTC().Format(time.RFC3339)
	}
	b.WriteString("<b>Last API Fetch</b>: " + last + "\n")
	b.WriteString("<b>Current Server Time</b>: " + h.now().UTC().Format("2006-01-02 15:04:05") + " UTC\n")

	set := h.settings()
	if set.Schedule != "" {
		b.WriteString("<b>Fetch Schedule</b>: " + html.EscapeString(set.Schedule) + "\n")
	} else {
		b.WriteString("<b>Fetch Schedule</b>: disabled\n")
	}
	if h.d.Poller != nil {
		b.WriteString("<b>Last Poll</b>: " + pollLine(h.d.Poller.Last()) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func pollLine(lr feed.LastRun) string {
	if lr.At.IsZero() {
		return "not run yet"
	}
	at := lr.At.UTC().Format("15:04:05") + " UTC"
	if lr.Err != nil {
		return "failed at " + at + " (" + html.EscapeString(lr.Err.Error()) + ")"
	}
	r := lr.Report
	return fmt.Sprintf("ok at %s, fetched %d, delivered %d, failed %d", at, r.Fetched, r.Delivered, r.Failed)
}

func (h *Handlers) sendTest(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: <code>/sendtest &lt;chat_id&gt;[:&lt;thread_id&gt;] &lt;text&gt;</code>")
	}
	dest, err := model.ParseDestinationID(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "Invalid destination: "+html.EscapeString(err.Error()))
	}
	text := strings.TrimSpace(req.Rest(1))
	if text == "" {
		return req.Reply(ctx, "Please provide a test message.")
	}
	if err := h.d.Announcer.Announce(ctx, dest, text); err != nil {
		_ = req.Reply(ctx, "❌ Send failed: "+html.EscapeString(err.Error()))
		return err
	}
	req.Logger.Info("test message sent", logx.String("dest", dest.Key()))
	return req.Reply(ctx, "✅ Test message sent to <code>"+html.EscapeString(dest.Key())+"</code>.")
}

// HandleMember is the router's member hook: register and greet on join,
// deactivate on leave.
func (h *Handlers) HandleMember(ctx context.Context, kind transport.UpdateKind, ch *transport.MemberChange) error {
	switch kind {
	case transport.UpdateMemberRemoved:
		return h.d.Members.OnRemoved(ctx, ch.ChatID)
	case transport.UpdateMemberAdded:
		info := model.ChatInfo{
			ChatID:   ch.ChatID,
			Thread:   model.Thread(ch.ThreadID),
			ChatType: ch.ChatType,
			Title:    ch.ChatTitle,
		}
		if _, err := h.d.Members.OnAdded(ctx, info); err != nil {
			return err
		}
		if h.d.Sender == nil || ch.ChatType == "channel" {
			return nil
		}
		text := h.welcomeText(info)
		to := transport.ChatTarget{ChatID: ch.ChatID, ThreadID: ch.ThreadID}
		if _, err := h.d.Sender.SendText(ctx, to, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			h.log.Warn("welcome message failed", logx.Int64("chat_id", ch.ChatID), logx.Err(err))
		}
	}
	return nil
}

func (h *Handlers) welcomeText(info model.ChatInfo) string {
	r := strings.NewReplacer(
		"{chat_id}", strconv.FormatInt(info.ChatID, 10),
		"{chat_type}", orNA(info.ChatType),
		"{thread}", topicLabel(info.Thread),
		"{title}", info.Title,
	)
	return html.EscapeString(r.Replace(h.settings().Welcome))
}

func topicLabel(t model.ThreadID) string {
	if id, ok := t.Value(); ok {
		return strconv.Itoa(id)
	}
	return "N/A"
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
