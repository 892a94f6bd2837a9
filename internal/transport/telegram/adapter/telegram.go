package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	logx "oppcast/pkg/logx"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "oppcast/internal/runtime/supervisor"

	kit "oppcast/internal/transport"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// allowedUpdates must name my_chat_member explicitly: Telegram does not
// deliver it by default.
var allowedUpdates = []string{"message", "edited_message", "my_chat_member"}

// joinDedupWindow folds the service message and the my_chat_member update
// Telegram sends for the same join into one MemberAdded.
const joinDedupWindow = 30 * time.Second

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, drop reporter and stop watcher.
	sup *rtsup.Supervisor

	droppedUpdates uint64

	joinMu   sync.Mutex
	joinSeen map[int64]time.Time

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := newAdapter(cfg, log)
	a.bot = b
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger) *Adapter {
	a := &Adapter{cfg: cfg, log: log, joinSeen: map[int64]time.Time{}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a
}

// Username is the bot's @handle without the at sign.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if up, ok := messageUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	})

	// Group created with the bot in it, or the bot listed in new_chat_members.
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		ch := &kit.MemberChange{
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			ChatType:  string(m.Chat.Type),
			ChatTitle: m.Chat.Title,
			NewStatus: string(tele.Member),
		}
		if m.Sender != nil {
			ch.ByUserID = m.Sender.ID
		}
		a.emitMember(kit.UpdateMemberAdded, ch, time.Now())
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		kind, ch, ok := memberChange(c.ChatMember())
		if ok {
			a.emitMember(kind, ch, time.Now())
		}
		return nil
	})
}

func messageUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	msg := &kit.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		ChatType:  string(m.Chat.Type),
		ChatTitle: chatTitle(m.Chat),
		Text:      m.Text,
		IsGroup:   isGroup(m.Chat.Type),
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}, true
}

// memberChange classifies a my_chat_member update. Transitions inside the
// same class (member to administrator, left to kicked) are ignored.
func memberChange(u *tele.ChatMemberUpdate) (kit.UpdateKind, *kit.MemberChange, bool) {
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return "", nil, false
	}
	var oldRole tele.MemberStatus
	if u.OldChatMember != nil {
		oldRole = u.OldChatMember.Role
	}
	newRole := u.NewChatMember.Role
	wasIn, isIn := inChat(u.OldChatMember), inChat(u.NewChatMember)

	ch := &kit.MemberChange{
		ChatID:    u.Chat.ID,
		ChatType:  string(u.Chat.Type),
		ChatTitle: chatTitle(u.Chat),
		OldStatus: string(oldRole),
		NewStatus: string(newRole),
	}
	if u.Sender != nil {
		ch.ByUserID = u.Sender.ID
	}
	switch {
	case isIn && !wasIn:
		return kit.UpdateMemberAdded, ch, true
	case !isIn && wasIn:
		return kit.UpdateMemberRemoved, ch, true
	}
	return "", nil, false
}

func inChat(m *tele.ChatMember) bool {
	if m == nil {
		return false
	}
	switch m.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return true
	case tele.Restricted:
		return m.Member
	}
	return false
}

func (a *Adapter) emitMember(kind kit.UpdateKind, ch *kit.MemberChange, now time.Time) {
	a.joinMu.Lock()
	switch kind {
	case kit.UpdateMemberAdded:
		if at, ok := a.joinSeen[ch.ChatID]; ok && now.Sub(at) < joinDedupWindow {
			a.joinMu.Unlock()
			return
		}
		a.joinSeen[ch.ChatID] = now
		for id, at := range a.joinSeen {
			if now.Sub(at) >= joinDedupWindow {
				delete(a.joinSeen, id)
			}
		}
	case kit.UpdateMemberRemoved:
		delete(a.joinSeen, ch.ChatID)
	}
	a.joinMu.Unlock()
	a.sendUpdate(kit.Update{Kind: kind, Member: ch})
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" && c.Username != "" {
		name = "@" + c.Username
	}
	return name
}

func isGroup(t tele.ChatType) bool {
	return t == tele.ChatGroup || t == tele.ChatSuperGroup
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// a dead poll loop must not take the webhook and poller down with it
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; if it returns early the loop restarts it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	// getUpdates may still be parked in its long poll; do not wait it out.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, classifyError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

var goneErrors = []error{
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
}

var goneFragments = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"user is deactivated",
	"group chat was upgraded",
	"bot is not a member",
}

// classifyError wraps permanent delivery failures with kit.ErrDestinationGone.
// Telebot's sentinels are checked first, the description text second.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, g := range goneErrors {
		if errors.Is(err, g) {
			return fmt.Errorf("%w: %w", kit.ErrDestinationGone, err)
		}
	}
	var ge tele.GroupError
	if errors.As(err, &ge) {
		return fmt.Errorf("%w: migrated to %d: %w", kit.ErrDestinationGone, ge.MigratedTo, err)
	}
	msg := strings.ToLower(err.Error())
	for _, f := range goneFragments {
		if strings.Contains(msg, f) {
			return fmt.Errorf("%w: %w", kit.ErrDestinationGone, err)
		}
	}
	return err
}

// UpdateMenuCommands publishes the /menu command list (setMyCommands). It
// only calls Telegram when the list changed since the last success.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	list := menuCommands(cmds)
	sum := menuHash(list)
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		if name == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = name
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, tele.Command{Text: name, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	return out
}

func menuHash(list []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range list {
		h.Write([]byte(c.Text))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
