package router

import (
	"context"
	logx "oppcast/pkg/logx"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "oppcast/internal/runtime/supervisor"
	kit "oppcast/internal/transport"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Scope limits where a command may be used.
type Scope int

const (
	ScopeAny Scope = iota
	ScopePrivate
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Scope       Scope
	// Hidden commands work but are left out of the Telegram menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
	Owners []int64
}

// Reply sends HTML text back to the chat (and topic) the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Private reports whether the request came from a one-to-one chat with the sender.
func (r *Request) Private() bool {
	return r.Message != nil && !r.Message.IsGroup && r.Message.ChatID == r.FromID
}

// Rest is the raw message text after the command word and the first n args.
func (r *Request) Rest(n int) string {
	if r.Message == nil {
		return ""
	}
	return restAfter(r.Message.Text, n)
}

// MemberFunc handles the bot joining or leaving a chat.
type MemberFunc func(ctx context.Context, kind kit.UpdateKind, ch *kit.MemberChange) error

type Manager struct {
	mu       sync.RWMutex
	byName   map[string]*Command
	list     []Command
	owners   []int64
	onMember MemberFunc
	username string

	log    logx.Logger
	sender kit.Sender

	timeout time.Duration

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(sender kit.Sender, log logx.Logger, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		byName:  map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		sender:  sender,
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 256),
	}
}

func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Manager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.owners...)
}

// SetBotUsername makes "/cmd@otherbot" in groups go ignored.
func (m *Manager) SetBotUsername(name string) {
	m.mu.Lock()
	m.username = strings.TrimPrefix(strings.TrimSpace(name), "@")
	m.mu.Unlock()
}

func (m *Manager) SetMemberHandler(fn MemberFunc) {
	m.mu.Lock()
	m.onMember = fn
	m.mu.Unlock()
}

// SetRegistry installs the command set. A /help command is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	cmds = append(append([]Command(nil), cmds...), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		list = append(list, c)
	}
	byName := map[string]*Command{}
	for i := range list {
		byName[list[i].Name] = &list[i]
	}
	// aliases never shadow a command name
	for i := range list {
		for _, a := range list[i].Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = &list[i]
			}
		}
	}

	m.mu.Lock()
	m.byName = byName
	m.list = list
	m.mu.Unlock()
}

// PublishMenu pushes the command list to the transport's menu, if it has one.
func (m *Manager) PublishMenu(ctx context.Context, up kit.CommandMenuUpdater) error {
	if up == nil {
		return nil
	}
	m.mu.RLock()
	menu := buildMenu(m.list)
	m.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

func (m *Manager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx ends or
// updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(m.jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *Manager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateMemberAdded, kit.UpdateMemberRemoved:
		m.routeMember(root, up)
	}
}

func (m *Manager) routeMember(root context.Context, up kit.Update) {
	m.mu.RLock()
	fn := m.onMember
	m.mu.RUnlock()
	if fn == nil || up.Member == nil {
		return
	}
	ch := up.Member
	log := m.log.With(logx.String("kind", string(up.Kind)), logx.Int64("chat_id", ch.ChatID))
	if !m.tryEnqueue(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in member handler", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(root, m.timeout)
		defer cancel()
		if err := fn(ctx, up.Kind, ch); err != nil {
			log.Error("member update failed", logx.Err(err))
		}
	}) {
		log.Warn("member update dropped (queue full)")
	}
}

func (m *Manager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	m.mu.RLock()
	username := m.username
	m.mu.RUnlock()
	name, args, ok := parseCommand(msg.Text, username)
	if !ok {
		return
	}

	m.mu.RLock()
	cmd, found := m.byName[name]
	m.mu.RUnlock()
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !found {
		// groups see plenty of commands meant for other bots
		if !msg.IsGroup {
			m.reply(root, chat, "Unknown command. Try /help")
		}
		return
	}
	m.enqueueCommand(root, up, *cmd, args)
}

func (m *Manager) enqueueCommand(root context.Context, up kit.Update, cmd Command, args []string) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	owners := m.ownersSnapshot()
	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Sender:  m.sender,
		Owners:  owners,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	final := Chain(cmd.Handle,
		Recover(),
		LogRequest(750*time.Millisecond),
		Guard(cmd),
		Timeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		m.reply(root, chat, "busy, try again")
	}
}

func (m *Manager) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.sender.SendText(ctx, to, text, nil); err != nil {
		m.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
