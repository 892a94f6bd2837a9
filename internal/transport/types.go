package transport

import (
	"context"
	"errors"
)

type UpdateKind string

const (
	UpdateMessage       UpdateKind = "message"
	UpdateMemberAdded   UpdateKind = "member_added"
	UpdateMemberRemoved UpdateKind = "member_removed"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Member  *MemberChange
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	ChatType     string
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// MemberChange reports the bot itself joining or leaving a chat.
type MemberChange struct {
	ChatID    int64
	ThreadID  int
	ChatType  string
	ChatTitle string
	ByUserID  int64
	OldStatus string
	NewStatus string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ErrDestinationGone marks send failures after which the chat can never be
// reached again (bot removed, chat deleted, user blocked the bot).
var ErrDestinationGone = errors.New("transport: destination gone")

// IsDestinationGone reports whether err wraps ErrDestinationGone.
func IsDestinationGone(err error) bool { return errors.Is(err, ErrDestinationGone) }

// Sender is the outbound half of an adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
