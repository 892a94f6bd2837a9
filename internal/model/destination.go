package model

import (
	"strconv"
	"strings"
	"time"
)

// ThreadID is an optional forum topic id.
//
// The zero value means "no topic". Telegram never issues topic id 0, so 0 is
// also the value persisted for the no-topic case.
type ThreadID struct {
	id int
}

// NoThread returns the "no topic" value.
func NoThread() ThreadID { return ThreadID{} }

// Thread returns a topic id. Non-positive ids normalize to NoThread.
func Thread(id int) ThreadID {
	if id <= 0 {
		return ThreadID{}
	}
	return ThreadID{id: id}
}

func (t ThreadID) Value() (int, bool) { return t.id, t.id > 0 }
func (t ThreadID) IsSet() bool        { return t.id > 0 }

// Int returns the topic id, or 0 when absent.
func (t ThreadID) Int() int { return t.id }

func (t ThreadID) String() string {
	if t.id <= 0 {
		return "-"
	}
	return strconv.Itoa(t.id)
}

// DestinationID identifies a destination: a chat plus optional topic.
type DestinationID struct {
	ChatID int64
	Thread ThreadID
}

// Key is the stable ledger key, e.g. "100#-" or "200#5".
func (d DestinationID) Key() string {
	return strconv.FormatInt(d.ChatID, 10) + "#" + d.Thread.String()
}

func (d DestinationID) String() string { return d.Key() }

// ParseDestinationID parses "<chat_id>" or "<chat_id>:<thread_id>".
// The ledger form "<chat_id>#<thread>" is accepted too.
func ParseDestinationID(s string) (DestinationID, error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart := s, ""
	if i := strings.IndexAny(s, ":#"); i >= 0 {
		chatPart, threadPart = s[:i], s[i+1:]
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return DestinationID{}, &ValidationError{Fields: []string{"chat_id"}, Reason: "invalid chat id " + strconv.Quote(chatPart)}
	}
	threadPart = strings.TrimSpace(threadPart)
	if threadPart == "" || threadPart == "-" {
		return DestinationID{ChatID: chatID}, nil
	}
	tid, err := strconv.Atoi(threadPart)
	if err != nil || tid < 0 {
		return DestinationID{}, &ValidationError{Fields: []string{"thread_id"}, Reason: "invalid thread id " + strconv.Quote(threadPart)}
	}
	return DestinationID{ChatID: chatID, Thread: Thread(tid)}, nil
}

// Destination is a chat (optionally scoped to a topic) that receives broadcasts.
type Destination struct {
	ID       DestinationID
	ChatType string
	Title    string
	Active   bool
	AddedAt  time.Time
}

// ChatInfo describes a chat as reported by a membership event or command.
type ChatInfo struct {
	ChatID   int64
	Thread   ThreadID
	ChatType string
	Title    string
}

// Destination builds an active destination for this chat.
func (c ChatInfo) Destination() Destination {
	return Destination{
		ID:       DestinationID{ChatID: c.ChatID, Thread: c.Thread},
		ChatType: c.ChatType,
		Title:    c.Title,
		Active:   true,
	}
}
