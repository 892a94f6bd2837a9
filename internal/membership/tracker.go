// Package membership keeps the destination registry in step with the chats
// the bot is a member of.
package membership

import (
	"context"
	"fmt"
	logx "oppcast/pkg/logx"

	"oppcast/internal/eventbus"
	"oppcast/internal/model"
)

// Registry is the subset of storage the tracker writes to.
type Registry interface {
	UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error)
	DeactivateChat(ctx context.Context, chatID int64) (int64, error)
}

type Tracker struct {
	reg Registry
	log logx.Logger
	bus eventbus.Bus
}

func New(reg Registry, log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Tracker{reg: reg, log: log, bus: bus}
}

// OnAdded registers (or reactivates) the destination the bot was added to.
func (t *Tracker) OnAdded(ctx context.Context, info model.ChatInfo) (model.Destination, error) {
	if info.ChatID == 0 {
		return model.Destination{}, fmt.Errorf("membership: chat id is required")
	}
	d, err := t.reg.UpsertDestination(ctx, info.Destination())
	if err != nil {
		return model.Destination{}, fmt.Errorf("register chat %d: %w", info.ChatID, err)
	}
	t.log.Info("destination registered",
		logx.Int64("chat_id", d.ID.ChatID),
		logx.String("thread", d.ID.Thread.String()),
		logx.String("title", d.Title),
	)
	t.bus.Publish(eventbus.Event{Type: eventbus.DestinationAdded, Data: d})
	return d, nil
}

// Register is the explicit /start and /register path.
func (t *Tracker) Register(ctx context.Context, info model.ChatInfo) (model.Destination, error) {
	return t.OnAdded(ctx, info)
}

// OnRemoved deactivates every destination of the chat. Unknown chats are a no-op.
func (t *Tracker) OnRemoved(ctx context.Context, chatID int64) error {
	n, err := t.reg.DeactivateChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("deactivate chat %d: %w", chatID, err)
	}
	if n == 0 {
		return nil
	}
	t.log.Info("destination removed", logx.Int64("chat_id", chatID), logx.Int64("rows", n))
	t.bus.Publish(eventbus.Event{Type: eventbus.DestinationRemoved, Data: chatID})
	return nil
}

// DestinationGone is the broadcast engine's hook for unreachable chats.
func (t *Tracker) DestinationGone(ctx context.Context, id model.DestinationID) {
	if err := t.OnRemoved(ctx, id.ChatID); err != nil {
		t.log.Warn("deactivate unreachable destination failed", logx.String("dest", id.Key()), logx.Err(err))
	}
}
