package broadcast

import (
	"context"
	"time"

	"oppcast/internal/model"
)

// Registry lists the destinations a broadcast goes to.
type Registry interface {
	ListActive(ctx context.Context) ([]model.Destination, error)
}

// Ledger records which (opportunity, destination) pairs were delivered.
type Ledger interface {
	TryClaim(ctx context.Context, opportunityID string, dest model.DestinationID) (bool, error)
	ConfirmClaim(ctx context.Context, opportunityID string, dest model.DestinationID) error
	Unclaim(ctx context.Context, opportunityID string, dest model.DestinationID) error
}

// GoneFunc is called when the transport reports a destination as permanently unreachable.
type GoneFunc func(ctx context.Context, id model.DestinationID)

type Config struct {
	Concurrency int
	RatePerSec  int
	SendTimeout time.Duration
	// ParseMode applies to Announce. Rendered opportunities are always HTML.
	ParseMode      string
	DisablePreview bool
}

const (
	defaultConcurrency = 4
	defaultRatePerSec  = 20
	defaultSendTimeout = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	return c
}

// DeliveryEvent is the payload of the broadcast.* delivery events.
type DeliveryEvent struct {
	OpportunityID string
	Destination   model.DestinationID
	Outcome       model.Outcome
	Err           error
}

// DoneEvent is the payload of broadcast.done.
type DoneEvent struct {
	OpportunityID string
	Summary       model.Summary
	Took          time.Duration
	Err           error
}
