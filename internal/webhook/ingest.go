// Package webhook accepts opportunities pushed over HTTP and forwards them
// synchronously to the broadcast engine.
package webhook

import (
	"context"
	"fmt"
	"time"

	"oppcast/internal/model"
)

const (
	msgInitiated = "Broadcast initiated"
	msgNothing   = "No active chats or already sent."
)

type Broadcaster interface {
	Broadcast(ctx context.Context, opp model.Opportunity) ([]model.Result, error)
}

// SentTo is one destination reached by a webhook broadcast.
type SentTo struct {
	ChatID   int64  `json:"chat_id"`
	ThreadID *int   `json:"thread_id"`
	Title    string `json:"title,omitempty"`
}

// Response is the 200 body of POST /webhook.
type Response struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	SentTo  []SentTo `json:"sent_to"`

	OpportunityID string         `json:"-"`
	Results       []model.Result `json:"-"`
}

type Ingestor struct {
	engine Broadcaster
	now    func() time.Time
}

func NewIngestor(engine Broadcaster) *Ingestor {
	return &Ingestor{engine: engine, now: time.Now}
}

// Ingest decodes one payload and broadcasts it. Decoding problems return a
// *model.ValidationError before anything is written.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (Response, error) {
	opp, _, err := model.DecodeOpportunity(raw)
	if err != nil {
		return Response{}, err
	}
	results, err := i.engine.Broadcast(ctx, opp.Normalize(i.now()))
	if err != nil {
		return Response{OpportunityID: opp.ID, Results: results}, fmt.Errorf("broadcast %s: %w", opp.ID, err)
	}

	resp := Response{
		Status:        "success",
		Message:       msgNothing,
		SentTo:        []SentTo{},
		OpportunityID: opp.ID,
		Results:       results,
	}
	for _, d := range model.DeliveredTo(results) {
		s := SentTo{ChatID: d.ID.ChatID, Title: d.Title}
		if d.ID.Thread.IsSet() {
			v := d.ID.Thread.Int()
			s.ThreadID = &v
		}
		resp.SentTo = append(resp.SentTo, s)
	}
	if len(resp.SentTo) > 0 {
		resp.Message = msgInitiated
	}
	return resp, nil
}
