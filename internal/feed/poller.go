package feed

import (
	"context"
	"errors"
	"fmt"
	logx "oppcast/pkg/logx"
	"sync"
	"time"

	"github.com/google/uuid"

	"oppcast/internal/eventbus"
	"oppcast/internal/model"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, opp model.Opportunity) ([]model.Result, error)
}

// CursorStore persists the fetch watermark.
type CursorStore interface {
	Cursor(ctx context.Context) (time.Time, error)
	AdvanceCursor(ctx context.Context, t time.Time) (time.Time, bool, error)
}

// PollReport summarizes one cycle.
type PollReport struct {
	CycleID    string
	Since      time.Time
	Fetched    int
	Skipped    int
	Broadcasts int
	Delivered  int
	Failed     int
	Cursor     time.Time
	Advanced   bool
	Took       time.Duration
}

type Poller struct {
	runMu sync.Mutex

	mu      sync.Mutex
	fetcher Fetcher
	last    PollReport
	lastErr error
	lastAt  time.Time

	engine Broadcaster
	cursor CursorStore
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func NewPoller(f Fetcher, engine Broadcaster, cursor CursorStore, log logx.Logger, bus eventbus.Bus) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Poller{fetcher: f, engine: engine, cursor: cursor, log: log, bus: bus, now: time.Now}
}

// SetFetcher swaps the upstream client (feed url or timeout changed).
func (p *Poller) SetFetcher(f Fetcher) {
	p.mu.Lock()
	p.fetcher = f
	p.mu.Unlock()
}

// LastRun is the outcome of the most recent cycle. At is zero before the first one.
type LastRun struct {
	Report PollReport
	Err    error
	At     time.Time
}

func (p *Poller) Last() LastRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return LastRun{Report: p.last, Err: p.lastErr, At: p.lastAt}
}

// Poll runs one cycle. Overlapping calls are serialized.
//
// The cursor only moves after every item was handed to the engine, and only
// to the newest created_at seen in the batch, never to wall-clock time.
func (p *Poller) Poll(ctx context.Context) (PollReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := p.now()
	rep := PollReport{CycleID: uuid.NewString()}
	log := p.log.With(logx.String("cycle", rep.CycleID))

	rep, err := p.poll(ctx, log, rep)
	rep.Took = time.Since(start)

	p.mu.Lock()
	p.last, p.lastErr, p.lastAt = rep, err, p.now()
	p.mu.Unlock()

	if err != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.PollFailed, Data: rep})
		var fe *FetchError
		if errors.As(err, &fe) {
			log.Warn("feed fetch failed", logx.Int("status", fe.StatusCode), logx.Err(err))
		} else {
			log.Error("poll cycle aborted", logx.Int("broadcasts", rep.Broadcasts), logx.Err(err))
		}
		return rep, err
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.PollCompleted, Data: rep})
	log.Info("poll cycle done",
		logx.Int("fetched", rep.Fetched),
		logx.Int("skipped", rep.Skipped),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Time("cursor", rep.Cursor),
		logx.Bool("advanced", rep.Advanced),
		logx.Duration("dur", rep.Took),
	)
	return rep, nil
}

func (p *Poller) poll(ctx context.Context, log logx.Logger, rep PollReport) (PollReport, error) {
	since, err := p.cursor.Cursor(ctx)
	if err != nil {
		return rep, fmt.Errorf("read cursor: %w", err)
	}
	rep.Since, rep.Cursor = since, since

	p.mu.Lock()
	f := p.fetcher
	p.mu.Unlock()
	if f == nil {
		return rep, &FetchError{Err: errors.New("feed not configured")}
	}

	items, err := f.Fetch(ctx, since)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Err: err}
		}
		return rep, err
	}
	rep.Fetched = len(items)
	if len(items) == 0 {
		log.Debug("no new opportunities", logx.Time("since", since))
		return rep, nil
	}

	var newest time.Time
	for _, it := range items {
		if it.DecodeErr != nil {
			rep.Skipped++
			log.Warn("skipping undecodable feed item", logx.Err(it.DecodeErr))
			continue
		}
		opp := it.Opportunity
		if verr := opp.Validate(); verr != nil {
			rep.Skipped++
			log.Warn("skipping feed item", logx.String("id", opp.ID), logx.Err(verr))
			continue
		}
		if it.HasCreatedAt && opp.CreatedAt.After(newest) {
			newest = opp.CreatedAt
		}
		results, berr := p.engine.Broadcast(ctx, opp.Normalize(p.now()))
		rep.Broadcasts++
		sum := model.Summarize(results)
		rep.Delivered += sum.Delivered
		rep.Failed += sum.Failed
		if berr != nil {
			return rep, fmt.Errorf("broadcast %s: %w", opp.ID, berr)
		}
	}

	if newest.IsZero() || !newest.After(since) {
		return rep, nil
	}
	cur, moved, err := p.cursor.AdvanceCursor(ctx, newest)
	if err != nil {
		return rep, err
	}
	rep.Cursor, rep.Advanced = cur, moved
	return rep, nil
}
