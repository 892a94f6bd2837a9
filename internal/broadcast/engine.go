package broadcast

import (
	"context"
	"errors"
	"fmt"
	logx "oppcast/pkg/logx"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"oppcast/internal/eventbus"
	"oppcast/internal/model"
	"oppcast/internal/transport"
)

// ErrNoSender is returned while no transport is attached.
var ErrNoSender = errors.New("broadcast: no sender")

type Option func(*Engine)

func WithBus(b eventbus.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithGoneHook sets the callback for destinations the transport reports as gone.
func WithGoneHook(fn GoneFunc) Option { return func(e *Engine) { e.onGone = fn } }

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  transport.Sender

	reg    Registry
	ledger Ledger
	log    logx.Logger
	bus    eventbus.Bus
	onGone GoneFunc
}

func New(cfg Config, reg Registry, ledger Ledger, sender transport.Sender, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sender:  sender,
		reg:     reg,
		ledger:  ledger,
		log:     log,
		bus:     eventbus.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply swaps the live config. Broadcasts already running keep their snapshot.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.RatePerSec != e.cfg.RatePerSec {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	e.cfg = cfg
}

// SetSender attaches the transport used for sends.
func (e *Engine) SetSender(s transport.Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

type snapshot struct {
	cfg     Config
	limiter *rate.Limiter
	sender  transport.Sender
}

func (e *Engine) snapshot() snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot{cfg: e.cfg, limiter: e.limiter, sender: e.sender}
}

// Broadcast delivers opp to every active destination that has not received it yet.
//
// Results follow registry order. A storage error stops dispatching further
// destinations; it is returned together with the results gathered so far.
// Transport errors only mark the affected destination Failed.
func (e *Engine) Broadcast(ctx context.Context, opp model.Opportunity) ([]model.Result, error) {
	if err := opp.Validate(); err != nil {
		return nil, err
	}
	snap := e.snapshot()
	if snap.sender == nil {
		return nil, ErrNoSender
	}
	start := time.Now()
	log := e.log.With(logx.String("opportunity", opp.ID))

	dests, err := e.reg.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	if len(dests) == 0 {
		log.Info("broadcast skipped: no active destinations")
		e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastDone, Data: DoneEvent{OpportunityID: opp.ID, Took: time.Since(start)}})
		return []model.Result{}, nil
	}

	text := Render(opp)
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: snap.cfg.DisablePreview}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		results  = make([]model.Result, len(dests))
		ran      = make([]bool, len(dests))
		sem      = make(chan struct{}, snap.cfg.Concurrency)
	)
	stop := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

dispatch:
	for i, d := range dests {
		select {
		case <-runCtx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		// stop wins over a free slot
		if runCtx.Err() != nil {
			<-sem
			break
		}
		ran[i] = true
		wg.Add(1)
		go func(i int, d model.Destination) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic in broadcast delivery", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					results[i] = model.Result{Destination: d, Outcome: model.Failed, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			res, serr := e.deliver(runCtx, snap, log, opp.ID, d, text, opt)
			results[i] = res
			e.publishDelivery(opp.ID, res)
			if serr != nil {
				stop(serr)
			}
		}(i, d)
	}
	wg.Wait()

	out := make([]model.Result, 0, len(dests))
	for i := range dests {
		if ran[i] {
			out = append(out, results[i])
		}
	}
	if firstErr == nil && ctx.Err() != nil && len(out) < len(dests) {
		firstErr = ctx.Err()
	}

	sum := model.Summarize(out)
	fields := []logx.Field{
		logx.Int("destinations", len(dests)),
		logx.Int("delivered", sum.Delivered),
		logx.Int("already", sum.AlreadyDelivered),
		logx.Int("failed", sum.Failed),
		logx.Duration("dur", time.Since(start)),
	}
	switch {
	case firstErr != nil:
		log.Error("broadcast aborted", append(fields, logx.Err(firstErr))...)
	case sum.Failed > 0:
		log.Warn("broadcast finished with failures", fields...)
	default:
		log.Info("broadcast finished", fields...)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.BroadcastDone, Data: DoneEvent{
		OpportunityID: opp.ID, Summary: sum, Took: time.Since(start), Err: firstErr,
	}})
	return out, firstErr
}

// deliver runs claim, send and confirm/release for one destination. The
// second return value is set only for errors that must stop the broadcast.
func (e *Engine) deliver(ctx context.Context, snap snapshot, log logx.Logger, oppID string, d model.Destination, text string, opt *transport.SendOptions) (model.Result, error) {
	res := model.Result{Destination: d}
	log = log.With(logx.String("dest", d.ID.Key()))

	won, err := e.ledger.TryClaim(ctx, oppID, d.ID)
	if err != nil {
		res.Outcome, res.Err = model.Failed, err
		return res, err
	}
	if !won {
		res.Outcome = model.AlreadyDelivered
		log.Debug("already delivered")
		return res, nil
	}

	// The claim is ours now: finishing it must not depend on the caller staying around.
	bg := context.WithoutCancel(ctx)

	if err := snap.limiter.Wait(ctx); err != nil {
		res.Outcome, res.Err = model.Failed, err
		if uerr := e.ledger.Unclaim(bg, oppID, d.ID); uerr != nil {
			return res, uerr
		}
		return res, nil
	}

	sctx, cancel := context.WithTimeout(bg, snap.cfg.SendTimeout)
	_, sendErr := snap.sender.SendText(sctx, target(d.ID), text, opt)
	cancel()

	if sendErr != nil {
		res.Outcome, res.Err = model.Failed, sendErr
		log.Warn("send failed", logx.Err(sendErr))
		if uerr := e.ledger.Unclaim(bg, oppID, d.ID); uerr != nil {
			return res, fmt.Errorf("release claim: %w", uerr)
		}
		if transport.IsDestinationGone(sendErr) && e.onGone != nil {
			e.onGone(bg, d.ID)
		}
		return res, nil
	}

	if err := e.ledger.ConfirmClaim(bg, oppID, d.ID); err != nil {
		// The message went out but could not be recorded.
		res.Outcome, res.Err = model.Failed, err
		return res, fmt.Errorf("confirm claim: %w", err)
	}
	res.Outcome = model.Delivered
	log.Debug("delivered")
	return res, nil
}

// Announce sends operator text to one destination without touching the ledger.
func (e *Engine) Announce(ctx context.Context, dest model.DestinationID, text string) error {
	snap := e.snapshot()
	if snap.sender == nil {
		return ErrNoSender
	}
	if err := snap.limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, snap.cfg.SendTimeout)
	defer cancel()
	opt := &transport.SendOptions{ParseMode: snap.cfg.ParseMode, DisablePreview: snap.cfg.DisablePreview}
	if _, err := snap.sender.SendText(sctx, target(dest), text, opt); err != nil {
		return fmt.Errorf("announce to %s: %w", dest, err)
	}
	return nil
}

func (e *Engine) publishDelivery(oppID string, r model.Result) {
	typ := eventbus.DeliveryFailed
	switch r.Outcome {
	case model.Delivered:
		typ = eventbus.DeliveryDelivered
	case model.AlreadyDelivered:
		typ = eventbus.DeliveryAlready
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: DeliveryEvent{
		OpportunityID: oppID, Destination: r.Destination.ID, Outcome: r.Outcome, Err: r.Err,
	}})
}

func target(id model.DestinationID) transport.ChatTarget {
	return transport.ChatTarget{ChatID: id.ChatID, ThreadID: id.Thread.Int()}
}
