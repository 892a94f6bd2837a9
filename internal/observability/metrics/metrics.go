// Package metrics exposes Prometheus counters fed from the event bus.
package metrics

import (
	"context"
	"net/http"
	logx "oppcast/pkg/logx"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oppcast/internal/broadcast"
	"oppcast/internal/eventbus"
	"oppcast/internal/feed"
	"oppcast/internal/webhook"
)

const namespace = "oppcast"

// ActiveCounter reports the number of active destinations.
type ActiveCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type Metrics struct {
	reg *prometheus.Registry

	Deliveries        *prometheus.CounterVec
	Broadcasts        prometheus.Counter
	BroadcastErrors   prometheus.Counter
	BroadcastDuration prometheus.Histogram

	PollCycles   *prometheus.CounterVec
	PollItems    prometheus.Counter
	PollDuration prometheus.Histogram

	WebhookRequests *prometheus.CounterVec
	WebhookDuration prometheus.Histogram

	Membership *prometheus.CounterVec
}

// New builds a private registry with Go/process collectors and the oppcast
// metrics. active may be nil.
func New(active ActiveCounter) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-destination broadcast outcomes",
		}, []string{"outcome"}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast cycles run",
		}),
		BroadcastErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_errors_total",
			Help:      "Broadcast cycles aborted by a storage error",
		}),
		BroadcastDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of broadcast cycles",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Feed poll cycles by result",
		}, []string{"result"}),
		PollItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_items_total",
			Help:      "Items fetched from the feed",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of feed poll cycles",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		WebhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by status code",
		}, []string{"code"}),
		WebhookDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook handling time",
			Buckets:   prometheus.DefBuckets,
		}),
		Membership: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_events_total",
			Help:      "Destination registrations and removals",
		}, []string{"event"}),
	}
	if active != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destinations_active",
			Help:      "Active destinations in the registry",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := active.CountActive(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		})
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.DeliveryDelivered, eventbus.DeliveryAlready, eventbus.DeliveryFailed:
		if d, ok := e.Data.(broadcast.DeliveryEvent); ok {
			m.Deliveries.WithLabelValues(string(d.Outcome)).Inc()
		}
	case eventbus.BroadcastDone:
		m.Broadcasts.Inc()
		if d, ok := e.Data.(broadcast.DoneEvent); ok {
			m.BroadcastDuration.Observe(d.Took.Seconds())
			if d.Err != nil {
				m.BroadcastErrors.Inc()
			}
		}
	case eventbus.PollCompleted, eventbus.PollFailed:
		result := "ok"
		if e.Type == eventbus.PollFailed {
			result = "error"
		}
		m.PollCycles.WithLabelValues(result).Inc()
		if r, ok := e.Data.(feed.PollReport); ok {
			m.PollItems.Add(float64(r.Fetched))
			m.PollDuration.Observe(r.Took.Seconds())
		}
	case eventbus.WebhookHandled:
		if w, ok := e.Data.(webhook.HandledEvent); ok {
			m.WebhookRequests.WithLabelValues(strconv.Itoa(w.Status)).Inc()
			m.WebhookDuration.Observe(w.Took.Seconds())
		}
	case eventbus.DestinationAdded:
		m.Membership.WithLabelValues("added").Inc()
	case eventbus.DestinationRemoved:
		m.Membership.WithLabelValues("removed").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
