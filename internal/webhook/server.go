package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	logx "oppcast/pkg/logx"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"oppcast/internal/eventbus"
	"oppcast/internal/model"
	"oppcast/internal/observability/pprof"
)

type Config struct {
	Addr           string
	MaxBodyBytes   int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Pprof          pprof.Config
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8000"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 120 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 110 * time.Second
	}
	return c
}

// Pinger reports storage health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandledEvent is published on the bus after every POST /webhook.
type HandledEvent struct {
	RequestID     string
	OpportunityID string
	Status        int
	Delivered     int
	Took          time.Duration
}

type Server struct {
	cfg     Config
	ing     *Ingestor
	health  Pinger
	metrics http.Handler
	log     logx.Logger
	bus     eventbus.Bus

	srv *fasthttp.Server

	// base parents every request context. A *fasthttp.RequestCtx must not
	// be used after its handler returns, so it is never a parent.
	baseMu sync.RWMutex
	base   context.Context
}

// NewServer wires the routes. metrics may be nil to leave /metrics unmounted.
func NewServer(cfg Config, ing *Ingestor, health Pinger, metrics http.Handler, log logx.Logger, bus eventbus.Bus) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, ing: ing, health: health, metrics: metrics, log: log, bus: bus, base: context.Background()}

	r := router.New()
	r.POST("/webhook", s.handleWebhook)
	r.GET("/healthz", s.handleHealth)
	if metrics != nil {
		r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(metrics))
	}
	if err := pprof.Register(r, cfg.Addr, cfg.Pprof); err != nil {
		return nil, err
	}
	r.PanicHandler = s.handlePanic

	s.srv = &fasthttp.Server{
		Handler:               s.withRequestID(r.Handler),
		Name:                  "oppcast",
		MaxRequestBodySize:    cfg.MaxBodyBytes,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		NoDefaultServerHeader: true,
		Logger:                fasthttpLogger{log: log},
	}
	return s, nil
}

// Handler is the full request pipeline, for tests and embedding.
func (s *Server) Handler() fasthttp.RequestHandler { return s.srv.Handler }

func (s *Server) Addr() string { return s.cfg.Addr }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains open requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// in-flight requests keep running through the drain below
	s.baseMu.Lock()
	s.base = context.WithoutCancel(ctx)
	s.baseMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.log.Info("webhook server started", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.srv.ShutdownWithContext(sctx); err != nil {
		return fmt.Errorf("webhook shutdown: %w", err)
	}
	<-errCh
	s.log.Info("webhook server stopped")
	return nil
}

func (s *Server) requestContext(d time.Duration) (context.Context, context.CancelFunc) {
	s.baseMu.RLock()
	base := s.base
	s.baseMu.RUnlock()
	return context.WithTimeout(base, d)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleWebhook(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue(requestIDKey).(string)
	log := s.log.With(logx.String("req", reqID))

	rctx, cancel := s.requestContext(s.cfg.RequestTimeout)
	defer cancel()

	ev := HandledEvent{RequestID: reqID}
	resp, err := s.ing.Ingest(rctx, ctx.PostBody())
	switch {
	case err == nil:
		ev.Status = fasthttp.StatusOK
		ev.Delivered = len(resp.SentTo)
		writeJSON(ctx, fasthttp.StatusOK, resp)
	case model.IsValidation(err):
		ev.Status = fasthttp.StatusBadRequest
		log.Warn("webhook rejected", logx.Err(err))
		writeDetail(ctx, fasthttp.StatusBadRequest, err.Error())
	default:
		ev.Status = fasthttp.StatusInternalServerError
		log.Error("webhook broadcast failed", logx.Err(err))
		writeDetail(ctx, fasthttp.StatusInternalServerError, err.Error())
	}
	ev.OpportunityID = resp.OpportunityID
	ev.Took = time.Since(start)
	log.Info("webhook handled",
		logx.Int("status", ev.Status),
		logx.String("opportunity", ev.OpportunityID),
		logx.Int("delivered", ev.Delivered),
		logx.Duration("dur", ev.Took),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.WebhookHandled, Data: ev})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	hctx, cancel := s.requestContext(2 * time.Second)
	defer cancel()
	if err := s.health.Ping(hctx); err != nil {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable", "detail": err.Error()})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePanic(ctx *fasthttp.RequestCtx, r any) {
	s.log.Error("panic in webhook handler",
		logx.String("path", string(ctx.Path())),
		logx.Any("panic", r),
		logx.String("stack", string(debug.Stack())),
	)
	writeDetail(ctx, fasthttp.StatusInternalServerError, "internal error")
}

const requestIDKey = "request_id"

func (s *Server) withRequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Request-ID")))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-ID", id)
		next(ctx)
	}
}

// fasthttpLogger routes fasthttp's own error logging through logx.
type fasthttpLogger struct{ log logx.Logger }

func (l fasthttpLogger) Printf(format string, args ...any) {
	l.log.Warn("fasthttp: " + fmt.Sprintf(format, args...))
}
