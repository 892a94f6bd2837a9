// Package pprof mounts the runtime profiler on the webhook server.
package pprof

import (
	"crypto/subtle"
	"errors"
	"net"
	"runtime"
	"strings"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/pprofhandler"
)

// Prefix is where the profiles are served. fasthttp's pprof handler only
// recognizes this root.
const Prefix = "/debug/pprof/"

// Config controls the profiler endpoints.
//
// Security:
//   - A server bound to a non-loopback address needs Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

var ErrInsecureBind = errors.New("pprof refused: non-loopback addr requires token or allow_insecure")

// Register mounts the profiler routes on r for a server listening on addr.
// It is a no-op when cfg is disabled.
func Register(r *router.Router, addr string, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !IsLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	applyRuntimeRates(cfg)

	h := WithAuth(cfg.Token, pprofhandler.PprofHandler)
	base := strings.TrimSuffix(Prefix, "/")
	r.GET(base, func(ctx *fasthttp.RequestCtx) {
		ctx.Redirect(Prefix, fasthttp.StatusPermanentRedirect)
	})
	r.ANY(Prefix+"{profile:*}", h)
	return nil
}

func applyRuntimeRates(cfg Config) {
	// 0 keeps Go default; explicit -1 is not supported here.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// WithAuth guards h with a static token. An empty token disables the check.
func WithAuth(token string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := ctx.QueryArgs().Peek("token"); len(got) > 0 {
			if equal(string(got), tok) {
				h(ctx)
				return
			}
			unauthorized(ctx)
			return
		}
		const p = "Bearer "
		if ah := string(ctx.Request.Header.Peek("Authorization")); strings.HasPrefix(ah, p) {
			if equal(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				h(ctx)
				return
			}
		}
		unauthorized(ctx)
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func unauthorized(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", "Bearer")
	ctx.Error("unauthorized", fasthttp.StatusUnauthorized)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
