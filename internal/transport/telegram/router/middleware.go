package router

import (
	"context"
	"fmt"
	logx "oppcast/pkg/logx"
	"runtime/debug"
	"time"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Guard enforces the command's Access and Scope, replying instead of running
// the handler when either check fails.
func Guard(cmd Command) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if cmd.Access == AccessOwnerOnly && !isOwner(req.FromID, req.Owners) {
				req.Logger.Info("command refused", logx.String("why", "not an owner"))
				return req.Reply(ctx, "unauthorized")
			}
			if cmd.Scope == ScopePrivate && !req.Private() {
				return req.Reply(ctx, "This command only works in a private chat with the bot.")
			}
			return next(ctx, req)
		}
	}
}

func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recover turns a handler panic into an error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("command %s panicked: %v", req.Command, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// LogRequest logs failures at warn and slow commands at info.
func LogRequest(slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)
			switch {
			case err != nil:
				req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slow:
				req.Logger.Info("command slow", logx.Duration("took", took))
			default:
				req.Logger.Debug("command done", logx.Duration("took", took))
			}
			return err
		}
	}
}
