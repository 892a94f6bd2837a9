package pprof

import (
	"testing"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:8080", true},
		{"localhost:8080", true},
		{"[::1]:8080", true},
		{":8080", false},
		{"0.0.0.0:8080", false},
		{"10.0.0.5:8080", false},
		{"bad", false},
	}
	for _, tt := range tests {
		if got := IsLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("IsLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestRegisterRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	err := Register(router.New(), ":8080", Config{Enabled: true, MutexProfileFraction: -1, BlockProfileRate: -1})
	if err != ErrInsecureBind {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
	if err := Register(router.New(), ":8080", Config{Enabled: false}); err != nil {
		t.Fatalf("disabled Register: %v", err)
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()
	ok := func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) }
	h := WithAuth("s3cret", ok)

	tests := []struct {
		name   string
		uri    string
		header string
		want   int
	}{
		{name: "no credentials", uri: "/debug/pprof/", want: fasthttp.StatusUnauthorized},
		{name: "query token", uri: "/debug/pprof/?token=s3cret", want: fasthttp.StatusOK},
		{name: "wrong query token", uri: "/debug/pprof/?token=nope", want: fasthttp.StatusUnauthorized},
		{name: "bearer", uri: "/debug/pprof/", header: "Bearer s3cret", want: fasthttp.StatusOK},
		{name: "wrong bearer", uri: "/debug/pprof/", header: "Bearer x", want: fasthttp.StatusUnauthorized},
	}
	for _, tt := range tests {
		var ctx fasthttp.RequestCtx
		ctx.Request.SetRequestURI(tt.uri)
		if tt.header != "" {
			ctx.Request.Header.Set("Authorization", tt.header)
		}
		h(&ctx)
		if got := ctx.Response.StatusCode(); got != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, got, tt.want)
		}
	}
}
