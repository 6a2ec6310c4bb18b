package uws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func newFastHTTPCtx() *fasthttp.RequestCtx {
	var ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.Header.Set("Connection", "Upgrade")
	ctx.Request.Header.Set("Upgrade", "websocket")
	ctx.Request.Header.Set("Sec-WebSocket-Version", "13")
	ctx.Request.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return ctx
}

func TestUpgradeFastHTTP(t *testing.T) {
	var as = assert.New(t)

	t.Run("ok", func(t *testing.T) {
		var upgrader = NewUpgrader(newTestGroup(&webSocketMocker{}, nil), nil)
		var ctx = newFastHTTPCtx()
		as.NoError(upgrader.UpgradeFastHTTP(ctx))
		as.True(ctx.Hijacked())
	})

	t.Run("handshake failures", func(t *testing.T) {
		var upgrader = NewUpgrader(newTestGroup(&webSocketMocker{}, nil), nil)
		var cases = []func(ctx *fasthttp.RequestCtx){
			func(ctx *fasthttp.RequestCtx) { ctx.Request.Header.SetMethod(fasthttp.MethodPost) },
			func(ctx *fasthttp.RequestCtx) { ctx.Request.Header.Set("Sec-WebSocket-Version", "8") },
			func(ctx *fasthttp.RequestCtx) { ctx.Request.Header.Del("Connection") },
			func(ctx *fasthttp.RequestCtx) { ctx.Request.Header.Set("Upgrade", "h2c") },
			func(ctx *fasthttp.RequestCtx) { ctx.Request.Header.Del("Sec-WebSocket-Key") },
		}
		for _, mutate := range cases {
			var ctx = newFastHTTPCtx()
			mutate(ctx)
			as.ErrorIs(upgrader.UpgradeFastHTTP(ctx), ErrHandshake)
			as.False(ctx.Hijacked())
		}
	})
}
