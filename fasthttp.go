package uws

import (
	"net"
	"strings"

	"github.com/uwsgo/uws/internal"
	"github.com/valyala/fasthttp"
)

// UpgradeFastHTTP 基于fasthttp的握手适配
// fasthttp based handshake adapter
// 劫持连接后, 101响应同样通过连接的发送队列发出; 读取循环运行在fasthttp的
// 劫持协程上, 函数返回后由fasthttp接管连接
// hijacks the connection; the 101 response goes out through the write queue like
// the net/http path. The read loop runs on fasthttp's hijack goroutine once this
// function returned
func (c *Upgrader) UpgradeFastHTTP(ctx *fasthttp.RequestCtx) error {
	if !ctx.IsGet() {
		return ErrHandshake
	}
	var header = func(key string) string {
		return string(ctx.Request.Header.Peek(key))
	}
	if !strings.EqualFold(header(internal.SecWebSocketVersion.Key), internal.SecWebSocketVersion.Val) {
		return ErrHandshake
	}
	if !internal.HttpHeaderContains(header(internal.Connection.Key), internal.Connection.Val) {
		return ErrHandshake
	}
	if !strings.EqualFold(header(internal.Upgrade.Key), internal.Upgrade.Val) {
		return ErrHandshake
	}
	var secKey = header(internal.SecWebSocketKey.Key)
	if len(secKey) != internal.SecKeyLength {
		return ErrHandshake
	}

	var option = c.group.option
	var perMessageDeflate = option.Extensions&OptionPermessageDeflate != 0 &&
		strings.Contains(header(internal.SecWebSocketExtension.Key), internal.PermessageDeflate)
	var extensionsResponse = ""
	if perMessageDeflate {
		extensionsResponse = option.permessageDeflateResponse()
	}
	var subprotocol = internal.FirstToken(header(internal.SecWebSocketProtocol.Key))

	ctx.HijackSetNoResponse(true)
	ctx.Hijack(func(netConn net.Conn) {
		socket := c.group.Attach(NewNetTransport(netConn), true, perMessageDeflate)
		socket.subprotocol = subprotocol
		socket.br = netConn
		socket.sendRaw(formatUpgradeResponse(secKey, extensionsResponse, subprotocol))
		if socket.isClosed() {
			return
		}
		c.group.handler.OnOpen(socket)
		socket.ReadLoop()
	})
	return nil
}
