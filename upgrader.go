package uws

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/uwsgo/uws/internal"
)

// serverStamp 固定的响应尾部: 版本行, 服务标识行和空行
// fixed response tail: version line, server identification line and the blank line
const serverStamp = "Sec-WebSocket-Version: 13\r\nWebSocket-Server: uws\r\n\r\n"

// formatUpgradeResponse 格式化101响应
// formats the 101 response
// 拓展与子协议行是可选的, 只在取值短于200字节时写入
// the extension and subprotocol lines are optional and only written below 200 bytes
func formatUpgradeResponse(secKey, extensionsResponse, subprotocol string) *bytes.Buffer {
	var b = binaryPool.Get(512)
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: ")
	b.WriteString(internal.ComputeAcceptKey(secKey))
	b.WriteString("\r\n")
	if n := len(extensionsResponse); n > 0 && n < 200 {
		b.WriteString("Sec-WebSocket-Extensions: ")
		b.WriteString(extensionsResponse)
		b.WriteString("\r\n")
	}
	if n := len(subprotocol); n > 0 && n < 200 {
		b.WriteString("Sec-WebSocket-Protocol: ")
		b.WriteString(subprotocol)
		b.WriteString("\r\n")
	}
	b.WriteString(serverStamp)
	return b
}

// Upgrader 握手处理器
// handshake handler
type Upgrader struct {
	group  *Group
	option *ServerOption
}

// NewUpgrader 创建握手处理器, 升级成功的连接注册到group
// creates the handshake handler, upgraded connections are registered with group
func NewUpgrader(group *Group, option *ServerOption) *Upgrader {
	return &Upgrader{group: group, option: initServerOption(option)}
}

// Upgrade 劫持HTTP连接并完成WebSocket握手
// hijacks the HTTP connection and performs the websocket handshake
// 101响应通过连接的发送队列发出; OnOpen在响应入队后触发
// the 101 response goes out through the connection's write queue; OnOpen fires
// once the response has been queued
func (c *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, internal.CloseInternalErr
	}
	netConn, brw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	socket, err := c.doUpgrade(r, netConn, brw.Reader)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return socket, nil
}

func (c *Upgrader) doUpgrade(r *http.Request, netConn net.Conn, br *bufio.Reader) (*Conn, error) {
	if r.Method != http.MethodGet {
		return nil, ErrHandshake
	}
	if !strings.EqualFold(r.Header.Get(internal.SecWebSocketVersion.Key), internal.SecWebSocketVersion.Val) {
		return nil, ErrHandshake
	}
	if !internal.HttpHeaderContains(r.Header.Get(internal.Connection.Key), internal.Connection.Val) {
		return nil, ErrHandshake
	}
	if !strings.EqualFold(r.Header.Get(internal.Upgrade.Key), internal.Upgrade.Val) {
		return nil, ErrHandshake
	}
	var secKey = r.Header.Get(internal.SecWebSocketKey.Key)
	if len(secKey) != internal.SecKeyLength {
		return nil, ErrHandshake
	}

	var option = c.group.option
	var perMessageDeflate = option.Extensions&OptionPermessageDeflate != 0 &&
		strings.Contains(r.Header.Get(internal.SecWebSocketExtension.Key), internal.PermessageDeflate)
	var extensionsResponse = ""
	if perMessageDeflate {
		extensionsResponse = option.permessageDeflateResponse()
	}

	// echo the first offered token, no negotiation
	var subprotocol = internal.FirstToken(r.Header.Get(internal.SecWebSocketProtocol.Key))

	socket := c.group.Attach(NewNetTransport(netConn), true, perMessageDeflate)
	socket.subprotocol = subprotocol
	socket.br = internal.SelectValue[io.Reader](br != nil, br, netConn)
	socket.sendRaw(formatUpgradeResponse(secKey, extensionsResponse, subprotocol))
	if socket.isClosed() {
		return nil, ErrConnClosed
	}
	c.group.handler.OnOpen(socket)
	return socket, nil
}

// Server 监听与接入
// listener and accept glue
type Server struct {
	upgrader *Upgrader
	option   *ServerOption

	// OnError 接收握手过程中产生的错误回调
	// receives error callbacks generated during the handshake
	OnError func(conn net.Conn, err error)
}

// NewServer 创建websocket服务器
// creates a websocket server
func NewServer(group *Group, option *ServerOption) *Server {
	var c = &Server{upgrader: NewUpgrader(group, option)}
	c.option = c.upgrader.option
	c.OnError = func(conn net.Conn, err error) { group.option.Logger.Error("uws:", err) }
	return c
}

// Run 运行. 可以被多次调用, 监听不同的地址
// can be called multiple times, listening on different addresses
func (c *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return c.RunListener(listener)
}

// RunListener 运行网络监听器
// runs the network listener
func (c *Server) RunListener(listener net.Listener) error {
	defer listener.Close()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			c.OnError(netConn, err)
			continue
		}

		go func(conn net.Conn) {
			_ = conn.SetReadDeadline(time.Now().Add(c.option.HandshakeTimeout))
			br := bufio.NewReaderSize(conn, c.upgrader.group.option.ReadBufferSize)
			r, err := http.ReadRequest(br)
			if err != nil {
				c.OnError(conn, err)
				_ = conn.Close()
				return
			}
			_ = conn.SetReadDeadline(time.Time{})

			socket, err := c.upgrader.doUpgrade(r, conn, br)
			if err != nil {
				c.OnError(conn, err)
				_ = conn.Close()
				return
			}
			socket.ReadLoop()
		}(netConn)
	}
}
