package uws

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newUpgradeRequest() *http.Request {
	var request = &http.Request{
		Method: http.MethodGet,
		Header: http.Header{},
	}
	request.Header.Set("Connection", "Upgrade")
	request.Header.Set("Upgrade", "websocket")
	request.Header.Set("Sec-WebSocket-Version", "13")
	request.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return request
}

func TestFormatUpgradeResponse(t *testing.T) {
	var as = assert.New(t)

	t.Run("rfc sample key", func(t *testing.T) {
		var b = formatUpgradeResponse("dGhlIHNhbXBsZSBub25jZQ==", "", "")
		var response = b.String()
		as.Equal("HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n"+
			"Sec-WebSocket-Version: 13\r\n"+
			"WebSocket-Server: uws\r\n\r\n", response)
	})

	t.Run("optional lines", func(t *testing.T) {
		var b = formatUpgradeResponse("dGhlIHNhbXBsZSBub25jZQ==", "permessage-deflate", "chat")
		var response = b.String()
		as.Contains(response, "Sec-WebSocket-Extensions: permessage-deflate\r\n")
		as.Contains(response, "Sec-WebSocket-Protocol: chat\r\n")
		as.True(strings.HasSuffix(response, "WebSocket-Server: uws\r\n\r\n"))
	})

	t.Run("oversized extension line dropped", func(t *testing.T) {
		var b = formatUpgradeResponse("dGhlIHNhbXBsZSBub25jZQ==", strings.Repeat("x", 200), "")
		as.NotContains(b.String(), "Sec-WebSocket-Extensions")
	})
}

func TestUpgrader_DoUpgrade(t *testing.T) {
	var as = assert.New(t)

	var serve = func(handler Event, option *GroupOption, request *http.Request) (*Conn, []byte, error) {
		var group = newTestGroup(handler, option)
		var upgrader = NewUpgrader(group, nil)

		server, client := net.Pipe()
		var response = make(chan []byte, 1)
		go func() {
			var p = make([]byte, 4096)
			_ = client.SetReadDeadline(time.Now().Add(time.Second))
			n, _ := client.Read(p)
			response <- p[:n]
		}()
		socket, err := upgrader.doUpgrade(request, server, bufio.NewReader(server))
		if err != nil {
			return nil, nil, err
		}
		return socket, <-response, nil
	}

	t.Run("ok", func(t *testing.T) {
		var opened = false
		var handler = &webSocketMocker{onOpen: func(socket *Conn) { opened = true }}
		socket, response, err := serve(handler, nil, newUpgradeRequest())
		as.NoError(err)
		as.True(opened)
		as.NotNil(socket)
		as.True(strings.HasPrefix(string(response), "HTTP/1.1 101 Switching Protocols\r\n"))
		as.Contains(string(response), "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
		as.NotContains(string(response), "Sec-WebSocket-Extensions")
	})

	t.Run("first subprotocol token echoed", func(t *testing.T) {
		var request = newUpgradeRequest()
		request.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")
		socket, response, err := serve(&webSocketMocker{}, nil, request)
		as.NoError(err)
		as.Equal("chat", socket.Subprotocol())
		as.Contains(string(response), "Sec-WebSocket-Protocol: chat\r\n")
		as.NotContains(string(response), "superchat")
	})

	t.Run("permessage-deflate negotiated", func(t *testing.T) {
		var request = newUpgradeRequest()
		request.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate; client_max_window_bits")
		var option = &GroupOption{PermessageDeflate: true}
		socket, response, err := serve(&webSocketMocker{}, option, request)
		as.NoError(err)
		as.Equal(uint8(compressionEnabled), socket.compressionStatus)
		as.Contains(string(response), "Sec-WebSocket-Extensions: permessage-deflate; server_no_context_takeover; client_no_context_takeover\r\n")
	})

	t.Run("sliding window keeps context takeover", func(t *testing.T) {
		var request = newUpgradeRequest()
		request.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate")
		var option = &GroupOption{PermessageDeflate: true, SlidingDeflateWindow: true}
		socket, response, err := serve(&webSocketMocker{}, option, request)
		as.NoError(err)
		as.NotNil(socket.slidingDeflate)
		as.Contains(string(response), "Sec-WebSocket-Extensions: permessage-deflate\r\n")
	})

	t.Run("client did not offer compression", func(t *testing.T) {
		var option = &GroupOption{PermessageDeflate: true}
		socket, response, err := serve(&webSocketMocker{}, option, newUpgradeRequest())
		as.NoError(err)
		as.Equal(uint8(compressionDisabled), socket.compressionStatus)
		as.NotContains(string(response), "Sec-WebSocket-Extensions")
	})

	t.Run("handshake failures", func(t *testing.T) {
		var cases = []func(r *http.Request){
			func(r *http.Request) { r.Method = http.MethodPost },
			func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") },
			func(r *http.Request) { r.Header.Del("Connection") },
			func(r *http.Request) { r.Header.Set("Upgrade", "h2c") },
			func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") },
			func(r *http.Request) { r.Header.Set("Sec-WebSocket-Key", "too-short") },
		}
		for _, mutate := range cases {
			var request = newUpgradeRequest()
			mutate(request)
			_, _, err := serve(&webSocketMocker{}, nil, request)
			as.ErrorIs(err, ErrHandshake)
		}
	})
}

func TestServer_EndToEnd(t *testing.T) {
	var as = assert.New(t)

	var echoed = make(chan string, 1)
	var handler = &webSocketMocker{onMessage: func(socket *Conn, message *Message) {
		defer message.Close()
		socket.WriteMessage(message.Opcode, message.Bytes())
		echoed <- string(message.Bytes())
	}}
	var group = newTestGroup(handler, nil)
	var server = NewServer(group, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	as.NoError(err)
	go func() { _ = server.RunListener(listener) }()

	conn, err := net.DialTimeout("tcp", listener.Addr().String(), time.Second)
	as.NoError(err)
	defer conn.Close()

	var handshake = "GET / HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	_, err = conn.Write([]byte(handshake))
	as.NoError(err)

	var br = bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	as.NoError(err)
	as.Equal("HTTP/1.1 101 Switching Protocols\r\n", status)
	for {
		line, err := br.ReadString('\n')
		as.NoError(err)
		if line == "\r\n" {
			break
		}
	}

	_, err = conn.Write(buildFrame(OpcodeText, []byte("Hello"), true, false, true))
	as.NoError(err)

	select {
	case msg := <-echoed:
		as.Equal("Hello", msg)
	case <-time.After(time.Second):
		as.Fail("timeout waiting for echo")
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var header = make([]byte, 2)
	_, err = io.ReadFull(br, header)
	as.NoError(err)
	as.Equal(byte(0x81), header[0])
	var payload = make([]byte, header[1]&0x7f)
	_, err = io.ReadFull(br, payload)
	as.NoError(err)
	as.Equal("Hello", string(payload))
}
