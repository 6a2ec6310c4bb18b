package uws

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/klauspost/compress/flate"
)

var errWriteBroken = errors.New("broken transport")

// webSocketMocker 事件处理器桩
// event handler stub
type webSocketMocker struct {
	BuiltinEventHandler
	onOpen     func(socket *Conn)
	onMessage  func(socket *Conn, message *Message)
	onPing     func(socket *Conn, payload []byte)
	onPong     func(socket *Conn, payload []byte)
	onClose    func(socket *Conn, code uint16, reason []byte)
	onTransfer func(socket *Conn)
}

func (c *webSocketMocker) OnOpen(socket *Conn) {
	if c.onOpen != nil {
		c.onOpen(socket)
	}
}

func (c *webSocketMocker) OnMessage(socket *Conn, message *Message) {
	if c.onMessage != nil {
		c.onMessage(socket, message)
	}
}

func (c *webSocketMocker) OnPing(socket *Conn, payload []byte) {
	if c.onPing != nil {
		c.onPing(socket, payload)
	}
}

func (c *webSocketMocker) OnPong(socket *Conn, payload []byte) {
	if c.onPong != nil {
		c.onPong(socket, payload)
	}
}

func (c *webSocketMocker) OnClose(socket *Conn, code uint16, reason []byte) {
	if c.onClose != nil {
		c.onClose(socket, code, reason)
	}
}

func (c *webSocketMocker) OnTransfer(socket *Conn) {
	if c.onTransfer != nil {
		c.onTransfer(socket)
	}
}

// memTransport 内存传输桩
// in-memory transport stub
type memTransport struct {
	buf      bytes.Buffer
	limit    int // max bytes accepted per Write, 0 means unlimited
	broken   bool
	shutdown bool
	closed   bool
}

func (c *memTransport) Write(p []byte) (int, error) {
	if c.broken {
		return 0, errWriteBroken
	}
	if c.limit > 0 && len(p) > c.limit {
		p = p[:c.limit]
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *memTransport) Shutdown() error {
	c.shutdown = true
	return nil
}

func (c *memTransport) Close() error {
	c.closed = true
	return nil
}

func newTestGroup(handler Event, option *GroupOption) *Group {
	return NewGroup(NewHub(nil), NewLoop(), handler, option)
}

func newTestConn(handler Event, option *GroupOption, perMessageDeflate bool) (*Conn, *memTransport) {
	var t = &memTransport{}
	var socket = newTestGroup(handler, option).Attach(t, true, perMessageDeflate)
	return socket, t
}

var testMaskKey = [4]byte{0x1a, 0x2b, 0x3c, 0x4d}

// buildFrame 构造一个线上帧
// builds an on-wire frame
func buildFrame(opcode Opcode, payload []byte, fin, rsv1, masked bool) []byte {
	var b []byte
	var b0 = byte(opcode)
	if fin {
		b0 |= 128
	}
	if rsv1 {
		b0 |= 64
	}
	b = append(b, b0)

	var b1 byte
	if masked {
		b1 |= 128
	}
	var n = len(payload)
	switch {
	case n <= 125:
		b = append(b, b1|byte(n))
	case n <= 65535:
		b = append(b, b1|126, 0, 0)
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(n))
	default:
		b = append(b, b1|127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(b[len(b)-8:], uint64(n))
	}

	if masked {
		b = append(b, testMaskKey[0:]...)
		for i := 0; i < n; i++ {
			b = append(b, payload[i]^testMaskKey[i&3])
		}
		return b
	}
	return append(b, payload...)
}

type testFrame struct {
	opcode  Opcode
	fin     bool
	rsv1    bool
	payload []byte
}

// parseServerFrames 解析服务端(无掩码)输出的帧序列
// parses the sequence of unmasked server frames
func parseServerFrames(p []byte) []testFrame {
	var frames []testFrame
	for len(p) >= 2 {
		var f = testFrame{
			opcode: Opcode(p[0] & 0x0f),
			fin:    p[0]>>7 == 1,
			rsv1:   p[0]&64 != 0,
		}
		var n = uint64(p[1] & 0x7f)
		var offset = 2
		switch n {
		case 126:
			n = uint64(binary.BigEndian.Uint16(p[2:4]))
			offset = 4
		case 127:
			n = binary.BigEndian.Uint64(p[2:10])
			offset = 10
		}
		f.payload = append([]byte(nil), p[offset:offset+int(n)]...)
		frames = append(frames, f)
		p = p[offset+int(n):]
	}
	return frames
}

// clientCompress 模拟客户端的permessage-deflate压缩
// emulates the client side permessage-deflate compression
func clientCompress(payload []byte, dict []byte) []byte {
	var buf = bytes.NewBuffer(nil)
	fw, _ := flate.NewWriter(nil, flate.BestSpeed)
	fw.ResetDict(buf, dict)
	_, _ = fw.Write(payload)
	_ = fw.Flush()
	var b = buf.Bytes()
	if n := len(b); n >= 4 && binary.BigEndian.Uint32(b[n-4:]) == 0xffff {
		b = b[:n-4]
	}
	return b
}

// clientDecompress 模拟客户端解压服务端发出的压缩载荷
// emulates the client inflating a compressed server payload
func clientDecompress(payload []byte, dict []byte) ([]byte, error) {
	var src = bytes.NewBuffer(append(append([]byte(nil), payload...), 0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff))
	fr := flate.NewReader(nil)
	if err := fr.(flate.Resetter).Reset(src, dict); err != nil {
		return nil, err
	}
	var dst = bytes.NewBuffer(nil)
	if _, err := dst.ReadFrom(fr); err != nil {
		return nil, err
	}
	return dst.Bytes(), nil
}
