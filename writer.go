package uws

import (
	"bytes"
	"sync/atomic"

	"github.com/uwsgo/uws/internal"
)

var framePadding = frameHeader{}

// Send 发送一条消息
// sends a message
// compress只在协商了permessage-deflate且opcode为数据帧时生效.
// 回调在消息写完或被取消时触发; 对已关闭连接调用时回调立即以cancelled=true触发
// compress only applies when permessage-deflate was negotiated and the opcode is
// a data frame. The callback fires once the message drained or got cancelled; on
// a closed connection it fires immediately with cancelled=true
//
// Thread safe
func (c *Conn) Send(opcode Opcode, payload []byte, callback SendCallback, userData any, compress bool) {
	c.lock()
	defer c.unlock()
	c.send(opcode, payload, callback, userData, compress)
}

// WriteMessage 写入文本/二进制消息, 文本消息应该使用UTF8编码
// writes a text/binary message, text messages should be encoded in UTF8
//
// Thread safe
func (c *Conn) WriteMessage(opcode Opcode, payload []byte) {
	c.Send(opcode, payload, nil, nil, true)
}

// WriteString 写入文本消息, 使用UTF8编码
// writes a text message, should be encoded in UTF8
//
// Thread safe
func (c *Conn) WriteString(s string) {
	c.Send(OpcodeText, internal.StringToBytes(s), nil, nil, true)
}

// WritePing 写入Ping消息, 携带的信息不要超过125字节
// control frame length cannot exceed 125 bytes
//
// Thread safe
func (c *Conn) WritePing(payload []byte) {
	c.lock()
	defer c.unlock()
	c.hasOutstandingPong = true
	c.send(OpcodePing, payload, nil, nil, false)
}

// WritePong 写入Pong消息, 携带的信息不要超过125字节
// control frame length cannot exceed 125 bytes
//
// Thread safe
func (c *Conn) WritePong(payload []byte) {
	c.Send(OpcodePong, payload, nil, nil, false)
}

func (c *Conn) send(opcode Opcode, payload []byte, callback SendCallback, userData any, compress bool) {
	if c.isClosed() {
		if callback != nil {
			callback(c, userData, true)
		}
		return
	}
	frame, err := c.genFrame(opcode, payload, compress)
	if err != nil {
		c.logger().Error("uws: send failed:", "id="+c.id.String(), err)
		if callback != nil {
			callback(c, userData, true)
		}
		return
	}
	if opcode.isDataFrame() {
		c.group.hub.metrics.message(directionOut)
	}
	c.wq.push(c, &pendingMessage{frame: frame, callback: callback, userData: userData})
}

// sendRaw 绕过帧编码, 把已经格式化好的字节送入发送队列
// bypasses the frame codec, pushes preformatted bytes into the write queue
func (c *Conn) sendRaw(frame *bytes.Buffer) {
	c.wq.push(c, &pendingMessage{frame: frame})
}

// genFrame 生成一个完整的帧
// generates a complete frame
// 缓冲区预留14字节的帧头窗口, 载荷(或压缩结果)写在其后, 帧头反向拷贝进窗口
// the buffer reserves a 14 byte header window, the payload (or deflate output)
// goes after it and the header is copied backwards into the window
func (c *Conn) genFrame(opcode Opcode, payload []byte, compress bool) (*bytes.Buffer, error) {
	if opcode.isControlFrame() && len(payload) > internal.MaxControlPayload {
		return nil, ErrMessageTooLarge
	}

	var n = len(payload)
	var buf = binaryPool.Get(n + frameHeaderSize)
	buf.Write(framePadding[0:])

	var compressed = compress && c.compressionStatus == compressionEnabled && opcode.isDataFrame()
	if compressed {
		var dict = internal.SelectValue(c.cpsWindow.enabled, c.cpsWindow.dict, nil)
		if err := c.group.hub.Deflate(payload, buf, c.slidingDeflate, dict); err != nil {
			binaryPool.Put(buf)
			return nil, err
		}
		c.cpsWindow.Write(payload)
		n = buf.Len() - frameHeaderSize
	} else {
		buf.Write(payload)
	}

	var header = frameHeader{}
	headerLength, maskBytes := header.GenerateHeader(c.isServer, true, compressed, opcode, n)
	var contents = buf.Bytes()
	if !c.isServer {
		internal.MaskXOR(contents[frameHeaderSize:], maskBytes, 0)
	}
	var m = frameHeaderSize - headerLength
	copy(contents[m:], header[:headerLength])
	buf.Next(m)
	return buf, nil
}

// Close 主动发起关闭握手
// starts the active close handshake
// 发送关闭帧, 其写完回调半关闭传输; 随后立即终结连接, 不等待对端的关闭回应.
// 对已关闭连接调用无效果
// sends a close frame whose drain callback half closes the transport, then ends
// the connection immediately without waiting for the peer's close echo. No-op on
// a closed connection
//
// Thread safe
func (c *Conn) Close(code uint16, reason []byte) {
	c.lock()
	defer c.unlock()
	c.closeWith(code, reason)
}

func (c *Conn) closeWith(code uint16, reason []byte) {
	if c.isClosed() {
		return
	}
	if len(reason) > internal.MaxCloseReason {
		reason = reason[:internal.MaxCloseReason]
	}
	atomic.StoreUint32(&c.shuttingDown, 1)

	// 1005 is synthetic and never appears on the wire
	var wireCode = code
	if wireCode == internal.CloseNoStatusReceived.Uint16() {
		wireCode = 0
	}
	var payload = formatClosePayload(wireCode, reason)
	c.send(OpcodeCloseConnection, payload, func(socket *Conn, _ any, cancelled bool) {
		if !cancelled {
			_ = socket.transport.Shutdown()
		}
	}, nil, false)
	c.onEnd(code, reason)
}
