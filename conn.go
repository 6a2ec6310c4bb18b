package uws

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/uwsgo/uws/internal"
)

// 压缩状态
// compression status
const (
	// compressionDisabled 未协商permessage-deflate拓展
	// the extension was not negotiated
	compressionDisabled uint8 = iota

	// compressionEnabled 已协商, 下一个数据帧未压缩
	// negotiated, the next data frame is uncompressed
	compressionEnabled

	// compressionCompressedFrame 当前消息的首帧携带RSV1, 重组后的载荷需要解压
	// the first frame of the current message carried RSV1, the reassembled payload must be inflated
	compressionCompressedFrame
)

type Conn struct {
	// 角色, 决定掩码方向
	// role, decides the masking direction
	isServer bool
	// 连接标识
	// connection identity
	id uuid.UUID
	// 底层传输
	// underlying transport
	transport Transport
	// 劫持的读端, 由握手层设置, ReadLoop使用
	// hijacked read side, set by the handshake layers, used by ReadLoop
	br io.Reader
	// 当前所属分组
	// current owning group
	group *Group
	// 协商的子协议
	// negotiated subprotocol
	subprotocol string

	// 流式帧解析器状态
	// streaming frame parser state
	parser frameParser
	// 分片累积缓冲区, 尾部为控制帧区域
	// fragment accumulator, the suffix is the control frame region
	fragmentBuffer *bytes.Buffer
	// 缓冲区尾部被进行中的控制帧占用的字节数
	// bytes of the buffer suffix occupied by an in-progress control frame
	controlTipLength int
	// 压缩状态
	compressionStatus uint8
	// 每连接的滑动窗口压缩上下文, 仅在分组协商了滑动窗口时存在
	// per-connection sliding deflate context, present iff the group negotiated a sliding window
	slidingDeflate *compressor
	// 出站/入站滑动窗口字典
	// outbound/inbound sliding window dictionaries
	cpsWindow slideWindow
	dpsWindow slideWindow
	// 发出Ping后置位, 任何入站字节都会清除
	// set when a ping is sent, cleared by any inbound byte
	hasOutstandingPong bool

	// 本端已经发起关闭握手
	// the close handshake was started from this side
	shuttingDown uint32
	// 终态标志
	// terminal flag
	closed uint32

	// 线程安全模式下保护对外方法
	// guards the externally callable methods in thread safe mode
	mu         sync.Mutex
	threadSafe bool
	// 有序发送队列
	// ordered write queue
	wq writeQueue

	// 会话存储
	// session storage
	ss SessionStorage
	// 跨Transfer保留的用户数据
	// user data, the only correlation that survives Transfer
	userData any
}

func (c *Conn) lock() {
	if c.threadSafe {
		c.mu.Lock()
	}
}

func (c *Conn) unlock() {
	if c.threadSafe {
		c.mu.Unlock()
	}
}

func (c *Conn) isClosed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) isShuttingDown() bool {
	return atomic.LoadUint32(&c.shuttingDown) == 1
}

// ID 返回连接标识
// returns the connection identity
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Group 返回当前所属分组
// returns the current owning group
func (c *Conn) Group() *Group {
	return c.group
}

// Subprotocol 握手协商的子协议
// the subprotocol echoed during the handshake
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Session 会话存储
// session storage
func (c *Conn) Session() SessionStorage {
	return c.ss
}

// SetUserData 设置用户数据
// Transfer期间连接不可用, userData是唯一保证的关联标识
// the connection is invalid while a Transfer is in flight, userData is the only guaranteed correlation
func (c *Conn) SetUserData(v any) {
	c.userData = v
}

// UserData 返回用户数据
// returns the user data
func (c *Conn) UserData() any {
	return c.userData
}

func (c *Conn) logger() Logger {
	return c.group.option.Logger
}

// fragmentLen 数据分片区域的长度, 不含控制帧区域
// length of the data fragment region, excluding the control frame region
func (c *Conn) fragmentLen() int {
	if c.fragmentBuffer == nil {
		return 0
	}
	return c.fragmentBuffer.Len() - c.controlTipLength
}

func (c *Conn) fragBuffer() *bytes.Buffer {
	if c.fragmentBuffer == nil {
		c.fragmentBuffer = binaryPool.Get(1024)
	}
	return c.fragmentBuffer
}

// handleFragment 协议重组器
// protocol reassembler
// 返回true表示停止继续消费字节(连接已关闭或正在关闭)
// returns true to stop further consumption (the connection closed or is shutting down)
func (c *Conn) handleFragment(data []byte, remaining uint64, opcode Opcode, fin bool) bool {
	if opcode.isDataFrame() {
		return c.handleData(data, remaining, opcode, fin)
	}
	return c.handleControlSlice(data, remaining, opcode, fin)
}

func (c *Conn) handleData(data []byte, remaining uint64, opcode Opcode, fin bool) bool {
	// fast path: a whole unfragmented message in one slice, delivered without copying
	if remaining == 0 && fin && c.fragmentLen() == 0 {
		var msg = &Message{Opcode: opcode, Data: bytes.NewBuffer(data)}
		if c.compressionStatus == compressionCompressedFrame {
			c.compressionStatus = compressionEnabled
			buf, err := c.inflate(data)
			if err != nil {
				c.emitProtocolError(err)
				return true
			}
			msg.Data, msg.pooled = buf, true
		}
		return c.dispatch(msg)
	}

	c.fragBuffer().Write(data)
	if max := c.group.option.MaxPayload; max > 0 && c.fragmentLen() > max {
		c.emitProtocolError(ErrMessageTooLarge)
		return true
	}
	if remaining == 0 && fin {
		var msg = &Message{Opcode: opcode, pooled: true}
		if c.compressionStatus == compressionCompressedFrame {
			c.compressionStatus = compressionEnabled
			buf, err := c.inflate(c.fragmentBuffer.Bytes())
			if err != nil {
				c.emitProtocolError(err)
				return true
			}
			binaryPool.Put(c.fragmentBuffer)
			c.fragmentBuffer = nil
			msg.Data = buf
		} else {
			// hand the accumulator to the message, a fresh one is fetched on demand
			msg.Data = c.fragmentBuffer
			c.fragmentBuffer = nil
		}
		return c.dispatch(msg)
	}
	return c.isClosed() || c.isShuttingDown()
}

func (c *Conn) handleControlSlice(data []byte, remaining uint64, opcode Opcode, fin bool) bool {
	if remaining == 0 && fin && c.controlTipLength == 0 {
		return c.handleControl(opcode, data)
	}

	// the control frame arrived sliced, accumulate it behind the data fragments
	c.fragBuffer().Write(data)
	c.controlTipLength += len(data)
	if remaining == 0 && fin {
		var b = c.fragmentBuffer.Bytes()
		var tip = b[len(b)-c.controlTipLength:]
		var n = len(b) - c.controlTipLength
		stop := c.handleControl(opcode, tip)
		c.fragmentBuffer.Truncate(n)
		c.controlTipLength = 0
		return stop
	}
	return false
}

func (c *Conn) handleControl(opcode Opcode, payload []byte) bool {
	switch opcode {
	case OpcodeCloseConnection:
		code, reason := parseClosePayload(payload)
		c.closeWith(code, reason)
		return true
	case OpcodePing:
		c.send(OpcodePong, payload, nil, nil, false)
		c.group.handler.OnPing(c, payload)
	case OpcodePong:
		c.group.handler.OnPong(c, payload)
	}
	return c.isClosed() || c.isShuttingDown()
}

// dispatch 校验文本编码并派发消息
// validates the text encoding and dispatches the message
func (c *Conn) dispatch(msg *Message) bool {
	if msg.Opcode == OpcodeText && !internal.CheckEncoding(uint8(OpcodeText), msg.Bytes()) {
		c.emitProtocolError(ErrTextEncoding)
		return true
	}
	c.group.hub.metrics.message(directionIn)
	defer c.group.option.Recovery(c.logger())
	c.group.handler.OnMessage(c, msg)
	return c.isClosed() || c.isShuttingDown()
}

// inflate 解压一条完整的消息载荷
// inflates a complete message payload
func (c *Conn) inflate(p []byte) (*bytes.Buffer, error) {
	var src = binaryPool.Get(len(p) + len(internal.FlateTail))
	src.Write(p)
	var dict = internal.SelectValue(c.dpsWindow.enabled, c.dpsWindow.dict, nil)
	buf, err := c.group.hub.Inflate(src, dict, c.group.option.MaxPayload)
	binaryPool.Put(src)
	if err != nil {
		return nil, err
	}
	c.dpsWindow.Write(buf.Bytes())
	return buf, nil
}

// emitProtocolError 协议违例, 立即终结连接
// protocol violation, tears the connection down immediately
func (c *Conn) emitProtocolError(err error) {
	c.group.hub.metrics.protocolError()
	c.logger().Error("uws: connection failed:", "id="+c.id.String(), err)
	c.forceClose()
}

// forceClose 引擎发起的终结, 不发送关闭帧, 对端表现为TCP断开
// engine initiated teardown, no close frame is sent, the peer sees a bare TCP close
func (c *Conn) forceClose() {
	c.onEnd(internal.CloseAbnormalClosure.Uint16(), nil)
}

// emitWriteError 传输层写入失败
// transport level write failure
func (c *Conn) emitWriteError(err error) {
	c.logger().Error("uws: write failed:", "id="+c.id.String(), err)
	c.forceClose()
}

// onEnd 连接终结, 每条连接恰好执行一次
// terminal path, runs exactly once per connection
// 顺序: 移出分组 → OnClose → 关闭传输 → 取消未完成的发送 → 释放压缩上下文
// order: remove from group → OnClose → close transport → cancel pending sends → release compression state
func (c *Conn) onEnd(code uint16, reason []byte) {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	var g = c.group
	g.remove(c)
	g.handler.OnClose(c, code, reason)
	_ = c.transport.Close()
	c.wq.drain()
	c.slidingDeflate = nil
	c.cpsWindow = slideWindow{}
	c.dpsWindow = slideWindow{}
	g.hub.metrics.connClosed(code)
}

// Terminate 立即终止连接, 不进行关闭握手
// immediately terminates the connection, no close handshake
// 关闭代码为1006, 原因为空; 对已关闭连接调用是幂等的
// the close code is 1006 with an empty reason; idempotent on a closed connection
//
// Thread safe
func (c *Conn) Terminate() {
	c.lock()
	defer c.unlock()
	c.forceClose()
}

// Transfer 将连接转移到另一个分组
// moves the connection to another group
// 目标分组必须开启AcceptTransfers. 从调用开始到OnTransfer触发为止连接不可用,
// 跨事件循环的转移是异步的; 唯一保证的关联标识是userData
// the destination must accept transfers. The connection is invalid from the call
// until OnTransfer fires, cross loop transfers are asynchronous; the only
// guaranteed correlation is userData
//
// Thread safe
func (c *Conn) Transfer(dst *Group) error {
	c.lock()
	defer c.unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	if !dst.option.AcceptTransfers {
		return ErrTransferRefused
	}

	var src = c.group
	src.remove(c)
	if src.loop == dst.loop {
		// fast path
		c.group = dst
		dst.add(c)
		dst.hub.metrics.transfer()
		dst.handler.OnTransfer(c)
		return nil
	}
	// slow path: re-attach on the destination loop, then notify
	dst.loop.Post(func() {
		c.group = dst
		dst.add(c)
		dst.hub.metrics.transfer()
		dst.handler.OnTransfer(c)
	})
	return nil
}

// ReadLoop 从劫持的读端循环读取字节并送入协议引擎, 直到连接关闭或读取出错
// pumps bytes from the hijacked read side into the protocol engine until the
// connection closes or the read fails
func (c *Conn) ReadLoop() {
	if c.br == nil {
		return
	}
	var p = make([]byte, c.group.option.ReadBufferSize)
	for {
		n, err := c.br.Read(p)
		if n > 0 {
			c.Feed(p[:n])
		}
		if c.isClosed() {
			return
		}
		if err != nil {
			c.forceClose()
			return
		}
	}
}
