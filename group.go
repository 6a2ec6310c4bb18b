package uws

import (
	"bytes"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/uwsgo/uws/internal"
)

// Group 连接分组
// connection group
// 分组内的连接绑定到同一个事件循环, 共享一套事件处理器;
// 连接可以在分组之间转移, 包括跨事件循环
// a cohort of connections bound to one event loop, sharing a handler set;
// connections can move between groups, including across loops
type Group struct {
	loop    *Loop
	hub     *Hub
	option  *GroupOption
	handler Event
	conns   *ConcurrentMap[uuid.UUID, *Conn]
}

// NewGroup 创建分组
// creates a group
func NewGroup(hub *Hub, loop *Loop, handler Event, option *GroupOption) *Group {
	if handler == nil {
		handler = BuiltinEventHandler{}
	}
	return &Group{
		loop:    loop,
		hub:     hub,
		option:  initGroupOption(option),
		handler: handler,
		conns:   NewConcurrentMap[uuid.UUID, *Conn](16),
	}
}

// Loop 分组绑定的事件循环
// the loop this group is bound to
func (c *Group) Loop() *Loop {
	return c.loop
}

// Hub 分组的Hub
// the group's hub
func (c *Group) Hub() *Hub {
	return c.hub
}

// Len 分组内的连接数
// number of connections in the group
func (c *Group) Len() int {
	return c.conns.Len()
}

// Attach 在分组内注册一条新连接
// registers a new connection in the group
// perMessageDeflate为握手协商的结果; isServer决定掩码方向.
// OnOpen不会在这里触发, 握手层在101响应入队后触发它
// perMessageDeflate is the handshake negotiation result; isServer decides the
// masking direction. OnOpen is not fired here, handshake layers fire it once the
// upgrade response has been queued
func (c *Group) Attach(t Transport, isServer bool, perMessageDeflate bool) *Conn {
	socket := &Conn{
		id:         uuid.New(),
		isServer:   isServer,
		transport:  t,
		group:      c,
		threadSafe: c.option.ThreadSafe,
		wq:         newWriteQueue(),
		ss:         NewMap(),
	}
	if perMessageDeflate {
		socket.compressionStatus = compressionEnabled
		if c.option.Extensions&OptionSlidingDeflateWindow != 0 {
			socket.slidingDeflate = newCompressor(c.option.CompressLevel)
			socket.cpsWindow.initialize()
			socket.dpsWindow.initialize()
		}
	}
	c.add(socket)
	c.hub.metrics.connOpened()
	return socket
}

func (c *Group) add(socket *Conn) {
	c.conns.Store(socket.id, socket)
}

func (c *Group) remove(socket *Conn) {
	c.conns.Delete(socket.id)
}

// Range 遍历分组内的连接
// iterates the connections of the group
// 先对成员做快照, 回调里可以安全地关闭或转移连接
// takes a snapshot first, the callback may safely close or transfer connections
func (c *Group) Range(f func(socket *Conn) bool) {
	var sockets = make([]*Conn, 0, c.conns.Len())
	c.conns.Range(func(_ uuid.UUID, socket *Conn) bool {
		sockets = append(sockets, socket)
		return true
	})
	for _, socket := range sockets {
		if !f(socket) {
			return
		}
	}
}

// Broadcast 向分组内的所有连接广播一条消息
// broadcasts a message to every connection of the group
// 每种连接角色的消息至多压缩一次
// the payload is compressed at most once per connection role
func (c *Group) Broadcast(opcode Opcode, payload []byte) {
	var b = NewBroadcaster(opcode, payload)
	c.Range(func(socket *Conn) bool {
		_ = b.Broadcast(socket)
		return true
	})
	_ = b.Close()
}

// PingAll 向分组内的所有连接发送Ping
// 上一轮Ping之后没有任何入站字节的连接会被直接终止
// sends a ping to every connection; peers that produced no inbound bytes since
// the previous round are terminated
func (c *Group) PingAll(payload []byte) {
	c.Range(func(socket *Conn) bool {
		if socket.hasOutstandingPong {
			socket.Terminate()
			return true
		}
		socket.WritePing(payload)
		return true
	})
}

// CloseAll 关闭分组内的所有连接
// closes every connection of the group
func (c *Group) CloseAll(code uint16, reason []byte) {
	c.Range(func(socket *Conn) bool {
		socket.Close(code, reason)
		return true
	})
}

type (
	// Broadcaster 广播器
	// 相比循环调用Send, 消息只会压缩一次, 可以节省大量CPU开销
	// compresses the message only once instead of per connection, saving a lot of CPU
	Broadcaster struct {
		opcode  Opcode
		payload []byte
		// 按角色与压缩状态各缓存一种帧
		// one cached frame per role and compression combination
		msgs  [4]*broadcastMessageWrapper
		state int64
	}

	broadcastMessageWrapper struct {
		once  sync.Once
		err   error
		frame *bytes.Buffer
	}
)

// NewBroadcaster 创建广播器
// creates a broadcaster
func NewBroadcaster(opcode Opcode, payload []byte) *Broadcaster {
	return &Broadcaster{
		opcode:  opcode,
		payload: payload,
		msgs:    [4]*broadcastMessageWrapper{{}, {}, {}, {}},
		state:   int64(math.MaxInt32),
	}
}

// Broadcast 向一条连接发送广播消息
// sends the broadcast message to one connection
// 广播帧不使用滑动窗口字典, 保证每条连接收到相同的字节
// broadcast frames never use the sliding dictionary, every connection receives identical bytes
func (c *Broadcaster) Broadcast(socket *Conn) error {
	var idx = 0
	if !socket.isServer {
		idx |= 1
	}
	var compress = socket.compressionStatus == compressionEnabled
	if compress {
		idx |= 2
	}
	var msg = c.msgs[idx]
	msg.once.Do(func() {
		msg.frame, msg.err = socket.genBroadcastFrame(c.opcode, c.payload, compress)
	})
	if msg.err != nil {
		return msg.err
	}

	socket.lock()
	defer socket.unlock()
	if socket.isClosed() {
		return ErrConnClosed
	}
	atomic.AddInt64(&c.state, 1)
	socket.group.hub.metrics.message(directionOut)
	socket.wq.push(socket, &pendingMessage{frame: msg.frame, shared: true, callback: func(_ *Conn, _ any, _ bool) {
		if atomic.AddInt64(&c.state, -1) == 0 {
			c.doClose()
		}
	}})
	// the peer's inflate window sees the broadcast too, keep the dictionary in sync
	if compress {
		socket.cpsWindow.Write(c.payload)
	}
	return nil
}

// 释放资源
// releases resources
func (c *Broadcaster) doClose() {
	for _, item := range c.msgs {
		if item.frame != nil {
			binaryPool.Put(item.frame)
		}
	}
}

// Close 释放资源
// 在完成所有Broadcast调用之后执行Close方法释放资源
// call Close after all Broadcast calls have been issued to release the resources
func (c *Broadcaster) Close() error {
	if atomic.AddInt64(&c.state, -1*math.MaxInt32) == 0 {
		c.doClose()
	}
	return nil
}

// genBroadcastFrame 生成广播帧, 不使用字典, 不更新滑动窗口
// generates a broadcast frame without touching any dictionary state
// 掩码方向由连接的角色决定, 客户端角色的广播帧共用一个掩码
// the masking direction follows the connection's role, client role broadcast
// frames share one masking key
func (c *Conn) genBroadcastFrame(opcode Opcode, payload []byte, compress bool) (*bytes.Buffer, error) {
	var n = len(payload)
	var buf = binaryPool.Get(n + frameHeaderSize)
	buf.Write(framePadding[0:])

	if compress {
		if err := c.group.hub.Deflate(payload, buf, nil, nil); err != nil {
			binaryPool.Put(buf)
			return nil, err
		}
		n = buf.Len() - frameHeaderSize
	} else {
		buf.Write(payload)
	}

	var header = frameHeader{}
	headerLength, maskBytes := header.GenerateHeader(c.isServer, true, compress, opcode, n)
	var contents = buf.Bytes()
	if !c.isServer {
		internal.MaskXOR(contents[frameHeaderSize:], maskBytes, 0)
	}
	var m = frameHeaderSize - headerLength
	copy(contents[m:], header[:headerLength])
	buf.Next(m)
	return buf, nil
}
