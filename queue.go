package uws

import (
	"bytes"
	"net"

	"github.com/eapache/queue"
)

// Transport 连接底层的字节出口
// the byte sink under a connection
// TCP/TLS套接字与事件循环不属于协议核心, 通过该接口协作
// sockets and the event loop are external collaborators reached through this interface
type Transport interface {
	// Write 尽力写入p, 允许无错误的部分写入
	// best effort write, a partial write without error is allowed
	Write(p []byte) (int, error)

	// Shutdown 半关闭写方向
	// half closes the write side
	Shutdown() error

	// Close 关闭传输
	// closes the transport
	Close() error
}

// pendingMessage 待发送的缓冲区及其完成回调
// a pending outbound buffer and its completion callback
type pendingMessage struct {
	frame    *bytes.Buffer
	offset   int
	shared   bool // broadcast frames are shared between queues and never pooled here
	callback SendCallback
	userData any
}

// writeQueue 有序发送队列
// ordered write queue
// 同一条连接上先后send产生的字节按调用顺序出现在传输层上;
// 引擎自己发出的控制帧走同一个队列, 与应用消息保持相对顺序
// bytes of successive sends appear on the transport in call order; control
// frames produced by the engine share the queue and keep their relative order
type writeQueue struct {
	q *queue.Queue
}

func newWriteQueue() writeQueue {
	return writeQueue{q: queue.New()}
}

func (c *writeQueue) empty() bool {
	return c.q.Length() == 0
}

// push 入队并尝试立即冲刷
// 传输层同步写完时, 回调在返回前以cancelled=false触发
// enqueues and attempts an immediate flush; if the transport drained the buffer
// synchronously the callback fires with cancelled=false before returning
func (c *writeQueue) push(conn *Conn, m *pendingMessage) {
	c.q.Add(m)
	if c.q.Length() == 1 {
		c.flush(conn)
	}
}

// flush 依次写出队头缓冲区
// 部分写入时保留剩余字节, 等待下一次可写信号
// writes out the queue head; a partial write retains the rest until the next
// writability signal
func (c *writeQueue) flush(conn *Conn) {
	for c.q.Length() > 0 {
		var m = c.q.Peek().(*pendingMessage)
		var b = m.frame.Bytes()
		if m.offset < len(b) {
			n, err := conn.transport.Write(b[m.offset:])
			m.offset += n
			if err != nil {
				conn.emitWriteError(err)
				return
			}
			if m.offset < len(b) {
				return
			}
		}
		c.q.Remove()
		if m.callback != nil {
			m.callback(conn, m.userData, false)
		}
		if !m.shared {
			binaryPool.Put(m.frame)
		}
	}
}

// drain 清空队列, 对每条未完成的消息以cancelled=true触发回调
// 回调收到的socket为nil
// cancels every pending message; callbacks receive a nil socket
func (c *writeQueue) drain() {
	for c.q.Length() > 0 {
		var m = c.q.Remove().(*pendingMessage)
		if m.callback != nil {
			m.callback(nil, m.userData, true)
		}
		if !m.shared {
			binaryPool.Put(m.frame)
		}
	}
}

// OnWritable 传输层可写信号, 继续冲刷发送队列
// writability signal from the transport, resumes draining the queue
//
// Thread safe
func (c *Conn) OnWritable() {
	c.lock()
	defer c.unlock()
	if c.isClosed() {
		return
	}
	c.wq.flush(c)
}

// NewNetTransport 将net.Conn适配为Transport
// adapts a net.Conn to the Transport interface
func NewNetTransport(conn net.Conn) Transport {
	return &netTransport{conn: conn}
}

type netTransport struct {
	conn net.Conn
}

func (c *netTransport) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

func (c *netTransport) Shutdown() error {
	if v, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return v.CloseWrite()
	}
	return nil
}

func (c *netTransport) Close() error {
	return c.conn.Close()
}
