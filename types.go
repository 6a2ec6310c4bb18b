package uws

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"unsafe"

	"github.com/uwsgo/uws/internal"
)

const frameHeaderSize = internal.FrameHeaderSize

// binaryPool 全局内存池
// global buffer pool
var binaryPool = internal.NewBufferPool(128, 256*1024)

// Opcode 操作码
type Opcode uint8

const (
	OpcodeContinuation    Opcode = 0x0 // 继续
	OpcodeText            Opcode = 0x1 // 文本
	OpcodeBinary          Opcode = 0x2 // 二进制
	OpcodeCloseConnection Opcode = 0x8 // 关闭
	OpcodePing            Opcode = 0x9 // 心跳探测
	OpcodePong            Opcode = 0xA // 心跳回应
)

// 判断操作码是否为数据帧
// Checks if the opcode is a data frame
func (c Opcode) isDataFrame() bool {
	return c <= OpcodeBinary
}

// 判断操作码是否为控制帧
// Checks if the opcode is a control frame
func (c Opcode) isControlFrame() bool {
	return c >= OpcodeCloseConnection
}

// CloseError 关闭错误
// close error
type CloseError struct {
	// 关闭代码, 表示关闭连接的原因
	// Close code, indicating the reason for closing the connection
	Code uint16

	// 关闭原因, 详细描述关闭的原因
	// Close reason, providing a detailed description of the closure
	Reason []byte
}

// Error 关闭错误的描述
// Returns a description of the close error
func (c *CloseError) Error() string {
	return fmt.Sprintf("uws: connection closed, code=%d, reason=%s", c.Code, string(c.Reason))
}

var (
	// ErrConnClosed 连接已关闭
	// Connection closed
	ErrConnClosed = net.ErrClosed

	// ErrHandshake 握手错误, 请求头未通过校验
	// Handshake error, request header does not pass checksum
	ErrHandshake = errors.New("uws: handshake error")

	// ErrSubprotocolNegotiation 子协议协商失败
	// Sub-protocol negotiation failed
	ErrSubprotocolNegotiation = errors.New("uws: sub-protocol negotiation failed")

	// ErrTextEncoding 文本消息编码错误(必须是utf8编码)
	// Text message encoding error (must be utf8)
	ErrTextEncoding = errors.New("uws: invalid text encoding")

	// ErrMessageTooLarge 消息体积过大
	// message is too large
	ErrMessageTooLarge = errors.New("uws: message too large")

	// ErrTransferRefused 目标分组未开启转移接收
	// destination group does not accept transfers
	ErrTransferRefused = errors.New("uws: group does not accept transfers")
)

// SendCallback 消息发送完成回调
// completion callback of an outbound message
// 连接关闭导致消息被取消时, cancelled为true; 在关闭清空队列期间触发时socket为nil
// cancelled is true when the message got dropped by a closing connection;
// socket is nil when fired while draining the queue of a closed connection
type SendCallback func(socket *Conn, userData any, cancelled bool)

// Event 分组事件处理器
// group event handler
type Event interface {
	// OnOpen 建立连接事件
	// WebSocket connection was successfully established
	OnOpen(socket *Conn)

	// OnMessage 消息事件
	// 一条完整的数据消息(分片已重组, 压缩已解开)
	// a complete data message, fragments reassembled and payload inflated
	OnMessage(socket *Conn, message *Message)

	// OnPing 心跳探测事件
	// 引擎已经先行回复了Pong帧
	// the engine has already queued the answering pong frame
	OnPing(socket *Conn, payload []byte)

	// OnPong 心跳响应事件
	// Received a pong frame
	OnPong(socket *Conn, payload []byte)

	// OnClose 连接断开事件, 每条连接的生命周期内恰好触发一次
	// fired exactly once per connection lifetime
	OnClose(socket *Conn, code uint16, reason []byte)

	// OnTransfer 连接转移完成事件, 在目标分组的事件循环上触发
	// fired on the destination group once a transferred connection has been attached
	OnTransfer(socket *Conn)
}

// BuiltinEventHandler 空实现
type BuiltinEventHandler struct{}

func (b BuiltinEventHandler) OnOpen(socket *Conn) {}

func (b BuiltinEventHandler) OnMessage(socket *Conn, message *Message) {}

func (b BuiltinEventHandler) OnPing(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnPong(socket *Conn, payload []byte) {}

func (b BuiltinEventHandler) OnClose(socket *Conn, code uint16, reason []byte) {}

func (b BuiltinEventHandler) OnTransfer(socket *Conn) {}

// Message 数据消息
type Message struct {
	// 缓冲区是否来自内存池
	// whether the buffer came from the pool
	pooled bool

	// 操作码
	// opcode of the message
	Opcode Opcode

	// 消息内容
	// content of the message
	// 快速路径的消息直接引用读缓冲区, 回调返回后不得继续持有
	// fast path messages reference the read buffer directly, do not retain it after the callback returns
	Data *bytes.Buffer
}

// Read 从消息中读取数据到给定的字节切片 p 中
// Reads data from the message into the given byte slice p
func (c *Message) Read(p []byte) (n int, err error) {
	return c.Data.Read(p)
}

// Bytes 返回消息的数据缓冲区的字节切片
// Returns the byte slice of the message's data buffer
func (c *Message) Bytes() []byte {
	return c.Data.Bytes()
}

// Close 关闭消息, 回收资源
// Close message, recycling resources
func (c *Message) Close() error {
	if c.pooled {
		binaryPool.Put(c.Data)
	}
	c.Data = nil
	return nil
}

// Logger 日志接口
// Logger interface
type Logger interface {
	// Error 打印错误日志
	// Printing the error log
	Error(v ...any)
}

// slog标准结构化日志
// standard structured logging
type slogLogger struct {
	logger *slog.Logger
}

func (c *slogLogger) Error(v ...any) {
	c.logger.Error(fmt.Sprint(v...))
}

var defaultLogger Logger = &slogLogger{logger: slog.Default()}

// Recovery 异常恢复, 并记录错误信息
// Exception recovery with logging of error messages
func Recovery(logger Logger) {
	if e := recover(); e != nil {
		const size = 64 << 10
		buf := make([]byte, size)
		buf = buf[:runtime.Stack(buf, false)]
		msg := *(*string)(unsafe.Pointer(&buf))
		logger.Error("fatal error:", e, msg)
	}
}
