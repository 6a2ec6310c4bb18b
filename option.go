package uws

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/klauspost/compress/flate"
)

// 拓展选项位集
// extension options bitset
const (
	// OptionPermessageDeflate 启用permessage-deflate压缩
	// enables permessage-deflate compression
	OptionPermessageDeflate uint32 = 1

	// OptionSlidingDeflateWindow 压缩上下文跨消息保留(上下文接管)
	// 换来更好的压缩率, 代价是每条连接的内存
	// the compression context persists across messages (context takeover),
	// better ratios at the cost of per connection memory
	OptionSlidingDeflateWindow uint32 = 16
)

const (
	defaultMaxPayload       = 16 * 1024 * 1024
	defaultReadBufferSize   = 4 * 1024
	defaultHandshakeTimeout = 5 * time.Second
)

// GroupOption 分组配置
// group configuration
type GroupOption struct {
	// Extensions 拓展选项位集
	// extension options bitset
	Extensions uint32

	// PermessageDeflate 等价于设置OptionPermessageDeflate位, 便于环境变量装载
	// equivalent to the OptionPermessageDeflate bit, for env loading
	PermessageDeflate bool `env:"UWS_PERMESSAGE_DEFLATE"`

	// SlidingDeflateWindow 等价于设置OptionSlidingDeflateWindow位
	// equivalent to the OptionSlidingDeflateWindow bit
	SlidingDeflateWindow bool `env:"UWS_SLIDING_DEFLATE_WINDOW"`

	// MaxPayload 单条消息的最大载荷(解压后), 小于等于0时使用默认值16MiB
	// maximum payload of one message after inflation, 0 or less selects the 16 MiB default
	MaxPayload int `env:"UWS_MAX_PAYLOAD"`

	// CompressLevel 压缩级别, 如flate.BestSpeed
	// compression level, e.g. flate.BestSpeed
	CompressLevel int `env:"UWS_COMPRESS_LEVEL"`

	// ReadBufferSize ReadLoop的读缓冲区大小
	// read buffer size of ReadLoop
	ReadBufferSize int `env:"UWS_READ_BUFFER_SIZE"`

	// ThreadSafe 对外方法加锁, 允许从事件循环之外调用
	// guards the externally callable methods, allows calls from outside the loop
	ThreadSafe bool `env:"UWS_THREAD_SAFE"`

	// AcceptTransfers 允许其它分组向本分组转移连接
	// allows other groups to transfer connections into this group
	AcceptTransfers bool `env:"UWS_ACCEPT_TRANSFERS"`

	// Logger 日志工具
	// logger
	Logger Logger

	// Recovery 消息回调的异常恢复函数, 默认不恢复
	// panic guard around the message callback, no recovery by default
	Recovery func(logger Logger)
}

func initGroupOption(c *GroupOption) *GroupOption {
	if c == nil {
		c = new(GroupOption)
	}
	if c.PermessageDeflate {
		c.Extensions |= OptionPermessageDeflate
	}
	if c.SlidingDeflateWindow {
		c.Extensions |= OptionSlidingDeflateWindow
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaultMaxPayload
	}
	if c.CompressLevel == 0 {
		c.CompressLevel = flate.BestSpeed
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}
	if c.Recovery == nil {
		c.Recovery = func(logger Logger) {}
	}
	return c
}

// GroupOptionFromEnv 从环境变量装载分组配置
// loads the group configuration from environment variables
func GroupOptionFromEnv() (*GroupOption, error) {
	var option GroupOption
	if err := env.Parse(&option); err != nil {
		return nil, err
	}
	return initGroupOption(&option), nil
}

// permessageDeflateResponse 握手回复的拓展参数
// the extension parameters echoed during the handshake
// 滑动窗口模式保留上下文接管; 否则双向禁用接管
// the sliding window mode keeps context takeover, otherwise takeover is disabled both ways
func (c *GroupOption) permessageDeflateResponse() string {
	if c.Extensions&OptionSlidingDeflateWindow != 0 {
		return "permessage-deflate"
	}
	return "permessage-deflate; server_no_context_takeover; client_no_context_takeover"
}

// ServerOption 握手与监听配置
// handshake and listener configuration
type ServerOption struct {
	// Addr 监听地址
	// listen address
	Addr string `env:"UWS_ADDR" envDefault:":8080"`

	// HandshakeTimeout 握手读取超时
	// handshake read deadline
	HandshakeTimeout time.Duration `env:"UWS_HANDSHAKE_TIMEOUT"`
}

func initServerOption(c *ServerOption) *ServerOption {
	if c == nil {
		c = new(ServerOption)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// ServerOptionFromEnv 从环境变量装载服务配置
// loads the server configuration from environment variables
func ServerOptionFromEnv() (*ServerOption, error) {
	var option ServerOption
	if err := env.Parse(&option); err != nil {
		return nil, err
	}
	return initServerOption(&option), nil
}
