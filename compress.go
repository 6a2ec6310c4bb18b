package uws

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/uwsgo/uws/internal"
)

func newCompressor(level int) *compressor {
	fw, _ := flate.NewWriter(nil, level)
	return &compressor{fw: fw}
}

// 压缩器
// compressor
type compressor struct {
	fw *flate.Writer
}

// Compress 压缩content追加到buf, 并剥离结尾的同步标记
// compresses content into buf and strips the trailing sync marker
// 剥离0x00 0x00 0xff 0xff后即为permessage-deflate的线上形式
// stripping 0x00 0x00 0xff 0xff yields the permessage-deflate on-wire form
func (c *compressor) Compress(content []byte, buf *bytes.Buffer, dict []byte) error {
	c.fw.ResetDict(buf, dict)
	if err := internal.WriteN(c.fw, content); err != nil {
		return err
	}
	if err := c.fw.Flush(); err != nil {
		return err
	}
	if n := buf.Len(); n >= 4 {
		if tail := buf.Bytes()[n-4:]; binary.BigEndian.Uint32(tail) == math.MaxUint16 {
			buf.Truncate(n - 4)
		}
	}
	return nil
}

func newDecompressor() *decompressor {
	return &decompressor{fr: flate.NewReader(nil)}
}

// 解压器
// decompressor
type decompressor struct {
	fr io.ReadCloser
}

// Decompress 解压payload
// inflates the payload
// 先补回同步标记和终止块, 再交给flate; maxPayload限制解压后的体积
// the sync marker and a final block are appended before handing off to flate;
// maxPayload caps the inflated size
func (c *decompressor) Decompress(payload *bytes.Buffer, dict []byte, maxPayload int) (*bytes.Buffer, error) {
	_, _ = payload.Write(internal.FlateTail)
	resetter := c.fr.(flate.Resetter)
	if err := resetter.Reset(payload, dict); err != nil {
		return nil, err
	}

	var buf = binaryPool.Get(2 * payload.Len())
	if maxPayload > 0 {
		n, err := io.Copy(buf, io.LimitReader(c.fr, int64(maxPayload)+1))
		if err != nil {
			binaryPool.Put(buf)
			return nil, err
		}
		if n > int64(maxPayload) {
			binaryPool.Put(buf)
			return nil, ErrMessageTooLarge
		}
		return buf, nil
	}
	if _, err := io.Copy(buf, c.fr); err != nil {
		binaryPool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// slideWindow 滑动窗口字典
// sliding window dictionary
// 跨消息保留最近的明文字节, 作为下一条消息的压缩字典
// keeps the most recent plaintext bytes across messages, used as the dictionary of the next message
type slideWindow struct {
	enabled bool
	dict    []byte
}

func (c *slideWindow) initialize() {
	c.enabled = true
	c.dict = make([]byte, 0, internal.SlideWindowSize)
}

func (c *slideWindow) Write(p []byte) (int, error) {
	if !c.enabled {
		return 0, nil
	}
	var total = len(p)
	if total >= internal.SlideWindowSize {
		c.dict = append(c.dict[:0], p[total-internal.SlideWindowSize:]...)
		return total, nil
	}
	if overflow := len(c.dict) + total - internal.SlideWindowSize; overflow > 0 {
		n := copy(c.dict, c.dict[overflow:])
		c.dict = c.dict[:n]
	}
	c.dict = append(c.dict, p...)
	return total, nil
}

// Hub 进程或事件循环级别的共享压缩上下文与指标
// process or loop scoped holder of shared compression contexts and metrics
// 共享上下文在每条消息后重置, 不跨消息保留窗口;
// 协商了滑动窗口的连接使用自己的上下文, 不经过这里的压缩路径
// the shared contexts reset per message; connections with a negotiated sliding
// window use their own context instead of the shared deflate path
type Hub struct {
	mu      sync.Mutex
	cps     *compressor
	dps     *decompressor
	metrics *Metrics
}

type HubOption struct {
	// CompressLevel 压缩级别, 如flate.BestSpeed
	// compression level, e.g. flate.BestSpeed
	CompressLevel int

	// Metrics 可选的指标, nil表示不采集
	// optional metrics, nil disables collection
	Metrics *Metrics
}

func initHubOption(c *HubOption) *HubOption {
	if c == nil {
		c = new(HubOption)
	}
	if c.CompressLevel == 0 {
		c.CompressLevel = flate.BestSpeed
	}
	return c
}

// NewHub 创建Hub
// creates a hub
func NewHub(option *HubOption) *Hub {
	option = initHubOption(option)
	return &Hub{
		cps:     newCompressor(option.CompressLevel),
		dps:     newDecompressor(),
		metrics: option.Metrics,
	}
}

// Metrics 返回指标, 可能为nil
// returns the metrics, may be nil
func (c *Hub) Metrics() *Metrics {
	return c.metrics
}

// Deflate 压缩content追加到buf
// sliding不为nil时使用连接自有的滑动窗口上下文, 否则使用共享上下文
// uses the connection owned sliding context when sliding is non-nil, the shared context otherwise
func (c *Hub) Deflate(content []byte, buf *bytes.Buffer, sliding *compressor, dict []byte) error {
	if sliding != nil {
		return sliding.Compress(content, buf, dict)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cps.Compress(content, buf, nil)
}

// Inflate 解压payload, maxPayload限制解压后的体积
// inflates the payload, maxPayload caps the inflated size
func (c *Hub) Inflate(payload *bytes.Buffer, dict []byte, maxPayload int) (*bytes.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dps.Decompress(payload, dict, maxPayload)
}
