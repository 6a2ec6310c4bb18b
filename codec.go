package uws

import (
	"encoding/binary"

	"github.com/uwsgo/uws/internal"
)

type parserStage uint8

const (
	stageHeader parserStage = iota
	stagePayload
)

// frameParser 流式帧解析器
// streaming frame parser
// 状态跨Feed调用保留, 因此字节流可以以任意的分块边界到达
// state survives across Feed calls, so the byte stream may arrive with arbitrary chunk boundaries
type frameParser struct {
	stage     parserStage
	fh        frameHeader
	headerLen int

	// current frame
	remaining uint64
	masked    bool
	maskKey   [4]byte
	maskPos   int
	opcode    Opcode
	fin       bool

	// current message
	fragmented    bool
	messageOpcode Opcode
}

// headerSize 帧头总长度, 前2字节就绪后才可计算
// total header length, computable once the first 2 bytes arrived
func (c *frameParser) headerSize() int {
	var n = 2
	switch c.fh.GetLengthCode() {
	case 126:
		n += 2
	case 127:
		n += 8
	}
	if c.fh.GetMask() {
		n += 4
	}
	return n
}

// fillHeader 积累帧头字节, 返回消耗的字节数和帧头是否完整
// accumulates header bytes, returns the consumed count and whether the header is complete
func (c *frameParser) fillHeader(p []byte) (int, bool) {
	var consumed = 0
	if c.headerLen < 2 {
		n := copy(c.fh[c.headerLen:2], p)
		c.headerLen += n
		consumed += n
		if c.headerLen < 2 {
			return consumed, false
		}
	}
	var need = c.headerSize()
	if c.headerLen < need {
		n := copy(c.fh[c.headerLen:need], p[consumed:])
		c.headerLen += n
		consumed += n
	}
	return consumed, c.headerLen == need
}

// rearm 当前帧结束, 准备解析下一个帧头
// the current frame is done, get ready for the next header
func (c *frameParser) rearm() {
	c.stage = stageHeader
	c.headerLen = 0
	c.maskPos = 0
	c.fh = frameHeader{}
}

// Feed 将传输层收到的原始字节送入协议引擎
// feeds raw bytes received from the transport into the protocol engine
// 分块边界是任意的; 处理在连接关闭或开始关闭握手时停止
// chunk boundaries are arbitrary; processing stops once the connection is closed or shutting down
func (c *Conn) Feed(p []byte) {
	c.hasOutstandingPong = false
	if c.isClosed() || c.isShuttingDown() {
		return
	}
	for len(p) > 0 {
		n, stop := c.consumeFrame(p)
		if stop {
			return
		}
		p = p[n:]
	}
}

func (c *Conn) consumeFrame(p []byte) (int, bool) {
	var s = &c.parser
	if s.stage == stageHeader {
		n, complete := s.fillHeader(p)
		if !complete {
			return n, false
		}
		if !c.acceptHeader() {
			c.emitProtocolError(internal.CloseProtocolError)
			return n, true
		}
		if s.remaining == 0 {
			stop := c.handleFragment(nil, 0, s.opcode, s.fin)
			s.rearm()
			return n, stop
		}
		s.stage = stagePayload
		return n, false
	}

	var n = uint64(len(p))
	if n > s.remaining {
		n = s.remaining
	}
	var chunk = p[:n]
	if s.masked {
		s.maskPos = internal.MaskXOR(chunk, s.maskKey[0:], s.maskPos)
	}
	s.remaining -= n
	stop := c.handleFragment(chunk, s.remaining, s.opcode, s.fin)
	if s.remaining == 0 {
		s.rearm()
	}
	return int(n), stop
}

// acceptHeader 校验完整的帧头并装载当前帧的状态
// validates a complete frame header and loads the state of the current frame
func (c *Conn) acceptHeader() bool {
	var s = &c.parser
	var fh = &s.fh

	// RFC6455: nonzero RSV bits without a negotiated extension fail the connection
	if fh.GetRSV2() || fh.GetRSV3() {
		return false
	}

	// RFC6455: frames from client to server are masked, server to client frames are not
	s.masked = fh.GetMask()
	if s.masked != c.isServer {
		return false
	}

	var lengthCode = fh.GetLengthCode()
	var length uint64
	var offset = 2
	switch lengthCode {
	case 126:
		length = uint64(binary.BigEndian.Uint16(fh[2:4]))
		offset = 4
	case 127:
		length = binary.BigEndian.Uint64(fh[2:10])
		offset = 10
		if length>>63 == 1 {
			return false
		}
	default:
		length = uint64(lengthCode)
	}
	if s.masked {
		copy(s.maskKey[0:], fh[offset:offset+4])
		s.maskPos = 0
	}
	s.fin = fh.GetFIN()
	s.remaining = length

	var opcode = fh.GetOpcode()
	var rsv1 = fh.GetRSV1()
	if opcode.isControlFrame() {
		// RFC6455: control frames must not be fragmented and carry at most 125 bytes
		if !s.fin || lengthCode > internal.MaxControlPayload || rsv1 {
			return false
		}
		if opcode != OpcodeCloseConnection && opcode != OpcodePing && opcode != OpcodePong {
			return false
		}
		s.opcode = opcode
		return true
	}
	if opcode > OpcodeBinary {
		return false
	}

	if opcode == OpcodeContinuation {
		if !s.fragmented || rsv1 {
			return false
		}
		s.opcode = s.messageOpcode
		if s.fin {
			s.fragmented = false
		}
	} else {
		if s.fragmented {
			return false
		}
		if rsv1 {
			if c.compressionStatus != compressionEnabled {
				return false
			}
			c.compressionStatus = compressionCompressedFrame
		}
		s.opcode = opcode
		s.messageOpcode = opcode
		s.fragmented = !s.fin
	}

	// refuse a message that can never fit
	if max := c.group.option.MaxPayload; max > 0 {
		if length+uint64(c.fragmentLen()) > uint64(max) {
			return false
		}
	}
	return true
}
