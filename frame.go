package uws

import (
	"encoding/binary"

	"github.com/uwsgo/uws/internal"
)

type frameHeader [frameHeaderSize]byte

// GetFIN 返回 FIN 位的值
// Returns the value of the FIN bit
func (c *frameHeader) GetFIN() bool {
	return ((*c)[0] >> 7) == 1
}

// GetRSV1 返回 RSV1 位的值
// Returns the value of the RSV1 bit
func (c *frameHeader) GetRSV1() bool {
	return ((*c)[0] << 1 >> 7) == 1
}

// GetRSV2 返回 RSV2 位的值
// Returns the value of the RSV2 bit
func (c *frameHeader) GetRSV2() bool {
	return ((*c)[0] << 2 >> 7) == 1
}

// GetRSV3 返回 RSV3 位的值
// Returns the value of the RSV3 bit
func (c *frameHeader) GetRSV3() bool {
	return ((*c)[0] << 3 >> 7) == 1
}

// GetOpcode 返回操作码
// Returns the opcode
func (c *frameHeader) GetOpcode() Opcode {
	return Opcode((*c)[0] << 4 >> 4)
}

// GetMask 返回掩码标志位
// Returns the value of the mask bit
func (c *frameHeader) GetMask() bool {
	return ((*c)[1] >> 7) == 1
}

// GetLengthCode 返回长度代码
// Returns the length code
func (c *frameHeader) GetLengthCode() uint8 {
	return (*c)[1] << 1 >> 1
}

// SetLength 设置帧的长度, 并返回偏移量
// Sets the frame length and returns the offset
func (c *frameHeader) SetLength(n uint64) (offset int) {
	if n <= internal.ThresholdV1 {
		(*c)[1] += uint8(n)
		return 0
	} else if n <= internal.ThresholdV2 {
		(*c)[1] += 126
		binary.BigEndian.PutUint16((*c)[2:4], uint16(n))
		return 2
	} else {
		(*c)[1] += 127
		binary.BigEndian.PutUint64((*c)[2:10], n)
		return 8
	}
}

// GenerateHeader 生成帧头
// Generates a frame header
// 客户端角色会追加4字节掩码, 服务端角色不使用掩码
// the client role appends the 4 byte masking key, the server role never masks
func (c *frameHeader) GenerateHeader(isServer bool, fin bool, compress bool, opcode Opcode, length int) (headerLength int, maskBytes []byte) {
	headerLength = 2
	var b0 = uint8(opcode)
	if fin {
		b0 += 128
	}
	if compress {
		b0 += 64
	}
	(*c)[0] = b0
	headerLength += c.SetLength(uint64(length))

	if !isServer {
		(*c)[1] |= 128
		key := internal.NewMaskKey()
		copy((*c)[headerLength:headerLength+4], key[0:])
		maskBytes = (*c)[headerLength : headerLength+4]
		headerLength += 4
	}
	return
}

// formatClosePayload 写入2字节大端状态码和最多123字节的UTF-8原因
// writes the 2 byte big endian status code followed by at most 123 bytes of reason
// code为0时写入空载荷
// a zero code yields an empty payload
func formatClosePayload(code uint16, reason []byte) []byte {
	if code == 0 {
		return nil
	}
	n := internal.Clamp(len(reason), internal.MaxCloseReason)
	p := make([]byte, 2+n)
	binary.BigEndian.PutUint16(p[0:2], code)
	copy(p[2:], reason[:n])
	return p
}

// parseClosePayload 解析关闭帧载荷
// parses a close frame payload
// 载荷不足2字节时返回1005(无状态码)
// a payload shorter than 2 bytes yields 1005 (no status received)
func parseClosePayload(p []byte) (code uint16, reason []byte) {
	if len(p) < 2 {
		return internal.CloseNoStatusReceived.Uint16(), nil
	}
	return binary.BigEndian.Uint16(p[0:2]), p[2:]
}
