package internal

import "math/rand"

const alphabetNumeric = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewMaskKey 生成客户端掩码
// generates a client masking key
func NewMaskKey() [4]byte {
	n := rand.Uint32()
	return [4]byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

// RandBytes 生成长度为n的随机字母数字字节切片
// generates a random alphanumeric byte slice of length n
func RandBytes(n int) []byte {
	var b = make([]byte, n)
	for i := range b {
		b[i] = alphabetNumeric[rand.Intn(len(alphabetNumeric))]
	}
	return b
}

// RandIntN 返回[0, n)范围内的随机整数
// returns a random integer in [0, n)
func RandIntN(n int) int {
	return rand.Intn(n)
}
