package internal

import (
	"bytes"
	"math/bits"
	"sync"
)

// BufferPool 按2的幂分级的缓冲区内存池
// buffer pool with power-of-two size classes
// 级别以指数索引: shards[i]服务容量为1<<(minExp+i)的缓冲区.
// 低于下限的请求由最小级别满足, 高于上限的缓冲区不回收
// classes are indexed by exponent: shards[i] serves buffers of capacity
// 1<<(minExp+i). Requests below the lower bound are served by the smallest
// class, buffers above the upper bound are never reclaimed
type BufferPool struct {
	minExp int
	maxExp int
	shards []*sync.Pool
}

// NewBufferPool 创建内存池, left和right为容量区间, 向上取整到2的幂
// creates a pool, left and right bound the capacity range, rounded up to powers of two
func NewBufferPool(left, right uint32) *BufferPool {
	var p = &BufferPool{minExp: ceilExp(left), maxExp: ceilExp(right)}
	for e := p.minExp; e <= p.maxExp; e++ {
		var capacity = 1 << e
		p.shards = append(p.shards, &sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, capacity)) },
		})
	}
	return p
}

// ceilExp 能容纳v的最小2的幂的指数
// exponent of the smallest power of two holding v
func ceilExp(v uint32) int {
	if v <= 1 {
		return 0
	}
	return bits.Len32(v - 1)
}

// Get 获取一个容量至少为n字节的空缓冲区
// fetches an empty buffer of at least n bytes capacity
func (p *BufferPool) Get(n int) *bytes.Buffer {
	var e = max(ceilExp(uint32(n)), p.minExp)
	if e > p.maxExp {
		return bytes.NewBuffer(make([]byte, 0, n))
	}
	var b = p.shards[e-p.minExp].Get().(*bytes.Buffer)
	if b.Cap() < 1<<e {
		b.Grow(1 << e)
	}
	b.Reset()
	return b
}

// Put 将缓冲区放回内存池
// 只回收容量恰好是池内级别的缓冲区, 其余交给GC
// returns a buffer to the pool; only buffers whose capacity exactly matches a
// class are reclaimed, the rest is left to the GC
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	var c = b.Cap()
	if c == 0 || c&(c-1) != 0 {
		return
	}
	var e = bits.Len32(uint32(c)) - 1
	if e < p.minExp || e > p.maxExp {
		return
	}
	p.shards[e-p.minExp].Put(b)
}
