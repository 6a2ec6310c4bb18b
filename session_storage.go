package uws

import (
	"sync"

	"github.com/dolthub/maphash"
)

// SessionStorage 会话存储
// session storage
type SessionStorage interface {
	Load(key string) (value any, exist bool)
	Delete(key string)
	Store(key string, value any)
	Range(f func(key string, value any) bool)
}

// NewMap 创建会话存储
// creates a session storage
func NewMap() *Map {
	return &Map{ConcurrentMap: NewConcurrentMap[string, any](4)}
}

// Map 会话存储, 分片字典的特化
// session storage, a specialization of the sharded map
type Map struct {
	*ConcurrentMap[string, any]
}

type (
	// ConcurrentMap 分片并发安全的字典
	// sharded concurrency safe map
	ConcurrentMap[K comparable, V any] struct {
		hasher   maphash.Hasher[K]
		segments uint64
		buckets  []*bucket[K, V]
	}

	bucket[K comparable, V any] struct {
		sync.RWMutex
		m map[K]V
	}
)

// NewConcurrentMap 创建并发字典, segments会被向上取整到2的幂
// creates a concurrent map, segments is rounded up to a power of two
func NewConcurrentMap[K comparable, V any](segments uint64) *ConcurrentMap[K, V] {
	if segments == 0 {
		segments = 16
	} else {
		var num = uint64(1)
		for num < segments {
			num *= 2
		}
		segments = num
	}
	var cm = &ConcurrentMap[K, V]{
		hasher:   maphash.NewHasher[K](),
		segments: segments,
		buckets:  make([]*bucket[K, V], segments),
	}
	for i := range cm.buckets {
		cm.buckets[i] = &bucket[K, V]{m: make(map[K]V)}
	}
	return cm
}

func (c *ConcurrentMap[K, V]) getBucket(key K) *bucket[K, V] {
	var index = c.hasher.Hash(key) & (c.segments - 1)
	return c.buckets[index]
}

// Len 元素数量
// number of elements
func (c *ConcurrentMap[K, V]) Len() int {
	var length = 0
	for _, b := range c.buckets {
		b.RLock()
		length += len(b.m)
		b.RUnlock()
	}
	return length
}

func (c *ConcurrentMap[K, V]) Load(key K) (value V, exist bool) {
	var b = c.getBucket(key)
	b.RLock()
	value, exist = b.m[key]
	b.RUnlock()
	return
}

func (c *ConcurrentMap[K, V]) Delete(key K) {
	var b = c.getBucket(key)
	b.Lock()
	delete(b.m, key)
	b.Unlock()
}

func (c *ConcurrentMap[K, V]) Store(key K, value V) {
	var b = c.getBucket(key)
	b.Lock()
	b.m[key] = value
	b.Unlock()
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (c *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	for _, b := range c.buckets {
		b.RLock()
		for k, v := range b.m {
			if !f(k, v) {
				b.RUnlock()
				return
			}
		}
		b.RUnlock()
	}
}
