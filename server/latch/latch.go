package latch

import (
	"sync"
	"sync/atomic"
)

// Latch 页级读写闩，区别于逻辑锁；版本号用于叶页扫描恢复时的重校验
type Latch struct {
	mu      sync.RWMutex
	version uint64
}

// NewLatch 创建一个新的闩
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取写闩，结构变更前必须持有
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放写闩并递增版本号
func (l *Latch) Unlock() {
	atomic.AddUint64(&l.version, 1)
	l.mu.Unlock()
}

// RLock 获取读闩
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock 释放读闩
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLock 尝试获取写闩
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}

// Version 当前版本号，写闩每次释放后递增
func (l *Latch) Version() uint64 {
	return atomic.LoadUint64(&l.version)
}
