// Package channel 提供发布侧永不阻塞的缓冲通道。
// 事件总线用它隔离慢订阅者：缓冲满时丢帧并计数，
// 消费方以通道关闭作为流结束信号。
package channel

import (
	"sync"
	"sync/atomic"
)

// Buffered 固定容量、丢弃式的泛型缓冲通道。
// TrySend 与 Close 的并发安全由调用方的互斥保证（总线持主题锁）。
type Buffered[T any] struct {
	ch    chan T
	once  sync.Once
	sends atomic.Int64
	drops atomic.Int64
}

// NewBuffered 创建容量为 size 的缓冲通道
func NewBuffered[T any](size int) *Buffered[T] {
	if size <= 0 {
		size = 32
	}
	return &Buffered[T]{ch: make(chan T, size)}
}

// TrySend 非阻塞投递，缓冲满返回 false 并记一次丢弃
func (b *Buffered[T]) TrySend(v T) bool {
	select {
	case b.ch <- v:
		b.sends.Add(1)
		return true
	default:
		b.drops.Add(1)
		return false
	}
}

// Chan 返回接收端。通道关闭即流结束。
func (b *Buffered[T]) Chan() <-chan T {
	return b.ch
}

// Close 关闭通道，幂等
func (b *Buffered[T]) Close() {
	b.once.Do(func() { close(b.ch) })
}

// Len 当前积压的帧数
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Stats 返回投递统计
func (b *Buffered[T]) Stats() Stats {
	return Stats{Sends: b.sends.Load(), Drops: b.drops.Load(), Buffered: len(b.ch)}
}

// Stats 投递统计
type Stats struct {
	Sends    int64 `json:"sends"`
	Drops    int64 `json:"drops"`
	Buffered int   `json:"buffered"`
}
