// Package eventbus fans out per-request status frames to streaming
// subscribers (SSE / websocket). Publishing never blocks the pipeline:
// slow subscribers drop frames instead of stalling the request.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/internal/channel"
)

// =============================================================================
// 📡 状态事件总线
// =============================================================================

// State 步骤执行状态
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Frame 单条状态帧，对应事件流里的一条 SSE/websocket 消息
type Frame struct {
	Stage     string         `json:"stage"`
	Step      string         `json:"step"`
	State     State          `json:"state"`
	Code      string         `json:"code,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// subscriber 单个订阅者，缓冲满时丢帧
type subscriber struct {
	ch *channel.Buffered[Frame]
}

type topic struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// Bus 按 trace_id 分主题的状态帧总线
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *zap.Logger
}

// NewBus 创建事件总线
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		logger: logger.With(zap.String("component", "eventbus")),
	}
}

// Publish 向 trace 主题发布一帧；无订阅者时直接丢弃。
// 发布从不阻塞：订阅者缓冲满则丢帧并记数。
func (b *Bus) Publish(traceID string, frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	b.mu.RLock()
	tp := b.topics[traceID]
	b.mu.RUnlock()
	if tp == nil {
		return
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return
	}
	for id, sub := range tp.subs {
		if !sub.ch.TrySend(frame) {
			b.logger.Debug("subscriber buffer full, frame dropped",
				zap.String("trace_id", traceID),
				zap.Int("subscriber", id),
				zap.String("step", frame.Step),
			)
		}
	}
}

// Subscribe 订阅 trace 主题。返回接收通道与取消函数；
// 主题关闭时通道被 close，订阅方应以通道关闭作为流结束信号。
func (b *Bus) Subscribe(traceID string) (<-chan Frame, func()) {
	b.mu.Lock()
	tp := b.topics[traceID]
	if tp == nil {
		tp = &topic{subs: make(map[int]*subscriber)}
		b.topics[traceID] = tp
	}
	b.mu.Unlock()

	sub := &subscriber{ch: channel.NewBuffered[Frame](32)}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		// 主题已关闭：返回已关闭的通道
		sub.ch.Close()
		return sub.ch.Chan(), func() {}
	}
	id := tp.nextID
	tp.nextID++
	tp.subs[id] = sub
	tp.mu.Unlock()

	cancel := func() {
		tp.mu.Lock()
		if _, ok := tp.subs[id]; ok {
			delete(tp.subs, id)
			sub.ch.Close()
		}
		tp.mu.Unlock()
	}
	return sub.ch.Chan(), cancel
}

// CloseTopic 请求结束时关闭主题，通知所有订阅者流已结束
func (b *Bus) CloseTopic(traceID string) {
	b.mu.Lock()
	tp := b.topics[traceID]
	delete(b.topics, traceID)
	b.mu.Unlock()
	if tp == nil {
		return
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		return
	}
	tp.closed = true
	for id, sub := range tp.subs {
		sub.ch.Close()
		delete(tp.subs, id)
	}
}

// SubscriberCount 返回主题当前订阅者数量
func (b *Bus) SubscriberCount(traceID string) int {
	b.mu.RLock()
	tp := b.topics[traceID]
	b.mu.RUnlock()
	if tp == nil {
		return 0
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.subs)
}
