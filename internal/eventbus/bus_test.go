package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch, cancel := bus.Subscribe("trace-1")
	defer cancel()

	bus.Publish("trace-1", Frame{Stage: "listen", Step: "validation", State: StateRunning})

	f := recvFrame(t, ch)
	assert.Equal(t, "listen", f.Stage)
	assert.Equal(t, "validation", f.Step)
	assert.Equal(t, StateRunning, f.State)
	assert.False(t, f.Timestamp.IsZero())
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	// 无订阅者时不 panic、不阻塞
	bus.Publish("trace-none", Frame{Stage: "render", Step: "billing", State: StateSuccess})
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch1, cancel1 := bus.Subscribe("trace-2")
	ch2, cancel2 := bus.Subscribe("trace-2")
	defer cancel1()
	defer cancel2()

	assert.Equal(t, 2, bus.SubscriberCount("trace-2"))

	bus.Publish("trace-2", Frame{Stage: "evolve", Step: "upstream_call", State: StateRunning})

	assert.Equal(t, "upstream_call", recvFrame(t, ch1).Step)
	assert.Equal(t, "upstream_call", recvFrame(t, ch2).Step)
}

func TestBus_CancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch, cancel := bus.Subscribe("trace-3")
	cancel()

	assert.Equal(t, 0, bus.SubscriberCount("trace-3"))

	// 取消后通道被关闭
	_, ok := <-ch
	assert.False(t, ok)

	// 重复取消不 panic
	cancel()
}

func TestBus_CloseTopic(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch, cancel := bus.Subscribe("trace-4")
	defer cancel()

	bus.Publish("trace-4", Frame{Stage: "render", Step: "audit_log", State: StateSuccess})
	bus.CloseTopic("trace-4")

	// 已缓冲的帧仍可读到，之后通道关闭
	f := recvFrame(t, ch)
	assert.Equal(t, "audit_log", f.Step)

	_, ok := <-ch
	assert.False(t, ok)

	// 主题关闭后计数归零，重复关闭不 panic
	assert.Equal(t, 0, bus.SubscriberCount("trace-4"))
	bus.CloseTopic("trace-4")
}
