package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🧪 GoroutinePool 测试
// =============================================================================

func TestGoroutinePool_ExecutesTasks(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 8})

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) error {
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	p.Close()

	assert.Equal(t, int32(5), done.Load())
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestGoroutinePool_RejectsWhenFull(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1})
	t.Cleanup(p.Close)

	started := make(chan struct{})
	release := make(chan struct{})

	// 占住唯一的工作者
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	// 填满队列
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))

	// 队列满且工作者达到上限，投递被拒绝
	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
}

func TestGoroutinePool_RecoversPanic(t *testing.T) {
	var recovered atomic.Value
	p := NewGoroutinePool(GoroutinePoolConfig{
		MaxWorkers:   1,
		PanicHandler: func(r any) { recovered.Store(r) },
	})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	p.Close()

	assert.Equal(t, "boom", recovered.Load())
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestGoroutinePool_TaskErrorCountsAsFailed(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("db down")
	}))
	p.Close()

	assert.Equal(t, int64(1), p.Stats().Failed)
	assert.Equal(t, int64(0), p.Stats().Completed)
}

func TestGoroutinePool_SubmitAfterClose(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{})
	p.Close()
	p.Close() // 幂等

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestGoroutinePool_CloseDrainsQueue(t *testing.T) {
	p := NewGoroutinePool(GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 16})

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	p.Close()

	// Close 返回即队列排空
	assert.Equal(t, int32(10), done.Load())
}

// =============================================================================
// 🧪 缓冲池测试
// =============================================================================

func TestBufferPool_Roundtrip(t *testing.T) {
	b := GetBuffer()
	require.NotNil(t, b)
	assert.Zero(t, b.Len())

	b.WriteString(`{"ok":true}`)
	PutBuffer(b)

	// 归还后再取出的缓冲必须是空的
	b2 := GetBuffer()
	assert.Zero(t, b2.Len())
	PutBuffer(b2)
}

func TestBufferPool_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() { PutBuffer(nil) })
}

func TestBufferPool_DropsOversized(t *testing.T) {
	b := GetBuffer()
	b.Grow(maxPooledBuffer + 1)
	// 超限缓冲直接丢弃，不应 panic
	assert.NotPanics(t, func() { PutBuffer(b) })
}
