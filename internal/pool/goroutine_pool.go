// Package pool 提供有界并发原语：固定上限的工作者池与字节缓冲复用。
// 审计落库这类旁路任务经由工作者池执行，请求路径从不被它们拖慢。
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 一个待执行的旁路任务
type Task func(ctx context.Context) error

// GoroutinePoolConfig 工作者池配置
type GoroutinePoolConfig struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// GoroutinePool 按需扩张、空闲收缩的有界工作者池。
// Submit 从不阻塞：队列满即拒绝，调用方决定丢弃还是记日志。
type GoroutinePool struct {
	maxWorkers   int
	idleTimeout  time.Duration
	panicHandler func(any)

	tasks       chan queuedTask
	workerCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type queuedTask struct {
	task Task
	ctx  context.Context
}

// NewGoroutinePool 创建工作者池
func NewGoroutinePool(cfg GoroutinePoolConfig) *GoroutinePool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &GoroutinePool{
		maxWorkers:   cfg.MaxWorkers,
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
		tasks:        make(chan queuedTask, cfg.QueueSize),
	}
}

// Submit 非阻塞投递。队列满先尝试扩张工作者，仍满则返回 ErrPoolFull。
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	qt := queuedTask{task: task, ctx: ctx}
	select {
	case p.tasks <- qt:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.tasks <- qt:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

// worker 空闲超时后退出，保底留 1 个工作者
func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case qt, ok := <-p.tasks:
			if !ok {
				return
			}
			if err := p.run(qt); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) run(qt queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return qt.task(qt.ctx)
}

// Close 拒绝后续投递并等待队列排空
func (p *GoroutinePool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Stats 返回池运行统计
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats 池运行统计
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
