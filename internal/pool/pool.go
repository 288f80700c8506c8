package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of work run on a pool worker.
type Task func(ctx context.Context) error

// Config 工作池配置
type Config struct {
	Name        string        `yaml:"name" json:"name"`
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		MaxWorkers:  16,
		QueueSize:   64,
		IdleTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx  context.Context
	task Task
}

// Pool runs submitted tasks on at most MaxWorkers goroutines.
type Pool struct {
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64
}

// New 创建工作池，非正的配置项回退到默认值
func New(config Config, logger *zap.Logger) *Pool {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		config: config,
		logger: logger.With(zap.String("component", "pool"), zap.String("pool", config.Name)),
		jobs:   make(chan job, config.QueueSize),
	}
}

// Submit queues task without blocking. A task whose ctx is done before a
// worker picks it up is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	j := job{ctx: ctx, task: task}
	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		p.spawn(false)
		return nil
	default:
	}

	// 队列已满，尝试扩容一个工作协程后重试
	if p.spawn(true) {
		select {
		case p.jobs <- j:
			p.submitted.Add(1)
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// spawn starts a worker when below the cap. Without force it only does so
// while every existing worker is busy.
func (p *Pool) spawn(force bool) bool {
	for {
		n := p.workers.Load()
		if n >= int32(p.config.MaxWorkers) {
			return false
		}
		if !force && n > 0 && p.active.Load() < n {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return true
		}
	}
}

// work runs jobs until the queue closes. Idle workers retire but the last
// one stays so queued jobs are never stranded.
func (p *Pool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			p.run(j)
			p.active.Add(-1)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.config.IdleTimeout)
		case <-idle.C:
			if n := p.workers.Load(); n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.config.IdleTimeout)
		}
	}
}

func (p *Pool) run(j job) {
	if err := j.ctx.Err(); err != nil {
		p.skipped.Add(1)
		return
	}
	if err := p.safeRun(j); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}

// Close stops accepting tasks, drains the queue and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("pool closed", zap.Int64("completed", p.completed.Load()), zap.Int64("failed", p.failed.Load()))
}

// Stats 工作池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}
