package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work, typically one CSV file to parse
type Job struct {
	Name string
	Run  func(context.Context) error
}

// Pool runs jobs on a fixed set of goroutines fed by a bounded queue.
// Jobs share the pool's context, which is canceled by Stop.
type Pool struct {
	name    string
	workers int
	jobs    chan Job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}

	running   int32
	accepted  uint64
	succeeded uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool sizing
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		jobs:    make(chan Job, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) loop(worker int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.closed:
			return
		case job := <-p.jobs:
			p.run(worker, job)
		}
	}
}

func (p *Pool) run(worker int, job Job) {
	atomic.AddInt32(&p.running, 1)
	defer atomic.AddInt32(&p.running, -1)

	start := time.Now()
	err := p.safeRun(job)
	elapsed := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker", worker),
			zap.String("job", job.Name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}

	atomic.AddUint64(&p.succeeded, 1)
	p.logger.Debug("Job finished",
		zap.String("pool", p.name),
		zap.Int("worker", worker),
		zap.String("job", job.Name),
		zap.Duration("duration", elapsed))
}

// safeRun turns a panic inside a job into an error
func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(p.ctx)
}

// Submit enqueues a job without blocking. It fails when the queue is full
// or the pool has been stopped.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.closed:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %s is stopped", p.name)
	default:
	}

	select {
	case p.jobs <- job:
		atomic.AddUint64(&p.accepted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %s queue is full", p.name)
	}
}

// SubmitWait enqueues a job, blocking until there is room or ctx ends
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	select {
	case <-p.closed:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %s is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- job:
		atomic.AddUint64(&p.accepted, 1)
		return nil
	}
}

// Stop cancels running jobs and waits up to timeout for workers to exit.
// Queued jobs that never started are discarded.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s did not stop within %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Accepted  uint64 `json:"accepted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Running:   int(atomic.LoadInt32(&p.running)),
		Queued:    len(p.jobs),
		Accepted:  atomic.LoadUint64(&p.accepted),
		Succeeded: atomic.LoadUint64(&p.succeeded),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
