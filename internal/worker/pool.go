// Package worker runs cache maintenance jobs (eviction sweeps, restores,
// reloads) on a fixed set of goroutines so callers never block on them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/observability"
)

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrQueueFull   = errors.New("worker queue full")
)

// Config configures the pool.
type Config struct {
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	QueueSize  int           `mapstructure:"queue_size" yaml:"queue_size"`
	JobTimeout time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// Task is the unit of work. It must honour ctx.
type Task func(ctx context.Context) error

// Job tracks one submitted task.
type Job struct {
	ID          string
	Name        string
	SubmittedAt time.Time

	task  Task
	trace observability.TraceContext
	done  chan struct{}
	err   error
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the task's error. It is only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool executes submitted jobs on Workers goroutines.
type Pool struct {
	cfg     Config
	queue   chan *Job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New creates a pool. Call Start before submitting.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		queue:  make(chan *Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Op().Info("worker pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Stop refuses new jobs, lets queued ones finish and waits for the workers.
// If ctx ends first, running jobs are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		p.failQueued()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		logging.Op().Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

func (p *Pool) failQueued() {
	for job := range p.queue {
		job.err = ErrPoolStopped
		close(job.done)
	}
}

// Submit queues task under name. It never blocks: a full queue returns
// ErrQueueFull. The trace context of ctx is carried into the job.
func (p *Pool) Submit(ctx context.Context, name string, task Task) (*Job, error) {
	job := &Job{
		ID:          uuid.New().String(),
		Name:        name,
		SubmittedAt: time.Now(),
		task:        task,
		trace:       observability.ExtractTraceContext(ctx),
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	select {
	case p.queue <- job:
		logging.Op().Debug("job queued", "job", job.ID, "name", name)
		return job, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.run(id, job)
	}
}

func (p *Pool) run(workerID int, job *Job) {
	defer close(job.done)

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.JobTimeout)
	defer cancel()
	ctx = observability.InjectTraceContext(ctx, job.trace)
	ctx, span := observability.StartSpan(ctx, "worker."+job.Name, observability.AttrJobID.String(job.ID))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			job.err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			observability.SetSpanError(span, job.err)
			logging.Op().Error("job panicked", "job", job.ID, "name", job.Name, "worker", workerID, "panic", r)
		}
	}()

	job.err = job.task(ctx)
	if job.err != nil {
		observability.SetSpanError(span, job.err)
		logging.Op().Warn("job failed", "job", job.ID, "name", job.Name, "worker", workerID, "duration", time.Since(start), "error", job.err)
		return
	}
	observability.SetSpanOK(span)
	logging.Op().Debug("job finished", "job", job.ID, "name", job.Name, "worker", workerID, "duration", time.Since(start))
}
