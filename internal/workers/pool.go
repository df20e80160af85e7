// Package workers fans per-symbol work of the daily pipeline out across a
// bounded pool of goroutines, so a universe of hundreds of symbols doesn't
// serialize behind one another inside a single pipeline run. The pipeline
// uses it for its IntegrityCheck step only.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantdesk/flgc/pkg/model"
	"go.uber.org/zap"
)

// SymbolJob is one symbol's worth of per-symbol pipeline work.
type SymbolJob struct {
	Symbol model.Symbol
	Run    func(ctx context.Context) error
}

// Pool manages a bounded set of worker goroutines that drain a queue of
// SymbolJobs.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan SymbolJob
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name        string        // pool name for logging
	NumWorkers  int           // number of worker goroutines
	QueueSize   int           // size of the task queue
	JobTimeout  time.Duration // per-symbol timeout
}

// DefaultPoolConfig sizes the pool to the host's CPU count: pipeline
// stages are a mix of SQLite round-trips and resolver arithmetic, neither
// of which benefits from oversubscribing far past NumCPU.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  4096,
		JobTimeout: 30 * time.Second,
	}
}

// PoolMetrics tracks per-symbol job outcomes.
type PoolMetrics struct {
	Submitted atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	TimedOut  atomic.Int64
}

// NewPool creates a worker pool. Call Start before Submit.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan SymbolJob, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   &PoolMetrics{},
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.execute(log, job)
		}
	}
}

func (p *Pool) execute(log *zap.Logger, job SymbolJob) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("symbol job panicked", zap.String("symbol", string(job.Symbol)), zap.Any("panic", r))
				done <- errPanicked
			}
		}()
		done <- job.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.metrics.Failed.Add(1)
			log.Warn("symbol job failed", zap.String("symbol", string(job.Symbol)), zap.Error(err))
		} else {
			p.metrics.Completed.Add(1)
		}
	case <-ctx.Done():
		p.metrics.TimedOut.Add(1)
		log.Warn("symbol job timed out", zap.String("symbol", string(job.Symbol)), zap.Duration("timeout", p.config.JobTimeout))
	}
}

var errPanicked = &PoolError{Message: "symbol job panicked"}

// Submit enqueues one job, blocking until there is queue capacity or ctx
// is cancelled.
func (p *Pool) Submit(ctx context.Context, job SymbolJob) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- job:
		p.metrics.Submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSymbols fans fn out across every symbol concurrently and blocks
// until all of them finish, returning the first error encountered (if
// any) after every job has completed. If a Submit fails, RunSymbols
// returns that error at once, without submitting the remaining symbols
// or waiting for the jobs already submitted. Pipeline stages use this
// instead of calling Submit directly so a stage is a single synchronous
// call.
func (p *Pool) RunSymbols(ctx context.Context, symbols []model.Symbol, fn func(ctx context.Context, symbol model.Symbol) error) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(symbols))

	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		job := SymbolJob{Symbol: sym, Run: func(ctx context.Context) error {
			defer wg.Done()
			err := fn(ctx, sym)
			errs <- err
			return err
		}}
		if err := p.Submit(ctx, job); err != nil {
			wg.Done()
			return err
		}
	}

	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stop signals all workers to exit and waits up to timeout for them to
// drain.
func (p *Pool) Stop(timeout time.Duration) error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// Stats snapshots the pool's counters.
func (p *Pool) Stats() (submitted, completed, failed, timedOut int64) {
	return p.metrics.Submitted.Load(), p.metrics.Completed.Load(), p.metrics.Failed.Load(), p.metrics.TimedOut.Load()
}

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError is a sentinel pool-lifecycle error.
type PoolError struct{ Message string }

func (e *PoolError) Error() string { return e.Message }
