package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of background work. The context is canceled when the job
// is aborted or the pool shuts down.
type Job func(ctx context.Context) error

// Pool runs jobs on a bounded set of workers. Every job gets an id so a
// caller can abort it while it runs or before its delay elapses.
type Pool struct {
	log        *slog.Logger
	sem        chan struct{}
	timeout    time.Duration
	baseCtx    context.Context
	shutdown   context.CancelFunc
	wg         sync.WaitGroup
	inFlight   sync.Map // job id -> context.CancelFunc
	onComplete func(jobID, name string, err error)
}

// NewPool builds a pool with the given concurrency. Each job is bounded by
// timeout; zero means no per-job timeout.
func NewPool(log *slog.Logger, concurrency int, timeout time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:      log,
		sem:      make(chan struct{}, concurrency),
		timeout:  timeout,
		baseCtx:  ctx,
		shutdown: cancel,
	}
}

// SetCompletionHook installs a callback invoked after every job finishes.
// Must be called before the first Enqueue.
func (p *Pool) SetCompletionHook(fn func(jobID, name string, err error)) {
	p.onComplete = fn
}

// Enqueue schedules fn to run as soon as a worker is free and returns the
// job id.
func (p *Pool) Enqueue(name string, fn Job) string {
	return p.EnqueueAfter(name, 0, fn)
}

// EnqueueAfter schedules fn to run after the delay. Aborting during the
// delay prevents the job from starting at all.
func (p *Pool) EnqueueAfter(name string, delay time.Duration, fn Job) string {
	jobID := uuid.NewString()

	jobCtx, cancel := context.WithCancel(p.baseCtx)
	p.inFlight.Store(jobID, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Delete(jobID)
		defer cancel()

		if delay > 0 {
			select {
			case <-jobCtx.Done():
				p.log.Info("job aborted before start", "job_id", jobID, "job", name)
				return
			case <-time.After(delay):
			}
		}

		select {
		case <-jobCtx.Done():
			p.log.Info("job aborted before start", "job_id", jobID, "job", name)
			return
		case p.sem <- struct{}{}:
		}
		defer func() { <-p.sem }()

		runCtx := jobCtx
		if p.timeout > 0 {
			var cancelTimeout context.CancelFunc
			runCtx, cancelTimeout = context.WithTimeout(jobCtx, p.timeout)
			defer cancelTimeout()
		}

		err := p.run(runCtx, jobID, name, fn)
		if err != nil {
			p.log.Error("job failed", "job_id", jobID, "job", name, "error", err)
		}
		if p.onComplete != nil {
			p.onComplete(jobID, name, err)
		}
	}()

	return jobID
}

// Abort cancels a pending or running job. It reports whether the job was
// still tracked.
func (p *Pool) Abort(jobID string) bool {
	value, ok := p.inFlight.LoadAndDelete(jobID)
	if !ok {
		return false
	}
	if cancel, ok := value.(context.CancelFunc); ok {
		cancel()
	}
	return true
}

// Shutdown cancels all jobs and waits for workers to drain, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdown()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) run(ctx context.Context, jobID, name string, fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	p.log.Info("job started", "job_id", jobID, "job", name)
	return fn(ctx)
}
