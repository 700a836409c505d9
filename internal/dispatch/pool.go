// Package dispatch runs batches of keyed jobs with bounded concurrency and a
// per-job timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateJob rejects a job whose ID is already queued or running.
	ErrDuplicateJob = errors.New("job with the same id is already queued")
	// ErrPoolClosed rejects jobs submitted after Close.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrJobTimeout is reported for a job that did not finish in time.
	ErrJobTimeout = errors.New("job timed out")
)

// Job is one unit of work. ID must be derived from the job's content so that
// resubmitting the same work is detected.
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// Outcome is the settled state of one submitted job. Err is nil on success,
// the job's own error, or one of ErrDuplicateJob, ErrPoolClosed and
// ErrJobTimeout.
type Outcome struct {
	ID  string
	Err error
}

// Pool executes batches of jobs.
type Pool struct {
	concurrency int
	timeout     time.Duration

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool running at most concurrency jobs at once. A
// non-positive timeout disables the per-job deadline.
func NewPool(concurrency int, timeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{concurrency: concurrency, timeout: timeout, running: make(map[string]struct{})}
}

// RunBatch submits every job and waits until each one has settled. A job that
// times out is reported as settled; its goroutine keeps its ID reserved until
// it actually returns. Outcomes are in submission order.
func (p *Pool) RunBatch(ctx context.Context, jobs []Job) []Outcome {
	out := make([]Outcome, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, job := range jobs {
		out[i].ID = job.ID
		if err := p.admit(job.ID); err != nil {
			out[i].Err = err
			continue
		}
		g.Go(func() error {
			out[i].Err = p.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Close rejects further jobs and waits for every running job, including
// timed-out ones, to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) admit(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.running[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	p.running[id] = struct{}{}
	p.wg.Add(1)
	return nil
}

func (p *Pool) finish(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) run(ctx context.Context, job Job) error {
	var jctx context.Context
	var cancel context.CancelFunc
	if p.timeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		jctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer p.finish(job.ID)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("job %s panicked: %v", job.ID, r)
			}
		}()
		done <- job.Run(jctx)
	}()

	select {
	case err := <-done:
		return err
	case <-jctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrJobTimeout, job.ID, p.timeout)
	}
}
