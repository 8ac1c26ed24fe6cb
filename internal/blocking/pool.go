// Package blocking provides a bounded worker pool for CPU-heavy work —
// state resolution and signature verification — so it runs off whatever
// goroutine is driving request handling, at a fixed concurrency the
// machine can actually sustain.
package blocking

import "context"

// job is a unit of CPU-bound work submitted to the pool.
type job func()

// Pool runs submitted work on a fixed number of background goroutines.
type Pool struct {
	jobs chan job
	done chan struct{}
}

// New starts a Pool with workers goroutines. workers must be positive.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs: make(chan job, workers*4),
		done: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			j()
		case <-p.done:
			return
		}
	}
}

// Run submits fn and blocks until it has executed or ctx is cancelled
// first, returning fn's error.
func Run(ctx context.Context, p *Pool, fn func() error) error {
	resultCh := make(chan error, 1)
	select {
	case p.jobs <- func() { resultCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return context.Canceled
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new work. In-flight jobs already pulled off the
// queue still run to completion.
func (p *Pool) Close() {
	close(p.done)
}
