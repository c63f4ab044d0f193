package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/not-nullexception/image-reducer/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrStopped is returned for work submitted after Stop
var ErrStopped = errors.New("worker pool stopped")

// Pool bounds the number of compressions running at once and tracks
// asynchronous work so shutdown can wait for it.
type Pool struct {
	sem     chan struct{} // Semaphore to limit concurrent processing
	wg      sync.WaitGroup
	mu      sync.Mutex
	active  int
	stopped bool
	logger  zerolog.Logger
}

func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	return &Pool{
		sem:    make(chan struct{}, maxWorkers),
		logger: logger.GetLogger("worker"),
	}
}

// Do runs fn on a pool slot and waits for it. When ctx ends first Do returns
// ctx.Err() and fn keeps its slot until it returns.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.track() {
		return ErrStopped
	}

	// Acquire semaphore
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}
	p.setActive(1)

	done := make(chan error, 1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.setActive(-1)
			<-p.sem
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs fn asynchronously without taking a slot
func (p *Pool) Go(fn func()) error {
	if !p.track() {
		return ErrStopped
	}

	go func() {
		defer p.wg.Done()
		fn()
	}()
	return nil
}

// Stop rejects new work and waits for running work to finish
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool")

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait() // Wait for all tasks to finish
	p.logger.Info().Msg("Worker pool stopped")
}

// Active returns the number of occupied slots
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	active := p.active
	p.mu.Unlock()

	metrics.UpdateWorkerUtilization(active, cap(p.sem))
}
