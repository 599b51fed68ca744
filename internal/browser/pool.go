package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/applyflow/applyflow/internal/metrics"
)

var (
	// ErrPoolClosed is returned once the pool has begun draining.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrPoolExhausted is returned by TryAcquire when no slot is free.
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrDoubleRelease is returned when a handle is released twice.
	ErrDoubleRelease = errors.New("worker already released")
)

// Factory launches a new worker for a free slot. userDataDir is empty for
// plain workers and points at an extracted profile otherwise.
type Factory func(ctx context.Context, workerID, userDataDir string) (*Worker, error)

// Destroyer tears a worker down (driver and container).
type Destroyer func(ctx context.Context, w *Worker)

// Pool owns a fixed-capacity set of browser workers. Admission goes
// through a weighted semaphore, which serves blocked acquirers in FIFO
// order and supports cancellation; the slot table behind it is the only
// structure here requiring mutual exclusion.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int
	factory  Factory
	destroy  Destroyer
	logger   zerolog.Logger

	mu     sync.Mutex
	idle   []*Worker
	leased int
	closed bool
}

func NewPool(capacity int, factory Factory, destroy Destroyer, logger zerolog.Logger) *Pool {
	if destroy == nil {
		destroy = func(ctx context.Context, w *Worker) { w.Driver().Close() }
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		factory:  factory,
		destroy:  destroy,
		logger:   logger.With().Str("component", "pool").Logger(),
	}
}

// Acquire blocks until a worker slot frees, then hands out a worker.
// Cancelling ctx abandons the wait (a stopped session must be able to
// unblock before it ever gets a worker).
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	return p.acquire(ctx, "", false)
}

// AcquireProfile is Acquire with the worker's browser launched on top of
// an extracted profile directory. Profiled workers are destroyed on
// release instead of returning to the free set, since their user data is
// session-specific.
func (p *Pool) AcquireProfile(ctx context.Context, userDataDir string) (*Worker, error) {
	return p.acquire(ctx, userDataDir, false)
}

// TryAcquire is the non-blocking variant; it fails with ErrPoolExhausted
// instead of waiting for a slot.
func (p *Pool) TryAcquire(ctx context.Context) (*Worker, error) {
	return p.acquire(ctx, "", true)
}

func (p *Pool) acquire(ctx context.Context, userDataDir string, try bool) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if try {
		if !p.sem.TryAcquire(1) {
			return nil, ErrPoolExhausted
		}
	} else if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire cancelled: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}

	// Reuse a warm worker when the request carries no profile.
	if userDataDir == "" && len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.lease(w, false)
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	w, err := p.factory(ctx, uuid.New().String(), userDataDir)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("failed to launch worker: %w", err)
	}

	p.mu.Lock()
	p.lease(w, userDataDir != "")
	p.mu.Unlock()
	return w, nil
}

// lease marks w as handed out. Caller holds p.mu.
func (p *Pool) lease(w *Worker, profiled bool) {
	w.leased = true
	w.profiled = profiled
	p.leased++
	metrics.SetPoolLeased(p.leased)
}

// Release returns a worker to the free set. Releasing an already-free
// handle is a reported error, never a crash.
func (p *Pool) Release(w *Worker) error {
	p.mu.Lock()
	if !w.leased {
		p.mu.Unlock()
		p.logger.Warn().Str("worker_id", w.ID).Msg("double release of worker handle")
		return ErrDoubleRelease
	}
	w.leased = false
	p.leased--
	metrics.SetPoolLeased(p.leased)

	if w.profiled || p.closed {
		p.mu.Unlock()
		p.destroy(context.Background(), w)
		p.sem.Release(1)
		return nil
	}

	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.sem.Release(1)
	return nil
}

// Discard destroys a crashed worker instead of returning it to the free
// set. The slot is refilled lazily by the next acquire.
func (p *Pool) Discard(ctx context.Context, w *Worker) error {
	p.mu.Lock()
	if !w.leased {
		p.mu.Unlock()
		return ErrDoubleRelease
	}
	w.leased = false
	p.leased--
	metrics.SetPoolLeased(p.leased)
	p.mu.Unlock()

	p.logger.Warn().Str("worker_id", w.ID).Msg("discarding crashed worker")
	metrics.IncWorkerDiscarded()
	p.destroy(ctx, w)
	p.sem.Release(1)
	return nil
}

// Size returns the number of currently leased workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// Capacity returns the fixed pool capacity.
func (p *Pool) Capacity() int { return p.capacity }

// Remaining returns how many additional leases the pool can satisfy.
func (p *Pool) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.leased
}

// Close drains the pool: it refuses new acquires, waits (bounded by ctx)
// for outstanding leases to come back, and destroys warm workers.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		p.destroy(ctx, w)
	}

	// Holding the full weight means every lease has been released.
	if err := p.sem.Acquire(ctx, int64(p.capacity)); err != nil {
		return fmt.Errorf("pool drain interrupted: %w", err)
	}
	p.sem.Release(int64(p.capacity))
	return nil
}

// DockerFactory builds the production worker factory: one browserless
// container per worker, driven over CDP.
func DockerFactory(launcher *Launcher, pw PlaywrightConnector) Factory {
	return func(ctx context.Context, workerID, userDataDir string) (*Worker, error) {
		instance, err := launcher.Launch(ctx, LaunchOptions{
			WorkerID:    workerID,
			UserDataDir: userDataDir,
		})
		if err != nil {
			return nil, err
		}

		driver, err := pw.Connect(instance.ConnectURL)
		if err != nil {
			launcher.Stop(context.Background(), instance.ContainerID)
			return nil, err
		}

		return NewWorker(workerID, driver, instance), nil
	}
}

// DockerDestroyer tears down a container-backed worker.
func DockerDestroyer(launcher *Launcher, logger zerolog.Logger) Destroyer {
	return func(ctx context.Context, w *Worker) {
		if err := w.Driver().Close(); err != nil {
			logger.Debug().Err(err).Str("worker_id", w.ID).Msg("driver close failed")
		}
		if w.instance != nil {
			if err := launcher.Stop(ctx, w.instance.ContainerID); err != nil {
				logger.Warn().Err(err).Str("worker_id", w.ID).Msg("failed to stop worker container")
			}
		}
	}
}

// PlaywrightConnector abstracts the CDP attach so tests can fake it.
type PlaywrightConnector interface {
	Connect(wsURL string) (Driver, error)
}
