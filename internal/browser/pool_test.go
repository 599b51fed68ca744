package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDriver struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newStubDriver() *stubDriver {
	d := &stubDriver{}
	d.healthy.Store(true)
	return d
}

func (d *stubDriver) Navigate(ctx context.Context, url string) error        { return nil }
func (d *stubDriver) Click(ctx context.Context, selector string) error     { return nil }
func (d *stubDriver) Type(ctx context.Context, sel, value string) error    { return nil }
func (d *stubDriver) Extract(ctx context.Context, sel string) (string, error) {
	return "content", nil
}
func (d *stubDriver) WaitFor(ctx context.Context, sel string) error { return nil }
func (d *stubDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}
func (d *stubDriver) Healthy() bool { return d.healthy.Load() }
func (d *stubDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type poolHarness struct {
	pool      *Pool
	launched  atomic.Int32
	destroyed atomic.Int32
}

func newPoolHarness(capacity int) *poolHarness {
	h := &poolHarness{}
	factory := func(ctx context.Context, workerID, userDataDir string) (*Worker, error) {
		h.launched.Add(1)
		return NewWorker(workerID, newStubDriver(), &Instance{UserDataDir: userDataDir}), nil
	}
	destroy := func(ctx context.Context, w *Worker) {
		h.destroyed.Add(1)
		w.Driver().Close()
	}
	h.pool = NewPool(capacity, factory, destroy, zerolog.Nop())
	return h
}

func TestPoolEnforcesCapacity(t *testing.T) {
	h := newPoolHarness(2)
	ctx := context.Background()

	w1, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	w2, err := h.pool.Acquire(ctx)
	require.NoError(t, err)

	_, err = h.pool.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, h.pool.Size())
	assert.Equal(t, 0, h.pool.Remaining())

	require.NoError(t, h.pool.Release(w1))
	require.NoError(t, h.pool.Release(w2))
	assert.Equal(t, 0, h.pool.Size())
}

func TestPoolBlockedAcquireIsFIFO(t *testing.T) {
	h := newPoolHarness(1)
	ctx := context.Background()

	w, err := h.pool.Acquire(ctx)
	require.NoError(t, err)

	order := make(chan string, 2)
	firstWaiting := make(chan struct{})

	go func() {
		close(firstWaiting)
		w1, err := h.pool.Acquire(ctx)
		if err == nil {
			order <- "first"
			h.pool.Release(w1)
		}
	}()

	<-firstWaiting
	time.Sleep(50 * time.Millisecond)

	go func() {
		w2, err := h.pool.Acquire(ctx)
		if err == nil {
			order <- "second"
			h.pool.Release(w2)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.pool.Release(w))

	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestPoolAcquireCancellable(t *testing.T) {
	h := newPoolHarness(1)

	w, err := h.pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.pool.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The abandoned wait must not leak the slot.
	require.NoError(t, h.pool.Release(w))
	w2, err := h.pool.Acquire(context.Background())
	require.NoError(t, err)
	h.pool.Release(w2)
}

func TestPoolDoubleReleaseReported(t *testing.T) {
	h := newPoolHarness(1)

	w, err := h.pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, h.pool.Release(w))
	assert.ErrorIs(t, h.pool.Release(w), ErrDoubleRelease)
	assert.Equal(t, 0, h.pool.Size())
}

func TestPoolReusesWarmWorker(t *testing.T) {
	h := newPoolHarness(1)
	ctx := context.Background()

	w1, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h.pool.Release(w1))

	w2, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, w1, w2)
	assert.Equal(t, int32(1), h.launched.Load())
	h.pool.Release(w2)
}

func TestPoolDiscardReplacesWorker(t *testing.T) {
	h := newPoolHarness(1)
	ctx := context.Background()

	w1, err := h.pool.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, h.pool.Discard(ctx, w1))
	assert.Equal(t, int32(1), h.destroyed.Load())

	// The freed slot is refilled with a fresh launch, never the
	// discarded worker.
	w2, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, w1, w2)
	assert.Equal(t, int32(2), h.launched.Load())
	h.pool.Release(w2)
}

func TestPoolProfiledWorkerNotReused(t *testing.T) {
	h := newPoolHarness(2)
	ctx := context.Background()

	w, err := h.pool.AcquireProfile(ctx, "/tmp/profile-data")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/profile-data", w.UserDataDir())

	require.NoError(t, h.pool.Release(w))
	assert.Equal(t, int32(1), h.destroyed.Load())

	w2, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, w, w2)
	h.pool.Release(w2)
}

func TestPoolFactoryFailureFreesSlot(t *testing.T) {
	boom := errors.New("docker daemon unreachable")
	var calls atomic.Int32
	factory := func(ctx context.Context, workerID, userDataDir string) (*Worker, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return NewWorker(workerID, newStubDriver(), nil), nil
	}
	pool := NewPool(1, factory, nil, zerolog.Nop())

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)

	w, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(w)
}

func TestPoolCloseRefusesAcquire(t *testing.T) {
	h := newPoolHarness(1)
	ctx := context.Background()

	w, err := h.pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, h.pool.Release(w))

	require.NoError(t, h.pool.Close(ctx))
	assert.Equal(t, int32(1), h.destroyed.Load())

	_, err = h.pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
}
