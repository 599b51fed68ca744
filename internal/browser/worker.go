package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/applyflow/applyflow/pkg/models"
)

// Worker wraps one isolated browser instance leased from the pool.
// A worker executes a single action at a time and is exclusively owned by
// one session for the duration of the lease.
type Worker struct {
	ID       string
	driver   Driver
	instance *Instance

	// leased and profiled are guarded by the owning pool's mutex.
	leased   bool
	profiled bool
}

// NewWorker pairs a driver with its container instance. instance may be
// nil for drivers that are not container-backed (tests).
func NewWorker(id string, driver Driver, instance *Instance) *Worker {
	return &Worker{ID: id, driver: driver, instance: instance}
}

// Driver exposes the underlying action driver.
func (w *Worker) Driver() Driver { return w.driver }

// UserDataDir returns the mounted profile directory, if any.
func (w *Worker) UserDataDir() string {
	if w.instance == nil {
		return ""
	}
	return w.instance.UserDataDir
}

// Perform dispatches one script action to the driver. The returned string
// is non-empty only for extract actions.
func (w *Worker) Perform(ctx context.Context, action models.Action) (string, error) {
	switch action.Type {
	case models.ActionNavigate:
		return "", w.driver.Navigate(ctx, action.URL)
	case models.ActionClick:
		return "", w.driver.Click(ctx, action.Selector)
	case models.ActionTypeText:
		return "", w.driver.Type(ctx, action.Selector, action.Value)
	case models.ActionExtract:
		return w.driver.Extract(ctx, action.Selector)
	case models.ActionWait:
		if action.Selector != "" {
			return "", w.driver.WaitFor(ctx, action.Selector)
		}
		return "", sleepCtx(ctx, action.DurationMs)
	}
	return "", fmt.Errorf("%w: unknown action type %q", ErrInvalidTarget, action.Type)
}

// Screenshot captures the current viewport as PNG bytes.
func (w *Worker) Screenshot(ctx context.Context) ([]byte, error) {
	return w.driver.Screenshot(ctx)
}

// Healthy reports whether the underlying browser is still usable.
func (w *Worker) Healthy() bool { return w.driver.Healthy() }

func sleepCtx(ctx context.Context, ms int) error {
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
