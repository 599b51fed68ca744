package browser

import (
	"context"
	"errors"
)

// ErrWorkerCrashed marks the underlying browser instance as unusable.
// The pool discards and replaces the slot instead of returning it to the
// free set; the session treats the failure as non-retryable.
var ErrWorkerCrashed = errors.New("browser worker crashed")

// ErrInvalidTarget marks an action rejected by the page (bad selector,
// unreachable URL scheme). Not retryable.
var ErrInvalidTarget = errors.New("invalid action target")

// Driver executes atomic operations against one live browser page.
// Implementations must honor the context deadline for every call.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, value string) error
	Extract(ctx context.Context, selector string) (string, error)
	WaitFor(ctx context.Context, selector string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Healthy() bool
	Close() error
}
