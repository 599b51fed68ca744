package monitor

import (
	"container/heap"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/internal/browser"
	"github.com/applyflow/applyflow/internal/events"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/pkg/models"
)

type noopDriver struct{}

func (noopDriver) Navigate(ctx context.Context, url string) error    { return nil }
func (noopDriver) Click(ctx context.Context, selector string) error  { return nil }
func (noopDriver) Type(ctx context.Context, sel, value string) error { return nil }
func (noopDriver) Extract(ctx context.Context, sel string) (string, error) {
	return "no new postings", nil
}
func (noopDriver) WaitFor(ctx context.Context, sel string) error  { return nil }
func (noopDriver) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (noopDriver) Healthy() bool                                  { return true }
func (noopDriver) Close() error                                   { return nil }

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	factory := func(ctx context.Context, workerID, userDataDir string) (*browser.Worker, error) {
		return browser.NewWorker(workerID, noopDriver{}, nil), nil
	}
	pool := browser.NewPool(2, factory, nil, zerolog.Nop())
	broker := events.NewBroker(64, zerolog.Nop())
	registry := session.NewRegistry(pool, broker, nil, session.RegistryConfig{
		Run: session.RunConfig{ActionTimeout: time.Second, RetryBackoff: time.Millisecond},
	}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		registry.Close(ctx)
	})
	return registry
}

// newIdleScheduler builds a scheduler without its timer loop so tests
// can drive fireDue deterministically.
func newIdleScheduler(registry *session.Registry) *Scheduler {
	return &Scheduler{
		entries:  make(map[string]*entry),
		registry: registry,
		cfg:      SchedulerConfig{MinInterval: 10 * time.Second},
		logger:   zerolog.Nop(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s := NewScheduler(newTestRegistry(t), SchedulerConfig{MinInterval: 10 * time.Second}, zerolog.Nop())
	defer s.Close()

	_, err := s.Register(models.RegisterMonitorRequest{IntervalSeconds: 60})
	assert.ErrorContains(t, err, "target is required")

	_, err = s.Register(models.RegisterMonitorRequest{
		Target:          "https://careers.example.com",
		IntervalSeconds: 1,
	})
	assert.ErrorContains(t, err, "interval must be at least")

	job, err := s.Register(models.RegisterMonitorRequest{
		Target:          "https://careers.example.com",
		IntervalSeconds: 60,
	})
	require.NoError(t, err)
	assert.Equal(t, "body", job.Selector)
	assert.Equal(t, time.Minute, job.Interval)
	// First fire is one full interval out.
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.NextFire, time.Second)
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler(newTestRegistry(t), SchedulerConfig{MinInterval: 10 * time.Second}, zerolog.Nop())
	defer s.Close()

	job, err := s.Register(models.RegisterMonitorRequest{
		Target:          "https://careers.example.com",
		IntervalSeconds: 60,
	})
	require.NoError(t, err)
	require.Len(t, s.List(), 1)

	require.NoError(t, s.Cancel(job.ID))
	assert.Empty(t, s.List())
	assert.ErrorIs(t, s.Cancel(job.ID), ErrNotFound)
}

func TestSchedulerFiresDueJob(t *testing.T) {
	registry := newTestRegistry(t)
	s := newIdleScheduler(registry)

	job := &models.MonitorJob{
		ID:       "m1",
		Target:   "https://careers.example.com",
		Selector: ".jobs",
		Interval: time.Minute,
		NextFire: time.Now().Add(-time.Second),
	}
	e := &entry{job: job}
	s.entries[job.ID] = e
	heap.Push(&s.queue, e)

	s.fireDue()

	require.NotEmpty(t, job.LastSessionID)
	spawned, err := registry.Get(job.LastSessionID)
	require.NoError(t, err)
	assert.True(t, job.NextFire.After(time.Now()))

	select {
	case <-spawned.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("check session never finished")
	}
	assert.Equal(t, models.StateCompleted, spawned.State())
}

func TestSchedulerSkipsWhileCheckStillRunning(t *testing.T) {
	registry := newTestRegistry(t)
	s := newIdleScheduler(registry)

	// A prior check session that never started stays CREATED, which is
	// non-terminal and must suppress the next fire.
	prev, err := registry.Create(models.CreateSessionRequest{
		Script: []models.Action{{Type: models.ActionNavigate, URL: "https://careers.example.com"}},
	})
	require.NoError(t, err)

	job := &models.MonitorJob{
		ID:            "m1",
		Target:        "https://careers.example.com",
		Selector:      ".jobs",
		Interval:      time.Minute,
		NextFire:      time.Now().Add(-time.Second),
		LastSessionID: prev.ID,
	}
	e := &entry{job: job}
	s.entries[job.ID] = e
	heap.Push(&s.queue, e)

	s.fireDue()

	assert.Equal(t, prev.ID, job.LastSessionID, "no new session while previous is live")
	assert.Equal(t, 1, job.SkippedFires)
	assert.True(t, job.NextFire.After(time.Now()), "skipped fire still reschedules")
}
