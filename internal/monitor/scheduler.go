package monitor

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/pkg/models"
)

var ErrNotFound = errors.New("monitor not found")

// SchedulerConfig tunes the portal monitor scheduler.
type SchedulerConfig struct {
	// MinInterval is the floor for monitor check intervals.
	MinInterval time.Duration
}

// entry is a heap member ordered by next fire time.
type entry struct {
	job   *models.MonitorJob
	index int
}

type fireQueue []*entry

func (q fireQueue) Len() int            { return len(q) }
func (q fireQueue) Less(i, j int) bool  { return q[i].job.NextFire.Before(q[j].job.NextFire) }
func (q fireQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *fireQueue) Push(x any) { e := x.(*entry); e.index = len(*q); *q = append(*q, e) }
func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Scheduler periodically spawns check sessions against registered
// portal targets. One goroutine owns the fire queue; Register and
// Cancel nudge it through the wake channel so a new earliest deadline
// takes effect immediately.
type Scheduler struct {
	mu      sync.Mutex
	queue   fireQueue
	entries map[string]*entry

	registry *session.Registry
	cfg      SchedulerConfig
	logger   zerolog.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewScheduler(registry *session.Registry, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 10 * time.Second
	}
	s := &Scheduler{
		entries:  make(map[string]*entry),
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "monitor").Logger(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Register adds a recurring check against the given target. The first
// check fires one full interval from now.
func (s *Scheduler) Register(req models.RegisterMonitorRequest) (*models.MonitorJob, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if interval < s.cfg.MinInterval {
		return nil, fmt.Errorf("interval must be at least %s", s.cfg.MinInterval)
	}

	job := &models.MonitorJob{
		ID:        uuid.New().String(),
		Target:    req.Target,
		Selector:  req.Selector,
		Interval:  interval,
		NextFire:  time.Now().Add(interval),
		CreatedAt: time.Now(),
	}
	if job.Selector == "" {
		job.Selector = "body"
	}

	e := &entry{job: job}
	s.mu.Lock()
	s.entries[job.ID] = e
	heap.Push(&s.queue, e)
	s.mu.Unlock()
	s.signal()

	s.logger.Info().Str("monitor_id", job.ID).Str("target", job.Target).Dur("interval", interval).Msg("monitor registered")
	return job, nil
}

// Cancel removes a monitor. In-flight check sessions are left to finish.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		heap.Remove(&s.queue, e.index)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.signal()
	return nil
}

// List returns all registered monitors.
func (s *Scheduler) List() []*models.MonitorJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.MonitorJob, 0, len(s.entries))
	for _, e := range s.entries {
		job := *e.job
		out = append(out, &job)
	}
	return out
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.queue) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.queue[0].job.NextFire)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops every job whose deadline has passed, spawns its check
// session unless the previous one is still running, and reschedules.
func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].job.NextFire.After(now) {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		job := e.job

		skip := false
		if job.LastSessionID != "" {
			if prev, err := s.registry.Get(job.LastSessionID); err == nil && !prev.State().Terminal() {
				skip = true
				job.SkippedFires++
			}
		}

		job.NextFire = job.NextFire.Add(job.Interval)
		if job.NextFire.Before(now) {
			// Catch up after a stall instead of firing in a burst.
			job.NextFire = now.Add(job.Interval)
		}
		heap.Fix(&s.queue, e.index)
		s.mu.Unlock()

		if skip {
			metrics.IncMonitorFire("skipped")
			s.logger.Warn().Str("monitor_id", job.ID).Str("session_id", job.LastSessionID).Msg("previous check still running, skipping this interval")
			continue
		}
		s.spawn(job)
	}
}

func (s *Scheduler) spawn(job *models.MonitorJob) {
	sess, err := s.registry.Create(models.CreateSessionRequest{
		Target: job.Target,
		Script: []models.Action{
			{Type: models.ActionNavigate, URL: job.Target},
			{Type: models.ActionExtract, Selector: job.Selector},
		},
	})
	if err != nil {
		metrics.IncMonitorFire("error")
		s.logger.Error().Err(err).Str("monitor_id", job.ID).Msg("failed to create check session")
		return
	}
	if _, err := sess.Start(); err != nil {
		metrics.IncMonitorFire("error")
		s.logger.Error().Err(err).Str("monitor_id", job.ID).Msg("failed to start check session")
		return
	}

	s.mu.Lock()
	if e, ok := s.entries[job.ID]; ok {
		e.job.LastSessionID = sess.ID
		e.job.LastFired = time.Now()
	}
	s.mu.Unlock()

	metrics.IncMonitorFire("fired")
	s.logger.Debug().Str("monitor_id", job.ID).Str("session_id", sess.ID).Msg("check session spawned")
}

// Close stops the scheduling loop.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}
