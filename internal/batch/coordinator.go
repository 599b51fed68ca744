package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/applyflow/applyflow/internal/browser"
	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/pkg/models"
)

var ErrNotFound = errors.New("batch not found")

// Coordinator fans a batch of task specs out as independent sessions
// with a ceiling on how many run at once. Members share nothing but the
// batch id; one member failing never cancels its siblings.
type Coordinator struct {
	batches  sync.Map // batchID -> *models.Batch
	registry *session.Registry
	pool     *browser.Pool
	logger   zerolog.Logger
}

func NewCoordinator(registry *session.Registry, pool *browser.Pool, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		pool:     pool,
		logger:   logger.With().Str("component", "batch").Logger(),
	}
}

// Submit creates one session per task and starts them under the batch's
// concurrency ceiling. The ceiling is clamped to what the pool can
// actually grant so batch members do not monopolize the worker budget.
func (c *Coordinator) Submit(req models.CreateBatchRequest) (*models.Batch, error) {
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("batch requires at least one task")
	}

	limit := req.MaxConcurrent
	if remaining := c.pool.Remaining(); limit <= 0 || limit > remaining {
		limit = remaining
	}
	if limit < 1 {
		limit = 1
	}

	b := &models.Batch{
		ID:            uuid.New().String(),
		MaxConcurrent: limit,
		CreatedAt:     time.Now(),
	}

	sessions := make([]*session.Session, 0, len(req.Tasks))
	for i, task := range req.Tasks {
		s, err := c.registry.Create(models.CreateSessionRequest{
			Target:    task.Target,
			Script:    task.Script,
			ProfileID: task.ProfileID,
		})
		if err != nil {
			for _, created := range sessions {
				_ = created.Stop()
			}
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		s.BatchID = b.ID
		sessions = append(sessions, s)
		b.MemberSessionIDs = append(b.MemberSessionIDs, s.ID)
	}

	c.batches.Store(b.ID, b)
	metrics.IncBatchSubmitted()
	c.logger.Info().Str("batch_id", b.ID).Int("tasks", len(sessions)).Int("max_concurrent", limit).Msg("batch submitted")

	go c.run(b, sessions)
	return c.snapshot(b), nil
}

// run drives batch members to completion. SetLimit holds at most
// limit members in flight; each slot is occupied from session start
// until its terminal state.
func (c *Coordinator) run(b *models.Batch, sessions []*session.Session) {
	var g errgroup.Group
	g.SetLimit(b.MaxConcurrent)

	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if _, err := s.Start(); err != nil {
				c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("batch member failed to start")
				return nil
			}
			<-s.Done()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().Str("batch_id", b.ID).Msg("batch finished")
}

// Get returns the batch with member counts derived from live session
// states, so it stays accurate without the coordinator tracking every
// transition itself.
func (c *Coordinator) Get(id string) (*models.Batch, error) {
	value, ok := c.batches.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c.snapshot(value.(*models.Batch)), nil
}

func (c *Coordinator) snapshot(b *models.Batch) *models.Batch {
	out := &models.Batch{
		ID:               b.ID,
		MemberSessionIDs: append([]string(nil), b.MemberSessionIDs...),
		MaxConcurrent:    b.MaxConcurrent,
		CreatedAt:        b.CreatedAt,
	}

	terminal := 0
	for _, id := range b.MemberSessionIDs {
		s, err := c.registry.Get(id)
		if err != nil {
			// Evicted members were terminal by definition.
			terminal++
			out.CompletedCount++
			continue
		}
		switch s.State() {
		case models.StateCompleted:
			terminal++
			out.CompletedCount++
		case models.StateError, models.StateStopped:
			terminal++
			out.FailedCount++
		}
	}
	out.Done = terminal == len(b.MemberSessionIDs)
	return out
}
