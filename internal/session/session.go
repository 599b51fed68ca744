package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/browser"
	"github.com/applyflow/applyflow/internal/events"
	"github.com/applyflow/applyflow/internal/metrics"
	"github.com/applyflow/applyflow/pkg/models"
)

// ErrInvalidTransition is returned for lifecycle commands that are not
// legal from the session's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// errStopped aborts retry backoff when a stop arrives mid-budget.
var errStopped = errors.New("stopped during retry")

// RunConfig tunes script execution.
type RunConfig struct {
	ActionTimeout      time.Duration
	RetryBudget        int
	RetryBackoff       time.Duration
	ScreenshotEachStep bool
}

// Session is one automation run of a task script against one leased
// browser worker. All session state is mutated by the runner goroutine
// (single writer); the mutex only guards snapshot reads and command
// bookkeeping, never crosses sessions.
type Session struct {
	ID        string
	Target    string
	ProfileID string
	BatchID   string

	script []models.Action

	pool   *browser.Pool
	broker *events.Broker
	cfg    RunConfig
	logger zerolog.Logger

	// profileDir is a pre-extracted user-data dir mounted into the worker.
	profileDir string
	// saveProfile re-archives the user-data dir on terminal transitions.
	saveProfile func(userDataDir string)

	mu            sync.Mutex
	state         models.SessionState
	cursor        int
	lastErr       *models.SessionError
	worker        *browser.Worker
	started       bool
	stopRequested bool
	pendingPause  bool
	acquireCancel context.CancelFunc
	createdAt     time.Time
	updatedAt     time.Time
	terminalAt    time.Time

	// workerMu serializes driver access between the runner and live-view
	// calls (screenshots, manual actions on a paused session).
	workerMu sync.Mutex

	// wake signals the runner that pendingPause changed.
	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSession(id string, req models.CreateSessionRequest, pool *browser.Pool, broker *events.Broker, cfg RunConfig, logger zerolog.Logger) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Target:    req.Target,
		ProfileID: req.ProfileID,
		script:    req.Script,
		pool:      pool,
		broker:    broker,
		cfg:       cfg,
		logger:    logger.With().Str("session_id", id).Logger(),
		state:     models.StateCreated,
		createdAt: now,
		updatedAt: now,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches script execution. It is idempotent: re-issuing start on
// a session that already started returns the current state without
// acquiring a second worker.
func (s *Session) Start() (models.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return s.state, fmt.Errorf("%w: cannot start a %s session", ErrInvalidTransition, s.state)
	}
	if s.started {
		return s.state, nil
	}
	s.started = true
	go s.run()
	return s.state, nil
}

// Pause requests suspension at the next action boundary. Legal only while
// RUNNING; the state changes once the in-flight action completes.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StateRunning || s.pendingPause {
		return fmt.Errorf("%w: pause requires a running session", ErrInvalidTransition)
	}
	s.pendingPause = true
	s.signal()
	return nil
}

// Resume continues a paused session. A resume that lands before a pending
// pause took effect cancels it out at the next boundary.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.StatePaused && !(s.pendingPause && s.state == models.StateRunning) {
		return fmt.Errorf("%w: resume requires a paused session", ErrInvalidTransition)
	}
	s.pendingPause = false
	s.signal()
	return nil
}

// Stop terminates the session. From RUNNING or PAUSED the state moves to
// STOPPING immediately and to STOPPED once the worker is released; a
// session still queued for a worker goes to STOPPED directly, never
// acquiring one. Partial progress is kept.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}

	if !s.started {
		// Never ran: terminal without a runner.
		s.started = true
		s.mu.Unlock()
		s.finish(models.StateStopped, nil)
		return nil
	}

	s.stopRequested = true
	if s.state == models.StateRunning || s.state == models.StatePaused {
		s.state = models.StateStopping
		s.updatedAt = time.Now()
	}
	cancel := s.acquireCancel
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if cancel != nil {
		cancel()
	}
	return nil
}

// run is the session's single driver goroutine.
func (s *Session) run() {
	acquireCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.acquireCancel = cancel
	stopReq := s.stopRequested
	s.mu.Unlock()
	if stopReq {
		cancel()
		s.finish(models.StateStopped, nil)
		return
	}

	var w *browser.Worker
	var err error
	if s.profileDir != "" {
		w, err = s.pool.AcquireProfile(acquireCtx, s.profileDir)
	} else {
		w, err = s.pool.Acquire(acquireCtx)
	}
	cancel()

	if err != nil {
		s.mu.Lock()
		stopReq = s.stopRequested
		s.mu.Unlock()
		if stopReq {
			s.finish(models.StateStopped, nil)
			return
		}
		s.finish(models.StateError, &models.SessionError{
			Code:    "worker_acquire",
			Message: err.Error(),
		})
		return
	}

	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
	metrics.IncSessionStarted()
	s.setState(models.StateRunning)

	for {
		// Action boundary: stop wins, then a pending pause.
		select {
		case <-s.stopCh:
			s.finish(models.StateStopped, nil)
			return
		default:
		}

		s.mu.Lock()
		paused := s.pendingPause
		cursor := s.cursor
		s.mu.Unlock()

		if paused {
			s.setState(models.StatePaused)
			if !s.waitResume() {
				s.finish(models.StateStopped, nil)
				return
			}
			s.setState(models.StateRunning)
			continue
		}
		if cursor >= len(s.script) {
			s.finish(models.StateCompleted, nil)
			return
		}

		action := s.script[cursor]
		result, aerr := s.executeWithRetry(action)
		if errors.Is(aerr, errStopped) {
			s.finish(models.StateStopped, nil)
			return
		}
		if aerr != nil {
			s.finish(models.StateError, toSessionError(aerr))
			return
		}

		s.mu.Lock()
		s.cursor++
		s.updatedAt = time.Now()
		s.mu.Unlock()

		s.publishStatus()
		if result != "" {
			s.broker.Publish(s.ID, models.EventLog, models.ExtractPayload{
				Selector: action.Selector,
				Content:  result,
			})
		}
		if s.cfg.ScreenshotEachStep {
			s.stepScreenshot()
		}
	}
}

// waitResume blocks a paused runner until resume or stop.
func (s *Session) waitResume() bool {
	for {
		select {
		case <-s.stopCh:
			return false
		case <-s.wake:
			s.mu.Lock()
			resumed := !s.pendingPause
			s.mu.Unlock()
			if resumed {
				return true
			}
		}
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// executeWithRetry runs one action under its timeout, retrying transient
// failures with exponential backoff until the budget is exhausted.
func (s *Session) executeWithRetry(action models.Action) (string, error) {
	backoff := s.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= s.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			metrics.IncActionRetry()
			s.broker.Publish(s.ID, models.EventLog, models.LogPayload{
				Message: fmt.Sprintf("retrying %s (attempt %d of %d)", action.Describe(), attempt+1, s.cfg.RetryBudget+1),
			})
			select {
			case <-s.stopCh:
				return "", errStopped
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		actx, cancel := context.WithTimeout(context.Background(), s.cfg.ActionTimeout)
		s.workerMu.Lock()
		result, err := s.worker.Perform(actx, action)
		s.workerMu.Unlock()
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, browser.ErrWorkerCrashed) || errors.Is(err, browser.ErrInvalidTarget) {
			return "", err
		}
		// Timeouts and transient page errors stay retryable.
	}

	return "", fmt.Errorf("retry budget exhausted: %w", lastErr)
}

// finish performs the terminal transition: release or discard the worker,
// persist the profile, publish the final telemetry, and unblock waiters.
func (s *Session) finish(state models.SessionState, serr *models.SessionError) {
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.state = state
	s.lastErr = serr
	now := time.Now()
	s.updatedAt = now
	s.terminalAt = now
	s.mu.Unlock()

	if w != nil {
		// workerMu guarantees no live-view driver call is in flight when
		// the worker goes back to the pool.
		s.workerMu.Lock()
		if s.saveProfile != nil && w.UserDataDir() != "" {
			s.saveProfile(w.UserDataDir())
		}
		if !w.Healthy() {
			if err := s.pool.Discard(context.Background(), w); err != nil {
				s.logger.Warn().Err(err).Msg("failed to discard worker")
			}
		} else if err := s.pool.Release(w); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release worker")
		}
		s.workerMu.Unlock()
	}

	s.publishStatus()
	if serr != nil {
		s.broker.Publish(s.ID, models.EventError, models.ErrorPayload{Error: *serr})
	}
	metrics.IncSessionTerminal(strings.ToLower(string(state)))
	s.logger.Info().Str("state", string(state)).Int("cursor", s.Cursor()).Msg("session reached terminal state")
	close(s.done)
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.publishStatus()
}

func (s *Session) publishStatus() {
	s.mu.Lock()
	payload := models.StatusPayload{
		State:    s.state,
		Cursor:   s.cursor,
		Progress: progress(s.cursor, len(s.script)),
	}
	if s.cursor < len(s.script) {
		payload.CurrentStep = s.script[s.cursor].Describe()
	}
	s.mu.Unlock()
	s.broker.Publish(s.ID, models.EventStatus, payload)
}

func (s *Session) stepScreenshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.workerMu.Lock()
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		s.workerMu.Unlock()
		return
	}
	data, err := w.Screenshot(ctx)
	s.workerMu.Unlock()

	if err != nil {
		s.logger.Debug().Err(err).Msg("step screenshot failed")
		return
	}
	s.broker.Publish(s.ID, models.EventScreenshot, models.ScreenshotPayload{
		Data: base64.StdEncoding.EncodeToString(data),
	})
}

// CaptureScreenshot grabs the current viewport for a live-view client.
func (s *Session) CaptureScreenshot(ctx context.Context) (string, error) {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return "", fmt.Errorf("session has no live worker")
	}

	data, err := w.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("screenshot failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ManualAction executes one client-driven browser action. Only legal on a
// paused session, so manual input never interleaves with the script.
func (s *Session) ManualAction(ctx context.Context, action models.Action) error {
	if err := action.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != models.StatePaused {
		return fmt.Errorf("%w: manual actions require a paused session", ErrInvalidTransition)
	}

	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("session has no live worker")
	}

	_, err := w.Perform(ctx, action)
	return err
}

// State returns the session's current state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the index of the next action to execute.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the externally visible view of the session.
func (s *Session) Snapshot() models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionSummary{
		ID:        s.ID,
		Target:    s.Target,
		State:     s.state,
		Cursor:    s.cursor,
		ScriptLen: len(s.script),
		Progress:  progress(s.cursor, len(s.script)),
		ProfileID: s.ProfileID,
		BatchID:   s.BatchID,
		LastError: s.lastErr,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return time.Time{}, false
	}
	return s.terminalAt, true
}

func progress(cursor, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(cursor) / float64(total)
}

func toSessionError(err error) *models.SessionError {
	serr := &models.SessionError{Message: err.Error()}
	switch {
	case errors.Is(err, browser.ErrWorkerCrashed):
		serr.Code = "worker_crashed"
	case errors.Is(err, browser.ErrInvalidTarget):
		serr.Code = "invalid_target"
	default:
		serr.Code = "action_failed"
		serr.Retryable = true
	}
	return serr
}
