package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/browser"
	"github.com/applyflow/applyflow/internal/events"
	"github.com/applyflow/applyflow/pkg/models"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrSessionActive rejects cleanup of a session that has not reached
	// a terminal state.
	ErrSessionActive = errors.New("session still active")
)

// ProfileStore is the slice of the profile subsystem the registry needs.
type ProfileStore interface {
	Load(profileID string) (string, error)
	Save(profileID, userDataDir string) error
}

// RegistryConfig tunes session creation and retention.
type RegistryConfig struct {
	Run RunConfig

	// RetentionGrace is how long terminal sessions stay visible for late
	// telemetry subscribers before auto-eviction.
	RetentionGrace time.Duration
}

// Registry is the process-wide map of session id to session. Every other
// component reaches a session through here, which keeps exactly one copy
// of each session's state.
type Registry struct {
	sessions sync.Map // sessionID -> *Session

	pool     *browser.Pool
	broker   *events.Broker
	profiles ProfileStore
	cfg      RegistryConfig
	logger   zerolog.Logger

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

func NewRegistry(pool *browser.Pool, broker *events.Broker, profiles ProfileStore, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if cfg.RetentionGrace <= 0 {
		cfg.RetentionGrace = 5 * time.Minute
	}
	r := &Registry{
		pool:        pool,
		broker:      broker,
		profiles:    profiles,
		cfg:         cfg,
		logger:      logger.With().Str("component", "registry").Logger(),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Create validates the task script and registers a new session in CREATED.
func (r *Registry) Create(req models.CreateSessionRequest) (*Session, error) {
	if err := models.ValidateScript(req.Script); err != nil {
		return nil, fmt.Errorf("invalid task script: %w", err)
	}

	id := uuid.New().String()
	r.broker.Open(id)
	s := newSession(id, req, r.pool, r.broker, r.cfg.Run, r.logger)

	if req.ProfileID != "" {
		if r.profiles == nil {
			return nil, fmt.Errorf("profile %s requested but no profile store configured", req.ProfileID)
		}
		dir, err := r.profiles.Load(req.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		s.profileDir = dir
		profileID := req.ProfileID
		s.saveProfile = func(userDataDir string) {
			if err := r.profiles.Save(profileID, userDataDir); err != nil {
				r.logger.Warn().Err(err).Str("profile_id", profileID).Msg("failed to persist profile data")
			}
		}
	}

	r.sessions.Store(s.ID, s)
	r.logger.Info().Str("session_id", s.ID).Str("target", s.Target).Int("script_len", len(req.Script)).Msg("session created")
	return s, nil
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	value, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return value.(*Session), nil
}

// List returns session summaries, optionally filtered by state, ordered
// by creation time.
func (r *Registry) List(state models.SessionState) []models.SessionSummary {
	var out []models.SessionSummary
	r.sessions.Range(func(_, value any) bool {
		snap := value.(*Session).Snapshot()
		if state != "" && snap.State != state {
			return true
		}
		out = append(out, snap)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cleanup evicts one terminal session. Evicting a non-terminal session is
// forbidden.
func (r *Registry) Cleanup(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if !s.State().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionActive, id, s.State())
	}
	r.evict(s)
	return nil
}

// CleanupMany evicts the given sessions (or, with all=true, every
// session) that are terminal, returning the ids actually cleaned.
func (r *Registry) CleanupMany(ids []string, all bool) []string {
	if all {
		ids = ids[:0]
		r.sessions.Range(func(key, _ any) bool {
			ids = append(ids, key.(string))
			return true
		})
	}

	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.Cleanup(id); err == nil {
			cleaned = append(cleaned, id)
		}
	}
	return cleaned
}

func (r *Registry) evict(s *Session) {
	r.sessions.Delete(s.ID)
	r.broker.DropSession(s.ID)
	r.logger.Debug().Str("session_id", s.ID).Msg("session evicted")
}

// janitor auto-evicts terminal sessions once their retention grace period
// has passed.
func (r *Registry) janitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.RetentionGrace)
			r.sessions.Range(func(_, value any) bool {
				s := value.(*Session)
				if at, terminal := s.terminalSince(); terminal && at.Before(cutoff) {
					r.evict(s)
				}
				return true
			})
		}
	}
}

// Close drains the registry: stop all live sessions, wait (bounded by
// ctx) for their workers to come back, then evict everything.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.janitorStop)
	})
	<-r.janitorDone

	var live []*Session
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if !s.State().Terminal() {
			live = append(live, s)
		}
		return true
	})

	for _, s := range live {
		if err := s.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to stop session during drain")
		}
	}

	var err error
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			err = fmt.Errorf("registry drain interrupted: %w", ctx.Err())
		}
		if err != nil {
			break
		}
	}

	r.sessions.Range(func(_, value any) bool {
		r.evict(value.(*Session))
		return true
	})
	return err
}
