package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/batch"
	"github.com/applyflow/applyflow/internal/monitor"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *session.Registry
	batches  *batch.Coordinator
	monitors *monitor.Scheduler
	logger   zerolog.Logger
}

func NewHandler(registry *session.Registry, batches *batch.Coordinator, monitors *monitor.Scheduler, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		batches:  batches,
		monitors: monitors,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	s, err := h.registry.Create(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID: s.ID,
		State:     s.State(),
	})
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	state := models.SessionState(r.URL.Query().Get("state"))
	sessions := h.registry.List(state)
	if sessions == nil {
		sessions = []models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// StartSession handles POST /v1/sessions/{id}/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	state, err := s.Start()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, models.CreateSessionResponse{SessionID: s.ID, State: state})
}

// StopSession handles POST /v1/sessions/{id}/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if err := s.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Snapshot())
}

// DeleteSession handles DELETE /v1/sessions/{id}. Eviction is only legal
// once the session is terminal.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	err := h.registry.Cleanup(mux.Vars(r)["id"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// CleanupSessions handles POST /v1/sessions/cleanup
func (h *Handler) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	var req models.CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	cleaned := h.registry.CleanupMany(req.SessionIDs, req.All)
	writeJSON(w, http.StatusOK, models.CleanupResponse{Cleaned: cleaned})
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot and
// returns a PNG of the current viewport.
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	encoded, err := s.CaptureScreenshot(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to decode screenshot"))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(data)
}

// CreateBatch handles POST /v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	b, err := h.batches.Submit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// RegisterMonitor handles POST /v1/monitors
func (h *Handler) RegisterMonitor(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return
	}

	job, err := h.monitors.Register(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.RegisterMonitorResponse{JobID: job.ID})
}

// ListMonitors handles GET /v1/monitors
func (h *Handler) ListMonitors(w http.ResponseWriter, r *http.Request) {
	jobs := h.monitors.List()
	if jobs == nil {
		jobs = []*models.MonitorJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// DeleteMonitor handles DELETE /v1/monitors/{id}
func (h *Handler) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitors.Cancel(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
