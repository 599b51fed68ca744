package models

import "time"

// SessionState represents the current state of an automation session
type SessionState string

const (
	StateCreated   SessionState = "CREATED"
	StateRunning   SessionState = "RUNNING"
	StatePaused    SessionState = "PAUSED"
	StateStopping  SessionState = "STOPPING"
	StateStopped   SessionState = "STOPPED"
	StateCompleted SessionState = "COMPLETED"
	StateError     SessionState = "ERROR"
)

// Terminal reports whether the state permits cleanup and eviction.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateError
}

// SessionError is the structured error recorded when a session reaches ERROR.
type SessionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *SessionError) Error() string {
	return e.Code + ": " + e.Message
}

// SessionSummary is the externally visible snapshot of a session.
type SessionSummary struct {
	ID        string        `json:"id"`
	Target    string        `json:"target,omitempty"`
	State     SessionState  `json:"state"`
	Cursor    int           `json:"cursor"`
	ScriptLen int           `json:"scriptLen"`
	Progress  float64       `json:"progress"`
	ProfileID string        `json:"profileId,omitempty"`
	BatchID   string        `json:"batchId,omitempty"`
	LastError *SessionError `json:"lastError,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Target    string   `json:"target"`
	Script    []Action `json:"script"`
	ProfileID string   `json:"profileId,omitempty"`
}

// CreateSessionResponse is returned after a session has been registered
type CreateSessionResponse struct {
	SessionID string       `json:"sessionId"`
	State     SessionState `json:"state"`
}

// CleanupRequest asks for eviction of one or more terminal sessions.
// All takes precedence over SessionIDs.
type CleanupRequest struct {
	SessionIDs []string `json:"sessionIds,omitempty"`
	All        bool     `json:"all,omitempty"`
}

// CleanupResponse lists the sessions that were actually evicted.
type CleanupResponse struct {
	Cleaned []string `json:"cleaned"`
}
