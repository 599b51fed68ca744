package models

import "time"

// EventKind classifies session telemetry events.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventScreenshot EventKind = "screenshot"
	EventLog        EventKind = "log"
	EventError      EventKind = "error"
)

// Event is one telemetry item published on a session's event channel.
// Seq is monotonically increasing per session; subscribers use it to
// detect gaps after screenshot drops.
type Event struct {
	SessionID string    `json:"sessionId"`
	Kind      EventKind `json:"kind"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StatusPayload is carried by status events at every action boundary.
type StatusPayload struct {
	State       SessionState `json:"state"`
	Cursor      int          `json:"cursor"`
	Progress    float64      `json:"progress"`
	CurrentStep string       `json:"currentStep,omitempty"`
}

// ScreenshotPayload carries a base64-encoded PNG of the current viewport.
type ScreenshotPayload struct {
	Data string `json:"data"`
}

// LogPayload carries free-form diagnostic messages.
type LogPayload struct {
	Message string `json:"message"`
}

// ErrorPayload is published once when a session reaches ERROR.
type ErrorPayload struct {
	Error SessionError `json:"error"`
}

// ExtractPayload carries the result of an extract action, published as a log event.
type ExtractPayload struct {
	Selector string `json:"selector"`
	Content  string `json:"content"`
}
