package models

// Session control channel message kinds, client to server.
const (
	MsgGetStatus         = "get_status"
	MsgStartAutomation   = "start_automation"
	MsgPauseAutomation   = "pause_automation"
	MsgResumeAutomation  = "resume_automation"
	MsgStopAutomation    = "stop_automation"
	MsgRequestScreenshot = "request_screenshot"
	MsgBrowserAction     = "browser_action"
)

// Session control channel message kinds, server to client.
const (
	MsgStatusUpdate          = "status_update"
	MsgScreenshot            = "screenshot"
	MsgPageEvent             = "page_event"
	MsgAutomationResponse    = "automation_response"
	MsgBrowserActionResponse = "browser_action_response"
)

// ClientMessage is one command received on a session control channel.
// Script is only decoded so start_automation can reject an inline one:
// the task script is immutable once attached at session creation.
type ClientMessage struct {
	Kind   string   `json:"kind"`
	Action *Action  `json:"action,omitempty"` // browser_action only
	Script []Action `json:"task_script,omitempty"`
}

// StatusUpdate reports session state to control channel clients.
type StatusUpdate struct {
	Kind        string       `json:"kind"`
	SessionID   string       `json:"sessionId"`
	State       SessionState `json:"state"`
	CurrentStep string       `json:"currentStep,omitempty"`
	Progress    float64      `json:"progress"`
}

// ScreenshotMessage carries a base64-encoded viewport image.
type ScreenshotMessage struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
}

// PageEventMessage forwards log and error telemetry to the client.
type PageEventMessage struct {
	Kind  string `json:"kind"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// AutomationResponse acknowledges a lifecycle command. Every accepted
// command yields at least one of these or a status update.
type AutomationResponse struct {
	Kind    string `json:"kind"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// BrowserActionResponse acknowledges a manual browser action.
type BrowserActionResponse struct {
	Kind    string `json:"kind"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
