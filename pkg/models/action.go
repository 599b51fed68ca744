package models

import "fmt"

// ActionType identifies one atomic browser operation.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionExtract  ActionType = "extract"
	ActionWait     ActionType = "wait"
)

// Action is one step of a task script. The Type tag decides which fields
// are meaningful; Validate enforces that per kind.
type Action struct {
	Type ActionType `json:"type"`

	// URL is the navigation target (navigate only).
	URL string `json:"url,omitempty"`

	// Selector identifies the element to operate on (click, type, extract, wait).
	Selector string `json:"selector,omitempty"`

	// Value is the text to type into the selected input (type only).
	Value string `json:"value,omitempty"`

	// DurationMs is a fixed delay for wait actions without a selector.
	DurationMs int `json:"durationMs,omitempty"`
}

// Validate checks that the action carries the fields its kind requires.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			return fmt.Errorf("navigate action requires url")
		}
	case ActionClick:
		if a.Selector == "" {
			return fmt.Errorf("click action requires selector")
		}
	case ActionTypeText:
		if a.Selector == "" {
			return fmt.Errorf("type action requires selector")
		}
	case ActionExtract:
		if a.Selector == "" {
			return fmt.Errorf("extract action requires selector")
		}
	case ActionWait:
		if a.Selector == "" && a.DurationMs <= 0 {
			return fmt.Errorf("wait action requires selector or durationMs")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// ValidateScript validates every action of a task script.
func ValidateScript(script []Action) error {
	if len(script) == 0 {
		return fmt.Errorf("script must contain at least one action")
	}
	for i, a := range script {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Describe renders a short human-readable label for status updates.
func (a Action) Describe() string {
	switch a.Type {
	case ActionNavigate:
		return fmt.Sprintf("navigate %s", a.URL)
	case ActionClick:
		return fmt.Sprintf("click %s", a.Selector)
	case ActionTypeText:
		return fmt.Sprintf("type into %s", a.Selector)
	case ActionExtract:
		return fmt.Sprintf("extract %s", a.Selector)
	case ActionWait:
		if a.Selector != "" {
			return fmt.Sprintf("wait for %s", a.Selector)
		}
		return fmt.Sprintf("wait %dms", a.DurationMs)
	}
	return string(a.Type)
}
