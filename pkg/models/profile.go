package models

import "time"

// Profile represents persisted browser state (cookies, local storage) that
// can be mounted into a session's worker so portal logins survive restarts.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	DataPath  string    `json:"-"`
}

// CreateProfileRequest is the payload for creating an empty profile.
type CreateProfileRequest struct {
	Name string `json:"name,omitempty"`
}
