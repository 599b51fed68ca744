package models

import "time"

// TaskSpec is one member task of a batch submission.
type TaskSpec struct {
	Target    string   `json:"target,omitempty"`
	Script    []Action `json:"script"`
	ProfileID string   `json:"profileId,omitempty"`
}

// Batch is a snapshot of a group of sessions submitted together.
// MemberSessionIDs preserves submission order.
type Batch struct {
	ID               string    `json:"id"`
	MemberSessionIDs []string  `json:"memberSessionIds"`
	MaxConcurrent    int       `json:"maxConcurrent"`
	CompletedCount   int       `json:"completedCount"`
	FailedCount      int       `json:"failedCount"`
	Done             bool      `json:"done"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CreateBatchRequest submits N independent tasks with a shared concurrency cap.
type CreateBatchRequest struct {
	Tasks         []TaskSpec `json:"tasks"`
	MaxConcurrent int        `json:"maxConcurrent"`
}

// CreateBatchResponse returns the identifier of the accepted batch.
type CreateBatchResponse struct {
	BatchID    string   `json:"batchId"`
	SessionIDs []string `json:"sessionIds"`
}
