package models

import "time"

// MonitorJob is a recurring portal check. Each fire spawns one short-lived
// session (navigate + extract) unless the previous one is still live.
type MonitorJob struct {
	ID            string        `json:"id"`
	Target        string        `json:"target"`
	Selector      string        `json:"selector"`
	Interval      time.Duration `json:"interval"`
	NextFire      time.Time     `json:"nextFire"`
	LastFired     time.Time     `json:"lastFired,omitempty"`
	LastSessionID string        `json:"lastSessionId,omitempty"`
	SkippedFires  int           `json:"skippedFires"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// RegisterMonitorRequest registers a recurring portal check.
type RegisterMonitorRequest struct {
	Target          string `json:"target"`
	IntervalSeconds int    `json:"intervalSeconds"`
	Selector        string `json:"selector,omitempty"`
}

// RegisterMonitorResponse returns the identifier of the registered job.
type RegisterMonitorResponse struct {
	JobID string `json:"jobId"`
}
