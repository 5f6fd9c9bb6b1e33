package model

import "time"

// SyncRun is the audit row written for every sync attempt that passed the
// gate. Denied attempts leave no row.
type SyncRun struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Trigger    string    `json:"trigger"`
	Strategy   string    `json:"strategy"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Success    bool      `json:"success"`
	Processed  int       `json:"processed"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Error      string    `json:"error,omitempty"`
}

// SweepCandidate is a connected user as seen by the background sweep.
type SweepCandidate struct {
	UserID           string
	AthleteID        int64
	LastActivitySync *time.Time
}
