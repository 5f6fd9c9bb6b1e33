package model

import "time"

// SyncState is the durable per-user record the sync gate reads and every
// sync attempt writes.
//
// SyncRequestsToday is only meaningful while LastSyncDate is the current
// UTC day; a stale date means the counter is logically zero even though
// the stored value has not been reset yet.
type SyncState struct {
	UserID                string     `json:"userId"`
	SyncEnabled           bool       `json:"syncEnabled"`
	SyncRequestsToday     int        `json:"syncRequestsToday"`
	LastSyncDate          string     `json:"lastSyncDate"` // YYYY-MM-DD, UTC
	LastActivitySync      *time.Time `json:"lastActivitySync"`
	ConsecutiveErrors     int        `json:"consecutiveErrors"`
	LastErrorMessage      string     `json:"lastErrorMessage"`
	LastErrorAt           *time.Time `json:"lastErrorAt"`
	TotalActivitiesSynced int        `json:"totalActivitiesSynced"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// SyncAttempt is what one finished sync attempt contributes to SyncState.
// The store applies it in a single upsert.
type SyncAttempt struct {
	UserID string
	At     time.Time
	Day    string // UTC day key of At

	// Succeeded clears the error streak; otherwise ErrorMessage is recorded
	// and ConsecutiveErrors grows by one.
	Succeeded    bool
	ErrorMessage string

	// Progressed moves LastActivitySync to At. True for a successful run and
	// for a failed run that still merged something.
	Progressed bool

	NewActivities int
}
