package models

import (
	"time"
)

// SyncState is the scheduler state machine.
type SyncState string

const (
	SyncIdle      SyncState = "idle"
	SyncRunning   SyncState = "running"
	SyncCompleted SyncState = "completed"
	SyncError     SyncState = "error"
)

// SyncMode distinguishes full from incremental passes.
type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// SyncProgress tracks one sync run. It is persisted after every batch so
// a killed process can resume a full sync from CurrentBatchIndex instead
// of restarting from zero, and reset to idle at the start of each run.
type SyncProgress struct {
	Entity            string    `json:"entity,omitempty"`
	Mode              SyncMode  `json:"mode,omitempty"`
	State             SyncState `json:"state"`
	TotalExpected     int       `json:"totalExpected"`
	LoadedSoFar       int       `json:"loadedSoFar"`
	CurrentBatchIndex int       `json:"currentBatchIndex"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Percent returns loaded/total as 0-100, guarding the empty set.
func (p SyncProgress) Percent() int {
	if p.TotalExpected <= 0 {
		return 100
	}
	pct := p.LoadedSoFar * 100 / p.TotalExpected
	if pct > 100 {
		pct = 100
	}
	return pct
}
