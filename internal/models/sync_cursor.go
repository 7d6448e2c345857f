// Package models provides data model definitions for PlantSync.
package models

import "time"

// SyncCursor is the singleton row tracking the most recent successful pull
// from the authority. LastPullAt only ever moves forward.
type SyncCursor struct {
	ID         int   `db:"id" json:"id"` // always 1
	LastPullAt int64 `db:"last_pull_at" json:"last_pull_at"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursor"
}

// LastPullTime returns LastPullAt as time.Time.
func (s *SyncCursor) LastPullTime() time.Time {
	return time.Unix(s.LastPullAt, 0)
}
