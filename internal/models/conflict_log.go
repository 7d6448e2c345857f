// Package models provides data model definitions for PlantSync.
package models

import "time"

// ConflictLog records resolved concurrent edits for operator visibility.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	TableName       string `db:"table_name" json:"table_name"`
	RecordID        string `db:"record_id" json:"record_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"` // local_wins, remote_wins
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
