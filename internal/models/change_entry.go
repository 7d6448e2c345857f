// Package models provides data model definitions for PlantSync.
package models

import (
	"encoding/json"
	"time"
)

// Operation identifies the kind of mutation captured in a queue entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Priority controls whether an enqueue also signals the scheduler for an
// out-of-cooldown push.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityBatched   Priority = "batched"
)

// ChangeEntry is one pending local mutation awaiting transmission to the
// authority. Payload is a full snapshot of the record at enqueue time,
// not a diff.
type ChangeEntry struct {
	ID           int64           `db:"id" json:"id"`
	TableName    string          `db:"table_name" json:"table_name"`
	RecordID     string          `db:"record_id" json:"record_id"`
	Operation    Operation       `db:"operation" json:"operation"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	Synced       bool            `db:"synced" json:"synced"`
	SyncAttempts int             `db:"sync_attempts" json:"sync_attempts"`
	Priority     Priority        `db:"priority" json:"priority"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *ChangeEntry) CreatedAtTime() time.Time {
	return time.Unix(c.CreatedAt, 0)
}
