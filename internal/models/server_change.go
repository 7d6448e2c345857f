// Package models provides data model definitions for PlantSync.
package models

import (
	"encoding/json"
	"time"
)

// ServerChange is one row of the authority-side change log. Replicas pull
// these by UpdatedAt to absorb authority state.
type ServerChange struct {
	ID        int64           `db:"id" json:"id"`
	TableName string          `db:"table_name" json:"table"`
	RecordID  string          `db:"record_id" json:"record_id"`
	Operation Operation       `db:"operation" json:"operation"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (s *ServerChange) UpdatedAtTime() time.Time {
	return time.Unix(s.UpdatedAt, 0)
}
