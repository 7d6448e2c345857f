// Package sync implements the bidirectional synchronization engine:
// pushing queued local changes to the authority and pulling authority
// changes back down.
package sync

import (
	"encoding/json"

	"github.com/dkowalski/plantsync/internal/models"
)

// PushItem is one queued change as transmitted to the authority.
type PushItem struct {
	EntryID         int64            `json:"entry_id"`
	Table           string           `json:"table"`
	RecordID        string           `json:"record_id"`
	Operation       models.Operation `json:"operation"`
	Payload         json.RawMessage  `json:"payload"`
	ClientTimestamp int64            `json:"client_timestamp"`
}

// PushEntryError is a per-entry validation failure reported by the
// authority. The entry is not retried; it is marked synced and logged.
type PushEntryError struct {
	EntryID  int64  `json:"entry_id"`
	Table    string `json:"table"`
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

// PushResponse is the authority's acknowledgement of a pushed batch.
// Only entries listed in Accepted may be marked synced.
type PushResponse struct {
	Accepted []int64          `json:"accepted"`
	Errors   []PushEntryError `json:"errors,omitempty"`
}

// PullResponse carries authority-side changes since a cursor.
type PullResponse struct {
	Changes []models.ServerChange `json:"changes"`
	Cursor  int64                 `json:"cursor"`
}
