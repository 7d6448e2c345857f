// Package conflict provides last-write-wins resolution between a pending
// local change and an authority-side change for the same record.
package conflict

import (
	"time"

	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
)

// Outcome names the winning side of a resolved conflict.
type Outcome string

const (
	OutcomeLocalWins  Outcome = "local_wins"
	OutcomeRemoteWins Outcome = "remote_wins"
)

// Conflict is a detected divergence: the replica has an unsynced queue
// entry for a record the authority also changed.
type Conflict struct {
	TableName       string
	RecordID        string
	LocalTimestamp  int64 // queue entry created_at
	RemoteTimestamp int64 // authority-side updated_at
}

// Result is the outcome of resolving a conflict.
type Result struct {
	Outcome     Outcome
	ConflictLog *models.ConflictLog
}

// Resolver applies the last-write-wins policy. The two timestamps come
// from different clocks (replica vs authority), so resolution is subject
// to clock skew; both sides use the canonical zone to keep the window
// small.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a Resolver. now supplies the detection timestamp.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// Resolve picks the later write. The local side wins ties: a tied
// timestamp means the replica edited at least as recently, and its entry
// is already queued to overwrite the authority.
func (r *Resolver) Resolve(c *Conflict) *Result {
	outcome := OutcomeRemoteWins
	if c.LocalTimestamp >= c.RemoteTimestamp {
		outcome = OutcomeLocalWins
	}

	result := &Result{
		Outcome: outcome,
		ConflictLog: &models.ConflictLog{
			TableName:       c.TableName,
			RecordID:        c.RecordID,
			LocalTimestamp:  c.LocalTimestamp,
			RemoteTimestamp: c.RemoteTimestamp,
			Resolution:      string(outcome),
			DetectedAt:      r.now().Unix(),
		},
	}

	logging.Info("Conflict resolved using last-write-wins", map[string]interface{}{
		"table":            c.TableName,
		"record_id":        c.RecordID,
		"local_timestamp":  c.LocalTimestamp,
		"remote_timestamp": c.RemoteTimestamp,
		"resolution":       string(outcome),
	})

	return result
}
