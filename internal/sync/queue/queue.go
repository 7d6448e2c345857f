// Package queue provides the durable change queue for offline writes.
//
// Every local mutation on a replica lands here before anything touches the
// network. Entries survive process restart; the queue table is the
// ordering key for at-least-once delivery to the authority.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
)

// Queue manages pending change entries in the change_queue table.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Queue. now supplies timestamps in the canonical zone
// (runmode.Oracle.Now on a live process, a fixed clock in tests).
func New(db *sql.DB, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, now: now}
}

// Enqueue records a local mutation. If an unsynced entry already exists
// for the same (table, record), its payload, operation, priority, and
// timestamp are replaced in place — repeated edits to one record coalesce
// into a single entry instead of growing the queue.
//
// Enqueue fails only on storage errors; those must propagate to the
// caller of the write operation rather than be swallowed.
func (q *Queue) Enqueue(tableName, recordID string, op models.Operation, payload json.RawMessage, priority models.Priority) (int64, error) {
	if !models.IsSyncTable(tableName) {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync table: %s", tableName))
	}

	now := q.now().Unix()

	tx, err := q.db.Begin()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to begin enqueue transaction", err)
	}
	defer tx.Rollback()

	// Latest-wins coalescing against any unsynced entry for this record.
	res, err := tx.Exec(`
		UPDATE change_queue
		SET payload = ?, operation = ?, priority = ?, created_at = ?
		WHERE table_name = ? AND record_id = ? AND synced = 0`,
		string(payload), op, priority, now, tableName, recordID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to coalesce queue entry", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to read rows affected", err)
	}

	var entryID int64
	if affected > 0 {
		err = tx.QueryRow(`
			SELECT id FROM change_queue
			WHERE table_name = ? AND record_id = ? AND synced = 0`,
			tableName, recordID).Scan(&entryID)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to read coalesced entry id", err)
		}
	} else {
		res, err := tx.Exec(`
			INSERT INTO change_queue (table_name, record_id, operation, payload, created_at, synced, sync_attempts, priority)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
			tableName, recordID, op, string(payload), now, priority)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to insert queue entry", err)
		}
		entryID, err = res.LastInsertId()
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to read inserted entry id", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to commit enqueue", err)
	}

	logging.Debug("Enqueued change", map[string]interface{}{
		"entry_id":  entryID,
		"table":     tableName,
		"record_id": recordID,
		"operation": string(op),
		"coalesced": affected > 0,
	})

	return entryID, nil
}

// PendingBatch returns unsynced entries ordered by id ascending (FIFO,
// preserving the causal order of edits to different records).
func (q *Queue) PendingBatch(limit int) ([]models.ChangeEntry, error) {
	rows, err := q.db.Query(`
		SELECT id, table_name, record_id, operation, payload, created_at, synced, sync_attempts, priority
		FROM change_queue WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to query pending batch", err)
	}
	defer rows.Close()

	var entries []models.ChangeEntry
	for rows.Next() {
		var e models.ChangeEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.Operation, &payload,
			&e.CreatedAt, &e.Synced, &e.SyncAttempts, &e.Priority); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to scan queue entry", err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetPending returns the unsynced entry for a record, or nil if none.
func (q *Queue) GetPending(tableName, recordID string) (*models.ChangeEntry, error) {
	var e models.ChangeEntry
	var payload string
	err := q.db.QueryRow(`
		SELECT id, table_name, record_id, operation, payload, created_at, synced, sync_attempts, priority
		FROM change_queue WHERE table_name = ? AND record_id = ? AND synced = 0`,
		tableName, recordID).Scan(&e.ID, &e.TableName, &e.RecordID, &e.Operation,
		&payload, &e.CreatedAt, &e.Synced, &e.SyncAttempts, &e.Priority)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to query pending entry", err)
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// MarkSynced flags entries as synced, matched against the snapshot that
// was actually transmitted. A row coalesced by a newer local edit after
// the batch was read no longer matches its snapshot and stays pending,
// so the new payload rides the next cycle instead of being lost.
// Idempotent: already-synced ids are untouched and unknown ids are
// ignored. Synced entries are never mutated again; they sit for the
// retention window and are then pruned.
func (q *Queue) MarkSynced(entries []models.ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to begin mark-synced transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		UPDATE change_queue SET synced = 1
		WHERE id = ? AND synced = 0 AND created_at = ? AND payload = ?`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to prepare mark-synced", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		res, err := stmt.Exec(e.ID, e.CreatedAt, string(e.Payload))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to mark entry synced", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to read mark-synced result", err)
		}
		if affected == 0 {
			logging.Debug("Mark-synced skipped entry (already synced or changed since snapshot)", map[string]interface{}{
				"entry_id":  e.ID,
				"table":     e.TableName,
				"record_id": e.RecordID,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to commit mark-synced", err)
	}
	return nil
}

// MarkAttempt increments the attempt counter on entries that were sent
// but not acknowledged, for backoff accounting and telemetry.
func (q *Queue) MarkAttempt(entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}

	tx, err := q.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to begin mark-attempt transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("UPDATE change_queue SET sync_attempts = sync_attempts + 1 WHERE id = ? AND synced = 0")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to prepare mark-attempt", err)
	}
	defer stmt.Close()

	for _, id := range entryIDs {
		if _, err := stmt.Exec(id); err != nil {
			return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to bump attempt counter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to commit mark-attempt", err)
	}
	return nil
}

// DropPending discards the unsynced entry for a record without syncing
// it. Used when the authority's version wins a conflict.
func (q *Queue) DropPending(tableName, recordID string) error {
	_, err := q.db.Exec(
		"DELETE FROM change_queue WHERE table_name = ? AND record_id = ? AND synced = 0",
		tableName, recordID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to drop pending entry", err)
	}
	return nil
}

// PendingCount returns the number of unsynced entries.
func (q *Queue) PendingCount() (int, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM change_queue WHERE synced = 0").Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to count pending entries", err)
	}
	return count, nil
}

// Prune deletes synced entries older than the retention cutoff. Unsynced
// entries are never pruned.
func (q *Queue) Prune(olderThan time.Time) (int64, error) {
	res, err := q.db.Exec(
		"DELETE FROM change_queue WHERE synced = 1 AND created_at < ?", olderThan.Unix())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to prune queue", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to read pruned count", err)
	}

	if pruned > 0 {
		logging.Debug("Pruned synced queue entries", map[string]interface{}{"count": pruned})
	}
	return pruned, nil
}
