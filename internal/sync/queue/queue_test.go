// Package queue tests for the durable change queue.
package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/models"
)

// fakeClock returns a controllable now func.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func setupQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Up())

	clock := &fakeClock{t: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	return New(database.DB, clock.now), clock
}

func payload(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// snapshot reads the pending entry as an upload cycle would before
// transmitting it.
func snapshot(t *testing.T, q *Queue, table, recordID string) models.ChangeEntry {
	t.Helper()
	entry, err := q.GetPending(table, recordID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return *entry
}

func TestEnqueueAndPendingBatch(t *testing.T) {
	q, _ := setupQueue(t)

	id1, err := q.Enqueue("parts", "p1", models.OperationCreate,
		payload(map[string]string{"id": "p1"}), models.PriorityBatched)
	require.NoError(t, err)
	require.Greater(t, id1, int64(0))

	id2, err := q.Enqueue("sites", "s1", models.OperationUpdate,
		payload(map[string]string{"id": "s1"}), models.PriorityImmediate)
	require.NoError(t, err)

	batch, err := q.PendingBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// FIFO by id.
	require.Equal(t, id1, batch[0].ID)
	require.Equal(t, id2, batch[1].ID)
	require.Equal(t, models.PriorityImmediate, batch[1].Priority)
}

func TestEnqueueCoalescesRepeatedEdits(t *testing.T) {
	q, clock := setupQueue(t)

	// N edits to the same record before a sync cycle.
	var lastID int64
	for i := 0; i < 25; i++ {
		clock.advance(time.Second)
		id, err := q.Enqueue("parts", "42", models.OperationUpdate,
			payload(map[string]interface{}{"id": "42", "quantity": i}), models.PriorityBatched)
		require.NoError(t, err)
		lastID = id
	}

	batch, err := q.PendingBatch(100)
	require.NoError(t, err)
	require.Len(t, batch, 1, "edits to one record must coalesce into one entry")
	require.Equal(t, lastID, batch[0].ID)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(batch[0].Payload, &got))
	require.Equal(t, float64(24), got["quantity"], "latest payload wins")
}

func TestEnqueueAfterSyncCreatesNewEntry(t *testing.T) {
	q, _ := setupQueue(t)

	id1, err := q.Enqueue("parts", "p1", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced([]models.ChangeEntry{snapshot(t, q, "parts", "p1")}))

	// A synced entry never coalesces; a fresh edit gets a fresh entry.
	id2, err := q.Enqueue("parts", "p1", models.OperationUpdate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	count, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestEnqueueRejectsUnknownTable(t *testing.T) {
	q, _ := setupQueue(t)

	_, err := q.Enqueue("sessions", "x", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	q, _ := setupQueue(t)

	_, err := q.Enqueue("parts", "p1", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)

	entry := snapshot(t, q, "parts", "p1")
	unknown := entry
	unknown.ID = 9999
	require.NoError(t, q.MarkSynced([]models.ChangeEntry{entry}))
	require.NoError(t, q.MarkSynced([]models.ChangeEntry{entry, unknown}))

	count, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestMarkSyncedLeavesEntryCoalescedAfterSnapshot(t *testing.T) {
	q, clock := setupQueue(t)

	_, err := q.Enqueue("parts", "p1", models.OperationUpdate,
		payload(map[string]string{"id": "p1", "name": "old"}), models.PriorityBatched)
	require.NoError(t, err)

	// The upload cycle reads its batch, then a handler coalesces a
	// fresh edit into the same entry while the request is in flight.
	sent := snapshot(t, q, "parts", "p1")
	clock.advance(time.Second)
	_, err = q.Enqueue("parts", "p1", models.OperationUpdate,
		payload(map[string]string{"id": "p1", "name": "new"}), models.PriorityBatched)
	require.NoError(t, err)

	// Acking the transmitted snapshot must not swallow the newer edit.
	require.NoError(t, q.MarkSynced([]models.ChangeEntry{sent}))

	entry, err := q.GetPending("parts", "p1")
	require.NoError(t, err)
	require.NotNil(t, entry, "coalesced edit must stay pending for the next cycle")
	var got map[string]string
	require.NoError(t, json.Unmarshal(entry.Payload, &got))
	require.Equal(t, "new", got["name"])
}

func TestMarkSyncedLeavesSameSecondCoalescePending(t *testing.T) {
	q, _ := setupQueue(t)

	// Same created_at on both writes; only the payload distinguishes
	// the transmitted snapshot from the coalesced edit.
	_, err := q.Enqueue("parts", "p1", models.OperationUpdate,
		payload(map[string]string{"id": "p1", "quantity": "3"}), models.PriorityBatched)
	require.NoError(t, err)

	sent := snapshot(t, q, "parts", "p1")
	_, err = q.Enqueue("parts", "p1", models.OperationUpdate,
		payload(map[string]string{"id": "p1", "quantity": "4"}), models.PriorityBatched)
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced([]models.ChangeEntry{sent}))

	count, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMarkAttempt(t *testing.T) {
	q, _ := setupQueue(t)

	id, err := q.Enqueue("parts", "p1", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)

	require.NoError(t, q.MarkAttempt([]int64{id}))
	require.NoError(t, q.MarkAttempt([]int64{id}))

	entry, err := q.GetPending("parts", "p1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 2, entry.SyncAttempts)
}

func TestDropPending(t *testing.T) {
	q, _ := setupQueue(t)

	_, err := q.Enqueue("parts", "p1", models.OperationUpdate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)

	require.NoError(t, q.DropPending("parts", "p1"))

	entry, err := q.GetPending("parts", "p1")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestPruneOnlyRemovesOldSyncedEntries(t *testing.T) {
	q, clock := setupQueue(t)

	_, err := q.Enqueue("parts", "p1", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced([]models.ChangeEntry{snapshot(t, q, "parts", "p1")}))

	clock.advance(48 * time.Hour)
	_, err = q.Enqueue("parts", "p2", models.OperationCreate, payload(map[string]string{}), models.PriorityBatched)
	require.NoError(t, err)

	pruned, err := q.Prune(clock.now().Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	// The unsynced entry survives, however old.
	pruned, err = q.Prune(clock.now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(0), pruned)

	count, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := db.Open(dir)
	require.NoError(t, err)
	migrator := db.NewMigrator(database.DB)
	require.NoError(t, migrator.Initialize())
	require.NoError(t, migrator.Up())

	q := New(database.DB, nil)
	_, err = q.Enqueue("parts", "p1", models.OperationCreate, payload(map[string]string{"id": "p1"}), models.PriorityBatched)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	// Reopen: the entry must still be pending.
	database, err = db.Open(dir)
	require.NoError(t, err)
	defer database.Close()

	q = New(database.DB, nil)
	count, err := q.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
