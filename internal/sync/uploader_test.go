package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/models"
)

func TestPushPendingMarksAcceptedSynced(t *testing.T) {
	env := newTestEnv(t)

	p1 := mustJSON(t, &models.Part{ID: "p-1", Name: "Bearing", UpdatedAt: env.clock.Now().Unix()})
	p2 := mustJSON(t, &models.Part{ID: "p-2", Name: "Belt", UpdatedAt: env.clock.Now().Unix()})
	_, err := env.queue.Enqueue("parts", "p-1", models.OperationCreate, p1, models.PriorityImmediate)
	require.NoError(t, err)
	_, err = env.queue.Enqueue("parts", "p-2", models.OperationCreate, p2, models.PriorityImmediate)
	require.NoError(t, err)

	pushed, err := env.uploader(200).PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pushed)

	pending, err := env.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	require.Equal(t, 1, env.authority.pushCount())
	require.Len(t, env.authority.pushes[0], 2)
}

func TestPushPendingEmptyQueueSkipsRequest(t *testing.T) {
	env := newTestEnv(t)

	pushed, err := env.uploader(200).PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, pushed)
	require.Equal(t, 0, env.authority.pushCount())
}

func TestPushPendingRejectedEntriesAreNotResubmitted(t *testing.T) {
	env := newTestEnv(t)

	good := mustJSON(t, &models.Part{ID: "p-ok", Name: "Seal"})
	bad := mustJSON(t, &models.Part{ID: "p-bad"})
	_, err := env.queue.Enqueue("parts", "p-ok", models.OperationCreate, good, models.PriorityImmediate)
	require.NoError(t, err)
	_, err = env.queue.Enqueue("parts", "p-bad", models.OperationCreate, bad, models.PriorityImmediate)
	require.NoError(t, err)

	env.authority.pushFn = func(items []PushItem) *PushResponse {
		resp := &PushResponse{}
		for _, it := range items {
			if it.RecordID == "p-bad" {
				resp.Errors = append(resp.Errors, PushEntryError{
					EntryID: it.EntryID, Table: it.Table, RecordID: it.RecordID,
					Message: "missing name",
				})
				continue
			}
			resp.Accepted = append(resp.Accepted, it.EntryID)
		}
		return resp
	}

	pushed, err := env.uploader(200).PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pushed)

	// The rejected entry must not stay pending forever.
	pending, err := env.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 0, pending)

	entry, err := env.queue.GetPending("parts", "p-bad")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestPushPendingFailureLeavesEntriesPending(t *testing.T) {
	env := newTestEnv(t)

	payload := mustJSON(t, &models.Part{ID: "p-1", Name: "Bearing"})
	_, err := env.queue.Enqueue("parts", "p-1", models.OperationUpdate, payload, models.PriorityBatched)
	require.NoError(t, err)

	env.authority.setPushStatus(http.StatusInternalServerError)

	_, err = env.uploader(200).PushPending(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))

	pending, err := env.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	// The attempt still counts toward the entry's retry history.
	entry, err := env.queue.GetPending("parts", "p-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, 1, entry.SyncAttempts)
}

func TestPushPendingRefreshesCredentialsOnce(t *testing.T) {
	env := newTestEnv(t)

	// Stored bundle is stale; the authority rejects it until refreshed.
	stale := &models.CredentialBundle{
		SyncUsername: "replica-1", SyncPassword: "old", AuthorityBaseURL: env.server.URL,
	}
	raw, err := stale.Marshal()
	require.NoError(t, err)
	require.NoError(t, env.store.Set("credential_bundle", raw))

	env.authority.setPushStatus(http.StatusUnauthorized)
	env.authority.setSecrets(map[string]string{
		"sync_username":  "replica-1",
		"sync_password":  "new",
		"encryption_key": "k",
	})

	payload := mustJSON(t, &models.Part{ID: "p-1", Name: "Bearing"})
	_, err = env.queue.Enqueue("parts", "p-1", models.OperationCreate, payload, models.PriorityImmediate)
	require.NoError(t, err)

	pushed, err := env.uploader(200).PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, pushed)
	require.Contains(t, env.authority.calls(), "bootstrap")

	// The refreshed bundle replaced the stale one in the store.
	stored, err := env.store.Get("credential_bundle")
	require.NoError(t, err)
	bundle, err := models.UnmarshalCredentialBundle(stored)
	require.NoError(t, err)
	require.Equal(t, "new", bundle.SyncPassword)
}

func TestPushPendingSurfacesRebootstrapWhenRefreshFails(t *testing.T) {
	env := newTestEnv(t)

	env.authority.setPushStatus(http.StatusUnauthorized)
	// No secrets are configured, so the refresh cannot succeed.

	payload := mustJSON(t, &models.Part{ID: "p-1", Name: "Bearing"})
	_, err := env.queue.Enqueue("parts", "p-1", models.OperationCreate, payload, models.PriorityImmediate)
	require.NoError(t, err)

	_, err = env.uploader(200).PushPending(context.Background())
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.ErrNeedsRebootstrap))

	pending, err := env.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestPushPendingKeepsEditCoalescedDuringFlight(t *testing.T) {
	env := newTestEnv(t)

	payload := mustJSON(t, &models.Part{ID: "p-1", Name: "Gasket", Quantity: 3})
	_, err := env.queue.Enqueue("parts", "p-1", models.OperationUpdate, payload, models.PriorityBatched)
	require.NoError(t, err)

	// A handler thread coalesces a fresh edit into the in-flight entry
	// while the authority is still processing the push.
	env.authority.pushFn = func(items []PushItem) *PushResponse {
		newer := mustJSON(t, &models.Part{ID: "p-1", Name: "Gasket", Quantity: 7})
		_, err := env.queue.Enqueue("parts", "p-1", models.OperationUpdate, newer, models.PriorityBatched)
		require.NoError(t, err)

		accepted := make([]int64, 0, len(items))
		for _, item := range items {
			accepted = append(accepted, item.EntryID)
		}
		return &PushResponse{Accepted: accepted}
	}

	_, err = env.uploader(10).PushPending(context.Background())
	require.NoError(t, err)

	// The ack covers only the transmitted snapshot; the newer quantity
	// must still be pending for the next cycle.
	entry, err := env.queue.GetPending("parts", "p-1")
	require.NoError(t, err)
	require.NotNil(t, entry)

	var part models.Part
	require.NoError(t, json.Unmarshal(entry.Payload, &part))
	require.Equal(t, 7, part.Quantity)
}

func TestPushPendingRespectsBatchLimit(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"p-1", "p-2", "p-3"} {
		payload := mustJSON(t, &models.Part{ID: id, Name: "Part " + id})
		_, err := env.queue.Enqueue("parts", id, models.OperationCreate, payload, models.PriorityBatched)
		require.NoError(t, err)
	}

	pushed, err := env.uploader(2).PushPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, pushed)

	pending, err := env.queue.PendingCount()
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}
