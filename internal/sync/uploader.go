package sync

import (
	"context"

	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	"github.com/dkowalski/plantsync/internal/sync/bootstrap"
	"github.com/dkowalski/plantsync/internal/sync/queue"
)

// Uploader drains the change queue to the authority. Entries are marked
// synced only on explicit acknowledgement, so delivery is at-least-once
// and the authority's apply must be idempotent per record.
type Uploader struct {
	queue        *queue.Queue
	client       *Client
	bootstrapper *bootstrap.Bootstrapper
	batchLimit   int
}

// NewUploader creates an Uploader.
func NewUploader(q *queue.Queue, client *Client, b *bootstrap.Bootstrapper, batchLimit int) *Uploader {
	return &Uploader{
		queue:        q,
		client:       client,
		bootstrapper: b,
		batchLimit:   batchLimit,
	}
}

// PushPending submits the pending batch as a single request and returns
// the number of entries the authority accepted.
//
// On an authentication failure it refreshes the credential bundle once
// and retries once; a second failure surfaces as ErrNeedsRebootstrap
// rather than retrying forever.
func (u *Uploader) PushPending(ctx context.Context) (int, error) {
	batch, err := u.queue.PendingBatch(u.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	creds, err := u.bootstrapper.EnsureCredentials(ctx)
	if err != nil {
		return 0, err
	}

	items := make([]PushItem, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	snapshots := make(map[int64]models.ChangeEntry, len(batch))
	for _, e := range batch {
		items = append(items, PushItem{
			EntryID:         e.ID,
			Table:           e.TableName,
			RecordID:        e.RecordID,
			Operation:       e.Operation,
			Payload:         e.Payload,
			ClientTimestamp: e.CreatedAt,
		})
		ids = append(ids, e.ID)
		snapshots[e.ID] = e
	}

	if err := u.queue.MarkAttempt(ids); err != nil {
		return 0, err
	}

	resp, err := u.client.PushChanges(ctx, creds, items)
	if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
		resp, err = u.retryAfterRefresh(ctx, items)
	}
	if err != nil {
		// Timeout after send is indistinguishable from never-sent; the
		// entries stay unsynced and the next cycle redelivers them.
		return 0, err
	}

	// Mark by transmitted snapshot, not bare id: an entry coalesced by a
	// fresh local edit while the request was in flight must stay pending.
	accepted := make([]models.ChangeEntry, 0, len(resp.Accepted))
	for _, id := range resp.Accepted {
		if e, ok := snapshots[id]; ok {
			accepted = append(accepted, e)
		}
	}
	if err := u.queue.MarkSynced(accepted); err != nil {
		return 0, err
	}

	// Entries the authority rejects outright would resubmit forever if
	// left pending. Mark them synced but keep them visible to operators.
	if len(resp.Errors) > 0 {
		rejected := make([]models.ChangeEntry, 0, len(resp.Errors))
		for _, entryErr := range resp.Errors {
			if e, ok := snapshots[entryErr.EntryID]; ok {
				rejected = append(rejected, e)
			}
			logging.ErrorWithCode("Authority rejected queue entry",
				string(apperrors.ErrSyncRejected), nil, map[string]interface{}{
					"entry_id":  entryErr.EntryID,
					"table":     entryErr.Table,
					"record_id": entryErr.RecordID,
					"message":   entryErr.Message,
				})
		}
		if err := u.queue.MarkSynced(rejected); err != nil {
			return 0, err
		}
	}

	logging.Info("Pushed pending changes", map[string]interface{}{
		"sent":     len(items),
		"accepted": len(resp.Accepted),
		"rejected": len(resp.Errors),
	})

	return len(resp.Accepted), nil
}

// retryAfterRefresh performs the one-time credential refresh and retry.
func (u *Uploader) retryAfterRefresh(ctx context.Context, items []PushItem) (*PushResponse, error) {
	logging.Warn("Sync credentials rejected, refreshing bundle", nil)

	creds, err := u.bootstrapper.RefreshCredentials(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNeedsRebootstrap, "credential refresh failed", err)
	}

	resp, err := u.client.PushChanges(ctx, creds, items)
	if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
		return nil, apperrors.Wrap(apperrors.ErrNeedsRebootstrap, "refreshed credentials still rejected", err)
	}
	return resp, err
}

// PendingCount reports how many entries await upload.
func (u *Uploader) PendingCount() (int, error) {
	return u.queue.PendingCount()
}
