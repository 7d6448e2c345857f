package sync

import (
	"context"

	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	"github.com/dkowalski/plantsync/internal/sync/bootstrap"
	"github.com/dkowalski/plantsync/internal/sync/conflict"
	"github.com/dkowalski/plantsync/internal/sync/queue"
)

// Reconciler pulls authority-side changes and folds them into the local
// database, resolving collisions with pending queue entries by
// last-write-wins.
type Reconciler struct {
	repo         *db.Repository
	queue        *queue.Queue
	client       *Client
	bootstrapper *bootstrap.Bootstrapper
	resolver     *conflict.Resolver
}

// NewReconciler creates a Reconciler.
func NewReconciler(repo *db.Repository, q *queue.Queue, client *Client, b *bootstrap.Bootstrapper, resolver *conflict.Resolver) *Reconciler {
	return &Reconciler{
		repo:         repo,
		queue:        q,
		client:       client,
		bootstrapper: b,
		resolver:     resolver,
	}
}

// PullResult summarizes one reconciliation pass.
type PullResult struct {
	Applied    int // remote changes written locally
	Superseded int // remote changes skipped because a newer local edit is pending
	Conflicts  int // collisions detected (both outcomes)
}

// PullChanges fetches everything at or after the stored cursor and applies
// it. The cursor advances only after the entire batch lands, so a failure
// mid-apply re-delivers the remainder next cycle; ApplyChange is
// idempotent, so re-delivery of already-applied changes is harmless.
func (r *Reconciler) PullChanges(ctx context.Context) (*PullResult, error) {
	creds, err := r.bootstrapper.EnsureCredentials(ctx)
	if err != nil {
		return nil, err
	}

	cursor, err := r.repo.GetSyncCursor()
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Pull(ctx, creds, cursor.LastPullAt)
	if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
		creds, err = r.bootstrapper.RefreshCredentials(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNeedsRebootstrap, "credential refresh failed", err)
		}
		resp, err = r.client.Pull(ctx, creds, cursor.LastPullAt)
		if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
			return nil, apperrors.Wrap(apperrors.ErrNeedsRebootstrap, "refreshed credentials still rejected", err)
		}
	}
	if err != nil {
		return nil, err
	}

	result := &PullResult{}
	var maxSeen int64
	for i := range resp.Changes {
		change := &resp.Changes[i]
		if err := r.reconcileOne(change, result); err != nil {
			return result, err
		}
		if change.UpdatedAt > maxSeen {
			maxSeen = change.UpdatedAt
		}
	}

	next := resp.Cursor
	if next == 0 {
		next = maxSeen
	}
	if next > 0 {
		if err := r.repo.AdvanceSyncCursor(next); err != nil {
			return result, err
		}
	}

	if len(resp.Changes) > 0 {
		logging.Info("Pulled authority changes", map[string]interface{}{
			"received":   len(resp.Changes),
			"applied":    result.Applied,
			"superseded": result.Superseded,
			"conflicts":  result.Conflicts,
			"cursor":     next,
		})
	}

	return result, nil
}

// reconcileOne applies a single authority change, checking the queue for
// a pending local edit to the same record first.
func (r *Reconciler) reconcileOne(change *models.ServerChange, result *PullResult) error {
	pending, err := r.queue.GetPending(change.TableName, change.RecordID)
	if err != nil {
		return err
	}

	if pending == nil {
		if err := r.repo.ApplyChange(change.TableName, change.Operation, change.Payload, change.UpdatedAt); err != nil {
			return err
		}
		result.Applied++
		return nil
	}

	res := r.resolver.Resolve(&conflict.Conflict{
		TableName:       change.TableName,
		RecordID:        change.RecordID,
		LocalTimestamp:  pending.CreatedAt,
		RemoteTimestamp: change.UpdatedAt,
	})
	result.Conflicts++

	if err := r.repo.CreateConflictLog(res.ConflictLog); err != nil {
		return err
	}

	switch res.Outcome {
	case conflict.OutcomeRemoteWins:
		if err := r.repo.ApplyChange(change.TableName, change.Operation, change.Payload, change.UpdatedAt); err != nil {
			return err
		}
		// The losing local entry must never reach the authority. A
		// remote delete orphans the pending edit entirely, so drop it;
		// otherwise mark it synced so it stays visible as history.
		if change.Operation == models.OperationDelete {
			if err := r.queue.DropPending(change.TableName, change.RecordID); err != nil {
				return err
			}
		} else {
			if err := r.queue.MarkSynced([]models.ChangeEntry{*pending}); err != nil {
				return err
			}
		}
		result.Applied++
	case conflict.OutcomeLocalWins:
		// Keep the pending entry; the push leg will overwrite the
		// authority with the newer local value.
		result.Superseded++
	}

	return nil
}
