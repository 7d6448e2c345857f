package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/dkowalski/plantsync/internal/db"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/runmode"
	"github.com/dkowalski/plantsync/internal/sync/queue"
)

// SyncStatus is the externally visible state of the engine.
type SyncStatus string

const (
	StatusIdle         SyncStatus = "idle"
	StatusSyncing      SyncStatus = "syncing"
	StatusFailed       SyncStatus = "failed"
	StatusAuthRequired SyncStatus = "auth_required"
)

// Result summarizes one completed sync cycle.
type Result struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
}

// EventHandler receives engine lifecycle notifications, used to fan sync
// progress out to connected UIs.
type EventHandler interface {
	SyncStarted()
	SyncCompleted(result *Result)
	SyncFailed(err error)
}

// CycleRunner is the part of the engine the scheduler drives.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*Result, error)
	PendingChanges() (int, error)
	CursorStale(maxAge time.Duration) (bool, error)
}

// Engine runs full sync cycles: reconcile authority changes first, then
// push what remains in the queue. Pulling first lets last-write-wins
// retire stale local entries before they are ever transmitted.
type Engine struct {
	oracle     *runmode.Oracle
	uploader   *Uploader
	reconciler *Reconciler
	queue      *queue.Queue
	repo       *db.Repository
	retention  time.Duration
	events     EventHandler

	mu       stdsync.Mutex
	running  bool
	status   SyncStatus
	lastSync time.Time
	lastErr  error
}

// NewEngine creates an Engine. events may be nil.
func NewEngine(oracle *runmode.Oracle, u *Uploader, r *Reconciler, q *queue.Queue, repo *db.Repository, retention time.Duration, events EventHandler) *Engine {
	return &Engine{
		oracle:     oracle,
		uploader:   u,
		reconciler: r,
		queue:      q,
		repo:       repo,
		retention:  retention,
		events:     events,
		status:     StatusIdle,
	}
}

// RunCycle executes one pull-then-push cycle. On the authority it is a
// no-op: the authority is the source of truth and has no one to sync to.
// Only one cycle runs at a time; a second caller gets an error instead
// of queueing behind the first.
func (e *Engine) RunCycle(ctx context.Context) (*Result, error) {
	if e.oracle.IsAuthority() {
		return &Result{}, nil
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync cycle already in progress")
	}
	e.running = true
	e.status = StatusSyncing
	e.mu.Unlock()

	start := e.oracle.Now()
	if e.events != nil {
		e.events.SyncStarted()
	}

	result, err := e.cycle(ctx, start)
	if err != nil {
		status := StatusFailed
		if apperrors.Is(err, apperrors.ErrNeedsRebootstrap) || apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
			status = StatusAuthRequired
		}
		e.finish(status, err)
		if e.events != nil {
			e.events.SyncFailed(err)
		}
		return result, err
	}

	e.mu.Lock()
	e.running = false
	e.status = StatusIdle
	e.lastSync = result.EndTime
	e.lastErr = nil
	e.mu.Unlock()

	if e.events != nil {
		e.events.SyncCompleted(result)
	}
	return result, nil
}

// cycle is the body of RunCycle once the engine is marked running.
func (e *Engine) cycle(ctx context.Context, start time.Time) (*Result, error) {
	pullRes, err := e.reconciler.PullChanges(ctx)
	if err != nil {
		return nil, err
	}

	pushed, err := e.uploader.PushPending(ctx)
	if err != nil {
		return nil, err
	}

	// Synced entries are kept for the retention window before pruning.
	cutoff := e.oracle.Now().Add(-e.retention)
	if pruned, err := e.queue.Prune(cutoff); err != nil {
		logging.Warn("Failed to prune synced queue entries", map[string]interface{}{
			"error": err.Error(),
		})
	} else if pruned > 0 {
		logging.Debug("Pruned synced queue entries", map[string]interface{}{
			"pruned": pruned,
		})
	}

	end := e.oracle.Now()
	return &Result{
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Pushed:    pushed,
		Pulled:    pullRes.Applied,
		Conflicts: pullRes.Conflicts,
	}, nil
}

// finish records a failed cycle outcome.
func (e *Engine) finish(status SyncStatus, err error) {
	e.mu.Lock()
	e.running = false
	e.status = status
	e.lastErr = err
	e.mu.Unlock()
}

// Status reports the engine's current state.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync reports when the last successful cycle finished. Zero before
// the first success.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError reports the error from the most recent failed cycle, nil
// after a success.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingChanges reports how many queue entries await upload.
func (e *Engine) PendingChanges() (int, error) {
	return e.queue.PendingCount()
}

// CursorStale reports whether the replica has never pulled or its cursor
// is older than the given age, used by the scheduler to decide whether a
// periodic wake has work to do.
func (e *Engine) CursorStale(maxAge time.Duration) (bool, error) {
	cursor, err := e.repo.GetSyncCursor()
	if err != nil {
		return false, err
	}
	if cursor.LastPullAt == 0 {
		return true, nil
	}
	age := e.oracle.Now().Sub(time.Unix(cursor.LastPullAt, 0))
	return age > maxAge, nil
}
