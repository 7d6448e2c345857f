// Package scheduler decides when sync cycles run. It owns a single
// goroutine driven by write notifications, connectivity events, manual
// requests, and a periodic timer, and enforces a cooldown between cycles
// so bursts of edits coalesce into one round trip.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	syncengine "github.com/dkowalski/plantsync/internal/sync"
)

// State is the scheduler's current phase.
type State string

const (
	StateIdle     State = "idle"
	StateCooldown State = "cooldown"
	StateRunning  State = "running"
)

// Config holds scheduler timing. After is a hook over time.After so tests
// can drive the timers; leave it nil in production.
type Config struct {
	Cooldown         time.Duration
	PeriodicInterval time.Duration
	After            func(d time.Duration) <-chan time.Time
}

type trigger struct {
	reason string
	forced bool
}

// Scheduler serializes sync cycles. All state transitions happen on the
// run goroutine; the public methods only post triggers.
type Scheduler struct {
	runner syncengine.CycleRunner
	cfg    Config
	after  func(d time.Duration) <-chan time.Time

	triggerCh chan trigger
	stopCh    chan struct{}
	doneCh    chan struct{}

	stopOnce stdsync.Once

	mu      stdsync.Mutex
	state   State
	started bool
}

// New creates a Scheduler driving the given runner.
func New(runner syncengine.CycleRunner, cfg Config) *Scheduler {
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		after:  after,
		// Buffer of one: a trigger posted while a cycle runs is
		// remembered, further ones coalesce into it.
		triggerCh: make(chan trigger, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		state:     StateIdle,
	}
}

// Start launches the scheduling goroutine. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// Stop shuts the scheduling goroutine down and waits for it to exit.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// State reports the scheduler's current phase.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notify records that a local write was queued. Immediate-priority writes
// request a cycle promptly; batched ones wait for the periodic timer.
func (s *Scheduler) Notify(priority models.Priority) {
	if priority != models.PriorityImmediate {
		return
	}
	s.post(trigger{reason: "write"})
}

// NotifyReconnect requests a cycle because connectivity came back.
func (s *Scheduler) NotifyReconnect() {
	s.post(trigger{reason: "reconnect"})
}

// TriggerSync requests a cycle on the operator's behalf. A forced trigger
// runs even during cooldown.
func (s *Scheduler) TriggerSync(force bool) {
	s.post(trigger{reason: "manual", forced: force})
}

// post delivers a trigger without blocking. A forced trigger replaces a
// buffered non-forced one so the force is never lost.
func (s *Scheduler) post(t trigger) {
	select {
	case s.triggerCh <- t:
		return
	default:
	}
	if !t.forced {
		return
	}
	select {
	case <-s.triggerCh:
	default:
	}
	select {
	case s.triggerCh <- t:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	periodic := s.after(s.cfg.PeriodicInterval)
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.triggerCh:
			if !s.cycleAndCooldown(t.reason) {
				return
			}
		case <-periodic:
			periodic = s.after(s.cfg.PeriodicInterval)
			if !s.hasWork() {
				continue
			}
			if !s.cycleAndCooldown("periodic") {
				return
			}
		}
	}
}

// cycleAndCooldown runs a cycle, then sits in cooldown swallowing
// ordinary triggers. A forced trigger restarts the cycle immediately.
// Returns false when the scheduler is stopping.
func (s *Scheduler) cycleAndCooldown(reason string) bool {
	for {
		s.setState(StateRunning)
		logging.Debug("Sync cycle starting", map[string]interface{}{
			"reason": reason,
		})
		if _, err := s.runner.RunCycle(context.Background()); err != nil {
			logging.Warn("Sync cycle failed", map[string]interface{}{
				"reason": reason,
				"error":  err.Error(),
			})
		}

		s.setState(StateCooldown)
		cooldown := s.after(s.cfg.Cooldown)
	cooldownLoop:
		for {
			select {
			case <-s.stopCh:
				return false
			case t := <-s.triggerCh:
				if t.forced {
					// Rerun with the forced trigger's reason.
					reason = t.reason
					break cooldownLoop
				}
				logging.Debug("Trigger ignored during cooldown", map[string]interface{}{
					"reason": t.reason,
				})
			case <-cooldown:
				s.setState(StateIdle)
				return true
			}
		}
	}
}

// hasWork reports whether a periodic wake should bother running: there
// are queued entries, or the replica has not pulled recently.
func (s *Scheduler) hasWork() bool {
	pending, err := s.runner.PendingChanges()
	if err != nil {
		logging.Warn("Failed to count pending changes", map[string]interface{}{
			"error": err.Error(),
		})
		return true
	}
	if pending > 0 {
		return true
	}
	stale, err := s.runner.CursorStale(s.cfg.PeriodicInterval)
	if err != nil {
		return true
	}
	return stale
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
