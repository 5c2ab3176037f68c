// Package supervisor reacts to the store's ready-task feed and dispatches
// work through the executor while holding three global guards: the
// concurrent-session cap, review-queue backpressure, and a per-type failure
// rate that pauses dispatch when a task type keeps failing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/runner/executor"
	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// heartbeatKey is the admin-kv key holding the supervisor liveness marker.
const heartbeatKey = "supervisorHeartbeat"

// reviewPausePrefix marks pauses that auto-resume once the review queue
// drains. Failure-rate pauses have no prefix and need operator action.
const reviewPausePrefix = "review queue full"

// Store is the slice of the state store the supervisor needs.
type Store interface {
	GetReadyTasks(ctx context.Context, args store.ReadyTasksArgs) ([]v1.TaskPacket, error)
	CountTasksByStatus(ctx context.Context) (v1.StatusCounts, error)
	AdminSetValue(ctx context.Context, key, value string) error
}

// Runner claims and starts task execution. Implemented by the executor.
// ActiveSessions counts sessions from every dispatch path, not just this
// supervisor's, so the WIP cap holds across the polling loop too.
type Runner interface {
	ClaimAndDispatch(ctx context.Context, packet v1.TaskPacket) (*executor.Handle, error)
	ActiveSessions() int
}

// CadenceChecker fires due playbook cadences. Implemented by the scheduler.
type CadenceChecker interface {
	CheckCadences(ctx context.Context)
}

// Watcher delivers ready-task snapshots until the subscription stops.
type Watcher interface {
	WatchReadyTasks(ctx context.Context, handler func([]v1.TaskPacket)) (Subscription, error)
}

// Subscription is a stoppable watch.
type Subscription interface {
	Stop()
}

// Config tunes the supervisor guards.
type Config struct {
	MaxConcurrent        int
	MaxPendingReview     int
	AutoPauseAfterNFails int
	HeartbeatInterval    time.Duration
	ReadyArgs            store.ReadyTasksArgs
}

// Status is a point-in-time snapshot for the status surface.
type Status struct {
	Running         bool   `json:"running"`
	Paused          bool   `json:"paused"`
	PauseReason     string `json:"pauseReason,omitempty"`
	ActiveSessions  int    `json:"activeSessions"`
	PendingDispatch int    `json:"pendingDispatch"`
	RecentFailures  int    `json:"recentFailures"`
}

// Supervisor owns the dispatch protocol. All mutable state is guarded by mu;
// dispatch passes are serialized by the dispatching flag so completions and
// subscription callbacks can only queue a recheck, never interleave a pass.
type Supervisor struct {
	cfg       Config
	store     Store
	runner    Runner
	watcher   Watcher
	scheduler CadenceChecker
	bus       bus.EventBus
	logger    *logger.Logger
	failures  *FailureLog
	now       func() time.Time

	mu               sync.Mutex
	running          bool
	paused           bool
	pauseReason      string
	dispatching      bool
	pendingRecheck   bool
	heartbeatRunning bool
	activeSessions   map[string]*executor.Handle
	pendingDispatch  map[string]struct{}
	runCtx           context.Context
	cancel           context.CancelFunc
	sub              Subscription

	wg sync.WaitGroup
}

// New creates a supervisor. The scheduler and bus are optional.
func New(cfg Config, st Store, runner Runner, watcher Watcher, scheduler CadenceChecker, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxPendingReview <= 0 {
		cfg.MaxPendingReview = 5
	}
	if cfg.AutoPauseAfterNFails <= 0 {
		cfg.AutoPauseAfterNFails = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	return &Supervisor{
		cfg:             cfg,
		store:           st,
		runner:          runner,
		watcher:         watcher,
		scheduler:       scheduler,
		bus:             eventBus,
		logger:          log.WithFields(zap.String("component", "supervisor")),
		failures:        NewFailureLog(),
		now:             time.Now,
		activeSessions:  make(map[string]*executor.Handle),
		pendingDispatch: make(map[string]struct{}),
	}
}

// Start subscribes to the ready-task feed and begins the heartbeat.
// Idempotent: starting a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	sub, err := s.watcher.WatchReadyTasks(runCtx, s.handleReadyTasks)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.runCtx = nil
		s.cancel = nil
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to ready tasks: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLoop(runCtx)

	s.logger.Info("supervisor started",
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.Int("max_pending_review", s.cfg.MaxPendingReview),
		zap.Duration("heartbeat", s.cfg.HeartbeatInterval))
	return nil
}

// Stop unsubscribes, cancels every active session, and zeroes the heartbeat
// marker. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	sub := s.sub
	s.sub = nil
	handles := make([]*executor.Handle, 0, len(s.activeSessions))
	for _, h := range s.activeSessions {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	for _, h := range handles {
		h.Cancel("supervisor stopping")
	}
	cancel()
	s.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.store.AdminSetValue(ctx, heartbeatKey, ""); err != nil {
		s.logger.Warn("failed to clear heartbeat marker", zap.Error(err))
	}
	s.logger.Info("supervisor stopped")
}

// handleReadyTasks is the subscription callback: it runs one dispatch pass,
// or queues a recheck when a pass is already in flight.
func (s *Supervisor) handleReadyTasks(tasks []v1.TaskPacket) {
	s.mu.Lock()
	ctx := s.runCtx
	if !s.running || s.paused {
		s.mu.Unlock()
		return
	}
	if s.dispatching {
		s.pendingRecheck = true
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.mu.Unlock()

	s.dispatchPass(ctx, tasks)

	s.mu.Lock()
	s.dispatching = false
	recheck := s.pendingRecheck
	s.pendingRecheck = false
	s.mu.Unlock()

	if recheck {
		s.requery(ctx)
	}
}

// ProcessReadyTasks runs one synchronous sweep and reports how many tasks
// were dispatched. It ignores the running flag so it can serve one-shot
// invocations, but still honors pause and pass serialization.
func (s *Supervisor) ProcessReadyTasks(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return 0, nil
	}
	if s.dispatching {
		s.pendingRecheck = true
		s.mu.Unlock()
		return 0, nil
	}
	s.dispatching = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dispatching = false
		s.pendingRecheck = false
		s.mu.Unlock()
	}()

	tasks, err := s.store.GetReadyTasks(ctx, s.cfg.ReadyArgs)
	if err != nil {
		return 0, fmt.Errorf("failed to list ready tasks: %w", err)
	}
	return s.dispatchPass(ctx, tasks), nil
}

// dispatchPass applies the guards to one snapshot of ready tasks and starts
// eligible ones. Caller holds the dispatching flag.
func (s *Supervisor) dispatchPass(ctx context.Context, tasks []v1.TaskPacket) int {
	if len(tasks) == 0 || ctx == nil || ctx.Err() != nil {
		return 0
	}

	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to count tasks by status", zap.Error(err))
		return 0
	}
	if review := counts[v1.TaskStatusReview]; review >= s.cfg.MaxPendingReview {
		s.pause(fmt.Sprintf("%s (%d pending)", reviewPausePrefix, review))
		return 0
	}

	dispatched := 0
	for i := range tasks {
		packet := tasks[i]
		id := packet.Task.ID

		s.mu.Lock()
		if _, dup := s.pendingDispatch[id]; dup {
			s.mu.Unlock()
			continue
		}
		if _, dup := s.activeSessions[id]; dup {
			s.mu.Unlock()
			continue
		}
		pending := len(s.pendingDispatch)
		s.mu.Unlock()

		// The shared session registry counts work started by any path;
		// pending claims cover this supervisor's claim RPC window.
		if s.runner.ActiveSessions()+pending >= s.cfg.MaxConcurrent {
			break
		}

		if fails := s.failures.CountRecent(packet.Task.Type, s.now()); fails >= s.cfg.AutoPauseAfterNFails {
			s.pause(fmt.Sprintf("%s: %d failures in 30 min", packet.Task.Type, fails))
			break
		}

		s.mu.Lock()
		s.pendingDispatch[id] = struct{}{}
		s.mu.Unlock()

		handle, err := s.runner.ClaimAndDispatch(ctx, packet)

		s.mu.Lock()
		delete(s.pendingDispatch, id)
		if err == nil {
			s.activeSessions[id] = handle
		}
		s.mu.Unlock()

		if err != nil {
			if errors.Is(err, executor.ErrNotClaimed) {
				s.logger.Debug("task claimed elsewhere", zap.String("task_id", id))
			} else {
				s.logger.Warn("failed to dispatch task",
					zap.String("task_id", id),
					zap.Error(err))
			}
			continue
		}

		dispatched++
		s.wg.Add(1)
		go s.await(ctx, handle, packet.Task.Type)
	}
	return dispatched
}

// await blocks on one session's completion, records failures, and requeries
// for follow-up work while the supervisor stays active.
func (s *Supervisor) await(ctx context.Context, handle *executor.Handle, taskType string) {
	defer s.wg.Done()

	outcome := <-handle.Done

	s.mu.Lock()
	delete(s.activeSessions, handle.TaskID)
	if !outcome.OK {
		s.failures.Append(taskType, s.now())
	}
	requery := s.running && !s.paused
	s.mu.Unlock()

	if requery {
		s.requery(ctx)
	}
}

func (s *Supervisor) requery(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	tasks, err := s.store.GetReadyTasks(ctx, s.cfg.ReadyArgs)
	if err != nil {
		s.logger.Warn("failed to requery ready tasks", zap.Error(err))
		return
	}
	if len(tasks) > 0 {
		s.handleReadyTasks(tasks)
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	// One pass at start so cadences missed while the daemon was down fire
	// promptly.
	s.heartbeat(ctx)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

// heartbeat writes the liveness marker, runs the cadence scheduler, and
// lifts a review-queue pause once the queue has drained.
func (s *Supervisor) heartbeat(ctx context.Context) {
	s.mu.Lock()
	if s.heartbeatRunning {
		s.mu.Unlock()
		return
	}
	s.heartbeatRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.heartbeatRunning = false
		s.mu.Unlock()
	}()

	if err := s.store.AdminSetValue(ctx, heartbeatKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn("failed to write heartbeat marker", zap.Error(err))
	}

	if s.scheduler != nil {
		s.scheduler.CheckCadences(ctx)
	}

	s.mu.Lock()
	reviewPaused := s.paused && strings.HasPrefix(s.pauseReason, reviewPausePrefix)
	s.mu.Unlock()
	if !reviewPaused {
		return
	}

	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		s.logger.Warn("failed to re-check review queue", zap.Error(err))
		return
	}
	if counts[v1.TaskStatusReview] < s.cfg.MaxPendingReview {
		s.Resume()
		s.requery(ctx)
	}
}

// Pause halts dispatching with a reason. Already-running sessions continue.
func (s *Supervisor) Pause(reason string) {
	s.pause(reason)
}

func (s *Supervisor) pause(reason string) {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()

	s.logger.Warn("supervisor paused", zap.String("reason", reason))
	s.publish(events.SupervisorPaused, reason)
}

// Resume lifts a pause. Dispatching restarts on the next snapshot or
// requery.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	reason := s.pauseReason
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()

	s.logger.Info("supervisor resumed", zap.String("was_paused_for", reason))
	s.publish(events.SupervisorResumed, "")
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:         s.running,
		Paused:          s.paused,
		PauseReason:     s.pauseReason,
		ActiveSessions:  len(s.activeSessions),
		PendingDispatch: len(s.pendingDispatch),
		RecentFailures:  s.failures.Len(),
	}
}

func (s *Supervisor) publish(subject, reason string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{}
	if reason != "" {
		data["reason"] = reason
	}
	event := bus.NewEvent(subject, "supervisor", data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Debug("failed to publish supervisor event", zap.Error(err))
	}
}
