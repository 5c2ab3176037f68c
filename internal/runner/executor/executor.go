// Package executor turns task packets into running backend sessions and
// reports their outcomes back to the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/runner/backend"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/internal/telemetry/tracing"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

var (
	// ErrTaskActive means the task already has a running session here.
	ErrTaskActive = errors.New("task already has an active session")
	// ErrNotClaimed means another runner claimed the task first.
	ErrNotClaimed = errors.New("task was claimed by another runner")
)

// Store is the slice of the state store the executor needs.
type Store interface {
	SkillResolver
	ClaimTask(ctx context.Context, taskID, deviceID string) (bool, error)
	ReportTask(ctx context.Context, args store.ReportTaskArgs) error
	GetExecutionRepoContext(ctx context.Context, taskID string) (*store.RepoContext, error)
}

// SessionRecord is one finished execution, for local history. KilledAt is
// zero unless the session was aborted.
type SessionRecord struct {
	TaskID       string
	Backend      string
	Status       string
	Output       string
	ErrorMessage string
	SessionID    string
	StartedAt    time.Time
	FinishedAt   time.Time
	TokensUsed   int64
	CostUSD      float64
	KilledAt     time.Time
	KillReason   string
}

// SessionSink records finished sessions. Recording failures are logged and
// never affect the task outcome.
type SessionSink interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
}

// Outcome is the settled result of one execution. OK is false only for
// failures; cancellations resolve with OK true so they never count toward
// failure-rate pausing.
type Outcome struct {
	TaskID       string
	Status       v1.TaskStatus
	Output       string
	ErrorMessage string
	OK           bool
}

// Handle tracks an in-flight dispatch. Done receives exactly one Outcome.
type Handle struct {
	TaskID  string
	Done    <-chan Outcome
	session *Session
}

// Cancel aborts the underlying session, recording why.
func (h *Handle) Cancel(reason string) {
	h.session.Kill(reason)
}

// Config tunes the executor.
type Config struct {
	DeviceID        string
	FallbackBackend string
	WorkspaceRoot   string
	DefaultTimeout  time.Duration
}

// Executor owns the session registry and the claim, execute, report flow.
type Executor struct {
	cfg      Config
	store    Store
	backends *backend.Registry
	sessions *Registry
	sink     SessionSink
	bus      bus.EventBus
	logger   *logger.Logger
}

// New creates an executor. The bus and sink are optional.
func New(cfg Config, st Store, backends *backend.Registry, eventBus bus.EventBus, sink SessionSink, log *logger.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    st,
		backends: backends,
		sessions: NewRegistry(),
		sink:     sink,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "executor")),
	}
}

// Sessions exposes the registry for WIP accounting and shutdown kills.
func (e *Executor) Sessions() *Registry {
	return e.sessions
}

// ActiveSessions counts running sessions across every dispatch path. The
// supervisor and the polling loop both check it against the WIP cap.
func (e *Executor) ActiveSessions() int {
	return e.sessions.Count()
}

// backendName resolves the backend chain: execution hint, prompt hint,
// runner fallback, then claude-cli.
func (e *Executor) backendName(packet v1.TaskPacket) string {
	for _, candidate := range []string{packet.Execution.Backend, packet.Prompt.Backend, e.cfg.FallbackBackend} {
		if strings.TrimSpace(candidate) != "" {
			return backend.Normalize(candidate)
		}
	}
	return backend.NameClaudeCLI
}

// Dispatch starts executing a packet and returns a handle whose Done
// channel resolves with the outcome. ctx scopes the whole execution, so
// cancelling it aborts the subprocess.
func (e *Executor) Dispatch(ctx context.Context, packet v1.TaskPacket) (*Handle, error) {
	task := packet.Task
	name := e.backendName(packet)
	b, err := e.backends.Resolve(name)
	if err != nil {
		return nil, err
	}

	prompt, err := MaterializePrompt(ctx, e.store, packet)
	if err != nil {
		return nil, err
	}

	workDir := e.resolveWorkDir(ctx, packet)

	runCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		TaskID:    task.ID,
		TaskType:  task.Type,
		Backend:   name,
		Status:    v1.SessionStatusRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if !e.sessions.add(session) {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, task.ID)
	}

	timeout := e.cfg.DefaultTimeout
	if packet.Execution.TimeoutMs > 0 {
		timeout = time.Duration(packet.Execution.TimeoutMs) * time.Millisecond
	}
	req := backend.Request{
		TaskID:       task.ID,
		Prompt:       prompt,
		Model:        packet.Execution.Model,
		AllowedTools: packet.Execution.AllowedTools,
		WorkDir:      workDir,
		Timeout:      timeout,
		Env:          []string{"FLUX_TASK_ID=" + task.ID},
	}

	e.logger.Info("dispatching task",
		zap.String("task_id", task.ID),
		zap.String("backend", name),
		zap.String("work_dir", workDir))
	e.publish(events.TaskDispatched, task.ID, string(v1.TaskStatusDoing))

	done := make(chan Outcome, 1)
	go e.run(runCtx, b, packet, req, session, done)

	return &Handle{TaskID: task.ID, Done: done, session: session}, nil
}

func (e *Executor) run(ctx context.Context, b backend.Backend, packet v1.TaskPacket, req backend.Request, session *Session, done chan<- Outcome) {
	ctx, span := tracing.TraceExecutorRun(ctx, packet.Task.ID, b.Name())
	defer span.End()

	res, runErr := b.Run(ctx, req)
	outcome := e.settle(packet, res, runErr)
	tracing.RecordResult(span, runErr)

	e.report(ctx, outcome, res, session)

	// Drop the session before delivering the outcome: anyone woken by Done
	// must see a registry that no longer counts this task against the cap.
	e.sessions.remove(packet.Task.ID)
	done <- outcome
}

func (e *Executor) settle(packet v1.TaskPacket, res *backend.Result, runErr error) Outcome {
	outcome := Outcome{TaskID: packet.Task.ID}
	switch {
	case errors.Is(runErr, backend.ErrCancelled):
		outcome.Status = v1.TaskStatusCancelled
		outcome.Output = "Cancelled by user request"
		outcome.OK = true
	case runErr != nil:
		outcome.Status = v1.TaskStatusFailed
		outcome.ErrorMessage = runErr.Error()
		if res != nil {
			outcome.Output = res.Output
		}
	default:
		outcome.Status = v1.TaskStatusDone
		if packet.Execution.RequireReview {
			outcome.Status = v1.TaskStatusReview
		}
		outcome.Output = res.Output
		outcome.OK = true
	}
	return outcome
}

// report persists the outcome. It must survive the run context being
// cancelled, so it runs on a detached context.
func (e *Executor) report(parent context.Context, outcome Outcome, res *backend.Result, session *Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	args := store.ReportTaskArgs{
		TaskID:       outcome.TaskID,
		Status:       outcome.Status,
		Output:       outcome.Output,
		ErrorMessage: outcome.ErrorMessage,
	}
	if res != nil {
		args.SessionID = res.SessionID
		args.TokensUsed = res.TokensUsed
		args.CostUSD = res.CostUSD
	}
	if err := e.store.ReportTask(ctx, args); err != nil {
		e.logger.Error("failed to report task outcome",
			zap.String("task_id", outcome.TaskID),
			zap.String("status", string(outcome.Status)),
			zap.Error(err))
	}

	if e.sink != nil {
		rec := SessionRecord{
			TaskID:       outcome.TaskID,
			Backend:      session.Backend,
			Status:       string(outcome.Status),
			Output:       outcome.Output,
			ErrorMessage: outcome.ErrorMessage,
			StartedAt:    session.StartedAt,
			FinishedAt:   time.Now(),
		}
		if res != nil {
			rec.SessionID = res.SessionID
			rec.TokensUsed = res.TokensUsed
			rec.CostUSD = res.CostUSD
		}
		if killedAt, reason := session.KillInfo(); !killedAt.IsZero() {
			rec.KilledAt = killedAt
			rec.KillReason = reason
		}
		if err := e.sink.RecordSession(ctx, rec); err != nil {
			e.logger.Warn("failed to record session history", zap.Error(err))
		}
	}

	subject := events.TaskCompleted
	switch outcome.Status {
	case v1.TaskStatusFailed:
		subject = events.TaskFailed
	case v1.TaskStatusCancelled:
		subject = events.TaskCancelled
	}
	e.publish(subject, outcome.TaskID, string(outcome.Status))
}

func (e *Executor) publish(subject, taskID, status string) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "executor", map[string]interface{}{
		"task_id": taskID,
		"status":  status,
	})
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Debug("failed to publish task event", zap.Error(err))
	}
}

// resolveWorkDir picks the repo the agent runs in: the execution hint wins,
// then the store's repo context, else empty (run in the daemon's cwd).
// Relative paths are anchored at the workspace root.
func (e *Executor) resolveWorkDir(ctx context.Context, packet v1.TaskPacket) string {
	repoPath := packet.Execution.RepoPath
	if repoPath == "" {
		repo, err := e.store.GetExecutionRepoContext(ctx, packet.Task.ID)
		if err != nil {
			e.logger.Warn("failed to resolve repo context",
				zap.String("task_id", packet.Task.ID),
				zap.Error(err))
			return ""
		}
		if repo == nil {
			return ""
		}
		repoPath = repo.RepoPath
	}
	if repoPath == "" || filepath.IsAbs(repoPath) {
		return repoPath
	}
	return filepath.Join(e.cfg.WorkspaceRoot, repoPath)
}

// ClaimAndDispatch claims the packet's task and, when the claim wins,
// starts execution without waiting for it. Used by the supervisor, which
// tracks the returned handle itself.
func (e *Executor) ClaimAndDispatch(ctx context.Context, packet v1.TaskPacket) (*Handle, error) {
	claimed, err := e.store.ClaimTask(ctx, packet.Task.ID, e.cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task %s: %w", packet.Task.ID, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, packet.Task.ID)
	}

	handle, err := e.Dispatch(ctx, packet)
	if err != nil {
		// The claim moved the task to doing; report the dispatch failure so
		// the task does not hang there. An already-active session keeps its
		// own report.
		if !errors.Is(err, ErrTaskActive) {
			reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			reportErr := e.store.ReportTask(reportCtx, store.ReportTaskArgs{
				TaskID:       packet.Task.ID,
				Status:       v1.TaskStatusFailed,
				ErrorMessage: err.Error(),
			})
			if reportErr != nil {
				e.logger.Error("failed to report dispatch failure", zap.Error(reportErr))
			}
		}
		return nil, err
	}
	return handle, nil
}

// ClaimAndExecuteFromPacket claims the packet's task and, when the claim
// wins, executes it to completion. Used by the polling loop.
func (e *Executor) ClaimAndExecuteFromPacket(ctx context.Context, packet v1.TaskPacket) (Outcome, error) {
	handle, err := e.ClaimAndDispatch(ctx, packet)
	if err != nil {
		return Outcome{}, err
	}

	select {
	case outcome := <-handle.Done:
		return outcome, nil
	case <-ctx.Done():
		handle.Cancel("runner shutting down")
		return <-handle.Done, nil
	}
}
