// Package daemon assembles the running system: one handshake against the
// store, the two dispatch paths (supervisor subscription and polling loop),
// the intake and feedback workers, and push wake-ups, under a single
// Start/Stop ordering. The HTTP layer reads its status snapshot from here.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/config"
	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/feedback"
	"github.com/fluxhq/flux/internal/gateway"
	"github.com/fluxhq/flux/internal/history"
	"github.com/fluxhq/flux/internal/intake"
	"github.com/fluxhq/flux/internal/push"
	"github.com/fluxhq/flux/internal/runner/executor"
	"github.com/fluxhq/flux/internal/runner/loop"
	"github.com/fluxhq/flux/internal/scheduler"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/internal/supervisor"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// Deps is the infrastructure main builds before the daemon assembles the
// runtime on top of it. History is optional; Gateway may be unconfigured
// but must not be nil.
type Deps struct {
	Config   *config.Config
	Store    *store.Client
	Bus      bus.EventBus
	Executor *executor.Executor
	Gateway  *gateway.Client
	History  *history.Store
	DeviceID string
	Version  string
	Logger   *logger.Logger
}

// PushStatus reports push connectivity for the status surface.
type PushStatus struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// ActiveSession describes one in-flight execution.
type ActiveSession struct {
	TaskID    string           `json:"taskId"`
	TaskType  string           `json:"taskType,omitempty"`
	Backend   string           `json:"backend"`
	Status    v1.SessionStatus `json:"status"`
	StartedAt time.Time        `json:"startedAt"`
}

// Status is the snapshot served by /api/v1/status.
type Status struct {
	DeviceID       string            `json:"deviceId"`
	Version        string            `json:"version"`
	BusConnected   bool              `json:"busConnected"`
	ActiveSessions int               `json:"activeSessions"`
	Active         []ActiveSession   `json:"active,omitempty"`
	Supervisor     supervisor.Status `json:"supervisor"`
	Push           PushStatus        `json:"push"`
	SessionCounts  map[string]int    `json:"sessionCounts,omitempty"`
	RecentSessions []history.Session `json:"recentSessions,omitempty"`
}

// Daemon owns component lifecycles. The loop and push client are built at
// Start because their configuration arrives in the handshake.
type Daemon struct {
	deps   Deps
	logger *logger.Logger

	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
	intake     *intake.Worker
	feedback   *feedback.Worker

	mu        sync.Mutex
	running   bool
	loop      *loop.Loop
	push      *push.Client
	wakeSub   bus.Subscription
	handshake *store.HandshakeResult
}

// New wires the handshake-independent components.
func New(deps Deps) *Daemon {
	log := deps.Logger.WithFields(zap.String("component", "daemon"))

	readyArgs := store.ReadyTasksArgs{
		StreamID:  deps.Config.Runner.StreamID,
		Backend:   deps.Config.Runner.Backend,
		CostClass: deps.Config.Runner.CostClass,
		Limit:     deps.Config.Runner.ListLimit,
	}

	sched := scheduler.New(deps.Store, deps.Bus, deps.Logger)
	watcher := &readyTaskWatcher{store: deps.Store, args: readyArgs, logger: log}
	sup := supervisor.New(supervisor.Config{
		MaxConcurrent:        deps.Config.Supervisor.MaxConcurrent,
		MaxPendingReview:     deps.Config.Supervisor.MaxPendingReview,
		AutoPauseAfterNFails: deps.Config.Supervisor.AutoPauseAfterNFails,
		HeartbeatInterval:    deps.Config.Supervisor.HeartbeatInterval(),
		ReadyArgs:            readyArgs,
	}, deps.Store, deps.Executor, watcher, sched, deps.Bus, deps.Logger)

	adapters := intake.NewAdapterRegistry()
	if deps.Gateway != nil && deps.Gateway.Configured() {
		adapters.Register(intake.NewGitHubAdapter(deps.Store, deps.Gateway, deps.Bus, deps.Logger))
	}
	intakeWorker := intake.NewWorker(deps.Store, adapters, intake.WorkerConfig{
		PollEvery:   deps.Config.Intake.PollEvery(),
		PollTimeout: deps.Config.Intake.PollTimeout(),
		MaxBackoff:  time.Duration(deps.Config.Intake.MaxBackoffMs) * time.Millisecond,
		Concurrency: deps.Config.Intake.PollConcurrency,
	}, deps.Logger)

	feedbackWorker := feedback.NewWorker(deps.Store, deps.Gateway, deps.Bus, feedback.WorkerConfig{
		PollEvery:  deps.Config.Feedback.PollEvery(),
		BatchLimit: deps.Config.Feedback.BatchLimit,
		MaxBackoff: time.Duration(deps.Config.Feedback.MaxBackoffMs) * time.Millisecond,
	}, deps.Logger)

	return &Daemon{
		deps:       deps,
		logger:     log,
		scheduler:  sched,
		supervisor: sup,
		intake:     intakeWorker,
		feedback:   feedbackWorker,
	}
}

// Start performs the store handshake and brings every component up. A
// failed handshake is fatal: the caller should exit rather than run a
// half-connected daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	hostname, _ := os.Hostname()
	hs, err := d.deps.Store.RunnerHandshake(ctx, store.HandshakeArgs{
		DeviceID: d.deps.DeviceID,
		Backend:  d.deps.Config.Runner.Backend,
		Version:  d.deps.Version,
		Hostname: hostname,
	})
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("initial handshake failed: %w", err)
	}
	d.logger.Info("handshake complete",
		zap.Bool("push_enabled", hs.Push.Enabled),
		zap.Int("list_limit", hs.Batch.ListLimit),
		zap.Int64("poll_interval_ms", hs.Batch.PollIntervalMs))

	if agents, err := d.deps.Store.ListAgents(ctx); err != nil {
		d.logger.Debug("failed to load agent directory", zap.Error(err))
	} else if len(agents) > 0 {
		active := 0
		for _, agent := range agents {
			if agent.Active {
				active++
			}
		}
		d.logger.Info("agent directory loaded",
			zap.Int("agents", len(agents)),
			zap.Int("active", active))
	}

	taskLoop := d.buildLoop(hs)
	var pushClient *push.Client
	if hs.Push.Enabled && hs.Push.WSURL != "" {
		pushClient = d.buildPush(hs)
	}

	// Push notifications land on the bus; the queue group delivers each
	// wake-up to exactly one trigger.
	wakeSub, err := d.deps.Bus.QueueSubscribe(events.TaskAvailable, "runner",
		func(ctx context.Context, event *bus.Event) error {
			taskLoop.TriggerNow()
			return nil
		})
	if err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to subscribe to task wake-ups: %w", err)
	}

	d.mu.Lock()
	d.handshake = hs
	d.loop = taskLoop
	d.push = pushClient
	d.wakeSub = wakeSub
	d.mu.Unlock()

	if err := d.supervisor.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	if err := taskLoop.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start task loop: %w", err)
	}
	if err := d.intake.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start intake worker: %w", err)
	}
	if err := d.feedback.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start feedback worker: %w", err)
	}
	if pushClient != nil {
		if err := pushClient.Start(ctx); err != nil {
			d.Stop()
			return fmt.Errorf("failed to start push client: %w", err)
		}
	}

	d.logger.Info("daemon started", zap.String("device_id", d.deps.DeviceID))
	return nil
}

// Stop brings components down in reverse order: push first so no new
// wake-ups arrive, then workers and the loop, and the supervisor last so
// it can kill remaining sessions and clear the liveness marker.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	pushClient := d.push
	wakeSub := d.wakeSub
	taskLoop := d.loop
	d.wakeSub = nil
	d.mu.Unlock()

	if pushClient != nil {
		pushClient.Stop()
	}
	if wakeSub != nil {
		_ = wakeSub.Unsubscribe()
	}
	d.feedback.Stop()
	d.intake.Stop()
	if taskLoop != nil {
		taskLoop.Stop()
	}
	d.supervisor.Stop()
	// Both dispatch paths have killed their own sessions by now; this
	// sweep catches anything dispatched outside them.
	d.deps.Executor.Sessions().KillAll("daemon shutting down")

	d.logger.Info("daemon stopped")
}

// Status collects the snapshot for the HTTP surface.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		DeviceID:       d.deps.DeviceID,
		Version:        d.deps.Version,
		BusConnected:   d.deps.Bus.IsConnected(),
		ActiveSessions: d.deps.Executor.ActiveSessions(),
		Supervisor:     d.supervisor.Status(),
	}
	for _, s := range d.deps.Executor.Sessions().Active() {
		st.Active = append(st.Active, ActiveSession{
			TaskID:    s.TaskID,
			TaskType:  s.TaskType,
			Backend:   s.Backend,
			Status:    s.Status,
			StartedAt: s.StartedAt,
		})
	}

	d.mu.Lock()
	pushClient := d.push
	hs := d.handshake
	d.mu.Unlock()
	if hs != nil {
		st.Push.Enabled = hs.Push.Enabled
	}
	if pushClient != nil {
		st.Push.Connected = pushClient.IsConnected()
	}

	if d.deps.History != nil {
		if counts, err := d.deps.History.CountSessionsByStatus(ctx); err == nil {
			st.SessionCounts = counts
		} else {
			d.logger.Warn("failed to count session history", zap.Error(err))
		}
		if sessions, err := d.deps.History.ListRecentSessions(ctx, 10); err == nil {
			st.RecentSessions = sessions
		} else {
			d.logger.Warn("failed to list session history", zap.Error(err))
		}
	}
	return st
}

// Supervisor exposes the supervisor for operator pause/resume surfaces.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.supervisor
}

func (d *Daemon) buildLoop(hs *store.HandshakeResult) *loop.Loop {
	cfg := loop.Config{
		Interval:      d.deps.Config.Runner.LoopInterval(),
		ListLimit:     d.deps.Config.Runner.ListLimit,
		MaxConcurrent: d.deps.Config.Supervisor.MaxConcurrent,
		StreamID:      d.deps.Config.Runner.StreamID,
		Backend:       d.deps.Config.Runner.Backend,
		CostClass:     d.deps.Config.Runner.CostClass,
	}
	// Server hints win over local defaults.
	if hs.Batch.PollIntervalMs > 0 {
		cfg.Interval = time.Duration(hs.Batch.PollIntervalMs) * time.Millisecond
	}
	if hs.Batch.ListLimit > 0 {
		cfg.ListLimit = hs.Batch.ListLimit
	}
	return loop.New(cfg, d.deps.Store, d.deps.Executor, d.deps.Logger)
}

func (d *Daemon) buildPush(hs *store.HandshakeResult) *push.Client {
	return push.New(push.Config{
		WSURL:              hs.Push.WSURL,
		DeviceID:           d.deps.DeviceID,
		BaseReconnectDelay: d.deps.Config.Push.BaseReconnectDelay(),
	}, d.deps.Store, push.Handlers{
		TaskAvailable: d.onTaskAvailable,
		Connected: func() {
			d.publish(events.PushConnected, map[string]interface{}{
				"device_id": d.deps.DeviceID,
			})
		},
		Disconnected: func(err error) {
			data := map[string]interface{}{"device_id": d.deps.DeviceID}
			if err != nil {
				data["error"] = err.Error()
			}
			d.publish(events.PushDisconnected, data)
		},
	}, d.deps.Logger)
}

// onTaskAvailable relays a push notification onto the bus, where the queue
// subscription turns it into a loop trigger.
func (d *Daemon) onTaskAvailable(taskID, streamID string) {
	d.publish(events.TaskAvailable, map[string]interface{}{
		"task_id":   taskID,
		"stream_id": streamID,
	})
}

func (d *Daemon) publish(subject string, data map[string]interface{}) {
	event := bus.NewEvent(subject, "daemon", data)
	if err := d.deps.Bus.Publish(context.Background(), subject, event); err != nil {
		d.logger.Debug("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
