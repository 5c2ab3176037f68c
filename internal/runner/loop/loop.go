// Package loop runs the polling side of task pickup: a ticker-driven drain
// of the ready queue. Push events wake the loop early via TriggerNow; the
// ticker is the fallback when push is down.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/runner/executor"
	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// Store is the slice of the state store the loop needs.
type Store interface {
	GetReadyTasks(ctx context.Context, args store.ReadyTasksArgs) ([]v1.TaskPacket, error)
}

// Runner executes claimed packets. ActiveSessions counts sessions from
// every dispatch path so the loop shares the WIP cap with the supervisor.
type Runner interface {
	ClaimAndExecuteFromPacket(ctx context.Context, packet v1.TaskPacket) (executor.Outcome, error)
	ActiveSessions() int
}

// Config tunes the loop. MaxConcurrent of 0 means no cap on this path.
type Config struct {
	Interval      time.Duration
	ListLimit     int
	MaxConcurrent int
	StreamID      string
	Backend       string
	CostClass     string
}

// Loop drains ready tasks on a cadence. At most one drain runs at a time;
// triggers arriving mid-drain coalesce into exactly one follow-up drain.
type Loop struct {
	cfg    Config
	store  Store
	runner Runner
	logger *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}
}

// New creates a loop. Intervals below one second are clamped to one second.
func New(cfg Config, st Store, runner Runner, log *logger.Logger) *Loop {
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 10
	}
	return &Loop{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		logger:  log.WithFields(zap.String("component", "loop")),
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. An initial drain runs immediately to
// pick up any backlog.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("loop already running")
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true

	l.wg.Add(1)
	go l.run(ctx)

	l.logger.Info("task loop started",
		zap.Duration("interval", l.cfg.Interval),
		zap.Int("list_limit", l.cfg.ListLimit))
	return nil
}

// Stop halts the loop. A drain in progress finishes its current page.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.logger.Info("task loop stopped")
}

// TriggerNow requests a drain as soon as the loop is free. Multiple calls
// while a drain is in flight coalesce into a single follow-up drain.
func (l *Loop) TriggerNow() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.drainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.drainOnce(ctx)
		case <-l.trigger:
			l.drainOnce(ctx)
		}
	}
}

// drainOnce pages through the ready queue, claiming and executing each
// packet in order. Lost claims are normal when several runners share a
// queue.
func (l *Loop) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		packets, err := l.store.GetReadyTasks(ctx, store.ReadyTasksArgs{
			StreamID:  l.cfg.StreamID,
			Backend:   l.cfg.Backend,
			CostClass: l.cfg.CostClass,
			Limit:     l.cfg.ListLimit,
		})
		if err != nil {
			l.logger.Warn("failed to list ready tasks", zap.Error(err))
			return
		}
		if len(packets) == 0 {
			return
		}

		for _, packet := range packets {
			if ctx.Err() != nil {
				return
			}
			if l.cfg.MaxConcurrent > 0 && l.runner.ActiveSessions() >= l.cfg.MaxConcurrent {
				l.logger.Debug("session cap reached, deferring drain",
					zap.Int("max_concurrent", l.cfg.MaxConcurrent))
				return
			}
			outcome, err := l.runner.ClaimAndExecuteFromPacket(ctx, packet)
			switch {
			case errors.Is(err, executor.ErrNotClaimed):
				l.logger.Debug("task claimed elsewhere", zap.String("task_id", packet.Task.ID))
			case err != nil:
				l.logger.Warn("task execution failed to start",
					zap.String("task_id", packet.Task.ID),
					zap.Error(err))
			default:
				l.logger.Info("task settled",
					zap.String("task_id", outcome.TaskID),
					zap.String("status", string(outcome.Status)))
			}
		}

		if len(packets) < l.cfg.ListLimit {
			return
		}
	}
}
