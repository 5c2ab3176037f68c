package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/store"
)

// WorkerStore is the slice of the state store the worker itself needs.
// Adapters carry their own store access.
type WorkerStore interface {
	ListIntegrations(ctx context.Context, enabledOnly bool) ([]store.Integration, error)
	UpdateIntegration(ctx context.Context, integrationID string, patch store.IntegrationPatch) error
}

// WorkerConfig tunes the poll loop.
type WorkerConfig struct {
	PollEvery   time.Duration
	PollTimeout time.Duration
	MaxBackoff  time.Duration
	Concurrency int
}

// Worker periodically polls every enabled integration through its adapter.
// Adapter failures feed a shared failure counter that pushes the next poll
// out exponentially; a clean pass resets it.
type Worker struct {
	store    WorkerStore
	adapters *AdapterRegistry
	cfg      WorkerConfig
	logger   *logger.Logger

	failures int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates an intake worker. Zero config fields get safe floors.
func NewWorker(st WorkerStore, adapters *AdapterRegistry, cfg WorkerConfig, log *logger.Logger) *Worker {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff < cfg.PollEvery {
		cfg.MaxBackoff = cfg.PollEvery
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		store:    st,
		adapters: adapters,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "intake")),
	}
}

// Start launches the poll loop. The first pass runs immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("intake worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("intake worker started",
		zap.Duration("poll_every", w.cfg.PollEvery),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Strings("adapters", w.adapters.Types()))
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("intake worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		failed := w.pollAll(ctx)
		if ctx.Err() != nil {
			return
		}
		if failed == 0 {
			w.failures = 0
		} else {
			w.failures++
		}
		timer.Reset(w.nextDelay())
	}
}

// pollAll polls every enabled integration with bounded parallelism and
// returns how many polls failed.
func (w *Worker) pollAll(ctx context.Context) int {
	integrations, err := w.store.ListIntegrations(ctx, true)
	if err != nil {
		w.logger.Warn("failed to list integrations", zap.Error(err))
		return 1
	}
	if len(integrations) == 0 {
		return 0
	}

	var failed atomic.Int32
	g := &errgroup.Group{}
	g.SetLimit(w.cfg.Concurrency)
	for i := range integrations {
		integration := integrations[i]
		g.Go(func() error {
			if err := w.pollOne(ctx, integration); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (w *Worker) pollOne(ctx context.Context, integration store.Integration) error {
	adapter := w.adapters.Lookup(integration.Type)
	if adapter == nil {
		w.logger.Debug("no adapter for integration type",
			zap.String("integration_id", integration.ID),
			zap.String("type", integration.Type))
		return nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()

	err := adapter.Poll(pollCtx, integration)
	if err == nil {
		return nil
	}

	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || pollCtx.Err() == context.DeadlineExceeded {
		message = fmt.Sprintf("%s poll timed out after %d ms", integration.Type, w.cfg.PollTimeout.Milliseconds())
	}
	w.logger.Warn("integration poll failed",
		zap.String("integration_id", integration.ID),
		zap.String("type", integration.Type),
		zap.String("error", message))

	// Best effort: the record keeps the last failure even if this write races
	// with the adapter's own updates.
	recordCtx, recordCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer recordCancel()
	if updateErr := w.store.UpdateIntegration(recordCtx, integration.ID, store.IntegrationPatch{LastError: &message}); updateErr != nil {
		w.logger.Debug("failed to record integration error", zap.Error(updateErr))
	}
	return err
}

// nextDelay computes the wait before the next pass: the poll interval when
// healthy, otherwise min(maxBackoff, pollEvery * 2^(failures-1)).
func (w *Worker) nextDelay() time.Duration {
	if w.failures == 0 {
		return w.cfg.PollEvery
	}
	delay := w.cfg.PollEvery
	for i := 1; i < w.failures; i++ {
		delay *= 2
		if delay >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	if delay > w.cfg.MaxBackoff {
		return w.cfg.MaxBackoff
	}
	return delay
}
