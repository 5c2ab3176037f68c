package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/intake"
	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// Store is the slice of the state store the feedback worker needs.
type Store interface {
	ListPendingFeedback(ctx context.Context, limit int) ([]store.FeedbackEvent, error)
	GetIntegration(ctx context.Context, integrationID string) (*store.Integration, error)
	GetTask(ctx context.Context, taskID string) (*v1.Task, error)
	GetExecutionRepoContext(ctx context.Context, taskID string) (*store.RepoContext, error)
	ProcessFeedbackByID(ctx context.Context, eventID string) error
	MarkFeedbackDeliveryFailure(ctx context.Context, eventID, message string) (v1.FeedbackStatus, error)
}

// CommentPoster posts issue comments through the capability gateway.
type CommentPoster interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueNumber int, body string) error
}

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	PollEvery  time.Duration
	BatchLimit int
	MaxBackoff time.Duration
}

// Worker drains the pending feedback queue. Per-event failures are recorded
// on the event itself; only queue-level errors feed the worker backoff.
type Worker struct {
	store  Store
	poster CommentPoster
	bus    bus.EventBus
	cfg    WorkerConfig
	logger *logger.Logger

	failures int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a feedback worker. The bus is optional.
func NewWorker(st Store, poster CommentPoster, eventBus bus.EventBus, cfg WorkerConfig, log *logger.Logger) *Worker {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 30 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 25
	}
	if cfg.MaxBackoff < cfg.PollEvery {
		cfg.MaxBackoff = cfg.PollEvery
	}
	return &Worker{
		store:  st,
		poster: poster,
		bus:    eventBus,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "feedback")),
	}
}

// Start launches the delivery loop. The first batch runs immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("feedback worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel

	w.wg.Add(1)
	go w.run(runCtx)

	w.logger.Info("feedback worker started",
		zap.Duration("poll_every", w.cfg.PollEvery),
		zap.Int("batch_limit", w.cfg.BatchLimit))
	return nil
}

// Stop halts the loop and waits for the in-flight batch to finish.
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
	w.logger.Info("feedback worker stopped")
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

		clean := w.processBatch(ctx)
		if ctx.Err() != nil {
			return
		}
		if clean {
			w.failures = 0
		} else {
			w.failures++
		}
		timer.Reset(w.nextDelay())
	}
}

// processBatch fetches one batch of pending events and attempts delivery for
// each. Returns false only on queue-level errors.
func (w *Worker) processBatch(ctx context.Context) bool {
	pending, err := w.store.ListPendingFeedback(ctx, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Warn("failed to list pending feedback", zap.Error(err))
		return false
	}
	for i := range pending {
		if ctx.Err() != nil {
			return true
		}
		w.deliver(ctx, pending[i])
	}
	return true
}

func (w *Worker) deliver(ctx context.Context, event store.FeedbackEvent) {
	log := w.logger.WithFields(zap.String("event_id", event.ID), zap.String("task_id", event.TaskID))

	integration, err := w.store.GetIntegration(ctx, event.IntegrationID)
	if err != nil {
		// Transient: leave the event pending for the next batch.
		log.Warn("failed to load integration", zap.Error(err))
		return
	}
	if integration == nil || !integration.Enabled || integration.Type != "github" {
		log.Debug("integration not deliverable, consuming event")
		w.consume(ctx, event.ID, log)
		return
	}
	if event.ToStatus == "" {
		log.Debug("event is not a status change, consuming")
		w.consume(ctx, event.ID, log)
		return
	}

	payload, err := event.DecodePayload()
	if err != nil {
		log.Warn("malformed feedback payload", zap.Error(err))
	}

	var task *v1.Task
	if event.TaskID != "" {
		if task, err = w.store.GetTask(ctx, event.TaskID); err != nil {
			log.Debug("failed to load task for feedback", zap.Error(err))
			task = nil
		}
	}

	coords, ok := w.resolveCoordinates(event, payload, task, integration)
	if !ok {
		w.fail(ctx, event.ID, "could not resolve issue coordinates", log)
		return
	}

	if !w.repoOptedIn(ctx, event.TaskID) {
		log.Debug("repo not opted into status comments, consuming event")
		w.consume(ctx, event.ID, log)
		return
	}

	if payload.Status == "doing" {
		log.Debug("skipping doing transition")
		w.consume(ctx, event.ID, log)
		return
	}

	body := BuildComment(event, task)
	if err := w.poster.CreateIssueComment(ctx, coords.owner, coords.repo, coords.issue, body); err != nil {
		w.fail(ctx, event.ID, err.Error(), log)
		return
	}

	if err := w.store.ProcessFeedbackByID(ctx, event.ID); err != nil {
		// The comment landed; the event replays next batch and the remote
		// side sees a duplicate. Acceptable under at-least-once delivery.
		log.Warn("comment posted but event not marked sent", zap.Error(err))
		return
	}
	log.Info("feedback delivered",
		zap.String("repo", coords.owner+"/"+coords.repo),
		zap.Int("issue", coords.issue))
	w.publish(events.FeedbackDelivered, event.ID, "")
}

// consume marks an event sent without posting. Used when a gate decides the
// event needs no delivery.
func (w *Worker) consume(ctx context.Context, eventID string, log *logger.Logger) {
	if err := w.store.ProcessFeedbackByID(ctx, eventID); err != nil {
		log.Warn("failed to consume feedback event", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, eventID, message string, log *logger.Logger) {
	status, err := w.store.MarkFeedbackDeliveryFailure(ctx, eventID, message)
	if err != nil {
		log.Warn("failed to record delivery failure", zap.Error(err))
		return
	}
	if status == v1.FeedbackStatusDeadLetter {
		log.Warn("feedback event dead-lettered", zap.String("error", message))
		w.publish(events.FeedbackDeadLetter, eventID, message)
		return
	}
	log.Info("feedback delivery failed, will retry", zap.String("error", message))
}

type issueCoords struct {
	owner string
	repo  string
	issue int
}

func (c issueCoords) complete() bool {
	return c.owner != "" && c.repo != "" && c.issue > 0
}

// resolveCoordinates finds (owner, repo, issue) from, in order: the event
// payload, the task's intake input, and the integration's configuration.
func (w *Worker) resolveCoordinates(event store.FeedbackEvent, payload store.FeedbackPayload, task *v1.Task, integration *store.Integration) (issueCoords, bool) {
	if payload.ResourceID != "" {
		coords := parseResource(payload.ResourceID)
		if coords.issue == 0 {
			coords.issue = payload.IssueNumber
		}
		if coords.complete() {
			return coords, true
		}
	}

	if task != nil && task.Input != "" {
		var input struct {
			Intake struct {
				ResourceID  string `json:"resourceId"`
				IssueNumber int    `json:"issueNumber"`
			} `json:"intake"`
		}
		if err := json.Unmarshal([]byte(task.Input), &input); err == nil && input.Intake.ResourceID != "" {
			coords := parseResource(input.Intake.ResourceID)
			if coords.issue == 0 {
				coords.issue = input.Intake.IssueNumber
			}
			if coords.complete() {
				return coords, true
			}
		}
	}

	if cfg, err := integration.GitHubConfig(); err == nil {
		coords := issueCoords{owner: cfg.Owner, repo: cfg.Repo, issue: payload.IssueNumber}
		if coords.complete() {
			return coords, true
		}
	}
	return issueCoords{}, false
}

// repoOptedIn reads the golden path policy under the task's execution repo.
// Only an explicit opt-in posts comments.
func (w *Worker) repoOptedIn(ctx context.Context, taskID string) bool {
	if taskID == "" {
		return false
	}
	repo, err := w.store.GetExecutionRepoContext(ctx, taskID)
	if err != nil || repo == nil {
		return false
	}
	gp, err := intake.LoadGoldenPath(repo.RepoPath)
	if err != nil {
		w.logger.Debug("failed to read golden path policy",
			zap.String("repo_path", repo.RepoPath),
			zap.Error(err))
		return false
	}
	return gp.PostComments()
}

func (w *Worker) publish(subject, eventID, message string) {
	if w.bus == nil {
		return
	}
	data := map[string]interface{}{"event_id": eventID}
	if message != "" {
		data["error"] = message
	}
	event := bus.NewEvent(subject, "feedback", data)
	if err := w.bus.Publish(context.Background(), subject, event); err != nil {
		w.logger.Debug("failed to publish feedback event", zap.Error(err))
	}
}

// nextDelay mirrors the intake worker's backoff rule.
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

// parseResource splits "owner/repo#N" into coordinates. Both the issue
// suffix and the repo part may be absent.
func parseResource(resource string) issueCoords {
	var coords issueCoords
	repoPart := resource
	if idx := strings.LastIndex(resource, "#"); idx >= 0 {
		repoPart = resource[:idx]
		if n, err := strconv.Atoi(resource[idx+1:]); err == nil {
			coords.issue = n
		}
	}
	parts := strings.SplitN(repoPart, "/", 2)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		coords.owner = parts[0]
		coords.repo = parts[1]
	}
	return coords
}
