package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/gateway"
	"github.com/fluxhq/flux/internal/store"
)

// GitHubStore is the slice of the state store the github adapter writes to.
type GitHubStore interface {
	IngestIntakeEvent(ctx context.Context, args store.IngestEventArgs) (*store.IngestResult, error)
	RouteAgentic(ctx context.Context, eventID string) (string, error)
	UpdateIntegration(ctx context.Context, integrationID string, patch store.IntegrationPatch) error
}

// IssueLister lists issues through the capability gateway.
type IssueLister interface {
	ListIssues(ctx context.Context, args gateway.ListIssuesArgs) ([]gateway.Issue, error)
}

// GitHubAdapter ingests GitHub issues as intake events. The intake cursor
// is the updatedAt of the newest issue ingested so far; issues at or before
// it are treated as already seen.
type GitHubAdapter struct {
	store   GitHubStore
	issues  IssueLister
	bus     bus.EventBus
	logger  *logger.Logger
	maxPage int
}

// NewGitHubAdapter creates the adapter. The bus is optional.
func NewGitHubAdapter(st GitHubStore, issues IssueLister, eventBus bus.EventBus, log *logger.Logger) *GitHubAdapter {
	return &GitHubAdapter{
		store:   st,
		issues:  issues,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("adapter", "github")),
		maxPage: 100,
	}
}

func (a *GitHubAdapter) Type() string { return "github" }

// Poll lists updated issues since the cursor, ingests the new ones, routes
// each created event, and persists the advanced cursor. A clean poll clears
// the integration's lastError.
func (a *GitHubAdapter) Poll(ctx context.Context, integration store.Integration) error {
	cfg, err := integration.GitHubConfig()
	if err != nil {
		return fmt.Errorf("invalid github config: %w", err)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return fmt.Errorf("github integration %s missing owner/repo", integration.ID)
	}

	statuses := a.pollStatuses(cfg)

	issues, err := a.issues.ListIssues(ctx, gateway.ListIssuesArgs{
		Owner:  cfg.Owner,
		Repo:   cfg.Repo,
		State:  "open",
		Labels: cfg.Labels,
		Since:  integration.IntakeCursor,
		Limit:  a.maxPage,
	})
	if err != nil {
		return fmt.Errorf("failed to list issues for %s/%s: %w", cfg.Owner, cfg.Repo, err)
	}

	cursor := integration.IntakeCursor
	ingested := 0
	for i := range issues {
		issue := issues[i]
		if !a.isNew(integration.IntakeCursor, issue.UpdatedAt) {
			continue
		}
		if len(statuses) > 0 && !hasAnyLabel(issue.Labels, statuses) {
			continue
		}
		if err := a.ingestIssue(ctx, integration.ID, cfg, issue); err != nil {
			return err
		}
		ingested++
		cursor = maxTimestamp(cursor, issue.UpdatedAt)
	}

	patch := store.IntegrationPatch{LastError: strPtr("")}
	if cursor != integration.IntakeCursor {
		patch.IntakeCursor = &cursor
	}
	if err := a.store.UpdateIntegration(ctx, integration.ID, patch); err != nil {
		return fmt.Errorf("failed to persist intake cursor: %w", err)
	}

	if ingested > 0 {
		a.logger.Info("github poll ingested issues",
			zap.String("integration_id", integration.ID),
			zap.String("repo", cfg.Owner+"/"+cfg.Repo),
			zap.Int("count", ingested))
	}
	return nil
}

func (a *GitHubAdapter) ingestIssue(ctx context.Context, integrationID string, cfg *store.GitHubConfig, issue gateway.Issue) error {
	payload, err := json.Marshal(issue)
	if err != nil {
		return err
	}
	resourceID := fmt.Sprintf("%s/%s#%d", cfg.Owner, cfg.Repo, issue.Number)
	result, err := a.store.IngestIntakeEvent(ctx, store.IngestEventArgs{
		IntegrationID: integrationID,
		ResourceType:  "github_issue",
		ResourceID:    resourceID,
		Payload:       string(payload),
		AutoRoute:     false,
	})
	if err != nil {
		return fmt.Errorf("failed to ingest %s: %w", resourceID, err)
	}
	if !result.Created {
		// The store has seen this resource revision already.
		return nil
	}
	a.publish(events.IntakeEventIngested, result.EventID, resourceID)

	taskID, err := a.store.RouteAgentic(ctx, result.EventID)
	if err != nil {
		return fmt.Errorf("failed to route event %s: %w", result.EventID, err)
	}
	a.logger.Debug("routed intake event",
		zap.String("event_id", result.EventID),
		zap.String("resource_id", resourceID),
		zap.String("task_id", taskID))
	a.publish(events.IntakeEventRouted, result.EventID, resourceID)
	return nil
}

// pollStatuses derives the watched status names: the repo policy file when
// one exists, else the integration's configured stages.
func (a *GitHubAdapter) pollStatuses(cfg *store.GitHubConfig) []string {
	gp, err := LoadGoldenPath(cfg.RepoPath)
	if err != nil {
		a.logger.Warn("failed to read golden path policy, using configured stages",
			zap.String("repo_path", cfg.RepoPath),
			zap.Error(err))
		return cfg.Stages
	}
	if names := gp.StatusNames(); len(names) > 0 {
		return names
	}
	return cfg.Stages
}

// isNew reports whether an issue timestamp is strictly after the cursor.
// Unparseable timestamps count as new so nothing is silently dropped.
func (a *GitHubAdapter) isNew(cursor, updatedAt string) bool {
	if cursor == "" || updatedAt == "" {
		return true
	}
	cursorAt, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return true
	}
	issueAt, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return true
	}
	return issueAt.After(cursorAt)
}

func (a *GitHubAdapter) publish(subject, eventID, resourceID string) {
	if a.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "intake", map[string]interface{}{
		"event_id":    eventID,
		"resource_id": resourceID,
	})
	if err := a.bus.Publish(context.Background(), subject, event); err != nil {
		a.logger.Debug("failed to publish intake event", zap.Error(err))
	}
}

func hasAnyLabel(labels, wanted []string) bool {
	for _, l := range labels {
		for _, w := range wanted {
			if l == w {
				return true
			}
		}
	}
	return false
}

// maxTimestamp returns the later of two RFC3339 timestamps, preferring b
// when either side fails to parse.
func maxTimestamp(a, b string) string {
	if a == "" {
		return b
	}
	at, errA := time.Parse(time.RFC3339, a)
	bt, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return b
	}
	if bt.After(at) {
		return b
	}
	return a
}

func strPtr(s string) *string { return &s }
