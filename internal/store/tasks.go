package store

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// ReadyTasksArgs filters the ready-task listing.
type ReadyTasksArgs struct {
	StreamID  string `json:"streamId,omitempty"`
	Backend   string `json:"backend,omitempty"`
	CostClass string `json:"costClass,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// GetReadyTasks lists dispatchable task packets: status todo, dependencies
// satisfied, matching the given filters. Results come back newest-last so a
// paginating caller can drain with repeated calls.
func (c *Client) GetReadyTasks(ctx context.Context, args ReadyTasksArgs) ([]v1.TaskPacket, error) {
	var packets []v1.TaskPacket
	if err := c.Query(ctx, "tasks.getReady", args, &packets); err != nil {
		return nil, err
	}
	return packets, nil
}

// CountTasksByStatus returns the number of tasks in each status.
func (c *Client) CountTasksByStatus(ctx context.Context) (v1.StatusCounts, error) {
	counts := v1.StatusCounts{}
	if err := c.Query(ctx, "tasks.countByStatus", nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// GetTask fetches a single task, or nil when it does not exist.
func (c *Client) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	var task *v1.Task
	if err := c.Query(ctx, "tasks.get", map[string]any{"taskId": taskID}, &task); err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTaskArgs describes a new task.
type CreateTaskArgs struct {
	Goal         string   `json:"goal"`
	Type         string   `json:"type,omitempty"`
	Input        string   `json:"input,omitempty"`
	StreamID     string   `json:"streamId,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CreateTask creates a task in status todo and returns its id.
func (c *Client) CreateTask(ctx context.Context, args CreateTaskArgs) (string, error) {
	var result struct {
		TaskID string `json:"taskId"`
	}
	if err := c.Mutation(ctx, "tasks.create", args, &result); err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// RepoContext is the repository a task executes against.
type RepoContext struct {
	RepoPath string `json:"repoPath"`
	Owner    string `json:"owner,omitempty"`
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// GetExecutionRepoContext resolves the working repository for a task, or
// nil when the task has none configured.
func (c *Client) GetExecutionRepoContext(ctx context.Context, taskID string) (*RepoContext, error) {
	var repo *RepoContext
	if err := c.Query(ctx, "tasks.getExecutionRepoContext", map[string]any{"taskId": taskID}, &repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// ClaimTask atomically moves a todo task to doing on behalf of this device.
// Returns false when another runner claimed it first.
func (c *Client) ClaimTask(ctx context.Context, taskID, deviceID string) (bool, error) {
	var result struct {
		Claimed bool `json:"claimed"`
	}
	args := map[string]any{"taskId": taskID, "deviceId": deviceID}
	if err := c.Mutation(ctx, "tasks.claim", args, &result); err != nil {
		return false, err
	}
	return result.Claimed, nil
}

// ReportTaskArgs carries an execution outcome back to the store.
type ReportTaskArgs struct {
	TaskID       string        `json:"taskId"`
	Status       v1.TaskStatus `json:"status"`
	Output       string        `json:"output,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	TokensUsed   int64         `json:"tokensUsed,omitempty"`
	CostUSD      float64       `json:"costUsd,omitempty"`
}

// ReportTask records the terminal (or review) outcome of an execution. A
// report always moves a claimed task out of doing, so the status is checked
// against the transition graph here before the RPC goes out.
func (c *Client) ReportTask(ctx context.Context, args ReportTaskArgs) error {
	if !v1.CanTransition(v1.TaskStatusDoing, args.Status) {
		return fmt.Errorf("cannot report status %q: no doing transition allows it", args.Status)
	}
	return c.Mutation(ctx, "tasks.report", args, nil)
}

const (
	defaultAwaitTimeout = 5 * time.Minute
	defaultAwaitPoll    = 2 * time.Second
)

// CreateAndAwaitTask creates a task and polls until it settles in a
// terminal status. Zero timeout and pollInterval select the defaults
// (five minutes, two seconds).
func (c *Client) CreateAndAwaitTask(ctx context.Context, args CreateTaskArgs, timeout, pollInterval time.Duration) (*v1.Task, error) {
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultAwaitPoll
	}

	taskID, err := c.CreateTask(ctx, args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s did not settle within %s: %w", taskID, timeout, ctx.Err())
		case <-ticker.C:
			task, err := c.GetTask(ctx, taskID)
			if err != nil {
				continue
			}
			if task != nil && v1.IsTerminal(task.Status) {
				return task, nil
			}
		}
	}
}
