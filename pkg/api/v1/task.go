// Package v1 contains the wire-level types shared between the Flux daemon
// and the remote state store.
package v1

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskStatusTodo      TaskStatus = "todo"
	TaskStatusDoing     TaskStatus = "doing"
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusReview    TaskStatus = "review"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ValidTransitions maps each task status to the statuses it may move to.
// done and cancelled are terminal.
var ValidTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusTodo:      {TaskStatusDoing, TaskStatusBlocked, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusDoing:     {TaskStatusReview, TaskStatusDone, TaskStatusBlocked, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusBlocked:   {TaskStatusTodo, TaskStatusDoing, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusReview:    {TaskStatusDone, TaskStatusDoing, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusFailed:    {TaskStatusTodo, TaskStatusCancelled},
	TaskStatusDone:      {},
	TaskStatusCancelled: {},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status TaskStatus) bool {
	return len(ValidTransitions[status]) == 0
}

// Task is the store's view of a unit of agent work.
type Task struct {
	ID           string     `json:"id"`
	Goal         string     `json:"goal,omitempty"`
	Status       TaskStatus `json:"status"`
	Type         string     `json:"type"`
	Input        string     `json:"input,omitempty"`
	StreamID     string     `json:"streamId,omitempty"`
	AgentID      string     `json:"agentId,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	RetryCount   int        `json:"retryCount,omitempty"`
	StartedAt    int64      `json:"startedAt,omitempty"` // epoch ms, set once on first doing
}

// StatusCounts holds the per-status task counts returned by countByStatus.
type StatusCounts map[TaskStatus]int
