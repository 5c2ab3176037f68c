package v1

// RunStatus represents the lifecycle status of a playbook run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// FeedbackStatus represents the delivery status of an outbound feedback event.
type FeedbackStatus string

const (
	FeedbackStatusPending    FeedbackStatus = "pending"
	FeedbackStatusSent       FeedbackStatus = "sent"
	FeedbackStatusFailed     FeedbackStatus = "failed"
	FeedbackStatusDeadLetter FeedbackStatus = "dead_letter"
)
