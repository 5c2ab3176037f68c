// Package events defines the event subjects used on the Flux daemon bus.
package events

// Event types for tasks
const (
	TaskAvailable  = "task.available"
	TaskDispatched = "task.dispatched"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
	TaskCancelled  = "task.cancelled"
)

// Event types for the supervisor
const (
	SupervisorPaused  = "supervisor.paused"
	SupervisorResumed = "supervisor.resumed"
)

// Event types for intake
const (
	IntakeEventIngested = "intake.event_ingested"
	IntakeEventRouted   = "intake.event_routed"
)

// Event types for feedback delivery
const (
	FeedbackDelivered  = "feedback.delivered"
	FeedbackDeadLetter = "feedback.dead_letter"
)

// Event types for runs
const (
	RunCreated = "run.created"
)

// Event types for the push connection
const (
	PushConnected    = "push.connected"
	PushDisconnected = "push.disconnected"
)
