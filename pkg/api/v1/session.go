package v1

// SessionStatus represents the state of an in-memory agent session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusIdle    SessionStatus = "idle"
	SessionStatusFailed  SessionStatus = "failed"
)
