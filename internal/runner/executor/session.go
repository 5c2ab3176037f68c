package executor

import (
	"context"
	"sync"
	"time"

	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// Session is the in-memory record of one executing backend subprocess.
type Session struct {
	TaskID    string
	TaskType  string
	Backend   string
	Status    v1.SessionStatus
	StartedAt time.Time

	cancel context.CancelFunc

	mu         sync.Mutex
	killedAt   time.Time
	killReason string
}

// Kill aborts the session's subprocess. The first reason wins; the
// executor reports the task as cancelled once the process is gone.
func (s *Session) Kill(reason string) {
	s.mu.Lock()
	if s.killedAt.IsZero() {
		s.killedAt = time.Now()
		s.killReason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// KillInfo returns when and why the session was killed. The time is zero
// when no kill was requested.
func (s *Session) KillInfo() (time.Time, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killedAt, s.killReason
}

// Registry tracks active sessions. The supervisor reads it for WIP
// accounting and the daemon kills everything left on shutdown; the
// executor is the only writer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// add registers a session. Returns false when the task already has one.
func (r *Registry) add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.TaskID]; exists {
		return false
	}
	r.sessions[s.TaskID] = s
	return true
}

func (r *Registry) remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, taskID)
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Has reports whether a session exists for the task.
func (r *Registry) Has(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[taskID]
	return ok
}

// Active returns a snapshot of the current sessions.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// KillAll aborts every active session with the same reason.
func (r *Registry) KillAll(reason string) {
	for _, s := range r.Active() {
		s.Kill(reason)
	}
}
