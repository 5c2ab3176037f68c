package supervisor

import (
	"sync"
	"time"
)

const (
	// failureWindow is how far back failures count toward auto-pause.
	failureWindow = 30 * time.Minute
	// maxFailureEntries hard-caps the log regardless of age.
	maxFailureEntries = 5000
)

type failureEntry struct {
	taskType string
	at       time.Time
}

// FailureLog is a bounded record of recent task failures, grouped by task
// type. Entries age out of the window on every append and the log never
// holds more than maxFailureEntries.
type FailureLog struct {
	mu      sync.Mutex
	entries []failureEntry
}

func NewFailureLog() *FailureLog {
	return &FailureLog{}
}

// Append records a failure and evicts entries that fell out of the window.
func (l *FailureLog) Append(taskType string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := at.Add(-failureWindow)
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	l.entries = append(kept, failureEntry{taskType: taskType, at: at})

	if excess := len(l.entries) - maxFailureEntries; excess > 0 {
		l.entries = append(l.entries[:0], l.entries[excess:]...)
	}
}

// CountRecent returns how many failures of taskType happened within the
// window ending at now.
func (l *FailureLog) CountRecent(taskType string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-failureWindow)
	count := 0
	for _, e := range l.entries {
		if e.taskType == taskType && e.at.After(cutoff) {
			count++
		}
	}
	return count
}

// Len reports the current number of entries.
func (l *FailureLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
