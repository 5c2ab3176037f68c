// Package runstate reconstructs playbook run state from ordered run events.
package runstate

import (
	"sort"

	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// Event kinds emitted for a run.
const (
	EventRunStarted        = "run_started"
	EventStepStarted       = "step_started"
	EventStateDeltaApplied = "state_delta_applied"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
	EventRunPaused         = "run_paused"
	EventRunResumed        = "run_resumed"
	EventRunCompleted      = "run_completed"
	EventRunFailed         = "run_failed"
)

// Event is a single entry in a run's event log.
type Event struct {
	RunID     string         `json:"runId"`
	Seq       int64          `json:"seq"`
	CreatedAt int64          `json:"createdAt"` // epoch ms
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// State is the reconstructed state of a run.
type State struct {
	RunID        string         `json:"runId"`
	Status       v1.RunStatus   `json:"status"`
	CurrentStep  string         `json:"currentStep,omitempty"`
	StateVersion int64          `json:"stateVersion"`
	Data         map[string]any `json:"data"`
	StartedAt    int64          `json:"startedAt,omitempty"`
	UpdatedAt    int64          `json:"updatedAt,omitempty"`
	CompletedAt  int64          `json:"completedAt,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// NewState returns the initial state for a run.
func NewState(runID string) State {
	return State{
		RunID:  runID,
		Status: v1.RunStatusPending,
		Data:   map[string]any{},
	}
}

// Reduce folds an event sequence into a run state. Events are sorted by Seq
// ascending before folding; unknown event types are no-ops. The inputs are
// never mutated.
func Reduce(initial State, events []Event) State {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})

	state := initial
	state.Data = cloneMap(initial.Data)
	for _, ev := range ordered {
		state = apply(state, ev)
	}
	return state
}

func apply(state State, ev Event) State {
	switch ev.Type {
	case EventRunStarted:
		state.Status = v1.RunStatusRunning
		state.Data = DeepMerge(state.Data, payloadMap(ev.Payload, "initialState"))
		state.StateVersion++
		state.StartedAt = ev.CreatedAt

	case EventStepStarted:
		state.CurrentStep = payloadString(ev.Payload, "step")

	case EventStateDeltaApplied:
		if step, ok := payloadStringOK(ev.Payload, "step"); ok {
			state.CurrentStep = step
		}
		state.Data = DeepMerge(state.Data, payloadMap(ev.Payload, "delta"))
		state.StateVersion++

	case EventStepCompleted:
		state.CurrentStep = payloadString(ev.Payload, "step")

	case EventStepFailed:
		state.Status = v1.RunStatusFailed
		state.CurrentStep = payloadString(ev.Payload, "step")
		state.Error = payloadString(ev.Payload, "error")

	case EventRunPaused:
		state.Status = v1.RunStatusPaused

	case EventRunResumed:
		state.Status = v1.RunStatusRunning

	case EventRunCompleted:
		state.Status = v1.RunStatusCompleted
		state.CompletedAt = ev.CreatedAt

	case EventRunFailed:
		state.Status = v1.RunStatusFailed
		state.Error = payloadString(ev.Payload, "error")

	default:
		// Unknown events only advance updatedAt.
	}

	state.UpdatedAt = ev.CreatedAt
	return state
}

func payloadMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	if m, ok := payload[key].(map[string]any); ok {
		return m
	}
	return nil
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payloadStringOK(payload, key)
	return s
}

func payloadStringOK(payload map[string]any, key string) (string, bool) {
	if payload == nil {
		return "", false
	}
	s, ok := payload[key].(string)
	return s, ok
}
