// Package backend defines execution backends: the coding agents that run a
// task's prompt and produce its output. Backends register themselves in a
// Registry; callers resolve by name after alias normalization.
package backend

import (
	"context"
	"errors"
	"time"
)

// Canonical backend names.
const (
	NameClaudeCLI = "claude-cli"
	NameCodexCLI  = "codex-cli"
	NameGateway   = "gateway"
)

// ErrCancelled is returned when a run was aborted by its context.
var ErrCancelled = errors.New("execution cancelled")

// Request describes one execution.
type Request struct {
	TaskID       string
	Prompt       string
	Model        string
	AllowedTools []string
	WorkDir      string
	Timeout      time.Duration
	Env          []string
}

// Result is the outcome of one backend run.
type Result struct {
	Output     string
	RawOutput  string
	SessionID  string
	TokensUsed int64
	CostUSD    float64
	ExitCode   int
}

// Backend executes prompts. Run blocks until the agent finishes, fails, or
// the context is cancelled.
type Backend interface {
	Name() string
	Run(ctx context.Context, req Request) (*Result, error)
}
