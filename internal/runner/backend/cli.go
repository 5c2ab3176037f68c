package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/telemetry/tracing"
)

const (
	// maxOutputBytes caps retained stdout; agents can be very chatty and
	// only the tail matters for parsing.
	maxOutputBytes = 1 << 20
	maxStderrBytes = 256 << 10

	// killGrace is how long a terminated agent gets to exit before SIGKILL.
	killGrace = 5 * time.Second
)

// CLIBackend runs a coding agent as a local subprocess.
type CLIBackend struct {
	name   string
	binary string
	logger *logger.Logger
}

// NewClaudeCLI returns the claude-cli backend. An empty binary falls back
// to "claude" on PATH.
func NewClaudeCLI(binary string, log *logger.Logger) *CLIBackend {
	if binary == "" {
		binary = "claude"
	}
	return newCLI(NameClaudeCLI, binary, log)
}

// NewCodexCLI returns the codex-cli backend. An empty binary falls back to
// "codex" on PATH.
func NewCodexCLI(binary string, log *logger.Logger) *CLIBackend {
	if binary == "" {
		binary = "codex"
	}
	return newCLI(NameCodexCLI, binary, log)
}

func newCLI(name, binary string, log *logger.Logger) *CLIBackend {
	return &CLIBackend{
		name:   name,
		binary: binary,
		logger: log.WithFields(zap.String("component", "backend"), zap.String("backend", name)),
	}
}

// Name returns the canonical backend name.
func (b *CLIBackend) Name() string {
	return b.name
}

func (b *CLIBackend) buildArgs(req Request) []string {
	if b.name == NameCodexCLI {
		args := []string{"exec", "--json"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		return append(args, req.Prompt)
	}

	args := []string{"-p", req.Prompt}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "--output-format", "json")
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

// Run spawns the agent and blocks until it exits, the context is cancelled,
// or the request timeout fires. Cancellation sends SIGTERM to the process
// group exactly once, then SIGKILL after a grace period.
func (b *CLIBackend) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.TraceBackendRun(ctx, b.name)
	defer span.End()

	// exec.Command rather than CommandContext: context cancellation must go
	// through the SIGTERM-then-SIGKILL path, not an immediate kill.
	cmd := exec.Command(b.binary, b.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.SysProcAttr = sysProcAttr()

	stdout := &cappedBuffer{max: maxOutputBytes}
	stderr := &cappedBuffer{max: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		tracing.RecordResult(span, err)
		return nil, fmt.Errorf("failed to start %s: %w", b.binary, err)
	}
	pid := cmd.Process.Pid
	b.logger.Info("agent process started",
		zap.Int("pid", pid),
		zap.String("task_id", req.TaskID),
		zap.String("model", req.Model))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var termOnce sync.Once
	terminate := func(reason string) {
		termOnce.Do(func() {
			b.logger.Info("terminating agent process",
				zap.Int("pid", pid),
				zap.String("reason", reason))
			if err := signalProcess(pid, syscall.SIGTERM); err != nil {
				b.logger.Warn("failed to signal agent process", zap.Error(err))
			}
		})
	}
	awaitExit := func() {
		select {
		case <-waitCh:
		case <-time.After(killGrace):
			_ = signalProcess(pid, syscall.SIGKILL)
			<-waitCh
		}
	}

	select {
	case waitErr := <-waitCh:
		res, err := b.collect(cmd, stdout, stderr, waitErr)
		tracing.RecordResult(span, err)
		return res, err

	case <-ctx.Done():
		terminate("cancelled")
		awaitExit()
		res, _ := b.collect(cmd, stdout, stderr, nil)
		tracing.RecordResult(span, ErrCancelled)
		return res, ErrCancelled

	case <-timeoutCh:
		terminate("timeout")
		awaitExit()
		res, _ := b.collect(cmd, stdout, stderr, nil)
		err := fmt.Errorf("%s timed out after %s", b.name, req.Timeout)
		tracing.RecordResult(span, err)
		return res, err
	}
}

func (b *CLIBackend) collect(cmd *exec.Cmd, stdout, stderr *cappedBuffer, waitErr error) (*Result, error) {
	raw := stdout.String()
	output, meta := ParseAgentOutput(raw)
	res := &Result{
		Output:     output,
		RawOutput:  raw,
		SessionID:  meta.SessionID,
		TokensUsed: meta.TokensUsed,
		CostUSD:    meta.CostUSD,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		return res, fmt.Errorf("%s exited with code %d: %s", b.name, res.ExitCode, detail)
	}
	if meta.IsError {
		return res, fmt.Errorf("%s reported an error: %s", b.name, output)
	}
	return res, nil
}

// cappedBuffer retains only the last max bytes written to it.
type cappedBuffer struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
