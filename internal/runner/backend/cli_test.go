package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/logger"
)

func TestClaudeArgs(t *testing.T) {
	b := NewClaudeCLI("claude", logger.Default())

	args := b.buildArgs(Request{
		Prompt:       "fix the bug",
		Model:        "sonnet",
		AllowedTools: []string{"Bash", "Edit"},
	})
	assert.Equal(t, []string{"-p", "fix the bug", "--model", "sonnet", "--output-format", "json", "--allowedTools", "Bash,Edit"}, args)

	// Model and tools are omitted when unset.
	args = b.buildArgs(Request{Prompt: "hi"})
	assert.Equal(t, []string{"-p", "hi", "--output-format", "json"}, args)
}

func TestCodexArgs(t *testing.T) {
	b := NewCodexCLI("codex", logger.Default())
	args := b.buildArgs(Request{Prompt: "do it", Model: "o4"})
	assert.Equal(t, []string{"exec", "--json", "--model", "o4", "do it"}, args)
}

func TestCappedBufferKeepsTail(t *testing.T) {
	buf := &cappedBuffer{max: 8}
	_, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", buf.String())
	assert.True(t, buf.truncated)
}

// fakeAgent writes a shell script standing in for an agent binary.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script agents are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestRunCollectsEnvelope(t *testing.T) {
	bin := fakeAgent(t, `printf '%s\n' '{"result":"{\"summary\":\"done\"}","session_id":"s1","total_cost_usd":0.01}'`)
	b := NewClaudeCLI(bin, logger.Default())

	res, err := b.Run(context.Background(), Request{TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"done"}`, res.Output)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExitIncludesStderr(t *testing.T) {
	bin := fakeAgent(t, `echo "boom" >&2; exit 3`)
	b := NewClaudeCLI(bin, logger.Default())

	res, err := b.Run(context.Background(), Request{TaskID: "t1", Prompt: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "boom")
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCancellation(t *testing.T) {
	bin := fakeAgent(t, `trap 'exit 0' TERM; sleep 30 & wait`)
	b := NewClaudeCLI(bin, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Run(ctx, Request{TaskID: "t1", Prompt: "go"})
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrCancelled), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunTimeout(t *testing.T) {
	bin := fakeAgent(t, `trap 'exit 0' TERM; sleep 30 & wait`)
	b := NewClaudeCLI(bin, logger.Default())

	start := time.Now()
	_, err := b.Run(context.Background(), Request{TaskID: "t1", Prompt: "go", Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}
