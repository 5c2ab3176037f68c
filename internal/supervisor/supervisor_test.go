package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/runner/backend"
	"github.com/fluxhq/flux/internal/runner/executor"
	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

type fakeSupStore struct {
	mu         sync.Mutex
	ready      []v1.TaskPacket
	counts     v1.StatusCounts
	admin      map[string]string
	readyCalls int
}

func newFakeSupStore() *fakeSupStore {
	return &fakeSupStore{counts: v1.StatusCounts{}, admin: make(map[string]string)}
}

func (f *fakeSupStore) GetReadyTasks(ctx context.Context, args store.ReadyTasksArgs) ([]v1.TaskPacket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	out := make([]v1.TaskPacket, len(f.ready))
	copy(out, f.ready)
	return out, nil
}

func (f *fakeSupStore) CountTasksByStatus(ctx context.Context) (v1.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := v1.StatusCounts{}
	for k, v := range f.counts {
		counts[k] = v
	}
	return counts, nil
}

func (f *fakeSupStore) AdminSetValue(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin[key] = value
	return nil
}

func (f *fakeSupStore) setReady(tasks ...v1.TaskPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = tasks
}

func (f *fakeSupStore) setReview(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[v1.TaskStatusReview] = n
}

func (f *fakeSupStore) adminValue(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admin[key]
}

// fakeExecStore backs the real executor with recorded claims and reports.
type fakeExecStore struct {
	mu      sync.Mutex
	claims  map[string]int
	deny    map[string]bool
	reports []store.ReportTaskArgs
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{claims: make(map[string]int), deny: make(map[string]bool)}
}

func (f *fakeExecStore) GetSkillByName(ctx context.Context, name string) (*store.Skill, error) {
	return nil, nil
}

func (f *fakeExecStore) ClaimTask(ctx context.Context, taskID, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[taskID]++
	return !f.deny[taskID], nil
}

func (f *fakeExecStore) ReportTask(ctx context.Context, args store.ReportTaskArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, args)
	return nil
}

func (f *fakeExecStore) GetExecutionRepoContext(ctx context.Context, taskID string) (*store.RepoContext, error) {
	return nil, nil
}

func (f *fakeExecStore) claimCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[taskID]
}

// ctrlBackend blocks every run until the test releases it, and announces
// starts on began.
type ctrlBackend struct {
	mu       sync.Mutex
	releases map[string]chan error
	began    chan string
}

func newCtrlBackend() *ctrlBackend {
	return &ctrlBackend{releases: make(map[string]chan error), began: make(chan string, 32)}
}

func (b *ctrlBackend) Name() string { return backend.NameClaudeCLI }

func (b *ctrlBackend) Run(ctx context.Context, req backend.Request) (*backend.Result, error) {
	b.mu.Lock()
	release, ok := b.releases[req.TaskID]
	if !ok {
		release = make(chan error, 1)
		b.releases[req.TaskID] = release
	}
	b.mu.Unlock()

	b.began <- req.TaskID
	select {
	case err := <-release:
		if err != nil {
			return nil, err
		}
		return &backend.Result{Output: "done"}, nil
	case <-ctx.Done():
		return nil, backend.ErrCancelled
	}
}

func (b *ctrlBackend) release(taskID string, err error) {
	b.mu.Lock()
	ch, ok := b.releases[taskID]
	if !ok {
		ch = make(chan error, 1)
		b.releases[taskID] = ch
	}
	b.mu.Unlock()
	ch <- err
}

func (b *ctrlBackend) expectBegan(t *testing.T) string {
	t.Helper()
	select {
	case id := <-b.began:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no task began within deadline")
		return ""
	}
}

func (b *ctrlBackend) expectQuiet(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case id := <-b.began:
		t.Fatalf("unexpected task start: %s", id)
	case <-time.After(window):
	}
}

type fakeWatcher struct {
	mu      sync.Mutex
	handler func([]v1.TaskPacket)
	watches int
	stopped bool
}

func (w *fakeWatcher) WatchReadyTasks(ctx context.Context, handler func([]v1.TaskPacket)) (Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
	w.watches++
	return w, nil
}

func (w *fakeWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
}

func (w *fakeWatcher) deliver(tasks []v1.TaskPacket) {
	w.mu.Lock()
	handler := w.handler
	w.mu.Unlock()
	if handler != nil {
		handler(tasks)
	}
}

type fakeChecker struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeChecker) CheckCadences(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *fakeChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	sup       *Supervisor
	st        *fakeSupStore
	execStore *fakeExecStore
	backendC  *ctrlBackend
	watcher   *fakeWatcher
	checker   *fakeChecker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	st := newFakeSupStore()
	execStore := newFakeExecStore()
	backendC := newCtrlBackend()
	registry := backend.NewRegistry()
	registry.Register(backendC)
	exec := executor.New(executor.Config{DeviceID: "dev-test", DefaultTimeout: time.Minute},
		execStore, registry, nil, nil, logger.Default())
	watcher := &fakeWatcher{}
	checker := &fakeChecker{}
	sup := New(cfg, st, exec, watcher, checker, nil, logger.Default())
	return &fixture{sup: sup, st: st, execStore: execStore, backendC: backendC, watcher: watcher, checker: checker}
}

func packet(id, taskType string) v1.TaskPacket {
	return v1.TaskPacket{
		Task:   v1.Task{ID: id, Type: taskType, Goal: "goal for " + id, Status: v1.TaskStatusTodo},
		Prompt: v1.PromptBlock{Rendered: "work on " + id},
	}
}

func TestDispatchRespectsConcurrencyCap(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	a, b, c := packet("task-a", "t"), packet("task-b", "t"), packet("task-c", "t")
	f.st.setReady(c)
	f.watcher.deliver([]v1.TaskPacket{a, b, c})

	started := map[string]bool{}
	started[f.backendC.expectBegan(t)] = true
	started[f.backendC.expectBegan(t)] = true
	assert.True(t, started["task-a"] && started["task-b"], "first two tasks run first: %v", started)
	f.backendC.expectQuiet(t, 100*time.Millisecond)
	assert.Equal(t, 0, f.execStore.claimCount("task-c"))

	// Finishing one session frees a slot; the follow-up requery picks up C.
	f.backendC.release("task-a", nil)
	assert.Equal(t, "task-c", f.backendC.expectBegan(t))
}

func TestAutoPauseOnRepeatedFailures(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 3})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		f.sup.failures.Append("t", now)
	}
	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})

	f.backendC.expectQuiet(t, 100*time.Millisecond)
	status := f.sup.Status()
	assert.True(t, status.Paused)
	assert.Equal(t, "t: 3 failures in 30 min", status.PauseReason)
	assert.Equal(t, 0, f.execStore.claimCount("task-a"))
}

func TestFailureRateIsPerTaskType(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 3})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		f.sup.failures.Append("flaky", now)
	}
	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "steady")})

	assert.Equal(t, "task-a", f.backendC.expectBegan(t))
	assert.False(t, f.sup.Status().Paused)
	f.backendC.release("task-a", nil)
}

func TestReviewBackpressurePausesAndResumes(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 1, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	// Wait out the startup heartbeat so the manual one below is not
	// coalesced away by the reentrancy guard.
	require.Eventually(t, func() bool { return f.checker.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	f.st.setReview(1)
	f.st.setReady(packet("task-a", "t"))
	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})

	f.backendC.expectQuiet(t, 100*time.Millisecond)
	status := f.sup.Status()
	require.True(t, status.Paused)
	assert.Equal(t, "review queue full (1 pending)", status.PauseReason)

	// Heartbeat sees the queue drained, resumes, and requeries.
	f.st.setReview(0)
	f.sup.heartbeat(context.Background())
	assert.Equal(t, "task-a", f.backendC.expectBegan(t))
	assert.False(t, f.sup.Status().Paused)
	f.backendC.release("task-a", nil)
}

func TestDuplicateTaskDispatchedOnce(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	a := packet("task-a", "t")
	f.watcher.deliver([]v1.TaskPacket{a, a})
	assert.Equal(t, "task-a", f.backendC.expectBegan(t))
	f.backendC.expectQuiet(t, 100*time.Millisecond)

	// A second snapshot naming the active task is a no-op for it.
	f.watcher.deliver([]v1.TaskPacket{a})
	f.backendC.expectQuiet(t, 100*time.Millisecond)
	assert.Equal(t, 1, f.execStore.claimCount("task-a"))

	f.backendC.release("task-a", nil)
}

func TestLostClaimSkipsTask(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	f.execStore.deny["task-a"] = true
	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t"), packet("task-b", "t")})

	// The lost claim does not block the rest of the pass.
	assert.Equal(t, "task-b", f.backendC.expectBegan(t))
	assert.Equal(t, 1, f.execStore.claimCount("task-a"))
	assert.Equal(t, 1, f.sup.Status().ActiveSessions)
	f.backendC.release("task-b", nil)
}

func TestFailedOutcomeFeedsFailureLog(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})
	require.Equal(t, "task-a", f.backendC.expectBegan(t))
	f.backendC.release("task-a", errors.New("agent exploded"))

	require.Eventually(t, func() bool {
		return f.sup.failures.CountRecent("t", time.Now()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSuccessfulOutcomeDoesNotFeedFailureLog(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})
	require.Equal(t, "task-a", f.backendC.expectBegan(t))
	f.backendC.release("task-a", nil)

	require.Eventually(t, func() bool {
		return f.sup.Status().ActiveSessions == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.sup.failures.CountRecent("t", time.Now()))
}

func TestStopCancelsSessionsAndClearsHeartbeat(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))

	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})
	require.Equal(t, "task-a", f.backendC.expectBegan(t))

	f.sup.Stop()

	assert.True(t, f.watcher.stopped)
	assert.Equal(t, "", f.st.adminValue(heartbeatKey))

	// The killed session reports a cancellation, which never counts as a
	// failure.
	f.execStore.mu.Lock()
	defer f.execStore.mu.Unlock()
	require.NotEmpty(t, f.execStore.reports)
	var sawCancelled bool
	for _, rep := range f.execStore.reports {
		if rep.TaskID == "task-a" && rep.Status == v1.TaskStatusCancelled {
			sawCancelled = true
			assert.Equal(t, "Cancelled by user request", rep.Output)
		}
	}
	assert.True(t, sawCancelled)
	assert.Equal(t, 0, f.sup.failures.Len())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()
	require.NoError(t, f.sup.Start(context.Background()))

	f.watcher.mu.Lock()
	defer f.watcher.mu.Unlock()
	assert.Equal(t, 1, f.watcher.watches)
}

func TestPausedSupervisorDropsSnapshots(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 4, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	require.NoError(t, f.sup.Start(context.Background()))
	defer f.sup.Stop()

	f.sup.Pause("operator hold")
	f.watcher.deliver([]v1.TaskPacket{packet("task-a", "t")})
	f.backendC.expectQuiet(t, 100*time.Millisecond)
	assert.Equal(t, 0, f.execStore.claimCount("task-a"))

	f.sup.Resume()
	assert.False(t, f.sup.Status().Paused)
}

func TestHeartbeatWritesMarkerAndRunsScheduler(t *testing.T) {
	f := newFixture(t, Config{})
	f.sup.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

	f.sup.heartbeat(context.Background())

	marker := f.st.adminValue(heartbeatKey)
	assert.Equal(t, "2026-03-14T12:00:00Z", marker)
	assert.Equal(t, 1, f.checker.count())
}

func TestProcessReadyTasksReturnsDispatchCount(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxPendingReview: 10, AutoPauseAfterNFails: 10})

	f.st.setReady(packet("task-a", "t"), packet("task-b", "t"), packet("task-c", "t"))
	n, err := f.sup.ProcessReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.backendC.release("task-a", nil)
	f.backendC.release("task-b", nil)
	require.Eventually(t, func() bool {
		return f.sup.Status().ActiveSessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessReadyTasksHonorsPause(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxPendingReview: 10, AutoPauseAfterNFails: 10})
	f.sup.Pause("operator hold")
	f.st.setReady(packet("task-a", "t"))

	n, err := f.sup.ProcessReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReviewPauseReasonFormatsCount(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxPendingReview: 3, AutoPauseAfterNFails: 10})
	f.st.setReview(7)
	f.st.setReady(packet("task-a", "t"))

	n, err := f.sup.ProcessReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "review queue full (7 pending)", f.sup.Status().PauseReason)
}
