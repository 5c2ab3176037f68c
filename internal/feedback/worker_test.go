package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/store"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

type recordedFailure struct {
	eventID string
	message string
}

type fakeFeedbackStore struct {
	mu           sync.Mutex
	pending      []store.FeedbackEvent
	integrations map[string]*store.Integration
	tasks        map[string]*v1.Task
	repoCtx      map[string]*store.RepoContext
	processed    []string
	failures     []recordedFailure
	failStatus   v1.FeedbackStatus
	listErr      error
}

func newFakeFeedbackStore() *fakeFeedbackStore {
	return &fakeFeedbackStore{
		integrations: make(map[string]*store.Integration),
		tasks:        make(map[string]*v1.Task),
		repoCtx:      make(map[string]*store.RepoContext),
		failStatus:   v1.FeedbackStatusFailed,
	}
}

func (f *fakeFeedbackStore) ListPendingFeedback(ctx context.Context, limit int) ([]store.FeedbackEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > 0 && len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeFeedbackStore) GetIntegration(ctx context.Context, integrationID string) (*store.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.integrations[integrationID], nil
}

func (f *fakeFeedbackStore) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[taskID], nil
}

func (f *fakeFeedbackStore) GetExecutionRepoContext(ctx context.Context, taskID string) (*store.RepoContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repoCtx[taskID], nil
}

func (f *fakeFeedbackStore) ProcessFeedbackByID(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, eventID)
	return nil
}

func (f *fakeFeedbackStore) MarkFeedbackDeliveryFailure(ctx context.Context, eventID, message string) (v1.FeedbackStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, recordedFailure{eventID: eventID, message: message})
	return f.failStatus, nil
}

type postedComment struct {
	owner string
	repo  string
	issue int
	body  string
}

type fakePoster struct {
	mu     sync.Mutex
	posted []postedComment
	err    error
}

func (f *fakePoster) CreateIssueComment(ctx context.Context, owner, repo string, issueNumber int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, postedComment{owner: owner, repo: repo, issue: issueNumber, body: body})
	return nil
}

// optedInRepo creates a checkout whose policy file opts into comments.
func optedInRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".flux"), 0o755))
	policy := "feedback:\n  github:\n    postTaskStatusComments: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".flux", "golden-path.yaml"), []byte(policy), 0o644))
	return dir
}

func githubIntegration(id string, cfg store.GitHubConfig) *store.Integration {
	raw, _ := json.Marshal(cfg)
	return &store.Integration{ID: id, Type: "github", Enabled: true, Config: raw}
}

func newTestWorker(st *fakeFeedbackStore, poster *fakePoster) *Worker {
	return NewWorker(st, poster, nil, WorkerConfig{
		PollEvery:  time.Hour,
		BatchLimit: 25,
	}, logger.Default())
}

func TestDeliverPostsComment(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	st.tasks["task-1"] = &v1.Task{ID: "task-1", Goal: "ship the parser"}
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: optedInRepo(t)}
	event := store.FeedbackEvent{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		FromStatus:    "doing",
		ToStatus:      "done",
		Payload:       json.RawMessage(`{"resourceId":"fluxhq/demo#12"}`),
	}
	st.pending = []store.FeedbackEvent{event}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	assert.True(t, w.processBatch(context.Background()))

	require.Len(t, poster.posted, 1)
	assert.Equal(t, "fluxhq", poster.posted[0].owner)
	assert.Equal(t, "demo", poster.posted[0].repo)
	assert.Equal(t, 12, poster.posted[0].issue)
	assert.Equal(t, BuildComment(event, st.tasks["task-1"]), poster.posted[0].body)
	assert.Equal(t, []string{"evt-1"}, st.processed)
	assert.Empty(t, st.failures)
}

func TestDeliverResolvesFromTaskInput(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{})
	st.tasks["task-1"] = &v1.Task{
		ID:    "task-1",
		Input: `{"intake":{"resourceId":"fluxhq/demo#7"}}`,
	}
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: optedInRepo(t)}
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "done",
	}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	require.Len(t, poster.posted, 1)
	assert.Equal(t, 7, poster.posted[0].issue)
}

func TestDeliverResolvesFromIntegrationConfig(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	st.tasks["task-1"] = &v1.Task{ID: "task-1"}
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: optedInRepo(t)}
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "done",
		Payload:       json.RawMessage(`{"issueNumber":33}`),
	}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	require.Len(t, poster.posted, 1)
	assert.Equal(t, postedComment{owner: "fluxhq", repo: "demo", issue: 33, body: poster.posted[0].body}, poster.posted[0])
}

func TestDeliverUnresolvableCoordinatesFails(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{})
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "done",
	}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	assert.Empty(t, poster.posted)
	require.Len(t, st.failures, 1)
	assert.Equal(t, "evt-1", st.failures[0].eventID)
	assert.Contains(t, st.failures[0].message, "could not resolve issue coordinates")
}

func TestDeliverSkipsWhenRepoNotOptedIn(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	st.tasks["task-1"] = &v1.Task{ID: "task-1"}
	// Repo context resolves to a checkout with no policy file.
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: t.TempDir()}
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "done",
		Payload:       json.RawMessage(`{"resourceId":"fluxhq/demo#5"}`),
	}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	assert.Empty(t, poster.posted)
	assert.Equal(t, []string{"evt-1"}, st.processed)
}

func TestDeliverSkipsDoingTransitions(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	st.tasks["task-1"] = &v1.Task{ID: "task-1"}
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: optedInRepo(t)}
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "doing",
		Payload:       json.RawMessage(`{"resourceId":"fluxhq/demo#5","status":"doing"}`),
	}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	assert.Empty(t, poster.posted)
	assert.Equal(t, []string{"evt-1"}, st.processed)
}

func TestDeliverConsumesDisabledIntegration(t *testing.T) {
	st := newFakeFeedbackStore()
	disabled := githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	disabled.Enabled = false
	st.integrations["int-1"] = disabled
	st.pending = []store.FeedbackEvent{{ID: "evt-1", IntegrationID: "int-1", ToStatus: "done"}}
	poster := &fakePoster{}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	assert.Empty(t, poster.posted)
	assert.Equal(t, []string{"evt-1"}, st.processed)
}

func TestDeliverPosterErrorRecordsFailure(t *testing.T) {
	st := newFakeFeedbackStore()
	st.integrations["int-1"] = githubIntegration("int-1", store.GitHubConfig{Owner: "fluxhq", Repo: "demo"})
	st.tasks["task-1"] = &v1.Task{ID: "task-1"}
	st.repoCtx["task-1"] = &store.RepoContext{RepoPath: optedInRepo(t)}
	st.failStatus = v1.FeedbackStatusDeadLetter
	st.pending = []store.FeedbackEvent{{
		ID:            "evt-1",
		IntegrationID: "int-1",
		TaskID:        "task-1",
		ToStatus:      "done",
		Payload:       json.RawMessage(`{"resourceId":"fluxhq/demo#5"}`),
	}}
	poster := &fakePoster{err: errors.New("451 unavailable for legal reasons")}

	w := newTestWorker(st, poster)
	w.processBatch(context.Background())

	require.Len(t, st.failures, 1)
	assert.Contains(t, st.failures[0].message, "451")
	assert.Empty(t, st.processed)
}

func TestProcessBatchListErrorEscalates(t *testing.T) {
	st := newFakeFeedbackStore()
	st.listErr = errors.New("store down")
	w := newTestWorker(st, &fakePoster{})

	assert.False(t, w.processBatch(context.Background()))
}

func TestWorkerBackoffSchedule(t *testing.T) {
	w := NewWorker(newFakeFeedbackStore(), &fakePoster{}, nil, WorkerConfig{
		PollEvery:  50 * time.Millisecond,
		BatchLimit: 10,
		MaxBackoff: 400 * time.Millisecond,
	}, logger.Default())

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 50 * time.Millisecond},
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{8, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		w.failures = tc.failures
		assert.Equal(t, tc.want, w.nextDelay(), "failures=%d", tc.failures)
	}
}

func TestParseResource(t *testing.T) {
	cases := []struct {
		in    string
		owner string
		repo  string
		issue int
	}{
		{"fluxhq/demo#12", "fluxhq", "demo", 12},
		{"fluxhq/demo", "fluxhq", "demo", 0},
		{"demo#12", "", "", 12},
		{"", "", "", 0},
	}
	for _, tc := range cases {
		got := parseResource(tc.in)
		assert.Equal(t, issueCoords{owner: tc.owner, repo: tc.repo, issue: tc.issue}, got, tc.in)
	}
}
