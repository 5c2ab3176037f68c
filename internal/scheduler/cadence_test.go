package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/store"
)

type fakeSchedulerStore struct {
	streams   []store.Stream
	playbooks map[string]*store.Playbook
	triggers  []store.PlaybookTrigger

	kv    map[string]string
	admin map[string]string

	runs       []store.CreateRunArgs
	createErr  error
	listErr    error
	nextRunSeq int
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{
		playbooks: make(map[string]*store.Playbook),
		kv:        make(map[string]string),
		admin:     make(map[string]string),
	}
}

func kvKey(ref store.KVRef) string {
	return ref.Scope + "/" + ref.StreamID + "/" + ref.Namespace + "/" + ref.Key
}

func (f *fakeSchedulerStore) ListStreams(ctx context.Context) ([]store.Stream, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.streams, nil
}

func (f *fakeSchedulerStore) GetPlaybookBySlug(ctx context.Context, slug, streamID string) (*store.Playbook, error) {
	if pb, ok := f.playbooks[slug+"@"+streamID]; ok {
		return pb, nil
	}
	return f.playbooks[slug], nil
}

func (f *fakeSchedulerStore) GetPlaybook(ctx context.Context, playbookID string) (*store.Playbook, error) {
	return f.playbooks["id:"+playbookID], nil
}

func (f *fakeSchedulerStore) GetEnabledCronTriggers(ctx context.Context) ([]store.PlaybookTrigger, error) {
	return f.triggers, nil
}

func (f *fakeSchedulerStore) CreateRun(ctx context.Context, args store.CreateRunArgs) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.runs = append(f.runs, args)
	f.nextRunSeq++
	return fmt.Sprintf("run-%d", f.nextRunSeq), nil
}

func (f *fakeSchedulerStore) MemoryKVGet(ctx context.Context, ref store.KVRef) (string, bool, error) {
	v, ok := f.kv[kvKey(ref)]
	return v, ok, nil
}

func (f *fakeSchedulerStore) MemoryKVUpsert(ctx context.Context, ref store.KVRef, value string) error {
	f.kv[kvKey(ref)] = value
	return nil
}

func (f *fakeSchedulerStore) AdminGetValue(ctx context.Context, key string) (string, error) {
	return f.admin[key], nil
}

func (f *fakeSchedulerStore) AdminSetValue(ctx context.Context, key, value string) error {
	f.admin[key] = value
	return nil
}

func newTestScheduler(t *testing.T, st Store, at time.Time) *Scheduler {
	t.Helper()
	s := New(st, nil, logger.Default())
	s.now = func() time.Time { return at }
	return s
}

func TestCadenceFiresWhenNoMarker(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	require.Len(t, st.runs, 1)
	run := st.runs[0]
	assert.Equal(t, "pb-1", run.PlaybookID)
	assert.Equal(t, "stream-1", run.StreamID)
	assert.Equal(t, fmt.Sprintf("cadence:stream-1:daily:%d", now.UnixMilli()), run.ThreadID)
	assert.Equal(t, "cadence", run.Source)
	assert.Contains(t, run.Params, `"cadence":"daily"`)

	marker := st.kv[kvKey(store.KVRef{Scope: "stream", Namespace: "_cadence", Key: "daily:lastRun", StreamID: "stream-1"})]
	assert.Equal(t, now.Format(time.RFC3339), marker)
}

func TestCadenceMarkerPreventsDuplicateRuns(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"hourly","playbookSlug":"triage","schedule":{"every":1,"unit":"hours"}}]`,
	}}
	st.playbooks["triage@stream-1"] = &store.Playbook{ID: "pb-2", Slug: "triage", Status: "active"}

	sched := newTestScheduler(t, st, now)
	for i := 0; i < 5; i++ {
		sched.CheckCadences(context.Background())
	}
	assert.Len(t, st.runs, 1, "marker written on first fire must suppress replays")

	// A tick one period later fires again.
	sched.now = func() time.Time { return now.Add(time.Hour) }
	sched.CheckCadences(context.Background())
	assert.Len(t, st.runs, 2)
}

func TestCadenceNotDueBeforePeriodElapses(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"weekly","playbookSlug":"report","schedule":{"every":1,"unit":"weeks"}}]`,
	}}
	st.playbooks["report@stream-1"] = &store.Playbook{ID: "pb-3", Slug: "report", Status: "active"}
	ref := store.KVRef{Scope: "stream", Namespace: "_cadence", Key: "weekly:lastRun", StreamID: "stream-1"}
	st.kv[kvKey(ref)] = now.Add(-6 * 24 * time.Hour).Format(time.RFC3339)

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())
	assert.Empty(t, st.runs)

	st.kv[kvKey(ref)] = now.Add(-8 * 24 * time.Hour).Format(time.RFC3339)
	sched.CheckCadences(context.Background())
	assert.Len(t, st.runs, 1)
}

func TestCadenceSkipsDisabledEntries(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"off","playbookSlug":"standup","enabled":false,"schedule":{"every":1,"unit":"minutes"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())
	assert.Empty(t, st.runs)
}

func TestCadenceInactivePlaybookAdvancesMarker(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "archived"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	assert.Empty(t, st.runs)
	marker := st.kv[kvKey(store.KVRef{Scope: "stream", Namespace: "_cadence", Key: "daily:lastRun", StreamID: "stream-1"})]
	assert.Equal(t, now.Format(time.RFC3339), marker)
}

func TestCadenceCreateRunErrorLeavesMarkerForRetry(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}
	st.createErr = errors.New("store unavailable")

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	ref := store.KVRef{Scope: "stream", Namespace: "_cadence", Key: "daily:lastRun", StreamID: "stream-1"}
	_, found := st.kv[kvKey(ref)]
	assert.False(t, found, "a failed run creation must not advance the marker")

	st.createErr = nil
	sched.CheckCadences(context.Background())
	assert.Len(t, st.runs, 1)
}

func TestCadenceBadStreamConfigDoesNotBlockOthers(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{
		{ID: "stream-bad", Status: "active", CadenceConfigJSON: `{not json`},
		{
			ID:                "stream-good",
			Status:            "active",
			CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
		},
	}
	st.playbooks["standup@stream-good"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	require.Len(t, st.runs, 1)
	assert.Equal(t, "stream-good", st.runs[0].StreamID)
}

func TestCadenceIgnoresInactiveStreams(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "archived",
		CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())
	assert.Empty(t, st.runs)
}

func TestCronTriggerFiresAndWritesAdminMarker(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.triggers = []store.PlaybookTrigger{{
		ID:         "trig-1",
		PlaybookID: "pb-9",
		StreamID:   "stream-2",
		ConfigJSON: `{"schedule":{"every":2,"unit":"hours"}}`,
	}}
	st.playbooks["id:pb-9"] = &store.Playbook{ID: "pb-9", Status: "active"}

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	require.Len(t, st.runs, 1)
	run := st.runs[0]
	assert.Equal(t, "pb-9", run.PlaybookID)
	assert.Equal(t, fmt.Sprintf("cadence:stream-2:trigger-trig-1:%d", now.UnixMilli()), run.ThreadID)
	assert.Equal(t, "cron_trigger", run.Source)
	assert.Equal(t, now.Format(time.RFC3339), st.admin["last_playbook_trigger_run:trig-1"])

	// Not due again inside the period.
	sched.now = func() time.Time { return now.Add(time.Hour) }
	sched.CheckCadences(context.Background())
	assert.Len(t, st.runs, 1)

	sched.now = func() time.Time { return now.Add(2 * time.Hour) }
	sched.CheckCadences(context.Background())
	assert.Len(t, st.runs, 2)
}

func TestCadenceToMs(t *testing.T) {
	cases := []struct {
		every int
		unit  string
		want  int64
		ok    bool
	}{
		{1, "minutes", 60_000, true},
		{1, "hour", 3_600_000, true},
		{1, "days", 86_400_000, true},
		{2, "weeks", 1_209_600_000, true},
		{1, "month", 2_592_000_000, true},
		{1, "fortnight", 0, false},
		{0, "days", 0, false},
		{-1, "hours", 0, false},
	}
	for _, tc := range cases {
		got, ok := cadenceToMs(store.CadenceSchedule{Every: tc.every, Unit: tc.unit})
		assert.Equal(t, tc.ok, ok, "%d %s", tc.every, tc.unit)
		if tc.ok {
			assert.Equal(t, tc.want, got, "%d %s", tc.every, tc.unit)
		}
	}
}

func TestCorruptMarkerCountsAsDue(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	st := newFakeSchedulerStore()
	st.streams = []store.Stream{{
		ID:                "stream-1",
		Status:            "active",
		CadenceConfigJSON: `[{"name":"daily","playbookSlug":"standup","schedule":{"every":1,"unit":"days"}}]`,
	}}
	st.playbooks["standup@stream-1"] = &store.Playbook{ID: "pb-1", Slug: "standup", Status: "active"}
	ref := store.KVRef{Scope: "stream", Namespace: "_cadence", Key: "daily:lastRun", StreamID: "stream-1"}
	st.kv[kvKey(ref)] = "not-a-timestamp"

	sched := newTestScheduler(t, st, now)
	sched.CheckCadences(context.Background())

	require.Len(t, st.runs, 1)
	assert.Equal(t, now.Format(time.RFC3339), st.kv[kvKey(ref)])
}
