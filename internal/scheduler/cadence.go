// Package scheduler fires playbook runs on stream cadences. CheckCadences
// is driven by the supervisor heartbeat: every pass re-reads the streams,
// decides which cadence entries are due against their persisted markers,
// and creates runs for due entries whose playbook is active.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/events"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/store"
)

// Millisecond periods per schedule unit. A month is a fixed 30 days.
const (
	msPerMinute = 60_000
	msPerHour   = 3_600_000
	msPerDay    = 86_400_000
	msPerWeek   = 604_800_000
	msPerMonth  = 2_592_000_000
)

// Store is the slice of the state store the scheduler needs.
type Store interface {
	ListStreams(ctx context.Context) ([]store.Stream, error)
	GetPlaybookBySlug(ctx context.Context, slug, streamID string) (*store.Playbook, error)
	GetPlaybook(ctx context.Context, playbookID string) (*store.Playbook, error)
	GetEnabledCronTriggers(ctx context.Context) ([]store.PlaybookTrigger, error)
	CreateRun(ctx context.Context, args store.CreateRunArgs) (string, error)
	MemoryKVGet(ctx context.Context, ref store.KVRef) (string, bool, error)
	MemoryKVUpsert(ctx context.Context, ref store.KVRef, value string) error
	AdminGetValue(ctx context.Context, key string) (string, error)
	AdminSetValue(ctx context.Context, key, value string) error
}

// Scheduler owns cadence evaluation. It keeps no state of its own: markers
// live in the store, so any daemon instance can run the check.
type Scheduler struct {
	store  Store
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// New creates a scheduler. The bus is optional.
func New(st Store, eventBus bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "scheduler")),
		now:    time.Now,
	}
}

// CheckCadences evaluates every stream cadence entry and every legacy cron
// trigger once. A failure in one unit never aborts the others.
func (s *Scheduler) CheckCadences(ctx context.Context) {
	now := s.now().UTC()

	streams, err := s.store.ListStreams(ctx)
	if err != nil {
		s.logger.Warn("failed to list streams for cadence check", zap.Error(err))
	} else {
		for _, stream := range streams {
			if stream.Status != "" && stream.Status != "active" {
				continue
			}
			s.checkStream(ctx, stream, now)
		}
	}

	s.checkTriggers(ctx, now)
}

func (s *Scheduler) checkStream(ctx context.Context, stream store.Stream, now time.Time) {
	entries, err := stream.CadenceEntries()
	if err != nil {
		s.logger.Warn("invalid cadence config, skipping stream",
			zap.String("stream_id", stream.ID),
			zap.Error(err))
		return
	}
	for i := range entries {
		entry := entries[i]
		if !entry.IsEnabled() {
			continue
		}
		periodMs, ok := cadenceToMs(entry.Schedule)
		if !ok {
			s.logger.Debug("skipping cadence entry with invalid schedule",
				zap.String("stream_id", stream.ID),
				zap.String("cadence", entry.Name))
			continue
		}
		if err := s.fireIfDue(ctx, stream, entry, periodMs, now); err != nil {
			s.logger.Warn("cadence entry failed",
				zap.String("stream_id", stream.ID),
				zap.String("cadence", entry.Name),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) fireIfDue(ctx context.Context, stream store.Stream, entry store.CadenceEntry, periodMs int64, now time.Time) error {
	ref := store.KVRef{
		Scope:     "stream",
		Namespace: "_cadence",
		Key:       entry.Name + ":lastRun",
		StreamID:  stream.ID,
	}
	marker, found, err := s.store.MemoryKVGet(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to read cadence marker: %w", err)
	}
	if found && !isDue(marker, periodMs, now) {
		return nil
	}

	playbook, err := s.store.GetPlaybookBySlug(ctx, entry.PlaybookSlug, stream.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve playbook %q: %w", entry.PlaybookSlug, err)
	}
	if playbook == nil || playbook.Status != "active" {
		s.logger.Debug("cadence due but playbook not active",
			zap.String("stream_id", stream.ID),
			zap.String("slug", entry.PlaybookSlug))
		// Advance the marker anyway so an inactive playbook is re-checked on
		// the next period rather than every heartbeat.
		return s.store.MemoryKVUpsert(ctx, ref, now.Format(time.RFC3339))
	}

	params, err := json.Marshal(map[string]string{
		"cadence": entry.Name,
		"source":  "cadence",
	})
	if err != nil {
		return err
	}
	threadID := fmt.Sprintf("cadence:%s:%s:%d", stream.ID, entry.Name, now.UnixMilli())
	runID, err := s.store.CreateRun(ctx, store.CreateRunArgs{
		PlaybookID: playbook.ID,
		StreamID:   stream.ID,
		ThreadID:   threadID,
		Params:     string(params),
		Source:     "cadence",
	})
	if err != nil {
		// Marker untouched: the next heartbeat retries this entry.
		return fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("cadence fired",
		zap.String("stream_id", stream.ID),
		zap.String("cadence", entry.Name),
		zap.String("run_id", runID),
		zap.String("thread_id", threadID))
	s.publishRunCreated(runID, stream.ID, threadID)

	return s.store.MemoryKVUpsert(ctx, ref, now.Format(time.RFC3339))
}

func (s *Scheduler) checkTriggers(ctx context.Context, now time.Time) {
	triggers, err := s.store.GetEnabledCronTriggers(ctx)
	if err != nil {
		s.logger.Warn("failed to list cron triggers", zap.Error(err))
		return
	}
	for _, trigger := range triggers {
		if err := s.fireTriggerIfDue(ctx, trigger, now); err != nil {
			s.logger.Warn("cron trigger failed",
				zap.String("trigger_id", trigger.ID),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) fireTriggerIfDue(ctx context.Context, trigger store.PlaybookTrigger, now time.Time) error {
	if trigger.ConfigJSON == "" {
		return nil
	}
	var cfg struct {
		Schedule store.CadenceSchedule `json:"schedule"`
	}
	if err := json.Unmarshal([]byte(trigger.ConfigJSON), &cfg); err != nil {
		s.logger.Debug("skipping trigger with invalid config",
			zap.String("trigger_id", trigger.ID))
		return nil
	}
	periodMs, ok := cadenceToMs(cfg.Schedule)
	if !ok {
		return nil
	}

	key := "last_playbook_trigger_run:" + trigger.ID
	marker, err := s.store.AdminGetValue(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read trigger marker: %w", err)
	}
	if marker != "" && !isDue(marker, periodMs, now) {
		return nil
	}

	playbook, err := s.store.GetPlaybook(ctx, trigger.PlaybookID)
	if err != nil {
		return fmt.Errorf("failed to resolve playbook %s: %w", trigger.PlaybookID, err)
	}
	if playbook == nil || playbook.Status != "active" {
		return s.store.AdminSetValue(ctx, key, now.Format(time.RFC3339))
	}

	params, err := json.Marshal(map[string]string{
		"trigger": trigger.ID,
		"source":  "cron_trigger",
	})
	if err != nil {
		return err
	}
	threadID := fmt.Sprintf("cadence:%s:trigger-%s:%d", trigger.StreamID, trigger.ID, now.UnixMilli())
	runID, err := s.store.CreateRun(ctx, store.CreateRunArgs{
		PlaybookID: playbook.ID,
		StreamID:   trigger.StreamID,
		ThreadID:   threadID,
		Params:     string(params),
		Source:     "cron_trigger",
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("cron trigger fired",
		zap.String("trigger_id", trigger.ID),
		zap.String("run_id", runID))
	s.publishRunCreated(runID, trigger.StreamID, threadID)

	return s.store.AdminSetValue(ctx, key, now.Format(time.RFC3339))
}

func (s *Scheduler) publishRunCreated(runID, streamID, threadID string) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.RunCreated, "scheduler", map[string]interface{}{
		"run_id":    runID,
		"stream_id": streamID,
		"thread_id": threadID,
	})
	if err := s.bus.Publish(context.Background(), events.RunCreated, event); err != nil {
		s.logger.Debug("failed to publish run event", zap.Error(err))
	}
}

// isDue reports whether a period has elapsed since the RFC3339 marker. An
// unparseable marker counts as due so a corrupt value heals itself.
func isDue(marker string, periodMs int64, now time.Time) bool {
	lastRun, err := time.Parse(time.RFC3339, marker)
	if err != nil {
		return true
	}
	return now.Sub(lastRun).Milliseconds() >= periodMs
}

// cadenceToMs converts a schedule to its period in milliseconds. Returns
// false for non-positive counts or unknown units.
func cadenceToMs(schedule store.CadenceSchedule) (int64, bool) {
	if schedule.Every <= 0 {
		return 0, false
	}
	var unit int64
	switch strings.ToLower(strings.TrimSpace(schedule.Unit)) {
	case "minute", "minutes":
		unit = msPerMinute
	case "hour", "hours":
		unit = msPerHour
	case "day", "days":
		unit = msPerDay
	case "week", "weeks":
		unit = msPerWeek
	case "month", "months":
		unit = msPerMonth
	default:
		return 0, false
	}
	return int64(schedule.Every) * unit, true
}
