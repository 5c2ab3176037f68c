package daemon

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/internal/supervisor"
	v1 "github.com/fluxhq/flux/pkg/api/v1"
)

// readyTaskWatcher adapts the store's live query subscription to the
// supervisor's watcher contract.
type readyTaskWatcher struct {
	store  *store.Client
	args   store.ReadyTasksArgs
	logger *logger.Logger
}

func (w *readyTaskWatcher) WatchReadyTasks(ctx context.Context, handler func([]v1.TaskPacket)) (supervisor.Subscription, error) {
	sub := w.store.OnUpdate(ctx, "tasks.getReady", w.args, 0, func(snapshot json.RawMessage) {
		var packets []v1.TaskPacket
		if err := json.Unmarshal(snapshot, &packets); err != nil {
			w.logger.Warn("failed to decode ready-task snapshot", zap.Error(err))
			return
		}
		handler(packets)
	})
	return sub, nil
}
