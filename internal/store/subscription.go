package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// UpdateHandler receives each changed snapshot of a subscribed query.
type UpdateHandler func(snapshot json.RawMessage)

// Subscription is a live view onto a store query. Stop cancels the
// underlying poller and waits for it to exit.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop terminates the subscription. Safe to call more than once.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// OnUpdate polls a query endpoint and invokes handler whenever the result
// changes. The first successful poll always delivers a snapshot. Handler
// calls happen on a single goroutine, so snapshots arrive in order.
// Transient poll errors are logged and retried on the next tick.
func (c *Client) OnUpdate(ctx context.Context, endpoint string, args any, interval time.Duration, handler UpdateHandler) *Subscription {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)

		var lastHash [sha256.Size]byte
		seen := false

		poll := func() {
			var snapshot json.RawMessage
			if err := c.Query(ctx, endpoint, args, &snapshot); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("subscription poll failed",
						zap.String("endpoint", endpoint),
						zap.Error(err))
				}
				return
			}
			hash := sha256.Sum256(snapshot)
			if seen && hash == lastHash {
				return
			}
			lastHash = hash
			seen = true
			handler(snapshot)
		}

		poll()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()

	return sub
}
