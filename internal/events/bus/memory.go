package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fluxhq/flux/internal/common/logger"
)

// MemoryEventBus implements EventBus in-process. It is the default fabric
// when no NATS URL is configured: a single daemon talking to itself does
// not need a broker. Handlers run on their own goroutines, matching the
// delivery model of the NATS implementation.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription // keyed by subscription pattern
	queues map[string]*queueGroup           // keyed by queue + ":" + pattern
	closed bool
	logger *logger.Logger
}

// subjectPattern matches subjects against a NATS-style pattern: tokens
// separated by dots, * for exactly one token, > for the remaining tokens.
type subjectPattern struct {
	exact string
	re    *regexp.Regexp // nil unless the pattern has wildcards
}

func compilePattern(pattern string) subjectPattern {
	if !strings.ContainsAny(pattern, "*>") {
		return subjectPattern{exact: pattern}
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves > untouched; it matches the remaining tokens
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return subjectPattern{exact: pattern}
	}
	return subjectPattern{re: re}
}

func (p subjectPattern) match(subject string) bool {
	if p.re == nil {
		return subject == p.exact
	}
	return p.re.MatchString(subject)
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	matcher subjectPattern
	handler EventHandler
	queue   string // empty for plain subscriptions
	active  atomic.Bool
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	s.bus.subs[s.pattern] = removeSub(s.bus.subs[s.pattern], s)
	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.pattern]; ok {
			qg.mu.Lock()
			qg.members = removeSub(qg.members, s)
			qg.mu.Unlock()
		}
	}
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

func removeSub(subs []*memorySubscription, target *memorySubscription) []*memorySubscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// queueGroup balances one subject pattern across its members round-robin.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]*queueGroup),
		logger: log,
	}
}

// Publish delivers the event to every matching plain subscription and to
// exactly one member of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	servedQueues := make(map[string]bool)
	for pattern, subs := range b.subs {
		for _, sub := range subs {
			if !sub.active.Load() || !sub.matcher.match(subject) {
				continue
			}
			if sub.queue == "" {
				b.dispatch(ctx, sub, subject, event)
				continue
			}
			key := sub.queue + ":" + pattern
			if servedQueues[key] {
				continue
			}
			servedQueues[key] = true
			if qg, ok := b.queues[key]; ok {
				b.deliverToQueue(ctx, qg, subject, event)
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// dispatch runs the handler on its own goroutine so a slow consumer never
// blocks the publisher.
func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	go func() {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()
}

// deliverToQueue hands the event to the group's next active member, if any.
func (b *MemoryEventBus) deliverToQueue(ctx context.Context, qg *queueGroup, subject string, event *Event) {
	qg.mu.Lock()
	defer qg.mu.Unlock()

	for i := 0; i < len(qg.members); i++ {
		idx := (qg.next + i) % len(qg.members)
		member := qg.members[idx]
		if !member.active.Load() {
			continue
		}
		qg.next = (idx + 1) % len(qg.members)
		b.dispatch(ctx, member, subject, event)
		return
	}
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.addSubscription(subject, "", handler)
}

// QueueSubscribe creates a queue subscription; members of the same queue
// group split the subject's events between them.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return b.addSubscription(subject, queue, handler)
}

func (b *MemoryEventBus) addSubscription(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		matcher: compilePattern(subject),
		handler: handler,
		queue:   queue,
	}
	sub.active.Store(true)
	b.subs[subject] = append(b.subs[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.mu.Lock()
		qg.members = append(qg.members, sub)
		qg.mu.Unlock()
	}

	b.logger.Debug("Subscribed to subject",
		zap.String("subject", subject),
		zap.String("queue", queue))
	return sub, nil
}

// Request publishes the event with a private reply subject in its data and
// waits for one response there.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close deactivates every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus accepts events.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
