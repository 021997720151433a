package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

const (
	defaultQueueSize        = 4096
	defaultSubscriberBuffer = 1024
	defaultPublishTimeout   = 50 * time.Millisecond
)

// Options configures the in-memory bus queues.
type Options struct {
	QueueSize        int
	SubscriberBuffer int
	PublishTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = defaultSubscriberBuffer
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	return o
}

// MemoryEventBus implements EventBus with bounded in-memory queues.
// Publish enqueues onto a central queue; a router goroutine fans each
// event out to per-subscription buffers, each drained by its own
// dispatch goroutine. That preserves per-publisher FIFO per subscriber
// while keeping slow subscribers from blocking the rest.
type MemoryEventBus struct {
	opts    Options
	queue   chan *events.Event
	subs    map[string][]*memorySubscription
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	// retiredDrops carries the drop counts of unsubscribed subscriptions
	// so Dropped stays monotonic.
	retiredDrops atomic.Uint64
	logger       *logger.Logger
}

// memorySubscription is an in-memory subscription with its own dispatch
// queue and goroutine.
type memorySubscription struct {
	bus     *MemoryEventBus
	topic   string
	pattern *regexp.Regexp // nil for exact match
	handler Handler
	buf     chan *events.Event
	active  atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewMemoryEventBus creates a new in-memory event bus and starts its
// router.
func NewMemoryEventBus(opts Options, log *logger.Logger) *MemoryEventBus {
	b := &MemoryEventBus{
		opts:   opts.withDefaults(),
		subs:   make(map[string][]*memorySubscription),
		done:   make(chan struct{}),
		logger: log.WithComponent("event_bus"),
	}
	b.queue = make(chan *events.Event, b.opts.QueueSize)
	b.wg.Add(1)
	go b.route()
	return b
}

// Publish enqueues an event. It blocks for at most the configured publish
// timeout when the queue is full, then drops with a counted warning.
func (b *MemoryEventBus) Publish(ctx context.Context, ev *events.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(b.opts.PublishTimeout)
	defer timer.Stop()
	select {
	case b.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		n := b.dropped.Add(1)
		b.logger.Warn("Bus queue saturated, event dropped",
			zap.String("event_type", ev.Type),
			zap.String("event_id", ev.EventID),
			zap.Uint64("dropped_total", n))
		return nil
	}
}

// Subscribe registers a handler for a topic pattern and starts its
// dispatch goroutine.
func (b *MemoryEventBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		pattern: compilePattern(topic),
		handler: handler,
		buf:     make(chan *events.Event, b.opts.SubscriberBuffer),
	}
	sub.active.Store(true)
	b.subs[topic] = append(b.subs[topic], sub)

	sub.wg.Add(1)
	go sub.dispatch()

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return sub, nil
}

// Dropped reports events discarded anywhere under back-pressure: at the
// central queue on publish timeout and at saturated subscriber buffers.
func (b *MemoryEventBus) Dropped() uint64 {
	total := b.dropped.Load() + b.retiredDrops.Load()
	b.mu.RLock()
	for _, list := range b.subs {
		for _, sub := range list {
			total += sub.dropped.Load()
		}
	}
	b.mu.RUnlock()
	return total
}

// Close tears down all subscriptions and stops the router. Handlers that
// are already running finish.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySubscription)
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	for _, list := range subs {
		for _, sub := range list {
			sub.stop()
		}
	}
	b.logger.Info("Memory event bus closed")
}

// route fans queued events out to matching subscription buffers.
func (b *MemoryEventBus) route() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *MemoryEventBus) deliver(ev *events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for topic, list := range b.subs {
		for _, sub := range list {
			if !sub.active.Load() {
				continue
			}
			if !matches(ev.Type, topic, sub.pattern) {
				continue
			}
			select {
			case sub.buf <- ev:
			default:
				n := sub.dropped.Add(1)
				b.logger.Warn("Subscriber buffer full, event dropped",
					zap.String("topic", topic),
					zap.String("event_type", ev.Type),
					zap.Uint64("dropped_total", n))
			}
		}
	}
}

// dispatch drains the subscription buffer, isolating handler failures.
func (s *memorySubscription) dispatch() {
	defer s.wg.Done()
	for ev := range s.buf {
		s.invoke(ev)
	}
}

func (s *memorySubscription) invoke(ev *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("Event handler panicked",
				zap.String("topic", s.topic),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(context.Background(), ev); err != nil {
		s.bus.logger.Error("Event handler error",
			zap.String("topic", s.topic),
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}

// Unsubscribe removes the subscription. It is eventually effective: a
// handler that is already running finishes.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if list, ok := s.bus.subs[s.topic]; ok {
		for i, sub := range list {
			if sub == s {
				s.bus.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	if s.active.CompareAndSwap(true, false) {
		close(s.buf)
		s.wg.Wait()
		// The subscription is out of the bus map by now; fold its drops
		// into the bus total.
		s.bus.retiredDrops.Add(s.dropped.Load())
	}
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// matches checks if a subject matches a pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a dotted wildcard pattern to a regexp.
// "*" matches a single token, ">" the remaining tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
