// Package bus provides in-process typed pub/sub for the event pipeline,
// with an optional NATS backend for multi-process deployments.
package bus

import (
	"context"

	"github.com/subagent/subagent/internal/events"
)

// Handler is a subscriber callback. Errors are caught and logged by the
// bus; they never propagate to publishers.
type Handler func(ctx context.Context, ev *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans events out to subscribers. Topics are event-type strings
// in dotted form; patterns support "*" (single token, or everything when
// the pattern is a bare "*") and ">" (remaining tokens).
type EventBus interface {
	// Publish enqueues an event for delivery to all matching subscribers.
	// It returns after enqueue, not after delivery. When the bus queue is
	// saturated, Publish blocks briefly and then drops with a counted
	// warning instead of growing memory without bound.
	Publish(ctx context.Context, ev *events.Event) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Dropped reports how many events the bus has discarded under
	// back-pressure since start.
	Dropped() uint64

	// Close tears down all subscriptions and stops dispatch.
	Close()
}
