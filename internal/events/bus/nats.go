package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
)

// NATSEventBus implements EventBus over a NATS connection so multiple
// processes can share the fan-out. Events travel as JSON with their
// event type as the subject.
type NATSEventBus struct {
	nc      *nats.Conn
	dropped atomic.Uint64
	logger  *logger.Logger
}

// NewNATSEventBus connects to the given NATS URL.
func NewNATSEventBus(url string, log *logger.Logger) (*NATSEventBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("subagent-tracker"),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSEventBus{nc: nc, logger: log.WithComponent("nats_bus")}, nil
}

// Publish sends the event on its type subject.
func (b *NATSEventBus) Publish(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(ev.Type, data); err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("publish to nats: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern. NATS understands
// the same "*" and ">" wildcard grammar natively; a bare "*" is widened
// to ">" so it matches multi-token subjects too.
func (b *NATSEventBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	if topic == "*" {
		topic = ">"
	}
	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("Failed to decode bus event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &ev); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Dropped reports publishes that failed at the connection.
func (b *NATSEventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close drains and closes the connection.
func (b *NATSEventBus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// natsSubscription wraps a NATS subscription to implement Subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
