package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/internal/events/bus"
	"github.com/subagent/subagent/pkg/monitor"
)

const defaultMetricsInterval = time.Second

// HubConfig holds monitor server tuning.
type HubConfig struct {
	MetricsInterval time.Duration
	ClientBuffer    int
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	if c.ClientBuffer <= 0 {
		c.ClientBuffer = 256
	}
	return c
}

// Hub manages all monitor client connections: registration, the raw
// event fan-out, and the periodic metrics push.
type Hub struct {
	cfg HubConfig
	agg *Aggregator
	log *logger.Logger

	register   chan *Client
	unregister chan *Client
	stream     chan *events.Event

	mu      sync.RWMutex
	clients map[*Client]bool

	sub bus.Subscription
}

// NewHub creates a monitor hub over the given aggregator.
func NewHub(cfg HubConfig, agg *Aggregator, log *logger.Logger) *Hub {
	return &Hub{
		cfg:        cfg.withDefaults(),
		agg:        agg,
		log:        log.WithComponent("monitor_hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stream:     make(chan *events.Event, 256),
		clients:    make(map[*Client]bool),
	}
}

// AttachBus feeds the hub's raw event stream from the bus.
func (h *Hub) AttachBus(b bus.EventBus) error {
	sub, err := b.Subscribe("*", func(ctx context.Context, ev *events.Event) error {
		select {
		case h.stream <- ev:
		default:
			// The hub is saturated; per-client drop counting happens on
			// the send path, this protects the bus dispatcher.
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Run processes registrations, the event stream, and the metrics ticker
// until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("Monitor hub started")
	defer h.log.Info("Monitor hub stopped")

	ticker := time.NewTicker(h.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.stream:
			h.broadcastEvent(ev)

		case <-ticker.C:
			h.pushMetrics()
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.log.Debug("Client unregistered",
		zap.String("client_id", client.ID),
		zap.Uint64("dropped_frames", client.Dropped()))
}

// broadcastEvent forwards a raw event to every subscribed client whose
// filters match. Slow clients drop frames individually; nobody else is
// affected.
func (h *Hub) broadcastEvent(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to marshal event frame", zap.Error(err))
		return
	}
	frame, err := json.Marshal(monitor.ServerMessage{Type: monitor.TypeEvent, Event: data})
	if err != nil {
		h.log.Error("Failed to marshal server frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(ev) {
			client.enqueue(frame)
		}
	}
}

// pushMetrics sends each subscribed client a metrics frame for its own
// selected window.
func (h *Hub) pushMetrics() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed() {
			continue
		}
		m := h.agg.Metrics(client.window())
		frame, err := json.Marshal(monitor.ServerMessage{Type: monitor.TypeMetrics, Metrics: m})
		if err != nil {
			h.log.Error("Failed to marshal metrics frame", zap.Error(err))
			return
		}
		client.enqueue(frame)
	}
}
