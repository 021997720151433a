package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/events"
	"github.com/subagent/subagent/pkg/monitor"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one monitor WebSocket connection. Per-client state (filters,
// window, send buffer) is never shared across connections.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	mu        sync.RWMutex
	subbed    bool
	filters   []monitor.Filter
	windowDur time.Duration

	dropped atomic.Uint64
}

func newClient(conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		ID:        id,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, hub.cfg.ClientBuffer),
		log:       log.WithFields(zap.String("client_id", id)),
		windowDur: 60 * time.Second,
	}
}

// HandleWS upgrades an HTTP request to a monitor connection.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(conn, h, h.log)
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// Dropped reports frames discarded because this client could not keep up.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) subscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subbed
}

func (c *Client) window() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.windowDur
}

// wants reports whether the event passes this client's filters.
func (c *Client) wants(ev *events.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subbed {
		return false
	}
	if len(c.filters) == 0 {
		return true
	}
	agent := ev.GetString("agent")
	for _, f := range c.filters {
		if f.EventType != "" && f.EventType != ev.Type {
			continue
		}
		if f.Agent != "" && f.Agent != agent {
			continue
		}
		return true
	}
	return false
}

// enqueue hands a frame to the write pump, dropping with a count when
// the buffer is full.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.dropped.Add(1)
	}
}

// readPump consumes control frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg monitor.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("Invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *monitor.ClientMessage) {
	switch msg.Type {
	case monitor.TypeSubscribe:
		c.mu.Lock()
		c.subbed = true
		c.filters = msg.Filters
		c.mu.Unlock()
	case monitor.TypeSetWindow:
		if !validWindow(msg.WindowSize) {
			c.sendError("Unsupported window size")
			return
		}
		c.mu.Lock()
		c.windowDur = time.Duration(msg.WindowSize) * time.Second
		c.mu.Unlock()
	default:
		c.sendError("Unknown message type: " + msg.Type)
	}
}

func validWindow(seconds int) bool {
	for _, w := range monitor.WindowSizes {
		if w == seconds {
			return true
		}
	}
	return false
}

func (c *Client) sendError(message string) {
	frame, err := json.Marshal(monitor.ServerMessage{Type: monitor.TypeError, Message: message})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// writePump pushes frames and pings until the hub closes the channel or
// a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
