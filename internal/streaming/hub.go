// Package streaming forwards Kernel wildcard events to WebSocket clients,
// each subscribed to one or more kernel ids.
//
// Adapted from the teacher's internal/orchestrator/streaming.Client: the
// ping/pong keepalive, buffered send channel, and per-client subscription
// set are carried over unchanged in shape; subscriptions key on kernel id
// instead of task id, and the hub's broadcast source is a kernel's wildcard
// eventbus.Bus subscription instead of a task-status poller.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 64
)

// OutboundEvent is the JSON envelope sent to subscribed clients.
type OutboundEvent struct {
	KernelID string `json:"kernelId"`
	Type     string `json:"type"`
	Data     any    `json:"data"`
}

// Hub fans kernel events out to subscribed WebSocket clients.
type Hub struct {
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	byKernel map[string]map[*Client]struct{}
}

// NewHub constructs an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		logger:   log.WithFields(zap.String("component", "streaming-hub")),
		clients:  make(map[*Client]struct{}),
		byKernel: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister removes a client and all of its subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for kernelID, set := range h.byKernel {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byKernel, kernelID)
		}
	}
	close(c.send)
}

// SubscribeClient subscribes c to kernelID's events.
func (h *Hub) SubscribeClient(c *Client, kernelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byKernel[kernelID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byKernel[kernelID] = set
	}
	set[c] = struct{}{}
}

// UnsubscribeClient removes c's subscription to kernelID.
func (h *Hub) UnsubscribeClient(c *Client, kernelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byKernel[kernelID]; ok {
		delete(set, c)
	}
}

// AttachKernel subscribes the hub to every event a kernel's bus emits,
// forwarding each to whichever clients are subscribed to that kernel id.
func (h *Hub) AttachKernel(kernelID string, bus *eventbus.Bus) {
	bus.OnWildcard(func(env eventbus.Envelope) {
		h.broadcast(kernelID, env)
	})
}

func (h *Hub) broadcast(kernelID string, env eventbus.Envelope) {
	h.mu.RLock()
	set := h.byKernel[kernelID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(OutboundEvent{KernelID: kernelID, Type: env.Type, Data: env.Data})
	if err != nil {
		h.logger.Error("failed to marshal outbound event", zap.Error(err))
		return
	}
	for _, c := range targets {
		if !c.Send(payload) {
			h.logger.Warn("dropping event for slow client", zap.String("kernel_id", kernelID))
		}
	}
}

// Client wraps one WebSocket connection and its kernel subscriptions.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu        sync.RWMutex
	kernelIDs map[string]bool
}

// NewClient wraps conn and registers it with hub.
func NewClient(hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	c := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		logger:    log,
		kernelIDs: make(map[string]bool),
	}
	hub.Register(c)
	return c
}

// subscriptionMessage is sent by clients to subscribe/unsubscribe.
type subscriptionMessage struct {
	Action    string   `json:"action"`
	KernelIDs []string `json:"kernelIds"`
}

// ReadPump reads subscription control messages from the connection until it
// closes, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg subscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}
		switch msg.Action {
		case "subscribe":
			for _, id := range msg.KernelIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range msg.KernelIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", msg.Action))
		}
	}
}

// WritePump drains c.send to the connection and pings on an interval.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send enqueues msg for delivery, returning false if the client's buffer is
// full (a slow consumer) rather than blocking the publisher.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Subscribe(kernelID string) {
	c.mu.Lock()
	c.kernelIDs[kernelID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, kernelID)
}

func (c *Client) Unsubscribe(kernelID string) {
	c.mu.Lock()
	delete(c.kernelIDs, kernelID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, kernelID)
}
