// Package statusfeed streams swap and batch status events to connected
// WebSocket clients, each free to subscribe to only the event types it
// cares about. A swap's owning orchestrator task calls Broadcast as it
// transitions; it never blocks on a slow consumer.
package statusfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fusion-labs/swapd/internal/orchestrator"
	"github.com/fusion-labs/swapd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType discriminates the kinds of status events the feed carries.
type EventType string

const (
	// EventSwapTransition fires every time a swap's state advances.
	EventSwapTransition EventType = "swap_transition"

	// EventSwapTerminal fires once when a swap reaches Completed,
	// Refunded, or Failed.
	EventSwapTerminal EventType = "swap_terminal"

	// EventBatchProgress fires as individual swaps within a batch
	// resolve.
	EventBatchProgress EventType = "batch_progress"
)

// Event is one message delivered to subscribed clients.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// SwapTransitionPayload is the Data payload for EventSwapTransition.
type SwapTransitionPayload struct {
	SwapID string `json:"swap_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// SwapTerminalPayload is the Data payload for EventSwapTerminal.
type SwapTerminalPayload struct {
	SwapID     string `json:"swap_id"`
	State      string `json:"state"`
	FailReason string `json:"fail_reason,omitempty"`
}

// BatchProgressPayload is the Data payload for EventBatchProgress.
type BatchProgressPayload struct {
	SwapID     string `json:"swap_id"`
	State      string `json:"state"`
	FailReason string `json:"fail_reason,omitempty"`
	Completed  int    `json:"completed"`
	Total      int    `json:"total"`
}

// subscription is a client's request to add or remove event types from
// the set it receives.
type subscription struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// client is one connected WebSocket subscriber.
type client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *Hub
}

// Hub fans a single broadcast stream of status events out to every
// connected client, filtered by each client's subscriptions. A client
// with no explicit subscriptions receives every event type.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub returns a Hub with no clients registered; callers must run Run
// in its own goroutine before clients can connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        logging.GetDefault().Component("statusfeed"),
	}
}

// Run drives the hub's event loop. It takes no context and never returns.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", len(h.clients))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal status event", "err", err)
				continue
			}
			h.deliver(event.Type, data)
		}
	}
}

func (h *Hub) deliver(eventType EventType, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.mu.RLock()
		subscribed := c.subscriptions[eventType] || len(c.subscriptions) == 0
		c.mu.RUnlock()
		if !subscribed {
			continue
		}

		select {
		case c.send <- data:
		default:
			h.log.Warn("client send buffer full, dropping event for slow client", "event", eventType)
		}
	}
}

// Broadcast enqueues event for delivery. It never blocks: if the hub's
// internal queue is full the event is dropped and logged, since a status
// feed is best-effort observability, not a durable log.
func (h *Hub) Broadcast(eventType EventType, data interface{}) {
	event := &Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// BroadcastTransition publishes a swap's latest transition.
func (h *Hub) BroadcastTransition(swapID string, t orchestrator.Transition) {
	h.Broadcast(EventSwapTransition, SwapTransitionPayload{
		SwapID: swapID,
		From:   t.From.String(),
		To:     t.To.String(),
		Reason: t.Reason,
	})
	if t.To.Terminal() {
		h.Broadcast(EventSwapTerminal, SwapTerminalPayload{
			SwapID: swapID,
			State:  t.To.String(),
		})
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades r to a WebSocket connection and registers it with
// the hub. Mount it at whatever path the CLI's optional status server
// exposes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		hub:           h,
	}

	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "err", err)
			}
			break
		}

		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
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
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleSubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, eventStr := range sub.Events {
		eventType := EventType(eventStr)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[eventType] = true
		case "unsubscribe":
			delete(c.subscriptions, eventType)
		}
	}
}
