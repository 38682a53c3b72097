package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labring/lima-bridge/pkg/common"
	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/oplog"
)

// WebSocketHandler exposes the event bus to remote subscribers.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	bus      events.Subscriber
	clients  map[*websocket.Conn]*ClientInfo
	mutex    sync.RWMutex
	config   *WebSocketConfig
	ctx      context.Context
	cancel   context.CancelFunc
}

// ClientInfo holds client connection information
type ClientInfo struct {
	ID        string
	Connected time.Time
	Timeout   time.Duration

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mutex         sync.Mutex
	lastActive    time.Time
	subscriptions map[string]*events.Subscription
}

// NewWebSocketHandler creates a handler that forwards events from bus.
func NewWebSocketHandler(bus events.Subscriber, config *WebSocketConfig) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())

	if config == nil {
		config = NewDefaultWebSocketConfig()
	}

	ws := &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bus:     bus,
		clients: make(map[*websocket.Conn]*ClientInfo),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	go ws.startConnectionHealthChecker()

	return ws
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &ClientInfo{
		ID:            r.RemoteAddr,
		Connected:     time.Now(),
		Timeout:       h.config.ReadTimeout,
		conn:          conn,
		send:          make(chan []byte, h.config.SendBuffer),
		done:          make(chan struct{}),
		lastActive:    time.Now(),
		subscriptions: make(map[string]*events.Subscription),
	}

	h.mutex.Lock()
	h.clients[conn] = client
	h.mutex.Unlock()

	go h.writePump(client)
	go h.handleClient(client)
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client and stops background tasks.
func (h *WebSocketHandler) Stop() {
	h.cancel()

	h.mutex.RLock()
	clients := make([]*ClientInfo, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		h.cleanupClientConnection(client)
	}
}

// handleClient manages a client connection
func (h *WebSocketHandler) handleClient(client *ClientInfo) {
	defer h.cleanupClientConnection(client)

	conn := client.conn
	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(client.Timeout))
	conn.SetPongHandler(func(string) error {
		client.touch()
		conn.SetReadDeadline(time.Now().Add(client.Timeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", slog.String("error", err.Error()))
			}
			return
		}
		client.touch()
		conn.SetReadDeadline(time.Now().Add(client.Timeout))

		var req common.SubscriptionRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.sendError(client, "Invalid request format", "INVALID_FORMAT")
			continue
		}

		switch req.Action {
		case "subscribe":
			if err := h.handleSubscribe(client, req.AllTopics()); err != nil {
				h.sendError(client, err.Error(), "SUBSCRIBE_FAILED")
			}
		case "unsubscribe":
			if err := h.handleUnsubscribe(client, req.AllTopics()); err != nil {
				h.sendError(client, err.Error(), "UNSUBSCRIBE_FAILED")
			}
		case "list":
			h.handleList(client)
		default:
			h.sendError(client, "Unknown action", "UNKNOWN_ACTION")
		}
	}
}

// handleSubscribe subscribes the client to every topic. Subscribing twice
// to the same topic is a no-op.
func (h *WebSocketHandler) handleSubscribe(client *ClientInfo, topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("topic is required")
	}
	for _, topic := range topics {
		if err := validateTopic(topic); err != nil {
			return err
		}
	}

	client.mutex.Lock()
	for _, topic := range topics {
		if _, exists := client.subscriptions[topic]; exists {
			continue
		}
		client.subscriptions[topic] = h.bus.Subscribe(topic, func(ev events.Event) {
			h.forward(client, ev)
		})
	}
	client.mutex.Unlock()

	slog.Debug("WebSocket client subscribed", slog.String("client", client.ID), slog.Any("topics", topics))
	h.sendJSON(client, common.SubscriptionResult{
		Action:    "subscribed",
		Topics:    topics,
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// handleUnsubscribe handles unsubscription requests
func (h *WebSocketHandler) handleUnsubscribe(client *ClientInfo, topics []string) error {
	if len(topics) == 0 {
		return fmt.Errorf("topic is required")
	}

	client.mutex.Lock()
	subs := make([]*events.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, exists := client.subscriptions[topic]
		if !exists {
			client.mutex.Unlock()
			return fmt.Errorf("subscription not found: %s", topic)
		}
		subs = append(subs, sub)
	}
	for _, topic := range topics {
		delete(client.subscriptions, topic)
	}
	client.mutex.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	h.sendJSON(client, common.SubscriptionResult{
		Action:    "unsubscribed",
		Topics:    topics,
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// handleList handles list requests
func (h *WebSocketHandler) handleList(client *ClientInfo) {
	client.mutex.Lock()
	topics := make([]string, 0, len(client.subscriptions))
	for topic := range client.subscriptions {
		topics = append(topics, topic)
	}
	client.mutex.Unlock()
	slices.Sort(topics)

	h.sendJSON(client, common.ListResult{
		Type:   common.MessageTypeList,
		Topics: topics,
	})
}

// forward runs on the publishing goroutine and must not block.
func (h *WebSocketHandler) forward(client *ClientInfo, ev events.Event) {
	h.sendJSON(client, common.EventMessage{
		Type:    common.MessageTypeEvent,
		Topic:   ev.Topic,
		Payload: ev.Payload,
	})
}

// cleanupClientConnection cleans up a client connection
func (h *WebSocketHandler) cleanupClientConnection(client *ClientInfo) {
	h.mutex.Lock()
	_, exists := h.clients[client.conn]
	delete(h.clients, client.conn)
	h.mutex.Unlock()

	if !exists {
		return
	}

	client.mutex.Lock()
	subs := make([]*events.Subscription, 0, len(client.subscriptions))
	for topic, sub := range client.subscriptions {
		subs = append(subs, sub)
		delete(client.subscriptions, topic)
	}
	client.mutex.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	client.close()
	client.conn.Close()
}

// writePump owns all writes to the connection.
func (h *WebSocketHandler) writePump(client *ClientInfo) {
	ticker := time.NewTicker(h.config.PingPeriod)
	defer ticker.Stop()

	conn := client.conn
	for {
		select {
		case message := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("WebSocket write failed", slog.String("client", client.ID), slog.String("error", err.Error()))
				go h.cleanupClientConnection(client)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.config.WriteWait)); err != nil {
				return
			}
		case <-client.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// startConnectionHealthChecker starts a background task to check connection health
func (h *WebSocketHandler) startConnectionHealthChecker() {
	ticker := time.NewTicker(h.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.checkConnectionHealth()
		case <-h.ctx.Done():
			return
		}
	}
}

// checkConnectionHealth checks and cleans up unhealthy connections
func (h *WebSocketHandler) checkConnectionHealth() {
	h.mutex.RLock()
	stale := make([]*ClientInfo, 0)
	now := time.Now()
	for _, client := range h.clients {
		if now.Sub(client.LastActive()) > client.Timeout {
			stale = append(stale, client)
		}
	}
	h.mutex.RUnlock()

	for _, client := range stale {
		slog.Info("Connection timeout, closing", slog.String("client", client.ID))
		h.cleanupClientConnection(client)
	}
}

// sendError sends an error message over WebSocket
func (h *WebSocketHandler) sendError(client *ClientInfo, message string, code string) {
	h.sendJSON(client, common.ErrorMessage{
		Type:      common.MessageTypeError,
		Error:     message,
		Code:      code,
		Timestamp: time.Now().Unix(),
	})
}

// sendJSON queues v for the client. A client whose queue is full is
// disconnected rather than stalling publishers.
func (h *WebSocketHandler) sendJSON(client *ClientInfo, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode WebSocket message", slog.String("error", err.Error()))
		return
	}

	select {
	case <-client.done:
		return
	default:
	}

	select {
	case client.send <- data:
	default:
		slog.Warn("WebSocket client too slow, disconnecting", slog.String("client", client.ID))
		// Unsubscribing waits for in-flight deliveries, including this one.
		go h.cleanupClientConnection(client)
	}
}

func validateTopic(topic string) error {
	kind, suffix, ok := events.SplitTopic(topic)
	if !ok || !oplog.Kind(kind).Valid() || !slices.Contains(events.Suffixes, suffix) {
		return fmt.Errorf("unknown topic: %q", topic)
	}
	return nil
}

func (c *ClientInfo) touch() {
	c.mutex.Lock()
	c.lastActive = time.Now()
	c.mutex.Unlock()
}

// LastActive returns the time of the last message or pong.
func (c *ClientInfo) LastActive() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastActive
}

func (c *ClientInfo) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
