package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/esg-core/internal/infrastructure/config"
	"github.com/nerrad567/esg-core/internal/infrastructure/logging"
	"github.com/nerrad567/esg-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/node"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// EventNodeOutput carries one message from a subscribed node.
	EventNodeOutput = "node.output"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WSNodeRef names a Yggio node. An empty SetID means the configured default.
type WSNodeRef struct {
	SetID  string `json:"set_id"`
	NodeID string `json:"node_id"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Nodes []WSNodeRef `json:"nodes"`
}

// NodeOutputEvent is the payload of a node.output event. Data is the
// message as published; non-JSON payloads are sent as a JSON string.
type NodeOutputEvent struct {
	Topic  string          `json:"topic"`
	SetID  string          `json:"set_id"`
	NodeID string          `json:"node_id"`
	Data   json.RawMessage `json:"data"`
}

// Hub tracks connected WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one WebSocket connection. It owns one multiplexer
// subscription per node topic it subscribed to.
type WSClient struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subscriber Subscriber
	defaultSet string
	subject    string

	mu     sync.Mutex
	subs   map[string]*multiplexer.Subscription // by topic
	closed bool                                 // set once subscriptions are released
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client and releases its subscriptions.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		client.unsubscribeAll()
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// BroadcastAll sends an event to every connected client.
func (h *Hub) BroadcastAll(eventType string, payload any) {
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.unsubscribeAll()
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	subject, _ := r.Context().Value(ctxKeySubject).(string) //nolint:errcheck // empty when auth is off
	client := &WSClient{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, wsSendBufferSize),
		subscriber: s.subscriber,
		defaultSet: s.yggioCfg.SetID,
		subject:    subject,
		subs:       make(map[string]*multiplexer.Subscription),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages until the connection fails, then unregisters.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// resolveNodes validates node references and returns their topics.
func (c *WSClient) resolveNodes(msg WSMessage) ([]WSNodeRef, bool) {
	var p WSSubscribePayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &p) != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return nil, false
	}
	if len(p.Nodes) == 0 {
		c.sendError(msg.ID, "no nodes given")
		return nil, false
	}

	refs := make([]WSNodeRef, 0, len(p.Nodes))
	for _, ref := range p.Nodes {
		if ref.SetID == "" {
			ref.SetID = c.defaultSet
		}
		if !node.IsObjectID(ref.SetID) || !node.IsObjectID(ref.NodeID) {
			c.sendError(msg.ID, "invalid node reference: set_id and node_id must be 24 hex characters")
			return nil, false
		}
		refs = append(refs, ref)
	}
	return refs, true
}

// handleSubscribe opens one multiplexer subscription per new node topic.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	refs, ok := c.resolveNodes(msg)
	if !ok {
		return
	}

	topics := make([]string, 0, len(refs))
	for _, ref := range refs {
		topic := mqtt.Topics{}.NodeOutput(ref.SetID, ref.NodeID)

		c.mu.Lock()
		_, exists := c.subs[topic]
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if !exists {
			sub, err := c.subscriber.Subscribe(topic, c.relay(ref))
			if err != nil {
				c.hub.logger.Warn("websocket subscribe failed", "topic", topic, "error", err)
				c.sendError(msg.ID, "subscribe failed for "+topic)
				return
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				sub.Unsubscribe()
				return
			}
			if _, raced := c.subs[topic]; raced {
				c.mu.Unlock()
				sub.Unsubscribe()
			} else {
				c.subs[topic] = sub
				c.mu.Unlock()
			}
		}
		topics = append(topics, topic)
	}

	c.hub.logger.Debug("websocket client subscribed", "topics", topics, "subject", c.subject)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"subscribed": topics})
}

func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	refs, ok := c.resolveNodes(msg)
	if !ok {
		return
	}

	topics := make([]string, 0, len(refs))
	for _, ref := range refs {
		topic := mqtt.Topics{}.NodeOutput(ref.SetID, ref.NodeID)
		c.mu.Lock()
		sub := c.subs[topic]
		delete(c.subs, topic)
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		topics = append(topics, topic)
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": topics})
}

// relay forwards node output to this client.
func (c *WSClient) relay(ref WSNodeRef) multiplexer.MessageHandler {
	return func(topic string, payload []byte) {
		data := json.RawMessage(payload)
		if !json.Valid(payload) {
			encoded, err := json.Marshal(string(payload))
			if err != nil {
				return
			}
			data = encoded
		}

		msg, err := encodeEvent(EventNodeOutput, NodeOutputEvent{
			Topic:  topic,
			SetID:  ref.SetID,
			NodeID: ref.NodeID,
			Data:   data,
		})
		if err != nil {
			c.hub.logger.Error("failed to marshal node output", "topic", topic, "error", err)
			return
		}
		c.trySend(msg)
	}
}

// unsubscribeAll releases every subscription. Later subscribes are dropped.
func (c *WSClient) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*multiplexer.Subscription)
	c.closed = true
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// trySend queues data for the client. Closed channels (client gone) and
// full buffers (slow client) drop the message.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   raw,
	})
}
