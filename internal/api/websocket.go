package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fusor-core/internal/auth"
	"github.com/nerrad567/fusor-core/internal/command"
	"github.com/nerrad567/fusor-core/internal/event"
	"github.com/nerrad567/fusor-core/internal/infrastructure/config"
	"github.com/nerrad567/fusor-core/internal/infrastructure/logging"
	"github.com/nerrad567/fusor-core/internal/safety"
	"github.com/nerrad567/fusor-core/internal/sequencer"
	"github.com/nerrad567/fusor-core/internal/telemetry"
)

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	wsSendBufferSize = 256
)

// Broadcast channels.
const (
	ChannelState     = "state"
	ChannelEvent     = "event"
	ChannelTelemetry = "telemetry"
	ChannelSafety    = "safety"
	ChannelCommand   = "command"
)

var knownChannels = []string{ChannelState, ChannelEvent, ChannelTelemetry, ChannelSafety, ChannelCommand}

// WSMessage is a frame sent to a client. Clients send the same shape.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
// Telemetry optionally narrows the telemetry channel to the named sensor
// channels; empty means every channel.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	Telemetry []string `json:"telemetry,omitempty"`
}

// wsRequest is an inbound frame with the payload left undecoded.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub fans supervisor activity out to WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
	dropped atomic.Uint64
}

// WSClient is one connected operator console.
type WSClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	principal auth.Principal
	snapshot  func() any

	mu            sync.RWMutex
	closed        bool
	subscriptions map[string]struct{}
	sensors       map[telemetry.ChannelID]struct{} // nil: all
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub with no clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "user", client.principal.Username)
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()
	client.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded because a client's
// queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	h.broadcast(channel, payload, nil)
}

func (h *Hub) broadcast(channel string, payload any, accept func(*WSClient) bool) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	// Clients are snapshotted so no client lock is taken under the hub lock.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.isSubscribed(channel) || (accept != nil && !accept(c)) {
			continue
		}
		if !c.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

// The hub is registered as a supervisor sink; each method pushes on one
// channel.

// StateChanged pushes a committed transition on "state".
func (h *Hub) StateChanged(c sequencer.StateChange) { h.Broadcast(ChannelState, c) }

// Event pushes a dispatched event on "event".
func (h *Hub) Event(e event.Event) { h.Broadcast(ChannelEvent, e) }

// Sample pushes a telemetry reading on "telemetry" to clients whose sensor
// filter admits it.
func (h *Hub) Sample(s telemetry.Sample) {
	h.broadcast(ChannelTelemetry, s, func(c *WSClient) bool { return c.wantsSensor(s.Channel) })
}

// Trip pushes a completed emergency stop on "safety".
func (h *Hub) Trip(t safety.Trip) { h.Broadcast(ChannelSafety, t) }

// SetLinkConnected pushes target link changes on "state".
func (h *Hub) SetLinkConnected(up bool) {
	h.Broadcast(ChannelState, map[string]bool{"link_connected": up})
}

// CommandCompleted pushes every routed command on "command".
func (h *Hub) CommandCompleted(cmd command.Command, resp command.Response) {
	h.Broadcast(ChannelCommand, map[string]any{
		"command":  cmd.String(),
		"source":   cmd.Source,
		"response": resp,
	})
}

// handleWebSocket upgrades the connection. Browsers cannot set headers on
// the upgrade, so the bearer is exchanged for a single-use ticket first
// (POST /auth/ws-ticket) and passed as ?ticket=.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	principal, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		principal:     principal,
		snapshot:      func() any { return s.control.Status() },
		subscriptions: make(map[string]struct{}),
	}
	s.hub.Register(client)

	t := wsTimingsFrom(s.wsCfg)
	go client.writePump(t)
	go client.readPump(t)
}

type wsTimings struct {
	maxMessage int64
	ping       time.Duration
	pongWait   time.Duration
}

func wsTimingsFrom(cfg config.WebSocketConfig) wsTimings {
	return wsTimings{
		maxMessage: int64(cfg.MaxMessageSize),
		ping:       time.Duration(cfg.PingInterval) * time.Second,
		pongWait:   time.Duration(cfg.PongTimeout) * time.Second,
	}
}

func (t wsTimings) readWindow() time.Duration { return t.ping + t.pongWait }

func (c *WSClient) readPump(t wsTimings) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(t.maxMessage)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(t.readWindow()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(t.readWindow()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Consoles that ignore protocol pings stay alive by talking.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(t.readWindow()))
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(t.pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(t.pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil {
			c.sendError(req.ID, "invalid "+req.Type+" payload")
			return
		}
		if req.Type == WSTypeSubscribe {
			c.subscribe(req.ID, sub)
		} else {
			c.unsubscribe(req.ID, sub)
		}
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

// subscribe adds channels. The acknowledgement carries the current host
// status so a console can render before the next change arrives.
func (c *WSClient) subscribe(id string, sub WSSubscribePayload) {
	if bad := unknownChannels(sub.Channels); len(bad) > 0 {
		c.sendError(id, "unknown channel: "+strings.Join(bad, ", "))
		return
	}
	var sensors map[telemetry.ChannelID]struct{}
	if len(sub.Telemetry) > 0 {
		sensors = make(map[telemetry.ChannelID]struct{}, len(sub.Telemetry))
		for _, name := range sub.Telemetry {
			ch, ok := telemetry.ChannelByName(name)
			if !ok {
				c.sendError(id, "unknown telemetry channel: "+name)
				return
			}
			sensors[ch] = struct{}{}
		}
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.subscriptions[ch] = struct{}{}
	}
	if slices.Contains(sub.Channels, ChannelTelemetry) {
		c.sensors = sensors
	}
	c.mu.Unlock()

	c.hub.logger.Info("websocket client subscribed", "channels", sub.Channels, "user", c.principal.Username)

	ack := map[string]any{"subscribed": sub.Channels}
	if c.snapshot != nil {
		ack["status"] = c.snapshot()
	}
	c.reply(id, WSTypeResponse, ack)
}

func (c *WSClient) unsubscribe(id string, sub WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.subscriptions, ch)
		if ch == ChannelTelemetry {
			c.sensors = nil
		}
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

func unknownChannels(channels []string) []string {
	var bad []string
	for _, ch := range channels {
		if !slices.Contains(knownChannels, ch) {
			bad = append(bad, ch)
		}
	}
	return bad
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) wantsSensor(ch telemetry.ChannelID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sensors == nil {
		return true
	}
	_, ok := c.sensors[ch]
	return ok
}

// trySend queues data without blocking. It reports false when the queue
// is full; sends to a closed client are discarded silently.
func (c *WSClient) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send queue once; writePump then sends a close frame.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
