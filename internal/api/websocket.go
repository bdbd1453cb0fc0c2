package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeChannels    = "channels"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	wsPath           = "/api/v1/ws"
	wsSendBufferSize = 256
)

// Channels lists the event channels a client may subscribe to.
var Channels = []string{
	broadlink.ChannelLiveness,
	broadlink.ChannelDiscovered,
	broadlink.ChannelDispatch,
}

func knownChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// WSMessage is an outbound WebSocket frame.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound frame. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSClient is one connected WebSocket peer.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}
}

func newWSClient(hub *Hub, conn *websocket.Conn, channels []string) *WSClient {
	c := &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

// parseChannels splits a comma-separated channel list and rejects names
// that are not in Channels.
func parseChannels(raw string) ([]string, string) {
	if raw == "" {
		return nil, ""
	}
	var out []string
	for _, ch := range strings.Split(raw, ",") {
		ch = strings.TrimSpace(ch)
		if !knownChannel(ch) {
			return nil, ch
		}
		out = append(out, ch)
	}
	return out, ""
}

// handleWebSocket upgrades the connection and streams bridge events.
// The optional "channels" query parameter pre-subscribes the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channels, bad := parseChannels(r.URL.Query().Get("channels"))
	if bad != "" {
		writeValidationError(w, "unknown channel: "+bad)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	client := newWSClient(s.hub, conn, channels)
	s.hub.Register(client)
	s.logger.Info("websocket client connected",
		"remote", r.RemoteAddr,
		"channels", channels,
		"request_id", requestID(r),
	)

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if c.hub.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	}
	deadline := c.hub.pingPeriod() + c.hub.pongWait()
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	//nolint:errcheck // best effort; a failed deadline surfaces on read
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // any client frame counts as liveness
		extend()
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces on write
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait()))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is closing
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.updateSubscriptions(req, true)
	case WSTypeUnsubscribe:
		c.updateSubscriptions(req, false)
	case WSTypeChannels:
		c.reply(req.ID, WSTypeResponse, map[string]any{
			"available":  Channels,
			"subscribed": c.subscribed(),
		})
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

// updateSubscriptions applies a subscribe or unsubscribe request. Unknown
// channels reject the whole request.
func (c *WSClient) updateSubscriptions(req wsRequest, add bool) {
	var p WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &p) != nil {
		c.reply(req.ID, WSTypeError, errorPayload("payload must be {\"channels\": [...]}"))
		return
	}
	for _, ch := range p.Channels {
		if !knownChannel(ch) {
			c.reply(req.ID, WSTypeError, errorPayload("unknown channel: "+ch))
			return
		}
	}

	c.mu.Lock()
	for _, ch := range p.Channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.hub.logger.Debug("websocket subscriptions changed", key, p.Channels)
	c.reply(req.ID, WSTypeResponse, map[string]any{key: p.Channels})
}

func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *WSClient) subscribed() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client has already been unregistered.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
