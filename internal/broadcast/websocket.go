package broadcast

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/posync/internal/logging"
)

// Inbound message types accepted from foreground contexts.
const (
	InboundTriggerSync  = "TRIGGER_SYNC"
	InboundOnlineStatus = "ONLINE_STATUS"
	InboundPing         = "ping"

	MessagePong = "pong"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Controller receives requests from foreground contexts.
type Controller interface {
	RequestSync() bool
	SetOnlineStatus(online bool)
}

// OnlineStatus is the ONLINE_STATUS payload.
type OnlineStatus struct {
	Online bool `json:"online"`
}

// inbound is what a foreground context sends. Older clients use "action"
// instead of "type".
type inbound struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Handler upgrades HTTP requests to websocket connections and registers each
// connection as an observer on the hub.
type Handler struct {
	hub        *Hub
	controller Controller
	logger     *logging.Logger
	upgrader   websocket.Upgrader
}

// NewHandler creates a Handler. Browser connections are accepted from
// loopback origins and from allowedOrigins; requests without an Origin
// header are not from a browser and are accepted.
func NewHandler(hub *Hub, controller Controller, allowedOrigins []string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Get()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	h := &Handler{hub: hub, controller: controller, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowed)
		},
	}
	return h
}

func originAllowed(origin string, allowed map[string]bool) bool {
	if origin == "" || allowed[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger,
	}
	id := h.hub.Register(c)
	if id == "" {
		conn.Close()
		return
	}
	c.id = id

	go c.writePump()
	go c.readPump(h)
}

// wsClient is one websocket connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	logger *logging.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Notify implements Observer.
func (c *wsClient) Notify(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	return c.enqueue(data)
}

func (c *wsClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close implements Observer. The write pump sends a close frame and drops
// the connection.
func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the websocket connection.
func (c *wsClient) readPump(h *Handler) {
	defer func() {
		h.hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", map[string]interface{}{"id": c.id, "error": err.Error()})
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("invalid websocket message", map[string]interface{}{"id": c.id})
			continue
		}
		kind := msg.Type
		if kind == "" {
			kind = msg.Action
		}

		switch kind {
		case InboundTriggerSync:
			if h.controller != nil {
				h.controller.RequestSync()
			}

		case InboundOnlineStatus:
			var status OnlineStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				c.logger.Debug("invalid ONLINE_STATUS payload", map[string]interface{}{"id": c.id})
				continue
			}
			if h.controller != nil {
				h.controller.SetOnlineStatus(status.Online)
			}

		case InboundPing:
			c.Notify(Message{Type: MessagePong, Timestamp: time.Now().UnixMilli()})
		}
	}
}

// writePump pumps messages to the websocket connection.
func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
