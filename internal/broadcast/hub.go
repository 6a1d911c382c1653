// Package broadcast fans sync outcomes out to every open foreground context.
// Observers register and unregister explicitly; a broadcast with no
// observers is dropped, because the queue itself is the source of truth.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/uuid"
)

// Message is the envelope every observer receives.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// Observer receives broadcasts.
type Observer interface {
	// Notify hands msg over without blocking. Returning false means the
	// observer cannot keep up and is evicted.
	Notify(msg Message) bool

	// Close is called exactly once, when the observer leaves the hub.
	Close()
}

// Hub maintains registered observers and broadcasts messages to them.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]Observer
	closed    bool
	logger    *logging.Logger
	now       func() time.Time
}

// NewHub creates a new Hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Get()
	}
	return &Hub{
		observers: make(map[string]Observer),
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds o and returns its id. Registering on a closed hub closes o
// and returns an empty id.
func (h *Hub) Register(o Observer) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		o.Close()
		return ""
	}
	id := uuid.New()
	h.observers[id] = o
	total := len(h.observers)
	h.mu.Unlock()

	h.logger.Debug("observer registered", map[string]interface{}{"id": id, "total": total})
	return id
}

// Unregister removes and closes the observer with id. It reports whether the
// observer was still registered.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	total := len(h.observers)
	h.mu.Unlock()

	if !ok {
		return false
	}
	o.Close()
	h.logger.Debug("observer unregistered", map[string]interface{}{"id": id, "total": total})
	return true
}

// Broadcast sends a message of msgType to every observer. An observer that
// cannot accept it is evicted.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	msg := Message{Type: msgType, Timestamp: h.now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error("failed to marshal broadcast", err, map[string]interface{}{"type": msgType})
			return
		}
		msg.Data = data
	}

	var evicted []Observer
	h.mu.Lock()
	for id, o := range h.observers {
		if !o.Notify(msg) {
			delete(h.observers, id)
			evicted = append(evicted, o)
			h.logger.Warn("slow observer evicted", map[string]interface{}{"id": id})
		}
	}
	delivered := len(h.observers)
	h.mu.Unlock()

	for _, o := range evicted {
		o.Close()
	}

	h.logger.Debug("broadcast sent", map[string]interface{}{
		"type":      msgType,
		"observers": delivered,
	})
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close closes every observer. Later broadcasts are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	observers := h.observers
	h.observers = make(map[string]Observer)
	h.mu.Unlock()

	for _, o := range observers {
		o.Close()
	}
}
