// Package notify streams ingestion activity to websocket subscribers: one
// notification per committed event, updated entity, and created collection.
// Delivery is best-effort; slow subscribers are dropped rather than allowed
// to stall ingestion.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Notification kinds.
const (
	KindCollectionCreated = "collection_created"
	KindEventCommitted    = "event_committed"
	KindEntityUpdated     = "entity_updated"
)

// Notification is one broadcast message.
type Notification struct {
	Kind       string      `json:"kind"`
	Collection string      `json:"collection"`
	Payload    interface{} `json:"payload,omitempty"`
	Time       time.Time   `json:"time"`
}

type subscriber interface {
	sendChannel() chan []byte
	close()
}

// Hub fans notifications out to all connected subscribers.
type Hub struct {
	subscribers map[subscriber]bool
	broadcast   chan Notification
	register    chan subscriber
	unregister  chan subscriber
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewHub creates a hub; call Run in its own goroutine to start delivery.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[subscriber]bool),
		broadcast:   make(chan Notification, 256),
		register:    make(chan subscriber),
		unregister:  make(chan subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subscribers[sub] = true
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("notify: subscriber connected (total: %d)", count)

		case sub := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.sendChannel())
			}
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("notify: subscriber disconnected (total: %d)", count)

		case n := <-h.broadcast:
			data, err := json.Marshal(n)
			if err != nil {
				log.Printf("ERROR: notify: failed to marshal notification: %v", err)
				continue
			}
			h.mu.Lock()
			for sub := range h.subscribers {
				select {
				case sub.sendChannel() <- data:
				default:
					// Backed-up subscriber; cut it loose.
					close(sub.sendChannel())
					delete(h.subscribers, sub)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects all subscribers.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for sub := range h.subscribers {
		close(sub.sendChannel())
		sub.close()
	}
	h.subscribers = make(map[subscriber]bool)
	h.mu.Unlock()
}

// Publish queues a notification for delivery, dropping it when the hub is
// saturated.
func (h *Hub) Publish(kind, collection string, payload interface{}) {
	n := Notification{Kind: kind, Collection: collection, Payload: payload, Time: time.Now().UTC()}
	select {
	case h.broadcast <- n:
	default:
		log.Printf("WARNING: notify: broadcast channel full, dropping %s for %s", kind, collection)
	}
}

// conn is a live websocket subscriber.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
}

func (c *conn) sendChannel() chan []byte { return c.send }

// unregister hands the connection back to the hub without blocking forever
// when the hub has already stopped.
func (c *conn) unregister() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.ctx.Done():
	}
}

func (c *conn) close() {
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("ERROR: notify: websocket upgrade failed: %v", err)
		return
	}

	c := &conn{hub: h, ws: ws, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *conn) writePump() {
	defer func() {
		c.unregister()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.ws.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client frames to detect disconnects; subscribers never
// send meaningful data.
func (c *conn) readPump() {
	defer func() {
		c.unregister()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := c.ws.Read(context.Background()); err != nil {
			return
		}
	}
}
