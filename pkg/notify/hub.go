// Package notify delivers registry events to observers. Delivery is best
// effort: slow observers are dropped rather than allowed to block the
// registry.
package notify

import (
	"context"
	"net/http"
	"strconv"
	goSync "sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Hub broadcasts events to websocket observers. Observers can subscribe to
// a single session with the session_id query parameter.
type Hub struct {
	broadcast chan registry.Event
	upgrader  websocket.Upgrader

	lock    goSync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID int64
}

// NewHub creates a Hub. Events aren't delivered until Serve is running.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan registry.Event, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Notify implements registry.Notifier.
func (h *Hub) Notify(event registry.Event) {
	select {
	case h.broadcast <- event:
	default:
		log.WithField("type", event.Type).Warn("Websocket broadcast queue full. Dropping event.")
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Serve delivers events until ctx is cancelled, and then disconnects every
// observer.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) String() string {
	return "websocket hub"
}

// ServeWS upgrades the request to a websocket and subscribes it to events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var sessionID int64
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		var err error
		sessionID, err = strconv.ParseInt(sid, 10, 64)
		if err != nil {
			http.Error(w, "session_id must be an integer", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		log.WithError(err).Debug("Failed to upgrade websocket")
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sessionID,
	}
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()

	log.WithField("session", sessionID).Debug("Websocket observer connected")
	go c.writePump()
	go c.readPump()
}

func (h *Hub) deliver(event registry.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Warn("Failed to encode event")
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		if c.sessionID != 0 && c.sessionID != event.SessionID {
			continue
		}

		select {
		case c.send <- msg:
		default:
			h.removeLocked(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.removeLocked(c)
}

// removeLocked drops the client. The caller must hold h.lock.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// readPump discards everything the observer sends, and notices when it
// goes away.
func (c *client) readPump() {
	defer util.HandlePanic()
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Websocket observer disconnected")
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer util.HandlePanic()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
