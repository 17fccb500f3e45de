package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	logx "sharemill/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds per-observer backlog; a full buffer marks the
	// observer slow and it gets pruned. Latest-wins: observers that miss a
	// push catch up on the next one.
	sendBuffer = 8
)

// observer is one connected websocket client.
type observer struct {
	id   string
	send chan []byte
}

// Hub fans push messages out to connected observers. Slow or dead observers
// are dropped; they are expected to reconnect or fall back to polling.
type Hub struct {
	log      logx.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	observers map[string]*observer

	// onJoin, when set, runs after an observer registers so it gets an
	// immediate first snapshot instead of waiting for the next flush.
	onJoin func()
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same-origin policy is handled by the shared-secret header on
			// the data endpoints; the push channel itself is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		observers: map[string]*observer{},
	}
}

// OnJoin registers the join hook. Must be called before ServeHTTP is reachable.
func (h *Hub) OnJoin(fn func()) { h.onJoin = fn }

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Broadcast sends the payload to every observer, non-blocking. Observers with
// a full send buffer are pruned.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	var slow []string
	for id, o := range h.observers {
		select {
		case o.send <- payload:
		default:
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		if o, ok := h.observers[id]; ok {
			delete(h.observers, id)
			close(o.send)
		}
	}
	h.mu.Unlock()

	for _, id := range slow {
		h.log.Debug("dropped slow observer", logx.String("observer", id))
	}
}

func (h *Hub) register(o *observer) {
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	if o, ok := h.observers[id]; ok {
		delete(h.observers, id)
		close(o.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and pumps push messages until the peer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	o := &observer{
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
	}
	h.register(o)
	h.log.Debug("observer connected", logx.String("observer", o.id))

	if h.onJoin != nil {
		h.onJoin()
	}

	go h.writePump(conn, o)
	h.readPump(conn, o)
}

// readPump discards inbound frames; its only job is noticing the close.
func (h *Hub) readPump(conn *websocket.Conn, o *observer) {
	defer func() {
		h.unregister(o.id)
		_ = conn.Close()
		h.log.Debug("observer disconnected", logx.String("observer", o.id))
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, o *observer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case payload, ok := <-o.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
