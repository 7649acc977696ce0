package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/ayusman/oaklog/internal/viz"
)

const clientBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// Message is one websocket frame sent to viewers, msgpack encoded.
type Message struct {
	Kind      string     `msgpack:"kind"`
	Recording string     `msgpack:"recording"`
	Session   string     `msgpack:"session,omitempty"`
	Seq       uint64     `msgpack:"seq"`
	TimeNs    int64      `msgpack:"time_ns"`
	Path      string     `msgpack:"path,omitempty"`
	Entity    viz.Entity `msgpack:"entity,omitempty"`
}

// SessionInfo describes the viewer session.
type SessionInfo struct {
	Name      string `json:"name"`
	Recording string `json:"recording"`
	Clients   int    `json:"clients"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is a named visualization session that broadcasts logged entities to
// websocket viewers. Logging never blocks: frames over the rate limit and
// messages for slow viewers are dropped.
type Hub struct {
	name      string
	recording string
	limiter   *rate.Limiter
	logger    *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	clients map[*client]struct{}

	frameMu  sync.Mutex
	seq      uint64
	ts       time.Time
	sendThis bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub starts a hub. maxRate caps the number of frames per second sent to
// viewers; zero or less means unlimited.
func NewHub(name string, maxRate float64, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
	}
	h := &Hub{
		name:       name,
		recording:  uuid.NewString(),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[*client]struct{}),
		sendThis:   true,
	}
	go h.run()
	return h
}

// Info returns the session description and counters.
func (h *Hub) Info() SessionInfo {
	return SessionInfo{
		Name:      h.name,
		Recording: h.recording,
		Clients:   h.ClientCount(),
		Sent:      h.sent.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SetFrame implements viz.Timeline. It also decides whether the entities
// of this frame fit within the rate limit.
func (h *Hub) SetFrame(seq uint64, ts time.Time) {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()
	h.seq = seq
	h.ts = ts
	h.sendThis = h.limiter.Allow()
	if !h.sendThis && h.ClientCount() > 0 {
		h.dropped.Add(1)
	}
}

// Log implements viz.Session.
func (h *Hub) Log(path string, e viz.Entity) error {
	h.frameMu.Lock()
	send, seq, ts := h.sendThis, h.seq, h.ts
	h.frameMu.Unlock()

	if !send || h.ClientCount() == 0 {
		return nil
	}

	data, err := msgpack.Marshal(&Message{
		Kind:      e.EntityKind(),
		Recording: h.recording,
		Seq:       seq,
		TimeNs:    ts.UnixNano(),
		Path:      path,
		Entity:    e,
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// ServeHTTP upgrades the request and streams entities until the viewer
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	hello, err := msgpack.Marshal(&Message{Kind: "session", Recording: h.recording, Session: h.name})
	if err == nil {
		c.send <- hello
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Close disconnects every viewer and stops the hub.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.stopped
	})
	return nil
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("viewer connected", "session", h.name, "clients", n)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
					h.sent.Add(1)
				default:
					h.dropped.Add(1)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("viewer disconnected", "session", h.name, "clients", n)
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			// Closing the connection ends the read loop, which unregisters
			// the client and closes send.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}
