// Package realtime streams freshly ingested readings to websocket clients.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const EventReadingIngested = "reading.ingested"

type Event struct {
	Type     string             `json:"type"`
	NodeID   string             `json:"nodeId"`
	TS       int64              `json:"timestamp"`
	Readings map[string]float64 `json:"readings,omitempty"`
	At       time.Time          `json:"at"`
}

// Options tunes a Hub. AllowedOrigins lists browser origins allowed to open
// a stream; empty or "*" allows any. Requests without an Origin header
// (non-browser clients) are always accepted.
type Options struct {
	AllowedOrigins []string
	QueueSize      int
	PingInterval   time.Duration
	WriteWait      time.Duration
}

type Hub struct {
	opts     Options
	origins  map[string]bool
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// subscriber is one websocket connection. nodes nil follows every node.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	nodes map[string]bool
	once  sync.Once
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	h := &Hub{opts: opts, subs: map[*subscriber]struct{}{}}
	for _, o := range opts.AllowedOrigins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			h.origins = nil
			break
		}
		if o != "" {
			if h.origins == nil {
				h.origins = map[string]bool{}
			}
			h.origins[o] = true
		}
	}
	h.upgrader = websocket.Upgrader{ReadBufferSize: 512, WriteBufferSize: 4096, CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins == nil {
		return true
	}
	return h.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
}

// ServeHTTP upgrades the request. The optional node-id query parameter, a
// comma separated list, limits the stream to those nodes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade rejected", "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	s := &subscriber{conn: conn, queue: make(chan []byte, h.opts.QueueSize), nodes: parseNodes(r.URL.Query().Get("node-id"))}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.send(h.opts)
	s.receive(h.opts.PingInterval)
	h.drop(s)
}

func parseNodes(raw string) map[string]bool {
	var nodes map[string]bool
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			if nodes == nil {
				nodes = map[string]bool{}
			}
			nodes[n] = true
		}
	}
	return nodes
}

// Broadcast queues ev for every interested subscriber. A subscriber whose
// queue is full is disconnected.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("realtime event encode failed", "node_id", ev.NodeID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.nodes != nil && !s.nodes[ev.NodeID] {
			continue
		}
		select {
		case s.queue <- msg:
		default:
			slog.Warn("realtime subscriber too slow, disconnecting", "remote", s.conn.RemoteAddr().String())
			h.removeLocked(s)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.once.Do(func() {
		close(s.queue)
		_ = s.conn.Close()
	})
}

// receive discards client frames and returns once the peer is gone or has
// missed two pings.
func (s *subscriber) receive(ping time.Duration) {
	deadline := func() error { return s.conn.SetReadDeadline(time.Now().Add(2 * ping)) }
	s.conn.SetReadLimit(512)
	_ = deadline()
	s.conn.SetPongHandler(func(string) error { return deadline() })
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// send drains the queue onto the wire and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (s *subscriber) send(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-s.queue:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(opts.WriteWait))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				return
			}
		}
	}
}
