// Package realtime streams scoring and anchoring activity over WebSocket.
//
// Clients receive every event by default and may narrow the stream by
// sending a Subscription message. New clients are first replayed the most
// recent events that match their subscription, so a dashboard opened mid
// run sees the scores that led up to it.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fraudproof/fraudproof/internal/metrics"
)

// EventType names a stream event.
type EventType string

const (
	EventScoreRecorded   EventType = "score.recorded"
	EventAnchorPending   EventType = "anchor.pending"
	EventAnchorSubmitted EventType = "anchor.submitted"
	EventAnchorConfirmed EventType = "anchor.confirmed"
	EventAnchorFailed    EventType = "anchor.failed"
	EventAnchorSkipped   EventType = "anchor.skipped"

	// EventSubscribed acknowledges a subscription change. It is sent only
	// to the client that changed its filter.
	EventSubscribed EventType = "stream.subscribed"
)

// AnchorEventType maps an anchor status onto its stream event type.
func AnchorEventType(status string) EventType {
	return EventType("anchor." + status)
}

// Event is one message on the stream. Seq increases by one per published
// event so clients can spot gaps after a slow-consumer drop.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// frame is an event plus its wire encoding, built once per publish.
type frame struct {
	event   *Event
	payload []byte
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// ReplaySize is how many recent events a new client is sent.
	ReplaySize = 50

	sendBuffer = 256
)

// Hub fans published events out to WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	recent  []*frame // ring, oldest first once full
	head    int

	publish    chan *frame
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits

	seq        atomic.Uint64
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	maxClients int

	totalEvents  atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins lets browsers on the listed origins open the stream.
// Same-host origins and non-browser clients are always allowed; "*"
// allows every origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = originChecker(origins)
	}
}

// WithMaxClients caps concurrent connections.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) { h.maxClients = n }
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		recent:     make([]*frame, 0, ReplaySize),
		publish:    make(chan *frame, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		if origin == "http://"+r.Host || origin == "https://"+r.Host {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run owns client membership until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends a close frame
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.replay(c)
			h.mu.Unlock()

			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "clients", n)

		case f := <-h.publish:
			h.mu.Lock()
			h.remember(f)
			for c := range h.clients {
				if !c.subscription().Matches(f.event) {
					continue
				}
				select {
				case c.send <- f.payload:
				default:
					// Slow consumers are cut off rather than stalling everyone.
					h.remove(c)
					h.dropped.Add(1)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// remember appends f to the replay ring. Must be called with mu held.
func (h *Hub) remember(f *frame) {
	if len(h.recent) < ReplaySize {
		h.recent = append(h.recent, f)
		return
	}
	h.recent[h.head] = f
	h.head = (h.head + 1) % ReplaySize
}

// replay queues the buffered events c subscribes to, oldest first. Must be
// called with mu held.
func (h *Hub) replay(c *Client) {
	sub := c.subscription()
	n := len(h.recent)
	for i := range n {
		f := h.recent[(h.head+i)%n]
		if !sub.Matches(f.event) {
			continue
		}
		select {
		case c.send <- f.payload:
		default:
			return
		}
	}
}

// Publish broadcasts data under eventType, stamped now. It never blocks;
// when the hub is backed up the event is dropped and logged.
func (h *Hub) Publish(eventType EventType, data map[string]any) {
	ev := &Event{
		Seq:       h.seq.Add(1),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode stream event", "type", eventType, "error", err)
		return
	}
	h.totalEvents.Add(1)

	select {
	case h.publish <- &frame{event: ev, payload: payload}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("stream backlog full, dropping event", "type", eventType, "seq", ev.Seq)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.dropped.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"buffered":         len(h.recent),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sub, err := SubscriptionFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, sub)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
