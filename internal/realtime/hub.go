// Package realtime streams decisions to WebSocket clients as they are made.
// Each client can narrow the stream with a subscription filter.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/auroraguard/internal/decision"
	"github.com/mbd888/auroraguard/internal/events"
	"github.com/mbd888/auroraguard/internal/metrics"
)

// Frame types.
const (
	TypeDecision   = "decision"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// Message is one frame on the stream.
type Message struct {
	Type         string                `json:"type"`
	Timestamp    time.Time             `json:"timestamp"`
	Decision     *events.DecisionEvent `json:"decision,omitempty"`
	Subscription *Subscription         `json:"subscription,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	Outcomes     []decision.Outcome `json:"outcomes"`
	Paths        []decision.Path    `json:"paths"`
	DegradedOnly bool               `json:"degradedOnly"`
	MinRisk      float64            `json:"minRisk"`
}

// Matches reports whether ev passes the filter.
func (s Subscription) Matches(ev *events.DecisionEvent) bool {
	if len(s.Outcomes) > 0 && !contains(s.Outcomes, ev.Outcome) {
		return false
	}
	if len(s.Paths) > 0 && !contains(s.Paths, ev.Path) {
		return false
	}
	if s.DegradedOnly && !ev.Degraded() {
		return false
	}
	return ev.Risk >= s.MinRisk
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// MaxClients caps concurrent stream connections.
const MaxClients = 1000

const (
	broadcastBuffer = 256
	clientBuffer    = 256
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	EvictedClients   int64 `json:"evictedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Hub fans decision events out to stream clients. All client set changes
// happen on the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *events.DecisionEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents    atomic.Int64
	droppedEvents  atomic.Int64
	evictedClients atomic.Int64
	totalClients   atomic.Int64
	peakClients    atomic.Int64
}

// NewHub creates a hub. Call Run before accepting connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *events.DecisionEvent, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("decision stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("decision stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("stream client disconnected", "total", n)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// drop removes c and closes its queue. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	c.close()
}

// fanOut delivers ev to every matching client. A client whose queue is full
// is evicted rather than allowed to stall the stream.
func (h *Hub) fanOut(ev *events.DecisionEvent) {
	h.totalEvents.Add(1)
	frame := encode(Message{Type: TypeDecision, Timestamp: ev.Timestamp, Decision: ev})

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			h.drop(c)
			h.evictedClients.Add(1)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("evicted slow stream clients", "count", len(slow))
}

func encode(m Message) []byte {
	data, _ := json.Marshal(m)
	return data
}

// Publish implements events.Sink. A full broadcast buffer drops the event.
func (h *Hub) Publish(_ context.Context, ev *events.DecisionEvent) {
	select {
	case h.broadcast <- ev:
		metrics.EventsPublishedTotal.WithLabelValues("stream", "ok").Inc()
	default:
		h.droppedEvents.Add(1)
		metrics.EventsPublishedTotal.WithLabelValues("stream", "dropped").Inc()
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		EvictedClients:   h.evictedClients.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}
