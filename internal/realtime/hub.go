// Package realtime streams readings and alert events to websocket
// subscribers, scoped to the subscriber's tenant.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tidemark-io/tidemark/internal/alerts"
	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
)

const writeTimeout = 5 * time.Second

// Selector narrows a subscription. Empty fields match everything within
// the tenant.
type Selector struct {
	DeviceID string
	Key      string
	RuleID   string
}

func (s Selector) matchesReading(r *entities.Reading) bool {
	if s.RuleID != "" {
		return false
	}
	if s.DeviceID != "" && s.DeviceID != r.DeviceID {
		return false
	}
	if s.Key != "" && s.Key != r.Key {
		return false
	}
	return true
}

func (s Selector) matchesAlert(e *alerts.Event) bool {
	if s.Key != "" {
		return false
	}
	if s.RuleID != "" && s.RuleID != e.RuleID {
		return false
	}
	if s.DeviceID != "" && s.DeviceID != e.Alert.DeviceID {
		return false
	}
	return true
}

// envelope is the wire frame for every streamed message.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type subscriber struct {
	tenantID string
	sel      Selector
	out      chan []byte
}

// Hub fans readings and alert events out to subscribers. Each subscriber
// has a bounded buffer; one that stops draining is disconnected rather
// than allowed to apply backpressure to the pipeline.
type Hub struct {
	cfg     conf.RealtimeSettings
	metrics *metrics.Metrics
	log     logger.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates a realtime hub.
func NewHub(cfg conf.RealtimeSettings, m *metrics.Metrics, log logger.Logger) *Hub {
	return &Hub{cfg: cfg, metrics: m, log: log, subs: make(map[*subscriber]struct{})}
}

// PublishReading streams a persisted reading to matching subscribers.
// Never blocks: a full subscriber buffer closes that subscriber.
func (h *Hub) PublishReading(r *entities.Reading) {
	h.broadcast(r.TenantID, "reading", r, func(s *subscriber) bool {
		return s.sel.matchesReading(r)
	})
}

// PublishAlert streams an alert event to matching subscribers. A freshly
// opened alert goes out as alert_open; every later state change as
// alert_transition.
func (h *Hub) PublishAlert(e *alerts.Event) {
	kind := "alert_transition"
	if e.Change == entities.AlertOpen {
		kind = "alert_open"
	}
	h.broadcast(e.Alert.TenantID, kind, e, func(s *subscriber) bool {
		return s.sel.matchesAlert(e)
	})
}

func (h *Hub) broadcast(tenantID, kind string, data any, match func(*subscriber) bool) {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		h.log.Error("stream encoding failed", logger.Error(err))
		return
	}
	var overrun []*subscriber
	h.mu.RLock()
	for s := range h.subs {
		if s.tenantID != tenantID || !match(s) {
			continue
		}
		select {
		case s.out <- payload:
		default:
			overrun = append(overrun, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range overrun {
		h.drop(s)
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if present {
		close(s.out)
		h.metrics.RealtimeDrops.Inc()
		h.log.Warn("slow realtime subscriber dropped", logger.String("tenant_id", s.tenantID))
	}
}

// ServeConn runs a subscriber connection until it closes or falls behind.
// Heartbeat frames keep intermediaries from idling the connection out.
func (h *Hub) ServeConn(conn *websocket.Conn, tenantID string, sel Selector) {
	sub := &subscriber{
		tenantID: tenantID,
		sel:      sel,
		out:      make(chan []byte, h.cfg.SubscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.out)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine detects the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat, _ := json.Marshal(envelope{Type: "heartbeat"})
	ticker := time.NewTicker(h.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case payload, ok := <-sub.out:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, heartbeat); err != nil {
				return
			}
		}
	}
}
