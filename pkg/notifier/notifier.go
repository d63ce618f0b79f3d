// Package notifier fans approval events out to live subscribers with
// per-subscriber tenant filtering. Delivery is best-effort: slow subscribers
// are dropped, there is no replay, and the durable record stays in the
// database.
package notifier

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-io/hivemind/pkg/models"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// Event types delivered to subscribers
const (
	EventPublic  = "public"
	EventPrivate = "private"
	EventPing    = "ping"
)

// ErrClosed is returned when subscribing to a stopped hub
var ErrClosed = errors.New("notifier hub is closed")

// Event is one message on a subscriber's channel
type Event struct {
	Type    string
	Payload *models.ApprovalEvent
}

// Subscription is one subscriber's view of the stream. The consumer reads
// Events until it closes; failing to keep up forfeits the subscription.
type Subscription struct {
	ID       uuid.UUID
	TenantID string
	Events   <-chan Event

	hub *Hub
	ch  chan Event
}

// Cancel removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.ID)
}

// Config tunes the hub
type Config struct {
	// BufferSize is the per-subscriber channel capacity. Defaults to 128.
	BufferSize int

	// Heartbeat is the ping interval. Defaults to 25s, must stay at or
	// below 30s to beat intermediary idle timeouts.
	Heartbeat time.Duration
}

// Hub multiplexes the approval-event stream into per-subscriber channels.
// The subscriber set is owned by a single goroutine; subscribe, unsubscribe
// and emission are serialised through its ops channel.
type Hub struct {
	bufferSize int
	heartbeat  time.Duration
	logger     observability.Logger
	metrics    observability.MetricsClient

	ops    chan func(map[uuid.UUID]*Subscription)
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewHub creates a hub consuming the given upstream event source. The hub
// runs until Close; closing the source channel also stops it.
func NewHub(cfg Config, source <-chan *models.ApprovalEvent, logger observability.Logger, metrics observability.MetricsClient) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 128
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 || heartbeat > 30*time.Second {
		heartbeat = 25 * time.Second
	}

	h := &Hub{
		bufferSize: bufferSize,
		heartbeat:  heartbeat,
		logger:     logger,
		metrics:    metrics,
		ops:        make(chan func(map[uuid.UUID]*Subscription)),
		done:       make(chan struct{}),
	}

	h.wg.Add(1)
	go h.run(source)
	return h
}

// Subscribe registers a consumer scoped to tenantID. The tenant must come
// from the verified credential, never from client input.
func (h *Hub) Subscribe(tenantID string) (*Subscription, error) {
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{
		ID:       uuid.New(),
		TenantID: tenantID,
		Events:   ch,
		hub:      h,
		ch:       ch,
	}

	select {
	case h.ops <- func(subs map[uuid.UUID]*Subscription) {
		subs[sub.ID] = sub
		h.gauge(len(subs))
	}:
		return sub, nil
	case <-h.done:
		return nil, ErrClosed
	}
}

func (h *Hub) unsubscribe(id uuid.UUID) {
	select {
	case h.ops <- func(subs map[uuid.UUID]*Subscription) {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub.ch)
			h.gauge(len(subs))
		}
	}:
	case <-h.done:
	}
}

// Close stops the hub and closes every subscriber channel
func (h *Hub) Close() {
	h.closed.Do(func() { close(h.done) })
	h.wg.Wait()
}

func (h *Hub) run(source <-chan *models.ApprovalEvent) {
	defer h.wg.Done()

	subscribers := make(map[uuid.UUID]*Subscription)
	defer func() {
		for id, sub := range subscribers {
			delete(subscribers, id)
			close(sub.ch)
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case op := <-h.ops:
			op(subscribers)
		case payload, ok := <-source:
			if !ok {
				return
			}
			h.broadcast(subscribers, payload)
		case <-ticker.C:
			h.emitAll(subscribers, Event{Type: EventPing})
		}
	}
}

// broadcast applies the tenant filter: public events go to everyone, private
// events only to the owning tenant's subscribers.
func (h *Hub) broadcast(subscribers map[uuid.UUID]*Subscription, payload *models.ApprovalEvent) {
	for id, sub := range subscribers {
		var eventType string
		switch {
		case payload.IsPublic:
			eventType = EventPublic
		case sub.TenantID == payload.TenantID:
			eventType = EventPrivate
		default:
			continue
		}
		h.emit(subscribers, id, sub, Event{Type: eventType, Payload: payload})
	}
	if h.metrics != nil {
		h.metrics.IncrementCounterWithLabels("notifier_events_total", 1, map[string]string{
			"public": boolLabel(payload.IsPublic),
		})
	}
}

func (h *Hub) emitAll(subscribers map[uuid.UUID]*Subscription, event Event) {
	for id, sub := range subscribers {
		h.emit(subscribers, id, sub, event)
	}
}

// emit delivers without blocking; a full buffer disconnects the subscriber
func (h *Hub) emit(subscribers map[uuid.UUID]*Subscription, id uuid.UUID, sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
	default:
		delete(subscribers, id)
		close(sub.ch)
		h.gauge(len(subscribers))
		h.logger.Warn("Dropped slow subscriber", map[string]interface{}{
			"subscription_id": id.String(),
			"tenant_id":       sub.TenantID,
		})
		if h.metrics != nil {
			h.metrics.IncrementCounterWithLabels("notifier_dropped_subscribers_total", 1, nil)
		}
	}
}

func (h *Hub) gauge(count int) {
	if h.metrics != nil {
		h.metrics.RecordGauge("notifier_subscribers", float64(count), nil)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
