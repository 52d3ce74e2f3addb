package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/metrics"
	"posologicos-backend/internal/models"
)

// Forwarder carries published rows to other server instances.
type Forwarder interface {
	Forward(ctx context.Context, msg models.RoomMessage) error
}

type subscriber struct {
	sub       *Subscription
	onMessage func(models.RoomMessage)
	onResync  func()
}

// Hub fans stored message rows out to the subscriptions of their partition
// topic. Filtering by room and email happens here, on the server.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscriber // topic -> subscription id -> subscriber

	forwarder Forwarder
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[string]*subscriber),
	}
}

// SetForwarder installs the cross-instance relay. Call before serving traffic.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// Subscribe registers callbacks for the partition (roomID, email). onResync
// may be nil.
func (h *Hub) Subscribe(roomID, email string, onMessage func(models.RoomMessage), onResync func()) *Subscription {
	topic := MessagesTopic(roomID, email)
	id := uuid.NewString()

	s := &subscriber{onMessage: onMessage, onResync: onResync}
	s.sub = newSubscription(func() { h.remove(topic, id) })

	h.mu.Lock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[string]*subscriber)
	}
	h.topics[topic][id] = s
	h.mu.Unlock()

	return s.sub
}

func (h *Hub) remove(topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.topics[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish delivers msg to local subscribers and hands it to the forwarder,
// if one is installed.
func (h *Hub) Publish(ctx context.Context, msg models.RoomMessage) {
	h.Dispatch(msg)
	metrics.DeliveryPublishes.WithLabelValues("local").Inc()

	h.mu.RLock()
	f := h.forwarder
	h.mu.RUnlock()
	if f == nil {
		return
	}
	if err := f.Forward(ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "realtime").Str("room_id", msg.RoomID).Msg("relay publish failed")
	}
}

// Dispatch delivers msg to local subscribers only.
func (h *Hub) Dispatch(msg models.RoomMessage) {
	for _, s := range h.snapshot(MessagesTopic(msg.RoomID, msg.SenderEmail)) {
		s.sub.run(func() { s.onMessage(msg) })
	}
}

// Resync asks every subscriber to reconcile by refetching. Called after the
// relay recovers from an interruption, when rows may have been missed.
func (h *Hub) Resync() {
	for _, s := range h.snapshot("") {
		if s.onResync == nil {
			continue
		}
		s.sub.run(s.onResync)
	}
}

// SubscriberCount returns the live subscriptions on the partition topic.
func (h *Hub) SubscriberCount(roomID, email string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[MessagesTopic(roomID, email)])
}

// snapshot copies the subscribers of topic, or of every topic when topic is
// empty, so callbacks run without the hub lock.
func (h *Hub) snapshot(topic string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*subscriber
	for t, subs := range h.topics {
		if topic != "" && t != topic {
			continue
		}
		for _, s := range subs {
			out = append(out, s)
		}
	}
	return out
}
