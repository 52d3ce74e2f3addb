package realtime

import (
	"context"

	"posologicos-backend/internal/metrics"
	"posologicos-backend/internal/models"
	"posologicos-backend/internal/store"
)

// PublishingStore publishes every row it successfully appends, so delivery
// is driven by the insert itself rather than by the writer.
type PublishingStore struct {
	store.DataStore
	hub *Hub
}

func NewPublishingStore(s store.DataStore, hub *Hub) *PublishingStore {
	return &PublishingStore{DataStore: s, hub: hub}
}

func (s *PublishingStore) Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error) {
	if !msg.Role.Valid() {
		return models.RoomMessage{}, store.ErrInvalidRole
	}
	stored, err := s.DataStore.Append(ctx, msg)
	if err != nil {
		return models.RoomMessage{}, err
	}
	metrics.MessagesAppended.WithLabelValues(string(stored.Role)).Inc()
	s.hub.Publish(ctx, stored)
	return stored, nil
}
