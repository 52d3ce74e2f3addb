package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"posologicos-backend/internal/models"
)

// MemoryStore keeps rooms and messages in process memory. It backs
// STORE_DRIVER=memory and the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[string]models.Room
	messages map[string][]models.RoomMessage // room id -> log in insertion order
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(nil)
}

// NewMemoryStoreWithClock lets tests pin the server-assigned timestamps.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		rooms:    make(map[string]models.Room),
		messages: make(map[string][]models.RoomMessage),
		now:      now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() {
	// Nothing to close for in-memory storage
}

func (s *MemoryStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.IsActive && s.pinTakenLocked(room.Pin, "") {
		return models.Room{}, ErrPinTaken
	}
	if room.ID == "" {
		room.ID = newRoomID()
	}
	now := s.now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now

	s.rooms[room.ID] = cloneRoom(room)
	return cloneRoom(room), nil
}

func (s *MemoryStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) FindActiveByPin(ctx context.Context, pin string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, room := range s.rooms {
		if room.Pin == pin && room.IsActive {
			return cloneRoom(room), nil
		}
	}
	return models.Room{}, ErrNotFound
}

func (s *MemoryStore) UpdateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rooms[room.ID]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	if room.IsActive && s.pinTakenLocked(room.Pin, room.ID) {
		return models.Room{}, ErrPinTaken
	}
	room.CreatedAt = existing.CreatedAt
	room.OwnerID = existing.OwnerID
	room.UpdatedAt = s.now().UTC()

	s.rooms[room.ID] = cloneRoom(room)
	return cloneRoom(room), nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]models.Room, 0)
	for _, room := range s.rooms {
		if room.OwnerID == ownerID {
			rooms = append(rooms, cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *MemoryStore) Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return models.RoomMessage{}, ErrRoomMissing
	}

	stored := models.RoomMessage{
		ID:          newMessageID(),
		RoomID:      msg.RoomID,
		SenderName:  msg.SenderName,
		SenderEmail: msg.SenderEmail,
		Role:        msg.Role,
		Content:     msg.Content,
		CreatedAt:   s.now().UTC(),
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], stored)
	return stored, nil
}

func (s *MemoryStore) ListForParticipant(ctx context.Context, roomID, email string) ([]models.RoomMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RoomMessage, 0)
	for _, m := range s.messages[roomID] {
		if m.SenderEmail == email {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) pinTakenLocked(pin, exceptID string) bool {
	for id, room := range s.rooms {
		if id != exceptID && room.IsActive && room.Pin == pin {
			return true
		}
	}
	return false
}

func cloneRoom(r models.Room) models.Room {
	out := r
	if r.AgentID != nil {
		v := *r.AgentID
		out.AgentID = &v
	}
	if r.RoomExpiresAt != nil {
		v := *r.RoomExpiresAt
		out.RoomExpiresAt = &v
	}
	if r.AgentExpiresAt != nil {
		v := *r.AgentExpiresAt
		out.AgentExpiresAt = &v
	}
	return out
}
