package store

import (
	"context"
	"errors"

	"posologicos-backend/internal/models"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrPinTaken    = errors.New("store: pin already used by an active room")
	ErrRoomMissing = errors.New("store: room does not exist")
	ErrInvalidRole = errors.New("store: unknown message role")
)

// RoomStore persists room records. Expiry is never evaluated here: callers
// compare the timestamps against their own clock.
type RoomStore interface {
	CreateRoom(ctx context.Context, room models.Room) (models.Room, error)
	GetRoom(ctx context.Context, id string) (models.Room, error)
	FindActiveByPin(ctx context.Context, pin string) (models.Room, error)
	UpdateRoom(ctx context.Context, room models.Room) (models.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	ListRoomsByOwner(ctx context.Context, ownerID string) ([]models.Room, error)
}

// MessageStore is the append-only room log. There is deliberately no update
// or delete; deleting a room cascades to its messages.
type MessageStore interface {
	Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error)
	ListForParticipant(ctx context.Context, roomID, email string) ([]models.RoomMessage, error)
}

// DataStore is implemented by PostgresStore, SQLiteStore and MemoryStore.
type DataStore interface {
	RoomStore
	MessageStore

	Ping(ctx context.Context) error
	Close()
}
