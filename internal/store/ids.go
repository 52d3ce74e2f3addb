package store

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newMessageID returns a ULID. ulid.Make is monotonic within a process, so
// ids also break created_at ties in insertion order.
func newMessageID() string {
	return ulid.Make().String()
}

func newRoomID() string {
	return uuid.NewString()
}
