package handlers

import (
	"sync"

	"posologicos-backend/internal/metrics"
)

// SessionRegistry tracks the open websocket sessions of this instance so
// they can be counted per room and closed on shutdown.
type SessionRegistry struct {
	mu sync.RWMutex
	// connID -> metadata
	conns map[string]connMeta
	// roomID -> connID set
	rooms map[string]map[string]struct{}
}

type connMeta struct {
	RoomID string
	Close  func()
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		conns: make(map[string]connMeta),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register stores a new connection. closeFn must be safe to call more than once.
func (r *SessionRegistry) Register(connID string, closeFn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		metrics.ActiveSessions.Inc()
	}
	r.conns[connID] = connMeta{Close: closeFn}
}

// Enter records the room the connection currently points at, leaving the previous one.
func (r *SessionRegistry) Enter(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.conns[connID]
	if !ok {
		return
	}
	r.leaveLocked(connID, meta.RoomID)
	meta.RoomID = roomID
	r.conns[connID] = meta
	if roomID == "" {
		return
	}
	if _, ok := r.rooms[roomID]; !ok {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
}

// Unregister removes the connection from its room and the registry.
func (r *SessionRegistry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.conns[connID]
	if !ok {
		return
	}
	r.leaveLocked(connID, meta.RoomID)
	delete(r.conns, connID)
	metrics.ActiveSessions.Dec()
}

func (r *SessionRegistry) leaveLocked(connID, roomID string) {
	if conns, ok := r.rooms[roomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Count returns the number of open sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountInRoom returns the number of local sessions pointed at roomID.
func (r *SessionRegistry) CountInRoom(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// CloseAll closes every registered session. Used on shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	closers := make([]func(), 0, len(r.conns))
	for _, meta := range r.conns {
		if meta.Close != nil {
			closers = append(closers, meta.Close)
		}
	}
	r.mu.RUnlock()

	for _, fn := range closers {
		fn()
	}
}
