package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"posologicos-backend/internal/metrics"
)

// ErrNotJoined is returned by Heartbeat for a session that is not tracked,
// typically because it was evicted. The caller should Join again.
var ErrNotJoined = errors.New("presence session not joined")

// Presence tracks live participant sessions per room. Counts are per session,
// not per person: two tabs of the same participant count twice.
type Presence interface {
	Join(ctx context.Context, roomID, sessionKey, name string) error
	Heartbeat(ctx context.Context, roomID, sessionKey string) error
	Drop(ctx context.Context, roomID, sessionKey string) error
	Count(ctx context.Context, roomID string) (int, error)
	OnChange(roomID string, fn func(count int)) *Subscription
	Sweep(ctx context.Context, now time.Time) error
}

// listenerSet holds presence callbacks per room. notify serializes delivery
// so listeners see counts in the order they were computed; listeners must
// not call back into the tracker synchronously.
type listenerSet struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*presenceListener
	notifyMu sync.Mutex
}

type presenceListener struct {
	sub *Subscription
	fn  func(int)
}

func newListenerSet() *listenerSet {
	return &listenerSet{rooms: make(map[string]map[string]*presenceListener)}
}

func (l *listenerSet) add(roomID string, fn func(int)) *Subscription {
	id := uuid.NewString()
	pl := &presenceListener{fn: fn}
	pl.sub = newSubscription(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if ls, ok := l.rooms[roomID]; ok {
			delete(ls, id)
			if len(ls) == 0 {
				delete(l.rooms, roomID)
			}
		}
	})

	l.mu.Lock()
	if _, ok := l.rooms[roomID]; !ok {
		l.rooms[roomID] = make(map[string]*presenceListener)
	}
	l.rooms[roomID][id] = pl
	l.mu.Unlock()
	return pl.sub
}

func (l *listenerSet) roomIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.rooms))
	for roomID := range l.rooms {
		out = append(out, roomID)
	}
	return out
}

func (l *listenerSet) notify(roomID string, count int) {
	l.mu.RLock()
	targets := make([]*presenceListener, 0, len(l.rooms[roomID]))
	for _, pl := range l.rooms[roomID] {
		targets = append(targets, pl)
	}
	l.mu.RUnlock()

	for _, pl := range targets {
		pl.sub.run(func() { pl.fn(count) })
	}
}

type presenceEntry struct {
	name string
	seen time.Time
}

// MemoryPresence is the single-instance tracker.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]presenceEntry // room id -> session key -> entry
	ttl   time.Duration
	now   func() time.Time

	listeners *listenerSet
}

func NewMemoryPresence(ttl time.Duration, now func() time.Time) *MemoryPresence {
	if now == nil {
		now = time.Now
	}
	return &MemoryPresence{
		rooms:     make(map[string]map[string]presenceEntry),
		ttl:       ttl,
		now:       now,
		listeners: newListenerSet(),
	}
}

func (p *MemoryPresence) Join(ctx context.Context, roomID, sessionKey, name string) error {
	p.mu.Lock()
	if _, ok := p.rooms[roomID]; !ok {
		p.rooms[roomID] = make(map[string]presenceEntry)
	}
	_, existed := p.rooms[roomID][sessionKey]
	p.rooms[roomID][sessionKey] = presenceEntry{name: name, seen: p.now()}
	count := len(p.rooms[roomID])

	if existed {
		p.mu.Unlock()
		return nil
	}
	metrics.PresenceJoins.Inc()
	p.publishLocked(roomID, count)
	return nil
}

func (p *MemoryPresence) Heartbeat(ctx context.Context, roomID, sessionKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.rooms[roomID][sessionKey]
	if !ok {
		return ErrNotJoined
	}
	entry.seen = p.now()
	p.rooms[roomID][sessionKey] = entry
	return nil
}

func (p *MemoryPresence) Drop(ctx context.Context, roomID, sessionKey string) error {
	p.mu.Lock()
	if _, ok := p.rooms[roomID][sessionKey]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.rooms[roomID], sessionKey)
	count := len(p.rooms[roomID])
	if count == 0 {
		delete(p.rooms, roomID)
	}
	p.publishLocked(roomID, count)
	return nil
}

func (p *MemoryPresence) Count(ctx context.Context, roomID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms[roomID]), nil
}

func (p *MemoryPresence) OnChange(roomID string, fn func(count int)) *Subscription {
	return p.listeners.add(roomID, fn)
}

// Sweep evicts sessions whose last heartbeat is at least ttl old.
func (p *MemoryPresence) Sweep(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	changed := make(map[string]int)
	for roomID, sessions := range p.rooms {
		for key, entry := range sessions {
			if now.Sub(entry.seen) >= p.ttl {
				delete(sessions, key)
				changed[roomID] = len(sessions)
				metrics.PresenceEvictions.Inc()
			}
		}
		if len(sessions) == 0 {
			delete(p.rooms, roomID)
		}
	}
	if len(changed) == 0 {
		p.mu.Unlock()
		return nil
	}

	p.listeners.notifyMu.Lock()
	p.mu.Unlock()
	defer p.listeners.notifyMu.Unlock()
	for roomID, count := range changed {
		p.listeners.notify(roomID, count)
	}
	return nil
}

// publishLocked hands off from the state lock to the notify lock so counts
// are delivered in the order they were computed. It releases p.mu.
func (p *MemoryPresence) publishLocked(roomID string, count int) {
	p.listeners.notifyMu.Lock()
	p.mu.Unlock()
	defer p.listeners.notifyMu.Unlock()
	p.listeners.notify(roomID, count)
}

// RunSweeper calls Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, p Presence, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := p.Sweep(ctx, now); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
