package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"posologicos-backend/internal/models"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTestPresence(client *redis.Client, clock *stepClock) *RedisPresence {
	p := NewRedisPresence(client, 30*time.Second)
	p.now = clock.Now
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// runInBackground starts run and stops it when the test ends.
func runInBackground(t *testing.T, run func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
}

func TestRedisPresenceJoinHeartbeatDrop(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestPresence(client, clock)

	var rec countRecorder
	sub := p.OnChange("room-1", rec.record)
	defer sub.Unsubscribe()

	steps := []struct {
		name string
		do   func() error
		want int
	}{
		{"ana joins", func() error { return p.Join(ctx, "room-1", "s-ana", "Ana") }, 1},
		{"beto joins", func() error { return p.Join(ctx, "room-1", "s-beto", "Beto") }, 2},
		{"rejoin same session", func() error { return p.Join(ctx, "room-1", "s-beto", "Beto") }, 2},
		{"heartbeat same instant", func() error { return p.Heartbeat(ctx, "room-1", "s-ana") }, 2},
		{"heartbeat later", func() error { clock.Advance(time.Second); return p.Heartbeat(ctx, "room-1", "s-ana") }, 2},
		{"ana drops", func() error { return p.Drop(ctx, "room-1", "s-ana") }, 1},
		{"drop twice", func() error { return p.Drop(ctx, "room-1", "s-ana") }, 1},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("%s: error = %v", step.name, err)
		}
		got, err := p.Count(ctx, "room-1")
		if err != nil {
			t.Fatalf("%s: Count() error = %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: Count() = %d, want %d", step.name, got, step.want)
		}
	}

	if err := p.Heartbeat(ctx, "room-1", "s-ghost"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Heartbeat(unknown) error = %v, want ErrNotJoined", err)
	}
	if n := client.ZCard(ctx, presenceKey("room-1")).Val(); n != 1 {
		t.Fatalf("heartbeat of an unknown session added a member: card = %d", n)
	}
	if name := client.HGet(ctx, presenceNamesKey("room-1"), "s-beto").Val(); name != "Beto" {
		t.Fatalf("display name = %q, want Beto", name)
	}
	if want := []int{1, 2, 1}; !equalInts(rec.all(), want) {
		t.Fatalf("notifications = %v, want %v", rec.all(), want)
	}
}

func TestRedisPresenceSweepEvictsStaleSessions(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestPresence(client, clock)

	var rec countRecorder
	p.OnChange("room-1", rec.record)

	if err := p.Join(ctx, "room-1", "s-ana", "Ana"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	clock.Advance(40 * time.Second)
	if err := p.Join(ctx, "room-1", "s-beto", "Beto"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	// stale but not yet swept: stored, not counted
	if n := client.ZCard(ctx, presenceKey("room-1")).Val(); n != 2 {
		t.Fatalf("stored members = %d, want 2", n)
	}
	if n, _ := p.Count(ctx, "room-1"); n != 1 {
		t.Fatalf("Count() before sweep = %d, want 1", n)
	}

	if err := p.Sweep(ctx, clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n := client.ZCard(ctx, presenceKey("room-1")).Val(); n != 1 {
		t.Fatalf("stored members after sweep = %d, want 1", n)
	}
	if err := p.Heartbeat(ctx, "room-1", "s-ana"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Heartbeat(evicted) error = %v, want ErrNotJoined", err)
	}
	if client.HExists(ctx, presenceNamesKey("room-1"), "s-ana").Val() {
		t.Fatal("evicted session kept its display name")
	}

	// the last member leaves: the next sweep prunes the room index
	if err := p.Drop(ctx, "room-1", "s-beto"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if err := p.Sweep(ctx, clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if client.SIsMember(ctx, presenceRoomsKey, "room-1").Val() {
		t.Fatal("empty room still indexed after sweep")
	}
	if err := p.Join(ctx, "room-1", "s-cid", "Cid"); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if err := p.Sweep(ctx, clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !client.SIsMember(ctx, presenceRoomsKey, "room-1").Val() {
		t.Fatal("occupied room dropped from the index")
	}

	if want := []int{1, 1, 1, 0, 1}; !equalInts(rec.all(), want) {
		t.Fatalf("notifications = %v, want %v", rec.all(), want)
	}
}

func TestRedisPresenceFansCountsOutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a := newTestPresence(client, clock)
	b := newTestPresence(client, clock)

	var recA, recB countRecorder
	a.OnChange("room-1", recA.record)
	b.OnChange("room-1", recB.record)
	runInBackground(t, a.Run)
	runInBackground(t, b.Run)

	// joins until b's subscription is live and picks one up
	joins := 0
	waitFor(t, "a count from the other instance", func() bool {
		if err := a.Join(ctx, "room-1", fmt.Sprintf("s-%d", joins), "Ana"); err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		joins++
		return len(recB.all()) > 0
	})
	waitFor(t, "b to reach the final count", func() bool {
		got := recB.all()
		return got[len(got)-1] == joins
	})

	// a's own events come back on the pattern too and must be skipped
	time.Sleep(50 * time.Millisecond)
	if n := len(recA.all()); n != joins {
		t.Fatalf("a saw %d notifications for %d joins", n, joins)
	}

	if err := b.Drop(ctx, "room-1", "s-0"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	waitFor(t, "a to see b's drop", func() bool {
		got := recA.all()
		return got[len(got)-1] == joins-1
	})
}

func TestRedisPresenceRecountsAfterResubscribe(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := newTestPresence(client, clock)

	var rec countRecorder
	p.OnChange("room-1", rec.record)
	runInBackground(t, p.Run)
	waitFor(t, "presence subscription", func() bool { return mr.PubSubNumPat() > 0 })

	// another instance's join whose publish never reached this one
	if err := client.ZAdd(ctx, presenceKey("room-1"), redis.Z{Score: float64(clock.Now().UnixMilli()), Member: "s-remote"}).Err(); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("notified without a publish: %v", rec.all())
	}

	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	waitFor(t, "recount after resubscribe", func() bool {
		got := rec.all()
		return len(got) > 0 && got[len(got)-1] == 1
	})
}

func TestRedisRelayDeliversAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	hubA, hubB := NewHub(), NewHub()
	hubA.SetForwarder(NewRedisRelay(client, hubA))
	relayB := NewRedisRelay(client, hubB)
	hubB.SetForwarder(relayB)
	runInBackground(t, relayB.Run)

	var local, remote, stranger recorder
	hubA.Subscribe("room-1", "ana@x.com", local.onMessage, nil)
	hubB.Subscribe("room-1", "ana@x.com", remote.onMessage, nil)
	hubB.Subscribe("room-1", "beto@y.com", stranger.onMessage, nil)

	sent := 0
	waitFor(t, "relayed row", func() bool {
		hubA.Publish(context.Background(), models.RoomMessage{
			ID: fmt.Sprintf("m-%d", sent), RoomID: "room-1", SenderEmail: "ana@x.com", Role: models.RoleUser,
		})
		sent++
		return len(remote.messages()) > 0
	})

	if n := len(local.messages()); n != sent {
		t.Fatalf("local subscriber got %d rows for %d publishes", n, sent)
	}
	if n := len(stranger.messages()); n != 0 {
		t.Fatalf("other participant received %d rows", n)
	}
}

func TestRedisRelayResyncsAfterResubscribe(t *testing.T) {
	mr, client := newTestRedis(t)
	hub := NewHub()
	relay := NewRedisRelay(client, hub)

	var rec recorder
	hub.Subscribe("room-1", "ana@x.com", rec.onMessage, rec.onResync)
	runInBackground(t, relay.Run)
	waitFor(t, "relay subscription", func() bool { return mr.PubSubNumPat() > 0 })

	rec.mu.Lock()
	before := rec.resyncs
	rec.mu.Unlock()
	if before != 0 {
		t.Fatalf("resync on first subscribe: %d", before)
	}

	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	waitFor(t, "resync after resubscribe", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.resyncs > 0
	})
}
