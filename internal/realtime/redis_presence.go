package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/metrics"
)

const (
	presenceRoomsKey = "presence:rooms"
	presencePattern  = presenceTopicPrefix + "*"
)

func presenceKey(roomID string) string {
	return fmt.Sprintf("presence:%s", roomID)
}

func presenceNamesKey(roomID string) string {
	return fmt.Sprintf("presence:%s:names", roomID)
}

// pruneRoomScript drops a room from the index only while its set is empty,
// so it cannot undo a Join that lands between the check and the removal.
var pruneRoomScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
	return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

type presenceEvent struct {
	Origin string `json:"origin"`
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
}

// RedisPresence shares presence across instances. Each room is a sorted set
// of session keys scored by last heartbeat (unix ms) plus a hash of display
// names. Count changes are published on the room's presence topic.
type RedisPresence struct {
	client    *redis.Client
	ttl       time.Duration
	now       func() time.Time
	origin    string
	listeners *listenerSet
}

func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	return &RedisPresence{
		client:    client,
		ttl:       ttl,
		now:       time.Now,
		origin:    uuid.NewString(),
		listeners: newListenerSet(),
	}
}

func (p *RedisPresence) Join(ctx context.Context, roomID, sessionKey, name string) error {
	start := time.Now()
	pipe := p.client.TxPipeline()
	added := pipe.ZAdd(ctx, presenceKey(roomID), redis.Z{Score: float64(p.now().UnixMilli()), Member: sessionKey})
	pipe.HSet(ctx, presenceNamesKey(roomID), sessionKey, name)
	pipe.SAdd(ctx, presenceRoomsKey, roomID)
	_, err := pipe.Exec(ctx)
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if added.Val() > 0 {
		metrics.PresenceJoins.Inc()
		p.changed(ctx, roomID)
	}
	return nil
}

func (p *RedisPresence) Heartbeat(ctx context.Context, roomID, sessionKey string) error {
	// XX only refreshes existing members; Ch counts refreshed ones too.
	n, err := p.client.ZAddArgs(ctx, presenceKey(roomID), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(p.now().UnixMilli()), Member: sessionKey}},
	}).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		// Ch does not count a same-score refresh; confirm membership.
		if _, err := p.client.ZScore(ctx, presenceKey(roomID), sessionKey).Result(); errors.Is(err, redis.Nil) {
			return ErrNotJoined
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (p *RedisPresence) Drop(ctx context.Context, roomID, sessionKey string) error {
	pipe := p.client.TxPipeline()
	removed := pipe.ZRem(ctx, presenceKey(roomID), sessionKey)
	pipe.HDel(ctx, presenceNamesKey(roomID), sessionKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if removed.Val() > 0 {
		p.changed(ctx, roomID)
	}
	return nil
}

// Count ignores members older than ttl that a sweep has not removed yet.
func (p *RedisPresence) Count(ctx context.Context, roomID string) (int, error) {
	cutoff := p.now().Add(-p.ttl).UnixMilli()
	n, err := p.client.ZCount(ctx, presenceKey(roomID), "("+strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *RedisPresence) OnChange(roomID string, fn func(count int)) *Subscription {
	return p.listeners.add(roomID, fn)
}

func (p *RedisPresence) Sweep(ctx context.Context, now time.Time) error {
	rooms, err := p.client.SMembers(ctx, presenceRoomsKey).Result()
	if err != nil {
		return err
	}
	max := strconv.FormatInt(now.Add(-p.ttl).UnixMilli(), 10)

	for _, roomID := range rooms {
		stale, err := p.client.ZRangeByScore(ctx, presenceKey(roomID), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			members := make([]interface{}, len(stale))
			for i, s := range stale {
				members[i] = s
			}
			pipe := p.client.TxPipeline()
			removed := pipe.ZRem(ctx, presenceKey(roomID), members...)
			pipe.HDel(ctx, presenceNamesKey(roomID), stale...)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			if removed.Val() > 0 {
				metrics.PresenceEvictions.Add(float64(removed.Val()))
				p.changed(ctx, roomID)
			}
		}

		if err := pruneRoomScript.Run(ctx, p.client, []string{presenceKey(roomID), presenceRoomsKey}, roomID).Err(); err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room_id", roomID).Msg("presence room prune failed")
		}
	}
	return nil
}

// Run consumes presence events from other instances until ctx is done.
// Counts published while the subscription was down are lost, so rooms with
// local listeners are recounted when it is restored.
func (p *RedisPresence) Run(ctx context.Context) error {
	pubsub := p.client.PSubscribe(ctx, presencePattern)
	defer pubsub.Close()

	confirmed := false
	for {
		received, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("module", "presence").Msg("redis presence subscription interrupted")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(relayBackoff):
			}
			continue
		}

		switch m := received.(type) {
		case *redis.Subscription:
			if confirmed {
				log.Info().Str("module", "presence").Msg("redis presence subscription restored, recounting")
				p.recount(ctx)
			}
			confirmed = true
		case *redis.Message:
			var ev presenceEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("module", "presence").Msg("dropping presence payload")
				continue
			}
			if ev.Origin == p.origin {
				continue
			}
			p.deliver(ev.RoomID, ev.Count)
		}
	}
}

// recount refreshes local listeners from the stored sets.
func (p *RedisPresence) recount(ctx context.Context) {
	for _, roomID := range p.listeners.roomIDs() {
		count, err := p.Count(ctx, roomID)
		if err != nil {
			log.Warn().Err(err).Str("module", "presence").Str("room_id", roomID).Msg("presence recount failed")
			continue
		}
		p.deliver(roomID, count)
	}
}

// changed recounts, notifies local listeners and tells the other instances.
func (p *RedisPresence) changed(ctx context.Context, roomID string) {
	count, err := p.Count(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("room_id", roomID).Msg("presence recount failed")
		return
	}
	p.deliver(roomID, count)

	data, err := json.Marshal(presenceEvent{Origin: p.origin, RoomID: roomID, Count: count})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, PresenceTopic(roomID), data).Err(); err != nil {
		log.Warn().Err(err).Str("module", "presence").Str("room_id", roomID).Msg("presence publish failed")
	}
}

func (p *RedisPresence) deliver(roomID string, count int) {
	p.listeners.notifyMu.Lock()
	defer p.listeners.notifyMu.Unlock()
	p.listeners.notify(roomID, count)
}
