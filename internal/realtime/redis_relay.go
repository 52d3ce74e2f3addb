package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/metrics"
	"posologicos-backend/internal/models"
)

const (
	messagesPattern = messagesTopicPrefix + "*"
	relayBackoff    = time.Second
)

type relayEnvelope struct {
	Origin  string             `json:"origin"`
	Message models.RoomMessage `json:"message"`
}

// RedisRelay fans message rows out across server instances through Redis
// pub/sub. Rows published by this instance are already delivered locally
// and are skipped when they come back.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	origin string
}

func NewRedisRelay(client *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, hub: hub, origin: uuid.NewString()}
}

func (r *RedisRelay) Forward(ctx context.Context, msg models.RoomMessage) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Message: msg})
	if err != nil {
		return err
	}
	start := time.Now()
	err = r.client.Publish(ctx, MessagesTopic(msg.RoomID, msg.SenderEmail), data).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	return err
}

// Run consumes the relay until ctx is done. go-redis re-subscribes on its
// own after a dropped connection; every confirmation after the first means
// rows may have been missed, so subscribers are told to resync.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, messagesPattern)
	defer pubsub.Close()

	confirmed := false
	for {
		received, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("module", "relay").Msg("redis subscription interrupted")
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
				log.Info().Str("module", "relay").Msg("redis subscription restored, resyncing")
				r.hub.Resync()
			}
			confirmed = true
		case *redis.Message:
			if err := r.handle([]byte(m.Payload)); err != nil && !errors.Is(err, errOwnOrigin) {
				log.Warn().Err(err).Str("module", "relay").Str("channel", m.Channel).Msg("dropping relay payload")
			}
		}
	}
}

var errOwnOrigin = errors.New("own origin")

func (r *RedisRelay) handle(payload []byte) error {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	if env.Origin == r.origin {
		return errOwnOrigin
	}
	r.hub.Dispatch(env.Message)
	metrics.DeliveryPublishes.WithLabelValues("relay").Inc()
	return nil
}
