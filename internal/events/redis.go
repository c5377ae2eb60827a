package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

const channelPrefix = "sitesync:room:"

// envelope is the Redis wire form of an Event.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Target  string          `json:"target,omitempty"`
}

func channelFor(projectID uuid.UUID) string {
	return channelPrefix + projectID.String()
}

func encode(ev Event) ([]byte, error) {
	var raw json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("events: marshal payload: %w", err)
		}
		raw = b
	}
	return json.Marshal(envelope{Type: ev.Type, Payload: raw, Exclude: ev.Exclude, Target: ev.Target})
}

func decode(channel, body string) (Event, error) {
	id, err := uuid.Parse(strings.TrimPrefix(channel, channelPrefix))
	if err != nil {
		return Event{}, fmt.Errorf("events: bad channel %q: %w", channel, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal envelope: %w", err)
	}
	ev := Event{ProjectID: id, Type: env.Type, Exclude: env.Exclude, Target: env.Target}
	if len(env.Payload) > 0 {
		ev.Payload = env.Payload
	}
	return ev, nil
}

// RedisPublisher publishes events on a per-project Redis channel. The worker
// uses it so deploy transitions reach the hub living in the api process.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, channelFor(ev.ProjectID), body).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

// Relay subscribes to every project channel and forwards into dst until ctx
// is done. Redis delivers a channel's messages in publish order, so per-room
// ordering survives the hop.
func Relay(ctx context.Context, rdb redis.UniversalClient, dst Publisher) error {
	sub := rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	logger.L().Info("event relay subscribed", zap.String("pattern", channelPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decode(msg.Channel, msg.Payload)
			if err != nil {
				logger.L().Warn("dropping malformed relayed event", zap.Error(err))
				continue
			}
			if err := dst.Publish(ctx, ev); err != nil {
				logger.L().Warn("relay publish failed", zap.String("project_id", ev.ProjectID.String()), zap.Error(err))
			}
		}
	}
}
