// ABOUTME: Redis pub/sub relay that fans message events out across gateway instances
// ABOUTME: Every instance, the publisher included, delivers relayed events to its local registry

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/huddle-chat/internal/metrics"
	"github.com/2389/huddle-chat/internal/store"
)

const relayPublishTimeout = 2 * time.Second

// Relay publishes messages through a Redis channel. When Redis is
// unreachable it falls back to local delivery.
type Relay struct {
	client  *redis.Client
	channel string
	local   *Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// relayEnvelope is the JSON payload carried on the Redis channel
type relayEnvelope struct {
	ID       int64     `json:"id"`
	FromUser int64     `json:"from_user"`
	ToUser   int64     `json:"to_user"`
	SentAt   time.Time `json:"sent_at"`
	Body     string    `json:"body"`
}

// NewRelay creates a relay. Run must be started for relayed events to reach
// the local broadcaster.
func NewRelay(client *redis.Client, channel string, local *Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client:  client,
		channel: channel,
		local:   local,
		metrics: m,
		logger:  logger.With("component", "relay"),
	}
}

// Publish sends msg to every instance subscribed to the channel.
func (r *Relay) Publish(msg *store.Message) {
	payload, err := encodeEnvelope(msg)
	if err != nil {
		r.logger.Error("encoding relay payload", "error", err, "message_id", msg.ID)
		r.local.Publish(msg)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.metrics.RelayError()
		r.logger.Warn("relay publish failed, delivering locally", "error", err, "message_id", msg.ID)
		r.local.Publish(msg)
	}
}

// Run subscribes to the channel and delivers relayed messages locally until
// ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeEnvelope(m.Payload)
			if err != nil {
				r.logger.Warn("discarding malformed relay payload", "error", err)
				continue
			}
			r.local.Publish(msg)
		}
	}
}

// Ping checks that Redis is reachable
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func encodeEnvelope(msg *store.Message) ([]byte, error) {
	return json.Marshal(relayEnvelope{
		ID:       msg.ID,
		FromUser: msg.FromUser,
		ToUser:   msg.ToUser,
		SentAt:   msg.Timestamp,
		Body:     msg.Body,
	})
}

func decodeEnvelope(payload string) (*store.Message, error) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, err
	}
	if env.FromUser == 0 || env.ToUser == 0 {
		return nil, fmt.Errorf("relay payload missing participants")
	}
	return &store.Message{
		ID:        env.ID,
		FromUser:  env.FromUser,
		ToUser:    env.ToUser,
		Timestamp: env.SentAt,
		Body:      env.Body,
	}, nil
}
