// Package notify publishes workflow events to the unit system.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/stella/internal/domain"
)

// DefaultPrefix namespaces the Redis keys.
const DefaultPrefix = "stella"

// defaultListCap bounds the event list kept in Redis.
const defaultListCap = 1000

// Bus delivers events. Consumers deduplicate on Event.MessageID.
type Bus interface {
	Publish(ctx context.Context, e domain.Event) error
}

// NewEvent builds an event with a fresh message ID and a UTC timestamp.
func NewEvent(unitID, sessionKey string, t domain.EventType, data map[string]any, now time.Time) domain.Event {
	if data == nil {
		data = map[string]any{}
	}
	return domain.Event{
		MessageID:  uuid.NewString(),
		Type:       t,
		UnitID:     unitID,
		SessionKey: sessionKey,
		Timestamp:  now.UTC(),
		Data:       data,
	}
}

// RedisBus publishes every event on "<prefix>:events:<type>" and appends it
// to the capped list "<prefix>:events".
type RedisBus struct {
	client  *redis.Client
	prefix  string
	listCap int64
	logger  *slog.Logger
}

// NewRedisBus connects to the Redis server at url.
func NewRedisBus(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBusWithClient(client, prefix, logger), nil
}

// NewRedisBusWithClient wraps an existing client.
func NewRedisBusWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBus{client: client, prefix: prefix, listCap: defaultListCap, logger: logger}
}

// Channel returns the pub/sub channel for an event type.
func (b *RedisBus) Channel(t domain.EventType) string {
	return fmt.Sprintf("%s:events:%s", b.prefix, t)
}

// ListKey returns the key of the capped event list.
func (b *RedisBus) ListKey() string {
	return b.prefix + ":events"
}

// Publish sends e in one pipeline.
func (b *RedisBus) Publish(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.MessageID, err)
	}

	pipe := b.client.TxPipeline()
	pipe.Publish(ctx, b.Channel(e.Type), payload)
	pipe.LPush(ctx, b.ListKey(), payload)
	pipe.LTrim(ctx, b.ListKey(), 0, b.listCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", e.MessageID, err)
	}
	b.logger.Debug("Event published", "event_type", e.Type, "message_id", e.MessageID)
	return nil
}

// Ping checks the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// LogBus writes events to the log. It is used when no Redis is configured.
type LogBus struct {
	logger *slog.Logger
}

// NewLogBus creates a log-only bus.
func NewLogBus(logger *slog.Logger) *LogBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{logger: logger}
}

// Publish logs e.
func (b *LogBus) Publish(_ context.Context, e domain.Event) error {
	b.logger.Info("Event",
		"event_type", e.Type,
		"message_id", e.MessageID,
		"session_id", e.SessionKey,
		"unit_id", e.UnitID,
		"data", e.Data)
	return nil
}

var (
	_ Bus = (*RedisBus)(nil)
	_ Bus = (*LogBus)(nil)
)
