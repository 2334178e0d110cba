package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/stella/internal/domain"
)

type recordingBus struct {
	mu       sync.Mutex
	events   []domain.Event
	failures int
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) published() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

type recordingSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingSink) RecordEvent(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, e.MessageID)
	return nil
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 7, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	a := NewEvent("unit-1", "s1", domain.EventAuthSuccess, nil, now)
	b := NewEvent("unit-1", "s1", domain.EventAuthSuccess, nil, now)

	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.Equal(t, time.UTC, a.Timestamp.Location())
	assert.NotNil(t, a.Data)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "auth_success", decoded["event_type"])
	assert.Equal(t, "unit-1", decoded["unit_id"])
	assert.Equal(t, "s1", decoded["session_id"])
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{failures: 1}
	sink := &recordingSink{}
	d := NewDispatcher(bus, sink, 4, nil)

	var ids []string
	for i := 0; i < 10; i++ {
		e := NewEvent("unit-1", "s1", domain.EventWithdrawalRequest, map[string]any{"n": i}, time.Now())
		ids = append(ids, e.MessageID)
		require.NoError(t, d.Publish(context.Background(), e))
	}
	d.Close()

	got := bus.published()
	require.Len(t, got, 10)
	sink.mu.Lock()
	assert.Equal(t, ids, sink.ids)
	sink.mu.Unlock()

	// Publishing after Close still delivers.
	require.NoError(t, d.Publish(context.Background(), NewEvent("unit-1", "s1", domain.EventAuthFailure, nil, time.Now())))
	assert.Len(t, bus.published(), 11)
	d.Close()
}

func TestDispatcherReportsInlineFailure(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{failures: publishRetries}
	d := NewDispatcher(bus, nil, 1, nil)
	d.Close()

	err := d.Publish(context.Background(), NewEvent("unit-1", "", domain.EventAuthLockout, nil, time.Now()))
	assert.Error(t, err)
}

func TestRedisBusKeys(t *testing.T) {
	t.Parallel()

	b := NewRedisBusWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", nil)
	defer func() {
		_ = b.Close()
	}()
	assert.Equal(t, "stella:events:auth_lockout", b.Channel(domain.EventAuthLockout))
	assert.Equal(t, "stella:events", b.ListKey())
}

func TestRedisBusPublish(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx := context.Background()
	b, err := NewRedisBus(ctx, url, "stella-test", nil)
	require.NoError(t, err)
	defer func() {
		_ = b.Close()
	}()

	sub := b.client.Subscribe(ctx, b.Channel(domain.EventStockRemove))
	defer func() {
		_ = sub.Close()
	}()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	e := NewEvent("unit-1", "s1", domain.EventStockRemove, map[string]any{"withdrawBy": "s1"}, time.Now())
	require.NoError(t, b.Publish(ctx, e))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, e.MessageID)

	head, err := b.client.LIndex(ctx, b.ListKey(), 0).Result()
	require.NoError(t, err)
	assert.Contains(t, head, e.MessageID)
}
