package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func laneConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

func TestQueue_PublishAndConsume(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	q, err := NewQueue(adapter, laneConfig("test:lane"))
	require.NoError(t, err)

	env := Envelope{MessageID: 42, ConversationID: "conv-1", Priority: model.PriorityNormal}
	_, err = q.PublishJSON(context.Background(), env, map[string]string{"conversation_id": "conv-1"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	err = q.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		var got Envelope
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, int64(42), got.MessageID)
		assert.Equal(t, "conv-1", msg.Metadata["conversation_id"])
		assert.Equal(t, 0, msg.Attempts, "first delivery is not a retry")
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	q.Stop(time.Second)
}

func TestQueue_FailedHandlerLeavesEntryPending(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	q, err := NewQueue(adapter, laneConfig("test:retry:lane"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	_, err = q.PublishJSON(context.Background(), Envelope{MessageID: 1, ConversationID: "c"}, nil)
	require.NoError(t, err)

	handled := make(chan struct{}, 1)
	err = q.Consume(func(ctx context.Context, msg *Message) error {
		handled <- struct{}{}
		return assert.AnError
	})
	require.NoError(t, err)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Not acked, so the entry stays on the group's pending list.
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingMessages)
}

func TestQueue_GetStats(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	q, err := NewQueue(adapter, laneConfig("test:stats:lane"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, err := q.PublishJSON(ctx, Envelope{MessageID: i, ConversationID: "c"}, nil)
		require.NoError(t, err)
	}

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalMessages, int64(5))
}

func TestQueue_RequiresName(t *testing.T) {
	_, adapter := setupTestRedis(t)

	_, err := NewQueue(adapter, QueueConfig{})
	assert.Error(t, err)
}

func TestQueue_DefaultsApplied(t *testing.T) {
	_, adapter := setupTestRedis(t)

	q, err := NewQueue(adapter, QueueConfig{Name: "defaults:lane"})
	require.NoError(t, err)
	defer q.Stop(time.Second)

	assert.Equal(t, 3, q.config.MaxRetries)
	assert.Equal(t, 30*time.Second, q.config.VisibilityTimeout)
	assert.Equal(t, int64(10), q.config.BatchSize)
	assert.NotEmpty(t, q.config.ConsumerName)
}

func TestQueue_ConcurrentPublish(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	q, err := NewQueue(adapter, laneConfig("test:concurrent:lane"))
	require.NoError(t, err)
	defer q.Stop(time.Second)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := int64(0); i < 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := q.PublishJSON(ctx, Envelope{MessageID: id, ConversationID: "c"}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalMessages, int64(10))
}

func TestQueue_Stop(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	defer mr.Close()

	q, err := NewQueue(adapter, laneConfig("test:stop:lane"))
	require.NoError(t, err)

	err = q.Consume(func(ctx context.Context, msg *Message) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	assert.NoError(t, q.Stop(2*time.Second))
}
