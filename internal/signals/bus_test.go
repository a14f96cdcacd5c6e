package signals

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaymesh/delivery-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return NewBus(adapter, Config{TypingTTL: 10 * time.Second, ReadTTL: 60 * time.Second}), mr
}

func TestTypingSignalVisibleUntilTTL(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	bus.PublishTyping(ctx, "conv-1", "alice")
	bus.PublishTyping(ctx, "conv-1", "bob")
	bus.PublishTyping(ctx, "conv-2", "carol")

	typing := bus.Typing(ctx, "conv-1")
	assert.ElementsMatch(t, []string{"alice", "bob"}, typing)
	assert.Equal(t, []string{"carol"}, bus.Typing(ctx, "conv-2"))
}

func TestTypingSignalExpires(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	base := time.Now()
	bus.now = func() time.Time { return base }
	bus.PublishTyping(ctx, "conv-1", "alice")

	bus.now = func() time.Time { return base.Add(5 * time.Second) }
	assert.Equal(t, []string{"alice"}, bus.Typing(ctx, "conv-1"), "signal alive within TTL")

	bus.now = func() time.Time { return base.Add(11 * time.Second) }
	assert.Empty(t, bus.Typing(ctx, "conv-1"), "signal gone after TTL")
}

func TestTypingRefreshExtendsTTL(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	base := time.Now()
	bus.now = func() time.Time { return base }
	bus.PublishTyping(ctx, "conv-1", "alice")

	bus.now = func() time.Time { return base.Add(8 * time.Second) }
	bus.PublishTyping(ctx, "conv-1", "alice")

	bus.now = func() time.Time { return base.Add(15 * time.Second) }
	assert.Equal(t, []string{"alice"}, bus.Typing(ctx, "conv-1"), "refresh restarts the clock")
}

func TestReadReceiptRoundTrip(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	bus.PublishRead(ctx, "conv-1", "bob", 42)

	sig := bus.ReadReceipt(ctx, "conv-1", "bob")
	require.NotNil(t, sig)
	assert.Equal(t, int64(42), sig.UpToMessageID)
	assert.Equal(t, "bob", sig.UserID)

	assert.Nil(t, bus.ReadReceipt(ctx, "conv-1", "ghost"))
}

func TestReadReceiptExpires(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()

	bus.PublishRead(ctx, "conv-1", "bob", 42)
	mr.FastForward(61 * time.Second)

	assert.Nil(t, bus.ReadReceipt(ctx, "conv-1", "bob"), "receipt is gone after its TTL")
}
