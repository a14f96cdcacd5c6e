package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

// Bus stores ephemeral conversation signals in Redis with short TTLs.
// Everything here is best effort: a failed publish is dropped silently,
// nothing is ever queued, retried or written to Postgres.
type Bus struct {
	adapter redis.RedisAdapter

	typingTTL time.Duration
	readTTL   time.Duration

	now func() time.Time
}

type Config struct {
	TypingTTL time.Duration
	ReadTTL   time.Duration
}

func NewBus(adapter redis.RedisAdapter, config Config) *Bus {
	if config.TypingTTL == 0 {
		config.TypingTTL = 10 * time.Second
	}
	if config.ReadTTL == 0 {
		config.ReadTTL = 60 * time.Second
	}
	return &Bus{
		adapter:   adapter,
		typingTTL: config.TypingTTL,
		readTTL:   config.ReadTTL,
		now:       time.Now,
	}
}

func typingKey(conversationID string) string {
	return "signal:typing:" + conversationID
}

func readKey(conversationID, userID string) string {
	return fmt.Sprintf("signal:read:%s:%s", conversationID, userID)
}

// PublishTyping marks the user as typing in the conversation. Entries live
// in a per-conversation sorted set scored by their expiry, so listing and
// expiry are both single sorted-set calls with no key scans.
func (b *Bus) PublishTyping(ctx context.Context, conversationID, userID string) {
	expiry := b.now().Add(b.typingTTL)
	if err := b.adapter.ZAdd(typingKey(conversationID), float64(expiry.UnixMilli()), userID); err != nil {
		logger.Debug("typing signal dropped", "conversation_id", conversationID, "error", err)
		return
	}
	// Keep the whole set from outliving its members.
	_ = b.adapter.Expire(typingKey(conversationID), b.typingTTL+time.Second)
}

// Typing returns the users currently typing in the conversation, pruning
// expired entries as a side effect.
func (b *Bus) Typing(ctx context.Context, conversationID string) []string {
	key := typingKey(conversationID)
	nowMilli := strconv.FormatInt(b.now().UnixMilli(), 10)

	if err := b.adapter.ZRemRangeByScore(key, "0", nowMilli); err != nil {
		return nil
	}
	users, err := b.adapter.ZRangeByScore(key, nowMilli, "+inf", 0)
	if err != nil {
		return nil
	}
	return users
}

// PublishRead records a read receipt up to a message ID.
func (b *Bus) PublishRead(ctx context.Context, conversationID, userID string, upToMessageID int64) {
	sig := model.EphemeralSignal{
		ConversationID: conversationID,
		UserID:         userID,
		Kind:           model.SignalReadReceipt,
		UpToMessageID:  upToMessageID,
		At:             b.now(),
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := b.adapter.Set(readKey(conversationID, userID), data, b.readTTL); err != nil {
		logger.Debug("read receipt dropped", "conversation_id", conversationID, "error", err)
	}
}

// ReadReceipt returns the user's current receipt for the conversation, or
// nil once the TTL has expired.
func (b *Bus) ReadReceipt(ctx context.Context, conversationID, userID string) *model.EphemeralSignal {
	data, err := b.adapter.Get(readKey(conversationID, userID))
	if err != nil || len(data) == 0 {
		return nil
	}
	var sig model.EphemeralSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil
	}
	return &sig
}
