package push

import (
	"fmt"
	"time"

	"github.com/relaymesh/delivery-engine/pkg/redis"
)

// Presence tracks which devices currently hold a live realtime connection.
// Entries are heartbeat keys with a TTL; a device that stops refreshing
// simply falls out of the registry and its deliveries stay PENDING for
// pull-based sync.
type Presence struct {
	adapter redis.RedisAdapter
	ttl     time.Duration
}

func NewPresence(adapter redis.RedisAdapter, ttl time.Duration) *Presence {
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Presence{adapter: adapter, ttl: ttl}
}

func presenceKey(userID, deviceID string) string {
	return fmt.Sprintf("presence:%s:%s", userID, deviceID)
}

// MarkOnline refreshes the device's connection heartbeat.
func (p *Presence) MarkOnline(userID, deviceID string) error {
	return p.adapter.Set(presenceKey(userID, deviceID), []byte("1"), p.ttl)
}

// MarkOffline drops the device immediately instead of waiting for expiry.
func (p *Presence) MarkOffline(userID, deviceID string) error {
	return p.adapter.Del(presenceKey(userID, deviceID))
}

// IsOnline reports whether the device has a live connection. Registry
// errors count as offline: the record stays PENDING and syncs later, which
// is the safe degradation.
func (p *Presence) IsOnline(userID, deviceID string) bool {
	n, err := p.adapter.Exist(presenceKey(userID, deviceID))
	if err != nil {
		return false
	}
	return n > 0
}
