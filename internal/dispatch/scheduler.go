package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

const retryScheduleKey = "delivery:retry:schedule"

// RetryScheduler holds failed deliveries in a Redis sorted set scored by
// their nextRetryAt and republishes them when due. Delayed execution
// through the sorted set replaces busy polling of the records table.
type RetryScheduler struct {
	adapter redis.RedisAdapter
	fire    func(ctx context.Context, env queue.Envelope) error

	interval time.Duration
	batch    int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRetryScheduler(adapter redis.RedisAdapter, fire func(ctx context.Context, env queue.Envelope) error, interval time.Duration, batch int64) *RetryScheduler {
	if interval == 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 200
	}
	return &RetryScheduler{
		adapter:  adapter,
		fire:     fire,
		interval: interval,
		batch:    batch,
		stopCh:   make(chan struct{}),
	}
}

// Schedule parks an envelope until `at`.
func (s *RetryScheduler) Schedule(env queue.Envelope, at time.Time) error {
	member, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.adapter.ZAdd(retryScheduleKey, float64(at.UnixMilli()), string(member))
}

func (s *RetryScheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.DrainDue(context.Background(), time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *RetryScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// DrainDue moves every entry due at or before `now` back onto its dispatch
// stream. Returns the number of envelopes fired.
func (s *RetryScheduler) DrainDue(ctx context.Context, now time.Time) int {
	members, err := s.adapter.ZRangeByScore(retryScheduleKey, "0", strconv.FormatInt(now.UnixMilli(), 10), s.batch)
	if err != nil {
		logger.Error("retry scheduler drain failed", "error", err)
		return 0
	}

	fired := 0
	for _, member := range members {
		var env queue.Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			logger.Warn("dropping malformed retry entry", "entry", member, "error", err)
			_ = s.adapter.ZRem(retryScheduleKey, member)
			continue
		}

		if err := s.fire(ctx, env); err != nil {
			// Leave the entry in place; the next tick retries the requeue.
			logger.Error("retry fire failed", "record_id", env.RecordID, "error", err)
			continue
		}

		_ = s.adapter.ZRem(retryScheduleKey, member)
		fired++
	}
	return fired
}

// PendingCount returns the number of scheduled retries.
func (s *RetryScheduler) PendingCount() int64 {
	n, err := s.adapter.ZCard(retryScheduleKey)
	if err != nil {
		return 0
	}
	return n
}
