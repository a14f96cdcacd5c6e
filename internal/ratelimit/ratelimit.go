package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

// Action is the throttled operation class.
type Action string

const (
	ActionSendMessage        Action = "send_message"
	ActionCreateConversation Action = "create_conversation"
)

// Limit is the base budget for one action before risk adjustment.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RiskScorer is the external risk-scoring collaborator. The multiplier
// scales the base budget down for risky senders (0.25 at the highest tier,
// 1.0 at baseline).
type RiskScorer interface {
	RiskMultiplier(ctx context.Context, userID string) (float64, error)
}

// Decision is the admission outcome for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Config struct {
	Limits map[Action]Limit
	// RiskCacheTTL bounds how long a fetched multiplier is reused.
	RiskCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Limits: map[Action]Limit{
			ActionSendMessage:        {Requests: 60, Window: time.Minute},
			ActionCreateConversation: {Requests: 10, Window: time.Minute},
		},
		RiskCacheTTL: 30 * time.Second,
	}
}

// Limiter implements sliding-window admission per (user, action, window)
// key. Each counter lives under its own Redis key with an explicit TTL, so
// there is no shared mutable structure; the sliding window is approximated
// by weighting the previous fixed window against the current one.
type Limiter struct {
	adapter redis.RedisAdapter
	scorer  RiskScorer
	config  Config
	now     func() time.Time
}

func NewLimiter(adapter redis.RedisAdapter, scorer RiskScorer, config Config) *Limiter {
	if config.Limits == nil {
		config.Limits = DefaultConfig().Limits
	}
	if config.RiskCacheTTL == 0 {
		config.RiskCacheTTL = DefaultConfig().RiskCacheTTL
	}
	return &Limiter{
		adapter: adapter,
		scorer:  scorer,
		config:  config,
		now:     time.Now,
	}
}

// Allow admits or rejects one action. MAX-priority (safety) traffic is
// exempt from throttling entirely and never touches a counter.
func (l *Limiter) Allow(ctx context.Context, userID string, action Action, priority model.Priority) (*Decision, error) {
	if priority == model.PriorityMax {
		return &Decision{Allowed: true}, nil
	}

	limit, ok := l.config.Limits[action]
	if !ok {
		return &Decision{Allowed: true}, nil
	}

	effective := l.effectiveLimit(ctx, userID, limit.Requests)

	now := l.now()
	windowStart := now.Truncate(limit.Window)
	elapsed := now.Sub(windowStart)

	curKey := counterKey(userID, action, windowStart)
	prevKey := counterKey(userID, action, windowStart.Add(-limit.Window))

	prev := l.readCount(prevKey)

	// Weighted sliding window: the previous window contributes the share of
	// it still inside the sliding interval.
	prevWeight := 1.0 - float64(elapsed)/float64(limit.Window)
	weighted := float64(prev) * prevWeight

	if int(weighted) >= effective {
		return l.reject(effective, limit.Window-elapsed), nil
	}

	// Counters expire two windows after creation so the previous window
	// stays readable for the weighting.
	cur, err := l.adapter.IncrWithTTL(curKey, 2*limit.Window)
	if err != nil {
		// Admission control must not take the send path down with it.
		logger.Warn("rate limiter counter unavailable, admitting", "user_id", userID, "action", string(action), "error", err)
		return &Decision{Allowed: true, Limit: effective}, nil
	}

	total := int(weighted) + int(cur)
	if total > effective {
		return l.reject(effective, limit.Window-elapsed), nil
	}

	return &Decision{
		Allowed:   true,
		Limit:     effective,
		Remaining: effective - total,
	}, nil
}

func (l *Limiter) reject(limit int, retryAfter time.Duration) *Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return &Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		RetryAfter: retryAfter,
	}
}

// effectiveLimit applies the risk multiplier to the base budget. A scorer
// outage degrades to the base limit rather than rejecting traffic.
func (l *Limiter) effectiveLimit(ctx context.Context, userID string, base int) int {
	multiplier := 1.0

	cacheKey := "risk:multiplier:" + userID
	if cached, err := l.adapter.Get(cacheKey); err == nil && len(cached) > 0 {
		if v, perr := strconv.ParseFloat(string(cached), 64); perr == nil {
			multiplier = v
			return scaleLimit(base, multiplier)
		}
	}

	if l.scorer != nil {
		v, err := l.scorer.RiskMultiplier(ctx, userID)
		if err != nil {
			logger.Warn("risk scorer unavailable, using baseline multiplier", "user_id", userID, "error", err)
		} else {
			multiplier = v
			_ = l.adapter.Set(cacheKey, []byte(strconv.FormatFloat(v, 'f', -1, 64)), l.config.RiskCacheTTL)
		}
	}

	return scaleLimit(base, multiplier)
}

func scaleLimit(base int, multiplier float64) int {
	if multiplier <= 0 {
		return 0
	}
	if multiplier > 1 {
		multiplier = 1
	}
	scaled := int(float64(base) * multiplier)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func (l *Limiter) readCount(key string) int64 {
	b, err := l.adapter.Get(key)
	if err != nil || len(b) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func counterKey(userID string, action Action, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", action, userID, windowStart.Unix())
}
