package retention

import (
	"context"
	"sync"
	"time"

	"github.com/relaymesh/delivery-engine/pkg/logger"
)

type RecordPurger interface {
	PurgeDelivered(ctx context.Context, before time.Time, batch int) (int64, error)
	PurgeTerminalFailures(ctx context.Context, before time.Time, batch int) (int64, error)
}

type ReroutePurger interface {
	PurgeReconciled(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// DeliveredRetention is how long DELIVERED records stay queryable for
	// late-syncing devices.
	DeliveredRetention time.Duration
	// FailureRetention is the longer window for FAILED and DROPPED records,
	// kept for audit.
	FailureRetention time.Duration
	// RerouteRetention bounds reconciled reroute events.
	RerouteRetention time.Duration

	Interval  time.Duration
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.DeliveredRetention == 0 {
		c.DeliveredRetention = 30 * 24 * time.Hour
	}
	if c.FailureRetention == 0 {
		c.FailureRetention = 90 * 24 * time.Hour
	}
	if c.RerouteRetention == 0 {
		c.RerouteRetention = 7 * 24 * time.Hour
	}
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
}

// Job removes expired rows in bounded batches off the hot path. Every pass
// is idempotent; a crashed pass just leaves work for the next tick. Redis
// dedup markers expire by TTL and need no sweeping here.
type Job struct {
	records  RecordPurger
	reroutes ReroutePurger
	config   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewJob(records RecordPurger, reroutes ReroutePurger, config Config) *Job {
	config.applyDefaults()
	return &Job{
		records:  records,
		reroutes: reroutes,
		config:   config,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (j *Job) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(j.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				j.RunOnce(context.Background())
			case <-j.stopCh:
				return
			}
		}
	}()
}

func (j *Job) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// RunOnce drains one batch per category and reports what it removed.
func (j *Job) RunOnce(ctx context.Context) {
	now := j.now()

	delivered, err := j.records.PurgeDelivered(ctx, now.Add(-j.config.DeliveredRetention), j.config.BatchSize)
	if err != nil {
		logger.Error("retention: purge delivered failed", "error", err)
	}

	failures, err := j.records.PurgeTerminalFailures(ctx, now.Add(-j.config.FailureRetention), j.config.BatchSize)
	if err != nil {
		logger.Error("retention: purge failures failed", "error", err)
	}

	reroutes, err := j.reroutes.PurgeReconciled(ctx, now.Add(-j.config.RerouteRetention))
	if err != nil {
		logger.Error("retention: purge reroutes failed", "error", err)
	}

	if delivered+failures+reroutes > 0 {
		logger.Info("retention pass complete",
			"delivered_purged", delivered,
			"failures_purged", failures,
			"reroutes_purged", reroutes)
	}
}
