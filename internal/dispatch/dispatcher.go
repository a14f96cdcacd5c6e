package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/redis"
	"github.com/relaymesh/delivery-engine/pkg/worker"
)

const ProcessingTimeout = time.Second * 15
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// Processor handles one envelope pulled off a dispatch stream.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

// DispatcherService consumes every partition stream plus the MAX lane and
// feeds envelopes through a shared worker pool. One consumer per lane keeps
// per-conversation ordering; the pool spreads records across workers.
type DispatcherService struct {
	adapter   redis.RedisAdapter
	publisher *queue.Publisher
	queues    []*queue.Queue
	processor Processor
	scheduler *RetryScheduler
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewDispatcherService(adapter redis.RedisAdapter, publisher *queue.Publisher, scheduler *RetryScheduler, workers int) (*DispatcherService, error) {
	if workers <= 0 {
		workers = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	service := &DispatcherService{
		adapter:   adapter,
		publisher: publisher,
		queues:    make([]*queue.Queue, 0),
		scheduler: scheduler,
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(10_000, workers, nil),
	}
	return service, nil
}

func (s *DispatcherService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

func (s *DispatcherService) Start() error {
	logger.Info("Starting Dispatcher Service...")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	// One consumer per lane. The publisher already built one queue per
	// partition plus the MAX lane.
	for name, q := range s.publisher.Queues() {
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer for %s: %w", name, err)
		}
		s.queues = append(s.queues, q)
		logger.Info("Started consumer", "lane", name)
	}

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Dispatcher Service started", "consumers", len(s.queues))
	return nil
}

func (s *DispatcherService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *DispatcherService) reportMetrics() {
	stats := s.metrics.GetStats()

	logger.Info("Dispatcher metrics",
		"total_processed", stats["total_processed"],
		"total_failed", stats["total_failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
		"uptime_seconds", stats["uptime_seconds"])

	total, pending := s.publisher.Stats()
	logger.Info("Stream stats", "total", total, "pending", pending)

	if s.scheduler != nil {
		logger.Info("Retry schedule", "pending", s.scheduler.PendingCount())
	}
}

func (s *DispatcherService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *DispatcherService) performHealthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "queue", i, "error", err)
			continue
		}

		if stats.PendingMessages > 10000 {
			logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}

	logger.Info("HEALTH CHECK: OK - Service healthy")
}

// Stop gracefully stops the service.
func (s *DispatcherService) Stop() {
	logger.Info("Shutting down Dispatcher Service...")

	s.cancel()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))

	for i, q := range s.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.reportMetrics()

	logger.Info("Dispatcher Service stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler receives messages from a lane consumer and enqueues them to
// the worker pool, blocking until the pool reports a result so ack/nack
// semantics stay with the stream consumer.
func (s *DispatcherService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	job := &jobResult{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	}

	s.worker.Enqueue(job)

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *DispatcherService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	msg := jobRes.msg
	start := time.Now()
	var resultErr error

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	if s.processor == nil {
		logger.Info("No processor registered", "worker", workerIndex)
		s.metrics.RecordFailure()
		resultErr = nil // ACK, nothing will change on retry
	} else {
		if err := s.processor.Process(jobRes.ctx, msg); err != nil {
			s.metrics.RecordFailure()
			logger.Error("Failed to process envelope", "worker", workerIndex, "error", err)
			resultErr = err // NACK
		} else {
			s.metrics.RecordSuccess(time.Since(start))
			resultErr = nil // ACK
		}
	}

	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("Context cancelled while sending result, message handler timed out", "worker", workerIndex)
	}
}
