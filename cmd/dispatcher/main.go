package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/config"
	"github.com/relaymesh/delivery-engine/internal/dispatch"
	"github.com/relaymesh/delivery-engine/internal/push"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/internal/region"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/internal/retention"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/relaymesh/delivery-engine/pkg/pg"
	"github.com/relaymesh/delivery-engine/pkg/prom"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// endpointResolver narrows the region router to the push client's view of a
// region.
type endpointResolver struct {
	router *region.Router
}

func (r endpointResolver) Get(code string) (push.Endpoint, error) {
	return r.router.Get(code)
}

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	partitions := queue.NewPartitions(config.Get().QueueBaseName, config.Get().QueuePartitions)
	publisher, err := queue.NewPublisher(redisAdap, partitions, queue.QueueConfig{
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating publisher", "error", err)
		return
	}

	router, err := region.NewRouter(regionConfig())
	if err != nil {
		logger.Error("failed creating region router", "error", err)
		return
	}
	router.Start()
	defer router.Stop()

	messageRepo := repository.NewMessageRepository(db)
	recordRepo := repository.NewDeliveryRecordRepository(db)
	rerouteRepo := repository.NewRerouteRepository(db)

	emitter := audit.NewStreamEmitter(redisAdap, 0)
	presence := push.NewPresence(redisAdap, config.Get().PresenceTTL)
	pusher := push.NewClient(endpointResolver{router: router}, push.Config{})

	scheduler := dispatch.NewRetryScheduler(
		redisAdap,
		publisher.Publish,
		config.Get().RetrySchedulerInterval,
		config.Get().RetrySchedulerBatch,
	)

	processor := dispatch.NewDeliveryProcessor(
		messageRepo,
		recordRepo,
		presence,
		pusher,
		router,
		scheduler,
		emitter,
		dispatch.ProcessorConfig{
			MaxAttempts:      config.Get().DispatchMaxAttempts,
			MaxLaneAttempts:  config.Get().DispatchMaxLaneAttempts,
			BackoffBase:      config.Get().DispatchBackoffBase,
			BackoffCap:       config.Get().DispatchBackoffCap,
			EscalationWindow: config.Get().DispatchEscalationWindow,
		},
	)

	service, err := dispatch.NewDispatcherService(redisAdap, publisher, scheduler, config.Get().DispatchWorkers)
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return
	}
	service.RegisterProcessor(processor)

	reconciler := region.NewReconciler(
		router,
		rerouteRepo,
		messageRepo,
		publisher,
		emitter,
		config.Get().ReconcileInterval,
		config.Get().ReconcileBatch,
	)

	retentionJob := retention.NewJob(recordRepo, rerouteRepo, retention.Config{
		DeliveredRetention: config.Get().RetentionDelivered,
		FailureRetention:   config.Get().RetentionFailure,
		RerouteRetention:   config.Get().RetentionReroute,
		Interval:           config.Get().RetentionInterval,
		BatchSize:          config.Get().RetentionBatchSize,
	})

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start dispatcher", "error", err)
		}
	}()
	reconciler.Start()
	retentionJob.Start()

	select {
	case <-c:
		retentionJob.Stop()
		reconciler.Stop()
		service.Stop()
	}
}

func regionConfig() region.Config {
	var regions []region.RegionConfig
	for _, entry := range config.Get().ParseRegions() {
		regions = append(regions, region.RegionConfig{
			Code:          entry.Code,
			Endpoint:      entry.Endpoint,
			FailoverChain: entry.FailoverChain,
		})
	}
	return region.Config{
		Regions:       regions,
		HomeMap:       config.Get().ParseHomeMap(),
		ProbeInterval: config.Get().RegionProbeInterval,
		ProbeTimeout:  config.Get().RegionProbeTimeout,
		DownThreshold: config.Get().RegionDownThreshold,
		DownReopen:    config.Get().RegionDownReopen,
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
