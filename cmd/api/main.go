package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaymesh/delivery-engine/internal/audit"
	"github.com/relaymesh/delivery-engine/internal/config"
	"github.com/relaymesh/delivery-engine/internal/handlers"
	"github.com/relaymesh/delivery-engine/internal/ingress"
	"github.com/relaymesh/delivery-engine/internal/push"
	"github.com/relaymesh/delivery-engine/internal/queue"
	"github.com/relaymesh/delivery-engine/internal/ratelimit"
	"github.com/relaymesh/delivery-engine/internal/region"
	"github.com/relaymesh/delivery-engine/internal/repository"
	"github.com/relaymesh/delivery-engine/internal/signals"
	"github.com/relaymesh/delivery-engine/internal/syncsvc"
	xhttp "github.com/relaymesh/delivery-engine/pkg/http"
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

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	var scorer ratelimit.RiskScorer
	if config.Get().RiskServiceURL != "" {
		scorer = ratelimit.NewHTTPRiskScorer(config.Get().RiskServiceURL, 0)
	}
	limiter := ratelimit.NewLimiter(redisAdap, scorer, ratelimit.Config{
		Limits: map[ratelimit.Action]ratelimit.Limit{
			ratelimit.ActionSendMessage:        {Requests: config.Get().RateLimitSendPerMinute, Window: time.Minute},
			ratelimit.ActionCreateConversation: {Requests: config.Get().RateLimitConversationPerMinute, Window: time.Minute},
		},
		RiskCacheTTL: config.Get().RateLimitRiskCacheTTL,
	})

	collaborators := ingress.NewHTTPCollaborators(
		config.Get().DirectoryServiceURL,
		config.Get().SocialServiceURL,
		config.Get().SafetyServiceURL,
		config.Get().BillingServiceURL,
		0,
	)
	emitter := audit.NewStreamEmitter(redisAdap, 0)

	messageRepo := repository.NewMessageRepository(db)
	recordRepo := repository.NewDeliveryRecordRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	rerouteRepo := repository.NewRerouteRepository(db)

	// services
	ingressService := ingress.NewService(
		messageRepo,
		recordRepo,
		deviceRepo,
		rerouteRepo,
		publisher,
		limiter,
		router,
		redisAdap,
		collaborators,
		collaborators,
		collaborators,
		collaborators,
		emitter,
		ingress.Config{
			MinAgeYears: config.Get().IngressMinAgeYears,
			DedupTTL:    config.Get().IngressDedupTTL,
			CancelGrace: config.Get().IngressCancelGrace,
		},
	)
	syncService := syncsvc.NewService(recordRepo, deviceRepo, syncsvc.Config{
		PageSize: config.Get().SyncPageSize,
	})
	signalBus := signals.NewBus(redisAdap, signals.Config{
		TypingTTL: config.Get().SignalTypingTTL,
		ReadTTL:   config.Get().SignalReadTTL,
	})
	presence := push.NewPresence(redisAdap, config.Get().PresenceTTL)

	// v1 handlers
	messageHandler := handlers.NewMessageHandler(ingressService, messageRepo)
	syncHandler := handlers.NewSyncHandler(syncService)
	signalHandler := handlers.NewSignalHandler(signalBus)
	presenceHandler := handlers.NewPresenceHandler(presence)
	regionHandler := handlers.NewRegionHandler(router)
	healthHandler := handlers.NewHealthHandler(nil)

	g := s.Router.Group("/api/v1")
	handlers.RegisterMessageRoutes(g, messageHandler)
	handlers.RegisterSyncRoutes(g, syncHandler)
	handlers.RegisterSignalRoutes(g, signalHandler)
	handlers.RegisterPresenceRoutes(g, presenceHandler)
	handlers.RegisterRegionRoutes(g, regionHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

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
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
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
