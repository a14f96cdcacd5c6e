package config

import (
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/relaymesh/delivery-engine/pkg/logger"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values
// which are used in the delivery engine. Only this struct must be used
// to hold any configuration values, no direct access to
// env, ini or any other config source should be made
type Config struct {
	AppEnv   string `env:"APP_ENV" default:"dev"`
	AppName  string `env:"APP_NAME" default:"delivery_engine"`
	AppDebug bool   `env:"APP_DEBUG" default:"1"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	LogLevel []string `env:"LOG_LEVEL"`

	QueueBaseName          string        `env:"QUEUE_BASE_NAME" default:"delivery:queue"`
	QueuePartitions        int           `env:"QUEUE_PARTITIONS" default:"8"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"dispatchers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"1"`

	DispatchWorkers          int           `env:"DISPATCH_WORKERS" default:"100"`
	DispatchMaxAttempts      int           `env:"DISPATCH_MAX_ATTEMPTS" default:"5"`
	DispatchMaxLaneAttempts  int           `env:"DISPATCH_MAX_LANE_ATTEMPTS" default:"2"`
	DispatchBackoffBase      time.Duration `env:"DISPATCH_BACKOFF_BASE" default:"1s"`
	DispatchBackoffCap       time.Duration `env:"DISPATCH_BACKOFF_CAP" default:"5m"`
	DispatchEscalationWindow time.Duration `env:"DISPATCH_ESCALATION_WINDOW" default:"30s"`
	RetrySchedulerInterval   time.Duration `env:"RETRY_SCHEDULER_INTERVAL" default:"1s"`
	RetrySchedulerBatch      int64         `env:"RETRY_SCHEDULER_BATCH" default:"100"`

	RateLimitSendPerMinute         int           `env:"RATE_LIMIT_SEND_PER_MINUTE" default:"60"`
	RateLimitConversationPerMinute int           `env:"RATE_LIMIT_CONVERSATION_PER_MINUTE" default:"10"`
	RateLimitRiskCacheTTL          time.Duration `env:"RATE_LIMIT_RISK_CACHE_TTL" default:"30s"`

	IngressMinAgeYears int           `env:"INGRESS_MIN_AGE_YEARS" default:"13"`
	IngressDedupTTL    time.Duration `env:"INGRESS_DEDUP_TTL" default:"24h"`
	IngressCancelGrace time.Duration `env:"INGRESS_CANCEL_GRACE" default:"5s"`

	SyncPageSize    int           `env:"SYNC_PAGE_SIZE" default:"100"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL" default:"60s"`
	SignalTypingTTL time.Duration `env:"SIGNAL_TYPING_TTL" default:"10s"`
	SignalReadTTL   time.Duration `env:"SIGNAL_READ_TTL" default:"60s"`

	// REGIONS is semicolon-separated "code=endpoint|fallback1,fallback2"
	// entries; REGION_HOME_MAP is semicolon-separated "countryCode=regionCode".
	Regions             string        `env:"REGIONS"`
	RegionHomeMap       string        `env:"REGION_HOME_MAP"`
	RegionProbeInterval time.Duration `env:"REGION_PROBE_INTERVAL" default:"10s"`
	RegionProbeTimeout  time.Duration `env:"REGION_PROBE_TIMEOUT" default:"2s"`
	RegionDownThreshold int           `env:"REGION_DOWN_THRESHOLD" default:"3"`
	RegionDownReopen    time.Duration `env:"REGION_DOWN_REOPEN" default:"30s"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" default:"1m"`
	ReconcileBatch    int           `env:"RECONCILE_BATCH" default:"100"`

	RetentionDelivered time.Duration `env:"RETENTION_DELIVERED" default:"720h"`
	RetentionFailure   time.Duration `env:"RETENTION_FAILURE" default:"2160h"`
	RetentionReroute   time.Duration `env:"RETENTION_REROUTE" default:"168h"`
	RetentionInterval  time.Duration `env:"RETENTION_INTERVAL" default:"1h"`
	RetentionBatchSize int           `env:"RETENTION_BATCH_SIZE" default:"1000"`

	DirectoryServiceURL string `env:"DIRECTORY_SERVICE_URL"`
	SocialServiceURL    string `env:"SOCIAL_SERVICE_URL"`
	SafetyServiceURL    string `env:"SAFETY_SERVICE_URL"`
	BillingServiceURL   string `env:"BILLING_SERVICE_URL"`
	RiskServiceURL      string `env:"RISK_SERVICE_URL"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// RegionEntry is one parsed REGIONS element.
type RegionEntry struct {
	Code          string
	Endpoint      string
	FailoverChain []string
}

// ParseRegions parses the REGIONS value, e.g.
// "eu-west=http://eu.local|us-east;us-east=http://us.local|eu-west".
func (c *Config) ParseRegions() []RegionEntry {
	var entries []RegionEntry
	for _, raw := range strings.Split(c.Regions, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		code, rest, ok := strings.Cut(raw, "=")
		if !ok {
			logger.Warn("skipping malformed region entry", "entry", raw)
			continue
		}
		endpoint, chainRaw, _ := strings.Cut(rest, "|")
		var chain []string
		for _, fb := range strings.Split(chainRaw, ",") {
			if fb = strings.TrimSpace(fb); fb != "" {
				chain = append(chain, fb)
			}
		}
		entries = append(entries, RegionEntry{
			Code:          strings.TrimSpace(code),
			Endpoint:      strings.TrimSpace(endpoint),
			FailoverChain: chain,
		})
	}
	return entries
}

// ParseHomeMap parses REGION_HOME_MAP, e.g. "DE=eu-west;US=us-east".
func (c *Config) ParseHomeMap() map[string]string {
	m := make(map[string]string)
	for _, raw := range strings.Split(c.RegionHomeMap, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		country, region, ok := strings.Cut(raw, "=")
		if !ok {
			logger.Warn("skipping malformed home map entry", "entry", raw)
			continue
		}
		m[strings.TrimSpace(country)] = strings.TrimSpace(region)
	}
	return m
}
