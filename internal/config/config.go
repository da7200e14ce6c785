package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/pg"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every env driven setting of the pipeline binaries. Only this
// struct must be used to read configuration; no direct env access elsewhere.
type Config struct {
	AppEnv         string `env:"APP_ENV,default=dev"`
	AppName        string `env:"APP_NAME,default=campaign_pipeline"`
	AppDebug       bool   `env:"APP_DEBUG,default=false"`
	HttpListenAddr string `env:"HTTP_LISTEN_ADDR,default=:8080" validate:"required"`
	MetricsURI     string `env:"METRICS_URI,default=/metrics"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST" validate:"required"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER" validate:"required"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME" validate:"required"`
	PostgresMaxOpenConns  int    `env:"POSTGRES_MAX_OPEN_CONNS,default=20" validate:"gte=1"`
	MigrationsDir         string `env:"MIGRATIONS_DIR,default=migrations"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379" validate:"required"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE,default=campaign"`
	ServiceName   string `env:"SERVICE_NAME,default=campaign-pipeline"`
	TracingURL    string `env:"TRACING_URL"`

	QueueName              string        `env:"QUEUE_NAME,default=campaign:delivery"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=delivery-workers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2" validate:"gte=1"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=10" validate:"gte=1"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=60s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=200ms"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=50"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=1000000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	WorkerCount      int           `env:"WORKER_COUNT,default=32" validate:"gte=1"`
	WorkerBufferSize int           `env:"WORKER_BUFFER_SIZE,default=256" validate:"gte=1"`
	JobLockTTL       time.Duration `env:"JOB_LOCK_TTL,default=2m"`
	JobTimeout       time.Duration `env:"JOB_TIMEOUT,default=30s"`

	DispatchMode      string `env:"DISPATCH_MODE,default=async" validate:"oneof=async sync"`
	DispatchBatchSize int    `env:"DISPATCH_BATCH_SIZE,default=50" validate:"gte=1"`
	EnqueueChunkSize  int    `env:"ENQUEUE_CHUNK_SIZE,default=500" validate:"gte=1"`
	SyncMaxAttempts   int    `env:"SYNC_MAX_ATTEMPTS,default=1" validate:"gte=1"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3" validate:"gte=1"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=2s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY,default=5m"`
	TenantPolicyPath string        `env:"TENANT_POLICY_PATH"`

	EventsBackend    string `env:"EVENTS_BACKEND,default=log" validate:"oneof=log rabbitmq gcp-pubsub redis"`
	EventsAMQPURL    string `env:"EVENTS_AMQP_URL" validate:"required_if=EventsBackend rabbitmq"`
	EventsExchange   string `env:"EVENTS_EXCHANGE,default=campaign.events"`
	EventsProjectID  string `env:"EVENTS_PROJECT_ID" validate:"required_if=EventsBackend gcp-pubsub"`
	EventsStreamName string `env:"EVENTS_STREAM,default=campaign:events"`

	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`
	ProviderEmailUrl     string        `env:"PROVIDER_EMAIL_URL"`
	ProviderWhatsAppUrl  string        `env:"PROVIDER_WHATSAPP_URL"`
	ProviderPushUrl      string        `env:"PROVIDER_PUSH_URL"`
	ProviderPrimaryUrl   string        `env:"PROVIDER_PRIMARY_URL"`
	ProviderSecondaryUrl string        `env:"PROVIDER_SECONDARY_URL"`
	ProviderBackupUrl    string        `env:"PROVIDER_BACKUP_URL"`
	ProviderAPIKey       string        `env:"PROVIDER_API_KEY"`

	// calling code prefixed to phone numbers stored without one, e.g. "1" or "44"
	DefaultCountryCode string `env:"DEFAULT_COUNTRY_CODE" validate:"omitempty,numeric,max=3"`

	RateLimitEmail    int `env:"RATE_LIMIT_EMAIL,default=100"`
	RateLimitSMS      int `env:"RATE_LIMIT_SMS,default=50"`
	RateLimitWhatsApp int `env:"RATE_LIMIT_WHATSAPP,default=50"`
	RateLimitPush     int `env:"RATE_LIMIT_PUSH,default=200"`

	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE,default=@every 1m"`
	ReconcileStaleAge time.Duration `env:"RECONCILE_STALE_AGE,default=10m"`
	ReconcileBatch    int           `env:"RECONCILE_BATCH,default=500"`
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		Host:         c.PostgresWriteHost,
		Port:         c.PostgresWritePort,
		User:         c.PostgresWriteUser,
		Password:     c.PostgresWritePassword,
		Database:     c.PostgresWriteDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

// PostgresRead falls back to the write settings when no replica is configured.
func (c *Config) PostgresRead() pg.Config {
	if c.PostgresReadHost == "" {
		return c.PostgresWrite()
	}
	return pg.Config{
		Host:         c.PostgresReadHost,
		Port:         c.PostgresReadPort,
		User:         c.PostgresReadUser,
		Password:     c.PostgresReadPassword,
		Database:     c.PostgresReadDatabase,
		MaxOpenConns: c.PostgresMaxOpenConns,
	}
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c, err := Parse(path)
	if err != nil {
		return err
	}
	config = c
	return nil
}

// Parse reads an optional .env file and the process environment into a
// validated Config without touching the global instance.
func Parse(path string) (*Config, error) {
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	if err = c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return c, nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
