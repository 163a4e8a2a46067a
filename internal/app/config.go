package app

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	envPrefix = "GIFTSCHED"
)

// Config — настройки сервиса. Переменные окружения читаются с префиксом GIFTSCHED_.
type Config struct {
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Environment string `envconfig:"ENVIRONMENT" default:"dev"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`
	PostgresMaxConns    int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
	// SeedDemoData заполняет in-memory хранилище демо-отправителем, вендором и кодами.
	SeedDemoData bool `envconfig:"SEED_DEMO_DATA" default:"true"`

	// При пустом RedisAddr очередь живёт в памяти процесса.
	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	QueueName         string        `envconfig:"QUEUE_NAME" default:"gift-scheduling-mail-queue"`
	QueueMaxAttempts  int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueBackoff      time.Duration `envconfig:"QUEUE_BACKOFF" default:"30s"`
	QueuePollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueLease        time.Duration `envconfig:"QUEUE_LEASE" default:"2m"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s"`
	ReconcileLockTTL  time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"30s"`
	ViewsPageSize     int           `envconfig:"VIEWS_PAGE_SIZE" default:"500"`

	PaymentTimeout         time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"10s"`
	PaymentCurrency        string        `envconfig:"PAYMENT_CURRENCY" default:"usd"`
	PaymentBreakerFailures int           `envconfig:"PAYMENT_BREAKER_FAILURES" default:"5"`
	PaymentBreakerReset    time.Duration `envconfig:"PAYMENT_BREAKER_RESET" default:"30s"`
	// AllowMockIntegrations разрешает тестовый платёжный шлюз вместе с Postgres.
	AllowMockIntegrations bool `envconfig:"ALLOW_MOCK_INTEGRATIONS" default:"false"`

	CodeKey string `envconfig:"CODE_KEY"`

	KafkaBrokers           string `envconfig:"KAFKA_BROKERS"`
	KafkaNotificationTopic string `envconfig:"KAFKA_NOTIFICATION_TOPIC" default:"giftsched.notifications"`
	KafkaOutboxDLQTopic    string `envconfig:"KAFKA_OUTBOX_DLQ_TOPIC" default:"giftsched.dlq"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"5"`
	OutboxRetryDelay   time.Duration `envconfig:"OUTBOX_RETRY_DELAY" default:"1s"`

	IdempotencyTTL              time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	IdempotencyCleanupInterval  time.Duration `envconfig:"IDEMPOTENCY_CLEANUP_INTERVAL" default:"10m"`
	IdempotencyCleanupBatchSize int           `envconfig:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" default:"500"`

	ReservationTTL    time.Duration `envconfig:"RESERVATION_TTL" default:"15m"`
	JanitorInterval   time.Duration `envconfig:"JANITOR_INTERVAL" default:"1m"`
	LowStockThreshold int           `envconfig:"LOW_STOCK_THRESHOLD" default:"10"`

	TracingEnabled bool `envconfig:"TRACING_ENABLED" default:"false"`

	MailFrom     string `envconfig:"MAIL_FROM" default:"gifts@giftsched.local"`
	SMTPAddr     string `envconfig:"SMTP_ADDR"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
}

// DefaultConfig возвращает значения по умолчанию: память вместо Postgres и Redis, лог вместо SMTP и Kafka.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		LogLevel:                    "info",
		Environment:                 "dev",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            25,
		SeedDemoData:                true,
		QueueName:                   "gift-scheduling-mail-queue",
		QueueMaxAttempts:            3,
		QueueBackoff:                30 * time.Second,
		QueuePollInterval:           time.Second,
		QueueLease:                  2 * time.Minute,
		WorkerConcurrency:           4,
		ReconcileInterval:           30 * time.Second,
		ReconcileLockTTL:            30 * time.Second,
		ViewsPageSize:               500,
		PaymentTimeout:              10 * time.Second,
		PaymentCurrency:             "usd",
		PaymentBreakerFailures:      5,
		PaymentBreakerReset:         30 * time.Second,
		KafkaNotificationTopic:      "giftsched.notifications",
		KafkaOutboxDLQTopic:         "giftsched.dlq",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           5,
		OutboxRetryDelay:            time.Second,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		ReservationTTL:              15 * time.Minute,
		JanitorInterval:             time.Minute,
		LowStockThreshold:           10,
		MailFrom:                    "gifts@giftsched.local",
	}
}

// LoadConfig читает окружение и проверяет результат.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read config from env")
	}
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.PostgresDSN = strings.TrimSpace(cfg.PostgresDSN)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			add("POSTGRES_DSN is required for storage driver %q", c.StorageDriver)
		}
		if !c.AllowMockIntegrations {
			add("storage driver %q needs ALLOW_MOCK_INTEGRATIONS=true: only the mock payment gateway is available", c.StorageDriver)
		}
	default:
		add("unsupported storage driver %q", c.StorageDriver)
	}
	if c.CodeKey != "" {
		if key, err := hex.DecodeString(c.CodeKey); err != nil || len(key) != 32 {
			add("CODE_KEY must be 64 hex characters")
		}
	}
	if c.QueueMaxAttempts < 1 {
		add("QUEUE_MAX_ATTEMPTS must be >= 1")
	}
	if c.WorkerConcurrency < 1 {
		add("WORKER_CONCURRENCY must be >= 1")
	}
	if c.QueuePollInterval <= 0 || c.ReconcileInterval <= 0 || c.OutboxPollInterval <= 0 {
		add("poll intervals must be positive")
	}
	if c.PaymentTimeout <= 0 {
		add("PAYMENT_TIMEOUT must be positive")
	}
	if c.ViewsPageSize < 1 {
		add("VIEWS_PAGE_SIZE must be >= 1")
	}
	if c.LowStockThreshold < 0 {
		add("LOW_STOCK_THRESHOLD must be >= 0")
	}
	if c.IdempotencyTTL <= 0 {
		add("IDEMPOTENCY_TTL must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
}
