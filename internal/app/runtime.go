package app

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/giftsched/internal/health"
	"github.com/vladislavdragonenkov/giftsched/internal/queue/memq"
	"github.com/vladislavdragonenkov/giftsched/internal/queue/redisq"
	"github.com/vladislavdragonenkov/giftsched/internal/service/codes"
	"github.com/vladislavdragonenkov/giftsched/internal/service/inventory"
	"github.com/vladislavdragonenkov/giftsched/internal/service/mail"
	"github.com/vladislavdragonenkov/giftsched/internal/service/reconcile"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/memory"
	"github.com/vladislavdragonenkov/giftsched/internal/storage/postgres"
)

const (
	pingTimeout = 5 * time.Second

	demoSenderID = "demo-sender"
	demoVendorID = "amazon"
)

type runtimeDependencies struct {
	uow             domain.UnitOfWork
	wallet          domain.Wallet
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	// memoryStore заполнен только для драйвера memory.
	memoryStore    *memory.Store
	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает хранилище по StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			uow:             store,
			wallet:          store,
			outboxRepo:      memory.NewOutboxRepository(store),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			memoryStore:     store,
		}, nil
	case StorageDriverPostgres:
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return nil, errors.New("POSTGRES_DSN is required for postgres storage driver")
		}
		store, err := postgres.OpenWithPool(ctx, dsn, postgres.PoolConfig{MaxOpenConns: cfg.PostgresMaxConns})
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		registerPoolStats(store, logger)
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, errors.Wrap(err, "apply postgres migrations")
			}
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			uow:             postgres.NewUnitOfWork(store, logger.WithField("component", "postgres")),
			wallet:          postgres.NewWallet(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewPingChecker("postgres", store.Ping),
			closeFn:         store.Close,
		}, nil
	default:
		return nil, errors.Newf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// registerPoolStats публикует метрики пула. Повторный запуск в том же процессе
// оставляет первый коллектор.
func registerPoolStats(store *postgres.Store, logger *log.Entry) {
	err := prometheus.Register(store.StatsCollector("giftsched"))
	var already prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &already) {
		logger.WithError(err).Warn("postgres pool metrics are not registered")
	}
}

type queueDependencies struct {
	queue   domain.DelayQueue
	locker  reconcile.Locker
	checker healthcheck.Checker
	closeFn func() error
}

// initQueue выбирает Redis, если задан REDIS_ADDR, иначе очередь в памяти.
func initQueue(ctx context.Context, cfg Config, logger *log.Entry) (*queueDependencies, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logger.Warn("REDIS_ADDR is empty, delivery queue lives in process memory")
		return &queueDependencies{
			queue:  memq.New(cfg.QueueLease, cfg.QueueBackoff),
			locker: reconcile.NewLocalLocker(),
		}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.RedisAddr)
	}

	queue, err := redisq.New(client,
		redisq.WithPrefix(cfg.QueueName),
		redisq.WithLease(cfg.QueueLease),
		redisq.WithBackoff(cfg.QueueBackoff),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.WithField("addr", cfg.RedisAddr).WithField("queue", cfg.QueueName).Info("redis delivery queue initialized")

	return &queueDependencies{
		queue:  queue,
		locker: reconcile.NewRedisLocker(client, cfg.ReconcileLockTTL),
		checker: healthcheck.NewPingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}),
		closeFn: client.Close,
	}, nil
}

// initCipher берёт ключ из CODE_KEY. Без ключа генерируется временный: коды,
// зашифрованные им, не переживут перезапуск.
func initCipher(cfg Config, logger *log.Entry) (*codes.Cipher, error) {
	key := cfg.CodeKey
	if key == "" {
		generated, err := codes.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
		logger.Warn("CODE_KEY is empty, using an ephemeral key")
	}
	return codes.NewCipher(key)
}

func initMailer(cfg Config, logger *log.Entry) (domain.Mailer, error) {
	if strings.TrimSpace(cfg.SMTPAddr) == "" {
		return mail.NewLogMailer(logger.WithField("component", "mailer")), nil
	}
	mailer, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Addr:     cfg.SMTPAddr,
		From:     cfg.MailFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Timeout:  30 * time.Second,
	}, logger.WithField("component", "mailer"))
	if err != nil {
		return nil, errors.Wrap(err, "init smtp mailer")
	}
	return mailer, nil
}

// seedDemoData добавляет отправителя с картой, вендора и несколько кодов для локального запуска.
func seedDemoData(ctx context.Context, store *memory.Store, intake *inventory.Intake, logger *log.Entry) error {
	store.AddSender(domain.Sender{ID: demoSenderID, Name: "Demo Sender", Email: "sender@giftsched.local"})
	store.AddVendor(domain.Vendor{ID: demoVendorID, Name: "Amazon"})
	store.SetPaymentMethod(demoSenderID, "pm_card_visa")

	added := 0
	for _, face := range []int64{25, 50, 100} {
		value := decimal.NewFromInt(face)
		for range 5 {
			_, err := intake.Add(ctx, domain.IntakeRequest{
				VendorID:     demoVendorID,
				FaceValue:    value,
				SellingPrice: value.Mul(decimal.RequireFromString("0.95")),
				Code:         "DEMO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16],
				ActorID:      "seed",
			})
			if err != nil {
				return errors.Wrap(err, "seed inventory")
			}
			added++
		}
	}
	logger.WithFields(log.Fields{"sender_id": demoSenderID, "vendor_id": demoVendorID, "units": added}).Info("demo data seeded")
	return nil
}
