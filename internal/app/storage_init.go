package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/pharmaledger/internal/health"
	"github.com/vladislavdragonenkov/pharmaledger/internal/storage/memory"
	"github.com/vladislavdragonenkov/pharmaledger/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/pharmaledger/internal/storage/redis"
)

// runtimeDependencies — хранилище и реестры, собранные под выбранный драйвер.
type runtimeDependencies struct {
	uow             domain.UnitOfWork
	audit           domain.AuditReader
	lots            domain.LotRegistry
	pharmacies      domain.PharmacyRegistry
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker
	redis          *redisstore.Client

	closers []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close runtime dependency")
		}
	}
	d.closers = nil
}

// initRuntimeDependencies открывает бэкенд хранения и, если задан адрес, Redis.
// Недоступный Redis не останавливает запуск: ключи идемпотентности остаются в бэкенде.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	var (
		deps *runtimeDependencies
		err  error
	)
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps, err = initMemoryStorage(cfg, logger)
	case StorageDriverPostgres:
		deps, err = initPostgresStorage(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.TxTimeout > 0 {
		deps.uow = timeoutUnitOfWork{next: deps.uow, timeout: cfg.TxTimeout}
	}

	if cfg.RedisAddr != "" {
		client, redisErr := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if redisErr != nil {
			logger.WithError(redisErr).WithField("addr", cfg.RedisAddr).
				Warn("redis is unavailable, idempotency keys stay in the storage backend")
		} else {
			deps.redis = client
			deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client)
			deps.redisChecker = healthcheck.NewOptionalChecker("redis", client.Ping)
			deps.closers = append(deps.closers, client.Close)
			logger.WithField("addr", cfg.RedisAddr).Info("redis idempotency store enabled")
		}
	}

	return deps, nil
}

func initMemoryStorage(cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	store := memory.NewStore()
	registry := memory.NewRegistry()

	if cfg.RegistryFixture != "" {
		lots, pharmacies, err := loadRegistryFixture(cfg.RegistryFixture, registry)
		if err != nil {
			return nil, err
		}
		logger.WithFields(log.Fields{
			"fixture":    cfg.RegistryFixture,
			"lots":       lots,
			"pharmacies": pharmacies,
		}).Info("registry fixture loaded")
	}

	return &runtimeDependencies{
		uow:             store,
		audit:           store,
		lots:            registry,
		pharmacies:      registry,
		outboxRepo:      store.Outbox(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		storageChecker: healthcheck.NewPingChecker("storage", func(context.Context) error {
			return nil
		}),
	}, nil
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres storage requires LEDGER_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN,
		postgres.WithLogger(logger.WithField("component", "postgres-store")),
		postgres.WithPool(cfg.PostgresMaxOpenConns, 0),
	)
	if err != nil {
		return nil, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	registry := postgres.NewRegistry(store)
	return &runtimeDependencies{
		uow:             store,
		audit:           store,
		lots:            registry,
		pharmacies:      registry,
		outboxRepo:      postgres.NewOutboxRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.NewPingChecker("storage", store.Ping),
		closers:         []func() error{store.Close},
	}, nil
}

// timeoutUnitOfWork ограничивает длительность каждой транзакции, включая ожидание блокировок.
type timeoutUnitOfWork struct {
	next    domain.UnitOfWork
	timeout time.Duration
}

func (u timeoutUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	return u.next.Do(ctx, fn)
}

var _ domain.UnitOfWork = timeoutUnitOfWork{}
