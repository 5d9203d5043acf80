package app

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pharmaledger/internal/service/idempotency"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/outbox"
	redisstore "github.com/vladislavdragonenkov/pharmaledger/internal/storage/redis"
)

// backgroundWorkers — запущенные outbox и cleanup воркеры.
type backgroundWorkers struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startWorkers запускает фоновые воркеры. С Redis их выполняет только
// реплика, удерживающая leader lease.
func startWorkers(ctx context.Context, cfg Config, deps *runtimeDependencies, kafkaRt *kafkaRuntime, registerer prometheus.Registerer, logger *log.Entry) *backgroundWorkers {
	var jobs []func(context.Context)

	if kafkaRt != nil && deps.outboxRepo != nil {
		worker := outbox.NewWorker(deps.outboxRepo, kafkaRt.publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithMetrics(outbox.NewMetrics(registerer)),
			outbox.WithDLQPublisher(kafkaRt.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		jobs = append(jobs, worker.Run)
	} else {
		logger.Info("kafka is not configured, outbox events stay pending")
	}

	if deps.idempotencyRepo != nil {
		cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithMetrics(idempotency.NewCleanupMetrics(registerer)),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
			idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		)
		jobs = append(jobs, cleanup.Run)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w := &backgroundWorkers{cancel: cancel, done: make(chan struct{})}
	if len(jobs) == 0 {
		close(w.done)
		return w
	}

	runAll := func(ctx context.Context) {
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			go func(job func(context.Context)) {
				defer wg.Done()
				job(ctx)
			}(job)
		}
		wg.Wait()
	}

	go func() {
		defer close(w.done)
		if deps.redis == nil {
			runAll(workerCtx)
			return
		}
		lease := redisstore.NewLeaderLease(deps.redis,
			redisstore.WithLeaseTTL(cfg.LeaderLeaseTTL),
			redisstore.WithLeaseLogger(logger.WithField("component", "leader-lease")),
		)
		lease.Run(workerCtx, runAll)
	}()

	logger.WithField("jobs", len(jobs)).Info("background workers started")
	return w
}

// stop отменяет воркеры и ждёт их завершения не дольше timeout.
func (w *backgroundWorkers) stop(timeout time.Duration, logger *log.Entry) {
	if w == nil {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.done == nil {
		return
	}
	select {
	case <-w.done:
	case <-time.After(timeout):
		logger.Warn("background workers did not stop in time")
	}
}
