package redis

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	log "github.com/sirupsen/logrus"
)

const (
	defaultLeaseTTL      = 15 * time.Second
	defaultLeaseRetry    = 5 * time.Second
	defaultLeaseKeyValue = "ledger:leader"
)

// LeaderLease держит распределённую аренду в Redis, чтобы фоновые воркеры
// (outbox, очистка idempotency) работали только на одной реплике.
type LeaderLease struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
	retry  time.Duration
	logger *log.Entry
}

// LeaseOption настраивает LeaderLease.
type LeaseOption func(*LeaderLease)

// WithLeaseKey задаёт ключ аренды.
func WithLeaseKey(key string) LeaseOption {
	return func(l *LeaderLease) {
		if key != "" {
			l.key = key
		}
	}
}

// WithLeaseTTL задаёт срок аренды; продление идёт каждые ttl/3.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(l *LeaderLease) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLeaseRetry задаёт паузу между попытками захвата.
func WithLeaseRetry(retry time.Duration) LeaseOption {
	return func(l *LeaderLease) {
		if retry > 0 {
			l.retry = retry
		}
	}
}

// WithLeaseLogger задаёт logger.
func WithLeaseLogger(logger *log.Entry) LeaseOption {
	return func(l *LeaderLease) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLeaderLease создаёт аренду поверх клиента Redis.
func NewLeaderLease(client *Client, opts ...LeaseOption) *LeaderLease {
	l := &LeaderLease{
		locker: client.locker,
		key:    defaultLeaseKeyValue,
		ttl:    defaultLeaseTTL,
		retry:  defaultLeaseRetry,
		logger: log.New().WithField("component", "leader-lease"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run блокируется до отмены ctx. Пока аренда удерживается, выполняет work с
// контекстом, который отменяется при потере аренды; затем снова пытается её взять.
func (l *LeaderLease) Run(ctx context.Context, work func(ctx context.Context)) {
	for {
		lock, err := l.locker.Obtain(ctx, l.key, l.ttl, nil)
		switch {
		case err == nil:
			l.logger.WithField("lease_key", l.key).Info("leader lease acquired")
			l.lead(ctx, lock, work)
		case errors.Is(err, redislock.ErrNotObtained):
			l.logger.WithField("lease_key", l.key).Debug("leader lease held by another replica")
		case ctx.Err() == nil:
			l.logger.WithError(err).Warn("leader lease obtain failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.retry):
		}
	}
}

func (l *LeaderLease) lead(ctx context.Context, lock *redislock.Lock, work func(ctx context.Context)) {
	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		work(workCtx)
	}()

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			cancel()
			l.release(lock)
			return
		case <-ctx.Done():
			cancel()
			<-done
			l.release(lock)
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				l.logger.WithError(err).Warn("leader lease lost")
				cancel()
				<-done
				return
			}
		}
	}
}

func (l *LeaderLease) release(lock *redislock.Lock) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		l.logger.WithError(err).Warn("leader lease release failed")
		return
	}
	l.logger.WithField("lease_key", l.key).Info("leader lease released")
}
