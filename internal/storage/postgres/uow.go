package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// Do выполняет fn в одной транзакции READ COMMITTED. Advisory- и строковые
// блокировки, взятые через Tx, снимаются PostgreSQL при фиксации или откате.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: sqlTx, locked: make(map[int64]bool)}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(ctx, err))
	}
	return nil
}

// pgTx привязывает репозитории к открытой *sql.Tx.
type pgTx struct {
	tx     *sql.Tx
	locked map[int64]bool
}

// LockStock берёт pg_advisory_xact_lock по LockID каждого ключа в каноническом порядке.
func (t *pgTx) LockStock(ctx context.Context, keys ...domain.StockKey) error {
	for _, key := range domain.CanonicalLockOrder(keys) {
		id := key.LockID()
		if t.locked[id] {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
			return fmt.Errorf("lock stock %s: %w", key, classify(ctx, err))
		}
		t.locked[id] = true
	}
	return nil
}

func (t *pgTx) Movements() domain.MovementRepository { return &movementRepository{q: t.tx} }
func (t *pgTx) Orders() domain.OrderRepository       { return &orderRepository{q: t.tx} }
func (t *pgTx) Credits() domain.CreditRepository     { return &creditRepository{q: t.tx} }
func (t *pgTx) Audit() domain.AuditSink              { return &auditRepository{q: t.tx} }
func (t *pgTx) Outbox() domain.OutboxWriter          { return &outboxWriter{q: t.tx} }

// querier — общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLSTATE коды, которые ядро различает.
const (
	sqlStateUniqueViolation  = "23505"
	sqlStateRaiseException   = "P0001"
	sqlStateLockNotAvailable = "55P03"
	sqlStateQueryCanceled    = "57014"
	sqlStateDeadlockDetected = "40P01"
	sqlStateSerialization    = "40001"
)

// classify переводит ошибки драйвера в доменные классы там, где это возможно.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, ctxErr)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateLockNotAvailable, sqlStateQueryCanceled:
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
		case sqlStateDeadlockDetected, sqlStateSerialization:
			return fmt.Errorf("%w: %s", domain.ErrVersionConflict, pgErr.Message)
		case sqlStateRaiseException:
			// Единственный RAISE в схеме — триггер insert-only на stock_movements.
			return fmt.Errorf("%w: %s", domain.ErrImmutableRecord, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	return false
}

var (
	_ domain.UnitOfWork = (*Store)(nil)
	_ domain.Tx         = (*pgTx)(nil)
)
