package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

const movementColumns = `id, holder_kind, holder_id, batch_id, kind, quantity,
	reference_type, reference_id, created_by, created_at`

// inboundKinds — виды движений, увеличивающие остаток; передаются в SUM как text[].
var inboundKinds = func() []string {
	kinds := make([]string, 0, len(domain.MovementKinds))
	for _, k := range domain.MovementKinds {
		if k.IsInbound() {
			kinds = append(kinds, string(k))
		}
	}
	return kinds
}()

type movementRepository struct {
	q querier
}

func (r *movementRepository) Append(ctx context.Context, m domain.Movement) (domain.Movement, error) {
	if err := m.Validate(); err != nil {
		return domain.Movement{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO stock_movements (`+movementColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		m.ID, string(m.Holder.Kind), m.Holder.ID, m.BatchID, string(m.Kind), m.Quantity,
		m.Reference.Type, m.Reference.ID, m.CreatedBy, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Movement{}, fmt.Errorf("movement %s: %w", m.ID, domain.ErrImmutableRecord)
		}
		return domain.Movement{}, fmt.Errorf("insert movement: %w", classify(ctx, err))
	}
	return m, nil
}

func (r *movementRepository) Get(ctx context.Context, id string) (domain.Movement, error) {
	m, err := scanMovement(r.q.QueryRowContext(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Movement{}, domain.ErrMovementNotFound
		}
		return domain.Movement{}, fmt.Errorf("select movement: %w", err)
	}
	return m, nil
}

// Balance считает остаток агрегатом по истории ключа; кэша нет.
func (r *movementRepository) Balance(ctx context.Context, key domain.StockKey) (int64, error) {
	var balance int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = ANY($4) THEN quantity ELSE -quantity END), 0)
		FROM stock_movements
		WHERE holder_kind = $1 AND holder_id = $2 AND batch_id = $3
	`, string(key.Holder.Kind), key.Holder.ID, key.BatchID, inboundKinds).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("aggregate balance %s: %w", key, classify(ctx, err))
	}
	return balance, nil
}

func (r *movementRepository) List(ctx context.Context, key domain.StockKey, limit int) ([]domain.Movement, error) {
	query := `
		SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE holder_kind = $1 AND holder_id = $2 AND batch_id = $3
		ORDER BY created_at DESC, id DESC
	`
	args := []any{string(key.Holder.Kind), key.Holder.ID, key.BatchID}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Movement, 0)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan movement row: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate movement rows: %w", err)
	}
	return result, nil
}

// Update всегда отказывает; таблица к тому же защищена триггером.
func (r *movementRepository) Update(_ context.Context, m domain.Movement) error {
	return fmt.Errorf("update movement %s: %w", m.ID, domain.ErrImmutableRecord)
}

// Delete всегда отказывает; таблица к тому же защищена триггером.
func (r *movementRepository) Delete(_ context.Context, id string) error {
	return fmt.Errorf("delete movement %s: %w", id, domain.ErrImmutableRecord)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovement(row rowScanner) (domain.Movement, error) {
	var (
		m          domain.Movement
		holderKind string
		kind       string
	)
	if err := row.Scan(
		&m.ID, &holderKind, &m.Holder.ID, &m.BatchID, &kind, &m.Quantity,
		&m.Reference.Type, &m.Reference.ID, &m.CreatedBy, &m.CreatedAt,
	); err != nil {
		return domain.Movement{}, err
	}
	m.Holder.Kind = domain.HolderKind(holderKind)
	m.Kind = domain.MovementKind(kind)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

var _ domain.MovementRepository = (*movementRepository)(nil)
