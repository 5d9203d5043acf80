package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

type auditRepository struct {
	q querier
}

// Log пишет запись аудита в текущей транзакции.
func (r *auditRepository) Log(ctx context.Context, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	oldValues, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("marshal audit old values: %w", err)
	}
	newValues, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("marshal audit new values: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, model, object_id, old_values, new_values, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.Action, entry.Model, entry.ObjectID, oldValues, newValues, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", classify(ctx, err))
	}
	return nil
}

// ListByObject возвращает записи аудита объекта в хронологическом порядке.
func (s *Store) ListByObject(ctx context.Context, model, objectID string) ([]domain.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, model, object_id, old_values, new_values, occurred_at
		FROM audit_log
		WHERE model = $1 AND object_id = $2
		ORDER BY occurred_at ASC, id ASC
	`, model, objectID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry          domain.AuditEntry
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(
			&entry.ID, &entry.ActorID, &entry.Action, &entry.Model, &entry.ObjectID,
			&oldRaw, &newRaw, &entry.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if entry.OldValues, err = unmarshalValues(oldRaw); err != nil {
			return nil, fmt.Errorf("decode audit old values: %w", err)
		}
		if entry.NewValues, err = unmarshalValues(newRaw); err != nil {
			return nil, fmt.Errorf("decode audit new values: %w", err)
		}
		entry.OccurredAt = entry.OccurredAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return result, nil
}

func marshalValues(values map[string]any) (any, error) {
	if values == nil {
		return nil, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalValues(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	values := make(map[string]any)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

var (
	_ domain.AuditSink   = (*auditRepository)(nil)
	_ domain.AuditReader = (*Store)(nil)
)
