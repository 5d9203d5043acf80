package grpcsvc

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/storage/memory"
)

func incomingKey(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(IdempotencyKeyHeader, key))
}

// failOnce отдаёт firstErr на первом вызове и успешный ответ на последующих.
func failOnce(firstErr error) (func(context.Context) (*structpb.Struct, error), *int) {
	calls := 0
	return func(context.Context) (*structpb.Struct, error) {
		calls++
		if calls == 1 {
			return nil, firstErr
		}
		return structpb.NewStruct(map[string]any{"status": "SHIPPED"})
	}, &calls
}

func TestWithIdempotency_TransientFailureReleasesKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"version conflict", toStatusError(fmt.Errorf("order o-1: %w", domain.ErrVersionConflict))},
		{"lock timeout", toStatusError(fmt.Errorf("stock key: %w", domain.ErrLockTimeout))},
		{"deadline", toStatusError(context.DeadlineExceeded)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := memory.NewIdempotencyRepository()
			svc := NewLedgerService(nil, nil, nil, nil, repo, nil)
			req, err := structpb.NewStruct(map[string]any{"order_id": "o-1"})
			require.NoError(t, err)
			handler, calls := failOnce(tc.err)

			_, err = svc.withIdempotency(incomingKey("ship-o-1"), MethodShipOrder, req, handler)
			require.Error(t, err)
			_, err = repo.Get("ship-o-1")
			require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

			resp, err := svc.withIdempotency(incomingKey("ship-o-1"), MethodShipOrder, req, handler)
			require.NoError(t, err)
			require.Equal(t, "SHIPPED", resp.GetFields()["status"].GetStringValue())
			require.Equal(t, 2, *calls)

			record, err := repo.Get("ship-o-1")
			require.NoError(t, err)
			require.Equal(t, domain.IdempotencyStatusDone, record.Status)
		})
	}
}

func TestWithIdempotency_BusinessFailureIsReplayed(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	svc := NewLedgerService(nil, nil, nil, nil, repo, nil)
	req, err := structpb.NewStruct(map[string]any{"order_id": "o-2"})
	require.NoError(t, err)
	handler, calls := failOnce(toStatusError(fmt.Errorf("%w: SHIPPED -> DRAFT", domain.ErrInvalidStateTransition)))

	_, err = svc.withIdempotency(incomingKey("ship-o-2"), MethodShipOrder, req, handler)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = svc.withIdempotency(incomingKey("ship-o-2"), MethodShipOrder, req, handler)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Equal(t, "INVALID_STATE_TRANSITION", ReasonFromError(err))
	require.Equal(t, 1, *calls)
}

func TestIsTransientFailure(t *testing.T) {
	require.True(t, isTransientFailure(toStatusError(domain.ErrVersionConflict)))
	require.True(t, isTransientFailure(status.Error(codes.Unavailable, "storage down")))
	require.False(t, isTransientFailure(toStatusError(fmt.Errorf("%w: has 1", domain.ErrInsufficientStock))))
	require.False(t, isTransientFailure(toStatusError(domain.ErrOrderNotFound)))
}
