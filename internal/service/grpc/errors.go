package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
)

// ReasonConcurrencyConflict — код для конфликта версии или таймаута блокировки.
const ReasonConcurrencyConflict = "CONCURRENCY_CONFLICT"

const (
	detailReasonField    = "code"
	detailRetryableField = "retryable"
)

// toStatusError переводит доменную ошибку в gRPC status со стабильным кодом в detail.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	reason := domain.Code(err)
	retryable := domain.IsRetryable(err)
	code := codes.Internal
	msg := err.Error()

	switch reason {
	case "RESOURCE_NOT_FOUND":
		code = codes.NotFound
	case "INVALID_STATE_TRANSITION", "BUSINESS_RULE_VIOLATION", "LOT_NOT_USABLE":
		code = codes.FailedPrecondition
	case "INSUFFICIENT_STOCK":
		code = codes.Aborted
	case "INVALID_MOVEMENT":
		code = codes.InvalidArgument
	case "IMMUTABLE_RECORD_VIOLATION":
		code = codes.Internal
	default:
		switch {
		case domain.IsVersionConflict(err) || errors.Is(err, domain.ErrLockTimeout):
			code, reason = codes.Aborted, ReasonConcurrencyConflict
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		default:
			msg = "internal error"
		}
	}

	return withReason(code, msg, reason, retryable)
}

func withReason(code codes.Code, msg, reason string, retryable bool) error {
	st := status.New(code, msg)
	if reason == "" {
		return st.Err()
	}
	detail, err := structpb.NewStruct(map[string]any{
		detailReasonField:    reason,
		detailRetryableField: retryable,
	})
	if err != nil {
		return st.Err()
	}
	detailed, err := st.WithDetails(detail)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// ReasonFromError извлекает стабильный код ошибки (INSUFFICIENT_STOCK, ...) из status detail.
func ReasonFromError(err error) string {
	fields := detailFields(err)
	if fields == nil {
		return ""
	}
	return fields[detailReasonField].GetStringValue()
}

// IsRetryableError сообщает, пометил ли сервер ошибку как пригодную для повтора.
func IsRetryableError(err error) bool {
	fields := detailFields(err)
	if fields == nil {
		return false
	}
	return fields[detailRetryableField].GetBoolValue()
}

func detailFields(err error) map[string]*structpb.Value {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, detail := range st.Details() {
		if s, ok := detail.(*structpb.Struct); ok {
			return s.GetFields()
		}
	}
	return nil
}
