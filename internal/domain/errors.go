package domain

import "errors"

// Базовые классы ошибок ядра. Конкретные ошибки ниже оборачивают один из них,
// поэтому вызывающая сторона проверяет класс через errors.Is.
var (
	// ErrInvalidMovement — некорректный ввод движения (количество <= 0, неизвестный вид).
	ErrInvalidMovement = errors.New("invalid movement")
	// ErrResourceNotFound — упомянутая партия/заказ/кредитная линия не существует.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrLotNotUsable — партия существует, но заблокирована, отозвана или просрочена.
	ErrLotNotUsable = errors.New("lot is not usable")
	// ErrInsufficientStock — исходящее движение превышает вычисленный остаток.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidStateTransition — переход заказа не разрешён таблицей переходов.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrBusinessRule — нарушение бизнес-правила (цена, кредит, нехватка при доставке).
	ErrBusinessRule = errors.New("business rule violation")
	// ErrImmutableRecord — попытка изменить или удалить зафиксированное движение.
	ErrImmutableRecord = errors.New("immutable record violation")
)

var (
	ErrLotNotFound        = wrap(ErrResourceNotFound, "lot not found")
	ErrPharmacyNotFound   = wrap(ErrResourceNotFound, "pharmacy not found")
	ErrOrderNotFound      = wrap(ErrResourceNotFound, "b2b order not found")
	ErrMovementNotFound   = wrap(ErrResourceNotFound, "stock movement not found")
	ErrCreditLineNotFound = wrap(ErrResourceNotFound, "credit line not found")

	ErrQuantityNotPositive = wrap(ErrInvalidMovement, "quantity must be greater than zero")
	ErrUnknownMovementKind = wrap(ErrInvalidMovement, "unknown movement kind")
	ErrUnknownHolderKind   = wrap(ErrInvalidMovement, "unknown holder kind")
	ErrHolderRequired      = wrap(ErrInvalidMovement, "holder id is required")
	ErrBatchRequired       = wrap(ErrInvalidMovement, "batch id is required")
	ErrSelfTransfer        = wrap(ErrInvalidMovement, "seller and buyer holders must differ")

	ErrOrderHasNoItems      = wrap(ErrBusinessRule, "order must have at least one item")
	ErrPriceAboveAuthorized = wrap(ErrBusinessRule, "unit price exceeds authorized price")
	ErrNegativePrice        = wrap(ErrBusinessRule, "unit price must be non-negative")
	ErrItemQtyInvalid       = wrap(ErrBusinessRule, "quantity ordered must be greater than zero")
	ErrPharmacyStanding     = wrap(ErrBusinessRule, "pharmacy is not in valid standing")
	ErrSameCounterparty     = wrap(ErrBusinessRule, "seller and buyer must be different pharmacies")
	ErrNoCreditLine         = wrap(ErrBusinessRule, "buyer has no credit line configured")
	ErrInsufficientCredit   = wrap(ErrBusinessRule, "insufficient credit")
	ErrCreditAmountInvalid  = wrap(ErrBusinessRule, "credit amount is invalid")
	ErrMoneyPrecision       = wrap(ErrBusinessRule, "money amount has more than two decimal places")
	ErrCreditInconsistent   = wrap(ErrBusinessRule, "credit balance would become negative")
	ErrDeliveryShortfall    = wrap(ErrBusinessRule, "seller stock is insufficient for delivery")

	// ErrVersionConflict сигнализирует, что запись изменилась между чтением и записью.
	ErrVersionConflict = errors.New("version conflict")
	// ErrLockTimeout — не удалось дождаться блокировки ключа до истечения контекста.
	ErrLockTimeout = errors.New("lock wait timeout")
)

// Ошибки idempotency-хранилища.
var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// ErrOutboxPublish — ошибка при публикации или пометке сообщения outbox.
var ErrOutboxPublish = errors.New("outbox publish failed")

type classifiedError struct {
	class error
	msg   string
}

func (e *classifiedError) Error() string { return e.msg }
func (e *classifiedError) Unwrap() error { return e.class }

func wrap(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версии записи.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsIdempotencyConflict проверяет, связана ли ошибка с повторным использованием ключа.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsRetryable сообщает, имеет ли смысл вызывающей стороне повторить операцию.
// Ядро никогда не повторяет такие операции само.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrBusinessRule) {
		return false
	}
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockTimeout)
}

// Code возвращает стабильный код ошибки для внешних слоёв.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrImmutableRecord):
		return "IMMUTABLE_RECORD_VIOLATION"
	case errors.Is(err, ErrResourceNotFound):
		return "RESOURCE_NOT_FOUND"
	case errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE_TRANSITION"
	case errors.Is(err, ErrBusinessRule):
		return "BUSINESS_RULE_VIOLATION"
	case errors.Is(err, ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrLotNotUsable):
		return "LOT_NOT_USABLE"
	case errors.Is(err, ErrInvalidMovement):
		return "INVALID_MOVEMENT"
	default:
		return "INTERNAL_ERROR"
	}
}
