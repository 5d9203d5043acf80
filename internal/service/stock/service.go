package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/metrics"
)

// DefaultSaleReferenceType подставляется в розничную продажу без явной ссылки.
const DefaultSaleReferenceType = "Sale"

const defaultListLimit = 100

// RecordCommand — запрос на одно движение.
type RecordCommand struct {
	Holder    domain.Holder
	BatchID   string              `validate:"required"`
	Kind      domain.MovementKind `validate:"required"`
	Quantity  int64
	ActorID   string `validate:"required"`
	Reference domain.Reference
}

// TransferCommand — запрос на парное движение продавец → покупатель.
type TransferCommand struct {
	Seller    domain.Holder
	Buyer     domain.Holder
	BatchID   string `validate:"required"`
	Quantity  int64
	ActorID   string `validate:"required"`
	Reference domain.Reference
}

// SaleCommand — розничная продажа.
type SaleCommand struct {
	Holder    domain.Holder
	BatchID   string `validate:"required"`
	Quantity  int64
	ActorID   string `validate:"required"`
	Reference domain.Reference
}

// Transfer — результат перевода: расход продавца и приход покупателя.
type Transfer struct {
	Out domain.Movement
	In  domain.Movement
}

// Service владеет протоколом конкурентного доступа к остаткам:
// блокировка ключа, пересчёт остатка под блокировкой, запись движения.
type Service struct {
	uow      domain.UnitOfWork
	lots     domain.LotRegistry
	validate *validator.Validate
	logger   *log.Entry
	metrics  *metrics.LedgerMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает prometheus-метрики.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer задаёт tracer; по умолчанию используется глобальный провайдер otel.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock подменяет часы, по которым проверяется срок годности партии.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт Stock Service.
func NewService(uow domain.UnitOfWork, lots domain.LotRegistry, opts ...Option) *Service {
	s := &Service{
		uow:      uow,
		lots:     lots,
		validate: validator.New(),
		logger:   log.New().WithField("component", "stock-service"),
		tracer:   otel.Tracer("pharmaledger/stock"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBalance возвращает текущий остаток пары (владелец, партия).
// Остаток не кэшируется и всегда агрегируется по журналу.
func (s *Service) GetBalance(ctx context.Context, holder domain.Holder, batchID string) (int64, error) {
	if err := holder.Validate(); err != nil {
		return 0, err
	}
	if batchID == "" {
		return 0, domain.ErrBatchRequired
	}

	var balance int64
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		balance, err = tx.Movements().Balance(ctx, domain.NewStockKey(holder, batchID))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get balance %s/%s: %w", holder, batchID, err)
	}
	return balance, nil
}

// ListMovements возвращает историю движений пары от новых к старым.
func (s *Service) ListMovements(ctx context.Context, holder domain.Holder, batchID string, limit int) ([]domain.Movement, error) {
	if err := holder.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var list []domain.Movement
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		list, err = tx.Movements().List(ctx, domain.NewStockKey(holder, batchID), limit)
		return err
	})
	return list, err
}

// RecordMovement записывает одно движение в собственной транзакции.
func (s *Service) RecordMovement(ctx context.Context, cmd RecordCommand) (domain.Movement, error) {
	ctx, span := s.tracer.Start(ctx, "stock.RecordMovement", trace.WithAttributes(
		attribute.String("holder", cmd.Holder.String()),
		attribute.String("batch_id", cmd.BatchID),
		attribute.String("movement_kind", string(cmd.Kind)),
		attribute.Int64("quantity", cmd.Quantity),
	))
	defer span.End()
	defer s.metrics.StartOperation("record_movement")()

	var recorded domain.Movement
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		recorded, err = s.RecordMovementInTx(ctx, tx, cmd)
		return err
	})
	if err != nil {
		s.reject(span, "record_movement", err, log.Fields{
			"holder_kind":   cmd.Holder.Kind,
			"holder_id":     cmd.Holder.ID,
			"batch_id":      cmd.BatchID,
			"movement_kind": cmd.Kind,
			"quantity":      cmd.Quantity,
		})
		return domain.Movement{}, err
	}

	s.metrics.RecordMovement(string(recorded.Kind))
	s.metrics.RecordOutboxEvent()
	s.logger.WithFields(log.Fields{
		"movement_id":   recorded.ID,
		"holder_kind":   recorded.Holder.Kind,
		"holder_id":     recorded.Holder.ID,
		"batch_id":      recorded.BatchID,
		"movement_kind": recorded.Kind,
		"quantity":      recorded.Quantity,
		"actor_id":      recorded.CreatedBy,
	}).Info("stock movement recorded")
	return recorded, nil
}

// ProcessRetailSale — розничная продажа: движение SALE.
// ErrInsufficientStock из неё вызывающая сторона может повторить.
func (s *Service) ProcessRetailSale(ctx context.Context, cmd SaleCommand) (domain.Movement, error) {
	ref := cmd.Reference
	if ref.Type == "" {
		ref.Type = DefaultSaleReferenceType
	}
	return s.RecordMovement(ctx, RecordCommand{
		Holder:    cmd.Holder,
		BatchID:   cmd.BatchID,
		Kind:      domain.MovementSale,
		Quantity:  cmd.Quantity,
		ActorID:   cmd.ActorID,
		Reference: ref,
	})
}

// ProcessTransfer выполняет парное движение в собственной транзакции.
func (s *Service) ProcessTransfer(ctx context.Context, cmd TransferCommand) (Transfer, error) {
	ctx, span := s.tracer.Start(ctx, "stock.ProcessTransfer", trace.WithAttributes(
		attribute.String("seller", cmd.Seller.String()),
		attribute.String("buyer", cmd.Buyer.String()),
		attribute.String("batch_id", cmd.BatchID),
		attribute.Int64("quantity", cmd.Quantity),
	))
	defer span.End()
	defer s.metrics.StartOperation("process_transfer")()

	var transfer Transfer
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		transfer, err = s.TransferInTx(ctx, tx, cmd)
		return err
	})
	if err != nil {
		s.reject(span, "process_transfer", err, log.Fields{
			"seller":   cmd.Seller.String(),
			"buyer":    cmd.Buyer.String(),
			"batch_id": cmd.BatchID,
			"quantity": cmd.Quantity,
		})
		return Transfer{}, err
	}

	s.metrics.RecordTransfer()
	s.metrics.RecordMovement(string(domain.MovementB2BOut))
	s.metrics.RecordMovement(string(domain.MovementB2BIn))
	s.metrics.RecordOutboxEvent()
	s.logger.WithFields(log.Fields{
		"seller":   cmd.Seller.String(),
		"buyer":    cmd.Buyer.String(),
		"batch_id": cmd.BatchID,
		"quantity": cmd.Quantity,
		"actor_id": cmd.ActorID,
	}).Info("stock transfer completed")
	return transfer, nil
}

// RecordMovementInTx записывает движение внутри уже открытой транзакции.
// Ключ блокируется до конца транзакции, остаток пересчитывается под блокировкой:
// расход не уводит его ниже нуля, приход не переполняет.
func (s *Service) RecordMovementInTx(ctx context.Context, tx domain.Tx, cmd RecordCommand) (domain.Movement, error) {
	m := domain.Movement{
		Holder:    cmd.Holder,
		BatchID:   cmd.BatchID,
		Kind:      cmd.Kind,
		Quantity:  cmd.Quantity,
		Reference: cmd.Reference,
		CreatedBy: cmd.ActorID,
	}
	if err := m.Validate(); err != nil {
		return domain.Movement{}, err
	}
	if err := s.check(cmd); err != nil {
		return domain.Movement{}, err
	}
	if err := s.ensureUsable(ctx, cmd.BatchID); err != nil {
		return domain.Movement{}, err
	}

	if m.Kind.IsOutbound() {
		if err := s.ensureAvailable(ctx, tx, m.Key(), m.Quantity); err != nil {
			return domain.Movement{}, err
		}
	} else if err := s.ensureCapacity(ctx, tx, m.Key(), m.Quantity); err != nil {
		return domain.Movement{}, err
	}

	m.CreatedAt = s.now()
	recorded, err := tx.Movements().Append(ctx, m)
	if err != nil {
		return domain.Movement{}, fmt.Errorf("append movement: %w", err)
	}
	if err := s.logMovement(ctx, tx, recorded); err != nil {
		return domain.Movement{}, err
	}
	if err := enqueue(ctx, tx, recorded.ID, domain.EventMovementRecorded, movementEvent(recorded)); err != nil {
		return domain.Movement{}, err
	}
	return recorded, nil
}

// TransferInTx выполняет парное движение внутри уже открытой транзакции.
// Оба ключа блокируются в каноническом порядке; любая ошибка второй записи откатывает обе.
func (s *Service) TransferInTx(ctx context.Context, tx domain.Tx, cmd TransferCommand) (Transfer, error) {
	out := domain.Movement{
		Holder:    cmd.Seller,
		BatchID:   cmd.BatchID,
		Kind:      domain.MovementB2BOut,
		Quantity:  cmd.Quantity,
		Reference: cmd.Reference,
		CreatedBy: cmd.ActorID,
	}
	in := out
	in.Holder = cmd.Buyer
	in.Kind = domain.MovementB2BIn

	if err := out.Validate(); err != nil {
		return Transfer{}, err
	}
	if err := in.Validate(); err != nil {
		return Transfer{}, err
	}
	if cmd.Seller == cmd.Buyer {
		return Transfer{}, domain.ErrSelfTransfer
	}
	if err := s.check(cmd); err != nil {
		return Transfer{}, err
	}
	if err := s.ensureUsable(ctx, cmd.BatchID); err != nil {
		return Transfer{}, err
	}

	if err := tx.LockStock(ctx, out.Key(), in.Key()); err != nil {
		return Transfer{}, fmt.Errorf("lock transfer keys: %w", err)
	}
	if err := s.ensureAvailable(ctx, tx, out.Key(), out.Quantity); err != nil {
		return Transfer{}, err
	}
	if err := s.ensureCapacity(ctx, tx, in.Key(), in.Quantity); err != nil {
		return Transfer{}, err
	}

	now := s.now()
	out.CreatedAt, in.CreatedAt = now, now

	repo := tx.Movements()
	recordedOut, err := repo.Append(ctx, out)
	if err != nil {
		return Transfer{}, fmt.Errorf("append seller movement: %w", err)
	}
	recordedIn, err := repo.Append(ctx, in)
	if err != nil {
		return Transfer{}, fmt.Errorf("append buyer movement: %w", err)
	}

	for _, m := range []domain.Movement{recordedOut, recordedIn} {
		if err := s.logMovement(ctx, tx, m); err != nil {
			return Transfer{}, err
		}
	}
	event := map[string]any{
		"out":            movementEvent(recordedOut),
		"in":             movementEvent(recordedIn),
		"reference_type": cmd.Reference.Type,
		"reference_id":   cmd.Reference.ID,
	}
	if err := enqueue(ctx, tx, recordedOut.ID, domain.EventTransferCompleted, event); err != nil {
		return Transfer{}, err
	}

	return Transfer{Out: recordedOut, In: recordedIn}, nil
}

// ensureUsable проверяет партию через реестр: существует, ACTIVE, не просрочена.
func (s *Service) ensureUsable(ctx context.Context, batchID string) error {
	lot, err := s.lots.GetLot(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lot %s: %w", batchID, err)
	}
	if !lot.IsUsable(s.now()) {
		return fmt.Errorf("%w: lot %s status %s, expires %s", domain.ErrLotNotUsable, lot.ID, lot.Status, lot.ExpiryDate.Format(time.DateOnly))
	}
	return nil
}

// ensureAvailable блокирует ключ и сверяет остаток с требуемым количеством.
func (s *Service) ensureAvailable(ctx context.Context, tx domain.Tx, key domain.StockKey, quantity int64) error {
	if err := tx.LockStock(ctx, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	s.logger.WithField("stock_key", key.String()).Debug("stock key locked")

	balance, err := tx.Movements().Balance(ctx, key)
	if err != nil {
		return fmt.Errorf("balance %s: %w", key, err)
	}
	if balance < quantity {
		return fmt.Errorf("%w: %s has %d, requested %d", domain.ErrInsufficientStock, key, balance, quantity)
	}
	return nil
}

// ensureCapacity блокирует ключ и не даёт приходу переполнить остаток int64.
func (s *Service) ensureCapacity(ctx context.Context, tx domain.Tx, key domain.StockKey, quantity int64) error {
	if err := tx.LockStock(ctx, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	balance, err := tx.Movements().Balance(ctx, key)
	if err != nil {
		return fmt.Errorf("balance %s: %w", key, err)
	}
	if balance > math.MaxInt64-quantity {
		return fmt.Errorf("%w: %s has %d, inbound %d overflows balance", domain.ErrInvalidMovement, key, balance, quantity)
	}
	return nil
}

func (s *Service) check(cmd any) error {
	if err := s.validate.Struct(cmd); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidMovement, err)
	}
	return nil
}

func (s *Service) logMovement(ctx context.Context, tx domain.Tx, m domain.Movement) error {
	err := tx.Audit().Log(ctx, domain.AuditEntry{
		ActorID:  m.CreatedBy,
		Action:   domain.AuditActionCreate,
		Model:    domain.AuditModelMovement,
		ObjectID: m.ID,
		NewValues: map[string]any{
			"holder_kind":    string(m.Holder.Kind),
			"holder_id":      m.Holder.ID,
			"batch_id":       m.BatchID,
			"movement_type":  string(m.Kind),
			"quantity":       m.Quantity,
			"reference_type": m.Reference.Type,
			"reference_id":   m.Reference.ID,
		},
		OccurredAt: m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("audit movement %s: %w", m.ID, err)
	}
	return nil
}

func (s *Service) reject(span trace.Span, operation string, err error, fields log.Fields) {
	code := domain.Code(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	s.metrics.RecordRejection(operation, code)

	entry := s.logger.WithError(err).WithFields(fields).WithField("code", code)
	if isBusinessFailure(err) {
		entry.Warn(operation + " rejected")
		return
	}
	entry.Error(operation + " failed")
}

func isBusinessFailure(err error) bool {
	for _, class := range []error{
		domain.ErrInvalidMovement, domain.ErrResourceNotFound, domain.ErrLotNotUsable,
		domain.ErrInsufficientStock, domain.ErrBusinessRule, domain.ErrInvalidStateTransition,
	} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

func movementEvent(m domain.Movement) map[string]any {
	return map[string]any{
		"movement_id":    m.ID,
		"holder_kind":    string(m.Holder.Kind),
		"holder_id":      m.Holder.ID,
		"batch_id":       m.BatchID,
		"movement_kind":  string(m.Kind),
		"quantity":       m.Quantity,
		"reference_type": m.Reference.Type,
		"reference_id":   m.Reference.ID,
		"created_by":     m.CreatedBy,
		"created_at":     m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func enqueue(ctx context.Context, tx domain.Tx, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateMovement,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
