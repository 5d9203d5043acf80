package grpcsvc

import (
	"context"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/order"
)

type orderItemDTO struct {
	BatchID   string           `json:"batch_id"`
	Quantity  int64            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

func toItemInputs(items []orderItemDTO) []order.ItemInput {
	if items == nil {
		return nil
	}
	out := make([]order.ItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, order.ItemInput{
			BatchID:   item.BatchID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}

type createOrderRequest struct {
	SellerID              string         `json:"seller_id"`
	BuyerID               string         `json:"buyer_id"`
	Items                 []orderItemDTO `json:"items"`
	PriceOverrideApproved bool           `json:"price_override_approved"`
	Notes                 string         `json:"notes"`
	ActorID               string         `json:"actor_id"`
}

// CreateOrder создаёт черновик B2B-заказа.
func (s *LedgerService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in createOrderRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodCreateOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		created, err := s.orders.Create(ctx, order.CreateCommand{
			SellerID:              in.SellerID,
			BuyerID:               in.BuyerID,
			Items:                 toItemInputs(in.Items),
			PriceOverrideApproved: in.PriceOverrideApproved,
			Notes:                 in.Notes,
			ActorID:               in.ActorID,
		})
		if err != nil {
			return nil, s.fail(MethodCreateOrder, err)
		}
		return encodeResponse(map[string]any{"order": orderFields(created)})
	})
}

type updateDraftRequest struct {
	OrderID               string         `json:"order_id"`
	Items                 []orderItemDTO `json:"items"`
	PriceOverrideApproved *bool          `json:"price_override_approved"`
	Notes                 *string        `json:"notes"`
	ActorID               string         `json:"actor_id"`
}

// UpdateDraftOrder меняет позиции, заметки или ценовое исключение черновика.
func (s *LedgerService) UpdateDraftOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in updateDraftRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return s.withIdempotency(ctx, MethodUpdateDraftOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		updated, err := s.orders.UpdateDraft(ctx, order.UpdateCommand{
			OrderID:               in.OrderID,
			Items:                 toItemInputs(in.Items),
			PriceOverrideApproved: in.PriceOverrideApproved,
			Notes:                 in.Notes,
			ActorID:               in.ActorID,
		})
		if err != nil {
			return nil, s.fail(MethodUpdateDraftOrder, err)
		}
		return encodeResponse(map[string]any{"order": orderFields(updated)})
	})
}

type orderActionRequest struct {
	OrderID    string           `json:"order_id"`
	ActorID    string           `json:"actor_id"`
	CreditUsed *decimal.Decimal `json:"credit_used"`
}

// DeleteDraftOrder мягко удаляет черновик.
func (s *LedgerService) DeleteDraftOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeOrderAction(req)
	if err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodDeleteDraftOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		if err := s.orders.DeleteDraft(ctx, in.OrderID, in.ActorID); err != nil {
			return nil, s.fail(MethodDeleteDraftOrder, err)
		}
		return encodeResponse(map[string]any{"order_id": in.OrderID, "deleted": true})
	})
}

// SubmitOrder: DRAFT → SUBMITTED.
func (s *LedgerService) SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodSubmitOrder, req, s.orders.Submit)
}

// ApproveOrder: SUBMITTED → APPROVED с резервом кредита покупателя.
func (s *LedgerService) ApproveOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeOrderAction(req)
	if err != nil {
		return nil, err
	}
	return s.withIdempotency(ctx, MethodApproveOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		approved, err := s.orders.Approve(ctx, in.OrderID, in.ActorID, in.CreditUsed)
		if err != nil {
			return nil, s.fail(MethodApproveOrder, err)
		}
		return encodeResponse(map[string]any{"order": orderFields(approved)})
	})
}

// RejectOrder: SUBMITTED → REJECTED.
func (s *LedgerService) RejectOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodRejectOrder, req, s.orders.Reject)
}

// ShipOrder: APPROVED → IN_TRANSIT.
func (s *LedgerService) ShipOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodShipOrder, req, s.orders.Ship)
}

// DeliverOrder: IN_TRANSIT → DELIVERED, переводит остатки и закрывает резерв кредита.
func (s *LedgerService) DeliverOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodDeliverOrder, req, s.orders.Deliver)
}

// CancelOrder переводит нетерминальный заказ в CANCELLED.
func (s *LedgerService) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodCancelOrder, req, s.orders.Cancel)
}

type orderQueryRequest struct {
	OrderID  string `json:"order_id"`
	BuyerID  string `json:"buyer_id"`
	SellerID string `json:"seller_id"`
	Limit    int    `json:"limit"`
}

// GetOrder возвращает видимый заказ с активными позициями.
func (s *LedgerService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderQueryRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if in.OrderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	found, err := s.orders.Get(ctx, in.OrderID)
	if err != nil {
		return nil, s.fail(MethodGetOrder, err)
	}
	return encodeResponse(map[string]any{"order": orderFields(found)})
}

// ListOrders возвращает заказы покупателя или продавца от новых к старым.
func (s *LedgerService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderQueryRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, err
	}
	if (in.BuyerID == "") == (in.SellerID == "") {
		return nil, status.Error(codes.InvalidArgument, "exactly one of buyer_id or seller_id is required")
	}

	var (
		orders []domain.Order
		err    error
	)
	if in.BuyerID != "" {
		orders, err = s.orders.ListByBuyer(ctx, in.BuyerID, in.Limit)
	} else {
		orders, err = s.orders.ListBySeller(ctx, in.SellerID, in.Limit)
	}
	if err != nil {
		return nil, s.fail(MethodListOrders, err)
	}

	out := make([]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderFields(o))
	}
	return encodeResponse(map[string]any{"orders": out})
}

func (s *LedgerService) transition(
	ctx context.Context,
	method string,
	req *structpb.Struct,
	apply func(ctx context.Context, orderID, actorID string) (domain.Order, error),
) (*structpb.Struct, error) {
	in, err := decodeOrderAction(req)
	if err != nil {
		return nil, err
	}
	if in.CreditUsed != nil {
		return nil, status.Error(codes.InvalidArgument, "credit_used is accepted only by ApproveOrder")
	}
	return s.withIdempotency(ctx, method, req, func(ctx context.Context) (*structpb.Struct, error) {
		updated, err := apply(ctx, in.OrderID, in.ActorID)
		if err != nil {
			return nil, s.fail(method, err)
		}
		return encodeResponse(map[string]any{"order": orderFields(updated)})
	})
}

func decodeOrderAction(req *structpb.Struct) (orderActionRequest, error) {
	var in orderActionRequest
	if err := decodeRequest(req, &in); err != nil {
		return orderActionRequest{}, err
	}
	if in.OrderID == "" {
		return orderActionRequest{}, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return in, nil
}
