package grpcsvc

import (
	"bytes"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/pharmaledger/internal/domain"
	"github.com/vladislavdragonenkov/pharmaledger/internal/service/stock"
)

type holderDTO struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (h holderDTO) toDomain() domain.Holder {
	return domain.Holder{Kind: domain.HolderKind(h.Kind), ID: h.ID}
}

type referenceDTO struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r referenceDTO) toDomain() domain.Reference {
	return domain.Reference{Type: r.Type, ID: r.ID}
}

// decodeRequest переносит поля structpb.Struct в типизированный запрос.
// Неизвестные поля и нецелые количества отклоняются с InvalidArgument.
func decodeRequest(req *structpb.Struct, dst any) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	data, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func encodeResponse(fields map[string]any) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// plainMap приводит произвольный снимок к типам, которые понимает structpb.
func plainMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func movementFields(m domain.Movement) map[string]any {
	return map[string]any{
		"id": m.ID,
		"holder": map[string]any{
			"kind": string(m.Holder.Kind),
			"id":   m.Holder.ID,
		},
		"batch_id": m.BatchID,
		"kind":     string(m.Kind),
		"quantity": m.Quantity,
		"reference": map[string]any{
			"type": m.Reference.Type,
			"id":   m.Reference.ID,
		},
		"created_by": m.CreatedBy,
		"created_at": formatTime(m.CreatedAt),
	}
}

func transferFields(t stock.Transfer) map[string]any {
	return map[string]any{
		"out": movementFields(t.Out),
		"in":  movementFields(t.In),
	}
}

func orderFields(o domain.Order) map[string]any {
	items := make([]any, 0, len(o.Items))
	for _, item := range o.ActiveItems() {
		items = append(items, map[string]any{
			"id":                 item.ID,
			"batch_id":           item.BatchID,
			"quantity_ordered":   item.QuantityOrdered,
			"quantity_delivered": item.QuantityDelivered,
			"unit_price":         item.UnitPrice.String(),
			"line_total":         item.LineTotal().String(),
		})
	}
	return map[string]any{
		"id":                      o.ID,
		"seller_id":               o.SellerID,
		"buyer_id":                o.BuyerID,
		"status":                  string(o.Status),
		"payment_status":          string(o.PaymentStatus),
		"total_amount":            o.TotalAmount.String(),
		"credit_used":             o.CreditUsed.String(),
		"price_override_approved": o.PriceOverrideApproved,
		"notes":                   o.Notes,
		"items":                   items,
		"version":                 o.Version,
		"created_by":              o.CreatedBy,
		"updated_by":              o.UpdatedBy,
		"created_at":              formatTime(o.CreatedAt),
		"updated_at":              formatTime(o.UpdatedAt),
	}
}

func creditFields(c domain.Credit) map[string]any {
	return map[string]any{
		"pharmacy_id":      c.PharmacyID,
		"credit_limit":     c.CreditLimit.String(),
		"current_balance":  c.CurrentBalance.String(),
		"reserved_balance": c.ReservedBalance.String(),
		"available":        c.Available().String(),
		"updated_at":       formatTime(c.UpdatedAt),
	}
}

func auditFields(e domain.AuditEntry) map[string]any {
	fields := map[string]any{
		"id":          e.ID,
		"actor_id":    e.ActorID,
		"action":      e.Action,
		"model":       e.Model,
		"object_id":   e.ObjectID,
		"occurred_at": formatTime(e.OccurredAt),
	}
	if old := plainMap(e.OldValues); old != nil {
		fields["old_values"] = old
	}
	if updated := plainMap(e.NewValues); updated != nil {
		fields["new_values"] = updated
	}
	return fields
}
