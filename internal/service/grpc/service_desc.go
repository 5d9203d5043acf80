package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Имена методов LedgerService.
const (
	MethodRecordMovement    = "RecordMovement"
	MethodProcessRetailSale = "ProcessRetailSale"
	MethodProcessTransfer   = "ProcessTransfer"
	MethodGetBalance        = "GetBalance"
	MethodListMovements     = "ListMovements"
	MethodOpenCreditLine    = "OpenCreditLine"
	MethodGetCredit         = "GetCredit"
	MethodListAuditTrail    = "ListAuditTrail"
	MethodCreateOrder       = "CreateOrder"
	MethodUpdateDraftOrder  = "UpdateDraftOrder"
	MethodDeleteDraftOrder  = "DeleteDraftOrder"
	MethodSubmitOrder       = "SubmitOrder"
	MethodApproveOrder      = "ApproveOrder"
	MethodRejectOrder       = "RejectOrder"
	MethodShipOrder         = "ShipOrder"
	MethodDeliverOrder      = "DeliverOrder"
	MethodCancelOrder       = "CancelOrder"
	MethodGetOrder          = "GetOrder"
	MethodListOrders        = "ListOrders"
)

type unaryMethod func(srv LedgerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// LedgerServer — серверная сторона pharmaledger.v1.LedgerService.
type LedgerServer interface {
	RecordMovement(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessRetailSale(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMovements(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenCreditLine(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCredit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAuditTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateDraftOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteDraftOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShipOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeliverOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var _ LedgerServer = (*LedgerService)(nil)

// FullMethod возвращает полное имя метода для grpc.Invoke и interceptor'ов.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// LedgerServiceDesc описывает сервис без сгенерированного кода: все методы унарные
// и принимают/возвращают google.protobuf.Struct.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRecordMovement, LedgerServer.RecordMovement),
		unary(MethodProcessRetailSale, LedgerServer.ProcessRetailSale),
		unary(MethodProcessTransfer, LedgerServer.ProcessTransfer),
		unary(MethodGetBalance, LedgerServer.GetBalance),
		unary(MethodListMovements, LedgerServer.ListMovements),
		unary(MethodOpenCreditLine, LedgerServer.OpenCreditLine),
		unary(MethodGetCredit, LedgerServer.GetCredit),
		unary(MethodListAuditTrail, LedgerServer.ListAuditTrail),
		unary(MethodCreateOrder, LedgerServer.CreateOrder),
		unary(MethodUpdateDraftOrder, LedgerServer.UpdateDraftOrder),
		unary(MethodDeleteDraftOrder, LedgerServer.DeleteDraftOrder),
		unary(MethodSubmitOrder, LedgerServer.SubmitOrder),
		unary(MethodApproveOrder, LedgerServer.ApproveOrder),
		unary(MethodRejectOrder, LedgerServer.RejectOrder),
		unary(MethodShipOrder, LedgerServer.ShipOrder),
		unary(MethodDeliverOrder, LedgerServer.DeliverOrder),
		unary(MethodCancelOrder, LedgerServer.CancelOrder),
		unary(MethodGetOrder, LedgerServer.GetOrder),
		unary(MethodListOrders, LedgerServer.ListOrders),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pharmaledger/v1/ledger.proto",
}

// RegisterLedgerServer регистрирует реализацию на gRPC-сервере.
func RegisterLedgerServer(registrar grpc.ServiceRegistrar, srv LedgerServer) {
	registrar.RegisterService(&LedgerServiceDesc, srv)
}

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(LedgerServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// LedgerClient — клиент LedgerService поверх произвольного соединения.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

// NewLedgerClient создаёт клиента.
func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// Call вызывает метод сервиса. fields переводятся в google.protobuf.Struct.
func (c *LedgerClient) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, resp, opts...); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}
