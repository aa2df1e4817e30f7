package node

import (
	"context"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "fixrouter.node.v1.NodeService"

// Handler is what one node serves to its peers. The engine implements it
// for calls it owns; Client implements it for calls forwarded to a peer.
type Handler interface {
	StartWorkflow(ctx context.Context, req domain.OrderRequest) (saga.Result, error)
	GetStatus(ctx context.Context, orderID string) (saga.Status, error)
	GetOrder(ctx context.Context, orderID string) (order.State, error)
	RequestCancel(ctx context.Context, orderID string) (string, error)
	RequestModify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, error)
	ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error
	ApplyFill(ctx context.Context, fill order.Fill) error
	GetPosition(ctx context.Context, userID, symbol string) (decimal.Decimal, error)

	Reserve(ctx context.Context, ledger wallet.Ledger, orderID, account string, amount decimal.Decimal) (wallet.Result, error)
	Release(ctx context.Context, ledger wallet.Ledger, orderID string) (wallet.Result, error)
	Settle(ctx context.Context, ledger wallet.Ledger, orderID string, actual decimal.Decimal) (wallet.Result, error)
	Exposure(ctx context.Context, ledger wallet.Ledger, account string) (decimal.Decimal, error)

	Submit(ctx context.Context, req domain.OrderRequest) (string, error)
	Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (clOrdID, origClOrdID string, err error)
	Cancel(ctx context.Context, orderID string) (clOrdID, origClOrdID string, err error)
}

// Wire messages

type OrderRequestMsg struct {
	Request domain.OrderRequest `json:"request"`
}

type OrderIDMsg struct {
	OrderID string `json:"order_id"`
}

type ModifyMsg struct {
	OrderID  string           `json:"order_id"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

type ExecutionMsg struct {
	Execution domain.ExecutionEvent `json:"execution"`
}

type FillMsg struct {
	Fill order.Fill `json:"fill"`
}

type PositionMsg struct {
	UserID string          `json:"user_id"`
	Symbol string          `json:"symbol"`
	Net    decimal.Decimal `json:"net"`
}

type WalletMsg struct {
	Ledger  wallet.Ledger   `json:"ledger"`
	OrderID string          `json:"order_id,omitempty"`
	Account string          `json:"account,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

type AmountMsg struct {
	Amount decimal.Decimal `json:"amount"`
}

type ClOrdIDMsg struct {
	ClOrdID     string `json:"cl_ord_id"`
	OrigClOrdID string `json:"orig_cl_ord_id,omitempty"`
}

type Empty struct{}

// unary adapts a typed call to a grpc.MethodDesc
func unary[Req any](name string, call func(ctx context.Context, h Handler, in *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(Handler)
			invoke := func(ctx context.Context, req any) (any, error) {
				out, err := call(ctx, h, req.(*Req))
				return out, toStatus(err)
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, invoke)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartWorkflow", func(ctx context.Context, h Handler, in *OrderRequestMsg) (any, error) {
			res, err := h.StartWorkflow(ctx, in.Request)
			return &res, err
		}),
		unary("GetStatus", func(ctx context.Context, h Handler, in *OrderIDMsg) (any, error) {
			st, err := h.GetStatus(ctx, in.OrderID)
			return &st, err
		}),
		unary("GetOrder", func(ctx context.Context, h Handler, in *OrderIDMsg) (any, error) {
			st, err := h.GetOrder(ctx, in.OrderID)
			return &st, err
		}),
		unary("RequestCancel", func(ctx context.Context, h Handler, in *OrderIDMsg) (any, error) {
			id, err := h.RequestCancel(ctx, in.OrderID)
			return &ClOrdIDMsg{ClOrdID: id}, err
		}),
		unary("RequestModify", func(ctx context.Context, h Handler, in *ModifyMsg) (any, error) {
			id, err := h.RequestModify(ctx, in.OrderID, in.Quantity, in.Price)
			return &ClOrdIDMsg{ClOrdID: id}, err
		}),
		unary("ApplyExecution", func(ctx context.Context, h Handler, in *ExecutionMsg) (any, error) {
			return &Empty{}, h.ApplyExecution(ctx, in.Execution)
		}),
		unary("ApplyFill", func(ctx context.Context, h Handler, in *FillMsg) (any, error) {
			return &Empty{}, h.ApplyFill(ctx, in.Fill)
		}),
		unary("GetPosition", func(ctx context.Context, h Handler, in *PositionMsg) (any, error) {
			net, err := h.GetPosition(ctx, in.UserID, in.Symbol)
			return &PositionMsg{UserID: in.UserID, Symbol: in.Symbol, Net: net}, err
		}),
		unary("Reserve", func(ctx context.Context, h Handler, in *WalletMsg) (any, error) {
			res, err := h.Reserve(ctx, in.Ledger, in.OrderID, in.Account, in.Amount)
			return &res, err
		}),
		unary("Release", func(ctx context.Context, h Handler, in *WalletMsg) (any, error) {
			res, err := h.Release(ctx, in.Ledger, in.OrderID)
			return &res, err
		}),
		unary("Settle", func(ctx context.Context, h Handler, in *WalletMsg) (any, error) {
			res, err := h.Settle(ctx, in.Ledger, in.OrderID, in.Amount)
			return &res, err
		}),
		unary("Exposure", func(ctx context.Context, h Handler, in *WalletMsg) (any, error) {
			amount, err := h.Exposure(ctx, in.Ledger, in.Account)
			return &AmountMsg{Amount: amount}, err
		}),
		unary("Submit", func(ctx context.Context, h Handler, in *OrderRequestMsg) (any, error) {
			id, err := h.Submit(ctx, in.Request)
			return &ClOrdIDMsg{ClOrdID: id}, err
		}),
		unary("Modify", func(ctx context.Context, h Handler, in *ModifyMsg) (any, error) {
			id, orig, err := h.Modify(ctx, in.OrderID, in.Quantity, in.Price)
			return &ClOrdIDMsg{ClOrdID: id, OrigClOrdID: orig}, err
		}),
		unary("Cancel", func(ctx context.Context, h Handler, in *OrderIDMsg) (any, error) {
			id, orig, err := h.Cancel(ctx, in.OrderID)
			return &ClOrdIDMsg{ClOrdID: id, OrigClOrdID: orig}, err
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fixrouter/node/v1/node.json",
}

// Register serves h on s
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// LoggingInterceptor logs every call at debug and failures at warn
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			logger.Warn("node call failed", zap.String("method", info.FullMethod), zap.Error(err))
		} else {
			logger.Debug("node call", zap.String("method", info.FullMethod))
		}
		return resp, err
	}
}
