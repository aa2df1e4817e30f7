package node

import (
	"context"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client forwards Handler calls to one peer
type Client struct {
	cc     *grpc.ClientConn
	addr   string
	logger *zap.Logger
}

var _ Handler = (*Client)(nil)

// Dial creates a client for the peer at addr. The connection is
// established lazily on the first call.
func Dial(addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", addr, err)
	}
	return &Client{cc: conn, addr: addr, logger: logger.With(zap.String("peer_addr", addr))}, nil
}

// Addr returns the peer address
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection
func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) StartWorkflow(ctx context.Context, req domain.OrderRequest) (saga.Result, error) {
	var out saga.Result
	err := c.invoke(ctx, "StartWorkflow", &OrderRequestMsg{Request: req}, &out)
	return out, err
}

func (c *Client) GetStatus(ctx context.Context, orderID string) (saga.Status, error) {
	var out saga.Status
	err := c.invoke(ctx, "GetStatus", &OrderIDMsg{OrderID: orderID}, &out)
	return out, err
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (order.State, error) {
	var out order.State
	err := c.invoke(ctx, "GetOrder", &OrderIDMsg{OrderID: orderID}, &out)
	return out, err
}

func (c *Client) RequestCancel(ctx context.Context, orderID string) (string, error) {
	var out ClOrdIDMsg
	err := c.invoke(ctx, "RequestCancel", &OrderIDMsg{OrderID: orderID}, &out)
	return out.ClOrdID, err
}

func (c *Client) RequestModify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, error) {
	var out ClOrdIDMsg
	err := c.invoke(ctx, "RequestModify", &ModifyMsg{OrderID: orderID, Quantity: qty, Price: price}, &out)
	return out.ClOrdID, err
}

func (c *Client) ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	return c.invoke(ctx, "ApplyExecution", &ExecutionMsg{Execution: ev}, &Empty{})
}

func (c *Client) ApplyFill(ctx context.Context, fill order.Fill) error {
	return c.invoke(ctx, "ApplyFill", &FillMsg{Fill: fill}, &Empty{})
}

func (c *Client) GetPosition(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	var out PositionMsg
	err := c.invoke(ctx, "GetPosition", &PositionMsg{UserID: userID, Symbol: symbol}, &out)
	return out.Net, err
}

func (c *Client) Reserve(ctx context.Context, ledger wallet.Ledger, orderID, account string, amount decimal.Decimal) (wallet.Result, error) {
	var out wallet.Result
	err := c.invoke(ctx, "Reserve", &WalletMsg{Ledger: ledger, OrderID: orderID, Account: account, Amount: amount}, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, ledger wallet.Ledger, orderID string) (wallet.Result, error) {
	var out wallet.Result
	err := c.invoke(ctx, "Release", &WalletMsg{Ledger: ledger, OrderID: orderID}, &out)
	return out, err
}

func (c *Client) Settle(ctx context.Context, ledger wallet.Ledger, orderID string, actual decimal.Decimal) (wallet.Result, error) {
	var out wallet.Result
	err := c.invoke(ctx, "Settle", &WalletMsg{Ledger: ledger, OrderID: orderID, Amount: actual}, &out)
	return out, err
}

func (c *Client) Exposure(ctx context.Context, ledger wallet.Ledger, account string) (decimal.Decimal, error) {
	var out AmountMsg
	err := c.invoke(ctx, "Exposure", &WalletMsg{Ledger: ledger, Account: account}, &out)
	return out.Amount, err
}

func (c *Client) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	var out ClOrdIDMsg
	err := c.invoke(ctx, "Submit", &OrderRequestMsg{Request: req}, &out)
	return out.ClOrdID, err
}

func (c *Client) Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, string, error) {
	var out ClOrdIDMsg
	err := c.invoke(ctx, "Modify", &ModifyMsg{OrderID: orderID, Quantity: qty, Price: price}, &out)
	return out.ClOrdID, out.OrigClOrdID, err
}

func (c *Client) Cancel(ctx context.Context, orderID string) (string, string, error) {
	var out ClOrdIDMsg
	err := c.invoke(ctx, "Cancel", &OrderIDMsg{OrderID: orderID}, &out)
	return out.ClOrdID, out.OrigClOrdID, err
}
