package engine

import (
	"context"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/rpc/node"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
)

var _ node.Handler = (*Engine)(nil)

// StartWorkflow runs a new order's workflow on the node owning the order
func (e *Engine) StartWorkflow(ctx context.Context, req domain.OrderRequest) (saga.Result, error) {
	if req.OrderID == "" {
		return saga.Result{}, fmt.Errorf("%w: order_id is required", domain.ErrInvalidOrder)
	}
	h, err := e.route("StartWorkflow", req.OrderID)
	if err != nil {
		return saga.Result{}, err
	}
	return h.StartWorkflow(ctx, req)
}

func (e *Engine) GetStatus(ctx context.Context, orderID string) (saga.Status, error) {
	h, err := e.route("GetStatus", orderID)
	if err != nil {
		return saga.Status{}, err
	}
	return h.GetStatus(ctx, orderID)
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (order.State, error) {
	h, err := e.route("GetOrder", orderID)
	if err != nil {
		return order.State{}, err
	}
	return h.GetOrder(ctx, orderID)
}

func (e *Engine) RequestCancel(ctx context.Context, orderID string) (string, error) {
	h, err := e.route("RequestCancel", orderID)
	if err != nil {
		return "", err
	}
	return h.RequestCancel(ctx, orderID)
}

func (e *Engine) RequestModify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, error) {
	h, err := e.route("RequestModify", orderID)
	if err != nil {
		return "", err
	}
	return h.RequestModify(ctx, orderID, qty, price)
}

// ApplyExecution delivers a resolved execution to its order entity. The
// gateway calls it through its Dispatcher.
func (e *Engine) ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	h, err := e.route("ApplyExecution", ev.OrderID)
	if err != nil {
		return err
	}
	return h.ApplyExecution(ctx, ev)
}

// ApplyFill goes to the position entity of the fill's user
func (e *Engine) ApplyFill(ctx context.Context, fill order.Fill) error {
	h, err := e.route("ApplyFill", fill.UserID)
	if err != nil {
		return err
	}
	return h.ApplyFill(ctx, fill)
}

func (e *Engine) GetPosition(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	h, err := e.route("GetPosition", userID)
	if err != nil {
		return decimal.Zero, err
	}
	return h.GetPosition(ctx, userID, symbol)
}

func (e *Engine) Reserve(ctx context.Context, ledger wallet.Ledger, orderID, account string, amount decimal.Decimal) (wallet.Result, error) {
	h, err := e.leader("Reserve")
	if err != nil {
		return wallet.Result{}, err
	}
	return h.Reserve(ctx, ledger, orderID, account, amount)
}

func (e *Engine) Release(ctx context.Context, ledger wallet.Ledger, orderID string) (wallet.Result, error) {
	h, err := e.leader("Release")
	if err != nil {
		return wallet.Result{}, err
	}
	return h.Release(ctx, ledger, orderID)
}

func (e *Engine) Settle(ctx context.Context, ledger wallet.Ledger, orderID string, actual decimal.Decimal) (wallet.Result, error) {
	h, err := e.leader("Settle")
	if err != nil {
		return wallet.Result{}, err
	}
	return h.Settle(ctx, ledger, orderID, actual)
}

func (e *Engine) Exposure(ctx context.Context, ledger wallet.Ledger, account string) (decimal.Decimal, error) {
	h, err := e.leader("Exposure")
	if err != nil {
		return decimal.Zero, err
	}
	return h.Exposure(ctx, ledger, account)
}

// Submit sends a new order through the leader's gateway
func (e *Engine) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	h, err := e.leader("Submit")
	if err != nil {
		return "", err
	}
	return h.Submit(ctx, req)
}

func (e *Engine) Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, string, error) {
	h, err := e.leader("Modify")
	if err != nil {
		return "", "", err
	}
	return h.Modify(ctx, orderID, qty, price)
}

func (e *Engine) Cancel(ctx context.Context, orderID string) (string, string, error) {
	h, err := e.leader("Cancel")
	if err != nil {
		return "", "", err
	}
	return h.Cancel(ctx, orderID)
}
