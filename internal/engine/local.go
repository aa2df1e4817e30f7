package engine

import (
	"context"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/cluster"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/gateway"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/position"
	"github.com/ismaiel54/fix-order-router/internal/rpc/node"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
)

// local executes calls on this node's regions and singletons
type local struct {
	e *Engine
}

var _ node.Handler = (*local)(nil)

func (l *local) StartWorkflow(ctx context.Context, req domain.OrderRequest) (saga.Result, error) {
	// watch before submitting so a fast fill is not missed
	var done <-chan order.State
	wait := l.e.cfg.FillWait
	if wait > 0 {
		var stop func()
		done, stop = l.e.outcomes.watch(req.OrderID)
		defer stop()
	}

	var res saga.Result
	err := ask(ctx, l.e, l.e.sagas, req.OrderID, func(ctx context.Context, m *saga.Manager) error {
		var err error
		res, err = m.StartWorkflow(ctx, req)
		return err
	})
	if err != nil || res.Kind != saga.ResultStarted || wait <= 0 {
		return res, err
	}
	return l.awaitOutcome(ctx, res, done, wait)
}

func (l *local) GetStatus(ctx context.Context, orderID string) (saga.Status, error) {
	var st saga.Status
	err := ask(ctx, l.e, l.e.sagas, orderID, func(ctx context.Context, m *saga.Manager) error {
		var err error
		st, err = m.GetStatus()
		return err
	})
	return st, err
}

func (l *local) GetOrder(ctx context.Context, orderID string) (order.State, error) {
	var st order.State
	err := ask(ctx, l.e, l.e.orders, orderID, func(ctx context.Context, ent *order.Entity) error {
		st = ent.State()
		return nil
	})
	return st, err
}

func (l *local) RequestCancel(ctx context.Context, orderID string) (string, error) {
	var clOrdID string
	err := ask(ctx, l.e, l.e.orders, orderID, func(ctx context.Context, ent *order.Entity) error {
		var err error
		clOrdID, err = ent.RequestCancel(ctx)
		return err
	})
	return clOrdID, err
}

func (l *local) RequestModify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, error) {
	var clOrdID string
	err := ask(ctx, l.e, l.e.orders, orderID, func(ctx context.Context, ent *order.Entity) error {
		var err error
		clOrdID, err = ent.RequestModify(ctx, qty, price)
		return err
	})
	return clOrdID, err
}

func (l *local) ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	return ask(ctx, l.e, l.e.orders, ev.OrderID, func(ctx context.Context, ent *order.Entity) error {
		return ent.ApplyExecution(ctx, ev)
	})
}

func (l *local) ApplyFill(ctx context.Context, fill order.Fill) error {
	return ask(ctx, l.e, l.e.positions, fill.UserID, func(ctx context.Context, a *position.Aggregator) error {
		_, err := a.ApplyFill(ctx, position.Fill{FillID: fill.FillID, Symbol: fill.Symbol, Delta: fill.Delta})
		return err
	})
}

func (l *local) GetPosition(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	var net decimal.Decimal
	err := ask(ctx, l.e, l.e.positions, userID, func(ctx context.Context, a *position.Aggregator) error {
		net = a.GetPosition(symbol)
		return nil
	})
	return net, err
}

func (l *local) Reserve(ctx context.Context, ledger wallet.Ledger, orderID, account string, amount decimal.Decimal) (wallet.Result, error) {
	w, err := l.wallet(ledger)
	if err != nil {
		return wallet.Result{}, err
	}
	res, err := w.Reserve(ctx, orderID, account, amount)
	l.countWallet(ledger, "reserve", err)
	return res, err
}

func (l *local) Release(ctx context.Context, ledger wallet.Ledger, orderID string) (wallet.Result, error) {
	w, err := l.wallet(ledger)
	if err != nil {
		return wallet.Result{}, err
	}
	res, err := w.Release(ctx, orderID)
	l.countWallet(ledger, "release", err)
	return res, err
}

func (l *local) Settle(ctx context.Context, ledger wallet.Ledger, orderID string, actual decimal.Decimal) (wallet.Result, error) {
	w, err := l.wallet(ledger)
	if err != nil {
		return wallet.Result{}, err
	}
	res, err := w.Settle(ctx, orderID, actual)
	l.countWallet(ledger, "settle", err)
	return res, err
}

func (l *local) Exposure(ctx context.Context, ledger wallet.Ledger, account string) (decimal.Decimal, error) {
	w, err := l.wallet(ledger)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Exposure(account), nil
}

func (l *local) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	g, err := l.gateway()
	if err != nil {
		return "", err
	}
	return g.Submit(ctx, req)
}

func (l *local) Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, string, error) {
	g, err := l.gateway()
	if err != nil {
		return "", "", err
	}
	return g.Modify(ctx, orderID, qty, price)
}

func (l *local) Cancel(ctx context.Context, orderID string) (string, string, error) {
	g, err := l.gateway()
	if err != nil {
		return "", "", err
	}
	return g.Cancel(ctx, orderID)
}

// wallet returns the ledger's wallet. Wallet reads and writes are only
// served by the leader so reads see every committed command.
func (l *local) wallet(ledger wallet.Ledger) (*wallet.Wallet, error) {
	if !l.e.deps.Leadership.IsLeader() {
		return nil, cluster.ErrNotLeader
	}
	w, ok := l.e.wallets[ledger]
	if !ok {
		return nil, fmt.Errorf("unknown ledger %q", ledger)
	}
	return w, nil
}

func (l *local) gateway() (*gateway.Gateway, error) {
	if !l.e.deps.Leadership.IsLeader() {
		return nil, cluster.ErrNotLeader
	}
	g := l.e.gateway()
	if g == nil {
		return nil, gateway.ErrNotConnected
	}
	return g, nil
}

func (l *local) countWallet(ledger wallet.Ledger, op string, err error) {
	if l.e.deps.Metrics == nil {
		return
	}
	outcome := op
	if err != nil {
		outcome = op + "_rejected"
	}
	l.e.deps.Metrics.WalletReservations.WithLabelValues(string(ledger), outcome).Inc()
}
