package engine

import (
	"context"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ledgerFunds is one ledger as seen by a saga, served by the leader
type ledgerFunds struct {
	e      *Engine
	ledger wallet.Ledger
}

func (f ledgerFunds) Reserve(ctx context.Context, orderID, account string, amount decimal.Decimal) (wallet.Result, error) {
	return f.e.Reserve(ctx, f.ledger, orderID, account, amount)
}

func (f ledgerFunds) Release(ctx context.Context, orderID string) (wallet.Result, error) {
	return f.e.Release(ctx, f.ledger, orderID)
}

func (f ledgerFunds) Settle(ctx context.Context, orderID string, actual decimal.Decimal) (wallet.Result, error) {
	return f.e.Settle(ctx, f.ledger, orderID, actual)
}

func (f ledgerFunds) Exposure(ctx context.Context, account string) (decimal.Decimal, error) {
	return f.e.Exposure(ctx, f.ledger, account)
}

// sagaOrders reaches the order entity sharing the saga's id. Both live on
// the same node, so no routing is needed.
type sagaOrders struct {
	e *Engine
}

var _ saga.Orders = sagaOrders{}

func (o sagaOrders) Place(ctx context.Context, req domain.OrderRequest) error {
	return ask(ctx, o.e, o.e.orders, req.OrderID, func(ctx context.Context, ent *order.Entity) error {
		_, err := ent.RecordPlacement(ctx, req)
		return err
	})
}

func (o sagaOrders) Reject(ctx context.Context, orderID, reason string) error {
	return ask(ctx, o.e, o.e.orders, orderID, func(ctx context.Context, ent *order.Entity) error {
		return ent.RecordRejection(ctx, reason)
	})
}

func (o sagaOrders) Get(ctx context.Context, orderID string) (order.State, error) {
	return o.e.local.GetOrder(ctx, orderID)
}

// listener turns order notifications into tells. It runs in the order
// entity's goroutine and never waits on another mailbox.
type listener struct {
	e *Engine
}

func (l listener) OrderUpdated(st order.State) {
	l.e.outcomes.notify(st)
	l.e.sagas.Tell(st.OrderID, func(ctx context.Context, m *saga.Manager) error {
		return m.OnOrderUpdate(ctx, st)
	})
}

func (l listener) FillApplied(fill order.Fill) {
	select {
	case <-l.e.done:
		return
	default:
	}
	l.e.fills.Add(1)
	go func() {
		defer l.e.fills.Done()
		l.e.deliverFill(fill)
	}()
}

// deliverFill applies a fill to its position, retrying with backoff. Fill
// ids are deduplicated by the position, so a retry after a lost reply is safe.
func (e *Engine) deliverFill(fill order.Fill) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AskTimeout)
		err := e.ApplyFill(ctx, fill)
		cancel()
		if err == nil {
			return
		}
		if attempt >= e.cfg.FillRetries {
			e.logger.Error("failed to apply fill to position",
				zap.String("fill_id", fill.FillID),
				zap.String("user_id", fill.UserID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}

		e.logger.Warn("fill delivery failed, retrying",
			zap.String("fill_id", fill.FillID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-e.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
