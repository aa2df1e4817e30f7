package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"go.uber.org/zap"
)

// outcomes hands terminal order states to StartWorkflow callers that wait
// for the fill outcome. Waiters live on the node owning the order, which is
// where its listener fires.
type outcomes struct {
	mu      sync.Mutex
	waiters map[string][]chan order.State
}

func (o *outcomes) watch(orderID string) (<-chan order.State, func()) {
	ch := make(chan order.State, 1)
	o.mu.Lock()
	if o.waiters == nil {
		o.waiters = make(map[string][]chan order.State)
	}
	o.waiters[orderID] = append(o.waiters[orderID], ch)
	o.mu.Unlock()
	return ch, func() { o.drop(orderID, ch) }
}

func (o *outcomes) drop(orderID string, ch chan order.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list := o.waiters[orderID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.waiters, orderID)
		return
	}
	o.waiters[orderID] = list
}

// notify wakes every waiter of a terminal order once
func (o *outcomes) notify(st order.State) {
	if !st.Status.IsTerminal() {
		return
	}
	o.mu.Lock()
	list := o.waiters[st.OrderID]
	delete(o.waiters, st.OrderID)
	o.mu.Unlock()

	for _, ch := range list {
		ch <- st
	}
}

// awaitOutcome turns a started workflow into an order result once the
// order is terminal or wait elapses. A timeout reports what has filled so
// far and leaves the reservation in place, since the order may still fill.
func (l *local) awaitOutcome(ctx context.Context, started saga.Result, done <-chan order.State, wait time.Duration) (saga.Result, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case st := <-done:
		return orderResult(st, false), nil
	case <-ctx.Done():
		return started, nil
	case <-l.e.done:
		return started, nil
	case <-timer.C:
	}

	st, err := l.GetOrder(ctx, started.OrderID)
	if err != nil {
		l.e.logger.Warn("failed to read order after fill wait",
			zap.String("order_id", started.OrderID),
			zap.Error(err),
		)
		return started, nil
	}
	return orderResult(st, !st.Status.IsTerminal()), nil
}

func orderResult(st order.State, timedOut bool) saga.Result {
	return saga.Result{
		Kind:      saga.ResultOrder,
		OrderID:   st.OrderID,
		Reason:    st.RejectReason,
		Outcome:   st.Status,
		FilledQty: st.CumQty,
		Timeout:   timedOut,
	}
}
