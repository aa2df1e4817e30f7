package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownOrder is returned for operations on an order never placed
	ErrUnknownOrder = errors.New("unknown order")
	// ErrOrderTerminal is returned for requests against a finished order
	ErrOrderTerminal = errors.New("order is terminal")
	// ErrStaleExecution is returned when an execution's cumulative quantity goes backwards
	ErrStaleExecution = errors.New("stale execution")
	// ErrNegativeLeaves is returned when an execution would overfill the order
	ErrNegativeLeaves = errors.New("execution leaves negative quantity")
	// ErrDuplicateExecution is returned for an execution already applied
	ErrDuplicateExecution = errors.New("duplicate execution")
	// ErrInvalidModify is returned for a modify that cannot apply to the order
	ErrInvalidModify = errors.New("invalid modify")
)

// PersistenceID returns the journal stream id of an order
func PersistenceID(orderID string) string {
	return "order|" + orderID
}

// Gateway sends modify and cancel requests to the exchange
type Gateway interface {
	Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (clOrdID, origClOrdID string, err error)
	Cancel(ctx context.Context, orderID string) (clOrdID, origClOrdID string, err error)
}

// Fill is a confirmed increment of filled quantity
type Fill struct {
	FillID  string          `json:"fill_id"`
	OrderID string          `json:"order_id"`
	UserID  string          `json:"user_id"`
	Symbol  string          `json:"symbol"`
	Delta   decimal.Decimal `json:"delta"`
}

// Listener is notified after events are persisted. Implementations must not block.
type Listener interface {
	OrderUpdated(state State)
	FillApplied(fill Fill)
}

// Deps are the collaborators of an order entity
type Deps struct {
	Store         *journal.Store
	Gateway       Gateway
	Listener      Listener
	SnapshotEvery int
	Logger        *zap.Logger
}

// Entity is the single writer of one order's events
type Entity struct {
	state    State
	stream   *journal.Stream
	gateway  Gateway
	listener Listener
	logger   *zap.Logger
}

// Recover rebuilds the entity for orderID from its journal
func Recover(ctx context.Context, orderID string, deps Deps) (*Entity, error) {
	e := &Entity{
		state:    State{OrderID: orderID},
		stream:   journal.NewStream(deps.Store, PersistenceID(orderID), deps.SnapshotEvery),
		gateway:  deps.Gateway,
		listener: deps.Listener,
		logger:   deps.Logger.With(zap.String("order_id", orderID)),
	}

	restore := func(data []byte) error {
		return json.Unmarshal(data, &e.state)
	}
	apply := func(r journal.Record) error {
		return e.state.apply(r.EventType, r.Payload)
	}
	if err := e.stream.Recover(ctx, restore, apply); err != nil {
		return nil, err
	}

	if e.stream.Seq() > 0 {
		e.logger.Debug("order recovered",
			zap.Int64("seq", e.stream.Seq()),
			zap.String("status", string(e.state.Status)),
		)
	}
	return e, nil
}

// State returns a copy of the current state
func (e *Entity) State() State {
	return e.state.View()
}

// RecordPlacement creates the order. A second placement is a no-op.
func (e *Entity) RecordPlacement(ctx context.Context, req domain.OrderRequest) (bool, error) {
	if e.state.Exists {
		return false, nil
	}
	if req.OrderID != e.state.OrderID {
		return false, fmt.Errorf("%w: request for %s sent to %s", domain.ErrInvalidOrder, req.OrderID, e.state.OrderID)
	}

	rec, err := journal.NewRecord(EventPlaced, placedEvent{Request: req})
	if err != nil {
		return false, err
	}
	out, err := journal.NewOutboxEvent(msg.TopicOrderSubmitted, req.OrderID, msg.OrderSubmittedMsg{
		OrderID:      req.OrderID,
		Request:      req,
		TsUnixMillis: time.Now().UnixMilli(),
	})
	if err != nil {
		return false, err
	}

	if err := e.persist(ctx, rec, out); err != nil {
		return false, err
	}

	e.logger.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity.String()),
	)
	return true, nil
}

// RecordRejection terminates an order the exchange never saw
func (e *Entity) RecordRejection(ctx context.Context, reason string) error {
	if !e.state.Exists {
		return ErrUnknownOrder
	}
	if e.state.Status.IsTerminal() {
		return nil
	}

	rec, err := journal.NewRecord(EventRejected, rejectedEvent{Reason: reason})
	if err != nil {
		return err
	}
	if err := e.persist(ctx, rec); err != nil {
		return err
	}

	e.logger.Info("order rejected locally", zap.String("reason", reason))
	e.notify()
	return nil
}

// ApplyExecution appends an exchange execution. Stale, duplicate or
// overfilling executions are discarded and returned as errors.
func (e *Entity) ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	if !e.state.Exists {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, ev.OrderID)
	}
	if ev.ExecID != "" {
		if _, seen := e.state.ExecIDs[ev.ExecID]; seen {
			return fmt.Errorf("%w: exec_id %s", ErrDuplicateExecution, ev.ExecID)
		}
	}

	// a rejected modify or cancel leaves the order untouched
	if ev.ExecType == domain.ExecRejected && ev.Chain != domain.ChainNew && ev.Chain != "" {
		return e.recordRequestRejected(ctx, ev)
	}

	if e.state.Status.IsTerminal() {
		return fmt.Errorf("%w: order already %s", ErrStaleExecution, e.state.Status)
	}
	if ev.CumQty.LessThan(e.state.CumQty) {
		return fmt.Errorf("%w: cum_qty %s below %s", ErrStaleExecution, ev.CumQty, e.state.CumQty)
	}
	if ev.ExecType.IsFill() && ev.CumQty.Equal(e.state.CumQty) {
		return fmt.Errorf("%w: cum_qty %s already applied", ErrDuplicateExecution, ev.CumQty)
	}

	qty := e.state.Quantity
	if ev.ExecType == domain.ExecReplaced && ev.OrderQty.IsPositive() {
		qty = ev.OrderQty
	}
	if qty.Sub(ev.CumQty).IsNegative() {
		return fmt.Errorf("%w: cum_qty %s exceeds quantity %s", ErrNegativeLeaves, ev.CumQty, qty)
	}

	prevCum := e.state.CumQty
	next := e.state.View()
	next.applyExecution(ev)

	rec, err := journal.NewRecord(EventExecutionApplied, executionAppliedEvent{Execution: ev})
	if err != nil {
		return err
	}
	out, err := journal.NewOutboxEvent(msg.TopicExecutionReceived, ev.OrderID, msg.ExecutionReceivedMsg{
		OrderID:      ev.OrderID,
		Status:       next.Status,
		Execution:    ev,
		TsUnixMillis: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := e.persist(ctx, rec, out); err != nil {
		return err
	}

	e.logger.Info("execution applied",
		zap.String("exec_id", ev.ExecID),
		zap.String("exec_type", string(ev.ExecType)),
		zap.String("cum_qty", e.state.CumQty.String()),
		zap.String("leaves_qty", e.state.LeavesQty.String()),
		zap.String("status", string(e.state.Status)),
	)

	if delta := e.state.CumQty.Sub(prevCum); delta.IsPositive() && e.listener != nil {
		e.listener.FillApplied(Fill{
			FillID:  e.state.OrderID + "/" + e.state.CumQty.String(),
			OrderID: e.state.OrderID,
			UserID:  e.state.Request.UserID,
			Symbol:  e.state.Request.Symbol,
			Delta:   domain.SignedQty(e.state.Request.Side, delta),
		})
	}
	e.notify()
	return nil
}

func (e *Entity) recordRequestRejected(ctx context.Context, ev domain.ExecutionEvent) error {
	rec, err := journal.NewRecord(EventRequestRejected, requestRejectedEvent{
		Chain:   ev.Chain,
		ClOrdID: ev.ClOrdID,
		ExecID:  ev.ExecID,
		Reason:  rejectText(ev),
	})
	if err != nil {
		return err
	}
	if err := e.persist(ctx, rec); err != nil {
		return err
	}
	e.logger.Warn("exchange rejected request",
		zap.String("chain", string(ev.Chain)),
		zap.String("cl_ord_id", ev.ClOrdID),
		zap.String("reason", rejectText(ev)),
	)
	return nil
}

// RequestCancel asks the exchange to cancel. Status changes only when
// the exchange confirms.
func (e *Entity) RequestCancel(ctx context.Context) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}

	clOrdID, orig, err := e.gateway.Cancel(ctx, e.state.OrderID)
	if err != nil {
		return "", fmt.Errorf("failed to send cancel: %w", err)
	}

	rec, err := journal.NewRecord(EventCancelRequested, cancelRequestedEvent{ClOrdID: clOrdID, OrigClOrdID: orig})
	if err != nil {
		return "", err
	}
	if err := e.persist(ctx, rec); err != nil {
		return "", err
	}

	e.logger.Info("cancel requested", zap.String("cl_ord_id", clOrdID), zap.String("orig_cl_ord_id", orig))
	return clOrdID, nil
}

// RequestModify asks the exchange to replace quantity and price
func (e *Entity) RequestModify(ctx context.Context, qty decimal.Decimal, price *decimal.Decimal) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if !qty.IsPositive() || qty.LessThan(e.state.CumQty) {
		return "", fmt.Errorf("%w: quantity %s below filled %s", ErrInvalidModify, qty, e.state.CumQty)
	}
	if e.state.Request.OrderType == domain.OrderTypeLimit && price == nil {
		price = e.state.Price
	}
	if price != nil && (price.LessThan(domain.MinPrice) || !price.LessThan(domain.MaxPrice)) {
		return "", fmt.Errorf("%w: price %s out of range", ErrInvalidModify, price)
	}
	// the workflow reserved funds for the original request only
	rest := e.state.Request
	rest.Quantity, rest.Price = qty.Sub(e.state.CumQty), price
	reserved := e.state.Request.RiskAmount()
	if worst := e.state.FillCost().Add(rest.RiskAmount()); worst.GreaterThan(reserved) {
		return "", fmt.Errorf("%w: modified order could cost %s, reserved %s", ErrInvalidModify, worst, reserved)
	}

	clOrdID, orig, err := e.gateway.Modify(ctx, e.state.OrderID, qty, price)
	if err != nil {
		return "", fmt.Errorf("failed to send modify: %w", err)
	}

	rec, err := journal.NewRecord(EventModifyRequested, modifyRequestedEvent{
		ClOrdID:     clOrdID,
		OrigClOrdID: orig,
		Quantity:    qty,
		Price:       price,
	})
	if err != nil {
		return "", err
	}
	if err := e.persist(ctx, rec); err != nil {
		return "", err
	}

	e.logger.Info("modify requested",
		zap.String("cl_ord_id", clOrdID),
		zap.String("orig_cl_ord_id", orig),
		zap.String("quantity", qty.String()),
	)
	return clOrdID, nil
}

func (e *Entity) checkOpen() error {
	if !e.state.Exists {
		return ErrUnknownOrder
	}
	if e.state.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrOrderTerminal, e.state.Status)
	}
	return nil
}

func (e *Entity) persist(ctx context.Context, rec journal.Record, outbox ...journal.OutboxEvent) error {
	if err := e.stream.Persist(ctx, []journal.Record{rec}, outbox); err != nil {
		return fmt.Errorf("failed to persist %s: %w", rec.EventType, err)
	}
	if err := e.state.apply(rec.EventType, rec.Payload); err != nil {
		return fmt.Errorf("failed to apply %s: %w", rec.EventType, err)
	}
	if err := e.stream.MaybeSnapshot(ctx, func() ([]byte, error) { return json.Marshal(e.state) }); err != nil {
		e.logger.Warn("failed to snapshot order", zap.Error(err))
	}
	return nil
}

func (e *Entity) notify() {
	if e.listener != nil {
		e.listener.OrderUpdated(e.state.View())
	}
}
