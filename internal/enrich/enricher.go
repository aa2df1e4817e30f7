// Package enrich turns raw execution reports into normalized execution events
// bound to internal order ids.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Resolver looks up correlation data for client order ids
type Resolver interface {
	ResolveInternalID(ctx context.Context, clOrdID string) (string, error)
	OriginalRequest(ctx context.Context, orderID string) (*clordid.StoredRequest, error)
}

// Enricher maps wire messages to execution events
type Enricher struct {
	resolver Resolver
	gen      *clordid.Generator
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an enricher
func New(resolver Resolver, gen *clordid.Generator, logger *zap.Logger) *Enricher {
	return &Enricher{resolver: resolver, gen: gen, logger: logger, now: time.Now}
}

var execTypes = map[string]domain.ExecType{
	fix.ExecTypeNew:            domain.ExecNew,
	fix.ExecTypePartialFill:    domain.ExecPartialFill,
	fix.ExecTypeFill:           domain.ExecFill,
	fix.ExecTypeDoneForDay:     domain.ExecDoneForDay,
	fix.ExecTypeCanceled:       domain.ExecCanceled,
	fix.ExecTypeReplaced:       domain.ExecReplaced,
	fix.ExecTypePendingCancel:  domain.ExecPendingCancel,
	fix.ExecTypeStopped:        domain.ExecStopped,
	fix.ExecTypeRejected:       domain.ExecRejected,
	fix.ExecTypeSuspended:      domain.ExecSuspended,
	fix.ExecTypePendingNew:     domain.ExecPendingNew,
	fix.ExecTypeCalculated:     domain.ExecCalculated,
	fix.ExecTypeExpired:        domain.ExecExpired,
	fix.ExecTypeRestated:       domain.ExecRestated,
	fix.ExecTypePendingReplace: domain.ExecPendingReplace,
	fix.ExecTypeTrade:          domain.ExecTrade,
	fix.ExecTypeOrderStatus:    domain.ExecOrderStatus,
}

var ordStatuses = map[string]domain.OrdStatus{
	fix.OrdStatusNew:                domain.OrdNew,
	fix.OrdStatusPartiallyFilled:    domain.OrdPartiallyFilled,
	fix.OrdStatusFilled:             domain.OrdFilled,
	fix.OrdStatusDoneForDay:         domain.OrdDoneForDay,
	fix.OrdStatusCanceled:           domain.OrdCanceled,
	fix.OrdStatusReplaced:           domain.OrdReplaced,
	fix.OrdStatusPendingCancel:      domain.OrdPendingCancel,
	fix.OrdStatusStopped:            domain.OrdStopped,
	fix.OrdStatusRejected:           domain.OrdRejected,
	fix.OrdStatusSuspended:          domain.OrdSuspended,
	fix.OrdStatusPendingNew:         domain.OrdPendingNew,
	fix.OrdStatusCalculated:         domain.OrdCalculated,
	fix.OrdStatusExpired:            domain.OrdExpired,
	fix.OrdStatusAcceptedForBidding: domain.OrdAcceptedForBidding,
	fix.OrdStatusPendingReplace:     domain.OrdPendingReplace,
}

// MapExecType returns the normalized execution type of a wire code
func MapExecType(code string) domain.ExecType {
	if t, ok := execTypes[code]; ok {
		return t
	}
	return domain.ExecUnknown
}

// MapOrdStatus returns the normalized order status of a wire code
func MapOrdStatus(code string) domain.OrdStatus {
	if s, ok := ordStatuses[code]; ok {
		return s
	}
	return domain.OrdUnknown
}

// Enrich converts an execution report (35=8). Unresolvable client order ids
// yield an event marked Unresolved rather than an error; errors are returned
// only for malformed numeric fields.
func (e *Enricher) Enrich(ctx context.Context, m *fix.Message) (domain.ExecutionEvent, error) {
	ev := domain.ExecutionEvent{
		ExecID:          m.GetString(fix.TagExecID),
		ExecType:        MapExecType(m.GetString(fix.TagExecType)),
		OrdStatus:       MapOrdStatus(m.GetString(fix.TagOrdStatus)),
		ClOrdID:         m.GetString(fix.TagClOrdID),
		OrigClOrdID:     m.GetString(fix.TagOrigClOrdID),
		ExchangeOrderID: m.GetString(fix.TagOrderID),
		Symbol:          m.GetString(fix.TagSymbol),
		Side:            mapSide(m.GetString(fix.TagSide)),
		RejectReason:    m.GetString(fix.TagOrdRejReason),
		Text:            m.GetString(fix.TagText),
	}

	var err error
	if ev.OrderQty, _, err = m.GetDecimal(fix.TagOrderQty); err != nil {
		return ev, err
	}
	if px, ok, err := m.GetDecimal(fix.TagPrice); err != nil {
		return ev, err
	} else if ok {
		ev.Price = &px
	}
	for tag, dst := range map[int]*decimal.Decimal{
		fix.TagLastQty:   &ev.LastQty,
		fix.TagLastPx:    &ev.LastPx,
		fix.TagCumQty:    &ev.CumQty,
		fix.TagLeavesQty: &ev.LeavesQty,
		fix.TagAvgPx:     &ev.AvgPx,
	} {
		if *dst, _, err = m.GetDecimal(tag); err != nil {
			return ev, err
		}
	}
	ev.TransactTime = e.transactTime(m)

	e.bind(ctx, &ev)
	return ev, nil
}

// EnrichCancelReject converts an order cancel reject (35=9) into a Rejected
// event on the modify or cancel chain
func (e *Enricher) EnrichCancelReject(ctx context.Context, m *fix.Message) domain.ExecutionEvent {
	ev := domain.ExecutionEvent{
		ExecType:        domain.ExecRejected,
		OrdStatus:       MapOrdStatus(m.GetString(fix.TagOrdStatus)),
		ClOrdID:         m.GetString(fix.TagClOrdID),
		OrigClOrdID:     m.GetString(fix.TagOrigClOrdID),
		ExchangeOrderID: m.GetString(fix.TagOrderID),
		RejectReason:    m.GetString(fix.TagCxlRejReason),
		Text:            m.GetString(fix.TagText),
		TransactTime:    e.transactTime(m),
	}
	// cancel rejects carry no exec id; the chain id is unique per request
	ev.ExecID = "cxlrej-" + ev.ClOrdID

	e.bind(ctx, &ev)

	switch m.GetString(fix.TagCxlRejResponseTo) {
	case fix.CxlRejResponseToCancel:
		ev.Chain = domain.ChainCancel
	case fix.CxlRejResponseToReplace:
		ev.Chain = domain.ChainModify
	}
	return ev
}

func (e *Enricher) bind(ctx context.Context, ev *domain.ExecutionEvent) {
	ev.Chain = e.gen.Kind(ev.ClOrdID)

	orderID, err := e.resolver.ResolveInternalID(ctx, ev.ClOrdID)
	if err != nil {
		ev.OrderID = domain.UnknownOrderID
		ev.Unresolved = true
		if errors.Is(err, clordid.ErrUnresolved) {
			ev.Diagnostic = fmt.Sprintf("no order mapping for client order id %q", ev.ClOrdID)
		} else {
			ev.Diagnostic = fmt.Sprintf("correlation lookup failed for %q: %v", ev.ClOrdID, err)
		}
		e.logger.Error("execution report unresolved",
			zap.String("cl_ord_id", ev.ClOrdID),
			zap.String("exec_id", ev.ExecID),
			zap.Error(err),
		)
		return
	}
	ev.OrderID = orderID

	stored, err := e.resolver.OriginalRequest(ctx, orderID)
	if err != nil {
		e.logger.Warn("original request unavailable",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return
	}

	req := stored.Request
	ev.UserID = req.UserID
	if ev.Symbol == "" {
		ev.Symbol = req.Symbol
	}
	if ev.Side == "" {
		ev.Side = req.Side
	}
	if ev.OrderQty.IsZero() {
		ev.OrderQty = req.Quantity
	}
	if ev.Price == nil && req.Price != nil {
		px := *req.Price
		ev.Price = &px
	}
}

func (e *Enricher) transactTime(m *fix.Message) time.Time {
	t, ok, err := m.GetTime(fix.TagTransactTime)
	if err != nil || !ok {
		return e.now().UTC()
	}
	return t
}

func mapSide(code string) domain.Side {
	switch code {
	case fix.SideBuy:
		return domain.SideBuy
	case fix.SideSell:
		return domain.SideSell
	}
	return ""
}
