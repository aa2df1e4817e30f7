package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Enricher, *clordid.Correlator) {
	t.Helper()
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	corr := clordid.NewCorrelator(rdb, clordid.NewGenerator("OMS"), clordid.Options{}, zap.NewNop())
	return New(corr, corr.Generator(), zap.NewNop()), corr
}

func limitBuy(orderID string) domain.OrderRequest {
	px := decimal.NewFromInt(49)
	return domain.OrderRequest{
		OrderID:     orderID,
		Symbol:      "PRES-2028",
		Side:        domain.SideBuy,
		Quantity:    decimal.NewFromInt(2),
		Price:       &px,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		UserID:      "user-7",
	}
}

func TestEnrich_PartialFill(t *testing.T) {
	e, corr := setup(t)
	ctx := context.Background()

	clOrdID, err := corr.GenerateNew(ctx, "ord-1", limitBuy("ord-1"))
	require.NoError(t, err)

	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagClOrdID, clOrdID).
		Set(fix.TagOrderID, "EX-9").
		Set(fix.TagExecID, "x1").
		Set(fix.TagExecType, fix.ExecTypePartialFill).
		Set(fix.TagOrdStatus, fix.OrdStatusPartiallyFilled).
		Set(fix.TagLastQty, "1").
		Set(fix.TagLastPx, "49").
		Set(fix.TagCumQty, "1").
		Set(fix.TagLeavesQty, "1").
		Set(fix.TagAvgPx, "49").
		Set(fix.TagTransactTime, "20260101-12:00:00.000")

	ev, err := e.Enrich(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, "ord-1", ev.OrderID)
	assert.False(t, ev.Unresolved)
	assert.Equal(t, domain.ExecPartialFill, ev.ExecType)
	assert.Equal(t, domain.OrdPartiallyFilled, ev.OrdStatus)
	assert.Equal(t, domain.ChainNew, ev.Chain)
	assert.Equal(t, "EX-9", ev.ExchangeOrderID)
	assert.True(t, ev.CumQty.Equal(decimal.NewFromInt(1)))
	assert.True(t, ev.LeavesQty.Equal(decimal.NewFromInt(1)))

	// filled in from the stored request
	assert.Equal(t, "user-7", ev.UserID)
	assert.Equal(t, "PRES-2028", ev.Symbol)
	assert.Equal(t, domain.SideBuy, ev.Side)
	assert.True(t, ev.OrderQty.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, ev.Price)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), ev.TransactTime)
}

func TestEnrich_UnresolvedStillProducesEvent(t *testing.T) {
	e, _ := setup(t)

	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagClOrdID, "FOREIGN-123").
		Set(fix.TagExecID, "x1").
		Set(fix.TagExecType, fix.ExecTypeNew).
		Set(fix.TagOrdStatus, fix.OrdStatusNew)

	ev, err := e.Enrich(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, domain.UnknownOrderID, ev.OrderID)
	assert.True(t, ev.Unresolved)
	assert.Contains(t, ev.Diagnostic, "FOREIGN-123")
}

func TestEnrich_MissingOriginalRequest(t *testing.T) {
	e, _ := setup(t)

	// structurally resolvable, never generated through the correlator
	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagClOrdID, "OMS_ord_2").
		Set(fix.TagExecID, "x1").
		Set(fix.TagExecType, fix.ExecTypeNew).
		Set(fix.TagOrdStatus, fix.OrdStatusNew).
		Set(fix.TagSymbol, "WX").
		Set(fix.TagSide, fix.SideSell)

	ev, err := e.Enrich(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "ord-2", ev.OrderID)
	assert.False(t, ev.Unresolved)
	assert.Equal(t, "WX", ev.Symbol)
	assert.Equal(t, domain.SideSell, ev.Side)
	assert.Empty(t, ev.UserID)
}

func TestEnrich_ModifyChainReplaced(t *testing.T) {
	e, corr := setup(t)
	ctx := context.Background()

	_, err := corr.GenerateNew(ctx, "ord-3", limitBuy("ord-3"))
	require.NoError(t, err)
	ids, err := corr.GenerateModify(ctx, "ord-3")
	require.NoError(t, err)

	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagClOrdID, ids.ClOrdID).
		Set(fix.TagOrigClOrdID, ids.OrigClOrdID).
		Set(fix.TagExecID, "x2").
		Set(fix.TagExecType, fix.ExecTypeReplaced).
		Set(fix.TagOrdStatus, fix.OrdStatusReplaced).
		Set(fix.TagOrderQty, "5").
		Set(fix.TagPrice, "40")

	ev, err := e.Enrich(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, domain.ChainModify, ev.Chain)
	assert.Equal(t, "ord-3", ev.OrderID)
	assert.True(t, ev.OrderQty.Equal(decimal.NewFromInt(5)))
	assert.True(t, ev.Price.Equal(decimal.NewFromInt(40)))
}

func TestEnrich_MalformedDecimal(t *testing.T) {
	e, _ := setup(t)
	m := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagClOrdID, "OMS_ord_1").
		Set(fix.TagCumQty, "one")

	_, err := e.Enrich(context.Background(), m)
	assert.Error(t, err)
}

func TestEnrichCancelReject(t *testing.T) {
	e, corr := setup(t)
	ctx := context.Background()

	_, err := corr.GenerateNew(ctx, "ord-4", limitBuy("ord-4"))
	require.NoError(t, err)
	ids, err := corr.GenerateCancel(ctx, "ord-4")
	require.NoError(t, err)

	m := fix.NewMessage(fix.MsgTypeOrderCancelReject).
		Set(fix.TagClOrdID, ids.ClOrdID).
		Set(fix.TagOrigClOrdID, ids.OrigClOrdID).
		Set(fix.TagOrdStatus, fix.OrdStatusNew).
		Set(fix.TagCxlRejResponseTo, fix.CxlRejResponseToCancel).
		Set(fix.TagCxlRejReason, "1")

	ev := e.EnrichCancelReject(ctx, m)
	assert.Equal(t, domain.ExecRejected, ev.ExecType)
	assert.Equal(t, domain.ChainCancel, ev.Chain)
	assert.Equal(t, "ord-4", ev.OrderID)
	assert.Equal(t, "cxlrej-"+ids.ClOrdID, ev.ExecID)
	assert.Equal(t, "1", ev.RejectReason)
}

func TestMapCodes(t *testing.T) {
	assert.Equal(t, domain.ExecTrade, MapExecType("F"))
	assert.Equal(t, domain.ExecOrderStatus, MapExecType("I"))
	assert.Equal(t, domain.ExecUnknown, MapExecType("Z"))
	assert.Equal(t, domain.OrdAcceptedForBidding, MapOrdStatus("D"))
	assert.Equal(t, domain.OrdUnknown, MapOrdStatus(""))
}
