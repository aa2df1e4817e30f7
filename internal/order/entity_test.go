package order

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu      sync.Mutex
	cancels int
	modifys int
}

func (g *fakeGateway) Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modifys++
	return fmt.Sprintf("OMS_%s_M_%d", orderID, g.modifys), "OMS_" + orderID, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, orderID string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return fmt.Sprintf("OMS_%s_C_%d", orderID, g.cancels), "OMS_" + orderID, nil
}

type recordingListener struct {
	mu      sync.Mutex
	updates []State
	fills   []Fill
}

func (l *recordingListener) OrderUpdated(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, s)
}

func (l *recordingListener) FillApplied(f Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, f)
}

func newDeps(t *testing.T) (Deps, *recordingListener) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "order_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := journal.Open(filepath.Join(tmpDir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	l := &recordingListener{}
	return Deps{
		Store:         store,
		Gateway:       &fakeGateway{},
		Listener:      l,
		SnapshotEvery: 2,
		Logger:        zap.NewNop(),
	}, l
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func buyLimit(orderID string, qty, px int64) domain.OrderRequest {
	p := d(px)
	return domain.OrderRequest{
		OrderID:     orderID,
		Symbol:      "PRES-2028",
		Side:        domain.SideBuy,
		Quantity:    d(qty),
		Price:       &p,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		UserID:      "user-1",
	}
}

func fill(orderID, execID string, last, cum, qty, px int64) domain.ExecutionEvent {
	et := domain.ExecPartialFill
	if cum == qty {
		et = domain.ExecFill
	}
	return domain.ExecutionEvent{
		ExecID:    execID,
		ExecType:  et,
		OrderID:   orderID,
		Chain:     domain.ChainNew,
		LastQty:   d(last),
		LastPx:    d(px),
		CumQty:    d(cum),
		LeavesQty: d(qty - cum),
		AvgPx:     d(px),
	}
}

func TestEntity_PartialThenFullFill(t *testing.T) {
	deps, listener := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)

	created, err := e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StatusPlaced, e.State().Status)

	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 49)))
	s := e.State()
	assert.True(t, d(1).Equal(s.CumQty))
	assert.True(t, d(1).Equal(s.LeavesQty))
	assert.Equal(t, domain.StatusPartiallyFilled, s.Status)

	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x2", 1, 2, 2, 49)))
	s = e.State()
	assert.True(t, d(2).Equal(s.CumQty))
	assert.True(t, d(0).Equal(s.LeavesQty))
	assert.Equal(t, domain.StatusFilled, s.Status)
	assert.True(t, d(98).Equal(s.FillCost()))

	require.Len(t, listener.fills, 2)
	assert.Equal(t, "ord-1/1", listener.fills[0].FillID)
	assert.Equal(t, "ord-1/2", listener.fills[1].FillID)
	assert.True(t, d(1).Equal(listener.fills[1].Delta))
	assert.Equal(t, domain.StatusFilled, listener.updates[len(listener.updates)-1].Status)
}

func TestEntity_PlacementIsIdempotent(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)

	created, err := e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = e.RecordPlacement(ctx, buyLimit("ord-1", 5, 10))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, d(2).Equal(e.State().Quantity), "second placement must not change the order")
}

func TestEntity_DuplicateFillDiscarded(t *testing.T) {
	deps, listener := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)

	ev := fill("ord-1", "x1", 1, 1, 2, 49)
	require.NoError(t, e.ApplyExecution(ctx, ev))
	assert.ErrorIs(t, e.ApplyExecution(ctx, ev), ErrDuplicateExecution)

	// same cumulative quantity under a new exec id is still a duplicate
	ev.ExecID = "x1-again"
	assert.ErrorIs(t, e.ApplyExecution(ctx, ev), ErrDuplicateExecution)

	assert.Len(t, listener.fills, 1)
	assert.True(t, d(1).Equal(e.State().CumQty))
}

func TestEntity_RejectsStaleAndOverfill(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)

	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x2", 2, 2, 3, 49)))
	assert.ErrorIs(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 49)), ErrStaleExecution)

	e2, err := Recover(ctx, "ord-2", deps)
	require.NoError(t, err)
	_, err = e2.RecordPlacement(ctx, buyLimit("ord-2", 2, 49))
	require.NoError(t, err)
	assert.ErrorIs(t, e2.ApplyExecution(ctx, fill("ord-2", "y1", 3, 3, 3, 49)), ErrNegativeLeaves)
	assert.True(t, e2.State().CumQty.IsZero())
}

func TestEntity_UnknownOrder(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)

	assert.ErrorIs(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 49)), ErrUnknownOrder)
	_, err = e.RequestCancel(ctx)
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestEntity_CancelOnlyEffectiveOnConfirmation(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)
	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 49)))

	clOrdID, err := e.RequestCancel(ctx)
	require.NoError(t, err)
	s := e.State()
	assert.Equal(t, domain.StatusPartiallyFilled, s.Status)
	assert.Equal(t, clOrdID, s.PendingCancel)

	require.NoError(t, e.ApplyExecution(ctx, domain.ExecutionEvent{
		ExecID:   "x2",
		ExecType: domain.ExecCanceled,
		OrderID:  "ord-1",
		ClOrdID:  clOrdID,
		Chain:    domain.ChainCancel,
		CumQty:   d(1),
		AvgPx:    d(49),
	}))
	s = e.State()
	assert.Equal(t, domain.StatusCanceled, s.Status)
	assert.Empty(t, s.PendingCancel)
	assert.True(t, d(1).Equal(s.LeavesQty))

	assert.ErrorIs(t, e.ApplyExecution(ctx, fill("ord-1", "x3", 1, 2, 2, 49)), ErrStaleExecution)
	_, err = e.RequestCancel(ctx)
	assert.ErrorIs(t, err, ErrOrderTerminal)
}

func TestEntity_ModifyReplaceAndReject(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)

	_, err = e.RequestModify(ctx, d(0), nil)
	assert.ErrorIs(t, err, ErrInvalidModify)

	first, err := e.RequestModify(ctx, d(1), nil)
	require.NoError(t, err)
	require.NoError(t, e.ApplyExecution(ctx, domain.ExecutionEvent{
		ExecID:   "r1",
		ExecType: domain.ExecRejected,
		OrderID:  "ord-1",
		ClOrdID:  first,
		Chain:    domain.ChainModify,
		Text:     "too late",
	}))
	s := e.State()
	assert.Equal(t, domain.StatusPlaced, s.Status, "a rejected modify leaves the order open")
	assert.Empty(t, s.PendingModify)

	px := d(60)
	second, err := e.RequestModify(ctx, d(1), &px)
	require.NoError(t, err)
	require.NoError(t, e.ApplyExecution(ctx, domain.ExecutionEvent{
		ExecID:   "r2",
		ExecType: domain.ExecReplaced,
		OrderID:  "ord-1",
		ClOrdID:  second,
		Chain:    domain.ChainModify,
		OrderQty: d(1),
		Price:    &px,
	}))
	s = e.State()
	assert.True(t, d(1).Equal(s.Quantity))
	assert.True(t, d(1).Equal(s.LeavesQty))
	assert.True(t, px.Equal(*s.Price))
	assert.Equal(t, domain.StatusPlaced, s.Status)
}

func TestEntity_ModifyStaysWithinReservation(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 50))
	require.NoError(t, err)

	_, err = e.RequestModify(ctx, d(5), nil)
	assert.ErrorIs(t, err, ErrInvalidModify, "5@50 costs more than the 100 reserved")

	px := d(99)
	_, err = e.RequestModify(ctx, d(2), &px)
	assert.ErrorIs(t, err, ErrInvalidModify)

	// one filled at 50 leaves 50 reserved for the rest
	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 50)))
	low := d(25)
	_, err = e.RequestModify(ctx, d(4), &low)
	assert.ErrorIs(t, err, ErrInvalidModify, "50 filled plus 3@25 exceeds 100")

	_, err = e.RequestModify(ctx, d(3), &low)
	assert.NoError(t, err, "50 filled plus 2@25 fits")
	assert.Equal(t, 1, deps.Gateway.(*fakeGateway).modifys)
}

func TestEntity_RejectAfterFillCancelsRemainder(t *testing.T) {
	deps, listener := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)
	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 2, 49)))

	require.NoError(t, e.ApplyExecution(ctx, domain.ExecutionEvent{
		ExecID:   "x2",
		ExecType: domain.ExecRejected,
		OrderID:  "ord-1",
		Chain:    domain.ChainNew,
		CumQty:   d(1),
		AvgPx:    d(49),
		Text:     "halted",
	}))
	s := e.State()
	assert.Equal(t, domain.StatusCanceled, s.Status)
	assert.Equal(t, "halted", s.RejectReason)
	assert.True(t, d(1).Equal(s.CumQty))
	assert.True(t, d(49).Equal(s.FillCost()))
	assert.Equal(t, domain.StatusCanceled, listener.updates[len(listener.updates)-1].Status)

	// the fold gives the same answer on replay
	again, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, again.State().Status)

	// with nothing filled a reject is still a reject
	e2, err := Recover(ctx, "ord-2", deps)
	require.NoError(t, err)
	_, err = e2.RecordPlacement(ctx, buyLimit("ord-2", 2, 49))
	require.NoError(t, err)
	require.NoError(t, e2.ApplyExecution(ctx, domain.ExecutionEvent{
		ExecID:   "y1",
		ExecType: domain.ExecRejected,
		OrderID:  "ord-2",
		Chain:    domain.ChainNew,
		Text:     "unknown symbol",
	}))
	assert.Equal(t, domain.StatusRejected, e2.State().Status)
}

func TestEntity_RecordRejection(t *testing.T) {
	deps, listener := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 2, 49))
	require.NoError(t, err)

	require.NoError(t, e.RecordRejection(ctx, "gateway not connected"))
	assert.Equal(t, domain.StatusRejected, e.State().Status)
	assert.Equal(t, "gateway not connected", e.State().RejectReason)
	require.NoError(t, e.RecordRejection(ctx, "again"))
	assert.Len(t, listener.updates, 1)
}

func TestEntity_RecoverReplaysJournal(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()

	e, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	_, err = e.RecordPlacement(ctx, buyLimit("ord-1", 3, 40))
	require.NoError(t, err)
	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 3, 40)))
	require.NoError(t, e.ApplyExecution(ctx, fill("ord-1", "x2", 1, 2, 3, 40)))
	want := e.State()

	recovered, err := Recover(ctx, "ord-1", deps)
	require.NoError(t, err)
	got := recovered.State()
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.CumQty.Equal(got.CumQty))
	assert.True(t, want.LeavesQty.Equal(got.LeavesQty))

	// exec ids survive the snapshot and replay
	assert.ErrorIs(t, recovered.ApplyExecution(ctx, fill("ord-1", "x1", 1, 1, 3, 40)), ErrDuplicateExecution)
	require.NoError(t, recovered.ApplyExecution(ctx, fill("ord-1", "x3", 1, 3, 3, 40)))
	assert.Equal(t, domain.StatusFilled, recovered.State().Status)
}

func TestEntity_MonotonicUnderRandomDelivery(t *testing.T) {
	deps, _ := newDeps(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for n := 0; n < 10; n++ {
		orderID := fmt.Sprintf("ord-%d", n)
		e, err := Recover(ctx, orderID, deps)
		require.NoError(t, err)
		_, err = e.RecordPlacement(ctx, buyLimit(orderID, 10, 30))
		require.NoError(t, err)

		prev := decimal.Zero
		for i := 0; i < 30; i++ {
			cum := int64(rng.Intn(13))
			ev := fill(orderID, fmt.Sprintf("%s-x%d", orderID, rng.Intn(20)), 1, cum, 10, 30)
			_ = e.ApplyExecution(ctx, ev)

			s := e.State()
			assert.False(t, s.CumQty.LessThan(prev), "cum_qty went backwards")
			assert.False(t, s.LeavesQty.IsNegative(), "leaves went negative")
			prev = s.CumQty
		}
	}
}
