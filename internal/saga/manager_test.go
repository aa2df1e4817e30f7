package saga

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type localFunds struct {
	*wallet.Wallet
}

func (f localFunds) Exposure(ctx context.Context, account string) (decimal.Decimal, error) {
	return f.Wallet.Exposure(account), nil
}

type fakeOrders struct {
	mu       sync.Mutex
	orders   map[string]order.State
	placeErr error
	placed   int
	rejected int
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]order.State)}
}

func (o *fakeOrders) Place(ctx context.Context, req domain.OrderRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.placeErr != nil {
		return o.placeErr
	}
	o.placed++
	if _, ok := o.orders[req.OrderID]; !ok {
		o.orders[req.OrderID] = order.State{
			Exists:    true,
			OrderID:   req.OrderID,
			Request:   req,
			Quantity:  req.Quantity,
			LeavesQty: req.Quantity,
			Status:    domain.StatusPlaced,
		}
	}
	return nil
}

func (o *fakeOrders) Reject(ctx context.Context, orderID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected++
	st := o.orders[orderID]
	st.Status = domain.StatusRejected
	st.RejectReason = reason
	o.orders[orderID] = st
	return nil
}

func (o *fakeOrders) Get(ctx context.Context, orderID string) (order.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orders[orderID], nil
}

func (o *fakeOrders) set(st order.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orders[st.OrderID] = st
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	block bool
	calls int
}

func (s *fakeSubmitter) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	err, block := s.err, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "OMS_" + req.OrderID, nil
}

func (s *fakeSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	deps     Deps
	fsm      *wallet.FSM
	internal *wallet.Wallet
	exchange *wallet.Wallet
	orders   *fakeOrders
	gateway  *fakeSubmitter
}

func newTestEnv(t *testing.T, omnibusBalance int64) *testEnv {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "saga_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := journal.Open(filepath.Join(tmpDir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fsm := wallet.NewFSM()
	applier := wallet.NewLocalApplier(fsm)
	opening := d(1000)
	internal := wallet.New(wallet.LedgerInternal, fsm, applier, wallet.Options{OpeningBalance: &opening}, zap.NewNop())
	exchange := wallet.New(wallet.LedgerExchange, fsm, applier, wallet.Options{}, zap.NewNop())
	if omnibusBalance > 0 {
		_, err = exchange.Deposit(context.Background(), "omni", d(omnibusBalance))
		require.NoError(t, err)
	}

	env := &testEnv{
		fsm:      fsm,
		internal: internal,
		exchange: exchange,
		orders:   newFakeOrders(),
		gateway:  &fakeSubmitter{},
	}
	env.deps = Deps{
		Store:          store,
		Internal:       localFunds{internal},
		Exchange:       localFunds{exchange},
		Orders:         env.orders,
		Gateway:        env.gateway,
		OmnibusAccount: "omni",
		StepTimeout:    time.Second,
		Logger:         zap.NewNop(),
	}
	return env
}

func (e *testEnv) manager(t *testing.T, orderID string) *Manager {
	t.Helper()
	m, err := Recover(context.Background(), orderID, e.deps)
	require.NoError(t, err)
	return m
}

func limitBuy(orderID string, qty, px int64) domain.OrderRequest {
	price := d(px)
	return domain.OrderRequest{
		OrderID:     orderID,
		Symbol:      "PRES-2028",
		Side:        domain.SideBuy,
		Quantity:    d(qty),
		Price:       &price,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		UserID:      "user-1",
	}
}

func filled(req domain.OrderRequest, status domain.OrderStatus, cum, avg int64) order.State {
	return order.State{
		Exists:    true,
		OrderID:   req.OrderID,
		Request:   req,
		Quantity:  req.Quantity,
		CumQty:    d(cum),
		LeavesQty: req.Quantity.Sub(d(cum)),
		AvgPx:     d(avg),
		Status:    status,
	}
}

func TestStartWorkflow_LimitBuySettles(t *testing.T) {
	env := newTestEnv(t, 10000)
	ctx := context.Background()
	m := env.manager(t, "ord-1")
	req := limitBuy("ord-1", 2, 49)

	res, err := m.StartWorkflow(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ResultStarted, res.Kind)
	assert.Equal(t, StepSubmitted, m.State().Step)

	assert.True(t, d(98).Equal(env.internal.Exposure("user-1")))
	assert.True(t, d(98).Equal(env.exchange.Exposure("omni")))

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusOrder, status.Kind)
	assert.Equal(t, domain.StatusPlaced, status.OrderStatus)

	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusPartiallyFilled, 1, 49)))
	assert.Equal(t, StepSubmitted, m.State().Step)

	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusFilled, 2, 49)))
	assert.Equal(t, StepSettled, m.State().Step)
	assert.True(t, d(98).Equal(m.State().Settled))

	assert.True(t, env.internal.Exposure("user-1").IsZero())
	assert.True(t, env.exchange.Exposure("omni").IsZero())
	balance, _ := env.fsm.Balance(wallet.LedgerInternal, "user-1")
	assert.True(t, d(902).Equal(balance), "balance %s", balance)
	balance, _ = env.fsm.Balance(wallet.LedgerExchange, "omni")
	assert.True(t, d(9902).Equal(balance), "balance %s", balance)

	status, err = m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusOrder, status.Kind)
	assert.Equal(t, domain.StatusFilled, status.OrderStatus)
	assert.True(t, d(2).Equal(status.FilledQty))
}

func TestStartWorkflow_ExchangeShortfallCompensates(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	m := env.manager(t, "ord-1")

	res, err := m.StartWorkflow(ctx, limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Contains(t, res.Reason, "exchange reservation failed")

	assert.Equal(t, StepReleased, m.State().Step)
	assert.True(t, env.internal.Exposure("user-1").IsZero())
	assert.True(t, env.exchange.Exposure("omni").IsZero())
	r, ok := env.internal.Reservation("ord-1")
	require.True(t, ok)
	assert.Equal(t, wallet.StateReleased, r.State)

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Kind)
	assert.Equal(t, res.Reason, status.Reason)
	assert.Zero(t, env.gateway.count())
}

func TestStartWorkflow_GatewayRejectReleases(t *testing.T) {
	env := newTestEnv(t, 10000)
	env.gateway.err = errors.New("not connected to exchange")
	ctx := context.Background()
	m := env.manager(t, "ord-1")

	res, err := m.StartWorkflow(ctx, limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	assert.Equal(t, ResultOrder, res.Kind)
	assert.Equal(t, domain.StatusRejected, res.Outcome)
	assert.True(t, res.FilledQty.IsZero())

	st, _ := env.orders.Get(ctx, "ord-1")
	assert.Equal(t, domain.StatusRejected, st.Status)
	assert.Equal(t, StepReleased, m.State().Step)
	assert.True(t, env.internal.Exposure("user-1").IsZero())
	assert.True(t, env.exchange.Exposure("omni").IsZero())
}

func TestStartWorkflow_StepTimeoutFails(t *testing.T) {
	env := newTestEnv(t, 10000)
	env.gateway.block = true
	env.deps.StepTimeout = 50 * time.Millisecond
	m := env.manager(t, "ord-1")

	res, err := m.StartWorkflow(context.Background(), limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	assert.Equal(t, ResultOrder, res.Kind)
	assert.Contains(t, res.Reason, "timed out")
	assert.True(t, env.internal.Exposure("user-1").IsZero())
}

func TestStartWorkflow_PlacementFailureCompensates(t *testing.T) {
	env := newTestEnv(t, 10000)
	env.orders.placeErr = errors.New("ask timed out")
	m := env.manager(t, "ord-1")

	res, err := m.StartWorkflow(context.Background(), limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Contains(t, res.Reason, "order placement failed")
	assert.True(t, env.internal.Exposure("user-1").IsZero())
	assert.True(t, env.exchange.Exposure("omni").IsZero())
	assert.Zero(t, env.gateway.count())
}

func TestStartWorkflow_RejectsSynchronously(t *testing.T) {
	env := newTestEnv(t, 10000)
	ctx := context.Background()

	bad := limitBuy("ord-1", 0, 49)
	m := env.manager(t, "ord-1")
	_, err := m.StartWorkflow(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.False(t, m.State().Exists)

	_, err = m.StartWorkflow(ctx, limitBuy("ord-2", 1, 49))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder, "request routed to the wrong workflow")

	_, err = m.StartWorkflow(ctx, limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	_, err = m.StartWorkflow(ctx, limitBuy("ord-1", 2, 49))
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, 1, env.gateway.count())

	// nothing from the rejected attempts reached the journal
	again := env.manager(t, "ord-1")
	assert.Equal(t, StepSubmitted, again.State().Step)
}

func TestStartWorkflow_RiskLimits(t *testing.T) {
	env := newTestEnv(t, 10000)
	env.deps.Limits = Limits{MaxOrderNotional: d(100), MaxUserRisk: d(150)}
	ctx := context.Background()

	_, err := env.manager(t, "ord-big").StartWorkflow(ctx, limitBuy("ord-big", 3, 49))
	assert.ErrorIs(t, err, ErrOrderNotional)

	res, err := env.manager(t, "ord-1").StartWorkflow(ctx, limitBuy("ord-1", 2, 49))
	require.NoError(t, err)
	require.Equal(t, ResultStarted, res.Kind)

	m := env.manager(t, "ord-2")
	_, err = m.StartWorkflow(ctx, limitBuy("ord-2", 2, 49))
	assert.ErrorIs(t, err, ErrUserRisk)
	assert.False(t, m.State().Exists)
	assert.True(t, d(98).Equal(env.internal.Exposure("user-1")))

	_, err = env.manager(t, "ord-3").StartWorkflow(ctx, limitBuy("ord-3", 1, 49))
	assert.NoError(t, err, "98 open plus 49 stays within the cap")
}

// lockstepFunds holds every Exposure read until n callers have read, so
// concurrent workflows all pass the early risk check on the same snapshot
type lockstepFunds struct {
	localFunds
	reads *sync.WaitGroup
}

func (f lockstepFunds) Exposure(ctx context.Context, account string) (decimal.Decimal, error) {
	exposure, err := f.localFunds.Exposure(ctx, account)
	f.reads.Done()
	f.reads.Wait()
	return exposure, err
}

func TestStartWorkflow_RiskCapHoldsForConcurrentOrders(t *testing.T) {
	env := newTestEnv(t, 10000)
	opening, limit := d(1000), d(150)
	capped := wallet.New(wallet.LedgerInternal, env.fsm, wallet.NewLocalApplier(env.fsm),
		wallet.Options{OpeningBalance: &opening, MaxExposure: &limit}, zap.NewNop())

	var reads sync.WaitGroup
	reads.Add(2)
	env.deps.Internal = lockstepFunds{localFunds: localFunds{capped}, reads: &reads}
	env.deps.Limits = Limits{MaxUserRisk: limit}
	ctx := context.Background()

	managers := []*Manager{env.manager(t, "ord-1"), env.manager(t, "ord-2")}
	results := make([]Result, len(managers))
	errs := make([]error, len(managers))
	var wg sync.WaitGroup
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			results[i], errs[i] = m.StartWorkflow(ctx, limitBuy(m.State().OrderID, 2, 49))
		}(i, m)
	}
	wg.Wait()

	started, limited := 0, 0
	for i := range managers {
		switch {
		case errs[i] == nil && results[i].Kind == ResultStarted:
			started++
		case errors.Is(errs[i], ErrUserRisk):
			limited++
			assert.ErrorIs(t, errs[i], wallet.ErrExposureLimit)
			assert.Equal(t, StepReleased, managers[i].State().Step)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, limited)
	assert.True(t, d(98).Equal(capped.Exposure("user-1")), "exposure %s", capped.Exposure("user-1"))
	assert.True(t, d(98).Equal(env.exchange.Exposure("omni")))
	assert.Equal(t, 1, env.gateway.count())
}

func TestOnOrderUpdate_RefusesToSettleMoreThanReserved(t *testing.T) {
	env := newTestEnv(t, 10000)
	ctx := context.Background()
	m := env.manager(t, "ord-1")
	req := limitBuy("ord-1", 2, 49)

	_, err := m.StartWorkflow(ctx, req)
	require.NoError(t, err)

	// the order was grown to 5 after the 98 was reserved
	grown := filled(req, domain.StatusFilled, 5, 49)
	grown.Quantity = d(5)
	err = m.OnOrderUpdate(ctx, grown)
	assert.ErrorIs(t, err, wallet.ErrSettleExceedsReservation)
	assert.Equal(t, StepFilledOrCanceled, m.State().Step)

	balance, _ := env.fsm.Balance(wallet.LedgerInternal, "user-1")
	assert.True(t, d(1000).Equal(balance), "balance %s", balance)
	assert.True(t, d(98).Equal(env.internal.Exposure("user-1")))
}

func TestOnOrderUpdate_AbsorbsAveragePriceRounding(t *testing.T) {
	env := newTestEnv(t, 10000)
	ctx := context.Background()
	m := env.manager(t, "ord-1")
	req := limitBuy("ord-1", 3, 50)

	_, err := m.StartWorkflow(ctx, req)
	require.NoError(t, err)

	// 150 filled in total, reported as 3 at a rounded 50.0001
	st := filled(req, domain.StatusFilled, 3, 50)
	st.AvgPx = decimal.RequireFromString("50.0001")
	require.NoError(t, m.OnOrderUpdate(ctx, st))
	assert.Equal(t, StepSettled, m.State().Step)
	assert.True(t, d(150).Equal(m.State().Settled), "settled %s", m.State().Settled)
}

func TestMarketSellReservesWorstCase(t *testing.T) {
	env := newTestEnv(t, 10000)
	m := env.manager(t, "ord-1")
	req := domain.OrderRequest{
		OrderID:     "ord-1",
		Symbol:      "PRES-2028",
		Side:        domain.SideSell,
		Quantity:    d(3),
		OrderType:   domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceIOC,
		UserID:      "user-1",
	}

	_, err := m.StartWorkflow(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d(300).Equal(env.internal.Exposure("user-1")))
}

func TestCanceledOrders(t *testing.T) {
	t.Run("without fills releases", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		ctx := context.Background()
		m := env.manager(t, "ord-1")
		req := limitBuy("ord-1", 2, 49)
		_, err := m.StartWorkflow(ctx, req)
		require.NoError(t, err)

		require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusCanceled, 0, 0)))
		assert.Equal(t, StepReleased, m.State().Step)
		assert.True(t, env.internal.Exposure("user-1").IsZero())
		balance, _ := env.fsm.Balance(wallet.LedgerInternal, "user-1")
		assert.True(t, d(1000).Equal(balance))

		status, err := m.GetStatus()
		require.NoError(t, err)
		assert.Equal(t, StatusOrder, status.Kind)
		assert.Equal(t, domain.StatusCanceled, status.OrderStatus)
	})

	t.Run("with fills settles the filled cost", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		ctx := context.Background()
		m := env.manager(t, "ord-1")
		req := limitBuy("ord-1", 2, 49)
		_, err := m.StartWorkflow(ctx, req)
		require.NoError(t, err)

		require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusCanceled, 1, 48)))
		assert.Equal(t, StepSettled, m.State().Step)
		assert.True(t, env.internal.Exposure("user-1").IsZero())
		balance, _ := env.fsm.Balance(wallet.LedgerInternal, "user-1")
		assert.True(t, d(952).Equal(balance), "balance %s", balance)
	})

	t.Run("exchange reject releases", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		ctx := context.Background()
		m := env.manager(t, "ord-1")
		req := limitBuy("ord-1", 2, 49)
		_, err := m.StartWorkflow(ctx, req)
		require.NoError(t, err)

		require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusRejected, 0, 0)))
		assert.Equal(t, StepReleased, m.State().Step)
		assert.True(t, env.exchange.Exposure("omni").IsZero())
	})
}

func TestOnOrderUpdate_IgnoresStaleAndRepeats(t *testing.T) {
	env := newTestEnv(t, 10000)
	ctx := context.Background()
	m := env.manager(t, "ord-1")
	req := limitBuy("ord-1", 4, 49)
	_, err := m.StartWorkflow(ctx, req)
	require.NoError(t, err)

	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusPartiallyFilled, 2, 49)))
	seq := m.stream.Seq()

	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusPartiallyFilled, 2, 49)))
	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusPartiallyFilled, 1, 49)))
	assert.Equal(t, seq, m.stream.Seq(), "repeated and stale updates persist nothing")
	assert.True(t, d(2).Equal(m.State().FilledQty))

	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusFilled, 4, 49)))
	require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusFilled, 4, 49)))
	assert.Equal(t, StepSettled, m.State().Step)
}

func TestGetStatus_Unknown(t *testing.T) {
	env := newTestEnv(t, 10000)
	_, err := env.manager(t, "ord-1").GetStatus()
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestResume(t *testing.T) {
	ctx := context.Background()

	t.Run("started releases and fails", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		req := limitBuy("ord-1", 2, 49)
		m := env.manager(t, "ord-1")
		require.NoError(t, m.persist(ctx, EventWorkflowStarted, workflowStartedEvent{Request: req, Amount: d(98)}))
		_, err := env.internal.Reserve(ctx, "ord-1", "user-1", d(98))
		require.NoError(t, err)
		require.NoError(t, m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerInternal}))

		recovered := env.manager(t, "ord-1")
		assert.Equal(t, StepStarted, recovered.State().Step)
		require.NoError(t, recovered.Resume(ctx))

		assert.Equal(t, StepReleased, recovered.State().Step)
		assert.True(t, env.internal.Exposure("user-1").IsZero())
		status, err := recovered.GetStatus()
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, status.Kind)
	})

	t.Run("funds reserved resubmits once", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		req := limitBuy("ord-1", 2, 49)
		m := env.manager(t, "ord-1")
		require.NoError(t, m.persist(ctx, EventWorkflowStarted, workflowStartedEvent{Request: req, Amount: d(98)}))
		require.NoError(t, m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerInternal}))
		require.NoError(t, m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerExchange}))

		recovered := env.manager(t, "ord-1")
		assert.Equal(t, StepFundsReserved, recovered.State().Step)
		require.NoError(t, recovered.Resume(ctx))
		assert.Equal(t, StepSubmitted, recovered.State().Step)
		assert.Equal(t, 1, env.gateway.count())

		require.NoError(t, env.manager(t, "ord-1").Resume(ctx))
		assert.Equal(t, 1, env.gateway.count(), "a submitted workflow is not sent again")
	})

	t.Run("funds reserved with an acknowledged order skips submission", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		req := limitBuy("ord-1", 2, 49)
		m := env.manager(t, "ord-1")
		require.NoError(t, m.persist(ctx, EventWorkflowStarted, workflowStartedEvent{Request: req, Amount: d(98)}))
		require.NoError(t, m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerInternal}))
		require.NoError(t, m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerExchange}))
		st := filled(req, domain.StatusPartiallyFilled, 1, 49)
		st.ExchangeOrderID = "EX-1"
		env.orders.set(st)

		recovered := env.manager(t, "ord-1")
		require.NoError(t, recovered.Resume(ctx))
		assert.Zero(t, env.gateway.count())
		assert.Equal(t, StepSubmitted, recovered.State().Step)
		assert.True(t, d(1).Equal(recovered.State().FilledQty))
	})

	t.Run("submitted settles a finished order", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		req := limitBuy("ord-1", 2, 49)
		_, err := env.manager(t, "ord-1").StartWorkflow(ctx, req)
		require.NoError(t, err)
		env.orders.set(filled(req, domain.StatusFilled, 2, 49))

		recovered := env.manager(t, "ord-1")
		require.NoError(t, recovered.Resume(ctx))
		assert.Equal(t, StepSettled, recovered.State().Step)
		assert.True(t, env.internal.Exposure("user-1").IsZero())
	})

	t.Run("settled is left alone", func(t *testing.T) {
		env := newTestEnv(t, 10000)
		req := limitBuy("ord-1", 2, 49)
		m := env.manager(t, "ord-1")
		_, err := m.StartWorkflow(ctx, req)
		require.NoError(t, err)
		require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusFilled, 2, 49)))

		recovered := env.manager(t, "ord-1")
		require.NoError(t, recovered.Resume(ctx))
		assert.Equal(t, StepSettled, recovered.State().Step)
		balance, _ := env.fsm.Balance(wallet.LedgerInternal, "user-1")
		assert.True(t, d(902).Equal(balance), "settle must not debit twice")
	})
}

func TestSnapshotRecovery(t *testing.T) {
	env := newTestEnv(t, 10000)
	env.deps.SnapshotEvery = 2
	ctx := context.Background()
	req := limitBuy("ord-1", 5, 40)

	m := env.manager(t, "ord-1")
	_, err := m.StartWorkflow(ctx, req)
	require.NoError(t, err)
	for cum := int64(1); cum <= 4; cum++ {
		require.NoError(t, m.OnOrderUpdate(ctx, filled(req, domain.StatusPartiallyFilled, cum, 40)))
	}

	recovered := env.manager(t, "ord-1")
	got := recovered.State()
	assert.Equal(t, StepSubmitted, got.Step)
	assert.Equal(t, domain.StatusPartiallyFilled, got.OrderStatus)
	assert.True(t, d(4).Equal(got.FilledQty))
	assert.True(t, d(160).Equal(got.FillCost))
	assert.True(t, d(200).Equal(got.Amount))
	assert.Equal(t, m.stream.Seq(), recovered.stream.Seq())
}
