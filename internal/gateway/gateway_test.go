package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/enrich"
	"github.com/ismaiel54/fix-order-router/internal/exchangesim"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/ismaiel54/fix-order-router/internal/observability"
	entity "github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
	err    error
}

func (d *recordingDispatcher) ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.err
}

func (d *recordingDispatcher) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *recordingDispatcher) snapshot() []domain.ExecutionEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ExecutionEvent(nil), d.events...)
}

func (d *recordingDispatcher) waitFor(t *testing.T, match func(domain.ExecutionEvent) bool) domain.ExecutionEvent {
	t.Helper()
	var found domain.ExecutionEvent
	require.Eventually(t, func() bool {
		for _, ev := range d.snapshot() {
			if match(ev) {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

type fakeProducer struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakeProducer) ProduceJSON(ctx context.Context, topic, key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, topic+":"+key)
	return nil
}

type fixture struct {
	gw         *Gateway
	sim        *exchangesim.Simulator
	corr       *clordid.Correlator
	dispatcher *recordingDispatcher
	reporter   *Reporter
	metrics    *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sim, err := exchangesim.New("127.0.0.1:0", exchangesim.Config{SenderCompID: "EXCH"}, zap.NewNop())
	require.NoError(t, err)
	go func() { _ = sim.Serve(ctx) }()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	corr := clordid.NewCorrelator(rdb, clordid.NewGenerator("OMS"), clordid.Options{}, zap.NewNop())

	metrics := observability.NewMetrics()
	reporter := NewReporter(&fakeProducer{}, metrics.ProtocolErrors, zap.NewNop())
	dispatcher := &recordingDispatcher{}

	gw := New(Config{
		Session: fix.SessionConfig{
			Addr:              sim.Addr(),
			SenderCompID:      "OMS",
			TargetCompID:      "EXCH",
			HeartBtInt:        time.Second,
			ReconnectInterval: 50 * time.Millisecond,
		},
		OmnibusAccount: "omni",
	}, Deps{
		Correlator: corr,
		Enricher:   enrich.New(corr, corr.Generator(), zap.NewNop()),
		Dispatcher: dispatcher,
		Reporter:   reporter,
		Metrics:    metrics,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(gw.Stop)

	return &fixture{gw: gw, sim: sim, corr: corr, dispatcher: dispatcher, reporter: reporter, metrics: metrics}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.gw.Start(context.Background())
	require.Eventually(t, f.gw.IsConnected, 5*time.Second, 10*time.Millisecond)
}

func order(id string) domain.OrderRequest {
	px := decimal.NewFromInt(49)
	return domain.OrderRequest{
		OrderID:     id,
		Symbol:      "PRES-2028",
		Side:        domain.SideBuy,
		Quantity:    decimal.NewFromInt(2),
		Price:       &px,
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		UserID:      "user-1",
	}
}

func TestGateway_FailsFastWhileDisconnected(t *testing.T) {
	f := newFixture(t)

	_, err := f.gw.Submit(context.Background(), order("ord-1"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = f.gw.Cancel(context.Background(), "ord-1")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, _, err = f.gw.Modify(context.Background(), "ord-1", decimal.NewFromInt(1), nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGateway_SubmitCarriesPartiesAndRoutesReports(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	clOrdID, err := f.gw.Submit(ctx, order("ord-1"))
	require.NoError(t, err)
	assert.Equal(t, "OMS_ord_1", clOrdID)

	ack := f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecNew })
	assert.Equal(t, "ord-1", ack.OrderID)
	assert.Equal(t, "user-1", ack.UserID)

	var sent *fix.Message
	for _, m := range f.sim.Received() {
		if m.MsgType() == fix.MsgTypeNewOrderSingle {
			sent = m
		}
	}
	require.NotNil(t, sent)
	assert.Equal(t, "omni", sent.GetString(fix.TagAccount))
	assert.Equal(t, []string{"omni_user-1"}, sent.GetAll(fix.TagPartyID))
	assert.Equal(t, []string{fix.PartyRoleCustomerAccount}, sent.GetAll(fix.TagPartyRole))
	assert.Equal(t, fix.TimeInForceGTC, sent.GetString(fix.TagTimeInForce))

	require.NoError(t, f.sim.Fill(clOrdID, decimal.NewFromInt(1)))
	pf := f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecPartialFill })
	assert.True(t, pf.CumQty.Equal(decimal.NewFromInt(1)))
}

func TestGateway_ModifyThenCancelReferencesAcceptedModify(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	_, err := f.gw.Submit(ctx, order("ord-2"))
	require.NoError(t, err)

	px := decimal.NewFromInt(45)
	modID, orig, err := f.gw.Modify(ctx, "ord-2", decimal.NewFromInt(4), &px)
	require.NoError(t, err)
	assert.Equal(t, "OMS_ord_2", orig)

	f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecReplaced })
	latest, ok, err := f.corr.LatestAccepted(ctx, domain.ChainModify, "ord-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, modID, latest)

	cxlID, cxlOrig, err := f.gw.Cancel(ctx, "ord-2")
	require.NoError(t, err)
	assert.Equal(t, modID, cxlOrig)

	f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecCanceled })
	latest, ok, err = f.corr.LatestAccepted(ctx, domain.ChainCancel, "ord-2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, cxlID, latest)
}

func TestGateway_CancelRejectClearsPending(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	clOrdID, err := f.gw.Submit(ctx, order("ord-3"))
	require.NoError(t, err)
	require.NoError(t, f.sim.Fill(clOrdID, decimal.NewFromInt(2)))
	f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecFill })

	_, _, err = f.gw.Cancel(ctx, "ord-3")
	require.NoError(t, err)

	rej := f.dispatcher.waitFor(t, func(ev domain.ExecutionEvent) bool { return ev.ExecType == domain.ExecRejected })
	assert.Equal(t, domain.ChainCancel, rej.Chain)
	assert.Equal(t, "ord-3", rej.OrderID)

	// a fresh cancel is allowed once the rejected one is cleared
	_, err = f.corr.GenerateCancel(ctx, "ord-3")
	assert.NoError(t, err)
}

func TestGateway_UnresolvedReportsCorrelationError(t *testing.T) {
	f := newFixture(t)

	f.gw.route(context.Background(), domain.ExecutionEvent{
		OrderID:    domain.UnknownOrderID,
		ClOrdID:    "FOREIGN",
		Unresolved: true,
		Diagnostic: "no mapping",
	}, "s")

	assert.Empty(t, f.dispatcher.snapshot())
	assert.Equal(t, int64(1), f.reporter.Counts()[CorrelationError])
}

func TestGateway_UnknownOrderReportsCorrelationError(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.fail(fmt.Errorf("%w: ord-garbage", entity.ErrUnknownOrder))

	f.gw.route(context.Background(), domain.ExecutionEvent{
		ExecID:   "x1",
		ExecType: domain.ExecFill,
		OrderID:  "ord-garbage",
		ClOrdID:  "OMS_ord-garbage",
		Chain:    domain.ChainNew,
	}, "s")

	assert.Len(t, f.dispatcher.snapshot(), 1)
	assert.Equal(t, int64(1), f.reporter.Counts()[CorrelationError])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Executions.WithLabelValues("unknown_order")))
}

func TestGateway_CountsExecutionsBySentinel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := domain.ExecutionEvent{ExecID: "x1", ExecType: domain.ExecPartialFill, OrderID: "ord-1", Chain: domain.ChainNew}

	f.gw.route(ctx, ev, "s")
	// wrapped sentinels, whatever their message says
	f.dispatcher.fail(fmt.Errorf("cum_qty 1 already applied: %w", entity.ErrDuplicateExecution))
	f.gw.route(ctx, ev, "s")
	f.dispatcher.fail(fmt.Errorf("order already FILLED: %w", entity.ErrStaleExecution))
	f.gw.route(ctx, ev, "s")
	f.dispatcher.fail(errors.New("stale duplicate connection"))
	f.gw.route(ctx, ev, "s")

	count := func(result string) float64 {
		return testutil.ToFloat64(f.metrics.Executions.WithLabelValues(result))
	}
	assert.Equal(t, float64(1), count("applied"))
	assert.Equal(t, float64(1), count("duplicate"))
	assert.Equal(t, float64(1), count("stale"))
	assert.Equal(t, float64(1), count("error"), "text alone does not classify an error")
	assert.Zero(t, f.reporter.Counts()[CorrelationError])
}

func TestGateway_ExchangeRestartReconnects(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.sim.Restart()
	require.Eventually(t, func() bool { return f.reporter.Counts()[ConnectionError] > 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.gw.IsConnected, 5*time.Second, 10*time.Millisecond)

	_, err := f.gw.Submit(context.Background(), order("ord-4"))
	assert.NoError(t, err)
}

func TestGateway_StopDisconnects(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.True(t, f.gw.Running())

	f.gw.Stop()
	assert.False(t, f.gw.Running())
	assert.False(t, f.gw.IsConnected())

	_, err := f.gw.Submit(context.Background(), order("ord-5"))
	assert.ErrorIs(t, err, ErrNotConnected)
}
