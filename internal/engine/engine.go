// Package engine places every entity on the node that owns it and every
// singleton on the raft leader. Calls for an entity owned elsewhere are
// forwarded over the node service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/gateway"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/ismaiel54/fix-order-router/internal/observability"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/position"
	"github.com/ismaiel54/fix-order-router/internal/rpc/node"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/sharding"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrNoLeader is returned for singleton calls while no leader is known
var ErrNoLeader = errors.New("no leader elected")

func init() {
	node.RegisterError("NO_LEADER", ErrNoLeader, codes.Unavailable)
}

// Leadership reports the raft role of this node
type Leadership interface {
	IsLeader() bool
	LeaderID() string
}

// Config tunes the engine
type Config struct {
	NodeID         string
	OmnibusAccount string
	StepTimeout    time.Duration
	// AskTimeout bounds one call into a region; it must cover a whole workflow start
	AskTimeout    time.Duration
	Limits        saga.Limits
	SnapshotEvery int
	Region        sharding.Options
	FillRetries   int
	// FillWait holds StartWorkflow open for the order's outcome. Zero
	// returns as soon as the order is submitted.
	FillWait      time.Duration
}

// Deps are the engine's collaborators. Metrics may be nil.
type Deps struct {
	Store          *journal.Store
	Ring           *sharding.Ring
	Leadership     Leadership
	Peers          map[string]node.Handler
	FSM            *wallet.FSM
	Applier        wallet.Applier
	OpeningBalance *decimal.Decimal
	OmnibusBalance *decimal.Decimal
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// Engine hosts the order, saga and position regions of this node
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	local  *local

	orders    *sharding.Region[*order.Entity]
	sagas     *sharding.Region[*saga.Manager]
	positions *sharding.Region[*position.Aggregator]
	wallets   map[wallet.Ledger]*wallet.Wallet
	outcomes  outcomes

	gwMu sync.RWMutex
	gw   *gateway.Gateway

	done      chan struct{}
	closeOnce sync.Once
	fills     sync.WaitGroup
}

// New builds the engine. Regions start empty and recover entities lazily.
func New(cfg Config, deps Deps) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Second
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 6 * cfg.StepTimeout
	}
	if cfg.FillRetries <= 0 {
		cfg.FillRetries = 3
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(zap.String("node_id", cfg.NodeID)),
		done:   make(chan struct{}),
	}
	e.local = &local{e: e}

	internal := wallet.Options{ApplyTimeout: cfg.StepTimeout, OpeningBalance: deps.OpeningBalance}
	if risk := cfg.Limits.MaxUserRisk; risk.IsPositive() {
		internal.MaxExposure = &risk
	}
	e.wallets = map[wallet.Ledger]*wallet.Wallet{
		wallet.LedgerInternal: wallet.New(wallet.LedgerInternal, deps.FSM, deps.Applier, internal, deps.Logger),
		wallet.LedgerExchange: wallet.New(wallet.LedgerExchange, deps.FSM, deps.Applier,
			wallet.Options{ApplyTimeout: cfg.StepTimeout, OpeningBalance: deps.OmnibusBalance}, deps.Logger),
	}

	e.orders = sharding.NewRegion("orders", e.recoverOrder, cfg.Region, deps.Logger)
	e.sagas = sharding.NewRegion("sagas", e.recoverSaga, cfg.Region, deps.Logger)
	e.positions = sharding.NewRegion("positions", e.recoverPosition, cfg.Region, deps.Logger)
	return e
}

func (e *Engine) recoverOrder(ctx context.Context, orderID string) (*order.Entity, error) {
	return order.Recover(ctx, orderID, order.Deps{
		Store:         e.deps.Store,
		Gateway:       e,
		Listener:      listener{e: e},
		SnapshotEvery: e.cfg.SnapshotEvery,
		Logger:        e.deps.Logger,
	})
}

// recoverSaga rebuilds the manager and continues whatever step it stopped at
func (e *Engine) recoverSaga(ctx context.Context, orderID string) (*saga.Manager, error) {
	m, err := saga.Recover(ctx, orderID, saga.Deps{
		Store:          e.deps.Store,
		Internal:       ledgerFunds{e: e, ledger: wallet.LedgerInternal},
		Exchange:       ledgerFunds{e: e, ledger: wallet.LedgerExchange},
		Orders:         sagaOrders{e: e},
		Gateway:        e,
		Limits:         e.cfg.Limits,
		OmnibusAccount: e.cfg.OmnibusAccount,
		StepTimeout:    e.cfg.StepTimeout,
		SnapshotEvery:  e.cfg.SnapshotEvery,
		Metrics:        e.deps.Metrics,
		Logger:         e.deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Resume(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("failed to resume workflow", zap.String("order_id", orderID), zap.Error(err))
	}
	return m, nil
}

func (e *Engine) recoverPosition(ctx context.Context, userID string) (*position.Aggregator, error) {
	return position.Recover(ctx, e.deps.Store, userID, e.cfg.SnapshotEvery, e.deps.Logger)
}

// AttachGateway sets the exchange gateway. The gateway is started only
// while this node leads.
func (e *Engine) AttachGateway(g *gateway.Gateway) {
	e.gwMu.Lock()
	e.gw = g
	e.gwMu.Unlock()

	if g != nil && e.deps.Leadership != nil && e.deps.Leadership.IsLeader() {
		g.Start(context.Background())
	}
}

func (e *Engine) gateway() *gateway.Gateway {
	e.gwMu.RLock()
	defer e.gwMu.RUnlock()
	return e.gw
}

// OnLeadership starts the gateway on the leader and stops it elsewhere
func (e *Engine) OnLeadership(isLeader bool) {
	g := e.gateway()
	if g == nil {
		return
	}
	if isLeader {
		e.logger.Info("became leader, starting gateway")
		g.Start(context.Background())
		return
	}
	e.logger.Info("lost leadership, stopping gateway")
	g.Stop()
}

// Local serves calls for entities on this node without routing them again.
// It is what the node service exposes to peers.
func (e *Engine) Local() node.Handler {
	return e.local
}

// route picks the handler for an entity key
func (e *Engine) route(method, key string) (node.Handler, error) {
	owner := e.deps.Ring.Owner(key)
	if owner == "" || owner == e.cfg.NodeID {
		return e.local, nil
	}
	peer, ok := e.deps.Peers[owner]
	if !ok {
		return nil, fmt.Errorf("no client for node %s", owner)
	}
	e.countForward(method)
	return peer, nil
}

// leader picks the handler for a singleton call
func (e *Engine) leader(method string) (node.Handler, error) {
	if e.deps.Leadership.IsLeader() {
		return e.local, nil
	}
	id := e.deps.Leadership.LeaderID()
	if id == "" {
		return nil, ErrNoLeader
	}
	if id == e.cfg.NodeID {
		return e.local, nil
	}
	peer, ok := e.deps.Peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no client for leader %s", ErrNoLeader, id)
	}
	e.countForward(method)
	return peer, nil
}

func (e *Engine) countForward(method string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Forwarded.WithLabelValues(method).Inc()
	}
}

// ResumeWorkflows activates every unfinished saga this node owns. Activation
// recovers the saga and continues it from its last step.
func (e *Engine) ResumeWorkflows(ctx context.Context) (int, error) {
	ids, err := e.deps.Store.PersistenceIDs(ctx, saga.PersistenceID(""))
	if err != nil {
		return 0, fmt.Errorf("failed to list workflows: %w", err)
	}

	n := 0
	for _, pid := range ids {
		orderID := strings.TrimPrefix(pid, saga.PersistenceID(""))
		if owner := e.deps.Ring.Owner(orderID); owner != "" && owner != e.cfg.NodeID {
			continue
		}
		e.sagas.Tell(orderID, func(ctx context.Context, m *saga.Manager) error { return nil })
		n++
	}
	e.logger.Info("workflows activated", zap.Int("count", n))
	return n, nil
}

// Run passivates idle entities and reports region sizes until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{e.orders.Run, e.sagas.Run, e.positions.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			_ = run(ctx)
		}(run)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-e.done:
			wg.Wait()
			return nil
		case <-ticker.C:
			e.reportActive()
		}
	}
}

func (e *Engine) reportActive() {
	if e.deps.Metrics == nil {
		return
	}
	e.deps.Metrics.ActiveEntities.WithLabelValues("orders").Set(float64(e.orders.Active()))
	e.deps.Metrics.ActiveEntities.WithLabelValues("sagas").Set(float64(e.sagas.Active()))
	e.deps.Metrics.ActiveEntities.WithLabelValues("positions").Set(float64(e.positions.Active()))
}

// Close stops the gateway and every region
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if g := e.gateway(); g != nil {
			g.Stop()
		}
		e.sagas.Close()
		e.orders.Close()
		e.positions.Close()
		e.fills.Wait()
	})
}

func ask[E any](ctx context.Context, e *Engine, r *sharding.Region[E], id string, fn sharding.Handler[E]) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AskTimeout)
	defer cancel()
	return r.Ask(ctx, id, fn)
}
