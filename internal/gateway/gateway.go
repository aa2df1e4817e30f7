// Package gateway owns the exchange session. It stamps outbound order
// messages and routes enriched execution reports to order entities.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/chaos"
	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/enrich"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/ismaiel54/fix-order-router/internal/observability"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotConnected is returned while the exchange session is down
var ErrNotConnected = errors.New("gateway not connected")

// Correlator is the client order id store used by the gateway
type Correlator interface {
	GenerateNew(ctx context.Context, orderID string, req domain.OrderRequest) (string, error)
	GenerateModify(ctx context.Context, orderID string) (clordid.ChainIDs, error)
	GenerateCancel(ctx context.Context, orderID string) (clordid.ChainIDs, error)
	RecordAccepted(ctx context.Context, kind domain.ChainKind, orderID, clOrdID string) error
	ClearPending(ctx context.Context, kind domain.ChainKind, orderID string) error
	OriginalRequest(ctx context.Context, orderID string) (*clordid.StoredRequest, error)
}

// Dispatcher delivers resolved execution events to order entities
type Dispatcher interface {
	ApplyExecution(ctx context.Context, ev domain.ExecutionEvent) error
}

// Config configures the gateway
type Config struct {
	Session         fix.SessionConfig
	OmnibusAccount  string
	DispatchTimeout time.Duration
	Monitor         MonitorOptions
}

// Deps are the gateway's collaborators. Metrics and Chaos may be nil.
type Deps struct {
	Correlator Correlator
	Enricher   *enrich.Enricher
	Dispatcher Dispatcher
	Reporter   *Reporter
	Metrics    *observability.Metrics
	Chaos      *chaos.Injector
	Logger     *zap.Logger
}

// Gateway is the exchange-facing singleton
type Gateway struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	session *fix.Session
	monitor *Monitor

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a stopped gateway
func New(cfg Config, deps Deps) *Gateway {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}
	g.session = fix.NewSession(cfg.Session, g, deps.Logger)
	g.monitor = NewMonitor(g.IsConnected, g.session.ID(), deps.Reporter, cfg.Monitor, deps.Logger)
	return g
}

// Start opens the session and its monitor. Calling Start on a running
// gateway is a no-op.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.stopped = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := g.session.Run(runCtx); err != nil {
			g.logger.Error("session stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		g.monitor.Run(runCtx)
	}()
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(g.stopped)

	g.logger.Info("gateway started", zap.String("session_id", g.session.ID()), zap.String("addr", g.cfg.Session.Addr))
}

// Stop logs out and waits for the session to end
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel, stopped := g.cancel, g.stopped
	g.cancel, g.stopped = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	g.setConnected(false)
	g.logger.Info("gateway stopped")
}

// Running reports whether Start has been called without Stop
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// IsConnected reports whether the session is logged on
func (g *Gateway) IsConnected() bool {
	return g.session.IsLoggedOn()
}

// Ready reports whether the gateway should count as healthy
func (g *Gateway) Ready() bool {
	return g.IsConnected() || g.monitor.InMaintenance()
}

// Submit sends a new order single
func (g *Gateway) Submit(ctx context.Context, req domain.OrderRequest) (string, error) {
	if !g.IsConnected() {
		return "", ErrNotConnected
	}

	clOrdID, err := g.deps.Correlator.GenerateNew(ctx, req.OrderID, req)
	if err != nil {
		return "", fmt.Errorf("failed to generate client order id: %w", err)
	}

	m := fix.NewMessage(fix.MsgTypeNewOrderSingle).
		Set(fix.TagClOrdID, clOrdID).
		Set(fix.TagSymbol, req.Symbol).
		Set(fix.TagSide, wireSide(req.Side)).
		SetDecimal(fix.TagOrderQty, req.Quantity).
		Set(fix.TagOrdType, wireOrdType(req.OrderType)).
		Set(fix.TagTimeInForce, wireTimeInForce(req.TimeInForce)).
		SetTime(fix.TagTransactTime, time.Now())
	if req.Price != nil {
		m.SetDecimal(fix.TagPrice, *req.Price)
	}
	if g.cfg.OmnibusAccount != "" {
		m.Set(fix.TagAccount, g.cfg.OmnibusAccount)
	}
	g.addParties(m, req.UserID)

	if err := g.send(m, req.OrderID); err != nil {
		return "", err
	}
	return clOrdID, nil
}

// Modify sends a cancel/replace for orderID
func (g *Gateway) Modify(ctx context.Context, orderID string, qty decimal.Decimal, price *decimal.Decimal) (string, string, error) {
	if !g.IsConnected() {
		return "", "", ErrNotConnected
	}

	stored, err := g.deps.Correlator.OriginalRequest(ctx, orderID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load original request: %w", err)
	}
	ids, err := g.deps.Correlator.GenerateModify(ctx, orderID)
	if err != nil {
		return "", "", err
	}

	req := stored.Request
	m := fix.NewMessage(fix.MsgTypeOrderReplace).
		Set(fix.TagClOrdID, ids.ClOrdID).
		Set(fix.TagOrigClOrdID, ids.OrigClOrdID).
		Set(fix.TagSymbol, req.Symbol).
		Set(fix.TagSide, wireSide(req.Side)).
		SetDecimal(fix.TagOrderQty, qty).
		Set(fix.TagOrdType, wireOrdType(req.OrderType)).
		Set(fix.TagTimeInForce, wireTimeInForce(req.TimeInForce)).
		SetTime(fix.TagTransactTime, time.Now())
	if price != nil {
		m.SetDecimal(fix.TagPrice, *price)
	}
	if g.cfg.OmnibusAccount != "" {
		m.Set(fix.TagAccount, g.cfg.OmnibusAccount)
	}

	if err := g.send(m, orderID); err != nil {
		g.clearPending(ctx, domain.ChainModify, orderID)
		return "", "", err
	}
	return ids.ClOrdID, ids.OrigClOrdID, nil
}

// Cancel sends an order cancel request for orderID
func (g *Gateway) Cancel(ctx context.Context, orderID string) (string, string, error) {
	if !g.IsConnected() {
		return "", "", ErrNotConnected
	}

	stored, err := g.deps.Correlator.OriginalRequest(ctx, orderID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load original request: %w", err)
	}
	ids, err := g.deps.Correlator.GenerateCancel(ctx, orderID)
	if err != nil {
		return "", "", err
	}

	req := stored.Request
	m := fix.NewMessage(fix.MsgTypeOrderCancel).
		Set(fix.TagClOrdID, ids.ClOrdID).
		Set(fix.TagOrigClOrdID, ids.OrigClOrdID).
		Set(fix.TagSymbol, req.Symbol).
		Set(fix.TagSide, wireSide(req.Side)).
		SetDecimal(fix.TagOrderQty, req.Quantity).
		SetTime(fix.TagTransactTime, time.Now())

	if err := g.send(m, orderID); err != nil {
		g.clearPending(ctx, domain.ChainCancel, orderID)
		return "", "", err
	}
	return ids.ClOrdID, ids.OrigClOrdID, nil
}

func (g *Gateway) addParties(m *fix.Message, userID string) {
	if userID == "" {
		return
	}
	party := userID
	if g.cfg.OmnibusAccount != "" {
		party = g.cfg.OmnibusAccount + "_" + userID
	}
	m.Set(fix.TagNoPartyIDs, "1").
		Add(fix.TagPartyID, party).
		Add(fix.TagPartyRole, fix.PartyRoleCustomerAccount)
}

func (g *Gateway) send(m *fix.Message, orderID string) error {
	if err := g.session.Send(m); err != nil {
		if errors.Is(err, fix.ErrNotLoggedOn) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to send %s: %w", m.MsgType(), err)
	}
	g.countWire("out", m.MsgType())
	g.logger.Info("order message sent",
		zap.String("order_id", orderID),
		zap.String("msg_type", m.MsgType()),
		zap.String("cl_ord_id", m.GetString(fix.TagClOrdID)),
		zap.String("orig_cl_ord_id", m.GetString(fix.TagOrigClOrdID)),
	)
	return nil
}

func (g *Gateway) clearPending(ctx context.Context, kind domain.ChainKind, orderID string) {
	if err := g.deps.Correlator.ClearPending(ctx, kind, orderID); err != nil {
		g.logger.Warn("failed to clear pending chain", zap.String("order_id", orderID), zap.Error(err))
	}
}

// OnLogon implements fix.Application
func (g *Gateway) OnLogon(sessionID string) {
	g.setConnected(true)
}

// OnLogout implements fix.Application
func (g *Gateway) OnLogout(sessionID string, reason error) {
	g.setConnected(false)
	if reason == nil {
		return
	}
	typ := ConnectionError
	if fix.IsAuthFailure(reason.Error()) {
		typ = AuthenticationError
	}
	g.report(ProtocolError{Type: typ, Message: reason.Error(), SessionID: sessionID})
}

// OnSessionError implements fix.Application
func (g *Gateway) OnSessionError(err error, sessionID string) {
	var typ ErrorType
	switch {
	case errors.Is(err, fix.ErrSequenceGap):
		typ = SequenceError
	case errors.Is(err, fix.ErrMalformed):
		typ = MessageProcessingError
	case errors.Is(err, fix.ErrLogonRejected) && fix.IsAuthFailure(err.Error()):
		typ = AuthenticationError
	default:
		// dial and logon failures are covered by the monitor's periodic report
		g.logger.Debug("session error", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	g.report(ProtocolError{Type: typ, Message: err.Error(), SessionID: sessionID})
}

// FromAdmin implements fix.Application
func (g *Gateway) FromAdmin(m *fix.Message, sessionID string) {
	g.countWire("in", m.MsgType())
	if typ, ok := ClassifyAdmin(m); ok {
		g.report(ProtocolError{Type: typ, Message: describeAdmin(m), SessionID: sessionID})
	}
}

// FromApp implements fix.Application
func (g *Gateway) FromApp(m *fix.Message, sessionID string) {
	g.countWire("in", m.MsgType())

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.DispatchTimeout)
	defer cancel()

	if g.deps.Chaos.MaybeDrop("inbound") {
		return
	}
	if err := g.deps.Chaos.MaybeDelay(ctx, "inbound"); err != nil {
		return
	}

	g.handleApp(ctx, m, sessionID)
	if g.deps.Chaos.MaybeDuplicate("inbound") {
		g.handleApp(ctx, m, sessionID)
	}
}

func (g *Gateway) handleApp(ctx context.Context, m *fix.Message, sessionID string) {
	switch m.MsgType() {
	case fix.MsgTypeExecutionReport:
		ev, err := g.deps.Enricher.Enrich(ctx, m)
		if err != nil {
			g.report(ProtocolError{
				Type:      MessageProcessingError,
				Message:   err.Error(),
				ClOrdID:   m.GetString(fix.TagClOrdID),
				SessionID: sessionID,
			})
			return
		}
		g.route(ctx, ev, sessionID)
	case fix.MsgTypeOrderCancelReject:
		g.route(ctx, g.deps.Enricher.EnrichCancelReject(ctx, m), sessionID)
	default:
		g.report(ProtocolError{
			Type:      MessageProcessingError,
			Message:   "unsupported application message " + m.MsgType(),
			SessionID: sessionID,
		})
	}
}

func (g *Gateway) route(ctx context.Context, ev domain.ExecutionEvent, sessionID string) {
	if ev.Unresolved {
		g.report(ProtocolError{
			Type:      CorrelationError,
			Message:   ev.Diagnostic,
			ClOrdID:   ev.ClOrdID,
			SessionID: sessionID,
		})
		return
	}

	switch {
	case ev.Chain == domain.ChainModify && ev.ExecType == domain.ExecReplaced,
		ev.Chain == domain.ChainCancel && ev.ExecType == domain.ExecCanceled:
		if err := g.deps.Correlator.RecordAccepted(ctx, ev.Chain, ev.OrderID, ev.ClOrdID); err != nil {
			g.logger.Error("failed to record accepted chain",
				zap.String("order_id", ev.OrderID),
				zap.String("cl_ord_id", ev.ClOrdID),
				zap.Error(err),
			)
		}
	case ev.Chain != domain.ChainNew && ev.ExecType == domain.ExecRejected:
		g.clearPending(ctx, ev.Chain, ev.OrderID)
	}

	if err := g.deps.Dispatcher.ApplyExecution(ctx, ev); err != nil {
		g.logger.Info("execution not applied",
			zap.String("order_id", ev.OrderID),
			zap.String("exec_id", ev.ExecID),
			zap.String("exec_type", string(ev.ExecType)),
			zap.Error(err),
		)
		if errors.Is(err, order.ErrUnknownOrder) {
			// the id had our shape but names no order we placed
			g.report(ProtocolError{
				Type:      CorrelationError,
				Message:   "execution for unknown order: " + err.Error(),
				OrderID:   ev.OrderID,
				ClOrdID:   ev.ClOrdID,
				SessionID: sessionID,
			})
		}
		g.countExecution(err)
		return
	}
	g.countExecution(nil)
}

func (g *Gateway) report(e ProtocolError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g.deps.Reporter.Report(ctx, e)
}

func (g *Gateway) setConnected(up bool) {
	if g.deps.Metrics == nil {
		return
	}
	if up {
		g.deps.Metrics.GatewayConnected.Set(1)
	} else {
		g.deps.Metrics.GatewayConnected.Set(0)
	}
}

func (g *Gateway) countWire(direction, msgType string) {
	if g.deps.Metrics != nil {
		g.deps.Metrics.WireMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func (g *Gateway) countExecution(err error) {
	if g.deps.Metrics == nil {
		return
	}
	result := "applied"
	switch {
	case err == nil:
	case errors.Is(err, order.ErrDuplicateExecution):
		result = "duplicate"
	case errors.Is(err, order.ErrStaleExecution):
		result = "stale"
	case errors.Is(err, order.ErrUnknownOrder):
		result = "unknown_order"
	default:
		result = "error"
	}
	g.deps.Metrics.Executions.WithLabelValues(result).Inc()
}

func wireSide(s domain.Side) string {
	if s == domain.SideSell {
		return fix.SideSell
	}
	return fix.SideBuy
}

func wireOrdType(t domain.OrderType) string {
	if t == domain.OrderTypeMarket {
		return fix.OrdTypeMarket
	}
	return fix.OrdTypeLimit
}

func wireTimeInForce(t domain.TimeInForce) string {
	switch t {
	case domain.TimeInForceGTC:
		return fix.TimeInForceGTC
	case domain.TimeInForceIOC:
		return fix.TimeInForceIOC
	case domain.TimeInForceFOK:
		return fix.TimeInForceFOK
	}
	return fix.TimeInForceDay
}
