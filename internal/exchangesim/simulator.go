// Package exchangesim is an in-process exchange that speaks the wire
// protocol. It acknowledges, fills, replaces and cancels orders without
// any matching.
package exchangesim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnknownOrder is returned by fill controls for ids the simulator never saw
var ErrUnknownOrder = errors.New("unknown order")

// Config controls simulator behavior
type Config struct {
	SenderCompID string
	// AutoFill fills every accepted order in FillChunk steps
	AutoFill     bool
	FillChunk    decimal.Decimal
	FillInterval time.Duration
	// MarketPrice is the execution price for market orders
	MarketPrice   decimal.Decimal
	RejectSymbols []string
}

type order struct {
	exchangeID string
	clOrdID    string
	origin     string
	symbol     string
	side       string
	ordType    string
	qty        decimal.Decimal
	price      decimal.Decimal
	cum        decimal.Decimal
	notional   decimal.Decimal
	status     string
	session    *fix.AcceptedSession
}

func (o *order) leaves() decimal.Decimal {
	if o.terminal() {
		return decimal.Zero
	}
	return o.qty.Sub(o.cum)
}

func (o *order) terminal() bool {
	switch o.status {
	case fix.OrdStatusFilled, fix.OrdStatusCanceled, fix.OrdStatusRejected:
		return true
	}
	return false
}

func (o *order) avgPx() decimal.Decimal {
	if o.cum.IsZero() {
		return decimal.Zero
	}
	return o.notional.Div(o.cum).Round(4)
}

// Simulator is a fake exchange
type Simulator struct {
	cfg    Config
	acc    *fix.Acceptor
	logger *zap.Logger

	mu       sync.Mutex
	orders   map[string]*order
	byClOrd  map[string]string
	nextID   int
	received []*fix.Message
	ctx      context.Context
}

// New binds the simulator to addr
func New(addr string, cfg Config, logger *zap.Logger) (*Simulator, error) {
	if cfg.SenderCompID == "" {
		cfg.SenderCompID = "EXCHANGE"
	}
	if cfg.MarketPrice.IsZero() {
		cfg.MarketPrice = decimal.NewFromInt(50)
	}
	if cfg.FillInterval <= 0 {
		cfg.FillInterval = 20 * time.Millisecond
	}

	s := &Simulator{
		cfg:     cfg,
		logger:  logger,
		orders:  make(map[string]*order),
		byClOrd: make(map[string]string),
		ctx:     context.Background(),
	}
	acc, err := fix.Listen(addr, fix.AcceptorConfig{SenderCompID: cfg.SenderCompID}, s, logger)
	if err != nil {
		return nil, err
	}
	s.acc = acc
	return s, nil
}

// Addr returns the listening address
func (s *Simulator) Addr() string { return s.acc.Addr() }

// Serve accepts sessions until ctx is canceled
func (s *Simulator) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.acc.Serve(ctx)
}

// Restart drops every session, as an exchange restart would. Order state
// is kept.
func (s *Simulator) Restart() {
	s.acc.DisconnectAll()
}

// Sessions returns the number of logged-on sessions
func (s *Simulator) Sessions() int {
	return len(s.acc.Sessions())
}

// Received returns the application messages seen so far
func (s *Simulator) Received() []*fix.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fix.Message(nil), s.received...)
}

// OnLogon implements fix.Handler
func (s *Simulator) OnLogon(as *fix.AcceptedSession) {
	s.logger.Info("simulator session up", zap.String("target_comp_id", as.TargetCompID()))
}

// OnDisconnect implements fix.Handler
func (s *Simulator) OnDisconnect(as *fix.AcceptedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.session == as {
			o.session = nil
		}
	}
}

// FromApp implements fix.Handler
func (s *Simulator) FromApp(as *fix.AcceptedSession, m *fix.Message) {
	s.mu.Lock()
	s.received = append(s.received, m)
	s.mu.Unlock()

	switch m.MsgType() {
	case fix.MsgTypeNewOrderSingle:
		s.onNew(as, m)
	case fix.MsgTypeOrderReplace:
		s.onReplace(as, m)
	case fix.MsgTypeOrderCancel:
		s.onCancel(as, m)
	default:
		s.send(as, fix.NewMessage(fix.MsgTypeReject).
			Set(fix.TagRefSeqNum, m.GetString(fix.TagMsgSeqNum)).
			Set(fix.TagText, "unsupported message type "+m.MsgType()))
	}
}

func (s *Simulator) onNew(as *fix.AcceptedSession, m *fix.Message) {
	clOrdID := m.GetString(fix.TagClOrdID)
	qty, _, qtyErr := m.GetDecimal(fix.TagOrderQty)
	px, hasPx, pxErr := m.GetDecimal(fix.TagPrice)

	s.mu.Lock()
	if _, dup := s.byClOrd[clOrdID]; dup {
		s.mu.Unlock()
		s.reject(as, m, "duplicate ClOrdID")
		return
	}
	s.mu.Unlock()

	switch {
	case qtyErr != nil || !qty.IsPositive():
		s.reject(as, m, "invalid quantity")
		return
	case pxErr != nil:
		s.reject(as, m, "invalid price")
		return
	case s.rejectsSymbol(m.GetString(fix.TagSymbol)):
		s.reject(as, m, "unknown symbol")
		return
	}
	if m.GetString(fix.TagOrdType) == fix.OrdTypeMarket || !hasPx {
		px = s.cfg.MarketPrice
	}

	s.mu.Lock()
	s.nextID++
	o := &order{
		exchangeID: "EX-" + strconv.Itoa(s.nextID),
		clOrdID:    clOrdID,
		origin:     clOrdID,
		symbol:     m.GetString(fix.TagSymbol),
		side:       m.GetString(fix.TagSide),
		ordType:    m.GetString(fix.TagOrdType),
		qty:        qty,
		price:      px,
		status:     fix.OrdStatusNew,
		session:    as,
	}
	s.orders[o.exchangeID] = o
	s.byClOrd[clOrdID] = o.exchangeID
	ack := s.report(o, fix.ExecTypeNew, decimal.Zero, decimal.Zero)
	s.mu.Unlock()

	s.send(as, ack)

	if s.cfg.AutoFill {
		go s.autoFill(o.exchangeID)
	}
}

func (s *Simulator) onReplace(as *fix.AcceptedSession, m *fix.Message) {
	newID := m.GetString(fix.TagClOrdID)
	qty, _, err := m.GetDecimal(fix.TagOrderQty)
	if err != nil {
		s.cancelReject(as, m, fix.CxlRejResponseToReplace, "invalid quantity")
		return
	}
	px, hasPx, err := m.GetDecimal(fix.TagPrice)
	if err != nil {
		s.cancelReject(as, m, fix.CxlRejResponseToReplace, "invalid price")
		return
	}

	s.mu.Lock()
	o, reason := s.lookupLocked(m.GetString(fix.TagOrigClOrdID))
	if o != nil && qty.LessThan(o.cum) {
		o, reason = nil, "quantity below filled"
	}
	if o == nil {
		s.mu.Unlock()
		s.cancelReject(as, m, fix.CxlRejResponseToReplace, reason)
		return
	}

	orig := o.clOrdID
	o.clOrdID = newID
	o.qty = qty
	if hasPx {
		o.price = px
	}
	o.session = as
	s.byClOrd[newID] = o.exchangeID
	if o.cum.Equal(o.qty) {
		o.status = fix.OrdStatusFilled
	}
	er := s.report(o, fix.ExecTypeReplaced, decimal.Zero, decimal.Zero)
	er.Set(fix.TagOrigClOrdID, orig)
	s.mu.Unlock()

	s.send(as, er)
}

func (s *Simulator) onCancel(as *fix.AcceptedSession, m *fix.Message) {
	newID := m.GetString(fix.TagClOrdID)

	s.mu.Lock()
	o, reason := s.lookupLocked(m.GetString(fix.TagOrigClOrdID))
	if o == nil {
		s.mu.Unlock()
		s.cancelReject(as, m, fix.CxlRejResponseToCancel, reason)
		return
	}

	orig := o.clOrdID
	o.clOrdID = newID
	o.status = fix.OrdStatusCanceled
	o.session = as
	s.byClOrd[newID] = o.exchangeID
	er := s.report(o, fix.ExecTypeCanceled, decimal.Zero, decimal.Zero)
	er.Set(fix.TagOrigClOrdID, orig)
	s.mu.Unlock()

	s.send(as, er)
}

// lookupLocked finds a live order by the client order id it currently answers to
func (s *Simulator) lookupLocked(origClOrdID string) (*order, string) {
	id, ok := s.byClOrd[origClOrdID]
	if !ok {
		return nil, "unknown order"
	}
	o := s.orders[id]
	if o.clOrdID != origClOrdID {
		return nil, "OrigClOrdID is not the latest accepted id"
	}
	if o.terminal() {
		return nil, "order already closed"
	}
	return o, ""
}

// Fill executes qty of the order known by clOrdID (any id in its chain)
func (s *Simulator) Fill(clOrdID string, qty decimal.Decimal) error {
	s.mu.Lock()
	id, ok := s.byClOrd[clOrdID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clOrdID)
	}
	_, err := s.fill(id, qty)
	return err
}

func (s *Simulator) fill(exchangeID string, qty decimal.Decimal) (bool, error) {
	s.mu.Lock()
	o, ok := s.orders[exchangeID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, exchangeID)
	}
	if o.terminal() {
		s.mu.Unlock()
		return false, nil
	}
	if rest := o.qty.Sub(o.cum); qty.GreaterThan(rest) {
		qty = rest
	}
	if !qty.IsPositive() {
		s.mu.Unlock()
		return false, nil
	}

	o.cum = o.cum.Add(qty)
	o.notional = o.notional.Add(qty.Mul(o.price))
	execType := fix.ExecTypePartialFill
	o.status = fix.OrdStatusPartiallyFilled
	if o.cum.Equal(o.qty) {
		execType = fix.ExecTypeFill
		o.status = fix.OrdStatusFilled
	}
	er := s.report(o, execType, qty, o.price)
	as := o.session
	done := o.terminal()
	s.mu.Unlock()

	if as == nil {
		return done, fmt.Errorf("no session for %s", exchangeID)
	}
	return done, as.Send(er)
}

func (s *Simulator) autoFill(exchangeID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.FillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chunk := s.cfg.FillChunk
		if !chunk.IsPositive() {
			s.mu.Lock()
			chunk = s.orders[exchangeID].qty
			s.mu.Unlock()
		}
		done, err := s.fill(exchangeID, chunk)
		if err != nil {
			s.logger.Debug("auto fill paused", zap.String("exchange_order_id", exchangeID), zap.Error(err))
			continue
		}
		if done {
			return
		}
		s.mu.Lock()
		closed := s.orders[exchangeID].terminal()
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

// report builds an execution report for o. Callers hold s.mu.
func (s *Simulator) report(o *order, execType string, lastQty, lastPx decimal.Decimal) *fix.Message {
	er := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagOrderID, o.exchangeID).
		Set(fix.TagClOrdID, o.clOrdID).
		Set(fix.TagExecID, uuid.NewString()).
		Set(fix.TagExecType, execType).
		Set(fix.TagOrdStatus, o.status).
		Set(fix.TagSymbol, o.symbol).
		Set(fix.TagSide, o.side).
		SetDecimal(fix.TagOrderQty, o.qty).
		SetDecimal(fix.TagCumQty, o.cum).
		SetDecimal(fix.TagLeavesQty, o.leaves()).
		SetDecimal(fix.TagAvgPx, o.avgPx()).
		SetTime(fix.TagTransactTime, time.Now())
	if o.ordType != fix.OrdTypeMarket {
		er.SetDecimal(fix.TagPrice, o.price)
	}
	if lastQty.IsPositive() {
		er.SetDecimal(fix.TagLastQty, lastQty).SetDecimal(fix.TagLastPx, lastPx)
	}
	return er
}

func (s *Simulator) reject(as *fix.AcceptedSession, m *fix.Message, reason string) {
	er := fix.NewMessage(fix.MsgTypeExecutionReport).
		Set(fix.TagOrderID, "NONE").
		Set(fix.TagClOrdID, m.GetString(fix.TagClOrdID)).
		Set(fix.TagExecID, uuid.NewString()).
		Set(fix.TagExecType, fix.ExecTypeRejected).
		Set(fix.TagOrdStatus, fix.OrdStatusRejected).
		Set(fix.TagSymbol, m.GetString(fix.TagSymbol)).
		Set(fix.TagSide, m.GetString(fix.TagSide)).
		Set(fix.TagOrderQty, m.GetString(fix.TagOrderQty)).
		Set(fix.TagCumQty, "0").
		Set(fix.TagLeavesQty, "0").
		Set(fix.TagAvgPx, "0").
		Set(fix.TagOrdRejReason, "0").
		Set(fix.TagText, reason).
		SetTime(fix.TagTransactTime, time.Now())
	s.send(as, er)
}

func (s *Simulator) cancelReject(as *fix.AcceptedSession, m *fix.Message, responseTo, reason string) {
	s.mu.Lock()
	status := fix.OrdStatusRejected
	if id, ok := s.byClOrd[m.GetString(fix.TagOrigClOrdID)]; ok {
		status = s.orders[id].status
	}
	s.mu.Unlock()

	s.send(as, fix.NewMessage(fix.MsgTypeOrderCancelReject).
		Set(fix.TagOrderID, "NONE").
		Set(fix.TagClOrdID, m.GetString(fix.TagClOrdID)).
		Set(fix.TagOrigClOrdID, m.GetString(fix.TagOrigClOrdID)).
		Set(fix.TagOrdStatus, status).
		Set(fix.TagCxlRejResponseTo, responseTo).
		Set(fix.TagCxlRejReason, "1").
		Set(fix.TagText, reason))
}

// send writes m to the session. A failed send only matters to the peer
// that went away, so it is logged and dropped.
func (s *Simulator) send(as *fix.AcceptedSession, m *fix.Message) {
	if err := as.Send(m); err != nil {
		s.logger.Debug("failed to send to session",
			zap.String("msg_type", m.MsgType()),
			zap.String("cl_ord_id", m.GetString(fix.TagClOrdID)),
			zap.Error(err),
		)
	}
}

func (s *Simulator) rejectsSymbol(symbol string) bool {
	for _, r := range s.cfg.RejectSymbols {
		if r == symbol {
			return true
		}
	}
	return false
}
