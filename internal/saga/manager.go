package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/ismaiel54/fix-order-router/internal/observability"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateSubmission is returned when a workflow already exists for the order
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrOrderNotional is returned when one order exceeds the notional cap
	ErrOrderNotional = errors.New("order notional exceeds limit")
	// ErrUserRisk is returned when a user's open reservations would exceed the cap
	ErrUserRisk = errors.New("user risk exceeds limit")
	// ErrUnknownWorkflow is returned for status queries of a workflow never started
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// roundingSlack is how far a fill cost may exceed the reservation before
// it is treated as an overfill rather than average price rounding
var roundingSlack = decimal.New(1, -2)

// PersistenceID returns the journal stream id of a saga
func PersistenceID(orderID string) string {
	return "saga|" + orderID
}

// Funds is one ledger's wallet, local or behind the leader
type Funds interface {
	Reserve(ctx context.Context, orderID, account string, amount decimal.Decimal) (wallet.Result, error)
	Release(ctx context.Context, orderID string) (wallet.Result, error)
	Settle(ctx context.Context, orderID string, actual decimal.Decimal) (wallet.Result, error)
	Exposure(ctx context.Context, account string) (decimal.Decimal, error)
}

// Orders reaches the order entity of a workflow
type Orders interface {
	Place(ctx context.Context, req domain.OrderRequest) error
	Reject(ctx context.Context, orderID, reason string) error
	Get(ctx context.Context, orderID string) (order.State, error)
}

// Submitter sends new orders to the exchange
type Submitter interface {
	Submit(ctx context.Context, req domain.OrderRequest) (string, error)
}

// Limits caps risk before anything is reserved. Zero disables a cap.
type Limits struct {
	MaxOrderNotional decimal.Decimal
	MaxUserRisk      decimal.Decimal
}

// Deps are the collaborators of a process manager
type Deps struct {
	Store          *journal.Store
	Internal       Funds
	Exchange       Funds
	Orders         Orders
	Gateway        Submitter
	Limits         Limits
	OmnibusAccount string
	StepTimeout    time.Duration
	SnapshotEvery  int
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

// ResultKind tells the caller how StartWorkflow ended
type ResultKind string

const (
	ResultStarted ResultKind = "STARTED"
	ResultFailed  ResultKind = "FAILED"
	ResultOrder   ResultKind = "ORDER_RESULT"
)

// Result is the reply to StartWorkflow
type Result struct {
	Kind      ResultKind         `json:"kind"`
	OrderID   string             `json:"order_id"`
	Reason    string             `json:"reason,omitempty"`
	Outcome   domain.OrderStatus `json:"outcome,omitempty"`
	FilledQty decimal.Decimal    `json:"filled_qty"`
	// Timeout is set when the fill wait elapsed before the order finished
	Timeout   bool               `json:"timeout,omitempty"`
}

// StatusKind is the coarse status a client sees
type StatusKind string

const (
	StatusPending      StatusKind = "PENDING"
	StatusFailed       StatusKind = "FAILED"
	StatusCompensating StatusKind = "COMPENSATING"
	StatusOrder        StatusKind = "ORDER_RESULT"
)

// Status is the reply to GetStatus
type Status struct {
	Kind        StatusKind         `json:"kind"`
	OrderID     string             `json:"order_id"`
	Step        Step               `json:"step"`
	Reason      string             `json:"reason,omitempty"`
	OrderStatus domain.OrderStatus `json:"order_status,omitempty"`
	FilledQty   decimal.Decimal    `json:"filled_qty"`
}

// Manager is the order process manager of one order. It drives funds
// reservation, placement and submission, then settles or releases once
// the order is done.
type Manager struct {
	state  State
	stream *journal.Stream
	deps   Deps
	logger *zap.Logger
}

// Recover rebuilds the manager for orderID from its journal
func Recover(ctx context.Context, orderID string, deps Deps) (*Manager, error) {
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = 5 * time.Second
	}
	m := &Manager{
		state:  State{OrderID: orderID},
		stream: journal.NewStream(deps.Store, PersistenceID(orderID), deps.SnapshotEvery),
		deps:   deps,
		logger: deps.Logger.With(zap.String("order_id", orderID)),
	}

	restore := func(data []byte) error {
		return json.Unmarshal(data, &m.state)
	}
	apply := func(r journal.Record) error {
		return m.state.apply(r.EventType, r.Payload)
	}
	if err := m.stream.Recover(ctx, restore, apply); err != nil {
		return nil, err
	}
	return m, nil
}

// State returns a copy of the current state
func (m *Manager) State() State {
	return m.state
}

// StartWorkflow runs the workflow for req up to submission
func (m *Manager) StartWorkflow(ctx context.Context, req domain.OrderRequest) (Result, error) {
	if m.state.Exists {
		return Result{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, m.state.OrderID)
	}
	if req.OrderID != m.state.OrderID {
		return Result{}, fmt.Errorf("%w: request for %s sent to %s", domain.ErrInvalidOrder, req.OrderID, m.state.OrderID)
	}
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	amount := req.RiskAmount()
	if err := m.checkRisk(ctx, req.UserID, amount); err != nil {
		return Result{}, err
	}

	if err := m.persist(ctx, EventWorkflowStarted, workflowStartedEvent{Request: req, Amount: amount}); err != nil {
		return Result{}, err
	}
	m.logger.Info("workflow started",
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("amount", amount.String()),
	)

	err := m.step(ctx, "reserve_internal", func(ctx context.Context) error {
		_, err := m.deps.Internal.Reserve(ctx, req.OrderID, req.UserID, amount)
		return err
	})
	if errors.Is(err, wallet.ErrExposureLimit) {
		// the ledger checks the cap under its own lock and has the last word
		if _, ferr := m.fail(ctx, fmt.Sprintf("internal reservation failed: %v", err)); ferr != nil {
			return Result{}, ferr
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUserRisk, err)
	}
	if err != nil {
		return m.fail(ctx, fmt.Sprintf("internal reservation failed: %v", err))
	}
	if err := m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerInternal}); err != nil {
		return Result{}, err
	}

	err = m.step(ctx, "reserve_exchange", func(ctx context.Context) error {
		_, err := m.deps.Exchange.Reserve(ctx, req.OrderID, m.deps.OmnibusAccount, amount)
		return err
	})
	if err != nil {
		return m.fail(ctx, fmt.Sprintf("exchange reservation failed: %v", err))
	}
	if err := m.persist(ctx, EventFundsReserved, fundsReservedEvent{Ledger: wallet.LedgerExchange}); err != nil {
		return Result{}, err
	}

	return m.submit(ctx)
}

func (m *Manager) checkRisk(ctx context.Context, userID string, amount decimal.Decimal) error {
	limits := m.deps.Limits
	if limits.MaxOrderNotional.IsPositive() && amount.GreaterThan(limits.MaxOrderNotional) {
		return fmt.Errorf("%w: %s above %s", ErrOrderNotional, amount, limits.MaxOrderNotional)
	}
	if !limits.MaxUserRisk.IsPositive() {
		return nil
	}

	var exposure decimal.Decimal
	err := m.step(ctx, "risk_check", func(ctx context.Context) error {
		var err error
		exposure, err = m.deps.Internal.Exposure(ctx, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read exposure of %s: %w", userID, err)
	}
	if total := exposure.Add(amount); total.GreaterThan(limits.MaxUserRisk) {
		return fmt.Errorf("%w: %s open plus %s above %s", ErrUserRisk, exposure, amount, limits.MaxUserRisk)
	}
	return nil
}

func (m *Manager) submit(ctx context.Context) (Result, error) {
	req := m.state.Request

	err := m.step(ctx, "record_placement", func(ctx context.Context) error {
		return m.deps.Orders.Place(ctx, req)
	})
	if err != nil {
		return m.fail(ctx, fmt.Sprintf("order placement failed: %v", err))
	}

	var clOrdID string
	err = m.step(ctx, "submit", func(ctx context.Context) error {
		var err error
		clOrdID, err = m.deps.Gateway.Submit(ctx, req)
		return err
	})
	if err != nil {
		reason := fmt.Sprintf("gateway rejected order: %v", err)
		rerr := m.step(context.WithoutCancel(ctx), "record_rejection", func(ctx context.Context) error {
			return m.deps.Orders.Reject(ctx, req.OrderID, reason)
		})
		if rerr != nil {
			m.logger.Warn("failed to record rejection on order", zap.Error(rerr))
		}
		if _, ferr := m.fail(ctx, reason); ferr != nil {
			return Result{}, ferr
		}
		return Result{
			Kind:      ResultOrder,
			OrderID:   req.OrderID,
			Reason:    reason,
			Outcome:   domain.StatusRejected,
			FilledQty: decimal.Zero,
		}, nil
	}

	if err := m.persist(ctx, EventOrderSubmitted, orderSubmittedEvent{ClOrdID: clOrdID}); err != nil {
		return Result{}, err
	}
	m.count("started")
	m.logger.Info("order submitted", zap.String("cl_ord_id", clOrdID))
	return Result{Kind: ResultStarted, OrderID: req.OrderID}, nil
}

// OnOrderUpdate records the order entity's progress and settles or
// releases once the order is terminal
func (m *Manager) OnOrderUpdate(ctx context.Context, st order.State) error {
	if !m.state.Exists || m.state.Step != StepSubmitted {
		return nil
	}
	if st.CumQty.LessThan(m.state.FilledQty) {
		return nil
	}
	if st.Status == m.state.OrderStatus && st.CumQty.Equal(m.state.FilledQty) {
		return nil
	}

	if err := m.persist(ctx, EventOrderStatusUpdated, orderStatusUpdatedEvent{
		Status:    st.Status,
		FilledQty: st.CumQty,
		FillCost:  st.FillCost(),
	}); err != nil {
		return err
	}
	if !st.Status.IsTerminal() {
		return nil
	}

	m.logger.Info("order finished",
		zap.String("status", string(st.Status)),
		zap.String("filled_qty", st.CumQty.String()),
	)
	return m.finish(ctx)
}

// finish settles what was filled, or releases everything when nothing was
func (m *Manager) finish(ctx context.Context) error {
	if !m.state.FilledQty.IsPositive() {
		if err := m.release(ctx); err != nil {
			return err
		}
		m.count("released")
		return nil
	}

	cost := m.state.FillCost
	if over := cost.Sub(m.state.Amount); over.IsPositive() && over.LessThan(roundingSlack) {
		// the exchange's rounded average price can overshoot the hold slightly
		cost = m.state.Amount
	}
	orderID := m.state.OrderID
	err := m.step(ctx, "settle_internal", func(ctx context.Context) error {
		_, err := m.deps.Internal.Settle(ctx, orderID, cost)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to settle internal ledger: %w", err)
	}
	err = m.step(ctx, "settle_exchange", func(ctx context.Context) error {
		_, err := m.deps.Exchange.Settle(ctx, orderID, cost)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to settle exchange ledger: %w", err)
	}

	if err := m.persist(ctx, EventFundsSettled, fundsSettledEvent{Amount: cost}); err != nil {
		return err
	}
	m.count("settled")
	m.logger.Info("funds settled", zap.String("amount", cost.String()))
	return nil
}

func (m *Manager) fail(ctx context.Context, reason string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	m.logger.Warn("workflow failed", zap.String("reason", reason))
	if err := m.persist(ctx, EventWorkflowFailed, workflowFailedEvent{Reason: reason}); err != nil {
		return Result{}, err
	}
	m.count("failed")

	if err := m.release(ctx); err != nil {
		m.logger.Error("compensation incomplete", zap.Error(err))
	}
	return Result{Kind: ResultFailed, OrderID: m.state.OrderID, Reason: reason}, nil
}

// release frees both reservations in reverse order of reservation
func (m *Manager) release(ctx context.Context) error {
	orderID := m.state.OrderID
	err := m.step(ctx, "release_exchange", func(ctx context.Context) error {
		_, err := m.deps.Exchange.Release(ctx, orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release exchange ledger: %w", err)
	}
	err = m.step(ctx, "release_internal", func(ctx context.Context) error {
		_, err := m.deps.Internal.Release(ctx, orderID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release internal ledger: %w", err)
	}

	if err := m.persist(ctx, EventFundsReleased, fundsReleasedEvent{}); err != nil {
		return err
	}
	m.logger.Info("funds released")
	return nil
}

// Resume continues a recovered workflow from the step it reached
func (m *Manager) Resume(ctx context.Context) error {
	if !m.state.Exists || m.state.Done() {
		return nil
	}
	m.logger.Info("resuming workflow", zap.String("step", string(m.state.Step)))

	switch m.state.Step {
	case StepStarted:
		_, err := m.fail(ctx, "interrupted before funds were reserved")
		return err

	case StepFundsReserved:
		st, err := m.getOrder(ctx)
		if err != nil {
			return err
		}
		if st.Exists && (st.ExchangeOrderID != "" || st.Status != domain.StatusPlaced) {
			if err := m.persist(ctx, EventOrderSubmitted, orderSubmittedEvent{}); err != nil {
				return err
			}
			return m.OnOrderUpdate(ctx, st)
		}
		_, err = m.submit(ctx)
		return err

	case StepSubmitted:
		st, err := m.getOrder(ctx)
		if err != nil {
			return err
		}
		if !st.Exists {
			return nil
		}
		return m.OnOrderUpdate(ctx, st)

	case StepFilledOrCanceled:
		return m.finish(ctx)

	case StepFailed:
		return m.release(ctx)
	}
	return nil
}

func (m *Manager) getOrder(ctx context.Context) (order.State, error) {
	var st order.State
	err := m.step(ctx, "read_order", func(ctx context.Context) error {
		var err error
		st, err = m.deps.Orders.Get(ctx, m.state.OrderID)
		return err
	})
	if err != nil {
		return order.State{}, fmt.Errorf("failed to read order: %w", err)
	}
	return st, nil
}

// GetStatus reports where the workflow stands
func (m *Manager) GetStatus() (Status, error) {
	if !m.state.Exists {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, m.state.OrderID)
	}

	s := Status{
		OrderID:     m.state.OrderID,
		Step:        m.state.Step,
		OrderStatus: m.state.OrderStatus,
		FilledQty:   m.state.FilledQty,
	}
	switch {
	case m.state.Step == StepStarted || m.state.Step == StepFundsReserved:
		s.Kind = StatusPending
	case m.state.Step == StepFailed:
		s.Kind = StatusCompensating
		s.Reason = m.state.FailReason
	case m.state.FailReason != "":
		s.Kind = StatusFailed
		s.Reason = m.state.FailReason
	default:
		s.Kind = StatusOrder
	}
	return s, nil
}

func (m *Manager) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.deps.StepTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if m.deps.Metrics != nil {
		m.deps.Metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %s: %w", name, m.deps.StepTimeout, err)
	}
	return err
}

func (m *Manager) persist(ctx context.Context, eventType string, v any) error {
	rec, err := journal.NewRecord(eventType, v)
	if err != nil {
		return err
	}
	if err := m.stream.Persist(ctx, []journal.Record{rec}, nil); err != nil {
		return fmt.Errorf("failed to persist %s: %w", eventType, err)
	}
	if err := m.state.apply(rec.EventType, rec.Payload); err != nil {
		return fmt.Errorf("failed to apply %s: %w", eventType, err)
	}
	if err := m.stream.MaybeSnapshot(ctx, func() ([]byte, error) { return json.Marshal(m.state) }); err != nil {
		m.logger.Warn("failed to snapshot saga", zap.Error(err))
	}
	return nil
}

func (m *Manager) count(outcome string) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.Workflows.WithLabelValues(outcome).Inc()
	}
}
