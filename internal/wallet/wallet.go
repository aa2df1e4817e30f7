package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientFunds is returned when a reservation exceeds the available balance
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrReservationClosed is returned when the order's reservation was already settled or released
	ErrReservationClosed = errors.New("reservation closed")
	// ErrReservationConflict is returned when a different reservation is active for the order
	ErrReservationConflict = errors.New("reservation conflict")
	// ErrNoReservation is returned when settling an order that holds nothing
	ErrNoReservation = errors.New("no reservation")
	// ErrExposureLimit is returned when a reservation would push the account past its risk cap
	ErrExposureLimit = errors.New("exposure limit exceeded")
	// ErrSettleExceedsReservation is returned when the settled cost is larger than the hold
	ErrSettleExceedsReservation = errors.New("settle exceeds reservation")
)

// Applier replicates a command and returns the state machine's response
type Applier interface {
	Apply(ctx context.Context, cmd []byte, timeout time.Duration) (interface{}, error)
}

// Options tune a wallet
type Options struct {
	ApplyTimeout   time.Duration
	OpeningBalance *decimal.Decimal
	// MaxExposure, when set, is checked against the account's active
	// reservations inside the state machine
	MaxExposure *decimal.Decimal
}

// Wallet serializes reservations on one ledger through the replicated log
type Wallet struct {
	ledger  Ledger
	fsm     *FSM
	applier Applier
	opts    Options
	logger  *zap.Logger
}

// New creates the wallet actor of a ledger
func New(ledger Ledger, fsm *FSM, applier Applier, opts Options, logger *zap.Logger) *Wallet {
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	return &Wallet{
		ledger:  ledger,
		fsm:     fsm,
		applier: applier,
		opts:    opts,
		logger:  logger.With(zap.String("ledger", string(ledger))),
	}
}

// Ledger returns the ledger this wallet serves
func (w *Wallet) Ledger() Ledger {
	return w.ledger
}

// Reserve holds amount for orderID against account
func (w *Wallet) Reserve(ctx context.Context, orderID, account string, amount decimal.Decimal) (Result, error) {
	res, err := w.apply(ctx, CommandKindReserve, ReserveCommand{
		Ledger:         w.ledger,
		OrderID:        orderID,
		Account:        account,
		Amount:         amount,
		OpeningBalance: w.opts.OpeningBalance,
		MaxExposure:    w.opts.MaxExposure,
	})
	if err != nil {
		return Result{}, err
	}

	switch res.Outcome {
	case OutcomeReserved, OutcomeAlreadyReserved:
		w.logger.Info("funds reserved",
			zap.String("order_id", orderID),
			zap.String("account", account),
			zap.String("amount", amount.String()),
			zap.String("outcome", res.Outcome),
		)
		return res, nil
	case OutcomeInsufficient:
		return res, fmt.Errorf("%w: %s", ErrInsufficientFunds, res.Reason)
	case OutcomeLimit:
		return res, fmt.Errorf("%w: %s", ErrExposureLimit, res.Reason)
	case OutcomeClosed:
		return res, fmt.Errorf("%w: %s", ErrReservationClosed, res.Reason)
	case OutcomeConflict:
		return res, fmt.Errorf("%w: %s", ErrReservationConflict, res.Reason)
	default:
		return res, fmt.Errorf("reserve rejected: %s", res.Reason)
	}
}

// Release frees orderID's reservation. Releasing nothing is not an error.
func (w *Wallet) Release(ctx context.Context, orderID string) (Result, error) {
	res, err := w.apply(ctx, CommandKindRelease, ReleaseCommand{Ledger: w.ledger, OrderID: orderID})
	if err != nil {
		return Result{}, err
	}
	if !res.OK {
		return res, fmt.Errorf("release rejected: %s", res.Reason)
	}
	if res.Outcome == OutcomeReleased {
		w.logger.Info("funds released", zap.String("order_id", orderID))
	}
	return res, nil
}

// Settle debits the actual cost of orderID and frees the remainder
func (w *Wallet) Settle(ctx context.Context, orderID string, actual decimal.Decimal) (Result, error) {
	res, err := w.apply(ctx, CommandKindSettle, SettleCommand{Ledger: w.ledger, OrderID: orderID, Amount: actual})
	if err != nil {
		return Result{}, err
	}

	switch {
	case res.OK:
		w.logger.Info("funds settled",
			zap.String("order_id", orderID),
			zap.String("amount", actual.String()),
		)
		return res, nil
	case res.Outcome == OutcomeClosed:
		return res, fmt.Errorf("%w: %s", ErrReservationClosed, res.Reason)
	case res.Outcome == OutcomeNoReservation:
		return res, fmt.Errorf("%w: %s", ErrNoReservation, orderID)
	case res.Outcome == OutcomeExceedsHold:
		return res, fmt.Errorf("%w: %s", ErrSettleExceedsReservation, res.Reason)
	default:
		return res, fmt.Errorf("settle rejected: %s", res.Reason)
	}
}

// Deposit credits account
func (w *Wallet) Deposit(ctx context.Context, account string, amount decimal.Decimal) (Result, error) {
	res, err := w.apply(ctx, CommandKindDeposit, DepositCommand{Ledger: w.ledger, Account: account, Amount: amount})
	if err != nil {
		return Result{}, err
	}
	if !res.OK {
		return res, fmt.Errorf("deposit rejected: %s", res.Reason)
	}
	return res, nil
}

// Exposure is the account's total active reservation
func (w *Wallet) Exposure(account string) decimal.Decimal {
	return w.fsm.Exposure(w.ledger, account)
}

// Reservation returns the reservation held for orderID
func (w *Wallet) Reservation(orderID string) (Reservation, bool) {
	return w.fsm.Reservation(w.ledger, orderID)
}

func (w *Wallet) apply(ctx context.Context, kind string, payload interface{}) (Result, error) {
	cmd, err := EncodeCommand(kind, payload)
	if err != nil {
		return Result{}, err
	}

	timeout := w.opts.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return Result{}, fmt.Errorf("failed to apply %s: %w", kind, context.DeadlineExceeded)
	}

	resp, err := w.applier.Apply(ctx, cmd, timeout)
	if err != nil {
		return Result{}, fmt.Errorf("failed to apply %s: %w", kind, err)
	}

	res, ok := resp.(Result)
	if !ok {
		return Result{}, fmt.Errorf("unexpected %s response type %T", kind, resp)
	}
	return res, nil
}

// LocalApplier applies commands straight to an FSM. It stands in for the
// raft node on a single process.
type LocalApplier struct {
	mu    sync.Mutex
	fsm   raft.FSM
	index uint64
}

// NewLocalApplier wraps fsm
func NewLocalApplier(fsm raft.FSM) *LocalApplier {
	return &LocalApplier{fsm: fsm}
}

// Apply applies cmd as the next log entry
func (a *LocalApplier) Apply(ctx context.Context, cmd []byte, timeout time.Duration) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.index++
	return a.fsm.Apply(&raft.Log{Index: a.index, Type: raft.LogCommand, Data: cmd}), nil
}
