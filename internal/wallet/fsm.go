package wallet

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/shopspring/decimal"
)

type ledgerState struct {
	Balances     map[string]decimal.Decimal `json:"balances"`
	Reserved     map[string]decimal.Decimal `json:"reserved"`
	Reservations map[string]*Reservation    `json:"reservations"`
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		Balances:     make(map[string]decimal.Decimal),
		Reserved:     make(map[string]decimal.Decimal),
		Reservations: make(map[string]*Reservation),
	}
}

func (l *ledgerState) available(account string) decimal.Decimal {
	return l.Balances[account].Sub(l.Reserved[account])
}

// FSM is the replicated state of both ledgers
type FSM struct {
	mu      sync.RWMutex
	ledgers map[Ledger]*ledgerState
}

// NewFSM creates an empty ledger state machine
func NewFSM() *FSM {
	return &FSM{ledgers: make(map[Ledger]*ledgerState)}
}

// Apply applies a log entry to the FSM
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd, err := DecodeCommand(log.Data)
	if err != nil {
		return invalid(err)
	}

	switch cmd.Kind {
	case CommandKindReserve:
		var c ReserveCommand
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return invalid(err)
		}
		return f.reserve(c)
	case CommandKindRelease:
		var c ReleaseCommand
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return invalid(err)
		}
		return f.release(c)
	case CommandKindSettle:
		var c SettleCommand
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return invalid(err)
		}
		return f.settle(c)
	case CommandKindDeposit:
		var c DepositCommand
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return invalid(err)
		}
		return f.deposit(c)
	default:
		return invalid(fmt.Errorf("unknown command kind %q", cmd.Kind))
	}
}

func (f *FSM) ledger(name Ledger) *ledgerState {
	l, ok := f.ledgers[name]
	if !ok {
		l = newLedgerState()
		f.ledgers[name] = l
	}
	return l
}

func (f *FSM) reserve(c ReserveCommand) Result {
	if !c.Amount.IsPositive() {
		return invalid(fmt.Errorf("reserve amount must be positive, got %s", c.Amount))
	}
	l := f.ledger(c.Ledger)

	if r, ok := l.Reservations[c.OrderID]; ok {
		switch {
		case r.State != StateReserved:
			return Result{Outcome: OutcomeClosed, Reason: "reservation already " + string(r.State), Reservation: copyOf(r)}
		case r.Account == c.Account && r.Amount.Equal(c.Amount):
			return Result{OK: true, Outcome: OutcomeAlreadyReserved, Available: l.available(c.Account), Reservation: copyOf(r)}
		default:
			return Result{Outcome: OutcomeConflict, Reason: "a different reservation is active for order", Reservation: copyOf(r)}
		}
	}

	if _, known := l.Balances[c.Account]; !known && c.OpeningBalance != nil {
		l.Balances[c.Account] = *c.OpeningBalance
	}

	if c.MaxExposure != nil {
		if held := l.Reserved[c.Account]; held.Add(c.Amount).GreaterThan(*c.MaxExposure) {
			return Result{
				Outcome:   OutcomeLimit,
				Reason:    fmt.Sprintf("exposure %s plus %s exceeds limit %s", held, c.Amount, *c.MaxExposure),
				Available: l.available(c.Account),
			}
		}
	}

	available := l.available(c.Account)
	if c.Amount.GreaterThan(available) {
		return Result{
			Outcome:   OutcomeInsufficient,
			Reason:    fmt.Sprintf("insufficient funds: requested %s, available %s", c.Amount, available),
			Available: available,
		}
	}

	r := &Reservation{OrderID: c.OrderID, Account: c.Account, Amount: c.Amount, State: StateReserved}
	l.Reservations[c.OrderID] = r
	l.Reserved[c.Account] = l.Reserved[c.Account].Add(c.Amount)

	return Result{OK: true, Outcome: OutcomeReserved, Available: l.available(c.Account), Reservation: copyOf(r)}
}

func (f *FSM) release(c ReleaseCommand) Result {
	l := f.ledger(c.Ledger)
	r, ok := l.Reservations[c.OrderID]
	if !ok {
		return Result{OK: true, Outcome: OutcomeNoReservation}
	}
	if r.State != StateReserved {
		return Result{OK: true, Outcome: OutcomeClosed, Reservation: copyOf(r)}
	}

	r.State = StateReleased
	l.Reserved[r.Account] = l.Reserved[r.Account].Sub(r.Amount)
	return Result{OK: true, Outcome: OutcomeReleased, Available: l.available(r.Account), Reservation: copyOf(r)}
}

func (f *FSM) settle(c SettleCommand) Result {
	if c.Amount.IsNegative() {
		return invalid(fmt.Errorf("settle amount cannot be negative, got %s", c.Amount))
	}
	l := f.ledger(c.Ledger)
	r, ok := l.Reservations[c.OrderID]
	if !ok {
		return Result{Outcome: OutcomeNoReservation, Reason: "no reservation to settle"}
	}
	switch r.State {
	case StateSettled:
		return Result{OK: true, Outcome: OutcomeSettled, Available: l.available(r.Account), Reservation: copyOf(r)}
	case StateReleased:
		return Result{Outcome: OutcomeClosed, Reason: "reservation already released", Reservation: copyOf(r)}
	}
	if c.Amount.GreaterThan(r.Amount) {
		return Result{
			Outcome:     OutcomeExceedsHold,
			Reason:      fmt.Sprintf("settle amount %s exceeds reserved %s", c.Amount, r.Amount),
			Available:   l.available(r.Account),
			Reservation: copyOf(r),
		}
	}

	r.State = StateSettled
	r.Settled = c.Amount
	l.Reserved[r.Account] = l.Reserved[r.Account].Sub(r.Amount)
	l.Balances[r.Account] = l.Balances[r.Account].Sub(c.Amount)
	return Result{OK: true, Outcome: OutcomeSettled, Available: l.available(r.Account), Reservation: copyOf(r)}
}

func (f *FSM) deposit(c DepositCommand) Result {
	if !c.Amount.IsPositive() {
		return invalid(fmt.Errorf("deposit amount must be positive, got %s", c.Amount))
	}
	l := f.ledger(c.Ledger)
	l.Balances[c.Account] = l.Balances[c.Account].Add(c.Amount)
	return Result{OK: true, Outcome: OutcomeDeposited, Available: l.available(c.Account)}
}

// Reservation returns the reservation of orderID on a ledger
func (f *FSM) Reservation(ledger Ledger, orderID string) (Reservation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	l, ok := f.ledgers[ledger]
	if !ok {
		return Reservation{}, false
	}
	r, ok := l.Reservations[orderID]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Exposure is the sum of active reservations of an account
func (f *FSM) Exposure(ledger Ledger, account string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if l, ok := f.ledgers[ledger]; ok {
		return l.Reserved[account]
	}
	return decimal.Zero
}

// Balance returns the balance and the available amount of an account
func (f *FSM) Balance(ledger Ledger, account string) (balance, available decimal.Decimal) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if l, ok := f.ledgers[ledger]; ok {
		return l.Balances[account], l.available(account)
	}
	return decimal.Zero, decimal.Zero
}

// Snapshot returns a snapshot of the FSM state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := json.Marshal(f.ledgers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledgers: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore restores the FSM from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	ledgers := make(map[Ledger]*ledgerState)
	if err := json.NewDecoder(rc).Decode(&ledgers); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	for _, l := range ledgers {
		if l.Balances == nil {
			l.Balances = make(map[string]decimal.Decimal)
		}
		if l.Reserved == nil {
			l.Reserved = make(map[string]decimal.Decimal)
		}
		if l.Reservations == nil {
			l.Reservations = make(map[string]*Reservation)
		}
	}

	f.mu.Lock()
	f.ledgers = ledgers
	f.mu.Unlock()
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot
type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func invalid(err error) Result {
	return Result{Outcome: OutcomeInvalid, Reason: err.Error()}
}

func copyOf(r *Reservation) *Reservation {
	c := *r
	return &c
}
