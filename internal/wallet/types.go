package wallet

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger names one of the two balances an order reserves against
type Ledger string

const (
	LedgerInternal Ledger = "internal"
	LedgerExchange Ledger = "exchange"
)

// ReservationState of a wallet reservation
type ReservationState string

const (
	StateReserved ReservationState = "RESERVED"
	StateSettled  ReservationState = "SETTLED"
	StateReleased ReservationState = "RELEASED"
)

// Outcomes reported by the ledger state machine
const (
	OutcomeReserved        = "reserved"
	OutcomeAlreadyReserved = "already_reserved"
	OutcomeInsufficient    = "insufficient"
	OutcomeLimit           = "limit"
	OutcomeExceedsHold     = "exceeds_reservation"
	OutcomeConflict        = "conflict"
	OutcomeClosed          = "closed"
	OutcomeReleased        = "released"
	OutcomeSettled         = "settled"
	OutcomeNoReservation   = "no_reservation"
	OutcomeDeposited       = "deposited"
	OutcomeInvalid         = "invalid"
)

// Command kinds
const (
	CommandKindReserve = "RESERVE"
	CommandKindRelease = "RELEASE"
	CommandKindSettle  = "SETTLE"
	CommandKindDeposit = "DEPOSIT"
)

// CommandEnvelope wraps commands for Raft
type CommandEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ReserveCommand holds amount against an account for an order
type ReserveCommand struct {
	Ledger  Ledger          `json:"ledger"`
	OrderID string          `json:"order_id"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	// OpeningBalance credits an account the first time it is seen
	OpeningBalance *decimal.Decimal `json:"opening_balance,omitempty"`
	// MaxExposure caps the account's total active reservations
	MaxExposure *decimal.Decimal `json:"max_exposure,omitempty"`
}

// ReleaseCommand frees an order's reservation
type ReleaseCommand struct {
	Ledger  Ledger `json:"ledger"`
	OrderID string `json:"order_id"`
}

// SettleCommand debits the actual cost and frees the remainder
type SettleCommand struct {
	Ledger  Ledger          `json:"ledger"`
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// DepositCommand credits an account
type DepositCommand struct {
	Ledger  Ledger          `json:"ledger"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// Reservation is a hold on funds for one order
type Reservation struct {
	OrderID string           `json:"order_id"`
	Account string           `json:"account"`
	Amount  decimal.Decimal  `json:"amount"`
	Settled decimal.Decimal  `json:"settled"`
	State   ReservationState `json:"state"`
}

// Result is the response of every ledger command
type Result struct {
	OK          bool            `json:"ok"`
	Outcome     string          `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Available   decimal.Decimal `json:"available"`
	Reservation *Reservation    `json:"reservation,omitempty"`
}

// EncodeCommand encodes a command into JSON bytes
func EncodeCommand(kind string, payload interface{}) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return json.Marshal(CommandEnvelope{
		Kind:    kind,
		Payload: payloadJSON,
	})
}

// DecodeCommand decodes a command from JSON bytes
func DecodeCommand(data []byte) (*CommandEnvelope, error) {
	var cmd CommandEnvelope
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return &cmd, nil
}
