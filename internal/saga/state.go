package saga

import (
	"encoding/json"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/shopspring/decimal"
)

// Step is the workflow position of a process manager
type Step string

const (
	StepStarted          Step = "STARTED"
	StepFundsReserved    Step = "FUNDS_RESERVED"
	StepSubmitted        Step = "SUBMITTED"
	StepFilledOrCanceled Step = "FILLED_OR_CANCELED"
	StepSettled          Step = "SETTLED"
	StepFailed           Step = "FAILED"
	StepReleased         Step = "RELEASED"
)

// Event types in a saga stream
const (
	EventWorkflowStarted    = "WorkflowStarted"
	EventFundsReserved      = "FundsReserved"
	EventOrderSubmitted     = "OrderSubmitted"
	EventOrderStatusUpdated = "OrderStatusUpdated"
	EventFundsSettled       = "FundsSettled"
	EventWorkflowFailed     = "WorkflowFailed"
	EventFundsReleased      = "FundsReleased"
)

type workflowStartedEvent struct {
	Request domain.OrderRequest `json:"request"`
	Amount  decimal.Decimal     `json:"amount"`
}

type fundsReservedEvent struct {
	Ledger wallet.Ledger `json:"ledger"`
}

type orderSubmittedEvent struct {
	ClOrdID string `json:"cl_ord_id"`
}

type orderStatusUpdatedEvent struct {
	Status    domain.OrderStatus `json:"status"`
	FilledQty decimal.Decimal    `json:"filled_qty"`
	FillCost  decimal.Decimal    `json:"fill_cost"`
}

type fundsSettledEvent struct {
	Amount decimal.Decimal `json:"amount"`
}

type workflowFailedEvent struct {
	Reason string `json:"reason"`
}

type fundsReleasedEvent struct{}

// State is the folded view of a saga stream
type State struct {
	Exists           bool                `json:"exists"`
	OrderID          string              `json:"order_id"`
	Request          domain.OrderRequest `json:"request"`
	Amount           decimal.Decimal     `json:"amount"`
	Step             Step                `json:"step"`
	InternalReserved bool                `json:"internal_reserved"`
	ExchangeReserved bool                `json:"exchange_reserved"`
	ClOrdID          string              `json:"cl_ord_id,omitempty"`
	OrderStatus      domain.OrderStatus  `json:"order_status,omitempty"`
	FilledQty        decimal.Decimal     `json:"filled_qty"`
	FillCost         decimal.Decimal     `json:"fill_cost"`
	Settled          decimal.Decimal     `json:"settled"`
	FailReason       string              `json:"fail_reason,omitempty"`
}

func (s *State) apply(eventType string, payload []byte) error {
	switch eventType {
	case EventWorkflowStarted:
		var e workflowStartedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.Exists = true
		s.OrderID = e.Request.OrderID
		s.Request = e.Request
		s.Amount = e.Amount
		s.Step = StepStarted

	case EventFundsReserved:
		var e fundsReservedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		switch e.Ledger {
		case wallet.LedgerInternal:
			s.InternalReserved = true
		case wallet.LedgerExchange:
			s.ExchangeReserved = true
		default:
			return fmt.Errorf("unknown ledger %q", e.Ledger)
		}
		if s.InternalReserved && s.ExchangeReserved {
			s.Step = StepFundsReserved
		}

	case EventOrderSubmitted:
		var e orderSubmittedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.ClOrdID = e.ClOrdID
		s.Step = StepSubmitted
		if s.OrderStatus == "" {
			s.OrderStatus = domain.StatusPlaced
		}

	case EventOrderStatusUpdated:
		var e orderStatusUpdatedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.OrderStatus = e.Status
		s.FilledQty = e.FilledQty
		s.FillCost = e.FillCost
		if e.Status.IsTerminal() {
			s.Step = StepFilledOrCanceled
		}

	case EventFundsSettled:
		var e fundsSettledEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.Settled = e.Amount
		s.Step = StepSettled

	case EventWorkflowFailed:
		var e workflowFailedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.FailReason = e.Reason
		s.Step = StepFailed

	case EventFundsReleased:
		s.Step = StepReleased

	default:
		return fmt.Errorf("unknown saga event type %q", eventType)
	}
	return nil
}

// Done reports whether the workflow has nothing left to do
func (s State) Done() bool {
	return s.Step == StepSettled || s.Step == StepReleased
}
