package order

import (
	"encoding/json"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/shopspring/decimal"
)

// Event types in an order stream
const (
	EventPlaced           = "OrderPlaced"
	EventExecutionApplied = "ExecutionApplied"
	EventRejected         = "OrderRejected"
	EventCancelRequested  = "CancelRequested"
	EventModifyRequested  = "ModifyRequested"
	EventRequestRejected  = "RequestRejected"
)

type placedEvent struct {
	Request domain.OrderRequest `json:"request"`
}

type executionAppliedEvent struct {
	Execution domain.ExecutionEvent `json:"execution"`
}

type rejectedEvent struct {
	Reason string `json:"reason"`
}

type cancelRequestedEvent struct {
	ClOrdID     string `json:"cl_ord_id"`
	OrigClOrdID string `json:"orig_cl_ord_id"`
}

type modifyRequestedEvent struct {
	ClOrdID     string           `json:"cl_ord_id"`
	OrigClOrdID string           `json:"orig_cl_ord_id"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
}

type requestRejectedEvent struct {
	Chain   domain.ChainKind `json:"chain"`
	ClOrdID string           `json:"cl_ord_id"`
	ExecID  string           `json:"exec_id,omitempty"`
	Reason  string           `json:"reason"`
}

// State is the folded view of an order stream
type State struct {
	Exists          bool                `json:"exists"`
	OrderID         string              `json:"order_id"`
	Request         domain.OrderRequest `json:"request"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Price           *decimal.Decimal    `json:"price,omitempty"`
	CumQty          decimal.Decimal     `json:"cum_qty"`
	LeavesQty       decimal.Decimal     `json:"leaves_qty"`
	AvgPx           decimal.Decimal     `json:"avg_px"`
	Status          domain.OrderStatus  `json:"status"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	RejectReason    string              `json:"reject_reason,omitempty"`
	PendingCancel   string              `json:"pending_cancel,omitempty"`
	PendingModify   string              `json:"pending_modify,omitempty"`
	ExecIDs         map[string]struct{} `json:"exec_ids,omitempty"`
}

// View returns a copy safe to hand out of the entity
func (s State) View() State {
	s.ExecIDs = nil
	return s
}

// FillCost is what the filled quantity costs at the average price
func (s State) FillCost() decimal.Decimal {
	if s.CumQty.IsZero() {
		return decimal.Zero
	}
	return domain.Cost(s.Request.Side, s.CumQty, s.AvgPx)
}

func (s *State) apply(eventType string, payload []byte) error {
	switch eventType {
	case EventPlaced:
		var e placedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.Exists = true
		s.OrderID = e.Request.OrderID
		s.Request = e.Request
		s.Quantity = e.Request.Quantity
		s.Price = e.Request.Price
		s.LeavesQty = e.Request.Quantity
		s.Status = domain.StatusPlaced
		s.ExecIDs = make(map[string]struct{})

	case EventExecutionApplied:
		var e executionAppliedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.applyExecution(e.Execution)

	case EventRejected:
		var e rejectedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.Status = domain.StatusRejected
		s.RejectReason = e.Reason

	case EventCancelRequested:
		var e cancelRequestedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.PendingCancel = e.ClOrdID

	case EventModifyRequested:
		var e modifyRequestedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		s.PendingModify = e.ClOrdID

	case EventRequestRejected:
		var e requestRejectedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		if e.Chain == domain.ChainCancel {
			s.PendingCancel = ""
		} else {
			s.PendingModify = ""
		}
		s.rememberExec(e.ExecID)

	default:
		return fmt.Errorf("unknown order event type %q", eventType)
	}
	return nil
}

func (s *State) rememberExec(execID string) {
	if execID == "" {
		return
	}
	if s.ExecIDs == nil {
		s.ExecIDs = make(map[string]struct{})
	}
	s.ExecIDs[execID] = struct{}{}
}

func (s *State) applyExecution(ev domain.ExecutionEvent) {
	s.rememberExec(ev.ExecID)
	if ev.ExchangeOrderID != "" {
		s.ExchangeOrderID = ev.ExchangeOrderID
	}

	switch ev.ExecType {
	case domain.ExecReplaced:
		if ev.OrderQty.IsPositive() {
			s.Quantity = ev.OrderQty
		}
		if ev.Price != nil {
			s.Price = ev.Price
		}
		s.PendingModify = ""
	case domain.ExecCanceled, domain.ExecExpired, domain.ExecDoneForDay:
		s.Status = domain.StatusCanceled
		s.PendingCancel = ""
	case domain.ExecRejected:
		s.RejectReason = rejectText(ev)
		if s.CumQty.IsPositive() || ev.CumQty.IsPositive() {
			// filled quantity stands; only the remainder is done
			s.Status = domain.StatusCanceled
			s.PendingCancel = ""
		} else {
			s.Status = domain.StatusRejected
		}
	}

	if ev.CumQty.GreaterThan(s.CumQty) {
		s.CumQty = ev.CumQty
		s.AvgPx = ev.AvgPx
	}
	s.LeavesQty = s.Quantity.Sub(s.CumQty)

	if !s.Status.IsTerminal() {
		switch {
		case s.CumQty.IsPositive() && s.LeavesQty.IsZero():
			s.Status = domain.StatusFilled
		case s.CumQty.IsPositive():
			s.Status = domain.StatusPartiallyFilled
		}
	}
}

func rejectText(ev domain.ExecutionEvent) string {
	switch {
	case ev.RejectReason != "" && ev.Text != "":
		return ev.RejectReason + ": " + ev.Text
	case ev.Text != "":
		return ev.Text
	default:
		return ev.RejectReason
	}
}
