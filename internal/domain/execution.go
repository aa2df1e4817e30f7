package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownOrderID marks execution events whose order could not be resolved
const UnknownOrderID = "UNKNOWN"

// ChainKind identifies which request chain a client order id belongs to
type ChainKind string

const (
	ChainNew    ChainKind = "new"
	ChainModify ChainKind = "modify"
	ChainCancel ChainKind = "cancel"
)

// ExecType is the normalized execution type of an exchange report
type ExecType string

const (
	ExecNew            ExecType = "NEW"
	ExecPartialFill    ExecType = "PARTIAL_FILL"
	ExecFill           ExecType = "FILL"
	ExecDoneForDay     ExecType = "DONE_FOR_DAY"
	ExecCanceled       ExecType = "CANCELED"
	ExecReplaced       ExecType = "REPLACED"
	ExecPendingCancel  ExecType = "PENDING_CANCEL"
	ExecStopped        ExecType = "STOPPED"
	ExecRejected       ExecType = "REJECTED"
	ExecSuspended      ExecType = "SUSPENDED"
	ExecPendingNew     ExecType = "PENDING_NEW"
	ExecCalculated     ExecType = "CALCULATED"
	ExecExpired        ExecType = "EXPIRED"
	ExecRestated       ExecType = "RESTATED"
	ExecPendingReplace ExecType = "PENDING_REPLACE"
	ExecTrade          ExecType = "TRADE"
	ExecOrderStatus    ExecType = "ORDER_STATUS"
	ExecUnknown        ExecType = "UNKNOWN"
)

// IsFill reports whether the report carries fill quantity
func (t ExecType) IsFill() bool {
	return t == ExecPartialFill || t == ExecFill || t == ExecTrade
}

// OrdStatus is the exchange-reported order status
type OrdStatus string

const (
	OrdNew                OrdStatus = "NEW"
	OrdPartiallyFilled    OrdStatus = "PARTIALLY_FILLED"
	OrdFilled             OrdStatus = "FILLED"
	OrdDoneForDay         OrdStatus = "DONE_FOR_DAY"
	OrdCanceled           OrdStatus = "CANCELED"
	OrdReplaced           OrdStatus = "REPLACED"
	OrdPendingCancel      OrdStatus = "PENDING_CANCEL"
	OrdStopped            OrdStatus = "STOPPED"
	OrdRejected           OrdStatus = "REJECTED"
	OrdSuspended          OrdStatus = "SUSPENDED"
	OrdPendingNew         OrdStatus = "PENDING_NEW"
	OrdCalculated         OrdStatus = "CALCULATED"
	OrdExpired            OrdStatus = "EXPIRED"
	OrdAcceptedForBidding OrdStatus = "ACCEPTED_FOR_BIDDING"
	OrdPendingReplace     OrdStatus = "PENDING_REPLACE"
	OrdUnknown            OrdStatus = "UNKNOWN"
)

// ExecutionEvent is a normalized exchange notification
type ExecutionEvent struct {
	ExecID          string           `json:"exec_id"`
	ExecType        ExecType         `json:"exec_type"`
	OrdStatus       OrdStatus        `json:"ord_status"`
	OrderID         string           `json:"order_id"`
	ClOrdID         string           `json:"cl_ord_id"`
	OrigClOrdID     string           `json:"orig_cl_ord_id,omitempty"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Chain           ChainKind        `json:"chain"`
	Side            Side             `json:"side"`
	Symbol          string           `json:"symbol"`
	OrderQty        decimal.Decimal  `json:"order_qty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	LastQty         decimal.Decimal  `json:"last_qty"`
	LastPx          decimal.Decimal  `json:"last_px"`
	CumQty          decimal.Decimal  `json:"cum_qty"`
	LeavesQty       decimal.Decimal  `json:"leaves_qty"`
	AvgPx           decimal.Decimal  `json:"avg_px"`
	RejectReason    string           `json:"reject_reason,omitempty"`
	Text            string           `json:"text,omitempty"`
	TransactTime    time.Time        `json:"transact_time"`
	UserID          string           `json:"user_id,omitempty"`

	// Unresolved is set when the client order id maps to no known order
	Unresolved bool   `json:"unresolved,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}
