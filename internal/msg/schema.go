package msg

import (
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/shopspring/decimal"
)

// Command types accepted on the orders.commands topic
const (
	CommandNew    = "new"
	CommandModify = "modify"
	CommandCancel = "cancel"
)

// OrderCommandMsg is an inbound order command
type OrderCommandMsg struct {
	EventID      string               `json:"event_id"`
	Type         string               `json:"type"`
	OrderID      string               `json:"order_id"`
	Request      *domain.OrderRequest `json:"request,omitempty"`
	Quantity     *decimal.Decimal     `json:"quantity,omitempty"`
	Price        *decimal.Decimal     `json:"price,omitempty"`
	TsUnixMillis int64                `json:"ts_unix_millis"`
}

// OrderSubmittedMsg is published once an order is placed
type OrderSubmittedMsg struct {
	OrderID      string              `json:"order_id"`
	Request      domain.OrderRequest `json:"request"`
	TsUnixMillis int64               `json:"ts_unix_millis"`
}

// ExecutionReceivedMsg is published for every execution applied to an order
type ExecutionReceivedMsg struct {
	OrderID      string                `json:"order_id"`
	Status       domain.OrderStatus    `json:"status"`
	Execution    domain.ExecutionEvent `json:"execution"`
	TsUnixMillis int64                 `json:"ts_unix_millis"`
}

// ProtocolErrorMsg is published for classified gateway errors
type ProtocolErrorMsg struct {
	ErrorType      string `json:"error_type"`
	Message        string `json:"message"`
	OrderID        string `json:"order_id,omitempty"`
	ClOrdID        string `json:"cl_ord_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	RepublishCount int    `json:"republish_count"`
	TsUnixMillis   int64  `json:"ts_unix_millis"`
}
