package domain

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// ErrInvalidOrder is returned for malformed order requests
var ErrInvalidOrder = errors.New("invalid order")

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType of an order
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce of an order
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

var (
	// MinPrice and MaxPrice bound a contract price in cents
	MinPrice = decimal.NewFromInt(1)
	MaxPrice = decimal.NewFromInt(100)

	orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	// ids ending like a chain suffix would not round-trip through a client order id
	chainSuffixPattern = regexp.MustCompile(`-[MC]-[0-9]+$`)
)

// OrderRequest is an inbound order submission
type OrderRequest struct {
	OrderID     string           `json:"order_id"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	OrderType   OrderType        `json:"order_type"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	UserID      string           `json:"user_id"`
}

// Validate checks the request shape. Errors wrap ErrInvalidOrder.
func (r OrderRequest) Validate() error {
	if !orderIDPattern.MatchString(r.OrderID) {
		return fmt.Errorf("%w: order_id %q must be alphanumeric with hyphens", ErrInvalidOrder, r.OrderID)
	}
	if chainSuffixPattern.MatchString(r.OrderID) {
		return fmt.Errorf("%w: order_id %q ends with a reserved chain suffix", ErrInvalidOrder, r.OrderID)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidOrder)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id cannot be empty", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if !r.Quantity.IsPositive() || !r.Quantity.Equal(r.Quantity.Truncate(0)) {
		return fmt.Errorf("%w: quantity must be a positive whole number", ErrInvalidOrder)
	}

	switch r.OrderType {
	case OrderTypeLimit:
		if r.Price == nil {
			return fmt.Errorf("%w: limit order requires price", ErrInvalidOrder)
		}
		if err := validatePrice(*r.Price); err != nil {
			return err
		}
	case OrderTypeMarket:
		if r.Price != nil {
			return fmt.Errorf("%w: market order cannot carry a price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unsupported order type %q", ErrInvalidOrder, r.OrderType)
	}

	switch r.TimeInForce {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	default:
		return fmt.Errorf("%w: unsupported time in force %q", ErrInvalidOrder, r.TimeInForce)
	}

	return nil
}

func validatePrice(p decimal.Decimal) error {
	if p.LessThan(MinPrice) || !p.LessThan(MaxPrice) {
		return fmt.Errorf("%w: price %s outside [%s, %s)", ErrInvalidOrder, p, MinPrice, MaxPrice)
	}
	return nil
}

// ReservationPrice is the per-contract price used to size reservations.
// Market orders reserve at the worst case.
func (r OrderRequest) ReservationPrice() decimal.Decimal {
	if r.Price == nil {
		return MaxPrice
	}
	return *r.Price
}

// RiskAmount is the maximum amount the order can cost
func (r OrderRequest) RiskAmount() decimal.Decimal {
	if r.Price == nil {
		return r.Quantity.Mul(MaxPrice)
	}
	return Cost(r.Side, r.Quantity, *r.Price)
}

// Cost of qty contracts at px for the given side. A SELL pays the complement.
func Cost(side Side, qty, px decimal.Decimal) decimal.Decimal {
	if side == SideSell {
		return qty.Mul(MaxPrice.Sub(px))
	}
	return qty.Mul(px)
}

// SignedQty returns qty with the sign of the side's position effect
func SignedQty(side Side, qty decimal.Decimal) decimal.Decimal {
	if side == SideSell {
		return qty.Neg()
	}
	return qty
}

// OrderStatus is the lifecycle status of an order entity
type OrderStatus string

const (
	StatusPlaced          OrderStatus = "PLACED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}
