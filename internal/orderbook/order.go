package orderbook

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder        = errors.New("invalid order")
	ErrUnknownInstrument   = errors.New("unknown instrument")
	ErrDuplicateInstrument = errors.New("instrument already registered")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of Buy or Sell
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Order is an agent's intent to trade one instrument at a limit price.
// Quantity is decremented by the book as fills occur.
type Order struct {
	ID         string  `json:"id"`
	AgentID    string  `json:"agent_id"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"` // BUY: maximum acceptable, SELL: minimum acceptable
	Quantity   int64   `json:"quantity"`
	Seq        uint64  `json:"seq"` // Arrival order, assigned by the book
}

// Validate checks the order's standalone invariants
func (o *Order) Validate() error {
	if o.AgentID == "" {
		return fmt.Errorf("%w: missing agent id", ErrInvalidOrder)
	}
	if !(o.Price > 0) || math.IsInf(o.Price, 0) {
		return fmt.Errorf("%w: price must be positive and finite, got %v", ErrInvalidOrder, o.Price)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidOrder, o.Quantity)
	}
	return nil
}

// Transaction is the result of a single match. Price is always derived by
// the book from the two crossing limit prices.
type Transaction struct {
	ID          string  `json:"id"`
	Instrument  string  `json:"instrument"`
	BuyerID     string  `json:"buyer_id"`
	SellerID    string  `json:"seller_id"`
	BuyOrderID  string  `json:"buy_order_id"`
	SellOrderID string  `json:"sell_order_id"`
	Quantity    int64   `json:"quantity"`
	Price       float64 `json:"price"`
}

// Notional returns quantity * price as an exact decimal so both
// counterparties see the same amount.
func (t Transaction) Notional() decimal.Decimal {
	return decimal.NewFromFloat(t.Price).Mul(decimal.NewFromInt(t.Quantity))
}

// PriceSetter receives the execution price of every match
type PriceSetter interface {
	SetPrice(instrument string, price float64) error
}

// Executor applies a transaction to the counterparties' cash and holdings
type Executor interface {
	Execute(tx Transaction) error
}

// ExecutionPrice is the single pricing rule used by every book: the
// midpoint of the crossing buy and sell limits. Halving first keeps the
// result finite for any two finite limits.
func ExecutionPrice(buy, sell float64) float64 {
	return buy/2 + sell/2
}
