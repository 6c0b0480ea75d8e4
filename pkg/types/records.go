package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Indicator represents a computed technical indicator value for a candle
type Indicator struct {
	Venue     Venue
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
	Name      string
	Value     decimal.Decimal
}

// ZoneKind classifies a supply/demand zone
type ZoneKind string

const (
	ZoneSupply ZoneKind = "supply"
	ZoneDemand ZoneKind = "demand"
)

// Zone represents a detected supply or demand zone
type Zone struct {
	ID         string
	Venue      Venue
	Symbol     string
	Timeframe  Timeframe
	Kind       ZoneKind
	PriceLow   decimal.Decimal
	PriceHigh  decimal.Decimal
	DetectedAt time.Time
	Active     bool
}

// OrderSide is the direction of an order
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderStatus tracks the lifecycle of an order
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order represents an order placed by the decision stage
type Order struct {
	ID        string
	Venue     Venue
	Symbol    string
	Side      OrderSide
	Status    OrderStatus
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position represents an open position
type Position struct {
	ID         string
	Venue      Venue
	Symbol     string
	Side       OrderSide
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	OpenedAt   time.Time
	Active     bool
}
