// Package domain holds the entity and value types shared by the trading
// engine: orders, positions, trades, ticks, and the derived portfolio views.
package domain

import (
	"math"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss:
		return true
	}
	return false
}

// RequiresPrice reports whether orders of this type must carry a price.
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLoss
}

// Validity is the time-in-force of an order.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityGTC Validity = "GTC"
	ValidityIOC Validity = "IOC"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is the inbound instruction used to create an order.
type OrderRequest struct {
	BrokerID   string    `json:"brokerId"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price,omitempty"`
	Type       OrderType `json:"orderType"`
	Validity   Validity  `json:"validity,omitempty"`
	StrategyID string    `json:"strategyId,omitempty"`
}

// Order is one trading instruction and its lifecycle state. Orders are owned
// by the order book; every other component sees copies.
type Order struct {
	ID            string      `json:"id"`
	BrokerID      string      `json:"brokerId"`
	BrokerOrderID string      `json:"brokerOrderId,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	Type          OrderType   `json:"orderType"`
	Validity      Validity    `json:"validity"`
	StrategyID    string      `json:"strategyId,omitempty"`
	Status        OrderStatus `json:"status"`
	FilledPrice   float64     `json:"filledPrice,omitempty"`
	FilledQty     float64     `json:"filledQuantity,omitempty"`
	RejectReason  string      `json:"rejectReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// Value returns the filled notional of the order.
func (o *Order) Value() float64 {
	return o.FilledPrice * o.FilledQty
}

// Position is the net holding in one symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"averagePrice"`
	CurrentPrice  float64   `json:"currentPrice"`
	RealizedPnL   float64   `json:"realizedPnl"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	DayBaseline   float64   `json:"dayBaseline"`
	DayChange     float64   `json:"dayChange"`
	OpenedAt      time.Time `json:"openedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MarketValue is the position marked at the current price.
func (p *Position) MarketValue() float64 {
	return p.CurrentPrice * p.Quantity
}

// Invested is the capital committed at the average entry price.
func (p *Position) Invested() float64 {
	return p.AvgPrice * math.Abs(p.Quantity)
}

// Mark recomputes the price-derived fields at price.
func (p *Position) Mark(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = (price - p.AvgPrice) * p.Quantity
	if p.DayBaseline > 0 {
		p.DayChange = price - p.DayBaseline
	} else {
		p.DayChange = 0
	}
}

// Trade is the immutable record of one fill.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Value      float64   `json:"value"`
	PnL        float64   `json:"pnl"`
	BrokerID   string    `json:"brokerId"`
	StrategyID string    `json:"strategyId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Tick is a single market price observation.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountInfo is the broker-reported cash and margin state.
type AccountInfo struct {
	Cash            float64 `json:"cash"`
	BuyingPower     float64 `json:"buyingPower"`
	Equity          float64 `json:"equity"`
	MarginUsed      float64 `json:"marginUsed"`
	MarginAvailable float64 `json:"marginAvailable"`
}

// PortfolioSummary is a point-in-time rollup of the open positions. It is
// recomputed on every read and never stored.
type PortfolioSummary struct {
	TotalValue      float64   `json:"totalValue"`
	TotalInvested   float64   `json:"totalInvested"`
	TotalPnL        float64   `json:"totalPnl"`
	TotalPnLPct     float64   `json:"totalPnlPercent"`
	RealizedPnL     float64   `json:"realizedPnl"`
	UnrealizedPnL   float64   `json:"unrealizedPnl"`
	DayPnL          float64   `json:"dayPnl"`
	DayPnLPct       float64   `json:"dayPnlPercent"`
	AvailableCash   float64   `json:"availableCash"`
	MarginUsed      float64   `json:"marginUsed"`
	MarginAvailable float64   `json:"marginAvailable"`
	PositionCount   int       `json:"positionCount"`
	AsOf            time.Time `json:"asOf"`
}

// PerformanceMetrics are statistics derived from the trade log.
type PerformanceMetrics struct {
	TotalTrades   int     `json:"totalTrades"`
	WinningTrades int     `json:"winningTrades"`
	LosingTrades  int     `json:"losingTrades"`
	TotalPnL      float64 `json:"totalPnl"`
	WinRate       float64 `json:"winRate"`
	AvgWin        float64 `json:"avgWin"`
	AvgLoss       float64 `json:"avgLoss"`
	ProfitFactor  float64 `json:"profitFactor"`
	MaxDrawdown   float64 `json:"maxDrawdown"`
	SharpeRatio   float64 `json:"sharpeRatio"`
}

// StrategyPnL attributes realized and unrealized P&L to one strategy.
type StrategyPnL struct {
	StrategyID    string             `json:"strategyId"`
	RealizedPnL   float64            `json:"realizedPnl"`
	UnrealizedPnL float64            `json:"unrealizedPnl"`
	TotalPnL      float64            `json:"totalPnl"`
	OpenQuantity  map[string]float64 `json:"openQuantity"`
	TradeCount    int                `json:"tradeCount"`
}

// OrderFilter narrows order listings. Empty fields match everything.
type OrderFilter struct {
	BrokerID   string
	Status     OrderStatus
	Symbol     string
	StrategyID string
}

// Match reports whether o satisfies the filter.
func (f OrderFilter) Match(o *Order) bool {
	if f.BrokerID != "" && o.BrokerID != f.BrokerID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	return true
}

// TradeFilter narrows trade history queries. Limit <= 0 means no limit.
type TradeFilter struct {
	Symbol     string
	StrategyID string
	Limit      int
}

// Match reports whether t satisfies the symbol and strategy constraints.
func (f TradeFilter) Match(t *Trade) bool {
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if f.StrategyID != "" && t.StrategyID != f.StrategyID {
		return false
	}
	return true
}
