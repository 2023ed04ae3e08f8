package eventbus

import (
	"time"

	"tradedesk/internal/domain"
)

// Kind names an event.
type Kind string

const (
	KindOrderPlaced      Kind = "order_placed"
	KindOrderRejected    Kind = "order_rejected"
	KindOrderModified    Kind = "order_modified"
	KindOrderFilled      Kind = "order_filled"
	KindOrderCancelled   Kind = "order_cancelled"
	KindPositionUpdated  Kind = "position_updated"
	KindPortfolioUpdated Kind = "portfolio_updated"
	KindTradeRecorded    Kind = "trade_recorded"
	KindTick             Kind = "tick"
)

// Event carries a snapshot of the entity it concerns. Exactly one payload
// pointer is set, selected by Kind.
type Event struct {
	Kind Kind      `json:"kind"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`

	Order    *domain.Order            `json:"order,omitempty"`
	Position *PositionChange          `json:"position,omitempty"`
	Summary  *domain.PortfolioSummary `json:"summary,omitempty"`
	Trade    *domain.Trade            `json:"trade,omitempty"`
	Tick     *domain.Tick             `json:"tick,omitempty"`
}

// PositionChange describes one update to a position. When Closed is set the
// position no longer exists and Position holds its final state.
type PositionChange struct {
	Position    domain.Position `json:"position"`
	Closed      bool            `json:"closed"`
	RealizedPnL float64         `json:"realizedPnl"`
	OrderID     string          `json:"orderId,omitempty"`
}

// OrderEvent builds an order lifecycle event around a copy of o.
func OrderEvent(kind Kind, o domain.Order) Event {
	return Event{Kind: kind, Order: &o, Time: o.UpdatedAt}
}

// PositionEvent builds a position_updated event.
func PositionEvent(c PositionChange) Event {
	return Event{Kind: KindPositionUpdated, Position: &c, Time: c.Position.UpdatedAt}
}

// PortfolioEvent builds a portfolio_updated event.
func PortfolioEvent(s domain.PortfolioSummary) Event {
	return Event{Kind: KindPortfolioUpdated, Summary: &s, Time: s.AsOf}
}

// TradeEvent builds a trade_recorded event.
func TradeEvent(t domain.Trade) Event {
	return Event{Kind: KindTradeRecorded, Trade: &t, Time: t.Timestamp}
}

// TickEvent builds a tick event.
func TickEvent(t domain.Tick) Event {
	return Event{Kind: KindTick, Tick: &t, Time: t.Timestamp}
}
