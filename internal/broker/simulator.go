package broker

import (
	"context"
	"fmt"
	"sync"

	"tradedesk/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

type simOrder struct {
	order  domain.Order
	report OrderReport
}

// Simulator implements the Broker interface for paper trading and
// backtesting. It fills orders against the ticks it is fed and tracks cash
// and holdings in memory without making external API calls.
//
// MARKET orders fill at the last known price (or the next tick when none is
// known yet). LIMIT orders fill when the tick crosses the limit. STOP_LOSS
// orders fill at the tick price once the tick trades through the stop.
type Simulator struct {
	mu       sync.Mutex
	cash     float64
	prices   map[string]float64
	holdings map[string]float64
	orders   map[string]*simOrder
	nextID   int
}

// NewSimulator creates a Simulator with the given starting cash.
func NewSimulator(cash float64) *Simulator {
	return &Simulator{
		cash:     cash,
		prices:   make(map[string]float64),
		holdings: make(map[string]float64),
		orders:   make(map[string]*simOrder),
	}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// PlaceOrder accepts the order and fills it immediately when the current
// price allows.
func (s *Simulator) PlaceOrder(_ context.Context, order *domain.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.Side == domain.OrderSideBuy {
		ref := order.Price
		if ref == 0 {
			ref = s.prices[order.Symbol]
		}
		if ref*order.Quantity > s.cash {
			return "", &RejectedError{Reason: fmt.Sprintf("insufficient buying power: need %.2f, have %.2f", ref*order.Quantity, s.cash)}
		}
	}

	s.nextID++
	id := fmt.Sprintf("sim-%d", s.nextID)
	so := &simOrder{order: *order, report: OrderReport{Status: domain.OrderStatusPlaced}}
	s.orders[id] = so

	if p, ok := s.prices[order.Symbol]; ok {
		s.tryFillLocked(so, p)
	}
	if order.Validity == domain.ValidityIOC && so.report.Status == domain.OrderStatusPlaced {
		so.report.Status = domain.OrderStatusCancelled
		so.report.Reason = "immediate-or-cancel order not marketable"
	}
	return id, nil
}

// CancelOrder cancels a working order. Cancelling a filled order fails.
func (s *Simulator) CancelOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[order.BrokerOrderID]
	if !ok {
		return &RejectedError{Reason: "unknown order " + order.BrokerOrderID}
	}
	if so.report.Status != domain.OrderStatusPlaced {
		return &RejectedError{Reason: fmt.Sprintf("order is %s", so.report.Status)}
	}
	so.report.Status = domain.OrderStatusCancelled
	return nil
}

// OrderStatus returns the simulated state of an order.
func (s *Simulator) OrderStatus(_ context.Context, brokerOrderID string) (OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.orders[brokerOrderID]
	if !ok {
		return OrderReport{}, fmt.Errorf("unknown order %s", brokerOrderID)
	}
	return so.report, nil
}

// Account returns cash and equity marked at the last known prices.
func (s *Simulator) Account(_ context.Context) (*domain.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.cash
	for sym, qty := range s.holdings {
		equity += qty * s.prices[sym]
	}
	return &domain.AccountInfo{
		Cash:            s.cash,
		BuyingPower:     s.cash,
		Equity:          equity,
		MarginAvailable: s.cash,
	}, nil
}

// OnTick records the price and fills any working orders it triggers.
func (s *Simulator) OnTick(t domain.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[t.Symbol] = t.Price
	for _, so := range s.orders {
		if so.order.Symbol == t.Symbol && so.report.Status == domain.OrderStatusPlaced {
			s.tryFillLocked(so, t.Price)
		}
	}
}

func (s *Simulator) tryFillLocked(so *simOrder, price float64) {
	o := &so.order
	fillAt, ok := 0.0, false
	switch o.Type {
	case domain.OrderTypeMarket:
		fillAt, ok = price, true
	case domain.OrderTypeLimit:
		if (o.Side == domain.OrderSideBuy && price <= o.Price) || (o.Side == domain.OrderSideSell && price >= o.Price) {
			fillAt, ok = o.Price, true
		}
	case domain.OrderTypeStopLoss:
		if (o.Side == domain.OrderSideSell && price <= o.Price) || (o.Side == domain.OrderSideBuy && price >= o.Price) {
			fillAt, ok = price, true
		}
	}
	if !ok {
		return
	}

	notional := fillAt * o.Quantity
	if o.Side == domain.OrderSideBuy {
		if notional > s.cash {
			so.report = OrderReport{Status: domain.OrderStatusRejected, Reason: "insufficient buying power"}
			return
		}
		s.cash -= notional
		s.holdings[o.Symbol] += o.Quantity
	} else {
		s.cash += notional
		s.holdings[o.Symbol] -= o.Quantity
	}
	so.report = OrderReport{Status: domain.OrderStatusFilled, FilledQty: o.Quantity, FilledPrice: fillAt}
}
