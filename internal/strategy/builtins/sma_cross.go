// Package builtins provides built-in strategy implementations that ship with
// tradedesk.
package builtins

import (
	"context"
	"fmt"
	"sync"

	"tradedesk/internal/domain"
	"tradedesk/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy     = (*SMACross)(nil)
	_ strategy.OrderObserver = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover strategy on tick
// prices for one symbol. It buys a fixed quantity when the short-period SMA
// crosses above the long-period SMA and sells everything it holds when it
// crosses below.
type SMACross struct {
	id          string
	symbol      string
	brokerID    string
	quantity    float64
	shortPeriod int
	longPeriod  int

	mu      sync.Mutex
	prices  []float64 // ring buffer of the last longPeriod prices
	next    int
	count   int
	above   bool // short SMA above long SMA at the last evaluation
	primed  bool
	held    float64
	pending bool // an order is in flight
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(id, symbol string, short, long int, quantity float64, brokerID string) (*SMACross, error) {
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("sma cross %s: need 0 < short < long, got %d/%d", id, short, long)
	}
	if quantity <= 0 {
		quantity = 1
	}
	return &SMACross{
		id:          id,
		symbol:      symbol,
		brokerID:    brokerID,
		quantity:    quantity,
		shortPeriod: short,
		longPeriod:  long,
		prices:      make([]float64, long),
	}, nil
}

// Name returns the configured strategy id.
func (s *SMACross) Name() string {
	return s.id
}

// Init resets the price history and the tracked holding.
func (s *SMACross) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prices {
		s.prices[i] = 0
	}
	s.next, s.count = 0, 0
	s.primed, s.above = false, false
	s.held, s.pending = 0, false
	return nil
}

// OnTick appends the tick price and emits an order on a crossover.
func (s *SMACross) OnTick(_ context.Context, tick domain.Tick) ([]domain.OrderRequest, error) {
	if tick.Symbol != s.symbol || tick.Price <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[s.next] = tick.Price
	s.next = (s.next + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}
	if s.count < s.longPeriod {
		return nil, nil
	}

	above := s.sma(s.shortPeriod) > s.sma(s.longPeriod)
	if !s.primed {
		s.primed, s.above = true, above
		return nil, nil
	}
	crossed := above != s.above
	s.above = above
	if !crossed || s.pending {
		return nil, nil
	}

	switch {
	case above && s.held == 0:
		s.pending = true
		return []domain.OrderRequest{s.request(domain.OrderSideBuy, s.quantity)}, nil
	case !above && s.held > 0:
		s.pending = true
		return []domain.OrderRequest{s.request(domain.OrderSideSell, s.held)}, nil
	}
	return nil, nil
}

// OnOrderUpdate updates the quantity the strategy holds and clears the
// in-flight flag once the order is settled.
func (s *SMACross) OnOrderUpdate(o domain.Order) {
	if o.StrategyID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o.Status {
	case domain.OrderStatusPlaced:
		return
	case domain.OrderStatusFilled:
	default:
		s.pending = false
		return
	}
	s.pending = false
	if o.Side == domain.OrderSideBuy {
		s.held += o.FilledQty
	} else {
		s.held -= o.FilledQty
		if s.held < 0 {
			s.held = 0
		}
	}
}

// Held returns the quantity the strategy believes it holds.
func (s *SMACross) Held() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// sma averages the most recent n prices.
func (s *SMACross) sma(n int) float64 {
	var sum float64
	for i := 1; i <= n; i++ {
		idx := (s.next - i + s.longPeriod) % s.longPeriod
		sum += s.prices[idx]
	}
	return sum / float64(n)
}

func (s *SMACross) request(side domain.OrderSide, qty float64) domain.OrderRequest {
	return domain.OrderRequest{
		BrokerID:   s.brokerID,
		Symbol:     s.symbol,
		Side:       side,
		Quantity:   qty,
		Type:       domain.OrderTypeMarket,
		Validity:   domain.ValidityDay,
		StrategyID: s.id,
	}
}
