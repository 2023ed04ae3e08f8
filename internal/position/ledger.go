// Package position maintains the set of open positions from fill and tick
// events.
package position

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
)

// Ledger is the only writer of Position state. It subscribes to fills and
// ticks on the bus and publishes position_updated after each change.
type Ledger struct {
	bus     *eventbus.Bus
	log     *slog.Logger
	epsilon float64
	now     func() time.Time

	mu          sync.Mutex
	positions   map[string]*domain.Position
	lastPrice   map[string]float64
	lastEmitted map[string]float64
	closedPnL   float64
}

// NewLedger creates a ledger and subscribes it to order_filled and tick
// events. Ticks that move the price by no more than epsilon update the
// position silently.
func NewLedger(bus *eventbus.Bus, epsilon float64, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	l := &Ledger{
		bus:         bus,
		log:         log.With("component", "ledger"),
		epsilon:     epsilon,
		now:         time.Now,
		positions:   make(map[string]*domain.Position),
		lastPrice:   make(map[string]float64),
		lastEmitted: make(map[string]float64),
	}
	if bus != nil {
		bus.Subscribe(l.handle, eventbus.KindOrderFilled, eventbus.KindTick)
	}
	return l
}

func (l *Ledger) handle(e eventbus.Event) error {
	switch e.Kind {
	case eventbus.KindOrderFilled:
		if e.Order == nil {
			return fmt.Errorf("order_filled without order payload")
		}
		_, err := l.OnFill(*e.Order)
		return err
	case eventbus.KindTick:
		if e.Tick != nil {
			l.OnTick(e.Tick.Symbol, e.Tick.Price, e.Tick.Timestamp)
		}
	}
	return nil
}

// OnFill applies a filled order. BUY fills open or add to a position at the
// volume-weighted average price. SELL fills reduce it and realize
// (fill - avg) * qty; a position reduced to exactly zero is removed.
// A SELL larger than the open quantity returns ErrUnsupportedPositionFlip and
// changes nothing.
func (l *Ledger) OnFill(o domain.Order) (eventbus.PositionChange, error) {
	qty, price := o.FilledQty, o.FilledPrice
	if qty <= 0 || price <= 0 {
		return eventbus.PositionChange{}, &domain.ValidationError{Field: "fill", Msg: fmt.Sprintf("order %s has no fill", o.ID)}
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	pos, exists := l.positions[o.Symbol]
	var change eventbus.PositionChange

	switch o.Side {
	case domain.OrderSideBuy:
		if !exists {
			current := price
			if p, ok := l.lastPrice[o.Symbol]; ok {
				current = p
			}
			pos = &domain.Position{
				Symbol:      o.Symbol,
				DayBaseline: price,
				OpenedAt:    ts,
			}
			pos.CurrentPrice = current
			l.positions[o.Symbol] = pos
		}
		newQty := pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + price*qty) / newQty
		pos.Quantity = newQty
		pos.UpdatedAt = ts
		pos.Mark(pos.CurrentPrice)
		change = eventbus.PositionChange{Position: *pos, OrderID: o.ID}

	case domain.OrderSideSell:
		if !exists || qty > pos.Quantity {
			held := 0.0
			if exists {
				held = pos.Quantity
			}
			l.mu.Unlock()
			return eventbus.PositionChange{}, fmt.Errorf("sell %v %s against %v held: %w", qty, o.Symbol, held, domain.ErrUnsupportedPositionFlip)
		}
		realized := (price - pos.AvgPrice) * qty
		pos.RealizedPnL += realized
		pos.Quantity -= qty
		pos.UpdatedAt = ts
		change = eventbus.PositionChange{RealizedPnL: realized, OrderID: o.ID}
		if pos.Quantity == 0 {
			pos.UnrealizedPnL = 0
			l.closedPnL += pos.RealizedPnL
			delete(l.positions, o.Symbol)
			delete(l.lastEmitted, o.Symbol)
			change.Closed = true
		} else {
			pos.Mark(pos.CurrentPrice)
		}
		change.Position = *pos

	default:
		l.mu.Unlock()
		return eventbus.PositionChange{}, &domain.ValidationError{Field: "side", Msg: string(o.Side)}
	}

	if !change.Closed {
		l.lastEmitted[o.Symbol] = pos.CurrentPrice
	}
	l.mu.Unlock()

	l.log.Debug("position updated", "symbol", o.Symbol, "quantity", change.Position.Quantity,
		"avgPrice", change.Position.AvgPrice, "closed", change.Closed, "orderID", o.ID)
	l.publish(change)
	return change, nil
}

// OnTick marks the position in symbol at price. A position_updated event is
// published only when the price has moved more than epsilon since the last
// one published for the symbol.
func (l *Ledger) OnTick(symbol string, price float64, ts time.Time) {
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	l.lastPrice[symbol] = price
	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return
	}
	pos.Mark(price)
	pos.UpdatedAt = ts

	last, seen := l.lastEmitted[symbol]
	emit := !seen || math.Abs(price-last) > l.epsilon
	if emit {
		l.lastEmitted[symbol] = price
	}
	snapshot := *pos
	l.mu.Unlock()

	if emit {
		l.publish(eventbus.PositionChange{Position: snapshot})
	}
}

// ResetDay makes every open position's current price its new day baseline.
// It is called when the trading session rolls over.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		p.DayBaseline = p.CurrentPrice
		p.Mark(p.CurrentPrice)
	}
}

// SetBaseline sets the day baseline price for symbol, e.g. from the previous
// session's close.
func (l *Ledger) SetBaseline(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		p.DayBaseline = price
		p.Mark(p.CurrentPrice)
	}
}

// Get returns a copy of the position in symbol.
func (l *Ledger) Get(symbol string) (domain.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// GetAll returns copies of all open positions sorted by symbol.
func (l *Ledger) GetAll() []domain.Position {
	l.mu.Lock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Quantity returns the open quantity in symbol, 0 when flat.
func (l *Ledger) Quantity(symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return p.Quantity
	}
	return 0
}

// RealizedTotal is the realized P&L of closed positions plus what open
// positions have realized so far.
func (l *Ledger) RealizedTotal() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.closedPnL
	for _, p := range l.positions {
		total += p.RealizedPnL
	}
	return total
}

func (l *Ledger) publish(c eventbus.PositionChange) {
	if l.bus != nil {
		l.bus.Publish(eventbus.PositionEvent(c))
	}
}
