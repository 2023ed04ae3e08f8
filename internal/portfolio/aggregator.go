// Package portfolio rolls the position ledger up into portfolio-level
// figures and keeps the trade log used for performance statistics.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/store"
)

// PositionSource is the read-only view of the position ledger the
// aggregator needs.
type PositionSource interface {
	Get(symbol string) (domain.Position, bool)
	GetAll() []domain.Position
	RealizedTotal() float64
}

// lotBook is a per-symbol average-cost book used to attribute P&L to trades.
type lotBook struct {
	qty float64
	avg float64
}

// Aggregator is the only writer of the trade log. It never mutates orders
// or positions.
type Aggregator struct {
	bus       *eventbus.Bus
	positions PositionSource
	store     store.TradeStore
	log       *slog.Logger
	newID     func() string

	mu      sync.Mutex
	trades  []domain.Trade
	books   map[string]*lotBook
	account domain.AccountInfo
	asOf    time.Time
}

// NewAggregator creates an aggregator and subscribes it to order_filled and
// position_updated. ts may be nil, in which case trades are kept in memory
// only.
func NewAggregator(bus *eventbus.Bus, positions PositionSource, ts store.TradeStore, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	a := &Aggregator{
		bus:       bus,
		positions: positions,
		store:     ts,
		log:       log.With("component", "portfolio"),
		newID:     uuid.NewString,
		books:     make(map[string]*lotBook),
	}
	if bus != nil {
		bus.Subscribe(a.handle, eventbus.KindOrderFilled, eventbus.KindPositionUpdated)
	}
	return a
}

func (a *Aggregator) handle(e eventbus.Event) error {
	switch e.Kind {
	case eventbus.KindOrderFilled:
		if e.Order == nil {
			return fmt.Errorf("order_filled without order payload")
		}
		_, err := a.OnOrderFilled(*e.Order)
		return err
	case eventbus.KindPositionUpdated:
		a.mu.Lock()
		if e.Time.After(a.asOf) {
			a.asOf = e.Time
		}
		a.mu.Unlock()
		if a.bus != nil {
			a.bus.Publish(eventbus.PortfolioEvent(a.Summary()))
		}
	}
	return nil
}

// Load rebuilds the trade log from the store. It must run before any fill is
// processed.
func (a *Aggregator) Load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	trades, err := a.store.ListTrades(ctx)
	if err != nil {
		return fmt.Errorf("loading trades: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range trades {
		if _, err := a.applyLocked(t.Symbol, t.Side, t.Quantity, t.Price); err != nil {
			a.log.Warn("skipping trade in restored log", "tradeID", t.ID, "error", err)
			continue
		}
		a.trades = append(a.trades, t)
		if t.Timestamp.After(a.asOf) {
			a.asOf = t.Timestamp
		}
	}
	a.log.Info("trade log restored", "trades", len(trades))
	return nil
}

// OnOrderFilled appends a Trade for the fill, persists it and publishes
// trade_recorded.
func (a *Aggregator) OnOrderFilled(o domain.Order) (domain.Trade, error) {
	if o.FilledQty <= 0 || o.FilledPrice <= 0 {
		return domain.Trade{}, &domain.ValidationError{Field: "fill", Msg: fmt.Sprintf("order %s has no fill", o.ID)}
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	a.mu.Lock()
	pnl, err := a.applyLocked(o.Symbol, o.Side, o.FilledQty, o.FilledPrice)
	if err != nil {
		a.mu.Unlock()
		return domain.Trade{}, fmt.Errorf("recording fill of order %s: %w", o.ID, err)
	}
	t := domain.Trade{
		ID:         a.newID(),
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.FilledQty,
		Price:      o.FilledPrice,
		Value:      o.FilledQty * o.FilledPrice,
		PnL:        pnl,
		BrokerID:   o.BrokerID,
		StrategyID: o.StrategyID,
		Timestamp:  ts,
	}
	a.trades = append(a.trades, t)
	if ts.After(a.asOf) {
		a.asOf = ts
	}
	a.mu.Unlock()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.AppendTrade(ctx, &t); err != nil {
			a.log.Error("persisting trade", "tradeID", t.ID, "orderID", o.ID, "error", err)
		}
		cancel()
	}

	a.log.Info("trade recorded", "tradeID", t.ID, "orderID", o.ID, "symbol", t.Symbol,
		"side", t.Side, "quantity", t.Quantity, "price", t.Price, "pnl", t.PnL)
	if a.bus != nil {
		a.bus.Publish(eventbus.TradeEvent(t))
	}
	return t, nil
}

// applyLocked runs one fill through the average-cost book and returns the
// P&L it realizes. A SELL larger than the booked quantity leaves the book
// untouched and returns ErrUnsupportedPositionFlip, matching the ledger.
// Must be called with mu held.
func (a *Aggregator) applyLocked(symbol string, side domain.OrderSide, qty, price float64) (float64, error) {
	b, ok := a.books[symbol]
	if side == domain.OrderSideBuy {
		if !ok {
			b = &lotBook{}
			a.books[symbol] = b
		}
		b.avg = (b.avg*b.qty + price*qty) / (b.qty + qty)
		b.qty += qty
		return 0, nil
	}

	held := 0.0
	if ok {
		held = b.qty
	}
	if qty > held {
		return 0, fmt.Errorf("sell %v %s against %v booked: %w", qty, symbol, held, domain.ErrUnsupportedPositionFlip)
	}
	pnl := (price - b.avg) * qty
	b.qty -= qty
	if b.qty == 0 {
		delete(a.books, symbol)
	}
	return pnl, nil
}

// SetAccount records the latest broker-reported cash and margin.
func (a *Aggregator) SetAccount(info domain.AccountInfo) {
	a.mu.Lock()
	a.account = info
	a.mu.Unlock()
}

// Summary recomputes the portfolio rollup from the current positions and the
// last account snapshot. Two calls with no event in between return equal
// summaries.
func (a *Aggregator) Summary() domain.PortfolioSummary {
	positions := a.positions.GetAll()
	realized := a.positions.RealizedTotal()

	a.mu.Lock()
	account, asOf := a.account, a.asOf
	a.mu.Unlock()

	s := domain.PortfolioSummary{
		RealizedPnL:     realized,
		AvailableCash:   account.Cash,
		MarginUsed:      account.MarginUsed,
		MarginAvailable: account.MarginAvailable,
		PositionCount:   len(positions),
		AsOf:            asOf,
	}
	for i := range positions {
		p := &positions[i]
		s.TotalValue += p.MarketValue()
		s.TotalInvested += p.Invested()
		s.UnrealizedPnL += p.UnrealizedPnL
		s.DayPnL += p.DayChange * p.Quantity
	}
	s.TotalPnL = s.RealizedPnL + s.UnrealizedPnL
	s.TotalPnLPct = pct(s.TotalPnL, s.TotalInvested)
	s.DayPnLPct = pct(s.DayPnL, s.TotalInvested)
	return s
}

// Trades returns the trade history newest first.
func (a *Aggregator) Trades(f domain.TradeFilter) []domain.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.Trade
	for i := len(a.trades) - 1; i >= 0; i-- {
		if !f.Match(&a.trades[i]) {
			continue
		}
		out = append(out, a.trades[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (a *Aggregator) snapshotTrades() []domain.Trade {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

func pct(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return v / base * 100
}
