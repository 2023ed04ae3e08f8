package position

import (
	"errors"
	"math"
	"testing"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
)

var t0 = time.Date(2024, 6, 12, 14, 0, 0, 0, time.UTC)

func fill(id string, side domain.OrderSide, qty, price float64) domain.Order {
	return domain.Order{
		ID: id, Symbol: "AAPL", Side: side, Quantity: qty, Type: domain.OrderTypeMarket,
		Status: domain.OrderStatusFilled, FilledQty: qty, FilledPrice: price, UpdatedAt: t0,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAveragePriceIsVolumeWeighted(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	if _, err := l.OnFill(fill("o1", domain.OrderSideBuy, 10, 100)); err != nil {
		t.Fatalf("OnFill: %v", err)
	}
	if _, err := l.OnFill(fill("o2", domain.OrderSideBuy, 5, 106)); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	p, ok := l.Get("AAPL")
	if !ok {
		t.Fatal("position AAPL missing")
	}
	if p.Quantity != 15 {
		t.Errorf("Quantity = %v, want 15", p.Quantity)
	}
	if !approx(p.AvgPrice, 102.0) {
		t.Errorf("AvgPrice = %v, want 102.0", p.AvgPrice)
	}
}

func TestClosingFillRealizesAndRemoves(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	l.OnFill(fill("o1", domain.OrderSideBuy, 10, 100))

	change, err := l.OnFill(fill("o2", domain.OrderSideSell, 10, 110))
	if err != nil {
		t.Fatalf("OnFill: %v", err)
	}
	if !change.Closed {
		t.Error("change.Closed = false, want true")
	}
	if !approx(change.RealizedPnL, 100) {
		t.Errorf("change.RealizedPnL = %v, want 100", change.RealizedPnL)
	}
	if _, ok := l.Get("AAPL"); ok {
		t.Error("position AAPL still present after closing fill")
	}
	if got := len(l.GetAll()); got != 0 {
		t.Errorf("GetAll() has %d positions, want 0", got)
	}
	if !approx(l.RealizedTotal(), 100) {
		t.Errorf("RealizedTotal() = %v, want 100", l.RealizedTotal())
	}
}

func TestPartialSellKeepsAveragePrice(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	l.OnFill(fill("o1", domain.OrderSideBuy, 10, 100))
	change, err := l.OnFill(fill("o2", domain.OrderSideSell, 4, 95))
	if err != nil {
		t.Fatalf("OnFill: %v", err)
	}
	if !approx(change.RealizedPnL, -20) {
		t.Errorf("RealizedPnL = %v, want -20", change.RealizedPnL)
	}
	p, _ := l.Get("AAPL")
	if p.Quantity != 6 || !approx(p.AvgPrice, 100) {
		t.Errorf("position = %v @ %v, want 6 @ 100", p.Quantity, p.AvgPrice)
	}
	if !approx(p.RealizedPnL, -20) || !approx(l.RealizedTotal(), -20) {
		t.Errorf("realized = %v / total %v, want -20", p.RealizedPnL, l.RealizedTotal())
	}
}

func TestSellBeyondHoldingIsUnsupported(t *testing.T) {
	l := NewLedger(nil, 0, nil)

	if _, err := l.OnFill(fill("o1", domain.OrderSideSell, 1, 100)); !errors.Is(err, domain.ErrUnsupportedPositionFlip) {
		t.Errorf("sell with no position error = %v, want ErrUnsupportedPositionFlip", err)
	}

	l.OnFill(fill("o2", domain.OrderSideBuy, 5, 100))
	if _, err := l.OnFill(fill("o3", domain.OrderSideSell, 6, 100)); !errors.Is(err, domain.ErrUnsupportedPositionFlip) {
		t.Errorf("oversell error = %v, want ErrUnsupportedPositionFlip", err)
	}
	p, _ := l.Get("AAPL")
	if p.Quantity != 5 {
		t.Errorf("Quantity after rejected flip = %v, want 5", p.Quantity)
	}
}

func TestTickUpdatesUnrealizedAndDayChange(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	l.OnFill(fill("o1", domain.OrderSideBuy, 10, 98))
	l.SetBaseline("AAPL", 100)
	l.OnTick("AAPL", 105, t0.Add(time.Minute))

	p, _ := l.Get("AAPL")
	if !approx(p.DayChange, 5) {
		t.Errorf("DayChange = %v, want 5", p.DayChange)
	}
	if !approx(p.DayChange*p.Quantity, 50) {
		t.Errorf("day P&L contribution = %v, want 50", p.DayChange*p.Quantity)
	}
	if !approx(p.UnrealizedPnL, 70) {
		t.Errorf("UnrealizedPnL = %v, want 70", p.UnrealizedPnL)
	}

	l.ResetDay()
	p, _ = l.Get("AAPL")
	if p.DayBaseline != 105 || p.DayChange != 0 {
		t.Errorf("after ResetDay baseline/change = %v/%v, want 105/0", p.DayBaseline, p.DayChange)
	}
}

func TestTickBeforeFillSetsCurrentPrice(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	l.OnTick("AAPL", 101, t0)
	l.OnFill(fill("o1", domain.OrderSideBuy, 1, 100))
	p, _ := l.Get("AAPL")
	if p.CurrentPrice != 101 || !approx(p.UnrealizedPnL, 1) {
		t.Errorf("current/unrealized = %v/%v, want 101/1", p.CurrentPrice, p.UnrealizedPnL)
	}
}

func TestTickEmissionRespectsEpsilon(t *testing.T) {
	bus := eventbus.New(nil)
	l := NewLedger(bus, 0.5, nil)
	var updates []eventbus.PositionChange
	bus.Subscribe(func(e eventbus.Event) error {
		updates = append(updates, *e.Position)
		return nil
	}, eventbus.KindPositionUpdated)

	bus.Publish(eventbus.OrderEvent(eventbus.KindOrderFilled, fill("o1", domain.OrderSideBuy, 10, 100)))
	if len(updates) != 1 {
		t.Fatalf("updates after fill = %d, want 1", len(updates))
	}

	for _, p := range []float64{100.2, 100.4, 100.6, 100.7, 99.0} {
		bus.Publish(eventbus.TickEvent(domain.Tick{Symbol: "AAPL", Price: p, Timestamp: t0}))
	}
	// 100.2 and 100.4 are within 0.5 of 100; 100.6 emits; 100.7 is within
	// 0.5 of 100.6; 99.0 emits.
	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	if updates[1].Position.CurrentPrice != 100.6 || updates[2].Position.CurrentPrice != 99.0 {
		t.Errorf("emitted prices = %v, %v; want 100.6, 99", updates[1].Position.CurrentPrice, updates[2].Position.CurrentPrice)
	}

	// Silent ticks still update the position.
	bus.Publish(eventbus.TickEvent(domain.Tick{Symbol: "AAPL", Price: 99.1, Timestamp: t0}))
	if p, _ := l.Get("AAPL"); p.CurrentPrice != 99.1 {
		t.Errorf("CurrentPrice = %v, want 99.1", p.CurrentPrice)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	l := NewLedger(nil, 0, nil)
	l.OnFill(fill("o1", domain.OrderSideBuy, 1, 100))
	p, _ := l.Get("AAPL")
	p.Quantity = 999
	if l.Quantity("AAPL") != 1 {
		t.Errorf("ledger mutated through returned copy")
	}
}
