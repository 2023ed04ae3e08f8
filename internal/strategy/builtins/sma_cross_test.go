package builtins

import (
	"context"
	"testing"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/domain"
)

func feed(t *testing.T, s *SMACross, prices ...float64) []domain.OrderRequest {
	t.Helper()
	var out []domain.OrderRequest
	ts := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	for i, p := range prices {
		reqs, err := s.OnTick(context.Background(), domain.Tick{Symbol: "AAPL", Price: p, Timestamp: ts.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("OnTick(%v) error: %v", p, err)
		}
		out = append(out, reqs...)
	}
	return out
}

func TestNewSMACrossValidatesWindows(t *testing.T) {
	tests := []struct {
		short, long int
		ok          bool
	}{
		{2, 3, true},
		{0, 3, false},
		{3, 3, false},
		{5, 2, false},
	}
	for _, tt := range tests {
		_, err := NewSMACross("s", "AAPL", tt.short, tt.long, 1, "simulator")
		if (err == nil) != tt.ok {
			t.Errorf("NewSMACross(%d, %d) error = %v, want ok=%v", tt.short, tt.long, err, tt.ok)
		}
	}
}

func TestSMACrossGoldenThenDeathCross(t *testing.T) {
	s, err := NewSMACross("sma-aapl", "AAPL", 2, 3, 5, "simulator")
	if err != nil {
		t.Fatal(err)
	}

	// Warm-up produces nothing.
	if reqs := feed(t, s, 10, 10, 10); len(reqs) != 0 {
		t.Fatalf("warm-up emitted %d requests, want 0", len(reqs))
	}

	reqs := feed(t, s, 13)
	if len(reqs) != 1 {
		t.Fatalf("golden cross emitted %d requests, want 1", len(reqs))
	}
	buy := reqs[0]
	if buy.Side != domain.OrderSideBuy || buy.Quantity != 5 || buy.StrategyID != "sma-aapl" || buy.BrokerID != "simulator" {
		t.Errorf("golden cross request = %+v, want BUY 5 tagged sma-aapl on simulator", buy)
	}
	if buy.Type != domain.OrderTypeMarket {
		t.Errorf("request type = %s, want MARKET", buy.Type)
	}

	s.OnOrderUpdate(domain.Order{StrategyID: "sma-aapl", Side: domain.OrderSideBuy, Status: domain.OrderStatusFilled, FilledQty: 5})
	if got := s.Held(); got != 5 {
		t.Fatalf("Held() = %v, want 5", got)
	}

	reqs = feed(t, s, 7)
	if len(reqs) != 1 {
		t.Fatalf("death cross emitted %d requests, want 1", len(reqs))
	}
	if reqs[0].Side != domain.OrderSideSell || reqs[0].Quantity != 5 {
		t.Errorf("death cross request = %+v, want SELL 5", reqs[0])
	}

	s.OnOrderUpdate(domain.Order{StrategyID: "sma-aapl", Side: domain.OrderSideSell, Status: domain.OrderStatusFilled, FilledQty: 5})
	if got := s.Held(); got != 0 {
		t.Errorf("Held() after sell = %v, want 0", got)
	}
}

func TestSMACrossWaitsForOutstandingOrder(t *testing.T) {
	s, _ := NewSMACross("sma", "AAPL", 2, 3, 1, "")
	feed(t, s, 10, 10, 10)
	if reqs := feed(t, s, 13); len(reqs) != 1 {
		t.Fatalf("golden cross emitted %d requests, want 1", len(reqs))
	}

	// The buy is still working; a flip back and forth must not stack orders.
	if reqs := feed(t, s, 1, 30); len(reqs) != 0 {
		t.Errorf("emitted %d requests while an order was outstanding, want 0", len(reqs))
	}

	// A rejection clears the in-flight flag without changing holdings.
	s.OnOrderUpdate(domain.Order{StrategyID: "sma", Status: domain.OrderStatusRejected})
	if got := s.Held(); got != 0 {
		t.Errorf("Held() = %v after reject, want 0", got)
	}
}

func TestSMACrossIgnoresOtherSymbolsAndOrders(t *testing.T) {
	s, _ := NewSMACross("sma", "AAPL", 2, 3, 1, "")
	reqs, err := s.OnTick(context.Background(), domain.Tick{Symbol: "MSFT", Price: 100})
	if err != nil || len(reqs) != 0 {
		t.Errorf("OnTick(MSFT) = %v, %v, want nothing", reqs, err)
	}

	s.OnOrderUpdate(domain.Order{StrategyID: "other", Side: domain.OrderSideBuy, Status: domain.OrderStatusFilled, FilledQty: 9})
	if got := s.Held(); got != 0 {
		t.Errorf("Held() = %v after another strategy's fill, want 0", got)
	}
}

func TestSMACrossInitResetsHistory(t *testing.T) {
	s, _ := NewSMACross("sma", "AAPL", 2, 3, 1, "")
	feed(t, s, 10, 10)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	// After a reset three more ticks are needed before anything can fire.
	if reqs := feed(t, s, 13, 13); len(reqs) != 0 {
		t.Errorf("emitted %d requests before the window refilled, want 0", len(reqs))
	}
}

func TestFromConfig(t *testing.T) {
	reg, err := FromConfig(config.StrategiesConfig{SMACross: []config.SMACrossConfig{
		{ID: "b", Symbol: "msft", Short: 2, Long: 5},
		{ID: "a", Symbol: "aapl", Short: 3, Long: 8, Quantity: 10},
	}})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := reg.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List() = %v, want [a b]", got)
	}

	if _, err := FromConfig(config.StrategiesConfig{SMACross: []config.SMACrossConfig{
		{ID: "bad", Symbol: "AAPL", Short: 5, Long: 5},
	}}); err == nil {
		t.Error("FromConfig with short == long returned nil error")
	}
}
