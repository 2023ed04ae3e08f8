package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/store"
	"tradedesk/internal/strategy"
	"tradedesk/internal/strategy/builtins"
)

var monday = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func ticksAt(start time.Time, prices ...float64) []domain.Tick {
	out := make([]domain.Tick, len(prices))
	for i, p := range prices {
		out[i] = domain.Tick{Symbol: "AAPL", Price: p, Volume: 100, Timestamp: start.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func smaRegistry(t *testing.T) *strategy.Registry {
	t.Helper()
	s, err := builtins.NewSMACross("sma-aapl", "AAPL", 2, 3, 5, "simulator")
	if err != nil {
		t.Fatal(err)
	}
	reg := strategy.NewRegistry()
	reg.Register(s)
	return reg
}

func TestRunTicksRoundTrip(t *testing.T) {
	bt := NewBacktester(nil, smaRegistry(t), engine.RiskLimits{}, nil)

	res, err := bt.RunTicks(context.Background(), ticksAt(monday, 10, 10, 10, 13, 7), 10000)
	if err != nil {
		t.Fatalf("RunTicks() error: %v", err)
	}

	if res.Ticks != 5 {
		t.Errorf("Ticks = %d, want 5", res.Ticks)
	}
	if res.Metrics.TotalTrades != 2 {
		t.Fatalf("TotalTrades = %d, want 2", res.Metrics.TotalTrades)
	}
	if res.Metrics.TotalPnL != -30 {
		t.Errorf("TotalPnL = %v, want -30", res.Metrics.TotalPnL)
	}
	if res.EndEquity != 9970 {
		t.Errorf("EndEquity = %v, want 9970", res.EndEquity)
	}
	if math.Abs(res.TotalReturn-(-0.3)) > 1e-9 {
		t.Errorf("TotalReturn = %v, want -0.3", res.TotalReturn)
	}
	if res.Summary.PositionCount != 0 {
		t.Errorf("PositionCount = %d, want 0 after the round trip", res.Summary.PositionCount)
	}
	if len(res.Strategies) != 1 || res.Strategies[0].RealizedPnL != -30 {
		t.Errorf("Strategies = %+v, want sma-aapl realized -30", res.Strategies)
	}
	for _, o := range res.Orders {
		if o.Status != domain.OrderStatusFilled {
			t.Errorf("order %s status = %s, want FILLED", o.ID, o.Status)
		}
	}
}

func TestRunTicksSortsInput(t *testing.T) {
	bt := NewBacktester(nil, smaRegistry(t), engine.RiskLimits{}, nil)
	ticks := ticksAt(monday, 10, 10, 10, 13)
	ticks[0], ticks[3] = ticks[3], ticks[0]

	res, err := bt.RunTicks(context.Background(), ticks, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.TotalTrades != 1 {
		t.Errorf("TotalTrades = %d, want 1 (buy on the final tick)", res.Metrics.TotalTrades)
	}
}

func TestRunTicksRiskLimitsApply(t *testing.T) {
	bt := NewBacktester(nil, smaRegistry(t), engine.RiskLimits{MaxOrderQty: 1}, nil)
	res, err := bt.RunTicks(context.Background(), ticksAt(monday, 10, 10, 10, 13), 10000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.TotalTrades != 0 {
		t.Errorf("TotalTrades = %d, want 0", res.Metrics.TotalTrades)
	}
	if len(res.Orders) != 1 || res.Orders[0].Status != domain.OrderStatusRejected {
		t.Errorf("Orders = %+v, want one REJECTED", res.Orders)
	}
}

func TestRunReadsArchive(t *testing.T) {
	archive := store.NewParquetArchive(t.TempDir())
	ctx := context.Background()
	if err := archive.WriteTicks(ctx, ticksAt(monday, 10, 10, 10, 13, 7)); err != nil {
		t.Fatalf("WriteTicks: %v", err)
	}

	bt := NewBacktester(archive, smaRegistry(t), engine.RiskLimits{}, nil)
	res, err := bt.Run(ctx, []string{"AAPL"}, monday.Add(-48*time.Hour), monday, 10000)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Ticks != 5 || res.Metrics.TotalTrades != 2 {
		t.Errorf("Run() = %d ticks / %d trades, want 5 / 2", res.Ticks, res.Metrics.TotalTrades)
	}
}

func TestRunWithoutArchive(t *testing.T) {
	bt := NewBacktester(nil, strategy.NewRegistry(), engine.RiskLimits{}, nil)
	if _, err := bt.Run(context.Background(), nil, monday, monday, 1000); err == nil {
		t.Error("Run() without archive returned nil error")
	}
}
