package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tradedesk/internal/domain"
)

type stubView struct {
	last map[string]float64
	held map[string]float64
}

func (v stubView) LastPrice(symbol string) (float64, bool) {
	p, ok := v.last[symbol]
	return p, ok
}

func (v stubView) PositionQuantity(symbol string) float64 { return v.held[symbol] }

func TestRiskGateCheck(t *testing.T) {
	view := stubView{
		last: map[string]float64{"AAPL": 100},
		held: map[string]float64{"AAPL": 60},
	}
	order := func(side domain.OrderSide, typ domain.OrderType, qty, price float64) *domain.Order {
		return &domain.Order{Symbol: "AAPL", Side: side, Type: typ, Quantity: qty, Price: price}
	}

	tests := []struct {
		name   string
		limits RiskLimits
		order  *domain.Order
		pass   bool
	}{
		{"order qty at max passes", RiskLimits{MaxOrderQty: 50}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 50, 0), true},
		{"order qty over max", RiskLimits{MaxOrderQty: 50}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 51, 0), false},
		{"order qty applies to sells", RiskLimits{MaxOrderQty: 50}, order(domain.OrderSideSell, domain.OrderTypeMarket, 51, 0), false},
		{"buy to exactly max position", RiskLimits{MaxPosition: 100}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 40, 0), true},
		{"buy over max position", RiskLimits{MaxPosition: 100}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 41, 0), false},
		{"sell ignores max position", RiskLimits{MaxPosition: 10}, order(domain.OrderSideSell, domain.OrderTypeMarket, 41, 0), true},
		{"zero max position disables", RiskLimits{}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 1e6, 0), true},
		{"limit within deviation", RiskLimits{MaxPriceDeviation: 0.05}, order(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 105), true},
		{"limit beyond deviation", RiskLimits{MaxPriceDeviation: 0.05}, order(domain.OrderSideBuy, domain.OrderTypeLimit, 1, 106), false},
		{"deviation skips market orders", RiskLimits{MaxPriceDeviation: 0.05}, order(domain.OrderSideBuy, domain.OrderTypeMarket, 1, 200), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewRiskGate(tt.limits).Check(tt.order, view)
			assert.Equal(t, tt.pass, d.Passed, d.Reason)
			if !tt.pass {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestRiskGateUnknownSymbol(t *testing.T) {
	g := NewRiskGate(RiskLimits{MaxPriceDeviation: 0.01, MaxPosition: 5})
	view := stubView{}

	// No tick seen: deviation is skipped; no position: only the order counts.
	d := g.Check(&domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 5, Price: 999}, view)
	assert.True(t, d.Passed, d.Reason)

	d = g.Check(&domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 6}, nil)
	assert.False(t, d.Passed)
}
