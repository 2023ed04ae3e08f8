package engine

import (
	"fmt"
	"math"
	"sync"

	"tradedesk/internal/domain"
)

// RiskLimits are the pre-trade ceilings. A zero value disables the check.
type RiskLimits struct {
	MaxOrderQty       float64 `json:"maxOrderQty"`
	MaxPriceDeviation float64 `json:"maxPriceDeviation"` // fraction of the last tick price, 0.05 = 5%
	MaxPosition       float64 `json:"maxPosition"`
}

// RiskView is the read-only market and position state the gate consults.
type RiskView interface {
	LastPrice(symbol string) (float64, bool)
	PositionQuantity(symbol string) float64
}

// RiskDecision is the outcome of a pre-trade check.
type RiskDecision struct {
	Passed bool
	Reason string
}

// RiskGate enforces pre-trade limits. Check is a pure function of the
// limits, the view and the order; limits can be swapped at runtime.
type RiskGate struct {
	mu     sync.RWMutex
	limits RiskLimits
}

// NewRiskGate creates a gate with the given limits.
func NewRiskGate(limits RiskLimits) *RiskGate {
	return &RiskGate{limits: limits}
}

// SetLimits replaces the limits used by subsequent checks.
func (g *RiskGate) SetLimits(l RiskLimits) {
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
}

// Limits returns the current limits.
func (g *RiskGate) Limits() RiskLimits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// Check evaluates o against the limits. It never fails; the caller decides
// how to react to a failed decision.
//
// The price-deviation check applies to LIMIT orders only and is skipped when
// no tick has been seen for the symbol.
func (g *RiskGate) Check(o *domain.Order, view RiskView) RiskDecision {
	l := g.Limits()

	if l.MaxOrderQty > 0 && o.Quantity > l.MaxOrderQty {
		return RiskDecision{Reason: fmt.Sprintf("quantity %v exceeds max order quantity %v", o.Quantity, l.MaxOrderQty)}
	}

	if l.MaxPriceDeviation > 0 && o.Type == domain.OrderTypeLimit && view != nil {
		if last, ok := view.LastPrice(o.Symbol); ok && last > 0 {
			dev := math.Abs(o.Price-last) / last
			if dev > l.MaxPriceDeviation {
				return RiskDecision{Reason: fmt.Sprintf("limit price %v deviates %.2f%% from last price %v (max %.2f%%)",
					o.Price, dev*100, last, l.MaxPriceDeviation*100)}
			}
		}
	}

	if l.MaxPosition > 0 && o.Side == domain.OrderSideBuy {
		current := 0.0
		if view != nil {
			current = view.PositionQuantity(o.Symbol)
		}
		if current+o.Quantity > l.MaxPosition {
			return RiskDecision{Reason: fmt.Sprintf("position %v + %v would exceed max position %v", current, o.Quantity, l.MaxPosition)}
		}
	}

	return RiskDecision{Passed: true}
}
