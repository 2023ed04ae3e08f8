package portfolio

import (
	"math"

	"tradedesk/internal/domain"
)

// PerformanceMetrics computes statistics over the whole trade log.
func (a *Aggregator) PerformanceMetrics() domain.PerformanceMetrics {
	return ComputeMetrics(a.snapshotTrades())
}

// ComputeMetrics derives performance statistics from trades in chronological
// order. Win rate counts every trade, including opening fills with zero P&L.
func ComputeMetrics(trades []domain.Trade) domain.PerformanceMetrics {
	m := domain.PerformanceMetrics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	var grossWin, grossLoss float64
	var cum, peak float64
	returns := make([]float64, 0, len(trades))
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossWin += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss += t.PnL
		}
		m.TotalPnL += t.PnL

		cum += t.PnL
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}

		if t.Value != 0 {
			returns = append(returns, t.PnL/t.Value)
		} else {
			returns = append(returns, 0)
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = math.Abs(grossLoss) / float64(m.LosingTrades)
	}
	if grossLoss != 0 {
		m.ProfitFactor = grossWin / math.Abs(grossLoss)
	}
	m.SharpeRatio = sharpe(returns)
	return m
}

// sharpe is mean/stddev of per-trade returns, 0 with fewer than two
// returns or no dispersion.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std
}
