package portfolio

import "tradedesk/internal/domain"

type lot struct {
	qty   float64
	price float64
}

// PnLByStrategy replays one strategy's trades per symbol in chronological
// order with FIFO lot matching. SELLs realize against the oldest lots;
// lots still open are marked at the current position price.
func (a *Aggregator) PnLByStrategy(strategyID string) domain.StrategyPnL {
	res := domain.StrategyPnL{StrategyID: strategyID, OpenQuantity: make(map[string]float64)}
	lots := make(map[string][]lot)

	for _, t := range a.snapshotTrades() {
		if t.StrategyID != strategyID {
			continue
		}
		res.TradeCount++
		if t.Side == domain.OrderSideBuy {
			lots[t.Symbol] = append(lots[t.Symbol], lot{qty: t.Quantity, price: t.Price})
			continue
		}
		remaining := t.Quantity
		queue := lots[t.Symbol]
		for remaining > 0 && len(queue) > 0 {
			l := &queue[0]
			matched := min(remaining, l.qty)
			res.RealizedPnL += (t.Price - l.price) * matched
			l.qty -= matched
			remaining -= matched
			if l.qty == 0 {
				queue = queue[1:]
			}
		}
		lots[t.Symbol] = queue
	}

	for sym, queue := range lots {
		var open float64
		for _, l := range queue {
			open += l.qty
		}
		if open == 0 {
			continue
		}
		res.OpenQuantity[sym] = open
		pos, ok := a.positions.Get(sym)
		if !ok {
			continue
		}
		for _, l := range queue {
			res.UnrealizedPnL += (pos.CurrentPrice - l.price) * l.qty
		}
	}
	res.TotalPnL = res.RealizedPnL + res.UnrealizedPnL
	return res
}
