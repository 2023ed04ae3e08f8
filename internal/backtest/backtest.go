// Package backtest replays historical ticks through a simulator-backed
// engine and reports the resulting performance.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/engine"
	"tradedesk/internal/store"
	"tradedesk/internal/strategy"
	"tradedesk/internal/util"
)

// Result holds the summary produced by a backtest run.
type Result struct {
	Ticks       int                       `json:"ticks"`
	StartEquity float64                   `json:"startEquity"`
	EndEquity   float64                   `json:"endEquity"`
	TotalReturn float64                   `json:"totalReturnPercent"`
	Metrics     domain.PerformanceMetrics `json:"metrics"`
	Summary     domain.PortfolioSummary   `json:"summary"`
	Strategies  []domain.StrategyPnL      `json:"strategies"`
	Trades      []domain.Trade            `json:"trades"`
	Orders      []domain.Order            `json:"orders"`
}

// Backtester replays archived tick data through the registered strategies.
type Backtester struct {
	archive  *store.ParquetArchive
	registry *strategy.Registry
	limits   engine.RiskLimits
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads ticks from the given archive
// and runs every strategy in the provided registry. archive may be nil when
// only RunTicks is used.
func NewBacktester(archive *store.ParquetArchive, registry *strategy.Registry, limits engine.RiskLimits, log *slog.Logger) *Backtester {
	if log == nil {
		log = slog.Default()
	}
	return &Backtester{
		archive:  archive,
		registry: registry,
		limits:   limits,
		log:      log.With("component", "backtest"),
	}
}

// Run replays every trading day in [start, end] for symbols, starting with
// initialCapital in the simulator.
func (bt *Backtester) Run(ctx context.Context, symbols []string, start, end time.Time, initialCapital float64) (*Result, error) {
	if bt.archive == nil {
		return nil, fmt.Errorf("backtest: no tick archive configured")
	}
	var ticks []domain.Tick
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		// Archive files are keyed by UTC date.
		if wd := d.UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		day, err := bt.archive.ReadSession(ctx, d, symbols...)
		if err != nil {
			return nil, fmt.Errorf("reading ticks for %s: %w", d.Format("2006-01-02"), err)
		}
		ticks = append(ticks, day...)
	}
	bt.log.Info("ticks loaded", "symbols", symbols, "start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"), "ticks", len(ticks))
	return bt.RunTicks(ctx, ticks, initialCapital)
}

// RunTicks replays ticks in timestamp order. Each tick first moves the
// simulator, then reaches the engine and its strategies, and finally every
// working order is reconciled so fills land before the next tick.
func (bt *Backtester) RunTicks(ctx context.Context, ticks []domain.Tick, initialCapital float64) (*Result, error) {
	sorted := make([]domain.Tick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	sim := broker.NewSimulator(initialCapital)
	eng := engine.New(engine.Deps{
		Brokers:    broker.NewRegistry(sim),
		Strategies: bt.registry,
		Limits:     bt.limits,
		Options: engine.Options{
			DefaultBroker:      sim.Name(),
			Calendar:           util.NewUSEquityCalendar(),
			SyncStrategyOrders: true,
		},
		Logger: bt.log,
	})

	for _, s := range bt.registry.All() {
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("initialising strategy %s: %w", s.Name(), err)
		}
	}

	processed := 0
	for _, t := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim.OnTick(t)
		if err := eng.OnTick(ctx, t); err != nil {
			bt.log.Warn("skipping tick", "symbol", t.Symbol, "error", err)
			continue
		}
		eng.ReconcileOpenOrders(ctx)
		processed++
	}

	if err := eng.RefreshAccount(ctx); err != nil {
		return nil, err
	}
	acct, err := sim.Account(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Ticks:       processed,
		StartEquity: initialCapital,
		EndEquity:   acct.Equity,
		Metrics:     eng.Performance(),
		Summary:     eng.Summary(),
		Trades:      eng.Trades(domain.TradeFilter{}),
		Orders:      eng.Orders(domain.OrderFilter{}),
	}
	if initialCapital > 0 {
		res.TotalReturn = (acct.Equity - initialCapital) / initialCapital * 100
	}
	for _, name := range bt.registry.List() {
		res.Strategies = append(res.Strategies, eng.StrategyPnL(name))
	}
	bt.log.Info("backtest finished", "ticks", processed, "trades", res.Metrics.TotalTrades,
		"totalPnl", res.Metrics.TotalPnL, "return", res.TotalReturn)
	return res, nil
}
