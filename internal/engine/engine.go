// Package engine coordinates order management, position tracking, and risk
// checking across the trading system.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/portfolio"
	"tradedesk/internal/position"
	"tradedesk/internal/store"
	"tradedesk/internal/strategy"
	"tradedesk/internal/util"
)

// ErrQueueFull is returned by SubmitOrderAsync when the worker queue has no
// free slot.
var ErrQueueFull = errors.New("order queue is full")

// Options tune the engine. Zero values select the defaults noted per field.
type Options struct {
	DefaultBroker  string
	Workers        int           // default 4
	QueueSize      int           // default 256
	TickEpsilon    float64       // price move that triggers position_updated
	PollInterval   time.Duration // order-status polling, default 2s
	PollRatePerMin int           // shared broker polling budget, 0 = unlimited
	AccountRefresh time.Duration // 0 disables the refresher
	Calendar       *util.TradingCalendar

	// MonitorFills starts a status poller for every order that reaches
	// PLACED. Disable it when fills arrive through OnFillConfirmation or
	// ReconcileOpenOrders instead.
	MonitorFills bool

	// SyncStrategyOrders submits strategy orders on the tick path instead
	// of through the worker queue. Backtests use it for determinism.
	SyncStrategyOrders bool
}

// Deps are the collaborators of an Engine. Stores and Strategies may be nil.
type Deps struct {
	Bus        *eventbus.Bus
	Brokers    *broker.Registry
	Orders     store.OrderStore
	Trades     store.TradeStore
	Strategies *strategy.Registry
	Limits     RiskLimits
	Options    Options
	Logger     *slog.Logger
}

// Result is the outcome of an asynchronous submission.
type Result struct {
	Order domain.Order
	Err   error
}

type job struct {
	ctx    context.Context
	req    domain.OrderRequest
	result chan Result
}

// Engine wires the order book, risk gate, position ledger and portfolio
// aggregator around one event bus. It is the only entry point the API and
// the command binaries use.
type Engine struct {
	bus        *eventbus.Bus
	brokers    *broker.Registry
	book       *OrderBook
	risk       *RiskGate
	ledger     *position.Ledger
	portfolio  *portfolio.Aggregator
	monitor    *Monitor
	strategies *strategy.Registry
	opts       Options
	log        *slog.Logger

	queue   chan job
	running atomic.Bool

	mu        sync.RWMutex
	lastPrice map[string]float64
	session   string
}

// New builds an engine. The ledger subscribes to the bus before the
// aggregator so a fill always produces position_updated before
// trade_recorded.
func New(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.New(log)
	}
	opts := d.Options
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DefaultBroker == "" {
		if names := d.Brokers.Names(); len(names) > 0 {
			opts.DefaultBroker = names[0]
		}
	}

	e := &Engine{
		bus:        bus,
		brokers:    d.Brokers,
		risk:       NewRiskGate(d.Limits),
		strategies: d.Strategies,
		opts:       opts,
		log:        log.With("component", "engine"),
		queue:      make(chan job, opts.QueueSize),
		lastPrice:  make(map[string]float64),
	}

	e.ledger = position.NewLedger(bus, opts.TickEpsilon, log)
	e.portfolio = portfolio.NewAggregator(bus, e.ledger, d.Trades, log)
	e.book = NewOrderBook(OrderBookConfig{
		Bus:           bus,
		Risk:          e.risk,
		View:          e,
		Brokers:       d.Brokers,
		Store:         d.Orders,
		DefaultBroker: opts.DefaultBroker,
		Logger:        log,
	})
	e.monitor = NewMonitor(e.book, d.Brokers, bus, opts.PollInterval, util.NewRateLimiter(opts.PollRatePerMin), log)

	if opts.MonitorFills {
		bus.Subscribe(func(ev eventbus.Event) error {
			if ev.Order != nil {
				e.monitor.Watch(ev.Order.ID)
			}
			return nil
		}, eventbus.KindOrderPlaced, eventbus.KindOrderModified)
	}
	if d.Strategies != nil {
		bus.Subscribe(e.notifyStrategy, eventbus.KindOrderFilled, eventbus.KindOrderCancelled, eventbus.KindOrderRejected)
	}
	return e
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Book returns the order book.
func (e *Engine) Book() *OrderBook { return e.book }

// Ledger returns the position ledger.
func (e *Engine) Ledger() *position.Ledger { return e.ledger }

// Portfolio returns the portfolio aggregator.
func (e *Engine) Portfolio() *portfolio.Aggregator { return e.portfolio }

// Restore reloads persisted orders and trades, rebuilds positions from the
// filled orders and resumes monitoring of PLACED orders.
func (e *Engine) Restore(ctx context.Context) error {
	orders, err := e.book.Restore(ctx)
	if err != nil {
		return err
	}
	if err := e.portfolio.Load(ctx); err != nil {
		return err
	}

	var filled []domain.Order
	for _, o := range orders {
		switch o.Status {
		case domain.OrderStatusFilled:
			filled = append(filled, o)
		case domain.OrderStatusPlaced:
			if e.opts.MonitorFills {
				e.monitor.Watch(o.ID)
			}
		}
	}
	sort.Slice(filled, func(i, j int) bool { return filled[i].UpdatedAt.Before(filled[j].UpdatedAt) })
	for _, o := range filled {
		if _, err := e.ledger.OnFill(o); err != nil {
			e.log.Warn("replaying fill", "orderID", o.ID, "error", err)
		}
	}
	e.log.Info("engine restored", "orders", len(orders), "fills", len(filled))
	return nil
}

// Run starts the order workers and the account refresher and blocks until
// ctx is cancelled. Monitor tasks are stopped before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if e.running.Swap(true) {
		return fmt.Errorf("engine already running")
	}
	if e.strategies != nil {
		for _, s := range e.strategies.All() {
			if err := s.Init(ctx); err != nil {
				return fmt.Errorf("initialising strategy %s: %w", s.Name(), err)
			}
		}
	}

	var wg sync.WaitGroup
	for range e.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	if e.opts.AccountRefresh > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.refreshLoop(ctx)
		}()
	}
	e.log.Info("engine started", "workers", e.opts.Workers, "queue", e.opts.QueueSize)

	<-ctx.Done()
	e.monitor.Close()
	wg.Wait()
	e.log.Info("engine stopped")
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case j := <-e.queue:
			o, err := e.book.Submit(j.ctx, j.req)
			if err != nil {
				e.log.Debug("async submit finished with error", "symbol", j.req.Symbol, "error", err)
				e.notifyPending(o, err)
			}
			j.result <- Result{Order: o, Err: err}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.AccountRefresh)
	defer ticker.Stop()
	for {
		if err := e.RefreshAccount(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("refreshing account", "broker", e.opts.DefaultBroker, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RefreshAccount pulls cash and margin from the default broker into the
// portfolio summary.
func (e *Engine) RefreshAccount(ctx context.Context) error {
	brk, err := e.brokers.Get(e.opts.DefaultBroker)
	if err != nil {
		return err
	}
	info, err := brk.Account(ctx)
	if err != nil {
		return &domain.BrokerError{Op: "account", Err: err}
	}
	e.portfolio.SetAccount(*info)
	return nil
}

// SubmitOrder creates an order and places it synchronously.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	return e.book.Submit(ctx, req)
}

// SubmitOrderAsync validates req and queues it for a worker. The returned
// channel receives exactly one Result. Validation failures and a full queue
// are reported immediately.
func (e *Engine) SubmitOrderAsync(ctx context.Context, req domain.OrderRequest) (<-chan Result, error) {
	if err := e.book.Validate(&req); err != nil {
		return nil, err
	}
	j := job{ctx: context.WithoutCancel(ctx), req: req, result: make(chan Result, 1)}
	select {
	case e.queue <- j:
		return j.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// OnTick records a market price. The tick is published on the bus, where
// the ledger marks positions, and then handed to every strategy.
func (e *Engine) OnTick(ctx context.Context, t domain.Tick) error {
	if t.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Msg: "required"}
	}
	if t.Price <= 0 {
		return &domain.ValidationError{Field: "price", Msg: "must be positive"}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	rolled, session := false, ""
	e.mu.Lock()
	e.lastPrice[t.Symbol] = t.Price
	if e.opts.Calendar != nil {
		session = e.opts.Calendar.SessionDate(t.Timestamp)
		rolled = e.session != "" && session != e.session
		e.session = session
	}
	e.mu.Unlock()

	if rolled {
		e.log.Info("trading session rolled", "session", session)
		e.ledger.ResetDay()
	}
	e.bus.Publish(eventbus.TickEvent(t))

	if e.strategies == nil {
		return nil
	}
	for _, s := range e.strategies.All() {
		reqs, err := s.OnTick(ctx, t)
		if err != nil {
			e.log.Warn("strategy tick failed", "strategy", s.Name(), "symbol", t.Symbol, "error", err)
			continue
		}
		for _, req := range reqs {
			if req.StrategyID == "" {
				req.StrategyID = s.Name()
			}
			e.submitForStrategy(ctx, s, req)
		}
	}
	return nil
}

func (e *Engine) submitForStrategy(ctx context.Context, s strategy.Strategy, req domain.OrderRequest) {
	if e.opts.SyncStrategyOrders || !e.running.Load() {
		o, err := e.book.Submit(ctx, req)
		if err != nil {
			e.log.Info("strategy order not placed", "strategy", s.Name(), "symbol", req.Symbol, "error", err)
			e.notifyPending(o, err)
		}
		return
	}
	if _, err := e.SubmitOrderAsync(ctx, req); err != nil {
		e.log.Warn("queueing strategy order", "strategy", s.Name(), "symbol", req.Symbol, "error", err)
		if obs, ok := s.(strategy.OrderObserver); ok {
			obs.OnOrderUpdate(domain.Order{StrategyID: s.Name(), Symbol: req.Symbol, Side: req.Side, Status: domain.OrderStatusRejected, RejectReason: err.Error()})
		}
	}
}

// notifyStrategy forwards settled orders to the strategy that created them.
func (e *Engine) notifyStrategy(ev eventbus.Event) error {
	if ev.Order == nil || ev.Order.StrategyID == "" {
		return nil
	}
	s, ok := e.strategies.Get(ev.Order.StrategyID)
	if !ok {
		return nil
	}
	if obs, ok := s.(strategy.OrderObserver); ok {
		obs.OnOrderUpdate(*ev.Order)
	}
	return nil
}

// notifyPending tells a strategy about an order a broker failure left
// PENDING; no event announces those.
func (e *Engine) notifyPending(o domain.Order, err error) {
	if e.strategies == nil || o.StrategyID == "" || !IsBrokerFailure(err) {
		return
	}
	if s, ok := e.strategies.Get(o.StrategyID); ok {
		if obs, ok := s.(strategy.OrderObserver); ok {
			obs.OnOrderUpdate(o)
		}
	}
}

// OnFillConfirmation applies a fill reported by a broker.
func (e *Engine) OnFillConfirmation(orderID string, price, qty float64) (domain.Order, error) {
	return e.book.RecordFill(orderID, price, qty)
}

// ReconcileOpenOrders polls the broker once for every PLACED order and
// applies fills and broker-side cancels.
func (e *Engine) ReconcileOpenOrders(ctx context.Context) int {
	open := e.book.List(domain.OrderFilter{Status: domain.OrderStatusPlaced})
	for _, o := range open {
		e.monitor.check(ctx, o.ID)
	}
	return len(open)
}

// CancelOrder cancels a PLACED order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return e.book.Cancel(ctx, orderID)
}

// ModifyOrder changes quantity and price of a PLACED order.
func (e *Engine) ModifyOrder(ctx context.Context, orderID string, qty, price float64) (domain.Order, error) {
	return e.book.Modify(ctx, orderID, qty, price)
}

// ResubmitOrder retries a PENDING order.
func (e *Engine) ResubmitOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return e.book.Resubmit(ctx, orderID)
}

// Order returns one order.
func (e *Engine) Order(orderID string) (domain.Order, error) { return e.book.Get(orderID) }

// Orders lists orders matching f.
func (e *Engine) Orders(f domain.OrderFilter) []domain.Order { return e.book.List(f) }

// Positions returns every open position.
func (e *Engine) Positions() []domain.Position { return e.ledger.GetAll() }

// Position returns the open position in symbol.
func (e *Engine) Position(symbol string) (domain.Position, bool) { return e.ledger.Get(symbol) }

// Summary returns the current portfolio summary.
func (e *Engine) Summary() domain.PortfolioSummary { return e.portfolio.Summary() }

// Performance returns statistics over the trade log.
func (e *Engine) Performance() domain.PerformanceMetrics { return e.portfolio.PerformanceMetrics() }

// Trades returns trade history, newest first.
func (e *Engine) Trades(f domain.TradeFilter) []domain.Trade { return e.portfolio.Trades(f) }

// StrategyPnL attributes P&L to one strategy.
func (e *Engine) StrategyPnL(strategyID string) domain.StrategyPnL {
	return e.portfolio.PnLByStrategy(strategyID)
}

// RiskLimits returns the active limits.
func (e *Engine) RiskLimits() RiskLimits { return e.risk.Limits() }

// SetRiskLimits swaps the active limits.
func (e *Engine) SetRiskLimits(l RiskLimits) {
	e.risk.SetLimits(l)
	e.log.Info("risk limits updated", "maxOrderQty", l.MaxOrderQty, "maxPriceDeviation", l.MaxPriceDeviation, "maxPosition", l.MaxPosition)
}

// MonitoredOrders returns the number of active status pollers.
func (e *Engine) MonitoredOrders() int { return e.monitor.Active() }

// LastPrice implements RiskView.
func (e *Engine) LastPrice(symbol string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrice[symbol]
	return p, ok
}

// PositionQuantity implements RiskView.
func (e *Engine) PositionQuantity(symbol string) float64 {
	return e.ledger.Quantity(symbol)
}
