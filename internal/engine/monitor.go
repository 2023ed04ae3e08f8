package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/util"
)

// Monitor runs one polling task per PLACED order, asking the broker for the
// order's status until it is filled or cancelled. Tasks stop on their own
// when the order reaches a terminal state and all of them stop on Close.
type Monitor struct {
	book     *OrderBook
	brokers  *broker.Registry
	limiter  *util.RateLimiter
	interval time.Duration
	log      *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

// NewMonitor creates a monitor polling every interval, paced by limiter.
// It subscribes to terminal order events on bus to stop tasks early.
func NewMonitor(book *OrderBook, brokers *broker.Registry, bus *eventbus.Bus, interval time.Duration, limiter *util.RateLimiter, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if limiter == nil {
		limiter = util.NewRateLimiter(0)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		book:     book,
		brokers:  brokers,
		limiter:  limiter,
		interval: interval,
		log:      log.With("component", "monitor"),
		base:     base,
		cancel:   cancel,
		tasks:    make(map[string]context.CancelFunc),
	}
	if bus != nil {
		bus.Subscribe(func(e eventbus.Event) error {
			if e.Order != nil {
				m.Stop(e.Order.ID)
			}
			return nil
		}, eventbus.KindOrderFilled, eventbus.KindOrderCancelled, eventbus.KindOrderRejected)
	}
	return m
}

// Watch starts polling orderID. Watching an order twice is a no-op.
func (m *Monitor) Watch(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[orderID]; ok || m.base.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.base)
	m.tasks[orderID] = cancel
	m.wg.Add(1)
	go m.poll(ctx, orderID)
}

// Stop cancels the task for orderID, if any.
func (m *Monitor) Stop(orderID string) {
	m.mu.Lock()
	cancel, ok := m.tasks[orderID]
	delete(m.tasks, orderID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active returns the number of running tasks.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Close stops every task and waits for them to exit.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context, orderID string) {
	defer m.wg.Done()
	defer m.Stop(orderID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if done := m.check(ctx, orderID); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// check polls the broker once and reports whether monitoring is finished.
func (m *Monitor) check(ctx context.Context, orderID string) bool {
	o, err := m.book.Get(orderID)
	if err != nil || o.Status != domain.OrderStatusPlaced {
		return true
	}
	brk, err := m.brokers.Get(o.BrokerID)
	if err != nil {
		m.log.Error("monitoring order", "orderID", orderID, "error", err)
		return true
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return true
	}
	var rep broker.OrderReport
	err = util.Retry(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		rep, err = brk.OrderStatus(ctx, o.BrokerOrderID)
		if _, ok := broker.IsRejected(err); ok {
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.log.Warn("polling order status", "orderID", orderID, "brokerOrderID", o.BrokerOrderID, "error", err)
		return false
	}

	switch rep.Status {
	case domain.OrderStatusFilled:
		if _, err := m.book.RecordFill(orderID, rep.FilledPrice, rep.FilledQty); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			m.log.Error("recording polled fill", "orderID", orderID, "error", err)
		}
		return true
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		if _, err := m.book.MarkCancelled(orderID, rep.Reason); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			m.log.Error("recording broker cancel", "orderID", orderID, "error", err)
		}
		return true
	}
	return false
}
