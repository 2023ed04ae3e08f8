package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/eventbus"
	"tradedesk/internal/store"
)

// OrderBook owns every Order. It validates requests, runs the risk gate,
// talks to the broker and enforces the lifecycle
//
//	PENDING -> PLACED | REJECTED
//	PLACED  -> FILLED | CANCELLED
//
// Every accepted change is written through to the store and announced on
// the bus after the book's lock is released.
type OrderBook struct {
	bus           *eventbus.Bus
	risk          *RiskGate
	view          RiskView
	brokers       *broker.Registry
	store         store.OrderStore
	defaultBroker string
	log           *slog.Logger
	now           func() time.Time
	newID         func() string

	mu       sync.Mutex
	orders   map[string]*domain.Order
	inflight map[string]bool // orders with a broker call outstanding
}

// OrderBookConfig holds the collaborators of an OrderBook. Store may be nil.
type OrderBookConfig struct {
	Bus           *eventbus.Bus
	Risk          *RiskGate
	View          RiskView
	Brokers       *broker.Registry
	Store         store.OrderStore
	DefaultBroker string
	Logger        *slog.Logger
}

// NewOrderBook creates an empty order book.
func NewOrderBook(cfg OrderBookConfig) *OrderBook {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OrderBook{
		bus:           cfg.Bus,
		risk:          cfg.Risk,
		view:          cfg.View,
		brokers:       cfg.Brokers,
		store:         cfg.Store,
		defaultBroker: cfg.DefaultBroker,
		log:           log.With("component", "orderbook"),
		now:           time.Now,
		newID:         uuid.NewString,
		orders:        make(map[string]*domain.Order),
		inflight:      make(map[string]bool),
	}
}

// Restore loads persisted orders. Orders already in the book are kept.
func (b *OrderBook) Restore(ctx context.Context) ([]domain.Order, error) {
	if b.store == nil {
		return nil, nil
	}
	orders, err := b.store.ListOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("restoring orders: %w", err)
	}
	b.mu.Lock()
	for i := range orders {
		if _, ok := b.orders[orders[i].ID]; ok {
			continue
		}
		o := orders[i]
		b.orders[o.ID] = &o
	}
	b.mu.Unlock()
	b.log.Info("orders restored", "count", len(orders))
	return orders, nil
}

// Validate checks a request without creating anything.
func (b *OrderBook) Validate(req *domain.OrderRequest) error {
	if req.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Msg: "required"}
	}
	if !req.Side.Valid() {
		return &domain.ValidationError{Field: "side", Msg: fmt.Sprintf("must be BUY or SELL, got %q", req.Side)}
	}
	if req.Quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeMarket
	}
	if !req.Type.Valid() {
		return &domain.ValidationError{Field: "orderType", Msg: fmt.Sprintf("unknown order type %q", req.Type)}
	}
	if req.Type.RequiresPrice() && req.Price <= 0 {
		return &domain.ValidationError{Field: "price", Msg: fmt.Sprintf("required for %s orders", req.Type)}
	}
	if req.Price < 0 {
		return &domain.ValidationError{Field: "price", Msg: "must not be negative"}
	}
	switch req.Validity {
	case "":
		req.Validity = domain.ValidityDay
	case domain.ValidityDay, domain.ValidityGTC, domain.ValidityIOC:
	default:
		return &domain.ValidationError{Field: "validity", Msg: fmt.Sprintf("unknown validity %q", req.Validity)}
	}
	if req.BrokerID == "" {
		req.BrokerID = b.defaultBroker
	}
	if _, err := b.brokers.Get(req.BrokerID); err != nil {
		return &domain.ValidationError{Field: "brokerId", Msg: err.Error()}
	}
	return nil
}

// Submit validates req, creates a PENDING order, runs the risk gate and
// places the order with the broker.
//
// A malformed request returns *domain.ValidationError and nothing is stored.
// A risk or broker rejection stores the order as REJECTED and returns
// *domain.OrderRejectedError. A transient broker failure leaves the order
// PENDING and returns *domain.BrokerError; Resubmit retries it.
func (b *OrderBook) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := b.Validate(&req); err != nil {
		return domain.Order{}, err
	}

	now := b.now()
	o := &domain.Order{
		ID:         b.newID(),
		BrokerID:   req.BrokerID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Type:       req.Type,
		Validity:   req.Validity,
		StrategyID: req.StrategyID,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	b.mu.Lock()
	b.orders[o.ID] = o
	b.inflight[o.ID] = true
	snapshot := *o
	b.mu.Unlock()
	b.persist(ctx, snapshot)

	b.log.Info("order created", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side,
		"quantity", o.Quantity, "type", o.Type, "broker", o.BrokerID)
	return b.place(ctx, o.ID)
}

// Resubmit retries a PENDING order left behind by a broker communication
// failure.
func (b *OrderBook) Resubmit(ctx context.Context, orderID string) (domain.Order, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status != domain.OrderStatusPending || b.inflight[orderID] {
		status := o.Status
		b.mu.Unlock()
		return domain.Order{}, domain.TransitionError(orderID, status, "resubmit")
	}
	b.inflight[orderID] = true
	b.mu.Unlock()

	return b.place(ctx, orderID)
}

// place runs the risk gate and the broker call for a PENDING order marked
// in flight.
func (b *OrderBook) place(ctx context.Context, orderID string) (domain.Order, error) {
	defer func() {
		b.mu.Lock()
		delete(b.inflight, orderID)
		b.mu.Unlock()
	}()

	b.mu.Lock()
	pending := *b.orders[orderID]
	b.mu.Unlock()

	decision := b.risk.Check(&pending, b.view)
	if !decision.Passed {
		return b.reject(ctx, orderID, decision.Reason, nil)
	}
	if err := b.checkSellCovered(&pending); err != nil {
		return b.reject(ctx, orderID, err.Error(), domain.ErrUnsupportedPositionFlip)
	}

	brk, err := b.brokers.Get(pending.BrokerID)
	if err != nil {
		return b.reject(ctx, orderID, err.Error(), nil)
	}

	brokerOrderID, err := brk.PlaceOrder(ctx, &pending)
	if err != nil {
		if reason, ok := broker.IsRejected(err); ok {
			return b.reject(ctx, orderID, reason, nil)
		}
		b.log.Warn("placing order failed", "orderID", orderID, "broker", pending.BrokerID, "error", err)
		return pending, &domain.BrokerError{Op: "place order", Err: err}
	}

	b.mu.Lock()
	o := b.orders[orderID]
	o.Status = domain.OrderStatusPlaced
	o.BrokerOrderID = brokerOrderID
	o.UpdatedAt = b.now()
	snapshot := *o
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	b.log.Info("order placed", "orderID", orderID, "brokerOrderID", brokerOrderID)
	b.publish(eventbus.OrderEvent(eventbus.KindOrderPlaced, snapshot))
	return snapshot, nil
}

func (b *OrderBook) reject(ctx context.Context, orderID, reason string, cause error) (domain.Order, error) {
	b.mu.Lock()
	o := b.orders[orderID]
	o.Status = domain.OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = b.now()
	snapshot := *o
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	b.log.Info("order rejected", "orderID", orderID, "reason", reason)
	b.publish(eventbus.OrderEvent(eventbus.KindOrderRejected, snapshot))
	return snapshot, &domain.OrderRejectedError{OrderID: orderID, Reason: reason, Err: cause}
}

// checkSellCovered refuses a SELL that, together with the other open SELL
// orders for the symbol, exceeds the held quantity. Short positions are not
// tracked, so such an order could only fill as a position flip.
func (b *OrderBook) checkSellCovered(o *domain.Order) error {
	if o.Side != domain.OrderSideSell {
		return nil
	}
	held := 0.0
	if b.view != nil {
		held = b.view.PositionQuantity(o.Symbol)
	}
	committed := b.openSellQuantity(o.Symbol, o.ID)
	if o.Quantity+committed > held {
		return fmt.Errorf("sell %v %s against %v held (%v in open sells): %w",
			o.Quantity, o.Symbol, held, committed, domain.ErrUnsupportedPositionFlip)
	}
	return nil
}

// openSellQuantity sums the SELL orders for symbol that are PLACED or being
// placed, excluding the order with id exclude.
func (b *OrderBook) openSellQuantity(symbol, exclude string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0.0
	for id, o := range b.orders {
		if id == exclude || o.Symbol != symbol || o.Side != domain.OrderSideSell {
			continue
		}
		if o.Status == domain.OrderStatusPlaced || (o.Status == domain.OrderStatusPending && b.inflight[id]) {
			total += o.Quantity
		}
	}
	return total
}

// RecordFill marks a PLACED order FILLED and publishes order_filled. A SELL
// fill larger than the held quantity is refused with
// ErrUnsupportedPositionFlip and the order stays PLACED.
func (b *OrderBook) RecordFill(orderID string, price, qty float64) (domain.Order, error) {
	held := -1.0
	if o, err := b.Get(orderID); err == nil && o.Side == domain.OrderSideSell {
		held = 0
		if b.view != nil {
			held = b.view.PositionQuantity(o.Symbol)
		}
	}

	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status != domain.OrderStatusPlaced {
		status := o.Status
		b.mu.Unlock()
		return domain.Order{}, domain.TransitionError(orderID, status, "fill")
	}
	if qty <= 0 || qty > o.Quantity {
		quantity := o.Quantity
		b.mu.Unlock()
		return domain.Order{}, &domain.ValidationError{Field: "fillQuantity", Msg: fmt.Sprintf("%v not in (0, %v]", qty, quantity)}
	}
	if price <= 0 {
		b.mu.Unlock()
		return domain.Order{}, &domain.ValidationError{Field: "fillPrice", Msg: "must be positive"}
	}
	if held >= 0 && qty > held {
		symbol := o.Symbol
		b.mu.Unlock()
		return domain.Order{}, fmt.Errorf("fill %s: sell %v %s against %v held: %w", orderID, qty, symbol, held, domain.ErrUnsupportedPositionFlip)
	}
	o.Status = domain.OrderStatusFilled
	o.FilledPrice = price
	o.FilledQty = qty
	o.UpdatedAt = b.now()
	snapshot := *o
	b.mu.Unlock()

	b.persist(context.Background(), snapshot)
	b.log.Info("order filled", "orderID", orderID, "symbol", snapshot.Symbol, "price", price, "quantity", qty)
	b.publish(eventbus.OrderEvent(eventbus.KindOrderFilled, snapshot))
	return snapshot, nil
}

// Cancel cancels a PLACED order at the broker and marks it CANCELLED. If the
// broker call fails the order is left unchanged.
func (b *OrderBook) Cancel(ctx context.Context, orderID string) (bool, error) {
	working, err := b.claimPlaced(orderID, "cancel")
	if err != nil {
		return false, err
	}
	defer b.release(orderID)

	brk, err := b.brokers.Get(working.BrokerID)
	if err != nil {
		return false, &domain.BrokerError{Op: "cancel order", Err: err}
	}
	if err := brk.CancelOrder(ctx, &working); err != nil {
		b.log.Warn("cancelling order failed", "orderID", orderID, "error", err)
		return false, &domain.BrokerError{Op: "cancel order", Err: err}
	}

	if _, err := b.markCancelled(orderID, ""); err != nil {
		return false, err
	}
	return true, nil
}

// MarkCancelled records a cancellation initiated by the broker (expiry,
// broker-side reject) without calling the broker.
func (b *OrderBook) MarkCancelled(orderID, reason string) (domain.Order, error) {
	return b.markCancelled(orderID, reason)
}

func (b *OrderBook) markCancelled(orderID, reason string) (domain.Order, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if !ok {
		b.mu.Unlock()
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status != domain.OrderStatusPlaced {
		status := o.Status
		b.mu.Unlock()
		return domain.Order{}, domain.TransitionError(orderID, status, "cancel")
	}
	o.Status = domain.OrderStatusCancelled
	o.RejectReason = reason
	o.UpdatedAt = b.now()
	snapshot := *o
	b.mu.Unlock()

	b.persist(context.Background(), snapshot)
	b.log.Info("order cancelled", "orderID", orderID, "reason", reason)
	b.publish(eventbus.OrderEvent(eventbus.KindOrderCancelled, snapshot))
	return snapshot, nil
}

// Modify changes the quantity and price of a PLACED order. The modified
// order is validated and risk-checked again, then replaced at the broker
// (cancel and place). If the replacement is refused after the cancel went
// through, the order ends CANCELLED.
func (b *OrderBook) Modify(ctx context.Context, orderID string, qty, price float64) (domain.Order, error) {
	working, err := b.claimPlaced(orderID, "modify")
	if err != nil {
		return domain.Order{}, err
	}
	defer b.release(orderID)

	if qty <= 0 {
		return domain.Order{}, &domain.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	if working.Type.RequiresPrice() && price <= 0 {
		return domain.Order{}, &domain.ValidationError{Field: "price", Msg: fmt.Sprintf("required for %s orders", working.Type)}
	}

	modified := working
	modified.Quantity = qty
	modified.Price = price
	if d := b.risk.Check(&modified, b.view); !d.Passed {
		b.log.Info("modification rejected", "orderID", orderID, "reason", d.Reason)
		return domain.Order{}, &domain.OrderRejectedError{OrderID: orderID, Reason: d.Reason}
	}
	if err := b.checkSellCovered(&modified); err != nil {
		b.log.Info("modification rejected", "orderID", orderID, "reason", err)
		return domain.Order{}, &domain.OrderRejectedError{OrderID: orderID, Reason: err.Error(), Err: domain.ErrUnsupportedPositionFlip}
	}

	brk, err := b.brokers.Get(working.BrokerID)
	if err != nil {
		return domain.Order{}, &domain.BrokerError{Op: "modify order", Err: err}
	}
	if err := brk.CancelOrder(ctx, &working); err != nil {
		return domain.Order{}, &domain.BrokerError{Op: "modify order", Err: err}
	}
	brokerOrderID, err := brk.PlaceOrder(ctx, &modified)
	if err != nil {
		reason := err.Error()
		if r, ok := broker.IsRejected(err); ok {
			reason = r
		}
		if _, cerr := b.markCancelled(orderID, "replacement failed: "+reason); cerr != nil {
			// Filled by the monitor while the replacement was in flight.
			b.log.Warn("replacement failed on a settled order", "orderID", orderID, "error", err)
			return domain.Order{}, cerr
		}
		if _, ok := broker.IsRejected(err); ok {
			return domain.Order{}, &domain.OrderRejectedError{OrderID: orderID, Reason: reason}
		}
		return domain.Order{}, &domain.BrokerError{Op: "modify order", Err: err}
	}

	b.mu.Lock()
	o := b.orders[orderID]
	if o.Status != domain.OrderStatusPlaced {
		// Filled or cancelled by the monitor while the broker was replacing it.
		status := o.Status
		b.mu.Unlock()
		return domain.Order{}, domain.TransitionError(orderID, status, "modify")
	}
	o.Quantity = qty
	o.Price = price
	o.BrokerOrderID = brokerOrderID
	o.UpdatedAt = b.now()
	snapshot := *o
	b.mu.Unlock()

	b.persist(ctx, snapshot)
	b.log.Info("order modified", "orderID", orderID, "quantity", qty, "price", price)
	b.publish(eventbus.OrderEvent(eventbus.KindOrderModified, snapshot))
	return snapshot, nil
}

// claimPlaced returns a copy of a PLACED order and marks it in flight so a
// concurrent cancel or modify is refused.
func (b *OrderBook) claimPlaced(orderID, op string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status != domain.OrderStatusPlaced || b.inflight[orderID] {
		return domain.Order{}, domain.TransitionError(orderID, o.Status, op)
	}
	b.inflight[orderID] = true
	return *o, nil
}

func (b *OrderBook) release(orderID string) {
	b.mu.Lock()
	delete(b.inflight, orderID)
	b.mu.Unlock()
}

// Get returns a copy of the order.
func (b *OrderBook) Get(orderID string) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return *o, nil
}

// List returns copies of the orders matching f, oldest first.
func (b *OrderBook) List(f domain.OrderFilter) []domain.Order {
	b.mu.Lock()
	out := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if f.Match(o) {
			out = append(out, *o)
		}
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *OrderBook) persist(ctx context.Context, o domain.Order) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveOrder(context.WithoutCancel(ctx), &o); err != nil {
		b.log.Error("persisting order", "orderID", o.ID, "status", o.Status, "error", err)
	}
}

func (b *OrderBook) publish(e eventbus.Event) {
	if b.bus != nil {
		b.bus.Publish(e)
	}
}

// IsBrokerFailure reports whether err is a transient broker failure.
func IsBrokerFailure(err error) bool {
	var be *domain.BrokerError
	return errors.As(err, &be)
}
