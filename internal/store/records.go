package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"tradedesk/internal/domain"
)

// Compile-time interface checks.
var _ OrderStore = (*Records)(nil)
var _ TradeStore = (*Records)(nil)

const (
	orderPrefix = "order:"
	tradePrefix = "trade:"
)

// Records implements OrderStore and TradeStore as JSON documents in a KV.
type Records struct {
	kv KV
}

// NewRecords wraps kv.
func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

// SaveOrder inserts or replaces an order.
func (r *Records) SaveOrder(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encoding order %s: %w", order.ID, err)
	}
	return r.kv.Put(ctx, orderPrefix+order.ID, data)
}

// GetOrder retrieves a single order by its ID.
func (r *Records) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	data, err := r.kv.Get(ctx, orderPrefix+id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	var o domain.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", id, err)
	}
	return &o, nil
}

// ListOrders returns all stored orders sorted by creation time.
func (r *Records) ListOrders(ctx context.Context) ([]domain.Order, error) {
	entries, err := r.kv.List(ctx, orderPrefix)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		var o domain.Order
		if err := json.Unmarshal(e.Value, &o); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		orders = append(orders, o)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// AppendTrade adds one trade record. Keys embed the timestamp so listing by
// prefix returns trades in chronological order.
func (r *Records) AppendTrade(ctx context.Context, trade *domain.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encoding trade %s: %w", trade.ID, err)
	}
	return r.kv.Put(ctx, tradeKey(trade), data)
}

// ListTrades returns all trades in chronological order.
func (r *Records) ListTrades(ctx context.Context) ([]domain.Trade, error) {
	entries, err := r.kv.List(ctx, tradePrefix)
	if err != nil {
		return nil, err
	}
	trades := make([]domain.Trade, 0, len(entries))
	for _, e := range entries {
		var t domain.Trade
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Key, err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func tradeKey(t *domain.Trade) string {
	return fmt.Sprintf("%s%020d:%s", tradePrefix, t.Timestamp.UnixNano(), t.ID)
}
