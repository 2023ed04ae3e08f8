// Package store persists orders and trades and archives ticks and fills.
//
// Orders and trades are JSON documents in a key-value backend (memory, SQLite
// or Redis). Ticks and fills are also archived to parquet files on disk so
// sessions can be replayed later.
package store

import (
	"context"
	"errors"
	"fmt"

	"tradedesk/internal/config"
	"tradedesk/internal/domain"
)

// ErrNotFound is returned by KV.Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

// Entry is one key-value pair returned by KV.List.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the minimal key-value contract every backend implements.
type KV interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every entry whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the backend.
	Close() error
}

// OrderStore persists order records.
type OrderStore interface {
	// SaveOrder inserts or replaces an order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all stored orders sorted by creation time.
	ListOrders(ctx context.Context) ([]domain.Order, error)
}

// TradeStore persists the append-only trade log.
type TradeStore interface {
	// AppendTrade adds one trade record.
	AppendTrade(ctx context.Context, trade *domain.Trade) error

	// ListTrades returns all trades in chronological order.
	ListTrades(ctx context.Context) ([]domain.Trade, error)
}

// Open creates the KV backend selected by cfg.
func Open(ctx context.Context, cfg config.Storage) (KV, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		return NewSQLiteKV(cfg.SQLitePath)
	case "redis":
		return NewRedisKV(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
