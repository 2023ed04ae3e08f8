// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing multiple strategy implementations.
package strategy

import (
	"context"
	"sort"
	"sync"

	"tradedesk/internal/domain"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy. Orders the
	// strategy emits carry it as their strategy id.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnTick is called for every market tick. It returns zero or more order
	// requests to submit.
	OnTick(ctx context.Context, tick domain.Tick) ([]domain.OrderRequest, error)
}

// OrderObserver is implemented by strategies that want to follow their own
// orders. OnOrderUpdate receives fills, cancels, rejects and orders left
// pending by a broker failure.
type OrderObserver interface {
	OnOrderUpdate(order domain.Order)
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered strategies ordered by name.
func (r *Registry) All() []Strategy {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		out = append(out, r.strategies[n])
	}
	return out
}
