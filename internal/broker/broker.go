// Package broker defines the Broker interface and provides implementations
// for executing orders and reading account state across brokerages.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"tradedesk/internal/domain"
)

// Broker abstracts brokerage operations for order execution and account state.
//
// A *RejectedError means the broker refused the order; any other error is a
// communication failure and the call may be retried.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder sends an order to the brokerage and returns the broker's
	// own order id.
	PlaceOrder(ctx context.Context, order *domain.Order) (string, error)

	// CancelOrder requests cancellation of a previously placed order.
	CancelOrder(ctx context.Context, order *domain.Order) error

	// OrderStatus reports the broker-side state of an order.
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderReport, error)

	// Account returns a snapshot of the account's cash and margin.
	Account(ctx context.Context) (*domain.AccountInfo, error)
}

// OrderReport is the broker's view of one order. Status is PLACED while the
// order is working.
type OrderReport struct {
	Status      domain.OrderStatus
	FilledQty   float64
	FilledPrice float64
	Reason      string
}

// RejectedError is returned when the broker refuses an order outright.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "broker rejected order: " + e.Reason
}

// IsRejected reports whether err is a broker rejection and returns its reason.
func IsRejected(err error) (string, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Registry resolves broker ids to implementations.
type Registry struct {
	mu      sync.RWMutex
	brokers map[string]Broker
}

// NewRegistry creates a registry holding the given brokers.
func NewRegistry(brokers ...Broker) *Registry {
	r := &Registry{brokers: make(map[string]Broker)}
	for _, b := range brokers {
		r.Register(b)
	}
	return r
}

// Register adds b under its Name, replacing any broker with the same name.
func (r *Registry) Register(b Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[b.Name()] = b
}

// Get returns the broker registered under id.
func (r *Registry) Get(id string) (Broker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[id]
	if !ok {
		return nil, fmt.Errorf("broker %q not registered", id)
	}
	return b, nil
}

// Names returns the registered broker ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.brokers))
	for n := range r.brokers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
