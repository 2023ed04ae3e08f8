package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an operation is attempted on an
	// order that is not in the state the operation requires.
	ErrInvalidTransition = errors.New("invalid order state transition")

	// ErrUnsupportedPositionFlip is returned when a fill would take a
	// position through zero to the opposite sign.
	ErrUnsupportedPositionFlip = errors.New("fill would flip position sign")

	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
)

// ValidationError reports a malformed order request.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// OrderRejectedError reports a risk or broker rejection. The order it refers
// to has been moved to REJECTED.
type OrderRejectedError struct {
	OrderID string
	Reason  string
	Err     error // underlying sentinel, if any
}

func (e *OrderRejectedError) Error() string {
	return "order rejected: " + e.Reason
}

func (e *OrderRejectedError) Unwrap() error { return e.Err }

// BrokerError reports a transient failure talking to a broker. The order it
// concerns is left unchanged and the caller may retry.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// TransitionError adds context to ErrInvalidTransition.
func TransitionError(orderID string, from OrderStatus, op string) error {
	return fmt.Errorf("%s order %s in state %s: %w", op, orderID, from, ErrInvalidTransition)
}
