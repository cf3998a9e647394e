package orders

import (
	"errors"
	"fmt"

	"github.com/terminal-bench/tokensettle/internal/compliance"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrOrderExpired      = errors.New("order expired")
	ErrOrderFailed       = errors.New("order already failed")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ValidationError is bad input, rejected synchronously and never retried
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ComplianceError is a gate denial; the order was persisted as failed
type ComplianceError struct {
	OrderID  string
	Decision compliance.Decision
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("order %s denied by compliance: %s", e.OrderID, e.Decision.Reason)
}

func invalidTransition(orderID string, from, to interface{}) error {
	return fmt.Errorf("%w: order %s from %v to %v", ErrInvalidTransition, orderID, from, to)
}
