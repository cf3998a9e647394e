package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderPaymentPending   OrderStatus = "payment_pending"
	OrderPaymentConfirmed OrderStatus = "payment_confirmed"
	OrderExecuting        OrderStatus = "executing"
	OrderCompleted        OrderStatus = "completed"
	OrderFailed           OrderStatus = "failed"
)

// orderTransitions is the complete edge set of the order state graph.
// pending -> executing exists only for sells settled from token balance.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:          {OrderPaymentPending, OrderExecuting, OrderFailed},
	OrderPaymentPending:   {OrderPaymentConfirmed, OrderFailed},
	OrderPaymentConfirmed: {OrderExecuting, OrderFailed},
	OrderExecuting:        {OrderCompleted, OrderFailed},
}

// CanTransitionTo reports whether to is a legal successor of s
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaymentPending, OrderPaymentConfirmed,
		OrderExecuting, OrderCompleted, OrderFailed:
		return true
	}
	return false
}

// PaidOrLater reports whether the fiat leg is already confirmed
func (s OrderStatus) PaidOrLater() bool {
	return s == OrderPaymentConfirmed || s == OrderExecuting || s == OrderCompleted
}

// Side is the trade direction
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PaymentMethod selects how the fiat leg is settled
type PaymentMethod string

const (
	// PaymentGateway settles through the hosted payment gateway
	PaymentGateway PaymentMethod = "gateway"
	// PaymentTokenBalance settles a sell directly from the holder's balance
	PaymentTokenBalance PaymentMethod = "token_balance"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentGateway || m == PaymentTokenBalance
}

// Failure reason codes stored on failed orders
const (
	ReasonExpired         = "expired"
	ReasonValidation      = "validation_error"
	ReasonGatewayError    = "gateway_error"
	ReasonPaymentFailed   = "payment_failed"
	ReasonTransferFailed  = "transfer_failed"
	ReasonTransferInvalid = "transfer_rejected"
)

// Order is a trade intent owned by the order ledger
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	TokenID        string          `json:"token_id"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Total          decimal.Decimal `json:"total"`
	Fee            decimal.Decimal `json:"fee"`
	NetworkFee     decimal.Decimal `json:"network_fee"`
	Net            decimal.Decimal `json:"net"`
	Currency       string          `json:"currency"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	WalletAddress  string          `json:"wallet_address"`
	Status         OrderStatus     `json:"status"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RequiresPayment reports whether the order has a fiat leg
func (o *Order) RequiresPayment() bool {
	return o.Side == SideBuy && o.PaymentMethod == PaymentGateway
}

// OrderUpdate carries the fields written alongside a status transition.
// Zero values are left untouched.
type OrderUpdate struct {
	Status        OrderStatus
	FailureReason string
	ErrorMessage  string
	TxHash        string
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Apply writes u onto o
func (u OrderUpdate) Apply(o *Order) {
	o.Status = u.Status
	if u.FailureReason != "" {
		o.FailureReason = u.FailureReason
	}
	if u.ErrorMessage != "" {
		o.ErrorMessage = u.ErrorMessage
	}
	if u.TxHash != "" {
		o.TxHash = u.TxHash
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		o.CompletedAt = &t
	}
	o.UpdatedAt = u.UpdatedAt
}
