package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the state of a fiat payment leg
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
	SettlementRefunded  SettlementStatus = "refunded"
)

var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementPending:   {SettlementCompleted, SettlementFailed},
	SettlementCompleted: {SettlementRefunded},
}

func (s SettlementStatus) CanTransitionTo(to SettlementStatus) bool {
	for _, next := range settlementTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the settlement still blocks a new one for the same order
func (s SettlementStatus) Active() bool {
	return s == SettlementPending || s == SettlementCompleted
}

// PaymentSettlement is the fiat leg of a buy order
type PaymentSettlement struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"order_id"`
	GatewayOrderID   string           `json:"gateway_order_id"`
	GatewayPaymentID string           `json:"gateway_payment_id,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	AmountMinor      int64            `json:"amount_minor"`
	Currency         string           `json:"currency"`
	Status           SettlementStatus `json:"status"`
	Signature        string           `json:"-"`
	WebhookPayload   json.RawMessage  `json:"webhook_payload,omitempty"`
	RefundID         string           `json:"refund_id,omitempty"`
	RefundAmount     decimal.Decimal  `json:"refund_amount"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SettlementUpdate carries the fields written alongside a settlement transition
type SettlementUpdate struct {
	Status           SettlementStatus
	GatewayPaymentID string
	Signature        string
	WebhookPayload   json.RawMessage
	RefundID         string
	RefundAmount     *decimal.Decimal
	UpdatedAt        time.Time
}

func (u SettlementUpdate) Apply(s *PaymentSettlement) {
	s.Status = u.Status
	if u.GatewayPaymentID != "" {
		s.GatewayPaymentID = u.GatewayPaymentID
	}
	if u.Signature != "" {
		s.Signature = u.Signature
	}
	if len(u.WebhookPayload) > 0 {
		s.WebhookPayload = append(json.RawMessage(nil), u.WebhookPayload...)
	}
	if u.RefundID != "" {
		s.RefundID = u.RefundID
	}
	if u.RefundAmount != nil {
		s.RefundAmount = *u.RefundAmount
	}
	s.UpdatedAt = u.UpdatedAt
}
