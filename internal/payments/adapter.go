// Package payments is the fiat leg of an order: hosted payment intents,
// verified gateway callbacks and refunds.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/pkg/circuit"
	"github.com/terminal-bench/tokensettle/pkg/money"
	"go.uber.org/zap"
)

var (
	ErrNoPaymentRequired = errors.New("order does not require payment")
	ErrAlreadyPaid       = errors.New("order already paid")
	ErrSettlementMissing = errors.New("settlement not found")
	ErrNotRefundable     = errors.New("settlement is not refundable")
	ErrRefundTooLarge    = errors.New("refund exceeds captured amount")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedEvent    = errors.New("malformed webhook event")
	ErrUnknownOrder      = errors.New("webhook references unknown gateway order")
	ErrAmountMismatch    = errors.New("captured amount does not match settlement")
)

// Ledger is the part of the order ledger the adapter drives
type Ledger interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	MarkPaymentPending(ctx context.Context, orderID, gatewayOrderID string) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID, gatewayPaymentID string) (*models.Order, error)
	FailUnpaid(ctx context.Context, orderID, reason, message string) (*models.Order, error)
}

// PaymentIntent is what a client needs to open the hosted checkout
type PaymentIntent struct {
	SettlementID   string          `json:"settlement_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	AmountMinor    int64           `json:"amount_minor"`
	Currency       string          `json:"currency"`
	KeyID          string          `json:"key_id,omitempty"`
}

// Adapter coordinates the gateway, the settlement records and the ledger
type Adapter struct {
	store         store.SettlementStore
	ledger        Ledger
	gateway       Gateway
	breaker       *circuit.Breaker
	reconcile     *reconcile.Queue
	audit         *audit.Trail
	metrics       metrics.Recorder
	webhookSecret []byte
	keyID         string
	logger        *zap.Logger
	now           func() time.Time
}

// Config holds gateway credentials the adapter needs
type Config struct {
	WebhookSecret string
	// KeyID is the public key handed to the hosted checkout
	KeyID string
}

// Deps groups the adapter's collaborators
type Deps struct {
	Store     store.SettlementStore
	Ledger    Ledger
	Gateway   Gateway
	Breaker   *circuit.Breaker
	Reconcile *reconcile.Queue
	Audit     *audit.Trail
	Metrics   metrics.Recorder
	Logger    *zap.Logger
}

// BreakerConfig is the gateway breaker; only transient gateway errors
// count against it
func BreakerConfig() circuit.Config {
	return circuit.Config{
		Name:        "payment-gateway",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		IsFailure:   IsTransient,
	}
}

// NewAdapter creates a payment adapter
func NewAdapter(d Deps, cfg Config) *Adapter {
	breaker := d.Breaker
	if breaker == nil {
		breaker = circuit.NewBreaker(BreakerConfig())
	}
	return &Adapter{
		store:         d.Store,
		ledger:        d.Ledger,
		gateway:       d.Gateway,
		breaker:       breaker,
		reconcile:     d.Reconcile,
		audit:         d.Audit,
		metrics:       d.Metrics,
		webhookSecret: []byte(cfg.WebhookSecret),
		keyID:         cfg.KeyID,
		logger:        d.Logger.Named("payments"),
		now:           time.Now,
	}
}

// CreatePaymentIntent opens a gateway order for the order's net amount,
// persists the pending settlement and moves the order to payment_pending.
// Calling it again for the same order returns the existing intent.
func (a *Adapter) CreatePaymentIntent(ctx context.Context, order *models.Order) (*PaymentIntent, error) {
	if !order.RequiresPayment() {
		return nil, ErrNoPaymentRequired
	}

	existing, err := a.store.GetSettlementByOrder(ctx, order.ID)
	switch {
	case err == nil && existing.Status == models.SettlementPending:
		if _, err := a.ledger.MarkPaymentPending(ctx, order.ID, existing.GatewayOrderID); err != nil {
			return nil, err
		}
		return a.intent(existing), nil
	case err == nil && existing.Status.Active():
		return nil, ErrAlreadyPaid
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	minor, err := money.ToMinorUnits(order.Net)
	if err != nil {
		return nil, err
	}

	var gwOrder *GatewayOrder
	err = a.breaker.Execute(ctx, func() error {
		var callErr error
		gwOrder, callErr = a.gateway.CreateOrder(ctx, minor, order.Currency, order.ID, map[string]string{
			"order_id": order.ID,
			"user_id":  order.UserID,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	now := a.now().UTC()
	ps := &models.PaymentSettlement{
		ID:             uuid.New().String(),
		OrderID:        order.ID,
		GatewayOrderID: gwOrder.ID,
		Amount:         money.FromMinorUnits(minor),
		AmountMinor:    minor,
		Currency:       order.Currency,
		Status:         models.SettlementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateSettlement(ctx, ps); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// a concurrent checkout for the same order won
			winner, getErr := a.store.GetSettlementByOrder(ctx, order.ID)
			if getErr == nil && winner.Status == models.SettlementPending {
				return a.intent(winner), nil
			}
			return nil, ErrAlreadyPaid
		}
		return nil, fmt.Errorf("failed to create settlement: %w", err)
	}
	a.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionSettlement,
		ResourceType: "order",
		ResourceID:   order.ID,
		Details: map[string]interface{}{
			"settlement_id":    ps.ID,
			"gateway_order_id": ps.GatewayOrderID,
			"to":               string(ps.Status),
			"amount_minor":     ps.AmountMinor,
		},
	})

	if _, err := a.ledger.MarkPaymentPending(ctx, order.ID, gwOrder.ID); err != nil {
		return nil, err
	}
	return a.intent(ps), nil
}

func (a *Adapter) intent(ps *models.PaymentSettlement) *PaymentIntent {
	return &PaymentIntent{
		SettlementID:   ps.ID,
		GatewayOrderID: ps.GatewayOrderID,
		Amount:         ps.Amount,
		AmountMinor:    ps.AmountMinor,
		Currency:       ps.Currency,
		KeyID:          a.keyID,
	}
}

// Settlement returns the order's settlement, preferring the active one
func (a *Adapter) Settlement(ctx context.Context, orderID string) (*models.PaymentSettlement, error) {
	ps, err := a.store.GetSettlementByOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSettlementMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return ps, nil
}

// Refund refunds a completed settlement. A nil amount refunds everything
// captured. Refunding a refunded settlement returns it unchanged.
func (a *Adapter) Refund(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (*models.PaymentSettlement, error) {
	ps, err := a.Settlement(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ps.Status == models.SettlementRefunded {
		return ps, nil
	}
	if ps.Status != models.SettlementCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrNotRefundable, ps.Status)
	}

	refundAmount := ps.Amount
	if amount != nil {
		if amount.GreaterThan(ps.Amount) || !amount.IsPositive() {
			return nil, ErrRefundTooLarge
		}
		refundAmount = *amount
	}
	minor, err := money.ToMinorUnits(refundAmount)
	if err != nil {
		return nil, err
	}

	var refund *GatewayRefund
	err = a.breaker.Execute(ctx, func() error {
		var callErr error
		refund, callErr = a.gateway.Refund(ctx, ps.GatewayPaymentID, minor, map[string]string{
			"order_id": orderID,
			"reason":   reason,
		})
		return callErr
	})
	if err != nil {
		a.metrics.Refund("failed")
		return nil, fmt.Errorf("failed to refund order %s: %w", orderID, err)
	}

	ok, err := a.store.TransitionSettlement(ctx, ps.ID, models.SettlementCompleted, models.SettlementUpdate{
		Status:       models.SettlementRefunded,
		RefundID:     refund.ID,
		RefundAmount: &refundAmount,
		UpdatedAt:    a.now().UTC(),
	})
	if err != nil {
		// the money moved; the record did not
		a.reconcile.Flag(ctx, orderID, reconcile.KindRefundFailed,
			fmt.Sprintf("refund %s issued but settlement not updated: %v", refund.ID, err))
		return nil, fmt.Errorf("failed to record refund: %w", err)
	}
	if !ok {
		return a.Settlement(ctx, orderID)
	}

	a.metrics.Refund("succeeded")
	a.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionRefund,
		ResourceType: "order",
		ResourceID:   orderID,
		Severity:     models.SeverityWarning,
		Details: map[string]interface{}{
			"settlement_id": ps.ID,
			"refund_id":     refund.ID,
			"amount":        refundAmount.String(),
			"reason":        reason,
		},
	})
	a.logger.Info("payment refunded",
		zap.String("order_id", orderID),
		zap.String("refund_id", refund.ID),
		zap.String("amount", refundAmount.String()))

	return a.Settlement(ctx, orderID)
}

// Compensate refunds the captured payment of an order whose tokens will
// never move. A refund that cannot be issued is flagged for reconciliation
// instead of being retried.
func (a *Adapter) Compensate(ctx context.Context, orderID, reason string) error {
	_, err := a.Refund(ctx, orderID, nil, reason)
	if errors.Is(err, ErrSettlementMissing) || errors.Is(err, ErrNotRefundable) {
		// nothing was captured, so there is nothing to give back
		a.logger.Info("no captured payment to refund", zap.String("order_id", orderID), zap.Error(err))
		return nil
	}
	if err != nil {
		a.logger.Error("compensating refund failed", zap.String("order_id", orderID), zap.Error(err))
		a.reconcile.Flag(ctx, orderID, reconcile.KindRefundFailed, err.Error())
		return err
	}
	return nil
}
