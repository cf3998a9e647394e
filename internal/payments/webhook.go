package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

// Webhook event types
const (
	EventPaymentCaptured   = "payment.captured"
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentFailed     = "payment.failed"
)

// WebhookEvent is the gateway callback body
type WebhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// PaymentEntity is the payment object carried by a webhook
type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

// Sign computes the hex HMAC-SHA256 of payload under secret
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the callback signature in constant time. An empty
// secret or signature never verifies.
func (a *Adapter) VerifySignature(payload []byte, signature string) bool {
	if len(a.webhookSecret) == 0 || signature == "" {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write(payload)
	return hmac.Equal(given, mac.Sum(nil))
}

// HandleWebhook verifies and applies one gateway callback. Redelivery of
// an event that was already applied is a no-op.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !a.VerifySignature(payload, signature) {
		a.logger.Warn("rejected webhook with invalid signature")
		return ErrInvalidSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	entity := event.Payload.Payment.Entity
	if entity.ID == "" || entity.OrderID == "" {
		return fmt.Errorf("%w: missing payment or order id", ErrMalformedEvent)
	}

	ctx = audit.WithActor(ctx, "gateway")
	switch event.Event {
	case EventPaymentCaptured, EventPaymentAuthorized:
		return a.handleCaptured(ctx, entity, payload, signature)
	case EventPaymentFailed:
		return a.handleFailed(ctx, entity, payload)
	default:
		a.logger.Debug("ignoring webhook event", zap.String("event", event.Event))
		return nil
	}
}

func (a *Adapter) settlementFor(ctx context.Context, entity PaymentEntity) (*models.PaymentSettlement, error) {
	ps, err := a.store.GetSettlementByGatewayOrder(ctx, entity.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, entity.OrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return ps, nil
}

func (a *Adapter) handleCaptured(ctx context.Context, entity PaymentEntity, payload []byte, signature string) error {
	ps, err := a.settlementFor(ctx, entity)
	if err != nil {
		return err
	}
	if entity.Amount != ps.AmountMinor {
		a.reconcile.Flag(ctx, ps.OrderID, reconcile.KindAmountMismatch,
			fmt.Sprintf("payment %s captured %d, expected %d", entity.ID, entity.Amount, ps.AmountMinor))
		return ErrAmountMismatch
	}

	if ps.Status == models.SettlementPending {
		ok, err := a.store.TransitionSettlement(ctx, ps.ID, models.SettlementPending, models.SettlementUpdate{
			Status:           models.SettlementCompleted,
			GatewayPaymentID: entity.ID,
			Signature:        signature,
			WebhookPayload:   payload,
			UpdatedAt:        a.now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			a.reconcile.Flag(ctx, ps.OrderID, reconcile.KindDuplicatePay,
				fmt.Sprintf("payment %s already recorded on another settlement", entity.ID))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete settlement: %w", err)
		}
		if ok {
			a.audit.Record(ctx, audit.Entry{
				Action:       audit.ActionSettlement,
				ResourceType: "order",
				ResourceID:   ps.OrderID,
				Details: map[string]interface{}{
					"settlement_id":      ps.ID,
					"gateway_payment_id": entity.ID,
					"from":               string(models.SettlementPending),
					"to":                 string(models.SettlementCompleted),
				},
			})
		}
		if ps, err = a.settlementFor(ctx, entity); err != nil {
			return err
		}
	}

	switch ps.Status {
	case models.SettlementCompleted:
		if ps.GatewayPaymentID != entity.ID {
			a.reconcile.Flag(ctx, ps.OrderID, reconcile.KindDuplicatePay,
				fmt.Sprintf("second capture %s for gateway order %s already paid by %s", entity.ID, entity.OrderID, ps.GatewayPaymentID))
			return nil
		}
	case models.SettlementRefunded:
		return nil
	case models.SettlementFailed:
		return a.refundOrphan(ctx, ps.OrderID, entity)
	}

	_, err = a.ledger.ConfirmPayment(ctx, ps.OrderID, entity.ID)
	if errors.Is(err, orders.ErrOrderFailed) {
		a.logger.Warn("capture arrived for a failed order, refunding",
			zap.String("order_id", ps.OrderID),
			zap.String("gateway_payment_id", entity.ID))
		return a.Compensate(ctx, ps.OrderID, reconcile.KindLateCapture)
	}
	return err
}

func (a *Adapter) handleFailed(ctx context.Context, entity PaymentEntity, payload []byte) error {
	ps, err := a.settlementFor(ctx, entity)
	if err != nil {
		return err
	}

	switch ps.Status {
	case models.SettlementPending:
		ok, err := a.store.TransitionSettlement(ctx, ps.ID, models.SettlementPending, models.SettlementUpdate{
			Status:         models.SettlementFailed,
			WebhookPayload: payload,
			UpdatedAt:      a.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to fail settlement: %w", err)
		}
		if !ok {
			// a capture won the race; nothing to fail
			return nil
		}
		a.audit.Record(ctx, audit.Entry{
			Action:       audit.ActionSettlement,
			ResourceType: "order",
			ResourceID:   ps.OrderID,
			Severity:     models.SeverityWarning,
			Details: map[string]interface{}{
				"settlement_id": ps.ID,
				"from":          string(models.SettlementPending),
				"to":            string(models.SettlementFailed),
				"error_code":    entity.ErrorCode,
			},
		})
	case models.SettlementFailed:
	default:
		// an earlier attempt failed after a later one captured
		return nil
	}

	message := entity.ErrorDescription
	if message == "" {
		message = "payment failed at gateway"
	}
	_, err = a.ledger.FailUnpaid(ctx, ps.OrderID, models.ReasonPaymentFailed, message)
	if errors.Is(err, orders.ErrInvalidTransition) {
		return nil
	}
	return err
}

// refundOrphan gives back a capture that landed on a settlement already
// recorded as failed. The settlement keeps its status; the operator queue
// gets the paper trail either way.
func (a *Adapter) refundOrphan(ctx context.Context, orderID string, entity PaymentEntity) error {
	var refund *GatewayRefund
	err := a.breaker.Execute(ctx, func() error {
		var callErr error
		refund, callErr = a.gateway.Refund(ctx, entity.ID, entity.Amount, map[string]string{
			"order_id": orderID,
			"reason":   reconcile.KindLateCapture,
		})
		return callErr
	})
	if err != nil {
		a.metrics.Refund("failed")
		a.reconcile.Flag(ctx, orderID, reconcile.KindRefundFailed,
			fmt.Sprintf("late capture %s could not be refunded: %v", entity.ID, err))
		return fmt.Errorf("failed to refund late capture: %w", err)
	}

	a.metrics.Refund("succeeded")
	a.reconcile.Flag(ctx, orderID, reconcile.KindLateCapture,
		fmt.Sprintf("payment %s captured after the settlement failed, refunded as %s", entity.ID, refund.ID))
	a.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionRefund,
		ResourceType: "order",
		ResourceID:   orderID,
		Severity:     models.SeverityWarning,
		Details: map[string]interface{}{
			"gateway_payment_id": entity.ID,
			"refund_id":          refund.ID,
			"amount_minor":       entity.Amount,
			"reason":             reconcile.KindLateCapture,
		},
	})
	return nil
}
