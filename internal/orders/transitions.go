package orders

import (
	"context"
	"fmt"

	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/pkg/messaging"
	"go.uber.org/zap"
)

// transition applies upd to order if its stored status is still from. On
// success order is updated in place and the side effects of the new status
// run: audit, event, metrics, notification and, for failures, release of the
// reserved investment. A false result means another writer moved first.
func (l *Ledger) transition(ctx context.Context, order *models.Order, from models.OrderStatus, upd models.OrderUpdate) (bool, error) {
	if !from.CanTransitionTo(upd.Status) {
		return false, invalidTransition(order.ID, from, upd.Status)
	}
	upd.UpdatedAt = l.now().UTC()

	ok, err := l.store.TransitionOrder(ctx, order.ID, from, upd)
	if err != nil {
		return false, fmt.Errorf("failed to transition order: %w", err)
	}
	if !ok {
		return false, nil
	}
	upd.Apply(order)

	severity := models.SeverityInfo
	if upd.Status == models.OrderFailed {
		severity = models.SeverityWarning
	}
	details := map[string]interface{}{
		"from": string(from),
		"to":   string(upd.Status),
	}
	if upd.FailureReason != "" {
		details["reason"] = upd.FailureReason
	}
	if upd.TxHash != "" {
		details["tx_hash"] = upd.TxHash
	}
	l.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionOrderTransit,
		ResourceType: "order",
		ResourceID:   order.ID,
		Severity:     severity,
		Details:      details,
	})
	l.metrics.OrderTransition(string(from), string(upd.Status), upd.FailureReason)
	l.publish(ctx, order, from)

	if upd.Status == models.OrderFailed {
		l.release(ctx, order)
	}
	l.notifyTransition(order)
	return true, nil
}

// release returns an order's reserved investment headroom. Only the writer
// that won the transition to failed calls it, so it runs once per order.
func (l *Ledger) release(ctx context.Context, order *models.Order) {
	if !order.ReservedAmount.IsPositive() {
		return
	}
	if err := l.store.ReleaseInvestment(context.WithoutCancel(ctx), order.UserID, order.ReservedAmount); err != nil {
		l.logger.Error("failed to release investment reservation",
			zap.String("order_id", order.ID),
			zap.String("user_id", order.UserID),
			zap.String("amount", order.ReservedAmount.String()),
			zap.Error(err))
	}
}

func (l *Ledger) publish(ctx context.Context, order *models.Order, from models.OrderStatus) {
	if l.pub == nil {
		return
	}
	event := messaging.OrderEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		TokenID: order.TokenID,
		Side:    string(order.Side),
		From:    string(from),
		Status:  string(order.Status),
		Net:     order.Net.String(),
		Reason:  order.FailureReason,
		TxHash:  order.TxHash,
	}
	if err := l.pub.Publish(ctx, messaging.SubjectOrderPrefix+string(order.Status), event); err != nil {
		l.logger.Warn("failed to publish order event",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err))
	}
}

func (l *Ledger) notifyTransition(order *models.Order) {
	var title, message string
	switch order.Status {
	case models.OrderPaymentConfirmed:
		title = "Payment received"
		message = fmt.Sprintf("Payment of %s %s received, transferring your tokens.", order.Net.StringFixed(2), order.Currency)
	case models.OrderExecuting:
		if order.Side != models.SideSell {
			return
		}
		title = "Sell order executing"
		message = fmt.Sprintf("Transferring %s tokens from your wallet.", order.Quantity)
	case models.OrderCompleted:
		title = "Order completed"
		message = fmt.Sprintf("Your %s of %s tokens settled in transaction %s.", order.Side, order.Quantity, order.TxHash)
	case models.OrderFailed:
		title = "Order failed"
		message = fmt.Sprintf("Your order could not be completed (%s).", order.FailureReason)
	default:
		return
	}

	l.notifier.Notify(&models.Notification{
		UserID:  order.UserID,
		Event:   "order." + string(order.Status),
		Title:   title,
		Message: message,
		OrderID: order.ID,
	})
}
