// Package reconcile holds orders whose fiat and token legs disagree and
// that need an operator, e.g. captured payments whose refund failed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

// Kinds
const (
	KindRefundFailed   = "refund_failed"
	KindAmountMismatch = "amount_mismatch"
	KindLateCapture    = "late_capture"
	KindDuplicatePay   = "duplicate_payment"
	// a paid order whose transfer job ended without settling it
	KindStalledTransfer = "stalled_transfer"
	// tokens moved for an order that can no longer complete
	KindOrphanedTransfer = "orphaned_transfer"
)

var (
	ErrItemNotFound    = errors.New("reconciliation item not found")
	ErrAlreadyResolved = errors.New("reconciliation item already resolved")
)

// Queue records and resolves reconciliation items
type Queue struct {
	store  store.ReconciliationStore
	audit  *audit.Trail
	logger *zap.Logger
	now    func() time.Time
}

func NewQueue(st store.ReconciliationStore, trail *audit.Trail, logger *zap.Logger) *Queue {
	return &Queue{store: st, audit: trail, logger: logger.Named("reconcile"), now: time.Now}
}

// Flag opens an item for orderID. It never fails the caller; a lost item
// is logged at error level with everything an operator needs. While an item
// of the same kind is still open for the order, that item is returned.
func (q *Queue) Flag(ctx context.Context, orderID, kind, detail string) *models.ReconciliationItem {
	item := &models.ReconciliationItem{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Kind:      kind,
		Detail:    detail,
		Status:    models.ReconciliationOpen,
		CreatedAt: q.now().UTC(),
	}

	ctx = context.WithoutCancel(ctx)
	err := q.store.CreateReconciliation(ctx, item)
	if errors.Is(err, store.ErrDuplicate) {
		existing, findErr := q.store.FindOpenReconciliation(ctx, orderID, kind)
		if findErr == nil {
			q.logger.Warn("order already flagged for reconciliation",
				zap.String("order_id", orderID),
				zap.String("kind", kind),
				zap.String("item_id", existing.ID),
				zap.String("detail", detail))
			return existing
		}
		err = fmt.Errorf("%w (lookup: %v)", err, findErr)
	}
	if err != nil {
		q.logger.Error("RECONCILIATION ITEM NOT STORED",
			zap.String("order_id", orderID),
			zap.String("kind", kind),
			zap.String("detail", detail),
			zap.Error(err))
		return item
	}
	q.logger.Error("order flagged for reconciliation",
		zap.String("order_id", orderID),
		zap.String("kind", kind),
		zap.String("detail", detail))
	q.audit.Record(ctx, audit.Entry{
		Action:       audit.ActionReconciliation,
		ResourceType: "order",
		ResourceID:   orderID,
		Severity:     models.SeverityCritical,
		Details:      map[string]interface{}{"kind": kind, "detail": detail, "item_id": item.ID},
	})
	return item
}

// List returns items in status, or all items when status is empty
func (q *Queue) List(ctx context.Context, status models.ReconciliationStatus) ([]*models.ReconciliationItem, error) {
	items, err := q.store.ListReconciliation(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation items: %w", err)
	}
	return items, nil
}

// Resolve closes an open item
func (q *Queue) Resolve(ctx context.Context, id, resolvedBy, note string) error {
	ok, err := q.store.ResolveReconciliation(ctx, id, resolvedBy, note, q.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	if !ok {
		return ErrAlreadyResolved
	}
	q.audit.Record(ctx, audit.Entry{
		Actor:        resolvedBy,
		Action:       audit.ActionResolve,
		ResourceType: "reconciliation",
		ResourceID:   id,
		Details:      map[string]interface{}{"note": note},
	})
	return nil
}
