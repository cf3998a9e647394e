// Package audit appends gate decisions and ledger transitions to the
// audit log. Appends are synchronous; a failed append is logged at error
// level and swallowed so the pipeline keeps moving.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

// Actions
const (
	ActionGateDecision   = "compliance.evaluate"
	ActionOrderCreated   = "order.create"
	ActionOrderTransit   = "order.transition"
	ActionSettlement     = "settlement.transition"
	ActionRefund         = "settlement.refund"
	ActionTransfer       = "transfer.attempt"
	ActionReconciliation = "reconciliation.open"
	ActionResolve        = "reconciliation.resolve"
)

// System is the actor recorded for automated transitions
const System = "system"

type actorKey struct{}

// WithActor attributes audit entries recorded under ctx to actor
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, or System
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return System
}

// Entry describes one audit record before it is stamped
type Entry struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Severity     models.Severity
	Details      map[string]interface{}
}

// Trail writes audit entries
type Trail struct {
	store  store.AuditStore
	logger *zap.Logger
	now    func() time.Time
}

// NewTrail creates an audit trail on top of s
func NewTrail(s store.AuditStore, logger *zap.Logger) *Trail {
	return &Trail{store: s, logger: logger.Named("audit"), now: time.Now}
}

// Record appends e. It never returns an error to the caller.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if e.Actor == "" {
		e.Actor = ActorFrom(ctx)
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	entry := &models.AuditEntry{
		ID:           uuid.New().String(),
		Actor:        e.Actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Severity:     e.Severity,
		CreatedAt:    t.now().UTC(),
	}
	if len(e.Details) > 0 {
		details, err := json.Marshal(e.Details)
		if err != nil {
			t.logger.Error("failed to encode audit details", zap.String("action", e.Action), zap.Error(err))
		} else {
			entry.Details = details
		}
	}

	// Appends survive caller cancellation; the request may already be gone.
	if err := t.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		t.logger.Error("AUDIT WRITE FAILED",
			zap.String("action", entry.Action),
			zap.String("resource_type", entry.ResourceType),
			zap.String("resource_id", entry.ResourceID),
			zap.String("actor", entry.Actor),
			zap.String("severity", string(entry.Severity)),
			zap.ByteString("details", entry.Details),
			zap.Error(err),
		)
	}
}

// List returns the entries recorded against resourceID, oldest first
func (t *Trail) List(ctx context.Context, resourceID string) ([]*models.AuditEntry, error) {
	entries, err := t.store.ListAudit(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
