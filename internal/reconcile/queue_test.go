package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store/memory"
	"go.uber.org/zap"
)

func TestQueue(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := NewQueue(st, audit.NewTrail(st, zap.NewNop()), zap.NewNop())

	item := q.Flag(ctx, "order-1", KindRefundFailed, "gateway 502")

	open, err := q.List(ctx, models.ReconciliationOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "order-1", open[0].OrderID)

	entries, err := st.ListAudit(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SeverityCritical, entries[0].Severity)

	require.NoError(t, q.Resolve(ctx, item.ID, "admin-1", "refunded manually"))
	assert.ErrorIs(t, q.Resolve(ctx, item.ID, "admin-1", "again"), ErrAlreadyResolved)
	assert.ErrorIs(t, q.Resolve(ctx, "missing", "admin-1", ""), ErrItemNotFound)

	open, err = q.List(ctx, models.ReconciliationOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "admin-1", all[0].ResolvedBy)
}
