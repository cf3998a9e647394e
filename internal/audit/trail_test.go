package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type failingStore struct{}

func (failingStore) AppendAudit(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func (failingStore) ListAudit(context.Context, string) ([]*models.AuditEntry, error) {
	return nil, nil
}

func TestTrailRecord(t *testing.T) {
	t.Run("should append with defaults", func(t *testing.T) {
		st := memory.New()
		trail := NewTrail(st, zap.NewNop())

		trail.Record(context.Background(), Entry{
			Action:       ActionOrderTransit,
			ResourceType: "order",
			ResourceID:   "order-1",
			Details:      map[string]interface{}{"from": "pending", "to": "failed"},
		})

		entries, err := st.ListAudit(context.Background(), "order-1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, System, entries[0].Actor)
		assert.Equal(t, models.SeverityInfo, entries[0].Severity)

		var details map[string]string
		require.NoError(t, json.Unmarshal(entries[0].Details, &details))
		assert.Equal(t, "failed", details["to"])
	})

	t.Run("should log and swallow store failures", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		trail := NewTrail(failingStore{}, zap.New(core))

		assert.NotPanics(t, func() {
			trail.Record(context.Background(), Entry{Action: ActionRefund, ResourceType: "order", ResourceID: "order-2"})
		})
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "order-2", logs.All()[0].ContextMap()["resource_id"])
	})

	t.Run("should append after the caller context is canceled", func(t *testing.T) {
		st := memory.New()
		trail := NewTrail(st, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		trail.Record(ctx, Entry{Action: ActionGateDecision, ResourceType: "user", ResourceID: "user-1"})

		entries, err := st.ListAudit(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestActorFromContext(t *testing.T) {
	st := memory.New()
	trail := NewTrail(st, zap.NewNop())

	ctx := WithActor(context.Background(), "gateway")
	trail.Record(ctx, Entry{Action: ActionSettlement, ResourceType: "settlement", ResourceID: "ps-1"})

	entries, err := st.ListAudit(context.Background(), "ps-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gateway", entries[0].Actor)
	assert.Equal(t, System, ActorFrom(context.Background()))
}
