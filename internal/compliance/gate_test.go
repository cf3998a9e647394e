package compliance

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store/memory"
	"go.uber.org/zap"
)

func newGate(st *memory.Store) *Gate {
	logger := zap.NewNop()
	ceilings := Ceilings{
		models.CategoryRetail:     decimal.NewFromInt(5000),
		models.CategoryAccredited: decimal.NewFromInt(50000),
	}
	return NewGate(st, st, ceilings, audit.NewTrail(st, logger), metrics.Nop{}, logger)
}

func seedInvestor(st *memory.Store, id string, kyc models.KYCStatus, category models.InvestorCategory) {
	st.PutUser(memory.User{ID: id, KYC: kyc, Category: category, Role: models.RoleInvestor})
}

func TestEvaluateKYC(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		kyc    models.KYCStatus
		reason string
	}{
		{models.KYCNotStarted, ReasonKYCNotStarted},
		{models.KYCPending, ReasonKYCPending},
		{models.KYCRejected, ReasonKYCRejected},
		{models.KYCStatus("suspended"), ReasonKYCUnknown},
	}
	for _, tc := range cases {
		t.Run(string(tc.kyc), func(t *testing.T) {
			st := memory.New()
			seedInvestor(st, "user-1", tc.kyc, models.CategoryRetail)

			d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(10), models.SideBuy)
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}

	t.Run("should deny unknown users", func(t *testing.T) {
		d := newGate(memory.New()).Evaluate(ctx, "ghost", decimal.NewFromInt(10), models.SideBuy)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonKYCNotStarted, d.Reason)
	})
}

func TestEvaluateFailsClosed(t *testing.T) {
	st := memory.New()
	seedInvestor(st, "user-1", models.KYCApproved, models.CategoryRetail)
	st.DirectoryErr = errors.New("identity service unavailable")

	d := newGate(st).Evaluate(context.Background(), "user-1", decimal.NewFromInt(10), models.SideBuy)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLookupFailed, d.Reason)
}

func TestEvaluateLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("should allow within headroom", func(t *testing.T) {
		st := memory.New()
		seedInvestor(st, "user-1", models.KYCApproved, models.CategoryRetail)
		st.SetCommitted("user-1", decimal.NewFromInt(1000))

		d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(1015), models.SideBuy)
		assert.True(t, d.Allowed)
		assert.Equal(t, ReasonOK, d.Reason)
		assert.True(t, d.RemainingLimit.Equal(decimal.NewFromInt(2985)), d.RemainingLimit.String())
		assert.True(t, d.Ceiling.Equal(decimal.NewFromInt(5000)))
	})

	t.Run("should deny when amount exceeds headroom", func(t *testing.T) {
		st := memory.New()
		seedInvestor(st, "user-1", models.KYCApproved, models.CategoryRetail)
		st.SetCommitted("user-1", decimal.NewFromInt(4500))

		d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(1015), models.SideBuy)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonLimitExceeded, d.Reason)
		assert.True(t, d.RemainingLimit.Equal(decimal.NewFromInt(500)))
	})

	t.Run("should allow amount equal to headroom", func(t *testing.T) {
		st := memory.New()
		seedInvestor(st, "user-1", models.KYCApproved, models.CategoryRetail)
		st.SetCommitted("user-1", decimal.NewFromInt(3985))

		d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(1015), models.SideBuy)
		assert.True(t, d.Allowed)
		assert.True(t, d.RemainingLimit.IsZero())
	})

	t.Run("should skip limits for sells", func(t *testing.T) {
		st := memory.New()
		seedInvestor(st, "user-1", models.KYCApproved, models.CategoryRetail)
		st.SetCommitted("user-1", decimal.NewFromInt(5000))

		d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(100000), models.SideSell)
		assert.True(t, d.Allowed)
	})

	t.Run("should deny categories without a ceiling", func(t *testing.T) {
		st := memory.New()
		seedInvestor(st, "user-1", models.KYCApproved, models.CategoryInstitutional)

		d := newGate(st).Evaluate(ctx, "user-1", decimal.NewFromInt(1), models.SideBuy)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonCategoryUnknown, d.Reason)
	})
}

func TestEvaluatePrivilegedBypass(t *testing.T) {
	for _, role := range []models.Role{models.RoleAdmin, models.RoleAuditor} {
		t.Run(string(role), func(t *testing.T) {
			st := memory.New()
			st.PutUser(memory.User{ID: "staff", KYC: models.KYCNotStarted, Role: role})

			d := newGate(st).Evaluate(context.Background(), "staff", decimal.NewFromInt(1000000), models.SideBuy)
			assert.True(t, d.Allowed)
			assert.True(t, d.Bypass)
			assert.Equal(t, ReasonPrivilegedBypass, d.Reason)
		})
	}
}

func TestEvaluateAudits(t *testing.T) {
	st := memory.New()
	seedInvestor(st, "user-1", models.KYCPending, models.CategoryRetail)

	newGate(st).Evaluate(context.Background(), "user-1", decimal.NewFromInt(10), models.SideBuy)

	entries, err := st.ListAudit(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionGateDecision, entries[0].Action)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
}
