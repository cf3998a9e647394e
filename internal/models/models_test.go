package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransitions(t *testing.T) {
	t.Run("should allow the happy path in order", func(t *testing.T) {
		path := []OrderStatus{OrderPending, OrderPaymentPending, OrderPaymentConfirmed, OrderExecuting, OrderCompleted}
		for i := 0; i < len(path)-1; i++ {
			assert.True(t, path[i].CanTransitionTo(path[i+1]), "%s -> %s", path[i], path[i+1])
		}
	})

	t.Run("should allow failure from every non-terminal state", func(t *testing.T) {
		for _, s := range []OrderStatus{OrderPending, OrderPaymentPending, OrderPaymentConfirmed, OrderExecuting} {
			assert.True(t, s.CanTransitionTo(OrderFailed), s)
		}
	})

	t.Run("should reject backwards and skipping edges", func(t *testing.T) {
		assert.False(t, OrderExecuting.CanTransitionTo(OrderPaymentPending))
		assert.False(t, OrderPaymentConfirmed.CanTransitionTo(OrderPaymentPending))
		assert.False(t, OrderPending.CanTransitionTo(OrderPaymentConfirmed))
		assert.False(t, OrderPaymentPending.CanTransitionTo(OrderCompleted))
		assert.False(t, OrderPending.CanTransitionTo(OrderCompleted))
	})

	t.Run("should not leave terminal states", func(t *testing.T) {
		for _, to := range []OrderStatus{OrderPending, OrderPaymentPending, OrderPaymentConfirmed, OrderExecuting, OrderCompleted, OrderFailed} {
			assert.False(t, OrderCompleted.CanTransitionTo(to))
			assert.False(t, OrderFailed.CanTransitionTo(to))
		}
		assert.True(t, OrderCompleted.IsTerminal())
		assert.True(t, OrderFailed.IsTerminal())
		assert.False(t, OrderExecuting.IsTerminal())
	})
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, JobQueued.CanTransitionTo(JobProcessing))
	assert.True(t, JobProcessing.CanTransitionTo(JobRetrying))
	assert.True(t, JobRetrying.CanTransitionTo(JobQueued))
	assert.False(t, JobFailed.CanTransitionTo(JobQueued))
	assert.False(t, JobCompleted.CanTransitionTo(JobProcessing))
	assert.False(t, JobQueued.CanTransitionTo(JobCompleted))
}

func TestSettlementTransitions(t *testing.T) {
	assert.True(t, SettlementPending.CanTransitionTo(SettlementCompleted))
	assert.True(t, SettlementCompleted.CanTransitionTo(SettlementRefunded))
	assert.False(t, SettlementRefunded.CanTransitionTo(SettlementCompleted))
	assert.False(t, SettlementFailed.CanTransitionTo(SettlementRefunded))
	assert.False(t, SettlementPending.CanTransitionTo(SettlementRefunded))
	assert.True(t, SettlementCompleted.Active())
	assert.False(t, SettlementFailed.Active())
}

func TestRolePrivileged(t *testing.T) {
	assert.True(t, RoleAdmin.Privileged())
	assert.True(t, RoleAuditor.Privileged())
	assert.False(t, RoleInvestor.Privileged())
	assert.False(t, RoleIssuer.Privileged())
}
