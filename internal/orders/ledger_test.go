package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/compliance"
	"github.com/terminal-bench/tokensettle/internal/jobs"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/internal/store/memory"
	"go.uber.org/zap"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []*models.Notification
}

func (n *captureNotifier) Notify(note *models.Notification) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return true
}

func (n *captureNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, note := range n.sent {
		out = append(out, note.Event)
	}
	return out
}

type fixture struct {
	ledger    *Ledger
	store     *memory.Store
	notifier  *captureNotifier
	reconcile *reconcile.Queue
}

type flakyEnqueuer struct {
	Enqueuer
	mu   sync.Mutex
	fail bool
}

func (e *flakyEnqueuer) Enqueue(ctx context.Context, jobType models.JobType, payload interface{}, opts jobs.Options) (*models.Job, error) {
	e.mu.Lock()
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return nil, errors.New("queue unavailable")
	}
	return e.Enqueuer.Enqueue(ctx, jobType, payload, opts)
}

func (e *flakyEnqueuer) setFail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	st := memory.New()
	st.PutToken(models.Token{
		ID:              "tok-1",
		Symbol:          "BLDG",
		ContractAddress: "0xcontract",
		TreasuryAddress: "0xtreasury",
		Decimals:        2,
		PricePerUnit:    decimal.NewFromInt(100),
		Currency:        "INR",
	})
	st.PutUser(memory.User{ID: "user-1", KYC: models.KYCApproved, Category: models.CategoryRetail, Role: models.RoleInvestor})

	trail := audit.NewTrail(st, logger)
	gate := compliance.NewGate(st, st, compliance.Ceilings{
		models.CategoryRetail: decimal.NewFromInt(5000),
	}, trail, metrics.Nop{}, logger)
	queue := jobs.NewQueue(st, jobs.Config{MaxAttempts: 3, Backoff: jobs.Backoff{Base: time.Second, Multiplier: 2, Max: time.Minute}}, nil, metrics.Nop{}, logger)
	notifier := &captureNotifier{}
	rq := reconcile.NewQueue(st, trail, logger)

	ledger := NewLedger(Deps{
		Store:     st,
		Tokens:    st,
		Gate:      gate,
		Queue:     queue,
		Reconcile: rq,
		Audit:     trail,
		Notifier:  notifier,
		Metrics:   metrics.Nop{},
		Logger:    logger,
	}, Config{
		FeeRate:     decimal.RequireFromString("0.01"),
		NetworkFee:  decimal.NewFromInt(5),
		OrderTTL:    15 * time.Minute,
		Currency:    "INR",
		MaxAttempts: 3,
	})
	return &fixture{ledger: ledger, store: st, notifier: notifier, reconcile: rq}
}

func buyInput() CreateOrderInput {
	return CreateOrderInput{
		UserID:        "user-1",
		TokenID:       "tok-1",
		Side:          models.SideBuy,
		Quantity:      decimal.NewFromInt(10),
		WalletAddress: "0xinvestor",
	}
}

func committed(t *testing.T, f *fixture) decimal.Decimal {
	t.Helper()
	c, err := f.store.CommittedInvestment(context.Background(), "user-1")
	require.NoError(t, err)
	return c
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("should price and persist a pending buy", func(t *testing.T) {
		f := newFixture(t)

		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)

		assert.Equal(t, models.OrderPending, order.Status)
		assert.True(t, order.Total.Equal(decimal.NewFromInt(1000)), order.Total.String())
		assert.True(t, order.Fee.Equal(decimal.NewFromInt(10)), order.Fee.String())
		assert.True(t, order.NetworkFee.Equal(decimal.NewFromInt(5)))
		assert.True(t, order.Net.Equal(decimal.NewFromInt(1015)), order.Net.String())
		assert.Equal(t, 15*time.Minute, order.ExpiresAt.Sub(order.CreatedAt))
		assert.True(t, committed(t, f).Equal(decimal.NewFromInt(1015)))

		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderPending, stored.Status)
		assert.Empty(t, f.store.Jobs())
	})

	t.Run("should persist a denied order as failed", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetCommitted("user-1", decimal.NewFromInt(4500))

		order, err := f.ledger.CreateOrder(ctx, buyInput())
		var denial *ComplianceError
		require.ErrorAs(t, err, &denial)
		assert.False(t, denial.Decision.Allowed)
		assert.Equal(t, compliance.ReasonLimitExceeded, denial.Decision.Reason)
		assert.True(t, denial.Decision.RemainingLimit.Equal(decimal.NewFromInt(500)))

		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderFailed, stored.Status)
		assert.Equal(t, compliance.ReasonLimitExceeded, stored.FailureReason)
		assert.Empty(t, f.store.Jobs())
		assert.True(t, committed(t, f).Equal(decimal.NewFromInt(4500)))
	})

	t.Run("should deny users without approved KYC", func(t *testing.T) {
		f := newFixture(t)
		f.store.PutUser(memory.User{ID: "user-1", KYC: models.KYCPending, Category: models.CategoryRetail})

		_, err := f.ledger.CreateOrder(ctx, buyInput())
		var denial *ComplianceError
		require.ErrorAs(t, err, &denial)
		assert.Equal(t, compliance.ReasonKYCPending, denial.Decision.Reason)
	})

	t.Run("should reject invalid input", func(t *testing.T) {
		f := newFixture(t)
		cases := map[string]func(in *CreateOrderInput){
			"zero quantity":    func(in *CreateOrderInput) { in.Quantity = decimal.Zero },
			"negative price":   func(in *CreateOrderInput) { in.UnitPrice = decimal.NewFromInt(-1) },
			"stale price":      func(in *CreateOrderInput) { in.UnitPrice = decimal.NewFromInt(99) },
			"unknown token":    func(in *CreateOrderInput) { in.TokenID = "tok-x" },
			"bad side":         func(in *CreateOrderInput) { in.Side = "short" },
			"fine quantity":    func(in *CreateOrderInput) { in.Quantity = decimal.RequireFromString("0.001") },
			"missing wallet":   func(in *CreateOrderInput) { in.WalletAddress = "" },
			"buy from balance": func(in *CreateOrderInput) { in.PaymentMethod = models.PaymentTokenBalance },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				in := buyInput()
				mutate(&in)
				_, err := f.ledger.CreateOrder(ctx, in)
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
			})
		}
		assert.True(t, committed(t, f).IsZero())
	})

	t.Run("should send token balance sells straight to execution", func(t *testing.T) {
		f := newFixture(t)
		in := buyInput()
		in.Side = models.SideSell
		in.PaymentMethod = models.PaymentTokenBalance

		order, err := f.ledger.CreateOrder(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, models.OrderExecuting, order.Status)
		assert.True(t, order.Net.Equal(decimal.NewFromInt(985)), order.Net.String())
		assert.True(t, committed(t, f).IsZero())

		all := f.store.Jobs()
		require.Len(t, all, 1)
		assert.Equal(t, TransferDedupeKey(order.ID), all[0].DedupeKey)
		assert.Contains(t, string(all[0].Payload), `"from_address":"0xinvestor"`)
		assert.Contains(t, string(all[0].Payload), `"to_address":"0xtreasury"`)
		assert.Contains(t, string(all[0].Payload), `"amount":"1000"`)
	})

	t.Run("should not let concurrent orders overrun the ceiling", func(t *testing.T) {
		f := newFixture(t)
		in := buyInput()
		in.Quantity = decimal.NewFromInt(30)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.ledger.CreateOrder(ctx, in); err == nil {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, allowed)
		assert.True(t, committed(t, f).LessThanOrEqual(decimal.NewFromInt(5000)))
	})
}

func TestPaymentFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("should confirm once and enqueue one transfer", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)

		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		require.NoError(t, err)

		first, err := f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderPaymentConfirmed, first.Status)

		second, err := f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderPaymentConfirmed, second.Status)

		all := f.store.Jobs()
		require.Len(t, all, 1)
		assert.Equal(t, models.JobTypeTransfer, all[0].Type)
		assert.Contains(t, string(all[0].Payload), `"to_address":"0xinvestor"`)

		confirmations := 0
		entries, err := f.store.ListAudit(ctx, order.ID)
		require.NoError(t, err)
		for _, e := range entries {
			if e.Action == audit.ActionOrderTransit && string(e.Details) == `{"from":"payment_pending","to":"payment_confirmed"}` {
				confirmations++
			}
		}
		assert.Equal(t, 1, confirmations)
		assert.Contains(t, f.notifier.events(), "order.payment_confirmed")
	})

	t.Run("should confirm exactly once under concurrent deliveries", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)
		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
			}()
		}
		wg.Wait()

		assert.Len(t, f.store.Jobs(), 1)
		count := 0
		for _, e := range f.notifier.events() {
			if e == "order.payment_confirmed" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("should refuse to confirm a failed order", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)
		_, err = f.ledger.FailOrder(ctx, order.ID, models.ReasonPaymentFailed, "card declined")
		require.NoError(t, err)

		_, err = f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		assert.ErrorIs(t, err, ErrOrderFailed)
		assert.Empty(t, f.store.Jobs())
	})

	t.Run("should refuse payment on an expired order", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)

		f.ledger.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		assert.ErrorIs(t, err, ErrOrderExpired)
	})
}

func TestExecution(t *testing.T) {
	ctx := context.Background()

	confirmed := func(t *testing.T, f *fixture) *models.Order {
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)
		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		require.NoError(t, err)
		_, err = f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.NoError(t, err)
		return order
	}

	t.Run("should complete an executing order", func(t *testing.T) {
		f := newFixture(t)
		order := confirmed(t, f)

		_, err := f.ledger.BeginExecution(ctx, order.ID)
		require.NoError(t, err)
		_, err = f.ledger.BeginExecution(ctx, order.ID)
		require.NoError(t, err)

		done, err := f.ledger.CompleteOrder(ctx, order.ID, "0xhash")
		require.NoError(t, err)
		assert.Equal(t, models.OrderCompleted, done.Status)
		assert.Equal(t, "0xhash", done.TxHash)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, committed(t, f).Equal(decimal.NewFromInt(1015)))

		again, err := f.ledger.CompleteOrder(ctx, order.ID, "0xhash")
		require.NoError(t, err)
		assert.Equal(t, models.OrderCompleted, again.Status)
	})

	t.Run("should reject edges outside the graph", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)

		_, err = f.ledger.BeginExecution(ctx, order.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = f.ledger.CompleteOrder(ctx, order.ID, "0xhash")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw")
		require.NoError(t, err)
		_, err = f.ledger.ConfirmPayment(ctx, order.ID, "pay")
		require.NoError(t, err)
		_, err = f.ledger.BeginExecution(ctx, order.ID)
		require.NoError(t, err)

		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should fail once and release the reservation once", func(t *testing.T) {
		f := newFixture(t)
		order := confirmed(t, f)
		_, err := f.ledger.BeginExecution(ctx, order.ID)
		require.NoError(t, err)

		failed, err := f.ledger.FailOrder(ctx, order.ID, models.ReasonTransferFailed, "relayer down")
		require.NoError(t, err)
		assert.Equal(t, models.OrderFailed, failed.Status)
		assert.True(t, committed(t, f).IsZero())

		f.store.SetCommitted("user-1", decimal.NewFromInt(100))
		_, err = f.ledger.FailOrder(ctx, order.ID, models.ReasonTransferFailed, "relayer down")
		require.NoError(t, err)
		assert.True(t, committed(t, f).Equal(decimal.NewFromInt(100)))

		_, err = f.ledger.CompleteOrder(ctx, order.ID, "0xhash")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("should only fail unpaid orders through FailUnpaid", func(t *testing.T) {
		f := newFixture(t)
		order := confirmed(t, f)

		_, err := f.ledger.FailUnpaid(ctx, order.ID, models.ReasonPaymentFailed, "late failure")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderPaymentConfirmed, stored.Status)
	})
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()

	t.Run("should expire exactly once under concurrent sweeps", func(t *testing.T) {
		f := newFixture(t)
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)
		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		require.NoError(t, err)

		f.ledger.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := f.ledger.ExpireStale(ctx, 100)
				if err == nil {
					mu.Lock()
					total += n
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, total)
		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderFailed, stored.Status)
		assert.Equal(t, models.ReasonExpired, stored.FailureReason)
		assert.True(t, committed(t, f).IsZero())
	})

	t.Run("should leave fresh and paid orders alone", func(t *testing.T) {
		f := newFixture(t)
		fresh, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)

		n, err := f.ledger.ExpireStale(ctx, 100)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = f.ledger.MarkPaymentPending(ctx, fresh.ID, "gw")
		require.NoError(t, err)
		_, err = f.ledger.ConfirmPayment(ctx, fresh.ID, "pay")
		require.NoError(t, err)

		f.ledger.now = func() time.Time { return time.Now().Add(time.Hour) }
		n, err = f.ledger.ExpireStale(ctx, 100)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.CreateOrder(ctx, buyInput())
	require.NoError(t, err)

	orders, err := f.ledger.List(ctx, store.OrderFilter{UserID: "user-1", Status: models.OrderPending})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	_, err = f.ledger.List(ctx, store.OrderFilter{UserID: "user-1", Status: "bogus"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = f.ledger.GetForUser(ctx, orders[0].ID, "someone-else")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestRecoverStalled(t *testing.T) {
	ctx := context.Background()
	later := func() time.Time { return time.Now().Add(time.Hour) }

	paid := func(t *testing.T, f *fixture) *models.Order {
		order, err := f.ledger.CreateOrder(ctx, buyInput())
		require.NoError(t, err)
		_, err = f.ledger.MarkPaymentPending(ctx, order.ID, "gw_order_1")
		require.NoError(t, err)
		return order
	}

	t.Run("should enqueue the transfer a failed enqueue left out", func(t *testing.T) {
		f := newFixture(t)
		flaky := &flakyEnqueuer{Enqueuer: f.ledger.queue, fail: true}
		f.ledger.queue = flaky
		order := paid(t, f)

		_, err := f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.Error(t, err)
		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, models.OrderPaymentConfirmed, stored.Status)
		require.Empty(t, f.store.Jobs())

		flaky.setFail(false)
		n, err := f.ledger.RecoverStalled(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n, "orders inside the stall window are left alone")

		f.ledger.now = later
		n, err = f.ledger.RecoverStalled(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		all := f.store.Jobs()
		require.Len(t, all, 1)
		assert.Equal(t, TransferDedupeKey(order.ID), all[0].DedupeKey)
		assert.Equal(t, models.JobQueued, all[0].Status)

		n, err = f.ledger.RecoverStalled(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, f.store.Jobs(), 1)
	})

	t.Run("should flag an order whose transfer job gave up", func(t *testing.T) {
		f := newFixture(t)
		order := paid(t, f)
		_, err := f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.NoError(t, err)
		_, err = f.ledger.BeginExecution(ctx, order.ID)
		require.NoError(t, err)

		all := f.store.Jobs()
		require.Len(t, all, 1)
		next := time.Now()
		ok, err := f.store.TransitionJob(ctx, all[0].ID, models.JobQueued, models.JobUpdate{
			Status:       models.JobFailed,
			ScheduledAt:  &next,
			ErrorMessage: "claim lease expired",
			UpdatedAt:    next,
		})
		require.NoError(t, err)
		require.True(t, ok)

		f.ledger.now = later
		for i := 0; i < 2; i++ {
			n, err := f.ledger.RecoverStalled(ctx, 10)
			require.NoError(t, err)
			assert.Zero(t, n)
		}

		items, err := f.reconcile.List(ctx, models.ReconciliationOpen)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, order.ID, items[0].OrderID)
		assert.Equal(t, reconcile.KindStalledTransfer, items[0].Kind)
		assert.Contains(t, items[0].Detail, "claim lease expired")

		stored, err := f.ledger.Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderExecuting, stored.Status)
	})

	t.Run("should leave orders with a live job to the queue", func(t *testing.T) {
		f := newFixture(t)
		order := paid(t, f)
		_, err := f.ledger.ConfirmPayment(ctx, order.ID, "pay_1")
		require.NoError(t, err)

		f.ledger.now = later
		n, err := f.ledger.RecoverStalled(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n)

		items, err := f.reconcile.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestRunSweeps(t *testing.T) {
	f := newFixture(t)
	order, err := f.ledger.CreateOrder(context.Background(), buyInput())
	require.NoError(t, err)
	f.ledger.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.ledger.RunSweeps(ctx, 10*time.Millisecond, 10)
		close(done)
	}()

	require.Eventually(t, func() bool {
		o, err := f.store.GetOrder(context.Background(), order.ID)
		return err == nil && o.Status == models.OrderFailed
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	stored, err := f.ledger.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonExpired, stored.FailureReason)
}
