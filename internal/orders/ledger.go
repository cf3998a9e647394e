// Package orders is the order ledger: the authoritative order record and
// the only writer of order status. Every transition is a compare-and-swap
// on the current status, so concurrent callers (webhooks, workers, the
// expiry sweep) settle races in the store rather than in memory.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/compliance"
	"github.com/terminal-bench/tokensettle/internal/jobs"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/notify"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/pkg/messaging"
	"github.com/terminal-bench/tokensettle/pkg/money"
	"go.uber.org/zap"
)

// casRetries bounds re-reads after losing a status race
const casRetries = 5

const defaultStallAfter = 10 * time.Minute

// Store is the persistence the ledger needs
type Store interface {
	store.OrderStore
	store.LimitStore
	ListJobsByDedupeKey(ctx context.Context, key string) ([]*models.Job, error)
}

// Flagger hands an order to an operator
type Flagger interface {
	Flag(ctx context.Context, orderID, kind, detail string) *models.ReconciliationItem
}

// TokenSource resolves registry tokens
type TokenSource interface {
	GetToken(ctx context.Context, tokenID string) (*models.Token, error)
}

// Gate evaluates compliance for a new order
type Gate interface {
	Evaluate(ctx context.Context, userID string, amount decimal.Decimal, side models.Side) compliance.Decision
}

// Enqueuer schedules settlement jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType models.JobType, payload interface{}, opts jobs.Options) (*models.Job, error)
}

// Config holds pricing and expiry settings
type Config struct {
	FeeRate     decimal.Decimal
	NetworkFee  decimal.Decimal
	OrderTTL    time.Duration
	Currency    string
	MaxAttempts int
	// StallAfter is how long a paid order may go without an update before
	// RecoverStalled looks at it
	StallAfter time.Duration
}

// Ledger owns order state
type Ledger struct {
	store    Store
	tokens   TokenSource
	gate     Gate
	queue    Enqueuer
	flagger  Flagger
	audit    *audit.Trail
	notifier notify.Notifier
	pub      messaging.Publisher
	metrics  metrics.Recorder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// Deps groups the ledger's collaborators
type Deps struct {
	Store    Store
	Tokens   TokenSource
	Gate     Gate
	Queue    Enqueuer
	// Reconcile receives paid orders the recovery sweep cannot move
	Reconcile Flagger
	Audit     *audit.Trail
	Notifier  notify.Notifier
	// Publisher may be nil
	Publisher messaging.Publisher
	Metrics   metrics.Recorder
	Logger    *zap.Logger
}

// NewLedger creates an order ledger
func NewLedger(d Deps, cfg Config) *Ledger {
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = defaultStallAfter
	}
	return &Ledger{
		store:    d.Store,
		tokens:   d.Tokens,
		gate:     d.Gate,
		queue:    d.Queue,
		flagger:  d.Reconcile,
		audit:    d.Audit,
		notifier: d.Notifier,
		pub:      d.Publisher,
		metrics:  d.Metrics,
		cfg:      cfg,
		logger:   d.Logger.Named("ledger"),
		now:      time.Now,
	}
}

// CreateOrderInput is a validated-on-entry trade intent
type CreateOrderInput struct {
	UserID   string
	TokenID  string
	Side     models.Side
	Quantity decimal.Decimal
	// UnitPrice, when set, must match the registry price
	UnitPrice     decimal.Decimal
	PaymentMethod models.PaymentMethod
	WalletAddress string
}

func (in *CreateOrderInput) validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if strings.TrimSpace(in.TokenID) == "" {
		return &ValidationError{Field: "token_id", Message: "required"}
	}
	if !in.Side.Valid() {
		return &ValidationError{Field: "side", Message: "must be buy or sell"}
	}
	if !in.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if in.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unit_price", Message: "must be positive"}
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = models.PaymentGateway
	}
	if !in.PaymentMethod.Valid() {
		return &ValidationError{Field: "payment_method", Message: "unsupported"}
	}
	if in.Side == models.SideBuy && in.PaymentMethod != models.PaymentGateway {
		return &ValidationError{Field: "payment_method", Message: "buy orders settle through the payment gateway"}
	}
	if strings.TrimSpace(in.WalletAddress) == "" {
		return &ValidationError{Field: "wallet_address", Message: "required"}
	}
	return nil
}

// CreateOrder prices the intent, runs the compliance gate and persists the
// order in pending. A denied order is persisted as failed and returned
// together with a *ComplianceError.
func (l *Ledger) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	token, err := l.tokens.GetToken(ctx, in.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ValidationError{Field: "token_id", Message: "unknown token"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if !token.PricePerUnit.IsPositive() {
		return nil, &ValidationError{Field: "unit_price", Message: "token has no price"}
	}
	if !in.UnitPrice.IsZero() && !in.UnitPrice.Equal(token.PricePerUnit) {
		return nil, &ValidationError{Field: "unit_price", Message: "price changed, refresh and retry"}
	}
	if _, err := money.ToBaseUnits(in.Quantity, token.Decimals); err != nil {
		return nil, &ValidationError{Field: "quantity", Message: err.Error()}
	}

	now := l.now().UTC()
	order := &models.Order{
		ID:            uuid.New().String(),
		UserID:        in.UserID,
		TokenID:       token.ID,
		Side:          in.Side,
		Quantity:      in.Quantity,
		UnitPrice:     token.PricePerUnit,
		Currency:      l.currency(token),
		PaymentMethod: in.PaymentMethod,
		WalletAddress: in.WalletAddress,
		Status:        models.OrderPending,
		ExpiresAt:     now.Add(l.cfg.OrderTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.price(order)
	if !order.Net.IsPositive() {
		return nil, &ValidationError{Field: "quantity", Message: "order value does not cover fees"}
	}

	amount := order.Net
	if order.Side == models.SideSell {
		amount = order.Total
	}
	decision := l.gate.Evaluate(ctx, order.UserID, amount, order.Side)

	if decision.Allowed && order.Side == models.SideBuy && !decision.Bypass {
		reserved, err := l.store.ReserveInvestment(ctx, order.UserID, order.Net, decision.Ceiling)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve investment: %w", err)
		}
		if reserved {
			order.ReservedAmount = order.Net
		} else {
			// a concurrent order consumed the headroom after the gate read it
			decision = compliance.Decision{Allowed: false, Reason: compliance.ReasonLimitExceeded, RemainingLimit: decimal.Zero}
		}
	}

	if err := l.store.CreateOrder(ctx, order); err != nil {
		l.release(ctx, order)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	l.audit.Record(ctx, audit.Entry{
		Actor:        order.UserID,
		Action:       audit.ActionOrderCreated,
		ResourceType: "order",
		ResourceID:   order.ID,
		Details: map[string]interface{}{
			"side":     string(order.Side),
			"token_id": order.TokenID,
			"quantity": order.Quantity.String(),
			"net":      order.Net.String(),
			"allowed":  decision.Allowed,
			"reason":   decision.Reason,
		},
	})
	l.publish(ctx, order, "")

	if !decision.Allowed {
		if _, err := l.transition(ctx, order, models.OrderPending, models.OrderUpdate{
			Status:        models.OrderFailed,
			FailureReason: decision.Reason,
			ErrorMessage:  "compliance check failed",
		}); err != nil {
			return nil, err
		}
		return order, &ComplianceError{OrderID: order.ID, Decision: decision}
	}

	if order.Side == models.SideSell && order.PaymentMethod == models.PaymentTokenBalance {
		ok, err := l.transition(ctx, order, models.OrderPending, models.OrderUpdate{Status: models.OrderExecuting})
		if err != nil {
			return nil, err
		}
		if ok {
			if err := l.enqueueTransfer(ctx, order, token); err != nil {
				return order, err
			}
		}
	}

	return order, nil
}

// price fills total, fee, network fee and net on o
func (l *Ledger) price(o *models.Order) {
	o.Total = money.Round(o.Quantity.Mul(o.UnitPrice))
	o.Fee = money.Percent(o.Total, l.cfg.FeeRate)
	o.NetworkFee = money.Round(l.cfg.NetworkFee)
	if o.Side == models.SideBuy {
		o.Net = o.Total.Add(o.Fee).Add(o.NetworkFee)
	} else {
		o.Net = o.Total.Sub(o.Fee).Sub(o.NetworkFee)
	}
}

func (l *Ledger) currency(t *models.Token) string {
	if t.Currency != "" {
		return t.Currency
	}
	return l.cfg.Currency
}

// MarkPaymentPending records that a payment intent exists for the order
func (l *Ledger) MarkPaymentPending(ctx context.Context, orderID, gatewayOrderID string) (*models.Order, error) {
	for i := 0; i < casRetries; i++ {
		order, err := l.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case models.OrderPaymentPending:
			return order, nil
		case models.OrderPending:
		default:
			return order, invalidTransition(orderID, order.Status, models.OrderPaymentPending)
		}
		if l.now().After(order.ExpiresAt) {
			return order, ErrOrderExpired
		}

		ok, err := l.transition(ctx, order, models.OrderPending, models.OrderUpdate{Status: models.OrderPaymentPending})
		if err != nil {
			return nil, err
		}
		if ok {
			l.logger.Info("payment pending",
				zap.String("order_id", orderID),
				zap.String("gateway_order_id", gatewayOrderID))
			return order, nil
		}
	}
	return nil, fmt.Errorf("order %s: too much contention", orderID)
}

// ConfirmPayment moves a paid order to payment_confirmed and enqueues its
// transfer. Confirming an order that is already paid is a no-op success;
// the transfer job is deduplicated per order so a replay never adds one.
func (l *Ledger) ConfirmPayment(ctx context.Context, orderID, gatewayPaymentID string) (*models.Order, error) {
	for i := 0; i < casRetries; i++ {
		order, err := l.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}

		switch {
		case order.Status.PaidOrLater():
			// an earlier delivery may have crashed between transition and enqueue
			if order.Status != models.OrderCompleted {
				if err := l.enqueueTransfer(ctx, order, nil); err != nil {
					return order, err
				}
			}
			return order, nil
		case order.Status == models.OrderFailed:
			return order, ErrOrderFailed
		case order.Status == models.OrderPending:
			if _, err := l.transition(ctx, order, models.OrderPending, models.OrderUpdate{Status: models.OrderPaymentPending}); err != nil {
				return nil, err
			}
			continue
		}

		ok, err := l.transition(ctx, order, models.OrderPaymentPending, models.OrderUpdate{Status: models.OrderPaymentConfirmed})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		l.logger.Info("payment confirmed",
			zap.String("order_id", orderID),
			zap.String("gateway_payment_id", gatewayPaymentID))
		if err := l.enqueueTransfer(ctx, order, nil); err != nil {
			return order, err
		}
		return order, nil
	}
	return nil, fmt.Errorf("order %s: too much contention", orderID)
}

// BeginExecution marks a confirmed order as executing. Already executing is fine.
func (l *Ledger) BeginExecution(ctx context.Context, orderID string) (*models.Order, error) {
	for i := 0; i < casRetries; i++ {
		order, err := l.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		switch order.Status {
		case models.OrderExecuting:
			return order, nil
		case models.OrderPaymentConfirmed:
		default:
			return order, invalidTransition(orderID, order.Status, models.OrderExecuting)
		}

		ok, err := l.transition(ctx, order, models.OrderPaymentConfirmed, models.OrderUpdate{Status: models.OrderExecuting})
		if err != nil {
			return nil, err
		}
		if ok {
			return order, nil
		}
	}
	return nil, fmt.Errorf("order %s: too much contention", orderID)
}

// CompleteOrder finishes an executing order with its transaction hash
func (l *Ledger) CompleteOrder(ctx context.Context, orderID, txHash string) (*models.Order, error) {
	order, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderCompleted {
		return order, nil
	}
	if order.Status != models.OrderExecuting {
		return order, invalidTransition(orderID, order.Status, models.OrderCompleted)
	}

	completedAt := l.now().UTC()
	ok, err := l.transition(ctx, order, models.OrderExecuting, models.OrderUpdate{
		Status:      models.OrderCompleted,
		TxHash:      txHash,
		CompletedAt: &completedAt,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := l.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.OrderCompleted {
			return current, nil
		}
		return current, invalidTransition(orderID, current.Status, models.OrderCompleted)
	}
	return order, nil
}

// FailOrder fails the order from any non-terminal state. Failing a failed
// order is a no-op.
func (l *Ledger) FailOrder(ctx context.Context, orderID, reason, message string) (*models.Order, error) {
	return l.fail(ctx, orderID, reason, message, nil)
}

// FailUnpaid fails the order only while its payment is outstanding
func (l *Ledger) FailUnpaid(ctx context.Context, orderID, reason, message string) (*models.Order, error) {
	return l.fail(ctx, orderID, reason, message, []models.OrderStatus{models.OrderPending, models.OrderPaymentPending})
}

func (l *Ledger) fail(ctx context.Context, orderID, reason, message string, allowed []models.OrderStatus) (*models.Order, error) {
	for i := 0; i < casRetries; i++ {
		order, err := l.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == models.OrderFailed {
			return order, nil
		}
		if order.Status.IsTerminal() || (allowed != nil && !containsStatus(allowed, order.Status)) {
			return order, invalidTransition(orderID, order.Status, models.OrderFailed)
		}

		ok, err := l.transition(ctx, order, order.Status, models.OrderUpdate{
			Status:        models.OrderFailed,
			FailureReason: reason,
			ErrorMessage:  message,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return order, nil
		}
	}
	return nil, fmt.Errorf("order %s: too much contention", orderID)
}

// ExpireStale fails pending and payment_pending orders past their expiry.
// It is safe to run concurrently with itself and with normal transitions.
func (l *Ledger) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := l.now().UTC()
	stale, err := l.store.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expirable orders: %w", err)
	}

	expired := 0
	for _, order := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := l.transition(ctx, order, order.Status, models.OrderUpdate{
			Status:        models.OrderFailed,
			FailureReason: models.ReasonExpired,
			ErrorMessage:  "payment window elapsed",
		})
		if err != nil {
			l.logger.Error("failed to expire order", zap.String("order_id", order.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		l.logger.Info("expired stale orders", zap.Int("count", expired))
	}
	return expired, nil
}

// RecoverStalled looks at paid orders that have not moved for StallAfter.
// An order with no transfer job gets one; an order whose job ended without
// settling it is flagged for an operator. Orders whose job is still live are
// left to the queue. It returns how many transfers were enqueued.
func (l *Ledger) RecoverStalled(ctx context.Context, limit int) (int, error) {
	cutoff := l.now().UTC().Add(-l.cfg.StallAfter)
	stalled, err := l.store.ListStalled(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled orders: %w", err)
	}

	enqueued := 0
	for _, order := range stalled {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		log := l.logger.With(zap.String("order_id", order.ID), zap.String("status", string(order.Status)))

		found, err := l.store.ListJobsByDedupeKey(ctx, TransferDedupeKey(order.ID))
		if err != nil {
			log.Error("failed to look up transfer job", zap.Error(err))
			continue
		}
		if len(found) == 0 {
			if err := l.enqueueTransfer(ctx, order, nil); err != nil {
				log.Error("failed to enqueue transfer for stalled order", zap.Error(err))
				continue
			}
			log.Warn("enqueued missing transfer for stalled order")
			enqueued++
			continue
		}

		job := found[0]
		if !job.Status.IsTerminal() {
			continue
		}
		l.flagger.Flag(ctx, order.ID, reconcile.KindStalledTransfer,
			fmt.Sprintf("order %s but transfer job %s is %s: %s", order.Status, job.ID, job.Status, job.ErrorMessage))
	}
	return enqueued, nil
}

// Get loads an order
func (l *Ledger) Get(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetForUser loads an order owned by userID
func (l *Ledger) GetForUser(ctx context.Context, orderID, userID string) (*models.Order, error) {
	order, err := l.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// List returns a user's orders, newest first
func (l *Ledger) List(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status"}
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	orders, err := l.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func (l *Ledger) enqueueTransfer(ctx context.Context, order *models.Order, token *models.Token) error {
	if token == nil {
		var err error
		token, err = l.tokens.GetToken(ctx, order.TokenID)
		if err != nil {
			return fmt.Errorf("failed to get token for transfer: %w", err)
		}
	}
	amount, err := money.ToBaseUnits(order.Quantity, token.Decimals)
	if err != nil {
		return fmt.Errorf("failed to scale transfer amount: %w", err)
	}

	payload := models.TransferPayload{
		OrderID:       order.ID,
		FromAddress:   token.TreasuryAddress,
		ToAddress:     order.WalletAddress,
		Amount:        amount,
		TokenContract: token.ContractAddress,
		Decimals:      token.Decimals,
	}
	if order.Side == models.SideSell {
		payload.FromAddress, payload.ToAddress = order.WalletAddress, token.TreasuryAddress
	}

	job, err := l.queue.Enqueue(ctx, models.JobTypeTransfer, payload, jobs.Options{
		MaxAttempts: l.cfg.MaxAttempts,
		DedupeKey:   TransferDedupeKey(order.ID),
	})
	if err != nil {
		l.logger.Error("failed to enqueue transfer", zap.String("order_id", order.ID), zap.Error(err))
		return fmt.Errorf("failed to enqueue transfer: %w", err)
	}
	l.logger.Debug("transfer enqueued", zap.String("order_id", order.ID), zap.String("job_id", job.ID))
	return nil
}

// TransferDedupeKey is the one-job-per-order key for transfer jobs
func TransferDedupeKey(orderID string) string {
	return "transfer:" + orderID
}

func containsStatus(list []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
