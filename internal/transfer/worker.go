// Package transfer executes queued token transfers and settles the order
// with whatever the chain reports.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/chain"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/orders"
	"github.com/terminal-bench/tokensettle/internal/reconcile"
	"github.com/terminal-bench/tokensettle/internal/store"
	"github.com/terminal-bench/tokensettle/pkg/circuit"
	"go.uber.org/zap"
)

// Queue is the part of the job queue a worker consumes
type Queue interface {
	DequeueNext(ctx context.Context, types ...models.JobType) (*models.Job, error)
	MarkCompleted(ctx context.Context, job *models.Job) error
	MarkFailed(ctx context.Context, jobID string, cause error, retry bool) (models.JobStatus, error)
	Postpone(ctx context.Context, jobID string, delay time.Duration, cause error) error
	Wake() <-chan struct{}
}

// Ledger is the part of the order ledger a worker drives
type Ledger interface {
	BeginExecution(ctx context.Context, orderID string) (*models.Order, error)
	CompleteOrder(ctx context.Context, orderID, txHash string) (*models.Order, error)
	FailOrder(ctx context.Context, orderID, reason, message string) (*models.Order, error)
}

// Compensator gives back the fiat leg of an order that will not deliver
type Compensator interface {
	Compensate(ctx context.Context, orderID, reason string) error
}

// Flagger hands an order to an operator
type Flagger interface {
	Flag(ctx context.Context, orderID, kind, detail string) *models.ReconciliationItem
}

// minPostpone is the wait after a half-open breaker turned an attempt away
const minPostpone = time.Second

// BreakerConfig is the relayer breaker; permanent rejections do not count
// against it
func BreakerConfig() circuit.Config {
	return circuit.Config{
		Name:        "chain-relayer",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 1,
		IsFailure:   func(err error) bool { return !chain.IsPermanent(err) },
	}
}

// Worker processes transfer jobs one at a time
type Worker struct {
	queue          Queue
	ledger         Ledger
	txs            store.ChainTxStore
	chain          chain.Transferer
	breaker        *circuit.Breaker
	compensator    Compensator
	reconcile      Flagger
	audit          *audit.Trail
	attemptTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// Deps groups the worker's collaborators
type Deps struct {
	Queue       Queue
	Ledger      Ledger
	ChainTxs    store.ChainTxStore
	Chain       chain.Transferer
	Breaker     *circuit.Breaker
	Compensator Compensator
	Reconcile   Flagger
	Audit       *audit.Trail
	Logger      *zap.Logger
}

// NewWorker creates a transfer worker
func NewWorker(d Deps, attemptTimeout time.Duration) *Worker {
	breaker := d.Breaker
	if breaker == nil {
		breaker = circuit.NewBreaker(BreakerConfig())
	}
	return &Worker{
		queue:          d.Queue,
		ledger:         d.Ledger,
		txs:            d.ChainTxs,
		chain:          d.Chain,
		breaker:        breaker,
		compensator:    d.Compensator,
		reconcile:      d.Reconcile,
		audit:          d.Audit,
		attemptTimeout: attemptTimeout,
		logger:         d.Logger.Named("transfer"),
		now:            time.Now,
	}
}

// RunOnce claims and processes one transfer job. It reports false when no
// job was due.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.DequeueNext(ctx, models.JobTypeTransfer)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	// a claimed attempt runs to completion or its own timeout
	return true, w.Process(context.WithoutCancel(ctx), job)
}

// Process runs one attempt of a claimed job
func (w *Worker) Process(ctx context.Context, job *models.Job) error {
	var p models.TransferPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.OrderID == "" {
		w.logger.Error("dropping transfer job with bad payload", zap.String("job_id", job.ID), zap.Error(err))
		_, mErr := w.queue.MarkFailed(ctx, job.ID, fmt.Errorf("bad payload: %v", err), false)
		return mErr
	}
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("order_id", p.OrderID), zap.Int("attempt", job.Attempts))

	// a confirmed record means an earlier attempt moved the tokens
	existing, err := w.txs.GetChainTx(ctx, p.OrderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return w.retryLater(ctx, job, p.OrderID, fmt.Errorf("failed to read chain tx: %w", err))
	}
	if err == nil && existing.Status == models.ChainTxConfirmed {
		log.Info("transfer already confirmed, completing order", zap.String("tx_hash", existing.TxHash))
		return w.finish(ctx, job, p.OrderID, existing.TxHash)
	}

	order, err := w.ledger.BeginExecution(ctx, p.OrderID)
	if errors.Is(err, orders.ErrInvalidTransition) && order != nil {
		if order.Status == models.OrderCompleted {
			return w.queue.MarkCompleted(ctx, job)
		}
		log.Warn("order cannot execute, dropping transfer", zap.String("status", string(order.Status)))
		_, mErr := w.queue.MarkFailed(ctx, job.ID, err, false)
		return mErr
	}
	if err != nil {
		return w.retryLater(ctx, job, p.OrderID, err)
	}

	now := w.now().UTC()
	if err := w.txs.RecordAttempt(ctx, &models.ChainTx{
		OrderID:       p.OrderID,
		FromAddress:   p.FromAddress,
		ToAddress:     p.ToAddress,
		TokenContract: p.TokenContract,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return w.retryLater(ctx, job, p.OrderID, fmt.Errorf("failed to record attempt: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
	var txHash string
	err = w.breaker.Execute(attemptCtx, func() error {
		var callErr error
		txHash, callErr = w.chain.Transfer(attemptCtx, chain.TransferRequest{
			From:           p.FromAddress,
			To:             p.ToAddress,
			Amount:         p.Amount,
			Contract:       p.TokenContract,
			IdempotencyKey: p.OrderID,
		})
		return callErr
	})
	cancel()

	if errors.Is(err, circuit.ErrCircuitOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
		return w.postpone(ctx, job, p.OrderID, err)
	}

	w.audit.Record(ctx, audit.Entry{
		Actor:        audit.System,
		Action:       audit.ActionTransfer,
		ResourceType: "order",
		ResourceID:   p.OrderID,
		Severity:     attemptSeverity(err),
		Details: map[string]interface{}{
			"job_id":   job.ID,
			"attempt":  job.Attempts,
			"tx_hash":  txHash,
			"error":    errString(err),
			"to":       p.ToAddress,
			"amount":   p.Amount,
			"contract": p.TokenContract,
		},
	})

	if err != nil {
		return w.attemptFailed(ctx, job, order, err)
	}

	if _, err := w.txs.ConfirmChainTx(ctx, p.OrderID, txHash, w.now().UTC()); err != nil {
		// the tokens moved; keep the job alive so the record catches up
		log.Error("failed to confirm chain tx", zap.String("tx_hash", txHash), zap.Error(err))
		return w.retryLater(ctx, job, p.OrderID, err)
	}
	log.Info("transfer confirmed", zap.String("tx_hash", txHash))
	return w.finish(ctx, job, p.OrderID, txHash)
}

func (w *Worker) finish(ctx context.Context, job *models.Job, orderID, txHash string) error {
	_, err := w.ledger.CompleteOrder(ctx, orderID, txHash)
	if errors.Is(err, orders.ErrInvalidTransition) {
		w.logger.Error("tokens moved for an order that cannot complete",
			zap.String("order_id", orderID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		w.reconcile.Flag(ctx, orderID, reconcile.KindOrphanedTransfer,
			fmt.Sprintf("tx %s confirmed but order cannot complete: %v", txHash, err))
		_, mErr := w.queue.MarkFailed(ctx, job.ID, err, false)
		return mErr
	}
	if err != nil {
		return w.retryLater(ctx, job, orderID, err)
	}
	return w.queue.MarkCompleted(ctx, job)
}

// retryLater reschedules after an infrastructure error. A job that runs out
// of attempts here leaves the order as it is and flags it for an operator.
func (w *Worker) retryLater(ctx context.Context, job *models.Job, orderID string, cause error) error {
	status, err := w.queue.MarkFailed(ctx, job.ID, cause, true)
	if err != nil {
		return fmt.Errorf("%v (and failed to reschedule: %w)", cause, err)
	}
	if status == models.JobFailed {
		w.reconcile.Flag(ctx, orderID, reconcile.KindStalledTransfer,
			fmt.Sprintf("transfer job %s gave up after %d attempts: %v", job.ID, job.Attempts, cause))
	}
	return cause
}

// postpone returns a job turned away by the breaker to the queue without
// spending its attempt
func (w *Worker) postpone(ctx context.Context, job *models.Job, orderID string, cause error) error {
	delay := w.breaker.RetryAfter()
	if delay < minPostpone {
		delay = minPostpone
	}
	w.logger.Info("relayer breaker rejected transfer, postponing",
		zap.String("order_id", orderID),
		zap.String("job_id", job.ID),
		zap.Duration("delay", delay))
	if err := w.queue.Postpone(ctx, job.ID, delay, cause); err != nil {
		return fmt.Errorf("%v (and failed to postpone: %w)", cause, err)
	}
	return cause
}

// attemptFailed reschedules a transient failure. Once the job is out of
// attempts, or the chain rejected the transfer outright, the order fails
// and its payment is compensated.
func (w *Worker) attemptFailed(ctx context.Context, job *models.Job, order *models.Order, cause error) error {
	permanent := chain.IsPermanent(cause)
	status, err := w.queue.MarkFailed(ctx, job.ID, cause, !permanent)
	if err != nil {
		return fmt.Errorf("failed to record transfer failure: %w", err)
	}
	if status != models.JobFailed {
		w.logger.Warn("transfer attempt failed, will retry",
			zap.String("order_id", order.ID),
			zap.Int("attempt", job.Attempts),
			zap.Error(cause))
		return cause
	}

	reason := models.ReasonTransferFailed
	if permanent {
		reason = models.ReasonTransferInvalid
	}
	if err := w.txs.FailChainTx(ctx, order.ID, cause.Error(), w.now().UTC()); err != nil {
		w.logger.Error("failed to mark chain tx failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	if _, err := w.ledger.FailOrder(ctx, order.ID, reason, cause.Error()); err != nil {
		w.logger.Error("failed to fail order after transfer exhaustion", zap.String("order_id", order.ID), zap.Error(err))
		w.reconcile.Flag(ctx, order.ID, reconcile.KindStalledTransfer,
			fmt.Sprintf("transfer failed (%v) but the order could not be failed: %v", cause, err))
		return err
	}
	if err := w.compensator.Compensate(ctx, order.ID, reason); err != nil {
		// already queued for reconciliation by the compensator
		w.logger.Error("compensation incomplete", zap.String("order_id", order.ID), zap.Error(err))
	}
	return cause
}

func attemptSeverity(err error) models.Severity {
	if err != nil {
		return models.SeverityWarning
	}
	return models.SeverityInfo
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
