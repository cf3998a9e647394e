// Package postgres implements store.Store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed store.Store
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and verifies the connection
func Open(ctx context.Context, dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func affected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Orders

const orderColumns = `id, user_id, token_id, side, quantity, unit_price, total, fee, network_fee, net,
	currency, payment_method, wallet_address, status, reserved_amount, failure_reason, error_message,
	tx_hash, expires_at, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var completedAt sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &o.TokenID, &o.Side, &o.Quantity, &o.UnitPrice,
		&o.Total, &o.Fee, &o.NetworkFee, &o.Net, &o.Currency, &o.PaymentMethod,
		&o.WalletAddress, &o.Status, &o.ReservedAmount, &o.FailureReason, &o.ErrorMessage,
		&o.TxHash, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.UserID, o.TokenID, o.Side, o.Quantity, o.UnitPrice, o.Total, o.Fee,
		o.NetworkFee, o.Net, o.Currency, o.PaymentMethod, o.WalletAddress, o.Status,
		o.ReservedAmount, o.FailureReason, o.ErrorMessage, o.TxHash, o.ExpiresAt,
		o.CreatedAt, o.UpdatedAt, o.CompletedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		filter.UserID, string(filter.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from models.OrderStatus, upd models.OrderUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $3,
			failure_reason = COALESCE(NULLIF($4, ''), failure_reason),
			error_message = COALESCE(NULLIF($5, ''), error_message),
			tx_hash = COALESCE(NULLIF($6, ''), tx_hash),
			completed_at = COALESCE($7, completed_at),
			updated_at = $8
		 WHERE id = $1 AND status = $2`,
		id, from, upd.Status, upd.FailureReason, upd.ErrorMessage, upd.TxHash, upd.CompletedAt, upd.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update order: %w", err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}
	// zero rows: either a lost race or a missing order
	if _, err := s.GetOrder(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('pending', 'payment_pending') AND expires_at < $1
		 ORDER BY expires_at LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expirable orders: %w", err)
	}
	return scanOrders(rows)
}

func (s *Store) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status IN ('payment_confirmed', 'executing') AND updated_at < $1
		 ORDER BY updated_at LIMIT $2`,
		updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled orders: %w", err)
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*models.Order, error) {
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// Settlements

const settlementColumns = `id, order_id, gateway_order_id, gateway_payment_id, amount, amount_minor,
	currency, status, signature, webhook_payload, refund_id, refund_amount, created_at, updated_at`

func scanSettlement(row rowScanner) (*models.PaymentSettlement, error) {
	var ps models.PaymentSettlement
	var paymentID sql.NullString
	var payload []byte
	err := row.Scan(&ps.ID, &ps.OrderID, &ps.GatewayOrderID, &paymentID, &ps.Amount, &ps.AmountMinor,
		&ps.Currency, &ps.Status, &ps.Signature, &payload, &ps.RefundID, &ps.RefundAmount,
		&ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ps.GatewayPaymentID = paymentID.String
	if len(payload) > 0 {
		ps.WebhookPayload = json.RawMessage(payload)
	}
	return &ps, nil
}

func (s *Store) CreateSettlement(ctx context.Context, ps *models.PaymentSettlement) error {
	var payload interface{}
	if len(ps.WebhookPayload) > 0 {
		payload = string(ps.WebhookPayload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_settlements (`+settlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ps.ID, ps.OrderID, ps.GatewayOrderID, nullString(ps.GatewayPaymentID), ps.Amount, ps.AmountMinor,
		ps.Currency, ps.Status, ps.Signature, payload, ps.RefundID, ps.RefundAmount,
		ps.CreatedAt, ps.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (s *Store) GetSettlementByOrder(ctx context.Context, orderID string) (*models.PaymentSettlement, error) {
	ps, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM payment_settlements WHERE order_id = $1
		 ORDER BY (status IN ('pending', 'completed')) DESC, created_at DESC LIMIT 1`, orderID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return ps, nil
}

func (s *Store) GetSettlementByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentSettlement, error) {
	ps, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM payment_settlements WHERE gateway_order_id = $1`, gatewayOrderID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return ps, nil
}

func (s *Store) TransitionSettlement(ctx context.Context, id string, from models.SettlementStatus, upd models.SettlementUpdate) (bool, error) {
	var payload interface{}
	if len(upd.WebhookPayload) > 0 {
		payload = string(upd.WebhookPayload)
	}
	var refundAmount interface{}
	if upd.RefundAmount != nil {
		refundAmount = *upd.RefundAmount
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_settlements SET status = $3,
			gateway_payment_id = COALESCE($4, gateway_payment_id),
			signature = COALESCE(NULLIF($5, ''), signature),
			webhook_payload = COALESCE($6, webhook_payload),
			refund_id = COALESCE(NULLIF($7, ''), refund_id),
			refund_amount = COALESCE($8, refund_amount),
			updated_at = $9
		 WHERE id = $1 AND status = $2`,
		id, from, upd.Status, nullString(upd.GatewayPaymentID), upd.Signature, payload,
		upd.RefundID, refundAmount, upd.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return false, store.ErrDuplicate
	}
	if err != nil {
		return false, fmt.Errorf("failed to update settlement: %w", err)
	}
	return affected(res)
}

// Jobs

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts, dedupe_key,
	scheduled_at, error_message, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var dedupe sql.NullString
	var payload []byte
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&dedupe, &j.ScheduledAt, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.DedupeKey = dedupe.String
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO settlement_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		job.ID, job.Type, string(job.Payload), job.Status, job.Priority, job.Attempts, job.MaxAttempts,
		nullString(job.DedupeKey), job.ScheduledAt, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	if created {
		cp := *job
		return &cp, true, nil
	}

	existing, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs WHERE dedupe_key = $1`, job.DedupeKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load deduplicated job: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

func (s *Store) NextQueuedJob(ctx context.Context, types []models.JobType, now time.Time) (*models.Job, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs
		 WHERE status = 'queued' AND scheduled_at <= $1
		   AND (cardinality($2::text[]) = 0 OR type = ANY($2))
		 ORDER BY priority DESC, scheduled_at ASC
		 LIMIT 1`,
		now, pq.Array(names)))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job: %w", err)
	}
	return j, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_jobs SET status = 'processing', attempts = attempts + 1,
			scheduled_at = $3, updated_at = $2
		 WHERE id = $1 AND status = 'queued'`,
		id, now, leaseUntil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return affected(res)
}

func (s *Store) TransitionJob(ctx context.Context, id string, from models.JobStatus, upd models.JobUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_jobs SET status = $3,
			scheduled_at = COALESCE($4, scheduled_at),
			error_message = COALESCE(NULLIF($5, ''), error_message),
			updated_at = $6,
			attempts = COALESCE($7, attempts)
		 WHERE id = $1 AND status = $2`,
		id, from, upd.Status, upd.ScheduledAt, upd.ErrorMessage, upd.UpdatedAt, upd.Attempts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	return affected(res)
}

func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_jobs SET status = 'queued', updated_at = $1
		 WHERE status = 'retrying' AND scheduled_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to promote jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ReclaimExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlement_jobs SET
			status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
			error_message = $2, scheduled_at = $1, updated_at = $1
		 WHERE status = 'processing' AND scheduled_at <= $1`,
		now, store.LeaseExpiredMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ListJobsByDedupeKey(ctx context.Context, key string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM settlement_jobs WHERE dedupe_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Chain transactions

func (s *Store) GetChainTx(ctx context.Context, orderID string) (*models.ChainTx, error) {
	var tx models.ChainTx
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT order_id, tx_hash, status, attempts, last_error, from_address, to_address,
			token_contract, created_at, updated_at
		 FROM chain_transactions WHERE order_id = $1`, orderID,
	).Scan(&tx.OrderID, &hash, &tx.Status, &tx.Attempts, &tx.LastError, &tx.FromAddress,
		&tx.ToAddress, &tx.TokenContract, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain transaction: %w", err)
	}
	tx.TxHash = hash.String
	return &tx, nil
}

func (s *Store) RecordAttempt(ctx context.Context, tx *models.ChainTx) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_transactions (order_id, status, attempts, from_address, to_address,
			token_contract, created_at, updated_at)
		 VALUES ($1, 'pending', 1, $2, $3, $4, $5, $6)
		 ON CONFLICT (order_id) DO UPDATE SET
			attempts = chain_transactions.attempts + 1,
			status = 'pending',
			updated_at = EXCLUDED.updated_at
		 WHERE chain_transactions.status <> 'confirmed'`,
		tx.OrderID, tx.FromAddress, tx.ToAddress, tx.TokenContract, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record transfer attempt: %w", err)
	}
	return nil
}

func (s *Store) ConfirmChainTx(ctx context.Context, orderID, txHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_transactions SET status = 'confirmed', tx_hash = $2, last_error = '', updated_at = $3
		 WHERE order_id = $1 AND status <> 'confirmed'`,
		orderID, txHash, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to confirm chain transaction: %w", err)
	}
	return affected(res)
}

func (s *Store) FailChainTx(ctx context.Context, orderID, lastError string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chain_transactions SET status = 'failed', last_error = $2, updated_at = $3
		 WHERE order_id = $1 AND status <> 'confirmed'`,
		orderID, lastError, now,
	)
	if err != nil {
		return fmt.Errorf("failed to fail chain transaction: %w", err)
	}
	return nil
}

// Limits

func (s *Store) CommittedInvestment(ctx context.Context, userID string) (decimal.Decimal, error) {
	var committed decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT committed FROM investment_limits WHERE user_id = $1`, userID,
	).Scan(&committed)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get committed investment: %w", err)
	}
	return committed, nil
}

func (s *Store) ReserveInvestment(ctx context.Context, userID string, amount, ceiling decimal.Decimal) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO investment_limits (user_id, committed) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return false, fmt.Errorf("failed to initialise investment limit: %w", err)
	}

	// check and increment in one statement
	res, err := s.db.ExecContext(ctx,
		`UPDATE investment_limits SET committed = committed + $2, updated_at = now()
		 WHERE user_id = $1 AND committed + $2 <= $3`,
		userID, amount, ceiling,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve investment: %w", err)
	}
	return affected(res)
}

func (s *Store) ReleaseInvestment(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE investment_limits SET committed = GREATEST(committed - $2, 0), updated_at = now()
		 WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to release investment: %w", err)
	}
	return nil
}

// Audit

func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	var details interface{}
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, resource_type, resource_id, severity, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Actor, e.Action, e.ResourceType, e.ResourceID, e.Severity, details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, resourceID string) ([]*models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, resource_type, resource_id, severity, details, created_at
		 FROM audit_log WHERE ($1 = '' OR resource_id = $1) ORDER BY created_at LIMIT 1000`,
		resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Severity, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Reconciliation

const reconciliationColumns = `id, order_id, kind, detail, status, resolved_by, note, created_at, resolved_at`

func scanReconciliation(row rowScanner) (*models.ReconciliationItem, error) {
	var item models.ReconciliationItem
	var resolvedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.OrderID, &item.Kind, &item.Detail, &item.Status,
		&item.ResolvedBy, &item.Note, &item.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return &item, nil
}

func (s *Store) CreateReconciliation(ctx context.Context, item *models.ReconciliationItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_items (id, order_id, kind, detail, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.OrderID, item.Kind, item.Detail, item.Status, item.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create reconciliation item: %w", err)
	}
	return nil
}

func (s *Store) FindOpenReconciliation(ctx context.Context, orderID, kind string) (*models.ReconciliationItem, error) {
	item, err := scanReconciliation(s.db.QueryRowContext(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliation_items
		 WHERE order_id = $1 AND kind = $2 AND status = 'open'`,
		orderID, kind))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation item: %w", err)
	}
	return item, nil
}

func (s *Store) ListReconciliation(ctx context.Context, status models.ReconciliationStatus) ([]*models.ReconciliationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reconciliationColumns+`
		 FROM reconciliation_items WHERE ($1 = '' OR status = $1) ORDER BY created_at`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation items: %w", err)
	}
	defer rows.Close()

	var items []*models.ReconciliationItem
	for rows.Next() {
		item, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ResolveReconciliation(ctx context.Context, id, resolvedBy, note string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reconciliation_items SET status = 'resolved', resolved_by = $2, note = $3, resolved_at = $4
		 WHERE id = $1 AND status = 'open'`,
		id, resolvedBy, note, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	return affected(res)
}

// Directory

func (s *Store) GetKYCStatus(ctx context.Context, userID string) (models.KYCStatus, error) {
	var status models.KYCStatus
	err := s.db.QueryRowContext(ctx, `SELECT kyc_status FROM users WHERE id = $1`, userID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get kyc status: %w", err)
	}
	return status, nil
}

func (s *Store) GetInvestorCategory(ctx context.Context, userID string) (models.InvestorCategory, error) {
	var category models.InvestorCategory
	err := s.db.QueryRowContext(ctx, `SELECT investor_category FROM users WHERE id = $1`, userID).Scan(&category)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get investor category: %w", err)
	}
	return category, nil
}

func (s *Store) GetRole(ctx context.Context, userID string) (models.Role, error) {
	var role models.Role
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*models.Token, error) {
	var t models.Token
	err := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, contract_address, treasury_address, decimals, price_per_unit, currency
		 FROM tokens WHERE id = $1`, tokenID,
	).Scan(&t.ID, &t.Symbol, &t.ContractAddress, &t.TreasuryAddress, &t.Decimals, &t.PricePerUnit, &t.Currency)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &t, nil
}
