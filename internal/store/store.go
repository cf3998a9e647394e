// Package store defines the persistence contracts of the settlement
// pipeline. Every mutation of a shared row is a conditional update keyed
// on the row's current status; callers learn about lost races from the
// returned bool, never from an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// LeaseExpiredMessage is recorded on a job taken back from a worker whose
// claim lease ran out
const LeaseExpiredMessage = "claim lease expired"

// OrderStore persists orders
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error)
	// TransitionOrder applies upd only if the order is currently in from
	TransitionOrder(ctx context.Context, id string, from models.OrderStatus, upd models.OrderUpdate) (bool, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Order, error)
	// ListStalled returns paid orders still waiting on their transfer whose
	// last update is older than updatedBefore
	ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Order, error)
}

// OrderFilter narrows ListOrders
type OrderFilter struct {
	UserID string
	Status models.OrderStatus
	Limit  int
}

// SettlementStore persists fiat payment legs
type SettlementStore interface {
	// CreateSettlement fails with ErrDuplicate if an active settlement exists for the order
	CreateSettlement(ctx context.Context, s *models.PaymentSettlement) error
	GetSettlementByOrder(ctx context.Context, orderID string) (*models.PaymentSettlement, error)
	GetSettlementByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentSettlement, error)
	// TransitionSettlement fails with ErrDuplicate if upd.GatewayPaymentID is
	// already recorded on another settlement
	TransitionSettlement(ctx context.Context, id string, from models.SettlementStatus, upd models.SettlementUpdate) (bool, error)
}

// JobStore persists settlement jobs
type JobStore interface {
	// InsertJob returns the existing job and false when job.DedupeKey is taken
	InsertJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// NextQueuedJob returns the oldest queued job due at now, highest priority first
	NextQueuedJob(ctx context.Context, types []models.JobType, now time.Time) (*models.Job, error)
	// ClaimJob moves a queued job to processing and increments its attempts.
	// The claim holds until leaseUntil; past it ReclaimExpiredJobs takes the
	// job back.
	ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error)
	TransitionJob(ctx context.Context, id string, from models.JobStatus, upd models.JobUpdate) (bool, error)
	// PromoteDueJobs flips retrying jobs whose delay elapsed back to queued
	PromoteDueJobs(ctx context.Context, now time.Time) (int, error)
	// ReclaimExpiredJobs requeues processing jobs whose lease ran out, or
	// fails them when no attempts are left
	ReclaimExpiredJobs(ctx context.Context, now time.Time) (int, error)
	ListJobsByDedupeKey(ctx context.Context, key string) ([]*models.Job, error)
}

// ChainTxStore persists transfer outcomes, one record per order
type ChainTxStore interface {
	GetChainTx(ctx context.Context, orderID string) (*models.ChainTx, error)
	// RecordAttempt creates the record or bumps its attempt counter unless confirmed
	RecordAttempt(ctx context.Context, tx *models.ChainTx) error
	// ConfirmChainTx sets the hash only if the record is not yet confirmed
	ConfirmChainTx(ctx context.Context, orderID, txHash string, now time.Time) (bool, error)
	FailChainTx(ctx context.Context, orderID, lastError string, now time.Time) error
}

// LimitStore tracks the investment amount committed per user
type LimitStore interface {
	CommittedInvestment(ctx context.Context, userID string) (decimal.Decimal, error)
	// ReserveInvestment adds amount only if the new total stays within ceiling
	ReserveInvestment(ctx context.Context, userID string, amount, ceiling decimal.Decimal) (bool, error)
	ReleaseInvestment(ctx context.Context, userID string, amount decimal.Decimal) error
}

// AuditStore is append-only
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, resourceID string) ([]*models.AuditEntry, error)
}

// ReconciliationStore holds operator work items
type ReconciliationStore interface {
	// CreateReconciliation fails with ErrDuplicate while an open item of the
	// same kind exists for the order
	CreateReconciliation(ctx context.Context, item *models.ReconciliationItem) error
	FindOpenReconciliation(ctx context.Context, orderID, kind string) (*models.ReconciliationItem, error)
	ListReconciliation(ctx context.Context, status models.ReconciliationStatus) ([]*models.ReconciliationItem, error)
	ResolveReconciliation(ctx context.Context, id, resolvedBy, note string, now time.Time) (bool, error)
}

// Directory is the read side of the identity service and token registry
// that live alongside the pipeline tables.
type Directory interface {
	GetKYCStatus(ctx context.Context, userID string) (models.KYCStatus, error)
	GetInvestorCategory(ctx context.Context, userID string) (models.InvestorCategory, error)
	GetRole(ctx context.Context, userID string) (models.Role, error)
	GetToken(ctx context.Context, tokenID string) (*models.Token, error)
}

// Store is the full persistence surface
type Store interface {
	OrderStore
	SettlementStore
	JobStore
	ChainTxStore
	LimitStore
	AuditStore
	ReconciliationStore
	Directory
	Ping(ctx context.Context) error
	Close() error
}
