package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ChainTxStatus is the state of an on-chain transfer record
type ChainTxStatus string

const (
	ChainTxPending   ChainTxStatus = "pending"
	ChainTxConfirmed ChainTxStatus = "confirmed"
	ChainTxFailed    ChainTxStatus = "failed"
)

// ChainTx records the outcome of transferring tokens for one order.
// There is exactly one record per order; retries revise it in place.
type ChainTx struct {
	OrderID       string        `json:"order_id"`
	TxHash        string        `json:"tx_hash,omitempty"`
	Status        ChainTxStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	LastError     string        `json:"last_error,omitempty"`
	FromAddress   string        `json:"from_address"`
	ToAddress     string        `json:"to_address"`
	TokenContract string        `json:"token_contract"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// KYCStatus is the identity verification state of a user
type KYCStatus string

const (
	KYCNotStarted KYCStatus = "not_started"
	KYCPending    KYCStatus = "pending"
	KYCRejected   KYCStatus = "rejected"
	KYCApproved   KYCStatus = "approved"
)

// Role is the platform role of a user
type Role string

const (
	RoleInvestor Role = "investor"
	RoleIssuer   Role = "issuer"
	RoleAdmin    Role = "admin"
	RoleAuditor  Role = "auditor"
)

// Privileged reports whether the role bypasses investor compliance
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleAuditor
}

// InvestorCategory selects the investment ceiling tier
type InvestorCategory string

const (
	CategoryRetail        InvestorCategory = "retail"
	CategoryAccredited    InvestorCategory = "accredited"
	CategoryInstitutional InvestorCategory = "institutional"
)

// Token is the registry view of a tokenized asset
type Token struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	ContractAddress string          `json:"contract_address"`
	TreasuryAddress string          `json:"treasury_address"`
	Decimals        int32           `json:"decimals"`
	PricePerUnit    decimal.Decimal `json:"price_per_unit"`
	Currency        string          `json:"currency"`
}

// Severity tags an audit entry for review triage
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is one append-only audit record
type AuditEntry struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Severity     Severity        `json:"severity"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Notification is a user-facing status message
type Notification struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Event       string    `json:"event"`
	ChannelHint string    `json:"channel_hint,omitempty"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	OrderID     string    `json:"order_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReconciliationStatus tracks an operator work item
type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// ReconciliationItem flags an order whose legs disagree, e.g. paid but
// neither delivered nor refunded.
type ReconciliationItem struct {
	ID         string               `json:"id"`
	OrderID    string               `json:"order_id"`
	Kind       string               `json:"kind"`
	Detail     string               `json:"detail"`
	Status     ReconciliationStatus `json:"status"`
	ResolvedBy string               `json:"resolved_by,omitempty"`
	Note       string               `json:"note,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty"`
}
