// Package compliance decides whether a user may place an order. The gate
// fails closed: any lookup error is a denial.
package compliance

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/audit"
	"github.com/terminal-bench/tokensettle/internal/metrics"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
	"go.uber.org/zap"
)

// Reason codes
const (
	ReasonOK               = "ok"
	ReasonPrivilegedBypass = "privileged_bypass"
	ReasonKYCNotStarted    = "kyc_not_started"
	ReasonKYCPending       = "kyc_pending"
	ReasonKYCRejected      = "kyc_rejected"
	ReasonKYCUnknown       = "kyc_unknown"
	ReasonLookupFailed     = "lookup_failed"
	ReasonCategoryUnknown  = "category_unknown"
	ReasonLimitExceeded    = "investment_limit_exceeded"
)

// Decision is the outcome of one evaluation
type Decision struct {
	Allowed        bool            `json:"allowed"`
	Reason         string          `json:"reason"`
	RemainingLimit decimal.Decimal `json:"remaining_limit"`
	// Ceiling is the category ceiling applied; zero for sells and bypasses
	Ceiling decimal.Decimal `json:"-"`
	Bypass  bool            `json:"-"`
}

// Ceilings maps investor category to the cumulative investment ceiling
type Ceilings map[models.InvestorCategory]decimal.Decimal

// Gate evaluates KYC and investment-limit rules
type Gate struct {
	dir      store.Directory
	limits   store.LimitStore
	ceilings Ceilings
	audit    *audit.Trail
	metrics  metrics.Recorder
	logger   *zap.Logger
}

// NewGate creates a compliance gate
func NewGate(dir store.Directory, limits store.LimitStore, ceilings Ceilings, trail *audit.Trail, rec metrics.Recorder, logger *zap.Logger) *Gate {
	return &Gate{
		dir:      dir,
		limits:   limits,
		ceilings: ceilings,
		audit:    trail,
		metrics:  rec,
		logger:   logger.Named("compliance"),
	}
}

// Evaluate checks whether userID may place an order worth amount on side.
// It reads only; headroom is reserved by the caller.
func (g *Gate) Evaluate(ctx context.Context, userID string, amount decimal.Decimal, side models.Side) Decision {
	d := g.evaluate(ctx, userID, amount, side)

	severity := models.SeverityInfo
	if !d.Allowed {
		severity = models.SeverityWarning
	}
	g.audit.Record(ctx, audit.Entry{
		Actor:        userID,
		Action:       audit.ActionGateDecision,
		ResourceType: "user",
		ResourceID:   userID,
		Severity:     severity,
		Details: map[string]interface{}{
			"allowed":         d.Allowed,
			"reason":          d.Reason,
			"amount":          amount.String(),
			"side":            string(side),
			"remaining_limit": d.RemainingLimit.String(),
		},
	})
	g.metrics.GateDecision(d.Allowed, d.Reason)
	return d
}

func (g *Gate) evaluate(ctx context.Context, userID string, amount decimal.Decimal, side models.Side) Decision {
	role, err := g.dir.GetRole(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return g.lookupFailed("role", userID, err)
	}
	if role.Privileged() {
		return Decision{Allowed: true, Reason: ReasonPrivilegedBypass, Bypass: true}
	}

	kyc, err := g.dir.GetKYCStatus(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return deny(ReasonKYCNotStarted)
	}
	if err != nil {
		return g.lookupFailed("kyc", userID, err)
	}
	switch kyc {
	case models.KYCApproved:
	case models.KYCNotStarted:
		return deny(ReasonKYCNotStarted)
	case models.KYCPending:
		return deny(ReasonKYCPending)
	case models.KYCRejected:
		return deny(ReasonKYCRejected)
	default:
		return deny(ReasonKYCUnknown)
	}

	if side != models.SideBuy {
		return Decision{Allowed: true, Reason: ReasonOK}
	}

	category, err := g.dir.GetInvestorCategory(ctx, userID)
	if err != nil {
		return g.lookupFailed("category", userID, err)
	}
	ceiling, ok := g.ceilings[category]
	if !ok {
		return deny(ReasonCategoryUnknown)
	}

	committed, err := g.limits.CommittedInvestment(ctx, userID)
	if err != nil {
		return g.lookupFailed("committed investment", userID, err)
	}
	headroom := ceiling.Sub(committed)
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}

	if amount.GreaterThan(headroom) {
		d := deny(ReasonLimitExceeded)
		d.RemainingLimit = headroom
		d.Ceiling = ceiling
		return d
	}
	return Decision{
		Allowed:        true,
		Reason:         ReasonOK,
		RemainingLimit: headroom.Sub(amount),
		Ceiling:        ceiling,
	}
}

func (g *Gate) lookupFailed(what, userID string, err error) Decision {
	g.logger.Warn("compliance lookup failed, denying",
		zap.String("lookup", what),
		zap.String("user_id", userID),
		zap.Error(err))
	return deny(ReasonLookupFailed)
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, RemainingLimit: decimal.Zero}
}
