// Package memory is an in-process Store used by tests and local runs.
// It copies records in and out so callers never share mutable state with it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/internal/store"
)

// User is a directory entry seeded into the memory store
type User struct {
	ID       string
	KYC      models.KYCStatus
	Category models.InvestorCategory
	Role     models.Role
}

// Store implements store.Store in memory
type Store struct {
	mu              sync.Mutex
	orders          map[string]*models.Order
	settlements     map[string]*models.PaymentSettlement
	jobs            map[string]*models.Job
	chainTxs        map[string]*models.ChainTx
	committed       map[string]decimal.Decimal
	audit           []*models.AuditEntry
	reconciliations map[string]*models.ReconciliationItem
	users           map[string]User
	tokens          map[string]models.Token

	// DirectoryErr, when set, is returned by every directory lookup
	DirectoryErr error
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store
func New() *Store {
	return &Store{
		orders:          make(map[string]*models.Order),
		settlements:     make(map[string]*models.PaymentSettlement),
		jobs:            make(map[string]*models.Job),
		chainTxs:        make(map[string]*models.ChainTx),
		committed:       make(map[string]decimal.Decimal),
		reconciliations: make(map[string]*models.ReconciliationItem),
		users:           make(map[string]User),
		tokens:          make(map[string]models.Token),
	}
}

// PutUser seeds a directory user
func (s *Store) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutToken seeds a registry token
func (s *Store) PutToken(t models.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
}

// SetCommitted overrides a user's committed investment
func (s *Store) SetCommitted(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[userID] = amount
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

// Orders

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) ListOrders(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from models.OrderStatus, upd models.OrderUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	upd.Apply(o)
	return true, nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if (o.Status == models.OrderPending || o.Status == models.OrderPaymentPending) && o.ExpiresAt.Before(now) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStalled(ctx context.Context, updatedBefore time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if (o.Status == models.OrderPaymentConfirmed || o.Status == models.OrderExecuting) && o.UpdatedAt.Before(updatedBefore) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Settlements

func (s *Store) CreateSettlement(ctx context.Context, ps *models.PaymentSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.settlements {
		if existing.OrderID == ps.OrderID && existing.Status.Active() {
			return store.ErrDuplicate
		}
		if existing.GatewayOrderID == ps.GatewayOrderID {
			return store.ErrDuplicate
		}
	}
	s.settlements[ps.ID] = copySettlement(ps)
	return nil
}

func (s *Store) GetSettlementByOrder(ctx context.Context, orderID string) (*models.PaymentSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.PaymentSettlement
	for _, ps := range s.settlements {
		if ps.OrderID != orderID {
			continue
		}
		// prefer the active settlement, then the newest
		if found == nil || (ps.Status.Active() && !found.Status.Active()) ||
			(ps.Status.Active() == found.Status.Active() && ps.CreatedAt.After(found.CreatedAt)) {
			found = ps
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return copySettlement(found), nil
}

func (s *Store) GetSettlementByGatewayOrder(ctx context.Context, gatewayOrderID string) (*models.PaymentSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.settlements {
		if ps.GatewayOrderID == gatewayOrderID {
			return copySettlement(ps), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) TransitionSettlement(ctx context.Context, id string, from models.SettlementStatus, upd models.SettlementUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.settlements[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if upd.GatewayPaymentID != "" {
		for otherID, other := range s.settlements {
			if otherID != id && other.GatewayPaymentID == upd.GatewayPaymentID {
				return false, store.ErrDuplicate
			}
		}
	}
	if ps.Status != from {
		return false, nil
	}
	upd.Apply(ps)
	return true, nil
}

func copySettlement(ps *models.PaymentSettlement) *models.PaymentSettlement {
	cp := *ps
	if ps.WebhookPayload != nil {
		cp.WebhookPayload = append([]byte(nil), ps.WebhookPayload...)
	}
	return &cp
}

// Jobs

func (s *Store) InsertJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupeKey != "" {
		for _, existing := range s.jobs {
			if existing.DedupeKey == job.DedupeKey {
				return copyJob(existing), false, nil
			}
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return copyJob(job), true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) NextQueuedJob(ctx context.Context, types []models.JobType, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobQueued || j.ScheduledAt.After(now) || !hasType(types, j.Type) {
			continue
		}
		if best == nil || j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.ScheduledAt.Before(best.ScheduledAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyJob(best), nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != models.JobQueued {
		return false, nil
	}
	j.Status = models.JobProcessing
	j.Attempts++
	j.ScheduledAt = leaseUntil
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, from models.JobStatus, upd models.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if j.Status != from {
		return false, nil
	}
	upd.Apply(j)
	return true, nil
}

func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == models.JobRetrying && !j.ScheduledAt.After(now) {
			j.Status = models.JobQueued
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) ReclaimExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status != models.JobProcessing || j.ScheduledAt.After(now) {
			continue
		}
		j.Status = models.JobQueued
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.JobFailed
		}
		j.ErrorMessage = store.LeaseExpiredMessage
		j.ScheduledAt = now
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) ListJobsByDedupeKey(ctx context.Context, key string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if j.DedupeKey == key {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

// Jobs returns a snapshot of every job
func (s *Store) Jobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	return out
}

func hasType(types []models.JobType, t models.JobType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return &cp
}

// Chain transactions

func (s *Store) GetChainTx(ctx context.Context, orderID string) (*models.ChainTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.chainTxs[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Store) RecordAttempt(ctx context.Context, tx *models.ChainTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.chainTxs[tx.OrderID]
	if !ok {
		cp := *tx
		cp.Attempts = 1
		cp.Status = models.ChainTxPending
		s.chainTxs[tx.OrderID] = &cp
		return nil
	}
	if existing.Status == models.ChainTxConfirmed {
		return nil
	}
	existing.Attempts++
	existing.Status = models.ChainTxPending
	existing.UpdatedAt = tx.UpdatedAt
	return nil
}

func (s *Store) ConfirmChainTx(ctx context.Context, orderID, txHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.chainTxs[orderID]
	if !ok {
		return false, store.ErrNotFound
	}
	if tx.Status == models.ChainTxConfirmed {
		return false, nil
	}
	tx.Status = models.ChainTxConfirmed
	tx.TxHash = txHash
	tx.LastError = ""
	tx.UpdatedAt = now
	return true, nil
}

func (s *Store) FailChainTx(ctx context.Context, orderID, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.chainTxs[orderID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.Status == models.ChainTxConfirmed {
		return nil
	}
	tx.Status = models.ChainTxFailed
	tx.LastError = lastError
	tx.UpdatedAt = now
	return nil
}

// Limits

func (s *Store) CommittedInvestment(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[userID], nil
}

func (s *Store) ReserveInvestment(ctx context.Context, userID string, amount, ceiling decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.committed[userID].Add(amount)
	if next.GreaterThan(ceiling) {
		return false, nil
	}
	s.committed[userID] = next
	return true, nil
}

func (s *Store) ReleaseInvestment(ctx context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.committed[userID].Sub(amount)
	if next.IsNegative() {
		next = decimal.Zero
	}
	s.committed[userID] = next
	return nil
}

// Audit

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context, resourceID string) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range s.audit {
		if resourceID == "" || e.ResourceID == resourceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Reconciliation

func (s *Store) CreateReconciliation(ctx context.Context, item *models.ReconciliationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == models.ReconciliationOpen && s.openReconciliation(item.OrderID, item.Kind) != nil {
		return store.ErrDuplicate
	}
	cp := *item
	s.reconciliations[item.ID] = &cp
	return nil
}

func (s *Store) FindOpenReconciliation(ctx context.Context, orderID, kind string) (*models.ReconciliationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.openReconciliation(orderID, kind)
	if item == nil {
		return nil, store.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *Store) openReconciliation(orderID, kind string) *models.ReconciliationItem {
	for _, item := range s.reconciliations {
		if item.OrderID == orderID && item.Kind == kind && item.Status == models.ReconciliationOpen {
			return item
		}
	}
	return nil
}

func (s *Store) ListReconciliation(ctx context.Context, status models.ReconciliationStatus) ([]*models.ReconciliationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ReconciliationItem
	for _, item := range s.reconciliations {
		if status == "" || item.Status == status {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolveReconciliation(ctx context.Context, id, resolvedBy, note string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.reconciliations[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if item.Status != models.ReconciliationOpen {
		return false, nil
	}
	item.Status = models.ReconciliationResolved
	item.ResolvedBy = resolvedBy
	item.Note = note
	t := now
	item.ResolvedAt = &t
	return true, nil
}

// Directory

func (s *Store) GetKYCStatus(ctx context.Context, userID string) (models.KYCStatus, error) {
	u, err := s.user(userID)
	if err != nil {
		return "", err
	}
	return u.KYC, nil
}

func (s *Store) GetInvestorCategory(ctx context.Context, userID string) (models.InvestorCategory, error) {
	u, err := s.user(userID)
	if err != nil {
		return "", err
	}
	return u.Category, nil
}

func (s *Store) GetRole(ctx context.Context, userID string) (models.Role, error) {
	u, err := s.user(userID)
	if err != nil {
		return "", err
	}
	return u.Role, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DirectoryErr != nil {
		return nil, s.DirectoryErr
	}
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) user(userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DirectoryErr != nil {
		return User{}, s.DirectoryErr
	}
	u, ok := s.users[userID]
	if !ok {
		return User{}, store.ErrNotFound
	}
	return u, nil
}
