package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/service"
)

// MemoryStore mirrors the Postgres store's conditional-update semantics under
// one mutex. It backs tests and local development; the race outcomes it
// produces match what the row-level conditional UPDATE produces in Postgres.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]*models.Transaction
	archived     map[string]*models.Transaction
	disputes     map[uuid.UUID]*models.Dispute
	audit        []models.AuditEvent
	flags        []models.FraudFlag
	ratings      []models.Rating
	stats        map[uuid.UUID]*models.SellerStats
	receipts     map[string]string
	nextAuditID  int64
	nextFlagID   int64
	nextRatingID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*models.Transaction),
		archived:     make(map[string]*models.Transaction),
		disputes:     make(map[uuid.UUID]*models.Dispute),
		stats:        make(map[uuid.UUID]*models.SellerStats),
		receipts:     make(map[string]string),
	}
}

var _ service.Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s already exists", txn.ID)
	}
	cp := *txn
	m.transactions[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*models.Transaction, error) {
	txn, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter service.TransactionFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		if filter.State != "" && domain.NormalizeState(txn.State) != domain.NormalizeState(filter.State) {
			continue
		}
		if filter.PayoutPending && !txn.PayoutPending {
			continue
		}
		if filter.BuyerID != nil && txn.BuyerID != *filter.BuyerID {
			continue
		}
		if filter.SellerID != nil && txn.SellerID != *filter.SellerID {
			continue
		}
		out = append(out, *txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if int(filter.Offset) >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && int(filter.Limit) < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, upd service.TransitionUpdate) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.transactions[upd.ID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, upd.ID)
	}
	if domain.NormalizeState(txn.State) != upd.FromState || txn.Version != upd.FromVersion {
		return nil, fmt.Errorf("%w: transaction %s at version %d", domain.ErrStaleVersion, upd.ID, txn.Version)
	}
	if upd.PaymentRef != nil && txn.PaymentRef == nil && m.paymentRefTaken(*upd.PaymentRef, upd.ID) {
		return nil, fmt.Errorf("%w: payment ref %s", domain.ErrDuplicateReceipt, *upd.PaymentRef)
	}

	txn.State = upd.ToState
	txn.Version++
	switch upd.ToState {
	case domain.StatePaid:
		if txn.PaidAt == nil {
			at := upd.Now
			txn.PaidAt = &at
		}
	case domain.StateShipped:
		if txn.ShippedAt == nil {
			at := upd.Now
			txn.ShippedAt = &at
		}
	case domain.StateDelivered:
		if txn.DeliveredAt == nil {
			at := upd.Now
			txn.DeliveredAt = &at
		}
	case domain.StateCompleted:
		if txn.CompletedAt == nil {
			at := upd.Now
			txn.CompletedAt = &at
		}
	case domain.StateRefunded:
		if txn.RefundedAt == nil {
			at := upd.Now
			txn.RefundedAt = &at
		}
	case domain.StateCancelled:
		if txn.CancelledAt == nil {
			at := upd.Now
			txn.CancelledAt = &at
		}
	}
	if upd.ShipBy != nil {
		txn.ShipBy = upd.ShipBy
	}
	if upd.AutoReleaseAt != nil {
		txn.AutoReleaseAt = upd.AutoReleaseAt
	}
	if upd.PaymentRef != nil && txn.PaymentRef == nil {
		txn.PaymentRef = upd.PaymentRef
	}

	m.nextAuditID++
	m.audit = append(m.audit, models.AuditEvent{
		ID:            m.nextAuditID,
		TransactionID: upd.ID,
		FromState:     upd.FromState,
		ToState:       upd.ToState,
		Actor:         upd.Actor,
		Action:        string(upd.Action),
		Metadata:      upd.Metadata,
		CreatedAt:     upd.Now,
	})

	cp := *txn
	return &cp, nil
}

// paymentRefTaken and payoutRefTaken mirror the partial unique indexes on the
// live transactions table. Callers hold m.mu.
func (m *MemoryStore) paymentRefTaken(ref, excludeID string) bool {
	for _, other := range m.transactions {
		if other.ID != excludeID && other.PaymentRef != nil && *other.PaymentRef == ref {
			return true
		}
	}
	return false
}

func (m *MemoryStore) payoutRefTaken(ref, excludeID string) bool {
	for _, other := range m.transactions {
		if other.ID != excludeID && other.PayoutRef != nil && *other.PayoutRef == ref {
			return true
		}
	}
	return false
}

func (m *MemoryStore) SetPayoutOutcome(ctx context.Context, id string, payoutRef *string, pending bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if payoutRef != nil && txn.PayoutRef == nil {
		if m.payoutRefTaken(*payoutRef, id) {
			return fmt.Errorf("%w: payout ref %s", domain.ErrDuplicateReceipt, *payoutRef)
		}
		txn.PayoutRef = payoutRef
	}
	txn.PayoutPending = pending
	txn.PayoutError = reason
	return nil
}

func (m *MemoryStore) Timeline(ctx context.Context, id string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range m.audit {
		if ev.TransactionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID &&
			existing.Status != domain.DisputeResolved && existing.Status != domain.DisputeClosed {
			return fmt.Errorf("%w: transaction %s", domain.ErrDisputeOpen, d.TransactionID)
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) OpenDisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.TransactionID == transactionID &&
			d.Status != domain.DisputeResolved && d.Status != domain.DisputeClosed {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: open dispute for %s", domain.ErrNotFound, transactionID)
}

func (m *MemoryStore) DisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Dispute
	for _, d := range m.disputes {
		if d.TransactionID != transactionID {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: dispute for %s", domain.ErrNotFound, transactionID)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) SetDisputeUnderReview(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	if d.Status == domain.DisputeResolved || d.Status == domain.DisputeClosed {
		return domain.ErrAlreadyResolved
	}
	d.Status = domain.DisputeUnderReview
	return nil
}

func (m *MemoryStore) ResolveDispute(ctx context.Context, res service.DisputeResolution) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[res.DisputeID]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, res.DisputeID)
	}
	if d.Status == domain.DisputeResolved || d.Status == domain.DisputeClosed {
		return nil, domain.ErrAlreadyResolved
	}
	resolution := res.Resolution
	resolvedBy := res.ResolvedBy
	at := res.Now
	d.Status = domain.DisputeResolved
	d.Resolution = &resolution
	d.SplitFraction = res.Fraction
	d.Notes = res.Notes
	d.ResolvedBy = &resolvedBy
	d.ResolvedAt = &at
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ReopenDispute(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	if d.Status != domain.DisputeResolved {
		return nil
	}
	d.Status = domain.DisputeUnderReview
	d.Resolution = nil
	d.SplitFraction = nil
	d.ResolvedBy = nil
	d.ResolvedAt = nil
	return nil
}

func (m *MemoryStore) AutoReleaseCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		state := domain.NormalizeState(txn.State)
		if state != domain.StateShipped && state != domain.StateDelivered {
			continue
		}
		if txn.AutoReleaseAt == nil || txn.AutoReleaseAt.After(now) {
			continue
		}
		out = append(out, *txn)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AutoRefundCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		if domain.NormalizeState(txn.State) != domain.StatePaid {
			continue
		}
		if txn.ShipBy == nil || txn.ShipBy.After(now) {
			continue
		}
		out = append(out, *txn)
		if limit > 0 && int32(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PaidBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		if domain.NormalizeState(txn.State) != domain.StatePaid || txn.PaidAt == nil {
			continue
		}
		if txn.PaidAt.Before(from) || txn.PaidAt.After(to) {
			continue
		}
		out = append(out, *txn)
	}
	return out, nil
}

func (m *MemoryStore) ShippedBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		if domain.NormalizeState(txn.State) != domain.StateShipped || txn.ShippedAt == nil {
			continue
		}
		if txn.ShippedAt.Before(from) || txn.ShippedAt.After(to) {
			continue
		}
		out = append(out, *txn)
	}
	return out, nil
}

func (m *MemoryStore) PayoutPendingTransactions(ctx context.Context) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.transactions {
		if txn.PayoutPending {
			out = append(out, *txn)
		}
	}
	return out, nil
}

func (m *MemoryStore) DisputeCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]service.SubjectCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[uuid.UUID]int64)
	for _, d := range m.disputes {
		if d.CreatedAt.Before(since) || d.FiledBy == uuid.Nil {
			continue
		}
		txn, ok := m.transactions[d.TransactionID]
		if !ok || d.FiledBy != txn.BuyerID {
			continue
		}
		counts[d.FiledBy]++
	}
	return thresholdCounts(counts, minCount), nil
}

func (m *MemoryStore) RefundCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]service.SubjectCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[uuid.UUID]int64)
	for _, txn := range m.transactions {
		if domain.NormalizeState(txn.State) != domain.StateRefunded {
			continue
		}
		if txn.RefundedAt == nil || txn.RefundedAt.Before(since) {
			continue
		}
		counts[txn.BuyerID]++
	}
	return thresholdCounts(counts, minCount), nil
}

func (m *MemoryStore) SellerDisputeRates(ctx context.Context, since time.Time, minTotal int64) ([]service.SellerDisputeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := make(map[uuid.UUID]*service.SellerDisputeRate)
	disputed := make(map[string]bool)
	for _, d := range m.disputes {
		disputed[d.TransactionID] = true
	}
	for _, txn := range m.transactions {
		if txn.CreatedAt.Before(since) {
			continue
		}
		r, ok := totals[txn.SellerID]
		if !ok {
			r = &service.SellerDisputeRate{SellerID: txn.SellerID}
			totals[txn.SellerID] = r
		}
		r.Total++
		if disputed[txn.ID] || domain.NormalizeState(txn.State) == domain.StateDisputed {
			r.Disputed++
		}
	}
	var out []service.SellerDisputeRate
	for _, r := range totals {
		if r.Total >= minTotal {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].SellerID.String(), out[j].SellerID.String()) < 0
	})
	return out, nil
}

func thresholdCounts(counts map[uuid.UUID]int64, min int64) []service.SubjectCount {
	var out []service.SubjectCount
	for id, n := range counts {
		if n >= min {
			out = append(out, service.SubjectCount{SubjectID: id, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].SubjectID.String(), out[j].SubjectID.String()) < 0
	})
	return out
}

func (m *MemoryStore) InsertFraudFlag(ctx context.Context, flag *models.FraudFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.flags {
		if existing.SubjectID == flag.SubjectID && existing.Pattern == flag.Pattern && !existing.Reviewed {
			return nil
		}
	}
	m.nextFlagID++
	flag.ID = m.nextFlagID
	m.flags = append(m.flags, *flag)
	return nil
}

func (m *MemoryStore) ListFraudFlags(ctx context.Context, unreviewedOnly bool) ([]models.FraudFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FraudFlag
	for _, f := range m.flags {
		if unreviewedOnly && f.Reviewed {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *MemoryStore) MarkFraudFlagReviewed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.flags {
		if m.flags[i].ID == id {
			m.flags[i].Reviewed = true
			return nil
		}
	}
	return fmt.Errorf("%w: fraud flag %d", domain.ErrNotFound, id)
}

func (m *MemoryStore) AddRating(ctx context.Context, rating *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ratings {
		if existing.TransactionID == rating.TransactionID {
			return fmt.Errorf("transaction %s already rated", rating.TransactionID)
		}
	}
	m.nextRatingID++
	rating.ID = m.nextRatingID
	m.ratings = append(m.ratings, *rating)
	return nil
}

func (m *MemoryStore) SellersCompletedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, txn := range m.transactions {
		if txn.CompletedAt == nil || txn.CompletedAt.Before(since) {
			continue
		}
		if _, ok := seen[txn.SellerID]; ok {
			continue
		}
		seen[txn.SellerID] = struct{}{}
		out = append(out, txn.SellerID)
	}
	return out, nil
}

func (m *MemoryStore) SellerAggregates(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.SellerStats{SellerID: sellerID}
	disputed := make(map[string]bool)
	for _, d := range m.disputes {
		disputed[d.TransactionID] = true
	}
	for _, txn := range m.transactions {
		if txn.SellerID != sellerID {
			continue
		}
		stats.TotalSales++
		if domain.NormalizeState(txn.State) == domain.StateCompleted {
			stats.Completed++
		}
		if disputed[txn.ID] || domain.NormalizeState(txn.State) == domain.StateDisputed {
			stats.Disputed++
		}
	}
	var scoreSum int64
	for _, r := range m.ratings {
		if r.SellerID != sellerID {
			continue
		}
		stats.RatingCount++
		scoreSum += int64(r.Score)
	}
	if stats.RatingCount > 0 {
		stats.AvgRating = float64(scoreSum) / float64(stats.RatingCount)
	}
	if stats.TotalSales > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalSales)
	}
	return stats, nil
}

func (m *MemoryStore) UpsertSellerStats(ctx context.Context, stats *models.SellerStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *stats
	m.stats[stats.SellerID] = &cp
	return nil
}

func (m *MemoryStore) GetSellerStats(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[sellerID]
	if !ok {
		return nil, fmt.Errorf("%w: seller stats %s", domain.ErrNotFound, sellerID)
	}
	cp := *stats
	return &cp, nil
}

func (m *MemoryStore) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var archived int64
	for id, txn := range m.transactions {
		if !domain.IsTerminal(txn.State) || txn.PayoutPending {
			continue
		}
		terminalAt := txn.CompletedAt
		if terminalAt == nil {
			terminalAt = txn.RefundedAt
		}
		if terminalAt == nil {
			terminalAt = txn.CancelledAt
		}
		if terminalAt == nil || terminalAt.After(cutoff) {
			continue
		}
		m.archived[id] = txn
		delete(m.transactions, id)
		archived++
	}
	return archived, nil
}

func (m *MemoryStore) PruneReviewedFlagsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.FraudFlag
	var pruned int64
	for _, f := range m.flags {
		if f.Reviewed && f.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, f)
	}
	m.flags = kept
	return pruned, nil
}

func (m *MemoryStore) SaveReceipt(ctx context.Context, key, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[key]; !ok {
		m.receipts[key] = receipt
	}
	return nil
}

func (m *MemoryStore) GetReceipt(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[key]
	if !ok {
		return "", fmt.Errorf("%w: receipt %s", domain.ErrNotFound, key)
	}
	return receipt, nil
}
