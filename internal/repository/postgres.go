package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/service"
)

const uniqueViolation = "23505"

const transactionColumns = `id, buyer_id, seller_id, description, currency,
	principal_cents, fee_cents, total_cents, payout_cents, state, version,
	created_at, paid_at, shipped_at, delivered_at, completed_at, refunded_at,
	cancelled_at, ship_by, auto_release_at, payment_ref, payout_ref,
	payout_pending, payout_error`

// PostgresStore is the production store. The conditional UPDATE in
// ApplyTransition is the write that serializes concurrent transition
// attempts; everything else is plain reads and inserts.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ service.Store = (*PostgresStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	txn := &models.Transaction{}
	err := row.Scan(
		&txn.ID, &txn.BuyerID, &txn.SellerID, &txn.Description, &txn.Currency,
		&txn.PrincipalCents, &txn.FeeCents, &txn.TotalCents, &txn.PayoutCents,
		&txn.State, &txn.Version,
		&txn.CreatedAt, &txn.PaidAt, &txn.ShippedAt, &txn.DeliveredAt,
		&txn.CompletedAt, &txn.RefundedAt, &txn.CancelledAt,
		&txn.ShipBy, &txn.AutoReleaseAt, &txn.PaymentRef, &txn.PayoutRef,
		&txn.PayoutPending, &txn.PayoutError,
	)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostgresStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `INSERT INTO escrow_transactions
		(id, buyer_id, seller_id, description, currency,
		 principal_cents, fee_cents, total_cents, payout_cents,
		 state, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := s.db.Exec(ctx, query,
		txn.ID, txn.BuyerID, txn.SellerID, txn.Description, txn.Currency,
		txn.PrincipalCents, txn.FeeCents, txn.TotalCents, txn.PayoutCents,
		txn.State, txn.Version, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE id = $1`
	txn, err := scanTransaction(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, filter service.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE ($1 = '' OR state = $1)
		  AND (NOT $2::boolean OR payout_pending)
		  AND ($3::uuid IS NULL OR buyer_id = $3)
		  AND ($4::uuid IS NULL OR seller_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, query,
		domain.NormalizeState(filter.State), filter.PayoutPending,
		filter.BuyerID, filter.SellerID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	var out []models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, upd service.TransitionUpdate) (*models.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE escrow_transactions SET
			state = $4,
			version = version + 1,
			paid_at      = CASE WHEN $4 = 'PAID'      THEN COALESCE(paid_at, $5)      ELSE paid_at      END,
			shipped_at   = CASE WHEN $4 = 'SHIPPED'   THEN COALESCE(shipped_at, $5)   ELSE shipped_at   END,
			delivered_at = CASE WHEN $4 = 'DELIVERED' THEN COALESCE(delivered_at, $5) ELSE delivered_at END,
			completed_at = CASE WHEN $4 = 'COMPLETED' THEN COALESCE(completed_at, $5) ELSE completed_at END,
			refunded_at  = CASE WHEN $4 = 'REFUNDED'  THEN COALESCE(refunded_at, $5)  ELSE refunded_at  END,
			cancelled_at = CASE WHEN $4 = 'CANCELLED' THEN COALESCE(cancelled_at, $5) ELSE cancelled_at END,
			ship_by         = COALESCE($6, ship_by),
			auto_release_at = COALESCE($7, auto_release_at),
			payment_ref     = COALESCE(payment_ref, $8)
		WHERE id = $1 AND state = $2 AND version = $3
		RETURNING ` + transactionColumns
	txn, err := scanTransaction(tx.QueryRow(ctx, query,
		upd.ID, upd.FromState, upd.FromVersion, upd.ToState, upd.Now,
		upd.ShipBy, upd.AutoReleaseAt, upd.PaymentRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyMissedUpdate(ctx, upd.ID)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrDuplicateReceipt, upd.ID)
		}
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}

	audit := `INSERT INTO audit_events
		(transaction_id, from_state, to_state, actor, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, audit,
		upd.ID, upd.FromState, upd.ToState, upd.Actor, string(upd.Action),
		upd.Metadata, upd.Now); err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return txn, nil
}

// classifyMissedUpdate distinguishes a lost optimistic race from a missing
// row after the conditional UPDATE matched nothing.
func (s *PostgresStore) classifyMissedUpdate(ctx context.Context, id string) error {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`
	if err := s.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to classify transition conflict: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return fmt.Errorf("%w: transaction %s", domain.ErrStaleVersion, id)
}

func (s *PostgresStore) SetPayoutOutcome(ctx context.Context, id string, payoutRef *string, pending bool, reason string) error {
	query := `UPDATE escrow_transactions SET
			payout_ref = COALESCE(payout_ref, $2),
			payout_pending = $3,
			payout_error = $4
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, payoutRef, pending, reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: transaction %s", domain.ErrDuplicateReceipt, id)
		}
		return fmt.Errorf("failed to set payout outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Timeline(ctx context.Context, id string) ([]models.AuditEvent, error) {
	query := `SELECT id, transaction_id, from_state, to_state, actor, action, metadata, created_at
		FROM audit_events WHERE transaction_id = $1 ORDER BY id`
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.FromState, &ev.ToState,
			&ev.Actor, &ev.Action, &ev.Metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const disputeColumns = `id, transaction_id, filed_by, category, reason, status,
	resolution, split_fraction, notes, resolved_by, created_at, resolved_at`

func scanDispute(row rowScanner) (*models.Dispute, error) {
	d := &models.Dispute{}
	err := row.Scan(&d.ID, &d.TransactionID, &d.FiledBy, &d.Category, &d.Reason,
		&d.Status, &d.Resolution, &d.SplitFraction, &d.Notes, &d.ResolvedBy,
		&d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) CreateDispute(ctx context.Context, d *models.Dispute) error {
	query := `INSERT INTO disputes
		(id, transaction_id, filed_by, category, reason, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		d.ID, d.TransactionID, d.FiledBy, d.Category, d.Reason, d.Status, d.Notes, d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: transaction %s", domain.ErrDisputeOpen, d.TransactionID)
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	d, err := scanDispute(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) OpenDisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
		WHERE transaction_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`
	d, err := scanDispute(s.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: open dispute for %s", domain.ErrNotFound, transactionID)
		}
		return nil, fmt.Errorf("failed to get open dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) DisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
		WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`
	d, err := scanDispute(s.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: dispute for %s", domain.ErrNotFound, transactionID)
		}
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) SetDisputeUnderReview(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE disputes SET status = 'UNDER_REVIEW'
		WHERE id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark dispute under review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyDisputeMiss(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ResolveDispute(ctx context.Context, res service.DisputeResolution) (*models.Dispute, error) {
	query := `UPDATE disputes SET
			status = 'RESOLVED',
			resolution = $2,
			split_fraction = $3,
			notes = $4,
			resolved_by = $5,
			resolved_at = $6
		WHERE id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')
		RETURNING ` + disputeColumns
	d, err := scanDispute(s.db.QueryRow(ctx, query,
		res.DisputeID, res.Resolution, res.Fraction, res.Notes, res.ResolvedBy, res.Now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyDisputeMiss(ctx, res.DisputeID)
		}
		return nil, fmt.Errorf("failed to resolve dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ReopenDispute(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE disputes SET
			status = 'UNDER_REVIEW',
			resolution = NULL,
			split_fraction = NULL,
			resolved_by = NULL,
			resolved_at = NULL
		WHERE id = $1 AND status = 'RESOLVED'`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to reopen dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) classifyDisputeMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`
	if err := s.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to classify dispute conflict: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: dispute %s", domain.ErrNotFound, id)
	}
	return domain.ErrAlreadyResolved
}

func (s *PostgresStore) AutoReleaseCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE state IN ('SHIPPED', 'DELIVERED') AND auto_release_at <= $1
		ORDER BY auto_release_at LIMIT $2`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan auto-release candidates: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) AutoRefundCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE state = 'PAID' AND ship_by <= $1
		ORDER BY ship_by LIMIT $2`
	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan auto-refund candidates: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) PaidBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE state = 'PAID' AND paid_at BETWEEN $1 AND $2`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan paid transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) ShippedBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE state = 'SHIPPED' AND shipped_at BETWEEN $1 AND $2`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to scan shipped transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) PayoutPendingTransactions(ctx context.Context) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
		WHERE payout_pending ORDER BY created_at`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending payouts: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) DisputeCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]service.SubjectCount, error) {
	query := `SELECT d.filed_by, COUNT(*)
		FROM disputes d
		JOIN escrow_transactions t ON t.id = d.transaction_id
		WHERE d.created_at >= $1 AND d.filed_by = t.buyer_id
		GROUP BY d.filed_by
		HAVING COUNT(*) >= $2`
	return s.subjectCounts(ctx, query, since, minCount)
}

func (s *PostgresStore) RefundCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]service.SubjectCount, error) {
	query := `SELECT buyer_id, COUNT(*)
		FROM escrow_transactions
		WHERE state = 'REFUNDED' AND refunded_at >= $1
		GROUP BY buyer_id
		HAVING COUNT(*) >= $2`
	return s.subjectCounts(ctx, query, since, minCount)
}

func (s *PostgresStore) subjectCounts(ctx context.Context, query string, since time.Time, min int64) ([]service.SubjectCount, error) {
	rows, err := s.db.Query(ctx, query, since, min)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate subject counts: %w", err)
	}
	defer rows.Close()

	var out []service.SubjectCount
	for rows.Next() {
		var c service.SubjectCount
		if err := rows.Scan(&c.SubjectID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan subject count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SellerDisputeRates(ctx context.Context, since time.Time, minTotal int64) ([]service.SellerDisputeRate, error) {
	query := `SELECT t.seller_id, COUNT(*),
			COUNT(*) FILTER (WHERE t.state = 'DISPUTED' OR d.id IS NOT NULL)
		FROM escrow_transactions t
		LEFT JOIN disputes d ON d.transaction_id = t.id
		WHERE t.created_at >= $1
		GROUP BY t.seller_id
		HAVING COUNT(*) >= $2`
	rows, err := s.db.Query(ctx, query, since, minTotal)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate seller dispute rates: %w", err)
	}
	defer rows.Close()

	var out []service.SellerDisputeRate
	for rows.Next() {
		var r service.SellerDisputeRate
		if err := rows.Scan(&r.SellerID, &r.Total, &r.Disputed); err != nil {
			return nil, fmt.Errorf("failed to scan seller dispute rate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertFraudFlag(ctx context.Context, flag *models.FraudFlag) error {
	query := `INSERT INTO fraud_flags
		(subject_id, role, pattern, severity, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, pattern) WHERE NOT reviewed DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		flag.SubjectID, flag.Role, flag.Pattern, flag.Severity, flag.Evidence, flag.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fraud flag: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFraudFlags(ctx context.Context, unreviewedOnly bool) ([]models.FraudFlag, error) {
	query := `SELECT id, subject_id, role, pattern, severity, evidence, reviewed, created_at
		FROM fraud_flags
		WHERE NOT $1::boolean OR NOT reviewed
		ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, unreviewedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud flags: %w", err)
	}
	defer rows.Close()

	var out []models.FraudFlag
	for rows.Next() {
		var f models.FraudFlag
		if err := rows.Scan(&f.ID, &f.SubjectID, &f.Role, &f.Pattern,
			&f.Severity, &f.Evidence, &f.Reviewed, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fraud flag: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkFraudFlagReviewed(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE fraud_flags SET reviewed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark fraud flag reviewed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: fraud flag %d", domain.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AddRating(ctx context.Context, rating *models.Rating) error {
	query := `INSERT INTO ratings
		(transaction_id, seller_id, buyer_id, score, review, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := s.db.QueryRow(ctx, query,
		rating.TransactionID, rating.SellerID, rating.BuyerID,
		rating.Score, rating.Review, rating.CreatedAt).Scan(&rating.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("transaction %s already rated", rating.TransactionID)
		}
		return fmt.Errorf("failed to add rating: %w", err)
	}
	return nil
}

func (s *PostgresStore) SellersCompletedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	query := `SELECT DISTINCT seller_id FROM escrow_transactions WHERE completed_at >= $1`
	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list recently completed sellers: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan seller id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SellerAggregates(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error) {
	stats := &models.SellerStats{SellerID: sellerID}
	query := `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE t.state = 'COMPLETED'),
			COUNT(*) FILTER (WHERE t.state = 'DISPUTED' OR d.id IS NOT NULL)
		FROM escrow_transactions t
		LEFT JOIN disputes d ON d.transaction_id = t.id
		WHERE t.seller_id = $1`
	if err := s.db.QueryRow(ctx, query, sellerID).Scan(
		&stats.TotalSales, &stats.Completed, &stats.Disputed); err != nil {
		return nil, fmt.Errorf("failed to aggregate seller transactions: %w", err)
	}

	ratingQuery := `SELECT COUNT(*), COALESCE(AVG(score), 0) FROM ratings WHERE seller_id = $1`
	if err := s.db.QueryRow(ctx, ratingQuery, sellerID).Scan(
		&stats.RatingCount, &stats.AvgRating); err != nil {
		return nil, fmt.Errorf("failed to aggregate seller ratings: %w", err)
	}

	if stats.TotalSales > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.TotalSales)
	}
	return stats, nil
}

func (s *PostgresStore) UpsertSellerStats(ctx context.Context, stats *models.SellerStats) error {
	query := `INSERT INTO seller_stats
		(seller_id, avg_rating, rating_count, total_sales, completed, disputed,
		 success_rate, verified_tier, recomputed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (seller_id) DO UPDATE SET
			avg_rating = EXCLUDED.avg_rating,
			rating_count = EXCLUDED.rating_count,
			total_sales = EXCLUDED.total_sales,
			completed = EXCLUDED.completed,
			disputed = EXCLUDED.disputed,
			success_rate = EXCLUDED.success_rate,
			verified_tier = EXCLUDED.verified_tier,
			recomputed_at = EXCLUDED.recomputed_at`
	_, err := s.db.Exec(ctx, query,
		stats.SellerID, stats.AvgRating, stats.RatingCount, stats.TotalSales,
		stats.Completed, stats.Disputed, stats.SuccessRate, stats.VerifiedTier,
		stats.RecomputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert seller stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSellerStats(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error) {
	stats := &models.SellerStats{}
	query := `SELECT seller_id, avg_rating, rating_count, total_sales, completed,
			disputed, success_rate, verified_tier, recomputed_at
		FROM seller_stats WHERE seller_id = $1`
	err := s.db.QueryRow(ctx, query, sellerID).Scan(
		&stats.SellerID, &stats.AvgRating, &stats.RatingCount, &stats.TotalSales,
		&stats.Completed, &stats.Disputed, &stats.SuccessRate, &stats.VerifiedTier,
		&stats.RecomputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: seller stats %s", domain.ErrNotFound, sellerID)
		}
		return nil, fmt.Errorf("failed to get seller stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `WITH moved AS (
			DELETE FROM escrow_transactions
			WHERE state IN ('COMPLETED', 'REFUNDED', 'CANCELLED')
			  AND NOT payout_pending
			  AND COALESCE(completed_at, refunded_at, cancelled_at) < $1
			RETURNING *
		)
		INSERT INTO escrow_transactions_archive SELECT * FROM moved`
	tag, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PruneReviewedFlagsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM fraud_flags WHERE reviewed AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune fraud flags: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveReceipt(ctx context.Context, key, receipt string) error {
	query := `INSERT INTO gateway_receipts (idempotency_key, receipt, created_at)
		VALUES ($1, $2, NOW()) ON CONFLICT (idempotency_key) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, key, receipt); err != nil {
		return fmt.Errorf("failed to save gateway receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReceipt(ctx context.Context, key string) (string, error) {
	var receipt string
	query := `SELECT receipt FROM gateway_receipts WHERE idempotency_key = $1`
	err := s.db.QueryRow(ctx, query, key).Scan(&receipt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: receipt %s", domain.ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to get gateway receipt: %w", err)
	}
	return receipt, nil
}
