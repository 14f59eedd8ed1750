package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/shopspring/decimal"
)

// TransitionUpdate is the single mutation the state machine issues against a
// transaction. The store must apply it conditionally: the row's state and
// version must still equal FromState/FromVersion, or the update is rejected
// with domain.ErrStaleVersion. That conditional write is the sole
// serialization point for a transaction; there is no cross-transaction lock.
type TransitionUpdate struct {
	ID          string
	FromState   string
	FromVersion int64
	ToState     string
	Actor       string
	Action      domain.Action
	Metadata    []byte
	Now         time.Time

	// Deadline arming. ShipBy is set on payment; AutoReleaseAt on shipment
	// and re-armed on delivery confirmation.
	ShipBy        *time.Time
	AutoReleaseAt *time.Time

	// PaymentRef records the gateway payment receipt, set at most once.
	PaymentRef *string
}

// DisputeResolution finalizes a dispute conditionally on it still being open
// or under review; a resolved dispute yields domain.ErrAlreadyResolved.
type DisputeResolution struct {
	DisputeID  uuid.UUID
	Resolution string
	Fraction   *decimal.Decimal // split only
	Notes      string
	ResolvedBy uuid.UUID
	Now        time.Time
}

// SubjectCount is a fraud-pattern aggregate keyed by user.
type SubjectCount struct {
	SubjectID uuid.UUID
	Count     int64
}

// SellerDisputeRate aggregates a seller's recent transaction outcomes.
type SellerDisputeRate struct {
	SellerID uuid.UUID
	Total    int64
	Disputed int64
}

// TransactionFilter narrows admin transaction listings.
type TransactionFilter struct {
	State         string
	PayoutPending bool
	BuyerID       *uuid.UUID
	SellerID      *uuid.UUID
	Limit         int32
	Offset        int32
}

// Store is the durable transaction store contract required by the services.
// Postgres is the production implementation; the in-memory store mirrors its
// conditional-update semantics for deterministic tests.
type Store interface {
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)

	// ApplyTransition performs the conditional state update, sets the
	// to-state timestamp exactly once, bumps the version, and appends the
	// audit event, all atomically. It never moves funds.
	ApplyTransition(ctx context.Context, upd TransitionUpdate) (*models.Transaction, error)

	// SetPayoutOutcome records the result of a fund movement that follows a
	// committed transition: the payout receipt on success, or the
	// payout-pending flag with a reason on gateway failure.
	SetPayoutOutcome(ctx context.Context, id string, payoutRef *string, pending bool, reason string) error

	Timeline(ctx context.Context, id string) ([]models.AuditEvent, error)

	// CreateDispute inserts the dispute; at most one non-terminal dispute may
	// exist per transaction (domain.ErrDisputeOpen otherwise).
	CreateDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*models.Dispute, error)
	OpenDisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error)
	// DisputeFor returns the most recent dispute for a transaction in any
	// status, or domain.ErrNotFound when none was ever filed.
	DisputeFor(ctx context.Context, transactionID string) (*models.Dispute, error)
	SetDisputeUnderReview(ctx context.Context, id uuid.UUID) error
	ResolveDispute(ctx context.Context, res DisputeResolution) (*models.Dispute, error)
	// ReopenDispute reverts a resolved dispute to UNDER_REVIEW so the ruling
	// can be reapplied after the accompanying state commit failed.
	ReopenDispute(ctx context.Context, id uuid.UUID) error

	// Sweep candidate scans. A successful transition removes the row from the
	// next scan's result set, which is what makes overlapping runs safe.
	AutoReleaseCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error)
	AutoRefundCandidates(ctx context.Context, now time.Time, limit int32) ([]models.Transaction, error)
	PaidBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error)
	ShippedBetween(ctx context.Context, from, to time.Time) ([]models.Transaction, error)
	PayoutPendingTransactions(ctx context.Context) ([]models.Transaction, error)

	// Fraud-pattern aggregates, read-only over history.
	DisputeCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]SubjectCount, error)
	RefundCountsByBuyer(ctx context.Context, since time.Time, minCount int64) ([]SubjectCount, error)
	SellerDisputeRates(ctx context.Context, since time.Time, minTotal int64) ([]SellerDisputeRate, error)
	InsertFraudFlag(ctx context.Context, flag *models.FraudFlag) error
	ListFraudFlags(ctx context.Context, unreviewedOnly bool) ([]models.FraudFlag, error)
	MarkFraudFlagReviewed(ctx context.Context, id int64) error

	// Ratings and advisory seller aggregates.
	AddRating(ctx context.Context, rating *models.Rating) error
	SellersCompletedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	SellerAggregates(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error)
	UpsertSellerStats(ctx context.Context, stats *models.SellerStats) error
	GetSellerStats(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error)

	// Cleanup. Only terminal transactions may be archived.
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PruneReviewedFlagsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Durable gateway receipt records keyed by idempotency key.
	SaveReceipt(ctx context.Context, key, receipt string) error
	GetReceipt(ctx context.Context, key string) (string, error)
}
