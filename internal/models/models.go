package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is a single buyer-seller escrow trade. Parties and money fields
// are immutable after creation; State and Version only change through the
// state machine's conditional update.
type Transaction struct {
	ID          string    `json:"id"`
	BuyerID     uuid.UUID `json:"buyer_id"`
	SellerID    uuid.UUID `json:"seller_id"`
	Description string    `json:"description"`
	Currency    string    `json:"currency"`

	// Money, in cents. TotalCents = PrincipalCents + FeeCents,
	// PayoutCents = PrincipalCents - FeeCents.
	PrincipalCents int64 `json:"principal_cents"`
	FeeCents       int64 `json:"fee_cents"`
	TotalCents     int64 `json:"total_cents"`
	PayoutCents    int64 `json:"payout_cents"`

	State   string `json:"state"`
	Version int64  `json:"version"`

	// Each timestamp is set exactly once, when the matching state is reached.
	CreatedAt   time.Time  `json:"created_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// ShipBy is armed on payment; AutoReleaseAt on shipment, re-armed on
	// delivery confirmation.
	ShipBy        *time.Time `json:"ship_by,omitempty"`
	AutoReleaseAt *time.Time `json:"auto_release_at,omitempty"`

	// External gateway references, each set at most once.
	PaymentRef *string `json:"payment_ref,omitempty"`
	PayoutRef  *string `json:"payout_ref,omitempty"`

	// PayoutPending marks a committed transition whose fund movement failed
	// and must be retried against the same idempotency key.
	PayoutPending bool   `json:"payout_pending"`
	PayoutError   string `json:"payout_error,omitempty"`
}

// Dispute links at most one open case to a transaction at a time.
type Dispute struct {
	ID            uuid.UUID        `json:"id"`
	TransactionID string           `json:"transaction_id"`
	FiledBy       uuid.UUID        `json:"filed_by"`
	Category      string           `json:"category"`
	Reason        string           `json:"reason"`
	Status        string           `json:"status"`
	Resolution    *string          `json:"resolution,omitempty"`
	SplitFraction *decimal.Decimal `json:"split_fraction,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	ResolvedBy    *uuid.UUID       `json:"resolved_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// AuditEvent is one immutable row of a transaction's timeline.
type AuditEvent struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	FromState     string    `json:"from_state"`
	ToState       string    `json:"to_state"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Metadata      []byte    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FraudFlag is advisory output of the pattern detector; it never mutates
// transaction state.
type FraudFlag struct {
	ID        int64     `json:"id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Role      string    `json:"role"` // buyer or seller
	Pattern   string    `json:"pattern"`
	Severity  string    `json:"severity"` // low, medium, high, critical
	Evidence  string    `json:"evidence"`
	Reviewed  bool      `json:"reviewed"`
	CreatedAt time.Time `json:"created_at"`
}

// Rating is a buyer's 1-5 review of a completed transaction.
type Rating struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transaction_id"`
	SellerID      uuid.UUID `json:"seller_id"`
	BuyerID       uuid.UUID `json:"buyer_id"`
	Score         int       `json:"score"`
	Review        string    `json:"review,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SellerStats is the advisory aggregate recomputed by the rating sweep.
type SellerStats struct {
	SellerID     uuid.UUID `json:"seller_id"`
	AvgRating    float64   `json:"avg_rating"`
	RatingCount  int64     `json:"rating_count"`
	TotalSales   int64     `json:"total_sales"`
	Completed    int64     `json:"completed"`
	Disputed     int64     `json:"disputed"`
	SuccessRate  float64   `json:"success_rate"`
	VerifiedTier bool      `json:"verified_tier"`
	RecomputedAt time.Time `json:"recomputed_at"`
}
