package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Amounts are stored as integer cents to avoid floating point errors.
// All of a transaction's money fields are fixed at creation; split
// resolution is the only recomputation and it never touches the fee.

// Fee basis points by seller verification tier. The rate is resolved once at
// creation and the resulting fee is immutable afterwards.
const (
	FeeBpsStandard = 100 // 1.00%
	FeeBpsVerified = 50  // 0.50%
)

// EscrowFee computes the fee in cents for a principal at the given rate.
// Rounds down, per gateway settlement convention.
func EscrowFee(principalCents int64, feeBps int64) int64 {
	p := decimal.NewFromInt(principalCents)
	return p.Mul(decimal.NewFromInt(feeBps)).Div(decimal.NewFromInt(10_000)).IntPart()
}

// TotalCollected is what the buyer pays in: principal plus fee.
func TotalCollected(principalCents, feeCents int64) int64 {
	return principalCents + feeCents
}

// PayoutToSeller is what a full release moves to the seller: principal minus fee.
func PayoutToSeller(principalCents, feeCents int64) int64 {
	return principalCents - feeCents
}

// SplitLegs returns the two fund movements of a split resolution with
// fraction f refunded to the buyer. The refund leg is f of the principal and
// the release leg is the remaining share of the seller payout; the escrow fee
// is non-refundable.
func SplitLegs(principalCents, feeCents int64, fraction decimal.Decimal) (refundCents, releaseCents int64) {
	principal := decimal.NewFromInt(principalCents)
	refundCents = principal.Mul(fraction).IntPart()
	payout := decimal.NewFromInt(PayoutToSeller(principalCents, feeCents))
	releaseCents = payout.Mul(decimal.NewFromInt(1).Sub(fraction)).IntPart()
	return refundCents, releaseCents
}

// ValidSplitFraction reports whether f is a usable split fraction, exclusive
// of the full-refund and full-release ends (those are distinct decisions).
func ValidSplitFraction(f decimal.Decimal) bool {
	return f.GreaterThan(decimal.Zero) && f.LessThan(decimal.NewFromInt(1))
}

// FormatCents renders a cents amount as a currency string for notifications.
func FormatCents(cents int64, currency string) string {
	return fmt.Sprintf("%s %s", currency, decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).StringFixed(2))
}
