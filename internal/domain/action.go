package domain

import "fmt"

// Action is the fund movement requested alongside a state transition.
type Action string

const (
	ActionNone    Action = "none"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionSplit   Action = "split"
)

// Legs of a split resolution. Each leg carries its own idempotency sub-key
// so a crash mid-split cannot double-pay either side.
const (
	LegRelease = "release"
	LegRefund  = "refund"
)

// IdempotencyKey derives the deterministic gateway key for a fund movement.
// The key namespace is (transaction, action); split legs append the leg name.
func IdempotencyKey(transactionID string, action Action) string {
	return fmt.Sprintf("%s:%s", transactionID, action)
}

// SplitLegKey derives the per-leg key for a split movement.
func SplitLegKey(transactionID, leg string) string {
	return fmt.Sprintf("%s:%s:%s", transactionID, ActionSplit, leg)
}
