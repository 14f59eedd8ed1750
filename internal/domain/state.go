package domain

import "strings"

// Escrow transaction states.
const (
	StatePending   = "PENDING"
	StatePaid      = "PAID"
	StateShipped   = "SHIPPED"
	StateDelivered = "DELIVERED"
	StateDisputed  = "DISPUTED"
	StateCompleted = "COMPLETED"
	StateRefunded  = "REFUNDED"
	StateCancelled = "CANCELLED"
)

// Dispute statuses.
const (
	DisputeOpen        = "OPEN"
	DisputeUnderReview = "UNDER_REVIEW"
	DisputeResolved    = "RESOLVED"
	DisputeClosed      = "CLOSED"
)

// Dispute resolution outcomes.
const (
	ResolutionBuyer  = "buyer"
	ResolutionSeller = "seller"
	ResolutionSplit  = "split"
)

// Fraud flag severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Actors recorded on audit events.
const (
	ActorBuyer  = "buyer"
	ActorSeller = "seller"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

var escrowTransitions = map[string]map[string]struct{}{
	StatePending: {
		StatePaid:      {},
		StateCancelled: {},
	},
	StatePaid: {
		StateShipped:   {},
		StateCancelled: {},
		StateDisputed:  {},
		StateRefunded:  {},
	},
	StateShipped: {
		StateDelivered: {},
		StateDisputed:  {},
		StateCompleted: {},
	},
	StateDelivered: {
		StateCompleted: {},
		StateDisputed:  {},
	},
	StateDisputed: {
		StateCompleted: {},
		StateRefunded:  {},
	},
	StateCompleted: {},
	StateRefunded:  {},
	StateCancelled: {},
}

// NormalizeState upper-cases and trims a state value read from storage or input.
func NormalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

// CanTransition reports whether next is a legal successor of current.
// The table is actor-independent: admin overrides bypass deadline checks
// elsewhere, never this table.
func CanTransition(current, next string) bool {
	current = NormalizeState(current)
	next = NormalizeState(next)
	nextStates, ok := escrowTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state string) bool {
	return len(escrowTransitions[NormalizeState(state)]) == 0
}

// IsDisputable reports whether a dispute may be filed in this state.
func IsDisputable(state string) bool {
	return CanTransition(state, StateDisputed)
}
