package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
)

// MoveFundsRequest describes one fund movement the state machine has already
// committed to. IdempotencyKey is derived from (transaction, action) and, for
// split legs, the leg name.
type MoveFundsRequest struct {
	TransactionID  string
	Action         domain.Action
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	Counterparty   uuid.UUID
}

// Gateway is the external fund-movement collaborator. Implementations must
// guarantee that repeated calls with the same idempotency key return the same
// receipt without moving funds again; the state machine depends on this for
// crash-safety between commit and confirmation.
type Gateway interface {
	MoveFunds(ctx context.Context, req MoveFundsRequest) (receipt string, err error)
}
