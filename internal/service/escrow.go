package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/gateway"
	"github.com/mwangiq/escrow-engine/internal/idempotency"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/mwangiq/escrow-engine/internal/observability"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotParty      = errors.New("user is not a party to this transaction")
	ErrSameParty     = errors.New("buyer and seller cannot be the same user")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrAmountTooHigh = errors.New("amount exceeds the escrow limit")
)

// EscrowService is the single authority for transaction state transitions.
// Every inbound trigger, including scheduler sweeps and admin overrides,
// funnels through AttemptTransition; nothing else is permitted to reach a
// terminal state or call the fund-movement gateway.
type EscrowService struct {
	store    Store
	gateway  gateway.Gateway
	receipts *idempotency.Receipts
	notify   notifier.Notifier

	shipWindow     time.Duration
	releaseWindow  time.Duration
	maxAmountCents int64
	now            func() time.Time
}

func NewEscrowService(store Store, gw gateway.Gateway, receipts *idempotency.Receipts, n notifier.Notifier) *EscrowService {
	return &EscrowService{
		store:          store,
		gateway:        gw,
		receipts:       receipts,
		notify:         n,
		shipWindow:     72 * time.Hour,
		releaseWindow:  7 * 24 * time.Hour,
		maxAmountCents: 50_000_000,
		now:            time.Now,
	}
}

// WithWindows overrides the ship-by and auto-release deadlines.
func (s *EscrowService) WithWindows(ship, release time.Duration) *EscrowService {
	if ship > 0 {
		s.shipWindow = ship
	}
	if release > 0 {
		s.releaseWindow = release
	}
	return s
}

// WithAmountLimit overrides the maximum escrow principal.
func (s *EscrowService) WithAmountLimit(maxCents int64) *EscrowService {
	if maxCents > 0 {
		s.maxAmountCents = maxCents
	}
	return s
}

// WithClock injects a deterministic clock for tests.
func (s *EscrowService) WithClock(now func() time.Time) *EscrowService {
	if now != nil {
		s.now = now
	}
	return s
}

// TransitionRequest carries one transition attempt. Txn is the record as the
// caller last observed it; its state and version form the optimistic lock.
type TransitionRequest struct {
	Txn           *models.Transaction
	ToState       string
	Action        domain.Action
	Actor         string
	SplitFraction *decimal.Decimal
	Metadata      map[string]string
	PaymentRef    *string
}

// AttemptTransition validates legality and deadlines, commits the state change
// under the optimistic lock, and issues at most one fund movement per
// idempotency key. On domain.ErrGatewayFailure the new state has already
// committed: the transaction is flagged payout-pending and the same key must
// be retried, never re-derived.
func (s *EscrowService) AttemptTransition(ctx context.Context, req TransitionRequest) (*models.Transaction, error) {
	from := domain.NormalizeState(req.Txn.State)
	to := domain.NormalizeState(req.ToState)

	if !domain.CanTransition(from, to) {
		observability.IncrementTransition(to, "illegal")
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	if err := s.checkDeadline(req.Txn, to, req.Actor); err != nil {
		return nil, err
	}

	now := s.now()
	upd := TransitionUpdate{
		ID:          req.Txn.ID,
		FromState:   from,
		FromVersion: req.Txn.Version,
		ToState:     to,
		Actor:       req.Actor,
		Action:      req.Action,
		Metadata:    marshalMetadata(req.Metadata),
		Now:         now,
		PaymentRef:  req.PaymentRef,
	}
	switch to {
	case domain.StatePaid:
		shipBy := now.Add(s.shipWindow)
		upd.ShipBy = &shipBy
	case domain.StateShipped, domain.StateDelivered:
		releaseAt := now.Add(s.releaseWindow)
		upd.AutoReleaseAt = &releaseAt
	}

	committed, err := s.store.ApplyTransition(ctx, upd)
	if err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			observability.IncrementTransition(to, "stale")
		}
		return nil, err
	}
	observability.IncrementTransition(to, "committed")

	if req.Action == domain.ActionNone {
		return committed, nil
	}
	if err := s.settle(ctx, committed, req.Action, req.SplitFraction); err != nil {
		return committed, err
	}
	return committed, nil
}

// checkDeadline enforces the deadline preconditions for system-initiated
// transitions. Admin and user actors bypass deadlines, never legality.
func (s *EscrowService) checkDeadline(txn *models.Transaction, to, actor string) error {
	if actor != domain.ActorSystem {
		return nil
	}
	now := s.now()
	switch to {
	case domain.StateCompleted:
		if txn.AutoReleaseAt == nil || txn.AutoReleaseAt.After(now) {
			return fmt.Errorf("%w: auto-release for %s", domain.ErrDeadlineNotPassed, txn.ID)
		}
	case domain.StateRefunded:
		if domain.NormalizeState(txn.State) == domain.StatePaid {
			if txn.ShipBy == nil || txn.ShipBy.After(now) {
				return fmt.Errorf("%w: ship-by for %s", domain.ErrDeadlineNotPassed, txn.ID)
			}
		}
	}
	return nil
}

// settle performs the fund movement for a committed transition. Split
// resolutions move two legs under distinct sub-keys; the refund leg runs
// first and a crash between the legs resumes from the recorded receipts.
func (s *EscrowService) settle(ctx context.Context, txn *models.Transaction, action domain.Action, fraction *decimal.Decimal) error {
	switch action {
	case domain.ActionRelease:
		return s.moveOnce(ctx, txn, domain.ActionRelease, domain.IdempotencyKey(txn.ID, domain.ActionRelease), txn.PayoutCents, txn.SellerID, true)
	case domain.ActionRefund:
		return s.moveOnce(ctx, txn, domain.ActionRefund, domain.IdempotencyKey(txn.ID, domain.ActionRefund), txn.TotalCents, txn.BuyerID, true)
	case domain.ActionSplit:
		if fraction == nil {
			derived, err := s.splitFraction(ctx, txn.ID)
			if err != nil {
				return err
			}
			fraction = derived
		}
		refundCents, releaseCents := domain.SplitLegs(txn.PrincipalCents, txn.FeeCents, *fraction)
		if err := s.moveOnce(ctx, txn, domain.ActionSplit, domain.SplitLegKey(txn.ID, domain.LegRefund), refundCents, txn.BuyerID, false); err != nil {
			return err
		}
		return s.moveOnce(ctx, txn, domain.ActionSplit, domain.SplitLegKey(txn.ID, domain.LegRelease), releaseCents, txn.SellerID, true)
	default:
		return fmt.Errorf("unknown fund action: %s", action)
	}
}

// moveOnce executes a single idempotency-keyed movement. A receipt already
// recorded for the key means the money moved in a previous attempt and the
// gateway is not called again.
func (s *EscrowService) moveOnce(ctx context.Context, txn *models.Transaction, action domain.Action, key string, amountCents int64, counterparty uuid.UUID, final bool) error {
	receipt, err := s.receipts.Lookup(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		receipt, err = s.gateway.MoveFunds(ctx, gateway.MoveFundsRequest{
			TransactionID:  txn.ID,
			Action:         action,
			IdempotencyKey: key,
			AmountCents:    amountCents,
			Currency:       txn.Currency,
			Counterparty:   counterparty,
		})
		if err != nil {
			observability.IncrementGatewayCall(string(action), "failed")
			s.markPayoutPending(ctx, txn.ID, err)
			return fmt.Errorf("%w: %v", domain.ErrGatewayFailure, err)
		}
		observability.IncrementGatewayCall(string(action), "success")
		if recErr := s.receipts.Record(ctx, key, receipt); recErr != nil {
			// The movement happened; the gateway's own idempotency covers a
			// re-attempt before the record lands.
			zap.L().Error("failed to record gateway receipt", zap.Error(recErr), zap.String("key", key))
		}
	case err != nil:
		s.markPayoutPending(ctx, txn.ID, err)
		return fmt.Errorf("%w: %v", domain.ErrGatewayFailure, err)
	}

	if final {
		if err := s.store.SetPayoutOutcome(ctx, txn.ID, &receipt, false, ""); err != nil {
			zap.L().Error("failed to record payout outcome", zap.Error(err), zap.String("transaction_id", txn.ID))
		}
	}
	return nil
}

func (s *EscrowService) markPayoutPending(ctx context.Context, id string, cause error) {
	if err := s.store.SetPayoutOutcome(ctx, id, nil, true, cause.Error()); err != nil {
		zap.L().Error("failed to flag payout pending", zap.Error(err), zap.String("transaction_id", id))
		return
	}
	zap.L().Warn("transaction flagged payout pending", zap.String("transaction_id", id), zap.String("reason", cause.Error()))
}

func (s *EscrowService) splitFraction(ctx context.Context, transactionID string) (*decimal.Decimal, error) {
	d, err := s.store.DisputeFor(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load dispute for split fraction: %w", err)
	}
	if d.SplitFraction == nil {
		return nil, fmt.Errorf("dispute %s has no split fraction", d.ID)
	}
	return d.SplitFraction, nil
}

// RetryPayout re-runs the fund movement of a payout-pending transaction using
// the idempotency keys of the original attempt.
func (s *EscrowService) RetryPayout(ctx context.Context, id string) (*models.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.PayoutPending {
		return txn, nil
	}
	action, fraction, err := s.pendingAction(ctx, txn)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, txn, action, fraction); err != nil {
		return txn, err
	}
	return s.store.GetTransaction(ctx, id)
}

// pendingAction re-derives which movement a payout-pending transaction owes
// from its committed terminal state and, for splits, the resolved dispute.
func (s *EscrowService) pendingAction(ctx context.Context, txn *models.Transaction) (domain.Action, *decimal.Decimal, error) {
	switch domain.NormalizeState(txn.State) {
	case domain.StateRefunded, domain.StateCancelled:
		return domain.ActionRefund, nil, nil
	case domain.StateCompleted:
		d, err := s.store.DisputeFor(ctx, txn.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.ActionRelease, nil, nil
			}
			return domain.ActionNone, nil, err
		}
		if d.Resolution != nil && *d.Resolution == domain.ResolutionSplit {
			return domain.ActionSplit, d.SplitFraction, nil
		}
		return domain.ActionRelease, nil, nil
	}
	return domain.ActionNone, nil, fmt.Errorf("transaction %s has no pending movement in state %s", txn.ID, txn.State)
}

func marshalMetadata(fields map[string]string) []byte {
	if len(fields) == 0 {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return data
}
