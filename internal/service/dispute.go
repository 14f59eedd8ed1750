package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Dispute categories accepted from filers.
var disputeCategories = map[string]struct{}{
	"not_received":       {},
	"damaged":            {},
	"not_as_described":   {},
	"wrong_item":         {},
	"seller_unreachable": {},
	"other":              {},
}

var (
	ErrBadCategory      = errors.New("unknown dispute category")
	ErrBadSplitFraction = errors.New("split fraction must be strictly between 0 and 1")
)

// FileDispute freezes a transaction and opens a dispute. At most one dispute
// may be open per transaction; the storage layer enforces that with the
// same error this surfaces.
func (s *EscrowService) FileDispute(ctx context.Context, txn *models.Transaction, filedBy uuid.UUID, category, reason string) (*models.Dispute, error) {
	if filedBy != txn.BuyerID && filedBy != txn.SellerID {
		return nil, ErrNotParty
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if _, ok := disputeCategories[category]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadCategory, category)
	}
	actor := domain.ActorBuyer
	if filedBy == txn.SellerID {
		actor = domain.ActorSeller
	}

	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:      txn,
		ToState:  domain.StateDisputed,
		Action:   domain.ActionNone,
		Actor:    actor,
		Metadata: map[string]string{"category": category},
	})
	if err != nil {
		return nil, err
	}

	d := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: committed.ID,
		FiledBy:       filedBy,
		Category:      category,
		Reason:        reason,
		Status:        domain.DisputeOpen,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}
	s.notifyParties(ctx, committed, notifier.TemplateDisputeOpened, map[string]string{"category": category})
	return d, nil
}

// Freeze is an admin hold: it disputes the transaction on the platform's
// behalf so no deadline automation can touch it while under investigation.
func (s *EscrowService) Freeze(ctx context.Context, txn *models.Transaction, reason string) (*models.Dispute, error) {
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:      txn,
		ToState:  domain.StateDisputed,
		Action:   domain.ActionNone,
		Actor:    domain.ActorAdmin,
		Metadata: map[string]string{"reason": reason},
	})
	if err != nil {
		return nil, err
	}
	d := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: committed.ID,
		FiledBy:       uuid.Nil,
		Category:      "other",
		Reason:        reason,
		Status:        domain.DisputeUnderReview,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// MarkUnderReview records that an admin has picked up an open dispute.
func (s *EscrowService) MarkUnderReview(ctx context.Context, disputeID uuid.UUID) error {
	return s.store.SetDisputeUnderReview(ctx, disputeID)
}

// ResolveDisputeRequest is an admin ruling on an open dispute. Fraction is
// required for split resolutions: it is the share of the principal refunded
// to the buyer. The fee is never refunded on a split.
type ResolveDisputeRequest struct {
	DisputeID  uuid.UUID
	Resolution string
	Fraction   *decimal.Decimal
	Notes      string
	ResolvedBy uuid.UUID
}

// ResolveDispute closes a dispute exactly once and moves the frozen funds
// according to the ruling. A second resolution attempt, even a concurrent
// one, fails with domain.ErrAlreadyResolved and moves nothing.
func (s *EscrowService) ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (*models.Transaction, error) {
	d, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DisputeResolved || d.Status == domain.DisputeClosed {
		return nil, domain.ErrAlreadyResolved
	}

	resolution := strings.ToLower(strings.TrimSpace(req.Resolution))
	var toState string
	var action domain.Action
	switch resolution {
	case domain.ResolutionBuyer:
		toState, action = domain.StateRefunded, domain.ActionRefund
	case domain.ResolutionSeller:
		toState, action = domain.StateCompleted, domain.ActionRelease
	case domain.ResolutionSplit:
		if req.Fraction == nil || !domain.ValidSplitFraction(*req.Fraction) {
			return nil, ErrBadSplitFraction
		}
		toState, action = domain.StateCompleted, domain.ActionSplit
	default:
		return nil, fmt.Errorf("unknown resolution %q", req.Resolution)
	}

	txn, err := s.store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}

	// The conditional dispute update is the only gate against double
	// resolution; it must win before any state or money changes.
	if _, err := s.store.ResolveDispute(ctx, DisputeResolution{
		DisputeID:  req.DisputeID,
		Resolution: resolution,
		Fraction:   req.Fraction,
		Notes:      req.Notes,
		ResolvedBy: req.ResolvedBy,
		Now:        s.now(),
	}); err != nil {
		return nil, err
	}

	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:           txn,
		ToState:       toState,
		Action:        action,
		Actor:         domain.ActorAdmin,
		SplitFraction: req.Fraction,
		Metadata:      map[string]string{"resolution": resolution},
	})
	if err != nil && !errors.Is(err, domain.ErrGatewayFailure) {
		// The ruling is recorded but the state never moved. Revert the
		// dispute so the admin can reapply it; otherwise it would strand a
		// resolved dispute on a still-disputed transaction.
		if rerr := s.store.ReopenDispute(ctx, req.DisputeID); rerr != nil {
			zap.L().Error("failed to reopen dispute after commit failure",
				zap.Error(rerr), zap.String("dispute_id", req.DisputeID.String()))
		}
		return committed, err
	}
	if committed != nil {
		s.notifyParties(ctx, committed, notifier.TemplateDisputeResolved, map[string]string{"resolution": resolution})
	}
	return committed, err
}
