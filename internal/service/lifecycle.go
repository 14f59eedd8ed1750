package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
)

// CreateEscrowRequest opens a new escrow between a buyer and a seller.
// Amounts are integer minor units.
type CreateEscrowRequest struct {
	BuyerID        uuid.UUID
	SellerID       uuid.UUID
	PrincipalCents int64
	Currency       string
	Description    string
}

// CreateEscrow records a Pending transaction and quotes the fee from the
// seller's tier. No funds move until payment is confirmed.
func (s *EscrowService) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*models.Transaction, error) {
	if req.BuyerID == uuid.Nil || req.SellerID == uuid.Nil {
		return nil, ErrNotParty
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if req.PrincipalCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.PrincipalCents > s.maxAmountCents {
		return nil, ErrAmountTooHigh
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "KES"
	}

	feeBps := int64(domain.FeeBpsStandard)
	if stats, err := s.store.GetSellerStats(ctx, req.SellerID); err == nil && stats.VerifiedTier {
		feeBps = domain.FeeBpsVerified
	}
	fee := domain.EscrowFee(req.PrincipalCents, feeBps)

	now := s.now()
	txn := &models.Transaction{
		ID:             domain.NewTransactionID(now),
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		PrincipalCents: req.PrincipalCents,
		FeeCents:       fee,
		TotalCents:     domain.TotalCollected(req.PrincipalCents, fee),
		PayoutCents:    domain.PayoutToSeller(req.PrincipalCents, fee),
		Currency:       currency,
		Description:    req.Description,
		State:          domain.StatePending,
		Version:        1,
		CreatedAt:      now,
	}
	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// ConfirmPayment moves a Pending transaction to Paid once the buyer's funds
// are held, arming the seller's ship-by deadline.
func (s *EscrowService) ConfirmPayment(ctx context.Context, txn *models.Transaction, paymentRef string) (*models.Transaction, error) {
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:        txn,
		ToState:    domain.StatePaid,
		Action:     domain.ActionNone,
		Actor:      domain.ActorBuyer,
		PaymentRef: &paymentRef,
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, committed, notifier.TemplatePaymentHeld, nil)
	return committed, nil
}

// MarkShipped is the seller declaring dispatch, arming auto-release.
func (s *EscrowService) MarkShipped(ctx context.Context, txn *models.Transaction, sellerID uuid.UUID) (*models.Transaction, error) {
	if txn.SellerID != sellerID {
		return nil, ErrNotParty
	}
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:     txn,
		ToState: domain.StateShipped,
		Action:  domain.ActionNone,
		Actor:   domain.ActorSeller,
	})
	if err != nil {
		return nil, err
	}
	s.notify.Send(ctx, notifier.Message{
		RecipientID:   committed.BuyerID,
		TransactionID: committed.ID,
		Template:      notifier.TemplateShipped,
	})
	return committed, nil
}

// ConfirmDelivery is the buyer acknowledging arrival. The auto-release clock
// restarts so the buyer gets the full inspection window.
func (s *EscrowService) ConfirmDelivery(ctx context.Context, txn *models.Transaction, buyerID uuid.UUID) (*models.Transaction, error) {
	if txn.BuyerID != buyerID {
		return nil, ErrNotParty
	}
	return s.AttemptTransition(ctx, TransitionRequest{
		Txn:     txn,
		ToState: domain.StateDelivered,
		Action:  domain.ActionNone,
		Actor:   domain.ActorBuyer,
	})
}

// ApproveRelease is the buyer accepting the goods: the transaction completes
// and the payout goes to the seller.
func (s *EscrowService) ApproveRelease(ctx context.Context, txn *models.Transaction, buyerID uuid.UUID) (*models.Transaction, error) {
	if txn.BuyerID != buyerID {
		return nil, ErrNotParty
	}
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:     txn,
		ToState: domain.StateCompleted,
		Action:  domain.ActionRelease,
		Actor:   domain.ActorBuyer,
	})
	if committed != nil && domain.NormalizeState(committed.State) == domain.StateCompleted {
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   committed.SellerID,
			TransactionID: committed.ID,
			Template:      notifier.TemplateReleased,
		})
	}
	return committed, err
}

// Cancel aborts a transaction. From Pending nothing has been collected; from
// Paid the buyer is made whole, total collected including the fee.
func (s *EscrowService) Cancel(ctx context.Context, txn *models.Transaction, requestedBy uuid.UUID, reason string) (*models.Transaction, error) {
	if requestedBy != txn.BuyerID && requestedBy != txn.SellerID {
		return nil, ErrNotParty
	}
	actor := domain.ActorBuyer
	if requestedBy == txn.SellerID {
		actor = domain.ActorSeller
	}
	action := domain.ActionNone
	if domain.NormalizeState(txn.State) == domain.StatePaid {
		action = domain.ActionRefund
	}
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:      txn,
		ToState:  domain.StateCancelled,
		Action:   action,
		Actor:    actor,
		Metadata: map[string]string{"reason": reason},
	})
	if committed != nil && domain.NormalizeState(committed.State) == domain.StateCancelled {
		s.notifyParties(ctx, committed, notifier.TemplateCancelled, map[string]string{"reason": reason})
	}
	return committed, err
}

// ManualRelease is an admin override that completes the transaction and pays
// the seller without waiting for the buyer or the deadline.
func (s *EscrowService) ManualRelease(ctx context.Context, txn *models.Transaction, note string) (*models.Transaction, error) {
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:      txn,
		ToState:  domain.StateCompleted,
		Action:   domain.ActionRelease,
		Actor:    domain.ActorAdmin,
		Metadata: map[string]string{"note": note},
	})
	if committed != nil && domain.NormalizeState(committed.State) == domain.StateCompleted {
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   committed.SellerID,
			TransactionID: committed.ID,
			Template:      notifier.TemplateReleased,
		})
	}
	return committed, err
}

// ManualRefund is an admin override that refunds the buyer in full. It is only
// legal where the table permits Refunded; frozen or shipped goods first need a
// dispute.
func (s *EscrowService) ManualRefund(ctx context.Context, txn *models.Transaction, note string) (*models.Transaction, error) {
	committed, err := s.AttemptTransition(ctx, TransitionRequest{
		Txn:      txn,
		ToState:  domain.StateRefunded,
		Action:   domain.ActionRefund,
		Actor:    domain.ActorAdmin,
		Metadata: map[string]string{"note": note},
	})
	if committed != nil && domain.NormalizeState(committed.State) == domain.StateRefunded {
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   committed.BuyerID,
			TransactionID: committed.ID,
			Template:      notifier.TemplateRefunded,
		})
	}
	return committed, err
}

// GetTransaction loads one transaction by its public identifier.
func (s *EscrowService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns transactions matching the filter, newest first.
func (s *EscrowService) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// Timeline returns the audit trail of a transaction in commit order.
func (s *EscrowService) Timeline(ctx context.Context, id string) ([]models.AuditEvent, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, id)
}

func (s *EscrowService) notifyParties(ctx context.Context, txn *models.Transaction, template string, fields map[string]string) {
	for _, recipient := range []uuid.UUID{txn.BuyerID, txn.SellerID} {
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   recipient,
			TransactionID: txn.ID,
			Template:      template,
			Fields:        fields,
		})
	}
}
