package service

import (
	"context"
	"errors"
	"time"

	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/mwangiq/escrow-engine/internal/observability"
	"go.uber.org/zap"
)

// SweepReport summarizes one automation pass. A candidate that lost its
// optimistic lock or was touched by a user mid-sweep counts as skipped, not
// failed; failures are gateway or storage errors.
// sweepBatchSize bounds how many candidates one pass will load.
const sweepBatchSize = 500

type SweepReport struct {
	Job       string `json:"job"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (r *SweepReport) observe() {
	observability.IncrementSweepOutcome(r.Job, "succeeded", r.Succeeded)
	observability.IncrementSweepOutcome(r.Job, "skipped", r.Skipped)
	observability.IncrementSweepOutcome(r.Job, "failed", r.Failed)
}

// AutoRelease completes every transaction whose auto-release deadline has
// passed and pays the seller. One bad candidate never stops the sweep.
func (s *EscrowService) AutoRelease(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "auto_release"}
	candidates, err := s.store.AutoReleaseCandidates(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return report, err
	}
	for i := range candidates {
		txn := &candidates[i]
		report.Attempted++
		committed, err := s.AttemptTransition(ctx, TransitionRequest{
			Txn:     txn,
			ToState: domain.StateCompleted,
			Action:  domain.ActionRelease,
			Actor:   domain.ActorSystem,
		})
		switch {
		case err == nil:
			report.Succeeded++
			s.notifyParties(ctx, committed, notifier.TemplateAutoReleased, nil)
		case errors.Is(err, domain.ErrStaleVersion),
			errors.Is(err, domain.ErrIllegalTransition),
			errors.Is(err, domain.ErrDeadlineNotPassed):
			report.Skipped++
		default:
			report.Failed++
			zap.L().Error("auto-release failed",
				zap.String("transaction_id", txn.ID), zap.Error(err))
		}
	}
	report.observe()
	return report, nil
}

// AutoRefund refunds every Paid transaction whose seller missed the ship-by
// deadline, and flags the seller for the missed shipment.
func (s *EscrowService) AutoRefund(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "auto_refund"}
	candidates, err := s.store.AutoRefundCandidates(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return report, err
	}
	for i := range candidates {
		txn := &candidates[i]
		report.Attempted++
		committed, err := s.AttemptTransition(ctx, TransitionRequest{
			Txn:      txn,
			ToState:  domain.StateRefunded,
			Action:   domain.ActionRefund,
			Actor:    domain.ActorSystem,
			Metadata: map[string]string{"reason": "ship deadline missed"},
		})
		switch {
		case err == nil:
			report.Succeeded++
			s.notifyParties(ctx, committed, notifier.TemplateRefunded, nil)
			s.flagUnshippedOrder(ctx, txn)
		case errors.Is(err, domain.ErrStaleVersion),
			errors.Is(err, domain.ErrIllegalTransition),
			errors.Is(err, domain.ErrDeadlineNotPassed):
			report.Skipped++
		default:
			report.Failed++
			zap.L().Error("auto-refund failed",
				zap.String("transaction_id", txn.ID), zap.Error(err))
		}
	}
	report.observe()
	return report, nil
}

func (s *EscrowService) flagUnshippedOrder(ctx context.Context, txn *models.Transaction) {
	flag := &models.FraudFlag{
		SubjectID: txn.SellerID,
		Role:      "seller",
		Pattern:   "unshipped_order",
		Severity:  domain.SeverityMedium,
		Evidence:  string(marshalMetadata(map[string]string{"transaction_id": txn.ID})),
		CreatedAt: s.now(),
	}
	if err := s.store.InsertFraudFlag(ctx, flag); err != nil {
		zap.L().Error("failed to flag unshipped order",
			zap.String("seller_id", txn.SellerID.String()), zap.Error(err))
		return
	}
	observability.IncrementFraudFlag(flag.Pattern, flag.Severity)
}

// RetryPendingPayouts re-drives every transaction stuck payout-pending.
func (s *EscrowService) RetryPendingPayouts(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "payout_retry"}
	pending, err := s.store.PayoutPendingTransactions(ctx)
	if err != nil {
		return report, err
	}
	observability.SetPayoutPendingCount(int64(len(pending)))
	for _, txn := range pending {
		report.Attempted++
		if _, err := s.RetryPayout(ctx, txn.ID); err != nil {
			if errors.Is(err, domain.ErrGatewayFailure) {
				report.Skipped++
				continue
			}
			report.Failed++
			zap.L().Error("payout retry failed",
				zap.String("transaction_id", txn.ID), zap.Error(err))
			continue
		}
		report.Succeeded++
	}
	report.observe()
	return report, nil
}

// SendReminders nudges sellers who have held funds one to two days without
// shipping, and buyers who have let a shipment sit five to six days without
// confirming.
func (s *EscrowService) SendReminders(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "reminders"}
	now := s.now()

	sellers, err := s.store.PaidBetween(ctx, now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		return report, err
	}
	for _, txn := range sellers {
		report.Attempted++
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   txn.SellerID,
			TransactionID: txn.ID,
			Template:      notifier.TemplateShipReminder,
		})
		report.Succeeded++
	}

	buyers, err := s.store.ShippedBetween(ctx, now.Add(-6*24*time.Hour), now.Add(-5*24*time.Hour))
	if err != nil {
		return report, err
	}
	for _, txn := range buyers {
		report.Attempted++
		s.notify.Send(ctx, notifier.Message{
			RecipientID:   txn.BuyerID,
			TransactionID: txn.ID,
			Template:      notifier.TemplateConfirmReminder,
		})
		report.Succeeded++
	}

	report.observe()
	return report, nil
}

// Cleanup archives terminal transactions older than ninety days and prunes
// fraud flags reviewed more than thirty days ago.
func (s *EscrowService) Cleanup(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "cleanup"}
	now := s.now()

	archived, err := s.store.ArchiveTerminalBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		report.Failed++
		return report, err
	}
	report.Attempted += int(archived)
	report.Succeeded += int(archived)

	pruned, err := s.store.PruneReviewedFlagsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		report.Failed++
		return report, err
	}
	report.Attempted += int(pruned)
	report.Succeeded += int(pruned)

	report.observe()
	return report, nil
}
