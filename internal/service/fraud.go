package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/observability"
	"go.uber.org/zap"
)

// Fraud pattern thresholds. Flags are advisory: detection never changes
// transaction state on its own.
const (
	serialDisputerMin      = 3
	serialDisputerWindow   = 30 * 24 * time.Hour
	sellerDisputeRateMin   = 0.30
	sellerDisputeSampleMin = 5
	sellerDisputeWindow    = 60 * 24 * time.Hour
	refundAbuseMin         = 3
	refundAbuseWindow      = 14 * 24 * time.Hour
)

// DetectFraud runs the daily pattern scan and raises a flag per subject per
// pattern. Re-running is safe: the storage layer ignores a duplicate of an
// unreviewed flag.
func (s *EscrowService) DetectFraud(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "fraud_scan"}
	now := s.now()

	disputers, err := s.store.DisputeCountsByBuyer(ctx, now.Add(-serialDisputerWindow), serialDisputerMin)
	if err != nil {
		return report, err
	}
	for _, c := range disputers {
		report.Attempted++
		s.raiseFlag(ctx, report, &models.FraudFlag{
			SubjectID: c.SubjectID,
			Role:      "buyer",
			Pattern:   "serial_disputer",
			Severity:  domain.SeverityHigh,
			Evidence:  fmt.Sprintf(`{"disputes_30d":%d}`, c.Count),
			CreatedAt: now,
		})
	}

	sellers, err := s.store.SellerDisputeRates(ctx, now.Add(-sellerDisputeWindow), sellerDisputeSampleMin)
	if err != nil {
		return report, err
	}
	for _, r := range sellers {
		rate := float64(r.Disputed) / float64(r.Total)
		if rate <= sellerDisputeRateMin {
			continue
		}
		report.Attempted++
		s.raiseFlag(ctx, report, &models.FraudFlag{
			SubjectID: r.SellerID,
			Role:      "seller",
			Pattern:   "high_dispute_seller",
			Severity:  domain.SeverityCritical,
			Evidence:  fmt.Sprintf(`{"total_60d":%d,"disputed_60d":%d}`, r.Total, r.Disputed),
			CreatedAt: now,
		})
	}

	refunders, err := s.store.RefundCountsByBuyer(ctx, now.Add(-refundAbuseWindow), refundAbuseMin)
	if err != nil {
		return report, err
	}
	for _, c := range refunders {
		report.Attempted++
		s.raiseFlag(ctx, report, &models.FraudFlag{
			SubjectID: c.SubjectID,
			Role:      "buyer",
			Pattern:   "refund_abuse",
			Severity:  domain.SeverityMedium,
			Evidence:  fmt.Sprintf(`{"refunds_14d":%d}`, c.Count),
			CreatedAt: now,
		})
	}

	report.observe()
	return report, nil
}

func (s *EscrowService) raiseFlag(ctx context.Context, report *SweepReport, flag *models.FraudFlag) {
	if err := s.store.InsertFraudFlag(ctx, flag); err != nil {
		report.Failed++
		zap.L().Error("failed to raise fraud flag",
			zap.String("pattern", flag.Pattern),
			zap.String("subject_id", flag.SubjectID.String()),
			zap.Error(err))
		return
	}
	report.Succeeded++
	observability.IncrementFraudFlag(flag.Pattern, flag.Severity)
}

// ListFraudFlags returns flags for the admin review queue.
func (s *EscrowService) ListFraudFlags(ctx context.Context, unreviewedOnly bool) ([]models.FraudFlag, error) {
	return s.store.ListFraudFlags(ctx, unreviewedOnly)
}

// ReviewFraudFlag marks a flag handled so the cleanup sweep can prune it.
func (s *EscrowService) ReviewFraudFlag(ctx context.Context, id int64) error {
	return s.store.MarkFraudFlagReviewed(ctx, id)
}
