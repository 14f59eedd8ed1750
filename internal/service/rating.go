package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"go.uber.org/zap"
)

var (
	ErrBadScore     = errors.New("rating score must be between 1 and 5")
	ErrNotCompleted = errors.New("transaction is not completed")
)

// Seller tier thresholds. Verified sellers pay the reduced fee on new escrows.
const (
	verifiedMinRating      = 4.5
	verifiedMinSuccessRate = 0.95
	verifiedMinCompleted   = 10
)

// RateSeller records the buyer's review of a completed transaction.
func (s *EscrowService) RateSeller(ctx context.Context, txn *models.Transaction, buyerID uuid.UUID, score int, review string) (*models.Rating, error) {
	if txn.BuyerID != buyerID {
		return nil, ErrNotParty
	}
	if domain.NormalizeState(txn.State) != domain.StateCompleted {
		return nil, ErrNotCompleted
	}
	if score < 1 || score > 5 {
		return nil, ErrBadScore
	}
	rating := &models.Rating{
		TransactionID: txn.ID,
		SellerID:      txn.SellerID,
		BuyerID:       buyerID,
		Score:         score,
		Review:        review,
		CreatedAt:     s.now(),
	}
	if err := s.store.AddRating(ctx, rating); err != nil {
		return nil, err
	}
	return rating, nil
}

// RecomputeSellerStats refreshes aggregates for every seller who completed a
// transaction in the last day, then re-evaluates their tier.
func (s *EscrowService) RecomputeSellerStats(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Job: "seller_stats"}
	now := s.now()

	sellers, err := s.store.SellersCompletedSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return report, err
	}
	for _, sellerID := range sellers {
		report.Attempted++
		stats, err := s.store.SellerAggregates(ctx, sellerID)
		if err != nil {
			report.Failed++
			zap.L().Error("failed to aggregate seller stats",
				zap.String("seller_id", sellerID.String()), zap.Error(err))
			continue
		}
		stats.VerifiedTier = stats.AvgRating >= verifiedMinRating &&
			stats.SuccessRate >= verifiedMinSuccessRate &&
			stats.Completed >= verifiedMinCompleted
		stats.RecomputedAt = now
		if err := s.store.UpsertSellerStats(ctx, stats); err != nil {
			report.Failed++
			zap.L().Error("failed to store seller stats",
				zap.String("seller_id", sellerID.String()), zap.Error(err))
			continue
		}
		report.Succeeded++
	}

	report.observe()
	return report, nil
}

// SellerStats returns the advisory aggregate for one seller.
func (s *EscrowService) SellerStats(ctx context.Context, sellerID uuid.UUID) (*models.SellerStats, error) {
	return s.store.GetSellerStats(ctx, sellerID)
}
