package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRateSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toDelivered(t)

	// Only completed transactions may be rated.
	_, err := env.svc.RateSeller(ctx, txn, env.buyerID, 5, "great")
	require.ErrorIs(t, err, service.ErrNotCompleted)

	txn, err = env.svc.ApproveRelease(ctx, txn, env.buyerID)
	require.NoError(t, err)

	_, err = env.svc.RateSeller(ctx, txn, env.sellerID, 5, "")
	require.ErrorIs(t, err, service.ErrNotParty)

	_, err = env.svc.RateSeller(ctx, txn, env.buyerID, 0, "")
	require.ErrorIs(t, err, service.ErrBadScore)
	_, err = env.svc.RateSeller(ctx, txn, env.buyerID, 6, "")
	require.ErrorIs(t, err, service.ErrBadScore)

	rating, err := env.svc.RateSeller(ctx, txn, env.buyerID, 4, "arrived late but fine")
	require.NoError(t, err)
	require.Equal(t, env.sellerID, rating.SellerID)
	require.Equal(t, 4, rating.Score)

	// One rating per transaction.
	_, err = env.svc.RateSeller(ctx, txn, env.buyerID, 5, "")
	require.Error(t, err)
}

func TestRecomputeSellerStatsPromotesTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	seller := uuid.New()

	for i := 0; i < 10; i++ {
		txn := env.seedTransaction(t, uuid.New(), seller, domain.StateCompleted, now.Add(-time.Duration(i)*time.Hour))
		require.NoError(t, env.store.AddRating(ctx, &models.Rating{
			TransactionID: txn.ID,
			SellerID:      seller,
			BuyerID:       txn.BuyerID,
			Score:         5,
			CreatedAt:     now,
		}))
	}

	report, err := env.svc.RecomputeSellerStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	stats, err := env.svc.SellerStats(ctx, seller)
	require.NoError(t, err)
	require.True(t, stats.VerifiedTier)
	require.Equal(t, int64(10), stats.Completed)
	require.InDelta(t, 5.0, stats.AvgRating, 0.001)
	require.InDelta(t, 1.0, stats.SuccessRate, 0.001)

	// The verified tier halves the fee on the seller's next escrow.
	txn, err := env.svc.CreateEscrow(ctx, service.CreateEscrowRequest{
		BuyerID:        uuid.New(),
		SellerID:       seller,
		PrincipalCents: 10_000,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50), txn.FeeCents)
}

func TestRecomputeSellerStatsKeepsStandardTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()
	seller := uuid.New()

	// Plenty of volume but a middling rating keeps the standard tier.
	for i := 0; i < 12; i++ {
		txn := env.seedTransaction(t, uuid.New(), seller, domain.StateCompleted, now.Add(-time.Duration(i)*time.Hour))
		require.NoError(t, env.store.AddRating(ctx, &models.Rating{
			TransactionID: txn.ID,
			SellerID:      seller,
			BuyerID:       txn.BuyerID,
			Score:         3,
			CreatedAt:     now,
		}))
	}

	_, err := env.svc.RecomputeSellerStats(ctx)
	require.NoError(t, err)

	stats, err := env.svc.SellerStats(ctx, seller)
	require.NoError(t, err)
	require.False(t, stats.VerifiedTier)
	require.InDelta(t, 3.0, stats.AvgRating, 0.001)
}
