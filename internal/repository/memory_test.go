package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/repository"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedTxn(t *testing.T, store *repository.MemoryStore, state string) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		ID:             domain.NewTransactionID(baseTime),
		BuyerID:        uuid.New(),
		SellerID:       uuid.New(),
		PrincipalCents: 10_000,
		FeeCents:       100,
		TotalCents:     10_100,
		PayoutCents:    9_900,
		Currency:       "KES",
		State:          state,
		Version:        1,
		CreatedAt:      baseTime,
	}
	require.NoError(t, store.CreateTransaction(context.Background(), txn))
	return txn
}

func TestApplyTransitionConditional(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, domain.StatePending)

	upd := service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Action:      domain.ActionNone,
		Now:         baseTime.Add(time.Minute),
	}

	committed, err := store.ApplyTransition(ctx, upd)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, committed.State)
	require.Equal(t, int64(2), committed.Version)
	require.NotNil(t, committed.PaidAt)
	require.Equal(t, baseTime.Add(time.Minute), *committed.PaidAt)

	// Replaying the same update loses the version check.
	_, err = store.ApplyTransition(ctx, upd)
	require.ErrorIs(t, err, domain.ErrStaleVersion)

	// A matching version with a mismatched state also loses.
	_, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePending,
		FromVersion: 2,
		ToState:     domain.StateCancelled,
		Actor:       domain.ActorBuyer,
		Now:         baseTime.Add(2 * time.Minute),
	})
	require.ErrorIs(t, err, domain.ErrStaleVersion)

	_, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          "ESC-00000000000000-0000",
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Now:         baseTime,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyTransitionSetOnceFields(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, domain.StatePending)

	ref := "MPX-1"
	committed, err := store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Now:         baseTime,
		PaymentRef:  &ref,
	})
	require.NoError(t, err)
	require.Equal(t, "MPX-1", *committed.PaymentRef)

	// A later update cannot overwrite the recorded payment reference.
	other := "MPX-2"
	committed, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePaid,
		FromVersion: 2,
		ToState:     domain.StateShipped,
		Actor:       domain.ActorSeller,
		Now:         baseTime.Add(time.Hour),
		PaymentRef:  &other,
	})
	require.NoError(t, err)
	require.Equal(t, "MPX-1", *committed.PaymentRef)
}

func TestDuplicateReceiptsRejectedAcrossTransactions(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	first := seedTxn(t, store, domain.StatePending)
	second := seedTxn(t, store, domain.StatePending)

	ref := "MPX-SAME-RECEIPT"
	_, err := store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          first.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Now:         baseTime,
		PaymentRef:  &ref,
	})
	require.NoError(t, err)

	// The same gateway receipt cannot settle a second transaction.
	_, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          second.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Now:         baseTime,
		PaymentRef:  &ref,
	})
	require.ErrorIs(t, err, domain.ErrDuplicateReceipt)

	// The rejected transaction is untouched and accepts a fresh receipt.
	got, err := store.GetTransaction(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePending, got.State)
	require.Equal(t, int64(1), got.Version)
	require.Nil(t, got.PaymentRef)

	other := "MPX-OTHER-RECEIPT"
	_, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          second.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Now:         baseTime,
		PaymentRef:  &other,
	})
	require.NoError(t, err)

	// Payout receipts are held to the same rule.
	payout := "MPX-PAYOUT-1"
	require.NoError(t, store.SetPayoutOutcome(ctx, first.ID, &payout, false, ""))
	err = store.SetPayoutOutcome(ctx, second.ID, &payout, false, "")
	require.ErrorIs(t, err, domain.ErrDuplicateReceipt)
}

func TestApplyTransitionAppendsAudit(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, domain.StatePending)

	_, err := store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePending,
		FromVersion: 1,
		ToState:     domain.StatePaid,
		Actor:       domain.ActorBuyer,
		Now:         baseTime,
	})
	require.NoError(t, err)
	_, err = store.ApplyTransition(ctx, service.TransitionUpdate{
		ID:          txn.ID,
		FromState:   domain.StatePaid,
		FromVersion: 2,
		ToState:     domain.StateShipped,
		Actor:       domain.ActorSeller,
		Now:         baseTime.Add(time.Hour),
	})
	require.NoError(t, err)

	events, err := store.Timeline(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.StatePending, events[0].FromState)
	require.Equal(t, domain.StatePaid, events[0].ToState)
	require.Equal(t, domain.StateShipped, events[1].ToState)
	require.Greater(t, events[1].ID, events[0].ID)
}

func TestOneOpenDisputePerTransaction(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, domain.StateDisputed)

	first := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		FiledBy:       txn.BuyerID,
		Category:      "not_received",
		Status:        domain.DisputeOpen,
		CreatedAt:     baseTime,
	}
	require.NoError(t, store.CreateDispute(ctx, first))

	second := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		FiledBy:       txn.SellerID,
		Category:      "other",
		Status:        domain.DisputeOpen,
		CreatedAt:     baseTime,
	}
	require.ErrorIs(t, store.CreateDispute(ctx, second), domain.ErrDisputeOpen)

	_, err := store.ResolveDispute(ctx, service.DisputeResolution{
		DisputeID:  first.ID,
		Resolution: domain.ResolutionBuyer,
		ResolvedBy: uuid.New(),
		Now:        baseTime.Add(time.Hour),
	})
	require.NoError(t, err)

	// Once resolved, a new dispute may be filed.
	second.CreatedAt = baseTime.Add(2 * time.Hour)
	require.NoError(t, store.CreateDispute(ctx, second))
}

func TestResolveDisputeConditional(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	txn := seedTxn(t, store, domain.StateDisputed)

	d := &models.Dispute{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		FiledBy:       txn.BuyerID,
		Category:      "damaged",
		Status:        domain.DisputeOpen,
		CreatedAt:     baseTime,
	}
	require.NoError(t, store.CreateDispute(ctx, d))

	resolved, err := store.ResolveDispute(ctx, service.DisputeResolution{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionSeller,
		Notes:      "item matched the listing",
		ResolvedBy: uuid.New(),
		Now:        baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolved, resolved.Status)
	require.Equal(t, domain.ResolutionSeller, *resolved.Resolution)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = store.ResolveDispute(ctx, service.DisputeResolution{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionBuyer,
		ResolvedBy: uuid.New(),
		Now:        baseTime.Add(2 * time.Hour),
	})
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)

	require.ErrorIs(t, store.SetDisputeUnderReview(ctx, d.ID), domain.ErrAlreadyResolved)
}

func TestSaveReceiptFirstWriteWins(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveReceipt(ctx, "ESC-1:release", "MPG-1"))
	require.NoError(t, store.SaveReceipt(ctx, "ESC-1:release", "MPG-2"))

	receipt, err := store.GetReceipt(ctx, "ESC-1:release")
	require.NoError(t, err)
	require.Equal(t, "MPG-1", receipt)

	_, err = store.GetReceipt(ctx, "ESC-1:refund")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveTerminalBefore(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	// Terminal timestamps drive eligibility, so seed them through transitions.
	complete := func(txn *models.Transaction, at time.Time) {
		_, err := store.ApplyTransition(ctx, service.TransitionUpdate{
			ID:          txn.ID,
			FromState:   domain.StateShipped,
			FromVersion: 1,
			ToState:     domain.StateCompleted,
			Actor:       domain.ActorSystem,
			Now:         at,
		})
		require.NoError(t, err)
	}

	old := baseTime.Add(-100 * 24 * time.Hour)
	archivable := seedTxn(t, store, domain.StateShipped)
	complete(archivable, old)
	recent := seedTxn(t, store, domain.StateShipped)
	complete(recent, baseTime.Add(-time.Hour))
	active := seedTxn(t, store, domain.StateShipped)
	stuck := seedTxn(t, store, domain.StateShipped)
	complete(stuck, old)
	require.NoError(t, store.SetPayoutOutcome(ctx, stuck.ID, nil, true, "gateway timeout"))

	archived, err := store.ArchiveTerminalBefore(ctx, baseTime.Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), archived)

	_, err = store.GetTransaction(ctx, archivable.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Recent terminal, non-terminal, and payout-pending rows all stay put.
	for _, id := range []string{recent.ID, active.ID, stuck.ID} {
		_, err = store.GetTransaction(ctx, id)
		require.NoError(t, err)
	}
}

func TestPruneReviewedFlags(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	oldFlag := &models.FraudFlag{
		SubjectID: uuid.New(),
		Role:      "buyer",
		Pattern:   "serial_disputer",
		Severity:  domain.SeverityHigh,
		CreatedAt: baseTime.Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, store.InsertFraudFlag(ctx, oldFlag))
	require.NoError(t, store.MarkFraudFlagReviewed(ctx, oldFlag.ID))

	freshFlag := &models.FraudFlag{
		SubjectID: uuid.New(),
		Role:      "seller",
		Pattern:   "unshipped_order",
		Severity:  domain.SeverityMedium,
		CreatedAt: baseTime.Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, store.InsertFraudFlag(ctx, freshFlag))

	pruned, err := store.PruneReviewedFlagsBefore(ctx, baseTime.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	flags, err := store.ListFraudFlags(ctx, false)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, "unshipped_order", flags[0].Pattern)
}
