package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/idempotency"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) fileDispute(t *testing.T, txn *models.Transaction) *models.Dispute {
	t.Helper()
	d, err := e.svc.FileDispute(context.Background(), txn, e.buyerID, "not_received", "nothing arrived")
	require.NoError(t, err)
	return d
}

func TestFileDispute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)

	_, err := env.svc.FileDispute(ctx, txn, uuid.New(), "not_received", "")
	require.ErrorIs(t, err, service.ErrNotParty)

	_, err = env.svc.FileDispute(ctx, txn, env.buyerID, "vibes", "")
	require.ErrorIs(t, err, service.ErrBadCategory)

	d := env.fileDispute(t, txn)
	require.Equal(t, domain.DisputeOpen, d.Status)
	require.Equal(t, env.buyerID, d.FiledBy)
	require.Equal(t, "not_received", d.Category)

	stored, err := env.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisputed, stored.State)
	require.Len(t, env.notify.byTemplate(notifier.TemplateDisputeOpened), 2)

	// A frozen transaction cannot be disputed again.
	_, err = env.svc.FileDispute(ctx, stored, env.sellerID, "other", "counter claim")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestFileDisputeFromPending(t *testing.T) {
	env := newTestEnv(t)

	txn := env.create(t)
	_, err := env.svc.FileDispute(context.Background(), txn, env.buyerID, "other", "")
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestFreezeHoldsAutomation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toPaid(t)
	d, err := env.svc.Freeze(ctx, txn, "chargeback investigation")
	require.NoError(t, err)
	require.Equal(t, domain.DisputeUnderReview, d.Status)
	require.Equal(t, uuid.Nil, d.FiledBy)

	stored, err := env.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisputed, stored.State)

	// The ship-by deadline no longer applies while frozen.
	env.clock.Advance(100 * 24 * time.Hour)
	report, err := env.svc.AutoRefund(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

func TestResolveDisputeForBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := uuid.New()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	committed, err := env.svc.ResolveDispute(ctx, service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionBuyer,
		Notes:      "tracking shows no delivery",
		ResolvedBy: admin,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateRefunded, committed.State)

	move, ok := env.gw.movement(domain.IdempotencyKey(txn.ID, domain.ActionRefund))
	require.True(t, ok)
	require.Equal(t, int64(50_500), move.AmountCents)
	require.Equal(t, env.buyerID, move.Counterparty)

	resolved, err := env.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
	require.Equal(t, domain.ResolutionBuyer, *resolved.Resolution)
	require.Equal(t, admin, *resolved.ResolvedBy)
	require.Len(t, env.notify.byTemplate(notifier.TemplateDisputeResolved), 2)
}

func TestResolveDisputeForSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	committed, err := env.svc.ResolveDispute(ctx, service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionSeller,
		ResolvedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, committed.State)

	move, ok := env.gw.movement(domain.IdempotencyKey(txn.ID, domain.ActionRelease))
	require.True(t, ok)
	require.Equal(t, int64(49_500), move.AmountCents)
	require.Equal(t, env.sellerID, move.Counterparty)
}

func TestResolveDisputeSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	half := decimal.RequireFromString("0.5")
	committed, err := env.svc.ResolveDispute(ctx, service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionSplit,
		Fraction:   &half,
		ResolvedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, committed.State)
	require.Equal(t, 2, env.gw.movements())

	refund, ok := env.gw.movement(domain.SplitLegKey(txn.ID, domain.LegRefund))
	require.True(t, ok)
	require.Equal(t, int64(25_000), refund.AmountCents)
	require.Equal(t, env.buyerID, refund.Counterparty)

	release, ok := env.gw.movement(domain.SplitLegKey(txn.ID, domain.LegRelease))
	require.True(t, ok)
	require.Equal(t, int64(24_750), release.AmountCents)
	require.Equal(t, env.sellerID, release.Counterparty)

	// The fee stays with the platform.
	require.Less(t, refund.AmountCents+release.AmountCents, txn.TotalCents)
}

func TestResolveDisputeSplitNeedsFraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	cases := []struct {
		name     string
		fraction *decimal.Decimal
	}{
		{name: "missing", fraction: nil},
		{name: "zero", fraction: ptr(decimal.Zero)},
		{name: "full", fraction: ptr(decimal.NewFromInt(1))},
		{name: "above_one", fraction: ptr(decimal.RequireFromString("1.2"))},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.ResolveDispute(ctx, service.ResolveDisputeRequest{
				DisputeID:  d.ID,
				Resolution: domain.ResolutionSplit,
				Fraction:   tc.fraction,
				ResolvedBy: uuid.New(),
			})
			require.ErrorIs(t, err, service.ErrBadSplitFraction)
		})
	}
	require.Zero(t, env.gw.attemptCount())
}

func TestResolveDisputeOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	req := service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionBuyer,
		ResolvedBy: uuid.New(),
	}
	_, err := env.svc.ResolveDispute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, env.gw.movements())

	// The second ruling loses the conditional update and moves nothing.
	req.Resolution = domain.ResolutionSeller
	_, err = env.svc.ResolveDispute(ctx, req)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	require.Equal(t, 1, env.gw.movements())

	stored, err := env.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRefunded, stored.State)
}

// faultyStore wraps the in-memory store and fails a configured number of
// transition commits with a transient error.
type faultyStore struct {
	service.Store
	failures int
}

var errStoreDown = errors.New("connection reset by peer")

func (s *faultyStore) ApplyTransition(ctx context.Context, upd service.TransitionUpdate) (*models.Transaction, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errStoreDown
	}
	return s.Store.ApplyTransition(ctx, upd)
}

func TestResolveDisputeReopensOnCommitFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	flaky := &faultyStore{Store: env.store}
	receipts := idempotency.NewReceipts(nil, env.store, time.Hour)
	svc := service.NewEscrowService(flaky, env.gw, receipts, env.notify).WithClock(env.clock.Now)

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)
	req := service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionBuyer,
		ResolvedBy: uuid.New(),
	}

	flaky.failures = 1
	_, err := svc.ResolveDispute(ctx, req)
	require.ErrorIs(t, err, errStoreDown)

	// No money moved and the ruling was reverted, not stranded.
	require.Equal(t, 0, env.gw.movements())
	reopened, err := env.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeUnderReview, reopened.Status)
	require.Nil(t, reopened.Resolution)
	require.Nil(t, reopened.ResolvedAt)

	stored, err := env.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisputed, stored.State)

	// The same ruling applies cleanly once the store recovers.
	committed, err := svc.ResolveDispute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.StateRefunded, committed.State)
	require.Equal(t, 1, env.gw.movements())
}

func TestMarkUnderReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)
	d := env.fileDispute(t, txn)

	require.NoError(t, env.svc.MarkUnderReview(ctx, d.ID))
	stored, err := env.store.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeUnderReview, stored.Status)

	_, err = env.svc.ResolveDispute(ctx, service.ResolveDisputeRequest{
		DisputeID:  d.ID,
		Resolution: domain.ResolutionBuyer,
		ResolvedBy: uuid.New(),
	})
	require.NoError(t, err)
	require.ErrorIs(t, env.svc.MarkUnderReview(ctx, d.ID), domain.ErrAlreadyResolved)
}

func ptr[T any](v T) *T { return &v }
