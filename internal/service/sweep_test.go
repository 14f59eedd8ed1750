package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/stretchr/testify/require"
)

func TestAutoReleaseSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toShipped(t)

	// Before the deadline nothing is eligible.
	report, err := env.svc.AutoRelease(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Attempted)

	env.clock.Advance(7*24*time.Hour + time.Minute)
	report, err = env.svc.AutoRelease(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, report.Failed)

	stored, err := env.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, stored.State)
	require.NotNil(t, stored.PayoutRef)
	require.Len(t, env.notify.byTemplate(notifier.TemplateAutoReleased), 2)

	// The completed transaction drops out of the next pass.
	report, err = env.svc.AutoRelease(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Attempted)
}

func TestAutoRefundSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	overdue := env.toPaid(t)
	env.clock.Advance(73 * time.Hour)
	inWindow := env.toPaid(t)

	report, err := env.svc.AutoRefund(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)

	stored, err := env.svc.GetTransaction(ctx, overdue.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateRefunded, stored.State)

	move, ok := env.gw.movement(domain.IdempotencyKey(overdue.ID, domain.ActionRefund))
	require.True(t, ok)
	require.Equal(t, overdue.TotalCents, move.AmountCents)
	require.Equal(t, env.buyerID, move.Counterparty)

	// The seller who missed shipping gets flagged.
	flags, err := env.svc.ListFraudFlags(ctx, true)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	require.Equal(t, "unshipped_order", flags[0].Pattern)
	require.Equal(t, domain.SeverityMedium, flags[0].Severity)
	require.Equal(t, env.sellerID, flags[0].SubjectID)

	untouched, err := env.svc.GetTransaction(ctx, inWindow.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, untouched.State)
}

func TestSweepIsolatesGatewayFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bad := env.toShipped(t)
	good := env.toShipped(t)
	env.gw.failKey(domain.IdempotencyKey(bad.ID, domain.ActionRelease), true)

	env.clock.Advance(8 * 24 * time.Hour)
	report, err := env.svc.AutoRelease(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)

	// Both transitions committed; only the payout is pending on the failure.
	for _, id := range []string{bad.ID, good.ID} {
		stored, err := env.svc.GetTransaction(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StateCompleted, stored.State)
	}
	stuck, err := env.svc.GetTransaction(ctx, bad.ID)
	require.NoError(t, err)
	require.True(t, stuck.PayoutPending)

	// The retry sweep re-drives the stuck payout once the gateway recovers.
	env.gw.failKey(domain.IdempotencyKey(bad.ID, domain.ActionRelease), false)
	report, err = env.svc.RetryPendingPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Succeeded)

	recovered, err := env.svc.GetTransaction(ctx, bad.ID)
	require.NoError(t, err)
	require.False(t, recovered.PayoutPending)
	require.NotNil(t, recovered.PayoutRef)
	require.Equal(t, 2, env.gw.movements())
}

func TestRetryPendingPayoutsSkipsWhileGatewayDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txn := env.toDelivered(t)
	key := domain.IdempotencyKey(txn.ID, domain.ActionRelease)
	env.gw.failKey(key, true)

	_, err := env.svc.ApproveRelease(ctx, txn, env.buyerID)
	require.ErrorIs(t, err, domain.ErrGatewayFailure)

	report, err := env.svc.RetryPendingPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Succeeded)
}

func TestSendReminders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unshipped := env.toPaid(t)
	unconfirmed := env.toShipped(t)

	// 30 hours puts the paid transaction in the ship-reminder window but the
	// shipped one short of the confirm window.
	env.clock.Advance(30 * time.Hour)
	report, err := env.svc.SendReminders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)

	shipNudges := env.notify.byTemplate(notifier.TemplateShipReminder)
	require.Len(t, shipNudges, 1)
	require.Equal(t, unshipped.ID, shipNudges[0].TransactionID)
	require.Equal(t, env.sellerID, shipNudges[0].RecipientID)

	// Another 102 hours puts the shipped transaction at 5.5 days.
	env.clock.Advance(102 * time.Hour)
	report, err = env.svc.SendReminders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Attempted)

	confirmNudges := env.notify.byTemplate(notifier.TemplateConfirmReminder)
	require.Len(t, confirmNudges, 1)
	require.Equal(t, unconfirmed.ID, confirmNudges[0].TransactionID)
	require.Equal(t, env.buyerID, confirmNudges[0].RecipientID)
}

func TestCleanupArchivesAndPrunes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	done := env.toDelivered(t)
	done, err := env.svc.ApproveRelease(ctx, done, env.buyerID)
	require.NoError(t, err)
	open := env.toPaid(t)

	flag := &models.FraudFlag{
		SubjectID: uuid.New(),
		Role:      "buyer",
		Pattern:   "serial_disputer",
		Severity:  domain.SeverityHigh,
		CreatedAt: env.clock.Now(),
	}
	require.NoError(t, env.store.InsertFraudFlag(ctx, flag))
	require.NoError(t, env.svc.ReviewFraudFlag(ctx, flag.ID))

	env.clock.Advance(91 * 24 * time.Hour)
	report, err := env.svc.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)

	_, err = env.svc.GetTransaction(ctx, done.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	kept, err := env.svc.GetTransaction(ctx, open.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, kept.State)

	flags, err := env.svc.ListFraudFlags(ctx, false)
	require.NoError(t, err)
	require.Empty(t, flags)
}
