package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mwangiq/escrow-engine/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one recurring sweep. RunFn must tolerate overlapping runs of other
// jobs: every candidate is guarded by the store's conditional update, so the
// scheduler never takes cross-job locks.
type Job struct {
	Name     string
	Interval time.Duration
	RunFn    func(ctx context.Context) (*service.SweepReport, error)
}

// Intervals configures the sweep cadence.
type Intervals struct {
	AutoRelease time.Duration
	AutoRefund  time.Duration
	Reminders   time.Duration
	FraudScan   time.Duration
	SellerStats time.Duration
	Cleanup     time.Duration
	PayoutRetry time.Duration
}

// DefaultIntervals matches the production cadence.
func DefaultIntervals() Intervals {
	return Intervals{
		AutoRelease: time.Hour,
		AutoRefund:  6 * time.Hour,
		Reminders:   12 * time.Hour,
		FraudScan:   24 * time.Hour,
		SellerStats: 24 * time.Hour,
		Cleanup:     7 * 24 * time.Hour,
		PayoutRetry: 15 * time.Minute,
	}
}

// Scheduler runs every automation sweep on its own ticker. A panicking or
// failing job run never takes down its siblings.
type Scheduler struct {
	jobs     []Job
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(svc *service.EscrowService, iv Intervals) *Scheduler {
	return &Scheduler{
		jobs: []Job{
			{Name: "auto_release", Interval: iv.AutoRelease, RunFn: svc.AutoRelease},
			{Name: "auto_refund", Interval: iv.AutoRefund, RunFn: svc.AutoRefund},
			{Name: "reminders", Interval: iv.Reminders, RunFn: svc.SendReminders},
			{Name: "fraud_scan", Interval: iv.FraudScan, RunFn: svc.DetectFraud},
			{Name: "seller_stats", Interval: iv.SellerStats, RunFn: svc.RecomputeSellerStats},
			{Name: "cleanup", Interval: iv.Cleanup, RunFn: svc.Cleanup},
			{Name: "payout_retry", Interval: iv.PayoutRetry, RunFn: svc.RetryPendingPayouts},
		},
		stopCh: make(chan struct{}),
	}
}

// Start blocks until the context is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

// Stop signals every job loop to exit after its current run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run starts the scheduler in a goroutine and returns its stop function.
func (s *Scheduler) Run(ctx context.Context) func() {
	go func() {
		if err := s.Start(ctx); err != nil {
			zap.L().Error("scheduler exited", zap.Error(err))
		}
	}()
	return s.Stop
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	zap.L().Info("sweep job scheduled",
		zap.String("job", job.Name), zap.Duration("interval", job.Interval))

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("sweep job panicked",
				zap.String("job", job.Name), zap.Any("panic", r))
		}
	}()

	started := time.Now()
	report, err := job.RunFn(ctx)
	if err != nil {
		zap.L().Error("sweep job failed",
			zap.String("job", job.Name), zap.Error(err))
		return
	}
	zap.L().Info("sweep job finished",
		zap.String("job", job.Name),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("took", time.Since(started)))
}

// RunJobOnce triggers one named sweep immediately. Used by the admin API and
// by tests.
func (s *Scheduler) RunJobOnce(ctx context.Context, name string) (*service.SweepReport, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.RunFn(ctx)
		}
	}
	return nil, fmt.Errorf("unknown sweep job %q", name)
}

// JobNames lists the registered sweeps.
func (s *Scheduler) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}
