package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/bookingcore/internal/clock"
	"github.com/smallbiznis/bookingcore/internal/lock"
	obsmetrics "github.com/smallbiznis/bookingcore/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/bookingcore/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const leaderLockKey = "bookingcore:scheduler:leader"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log               *zap.Logger
	GenID             *snowflake.Node
	ReconciliationSvc reconciliationdomain.Service
	Clock             clock.Clock  `optional:"true"`
	Locker            *lock.Locker `optional:"true"`
	Config            Config       `optional:"true"`
}

// Scheduler runs the reconciliation sweeps. Every job is safe to run on
// several replicas at once; the leader lock only saves duplicate work.
type Scheduler struct {
	log               *zap.Logger
	cfg               Config
	genID             *snowflake.Node
	clock             clock.Clock
	locker            *lock.Locker
	reconciliationSvc reconciliationdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.ReconciliationSvc == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Scheduler{
		log:               p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:               p.Config.withDefaults(),
		genID:             p.GenID,
		clock:             clk,
		locker:            p.Locker,
		reconciliationSvc: p.ReconciliationSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; the next pass picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one pass of every enabled job.
func (s *Scheduler) RunOnce(parent context.Context) error {
	token, ok := s.acquireLeadership(parent)
	if !ok {
		return nil
	}
	defer s.releaseLeadership(parent, token)

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobReconcilePending, s.ReconcilePendingJob},
		{JobExpireCredits, s.ExpireCreditsJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
		s.refreshLeadership(parent, token)
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcilePendingJob applies unreconciled credit intents to the ledger.
func (s *Scheduler) ReconcilePendingJob(ctx context.Context, run *jobRun) error {
	res, err := s.reconciliationSvc.ReconcilePending(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobReconcilePending, obsmetrics.SweepResourceIntents, res.Processed)
	schedMetrics.AddBatchSkipped(JobReconcilePending, obsmetrics.SweepResourceIntents, res.Skipped)
	run.AddProcessed(res.Processed)
	run.AddSkipped(res.Skipped)
	s.logIntentErrors(ctx, run, res.Errors)
	return ctx.Err()
}

// ExpireCreditsJob forfeits credit intents whose expiry has passed.
func (s *Scheduler) ExpireCreditsJob(ctx context.Context, run *jobRun) error {
	res, err := s.reconciliationSvc.SweepExpired(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(JobExpireCredits, obsmetrics.SweepResourceExpired, res.Reconciled)
	schedMetrics.AddBatchSkipped(JobExpireCredits, obsmetrics.SweepResourceExpired, res.Skipped)
	run.AddProcessed(res.Reconciled)
	run.AddSkipped(res.Skipped)
	s.logIntentErrors(ctx, run, res.Errors)
	return ctx.Err()
}

// acquireLeadership returns ok=false only when another replica holds the
// lock. A redis failure runs the pass unguarded with an empty token.
func (s *Scheduler) acquireLeadership(ctx context.Context) (string, bool) {
	if s.locker == nil {
		return "", true
	}
	token, ok, err := s.locker.TryLock(ctx, leaderLockKey, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("leader lock unavailable, running unguarded", zap.Error(err))
		return "", true
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred("sweep", obsmetrics.SchedulerBatchDeferredReasonLeaderLockHeld)
		s.log.Debug("leader lock held by another replica")
		return "", false
	}
	return token, true
}

func (s *Scheduler) refreshLeadership(ctx context.Context, token string) {
	if s.locker == nil || token == "" {
		return
	}
	held, err := s.locker.Refresh(ctx, leaderLockKey, token, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("failed to refresh leader lock", zap.Error(err))
		return
	}
	if !held {
		s.log.Warn("leader lock lost mid-pass")
	}
}

func (s *Scheduler) releaseLeadership(ctx context.Context, token string) {
	if s.locker == nil || token == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.locker.Release(releaseCtx, leaderLockKey, token); err != nil {
		s.log.Warn("failed to release leader lock", zap.Error(err))
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
