package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/model"
)

// Job run statuses.
const (
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunPartial     = "partial"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// JobFunc is one job invocation under a runner-managed context.
type JobFunc func(ctx context.Context) (Result, error)

// JobRecorder persists job-run bookkeeping.
type JobRecorder interface {
	StartJobRun(ctx context.Context, run model.JobRun) error
	FinishJobRun(ctx context.Context, run model.JobRun) error
}

// Runner wraps job invocations with a run id, an overall deadline, a
// job-run record, metrics and logging.
type Runner struct {
	recorder JobRecorder
	metrics  Metrics
	logger   *slog.Logger
	deadline time.Duration
}

// NewRunner creates a runner. A zero deadline means jobs run until done.
func NewRunner(recorder JobRecorder, metrics Metrics, deadline time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default().With("component", "runner")
	}
	return &Runner{
		recorder: recorder,
		metrics:  metricsOrNop(metrics),
		logger:   logger,
		deadline: deadline,
	}
}

// Run executes fn once as job.
func (r *Runner) Run(ctx context.Context, job string, fn JobFunc) (Result, error) {
	run := model.JobRun{
		ID:        uuid.NewString(),
		Job:       job,
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
	ctx = generation.WithRunID(ctx, run.ID)
	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	if err := r.recorder.StartJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record job start: %w", err)
	}
	r.metrics.StartJob()
	r.logger.Info("Job started", "job", job, "run_id", run.ID)

	result, jobErr := fn(ctx)

	run.FinishedAt = time.Now()
	if result != nil {
		run.Processed, run.Failed = result.Counts()
		run.Detail = result.Summary()
	}
	run.Status = runStatus(ctx, run.Failed, jobErr)
	if jobErr != nil {
		if run.Detail != "" {
			run.Detail += "; "
		}
		run.Detail += jobErr.Error()
	}

	if err := r.recorder.FinishJobRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("Failed to record job finish", "job", job, "run_id", run.ID, "error", err)
	}
	duration := run.FinishedAt.Sub(run.StartedAt)
	r.metrics.FinishJob(job, run.Status, duration, run.Processed, run.Failed)

	level := slog.LevelInfo
	if run.Status != RunSucceeded {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "Job finished",
		"job", job,
		"run_id", run.ID,
		"status", run.Status,
		"duration", duration,
		"processed", run.Processed,
		"failed", run.Failed,
		"detail", run.Detail)
	return result, jobErr
}

func runStatus(ctx context.Context, failed int, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return RunInterrupted
	case err != nil:
		return RunFailed
	case failed > 0:
		return RunPartial
	default:
		return RunSucceeded
	}
}

// Scheduler triggers jobs on cron specs. A job still running when its next
// tick arrives is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	logger *slog.Logger
	ctx    context.Context
	mu     sync.RWMutex
}

// NewScheduler creates a scheduler evaluating specs in loc.
func NewScheduler(runner *Runner, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Add schedules fn as job on a standard five-field cron spec. An empty spec
// leaves the job unscheduled.
func (s *Scheduler) Add(spec, job string, fn JobFunc) error {
	if spec == "" {
		s.logger.Info("Job not scheduled", "job", job)
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		// Errors are already logged and recorded by the runner.
		_, _ = s.runner.Run(ctx, job, fn)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, job, err)
	}
	s.logger.Info("Job scheduled", "job", job, "spec", spec)
	return nil
}

// Start begins firing jobs. Jobs receive ctx, so cancelling it winds them down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists the next run time of every scheduled job.
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.Next
	}
	return out
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
