// Package scheduler runs the scheduled allocation sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep once a day at midnight UTC.
const DefaultSchedule = "@daily"

// ErrInvalidSchedule reports a cron spec or dependency New cannot use.
var ErrInvalidSchedule = errors.New("invalid sweep schedule")

// Sweeper processes due allocation schedules.
type Sweeper interface {
	ProcessPendingAllocations(ctx context.Context) (credits.SweepResult, error)
}

// Recorder observes finished sweeps.
type Recorder interface {
	RecordSweep(result credits.SweepResult, duration time.Duration, err error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for sweep outcomes.
func WithLogger(logger *zap.Logger) Option {
	return func(scheduler *Scheduler) {
		if logger != nil {
			scheduler.logger = logger
		}
	}
}

// WithRecorder reports every sweep to recorder.
func WithRecorder(recorder Recorder) Option {
	return func(scheduler *Scheduler) {
		scheduler.recorder = recorder
	}
}

// WithTimeout bounds a single sweep run. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(scheduler *Scheduler) {
		scheduler.timeout = timeout
	}
}

// Scheduler triggers Sweeper runs. Overlapping runs are skipped.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	logger   *zap.Logger
	recorder Recorder
	timeout  time.Duration
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// New validates spec (standard five-field cron or a descriptor such as @daily) and registers the sweep.
func New(sweeper Sweeper, spec string, options ...Option) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("%w: sweeper is nil", ErrInvalidSchedule)
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	scheduler := &Scheduler{
		sweeper: sweeper,
		logger:  zap.NewNop(),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	for _, option := range options {
		if option != nil {
			option(scheduler)
		}
	}
	scheduler.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := scheduler.cron.AddFunc(spec, scheduler.run); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return scheduler, nil
}

// Start begins firing on schedule in the background.
func (scheduler *Scheduler) Start() {
	scheduler.cron.Start()
}

// Stop prevents new runs, cancels the one in flight and waits for it to return or for ctx to end.
func (scheduler *Scheduler) Stop(ctx context.Context) error {
	stopped := scheduler.cron.Stop()
	scheduler.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep immediately.
func (scheduler *Scheduler) RunOnce(ctx context.Context) (credits.SweepResult, error) {
	if scheduler.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scheduler.timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := scheduler.sweeper.ProcessPendingAllocations(ctx)
	duration := time.Since(start)
	if scheduler.recorder != nil {
		scheduler.recorder.RecordSweep(result, duration, err)
	}
	fields := []zap.Field{
		zap.Int("due", result.Due),
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed()),
		zap.Duration("duration", duration),
	}
	if err != nil {
		for _, failure := range result.Failures {
			scheduler.logger.Warn("allocation failed", zap.String("allocation_id", failure.AllocationID), zap.String("user_id", failure.UserID.String()), zap.Error(failure.Err))
		}
		scheduler.logger.Error("allocation sweep incomplete", append(fields, zap.Error(err))...)
		return result, err
	}
	scheduler.logger.Info("allocation sweep finished", fields...)
	return result, nil
}

func (scheduler *Scheduler) run() {
	_, _ = scheduler.RunOnce(scheduler.baseCtx)
}
