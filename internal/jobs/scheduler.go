// Package jobs runs the periodic work of the worker process: RTP adjustment,
// GGR reporting, balance reconciliation and the outbox relay.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of scheduled work. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps cron with logging, metrics and a shared cancellable context.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

func NewScheduler(log *zap.SugaredLogger, m *metrics.Metrics) *Scheduler {
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, log: log, metrics: m, ctx: ctx, cancel: cancel}
}

// Register schedules job under spec (standard cron or @every/@hourly descriptors).
func (s *Scheduler) Register(name, spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(name, job) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.log.Infow("job registered", "job", name, "spec", spec)
	return nil
}

// RunOnce executes job synchronously with the scheduler's context.
func (s *Scheduler) RunOnce(name string, job Job) error {
	start := time.Now()
	err := job(s.ctx)
	s.metrics.JobRun(name, err)
	if err != nil {
		s.log.Errorw("job failed", "job", name, "elapsed", time.Since(start).String(), "error", err)
		return err
	}
	s.log.Infow("job finished", "job", name, "elapsed", time.Since(start).String())
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
