package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const lockPrefix = "approvals:cron:"

// Task is one periodic unit of work.
type Task func(ctx context.Context) error

// Scheduler runs Tasks on cron specs. Each run takes a named lease first so
// only one replica performs it; runs that overlap a still-running one in the
// same process are skipped.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new Scheduler. lockTTL bounds both the lease and
// each run's context.
func NewScheduler(locker Locker, lockTTL time.Duration, log zerolog.Logger) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		locker:  locker,
		lockTTL: lockTTL,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers task under name on spec (standard five-field cron syntax or
// descriptors such as "@every 5m").
func (s *Scheduler) Add(name, spec string, task Task) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, name, task) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.log.Info().Str("task", name).Str("spec", spec).Msg("Task scheduled")
	return nil
}

// Start begins firing tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
}

// run executes one task under its lease.
func (s *Scheduler) run(ctx context.Context, name string, task Task) {
	release, ok, err := s.locker.TryLock(ctx, lockPrefix+name, s.lockTTL)
	if err != nil {
		s.log.Warn().Err(err).Str("task", name).Msg("Could not acquire task lease; skipping run")
		return
	}
	if !ok {
		s.log.Debug().Str("task", name).Msg("Task running on another replica")
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	start := time.Now()
	if err := task(ctx); err != nil {
		s.log.Error().Err(err).Str("task", name).Dur("took", time.Since(start)).Msg("Task failed")
		return
	}
	s.log.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("Task finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
