package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chainrun/internal/store"
	"github.com/rendis/chainrun/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = 60 * time.Second

// RunStatusError is recorded when a job could not be started at all.
const RunStatusError = "error"

// ChainRunner runs a chain definition. Satisfied by RunnerFunc over the executor.
type ChainRunner interface {
	RunDefinition(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error)
}

// RunnerFunc adapts a function to ChainRunner.
type RunnerFunc func(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error)

func (f RunnerFunc) RunDefinition(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error) {
	return f(ctx, def)
}

// JobStore is the part of store.Store the scheduler needs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// EventEmitter announces triggered jobs. Satisfied by *chain.Emitter.
type EventEmitter interface {
	Emit(ctx context.Context, ev schema.Event)
}

// Config holds optional scheduler settings.
type Config struct {
	Interval time.Duration
	Events   EventEmitter
	Logger   *slog.Logger
}

// Scheduler polls the store for due chain definitions and runs them.
type Scheduler struct {
	store    JobStore
	runner   ChainRunner
	parser   cron.Parser
	interval time.Duration
	events   EventEmitter
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s JobStore, runner ChainRunner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: cfg.Interval,
		events:   cfg.Events,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Register stores a new enabled job for def on the given cron expression and
// returns it with its first run time.
func (s *Scheduler) Register(ctx context.Context, id, cronExpr string, def *schema.ChainDefinition) (*store.ScheduledJob, error) {
	if id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job id is required")
	}
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job needs a chain definition")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s", err.Error()).WithCause(err)
	}
	job := &store.ScheduledJob{
		ID:             id,
		CronExpression: cronExpr,
		Definition:     def,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job scheduled", slog.String("job_id", id), slog.String("cron", cronExpr), slog.Time("next_run", next))
	return job, nil
}

// Unregister deletes a job.
func (s *Scheduler) Unregister(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run time has passed. A job with no
// next run time is treated as overdue.
func (s *Scheduler) tick(ctx context.Context) {
	s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt == nil || !job.NextRunAt.After(now)
	})
}

// RecoverMissed runs once each enabled job whose next run time passed while the
// scheduler was down, then reschedules it.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	n, err := s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt != nil && job.NextRunAt.Before(now)
	})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", n))
	}
	return nil
}

func (s *Scheduler) runDue(ctx context.Context, due func(*store.ScheduledJob, time.Time) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0, err
	}

	now := s.now()
	ran := 0
	for _, job := range jobs {
		if !due(job, now) || !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran, nil
}

// runJob executes a scheduled job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job", slog.String("job_id", job.ID))

	if s.events != nil {
		chainID := ""
		if job.Definition != nil {
			chainID = job.Definition.ID
		}
		s.events.Emit(ctx, schema.NewEvent(chainID, "", schema.EventScheduleTriggered).With(map[string]any{
			"job_id": job.ID,
			"cron":   job.CronExpression,
		}))
	}

	status, runID := RunStatusError, ""
	if job.Definition == nil {
		s.logger.Error("scheduled job has no definition", slog.String("job_id", job.ID))
	} else {
		res, err := s.runner.RunDefinition(ctx, job.Definition)
		switch {
		case err != nil:
			s.logger.Error("scheduled job execution failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		case res != nil:
			status, runID = string(res.Status), res.RunID
		}
	}

	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a 5-field cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
