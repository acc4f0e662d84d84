package store

import (
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

// ScheduledJob is a chain definition run on a cron schedule.
type ScheduledJob struct {
	ID             string                  `json:"id"`
	CronExpression string                  `json:"cron_expression"`
	Definition     *schema.ChainDefinition `json:"definition"`
	Enabled        bool                    `json:"enabled"`
	LastRunAt      *time.Time              `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time              `json:"next_run_at,omitempty"`
	LastRunStatus  string                  `json:"last_run_status,omitempty"`
	LastRunID      string                  `json:"last_run_id,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// StepState is a step's status reconstructed from the event log.
type StepState struct {
	RunID       string     `json:"run_id"`
	Index       int        `json:"index"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}

// Step statuses produced by event replay.
const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
	StepStatusSkipped   = "skipped"
	StepStatusRetrying  = "retrying"
)

// --- Filter and update types ---

// ChainFilter specifies criteria for listing chain runs.
type ChainFilter struct {
	ChainID string              `json:"chain_id,omitempty"`
	Status  *schema.ChainStatus `json:"status,omitempty"`
	Mode    *schema.Mode        `json:"mode,omitempty"`
	Since   *time.Time          `json:"since,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Offset  int                 `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ChainID   string     `json:"chain_id,omitempty"`
	RunID     string     `json:"run_id,omitempty"`
	StepIndex *int       `json:"step_index,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
