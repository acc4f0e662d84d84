package store

import (
	"context"

	"github.com/rendis/chainrun/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Chain history, keyed by run ID.
	SaveChain(ctx context.Context, res *schema.ChainResult) error
	GetChain(ctx context.Context, runID string) (*schema.ChainResult, error)
	ListChains(ctx context.Context, filter ChainFilter) ([]*schema.ChainResult, error)
	DeleteChain(ctx context.Context, runID string) error

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, ev *schema.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Scheduled Jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
