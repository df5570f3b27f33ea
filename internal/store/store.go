package store

import (
	"context"
	"time"

	"github.com/rendis/ruleflow/pkg/schema"
)

// WorkflowSource supplies workflow definitions to the dispatcher.
// Implementations must be safe for concurrent use.
type WorkflowSource interface {
	// FetchActiveWorkflows returns eligible workflows bound to trigger,
	// highest priority first, at most limit of them.
	FetchActiveWorkflows(ctx context.Context, trigger schema.Trigger, limit int) ([]*schema.Workflow, error)
	// GetWorkflow returns one workflow regardless of its status.
	// An unknown id yields a NOT_FOUND *schema.RuleflowError.
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
}

// ExecutionSink receives the audit trail of evaluations.
type ExecutionSink interface {
	PersistExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	// BumpStats increments the workflow's execution count and sets its
	// last-executed timestamp. It must be an atomic increment.
	BumpStats(ctx context.Context, workflowID string, at time.Time) error
}

// Store is the full persistence contract used by the binary and tooling.
type Store interface {
	WorkflowSource
	ExecutionSink

	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions (append-only)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)
	PurgeExecutions(ctx context.Context, olderThan time.Time) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
