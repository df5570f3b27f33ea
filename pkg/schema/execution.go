package schema

import (
	"encoding/json"
	"time"
)

// MaxWorkflowsPerTrigger caps how many workflows a single Execute call evaluates.
const MaxWorkflowsPerTrigger = 100

// ExecuteOptions are optional per-call settings for Execute.
type ExecuteOptions struct {
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// ExecutionDetail is the per-workflow outcome inside an ExecutionResult.
type ExecutionDetail struct {
	WorkflowID      string         `json:"workflow_id"`
	WorkflowName    string         `json:"workflow_name"`
	Priority        int            `json:"priority"`
	Success         bool           `json:"success"`
	ActionType      ActionType     `json:"action_type,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// ExecutionResult is the aggregate returned by Execute and Test.
// Success reports whether the batch ran, not whether every workflow succeeded.
type ExecutionResult struct {
	Success           bool              `json:"success"`
	Actions           []ActionType      `json:"actions"`
	Details           []ExecutionDetail `json:"details"`
	WorkflowsExecuted int               `json:"workflows_executed"`
	ExecutionTimeMs   int64             `json:"execution_time_ms"`
	Error             string            `json:"error,omitempty"`
}

// WorkflowExecution is the append-only audit record of one evaluation attempt.
type WorkflowExecution struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflow_id"`
	Trigger         Trigger           `json:"trigger"`
	ContextData     json.RawMessage   `json:"context_data,omitempty"`
	Success         bool              `json:"success"`
	Result          *ActionDescriptor `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	EntityType      string            `json:"entity_type,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}
