package store

import (
	"time"

	"github.com/rendis/ruleflow/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Trigger    schema.Trigger         `json:"trigger,omitempty"`
	Status     *schema.WorkflowStatus `json:"status,omitempty"`
	ActiveOnly bool                   `json:"active_only,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
// Replacing the logic tree bumps the workflow version.
type WorkflowUpdate struct {
	Name      *string                `json:"name,omitempty"`
	LogicTree schema.RuleTree        `json:"logic_tree,omitempty"`
	Priority  *int                   `json:"priority,omitempty"`
	IsActive  *bool                  `json:"is_active,omitempty"`
	Status    *schema.WorkflowStatus `json:"status,omitempty"`
}

// ExecutionFilter specifies criteria for listing execution records.
type ExecutionFilter struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Trigger    schema.Trigger `json:"trigger,omitempty"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Since      *time.Time     `json:"since,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Offset     int            `json:"offset,omitempty"`
}
