package schema

import "time"

// Trigger identifies the kind of business event that can activate workflows.
type Trigger string

const (
	TriggerOrderCreated        Trigger = "ORDER_CREATED"
	TriggerOrderUpdated        Trigger = "ORDER_UPDATED"
	TriggerOrderCancelled      Trigger = "ORDER_CANCELLED"
	TriggerPaymentReceived     Trigger = "PAYMENT_RECEIVED"
	TriggerPaymentFailed       Trigger = "PAYMENT_FAILED"
	TriggerKYCSubmitted        Trigger = "KYC_SUBMITTED"
	TriggerKYCApproved         Trigger = "KYC_APPROVED"
	TriggerKYCRejected         Trigger = "KYC_REJECTED"
	TriggerUserRegistered      Trigger = "USER_REGISTERED"
	TriggerWithdrawalRequested Trigger = "WITHDRAWAL_REQUESTED"
	TriggerDepositReceived     Trigger = "DEPOSIT_RECEIVED"
	TriggerManual              Trigger = "MANUAL"
)

var knownTriggers = map[Trigger]struct{}{
	TriggerOrderCreated:        {},
	TriggerOrderUpdated:        {},
	TriggerOrderCancelled:      {},
	TriggerPaymentReceived:     {},
	TriggerPaymentFailed:       {},
	TriggerKYCSubmitted:        {},
	TriggerKYCApproved:         {},
	TriggerKYCRejected:         {},
	TriggerUserRegistered:      {},
	TriggerWithdrawalRequested: {},
	TriggerDepositReceived:     {},
	TriggerManual:              {},
}

// Valid reports whether t belongs to the trigger vocabulary.
func (t Trigger) Valid() bool {
	_, ok := knownTriggers[t]
	return ok
}

// WorkflowStatus is the lifecycle status of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusInactive WorkflowStatus = "INACTIVE"
	WorkflowStatusDraft    WorkflowStatus = "DRAFT"
	WorkflowStatusArchived WorkflowStatus = "ARCHIVED"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusActive, WorkflowStatusInactive, WorkflowStatusDraft, WorkflowStatusArchived:
		return true
	}
	return false
}

// RuleTree is the data form of a workflow's logic: either a single-key
// operator map {op: [operands...]} or a literal.
type RuleTree = any

// Workflow is an administrator-authored automation rule bound to a trigger.
// The engine only ever reads it; ExecutionCount and LastExecutedAt are
// maintained by the execution recorder.
type Workflow struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Trigger        Trigger        `json:"trigger"`
	LogicTree      RuleTree       `json:"logic_tree"`
	Priority       int            `json:"priority"`
	IsActive       bool           `json:"is_active"`
	Status         WorkflowStatus `json:"status"`
	ExecutionCount int64          `json:"execution_count"`
	LastExecutedAt *time.Time     `json:"last_executed_at,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Eligible reports whether the workflow may run: active flag set and status ACTIVE.
func (w *Workflow) Eligible() bool {
	return w != nil && w.IsActive && w.Status == WorkflowStatusActive
}
