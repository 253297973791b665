package model

import "time"

// Pending action statuses. PENDING rows transition exactly once, to EXECUTED
// on the success path or FAILED on the exception path; terminal states are
// never retried automatically.
const (
	PendingStatusPending  = "PENDING"
	PendingStatusExecuted = "EXECUTED"
	PendingStatusFailed   = "FAILED"
)

// PendingAction is a persisted marker for an action chain suspended until a
// future time. Created exclusively by the delay handler; consumed exclusively
// by the pending-action runner. At most one live PENDING row may exist per
// (rule, record, action index) triple.
type PendingAction struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ExecutionLogID string         `json:"execution_log_id"`
	RuleID         string         `json:"rule_id"`
	ActionIndex    int            `json:"action_index"`
	RecordID       string         `json:"record_id,omitempty"`
	RecordSnapshot map[string]any `json:"record_snapshot,omitempty"`
	ResumeAt       time.Time      `json:"resume_at"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
