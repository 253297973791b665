package model

import "time"

// Execution and action log statuses.
const (
	StatusSuccess        = "SUCCESS"
	StatusFailure        = "FAILURE"
	StatusPartialFailure = "PARTIAL_FAILURE"
)

// ExecutionLog records one rule firing attempt. Immutable once written;
// retained until explicit retention cleanup. Logs reference rules by id only
// and survive rule deletion.
type ExecutionLog struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	RuleID          string        `json:"rule_id"`
	RuleVersion     int           `json:"rule_version"`
	RecordID        string        `json:"record_id,omitempty"`
	TriggerType     string        `json:"trigger_type"`
	Status          string        `json:"status"`
	ActionsExecuted int           `json:"actions_executed"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// ActionLog records one action attempt. Retries produce one row each with an
// incrementing attempt number starting at 1. Immutable.
type ActionLog struct {
	ID             string         `json:"id"`
	ExecutionLogID string         `json:"execution_log_id"`
	ActionID       string         `json:"action_id"`
	ActionType     string         `json:"action_type"`
	AttemptNumber  int            `json:"attempt_number"`
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	RetryDelay     time.Duration  `json:"retry_delay"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Duration       time.Duration  `json:"duration"`
	StartedAt      time.Time      `json:"started_at"`
}

// ExecutionLogFilters narrows execution log queries.
type ExecutionLogFilters struct {
	RuleID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
