package model

import "time"

// Record mutation operations.
const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

// Mutation phases. BEFORE events are delivered from pre-commit hooks, AFTER
// events once the write has been applied.
const (
	PhaseBefore = "BEFORE"
	PhaseAfter  = "AFTER"
)

// MutationEvent describes a record mutation delivered by the record-storage
// layer. OldRecord is nil for creates; NewRecord is nil for deletes.
type MutationEvent struct {
	TenantID     string         `json:"tenant_id"`
	CollectionID string         `json:"collection_id"`
	RecordID     string         `json:"record_id"`
	Operation    string         `json:"operation"`
	Phase        string         `json:"phase"`
	OldRecord    map[string]any `json:"old_record,omitempty"`
	NewRecord    map[string]any `json:"new_record,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
}

// Record returns the snapshot actions should operate on: the new record when
// present, otherwise the old one (deletes).
func (e *MutationEvent) Record() map[string]any {
	if e.NewRecord != nil {
		return e.NewRecord
	}
	return e.OldRecord
}

// TriggerContext carries everything an action handler needs about the firing
// that invoked it.
type TriggerContext struct {
	TenantID       string         `json:"tenant_id"`
	CollectionID   string         `json:"collection_id"`
	RecordID       string         `json:"record_id,omitempty"`
	Record         map[string]any `json:"record,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	RuleID         string         `json:"rule_id"`
	ExecutionLogID string         `json:"execution_log_id,omitempty"`
}

// ActionResult is the outcome of a single handler invocation. A nil Suspend
// means the action completed; a non-nil Suspend halts the synchronous chain
// and schedules resumption at ResumeAt.
type ActionResult struct {
	Output  map[string]any `json:"output,omitempty"`
	Suspend *Suspension    `json:"suspend,omitempty"`
}

// Suspension asks the executor to pause the chain until ResumeAt.
type Suspension struct {
	ResumeAt time.Time `json:"resume_at"`
}
