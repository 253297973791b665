package model

import (
	"encoding/json"
	"sort"
	"time"
)

// Trigger types a rule can be fired by.
const (
	TriggerOnCreate         = "ON_CREATE"
	TriggerOnUpdate         = "ON_UPDATE"
	TriggerOnDelete         = "ON_DELETE"
	TriggerOnCreateOrUpdate = "ON_CREATE_OR_UPDATE"
	TriggerBeforeCreate     = "BEFORE_CREATE"
	TriggerBeforeUpdate     = "BEFORE_UPDATE"
	TriggerScheduled        = "SCHEDULED"
	TriggerManual           = "MANUAL"
)

// Error policies controlling chain behavior after a failed action.
const (
	ErrorPolicyStop     = "STOP_ON_ERROR"
	ErrorPolicyContinue = "CONTINUE_ON_ERROR"
)

// Execution modes for a rule's action chain.
const (
	ExecutionModeSequential = "SEQUENTIAL"
	ExecutionModeParallel   = "PARALLEL"
)

// Retry backoff strategies between action attempts.
const (
	BackoffFixed       = "FIXED"
	BackoffExponential = "EXPONENTIAL"
)

// ValidTriggerTypes enumerates every accepted trigger type.
var ValidTriggerTypes = []string{
	TriggerOnCreate, TriggerOnUpdate, TriggerOnDelete, TriggerOnCreateOrUpdate,
	TriggerBeforeCreate, TriggerBeforeUpdate, TriggerScheduled, TriggerManual,
}

// Rule is a tenant-scoped automation definition: a trigger condition plus an
// ordered action chain.
type Rule struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenant_id"`
	CollectionID  string   `json:"collection_id"`
	Name          string   `json:"name"`
	Active        bool     `json:"active"`
	TriggerType   string   `json:"trigger_type"`
	Filter        string   `json:"filter,omitempty"`
	TriggerFields []string `json:"trigger_fields,omitempty"`
	Priority      int      `json:"priority"`
	ErrorPolicy   string   `json:"error_policy"`
	ExecutionMode string   `json:"execution_mode"`

	// Scheduling fields, meaningful only for TriggerScheduled rules.
	CronExpr         string     `json:"cron_expr,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	LastScheduledRun *time.Time `json:"last_scheduled_run,omitempty"`

	Actions   []Action  `json:"actions,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderedActiveActions returns the rule's active actions sorted ascending by
// execution order. The sort is stable, so equal order values keep their
// insertion order.
func (r *Rule) OrderedActiveActions() []Action {
	actions := make([]Action, 0, len(r.Actions))
	for _, a := range r.Actions {
		if a.Active {
			actions = append(actions, a)
		}
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].ExecutionOrder < actions[j].ExecutionOrder
	})
	return actions
}

// Action is one step of a rule's side-effect chain, identified by a type key
// and a JSON configuration blob whose schema is owned by the handler.
type Action struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	Type           string          `json:"type"`
	Config         json.RawMessage `json:"config,omitempty"`
	Active         bool            `json:"active"`
	ExecutionOrder int             `json:"execution_order"`

	RetryCount        int    `json:"retry_count"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
	RetryBackoff      string `json:"retry_backoff,omitempty"`
}

// RetryDelay returns the configured base delay between attempts.
func (a *Action) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelaySeconds) * time.Second
}

// RuleVersion is an immutable snapshot of a rule definition, actions
// included, tagged with a version number that increases monotonically per
// rule.
type RuleVersion struct {
	ID            string          `json:"id"`
	RuleID        string          `json:"rule_id"`
	Version       int             `json:"version"`
	Snapshot      json.RawMessage `json:"snapshot"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
