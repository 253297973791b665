// Package store persists rules, execution logs, pending actions, and rule
// version snapshots.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/automata/model"
)

// RuleStore persists rules and their actions. A rule exclusively owns its
// actions: writes replace the action list, deletes cascade it.
type RuleStore interface {
	// CreateRule persists a new rule with its actions.
	CreateRule(ctx context.Context, rule model.Rule) error

	// UpdateRule persists an updated rule with optimistic locking. The
	// version must match the stored version plus one. Returns CONFLICT if
	// another writer got there first.
	UpdateRule(ctx context.Context, rule model.Rule) error

	// GetRule retrieves a rule with its actions, scoped to a tenant.
	GetRule(ctx context.Context, tenantID, ruleID string) (model.Rule, error)

	// DeleteRule removes a rule, its actions, and its version snapshots.
	// Execution logs are kept; they reference the rule by id only.
	DeleteRule(ctx context.Context, tenantID, ruleID string) error

	// ActiveRulesForCollection returns active rules for one collection,
	// ordered by execution priority ascending.
	ActiveRulesForCollection(ctx context.Context, tenantID, collectionID string) ([]model.Rule, error)

	// ActiveScheduledRules returns active SCHEDULED rules across all
	// tenants, ordered by execution priority ascending.
	ActiveScheduledRules(ctx context.Context) ([]model.Rule, error)

	// ClaimScheduledRun atomically advances a rule's last-scheduled-run
	// cursor from prev to next. It returns false when the stored cursor no
	// longer equals prev, meaning another poller instance claimed this
	// firing window.
	ClaimScheduledRun(ctx context.Context, ruleID string, prev *time.Time, next time.Time) (bool, error)
}

// LogStore persists execution and action logs. Both are immutable once
// written and survive rule deletion.
type LogStore interface {
	CreateExecutionLog(ctx context.Context, log model.ExecutionLog) error
	CreateActionLog(ctx context.Context, log model.ActionLog) error

	// ExecutionLogs queries a tenant's execution logs, newest first.
	ExecutionLogs(ctx context.Context, tenantID string, filters model.ExecutionLogFilters) ([]model.ExecutionLog, error)

	// ActionLogs returns the action logs of one firing, ordered by start
	// time then attempt number. The execution log must belong to the
	// tenant; NOT_FOUND otherwise.
	ActionLogs(ctx context.Context, tenantID, executionLogID string) ([]model.ActionLog, error)

	// DeleteLogsOlderThan removes execution logs started before the cutoff,
	// cascading their action logs. Returns the number of execution logs
	// removed.
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PendingStore persists suspended action chains.
type PendingStore interface {
	// CreatePending persists a new PENDING entry. Returns CONFLICT when a
	// live PENDING entry already exists for the same (rule, record, action
	// index) triple.
	CreatePending(ctx context.Context, p model.PendingAction) error

	// FindDuePending returns PENDING entries whose resume instant has
	// passed, ordered earliest-first.
	FindDuePending(ctx context.Context, now time.Time) ([]model.PendingAction, error)

	MarkPendingExecuted(ctx context.Context, id string) error
	MarkPendingFailed(ctx context.Context, id string, errMsg string) error
}

// VersionStore persists immutable rule version snapshots.
type VersionStore interface {
	AppendRuleVersion(ctx context.Context, v model.RuleVersion) error

	// RuleVersions returns all snapshots for a rule, ordered by version
	// ascending.
	RuleVersions(ctx context.Context, ruleID string) ([]model.RuleVersion, error)
}

// Store is the full persistence surface the engine depends on.
type Store interface {
	RuleStore
	LogStore
	PendingStore
	VersionStore
}
