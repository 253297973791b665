package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/automata/model"
)

// MemoryStore is an in-memory Store for testing and single-instance
// deployments. It mirrors the postgres store's semantics, including
// optimistic locking and the pending-action uniqueness invariant.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    map[string]model.Rule          // key: rule ID
	logs     map[string]model.ExecutionLog  // key: execution log ID
	actions  map[string][]model.ActionLog   // key: execution log ID
	pending  map[string]model.PendingAction // key: pending ID
	versions map[string][]model.RuleVersion // key: rule ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]model.Rule),
		logs:     make(map[string]model.ExecutionLog),
		actions:  make(map[string][]model.ActionLog),
		pending:  make(map[string]model.PendingAction),
		versions: make(map[string][]model.RuleVersion),
	}
}

// --- RuleStore ---

// CreateRule persists a new rule.
func (s *MemoryStore) CreateRule(_ context.Context, rule model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("rule %q already exists", rule.ID))
	}
	s.rules[rule.ID] = rule
	return nil
}

// UpdateRule persists an updated rule with optimistic locking.
func (s *MemoryStore) UpdateRule(_ context.Context, rule model.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists || existing.TenantID != rule.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("rule %q not found", rule.ID))
	}
	if rule.Version != existing.Version+1 {
		return model.NewConflictError(
			fmt.Sprintf("rule %q version conflict (stored %d, write %d)", rule.ID, existing.Version, rule.Version),
		)
	}
	// The scheduled cursor is owned by ClaimScheduledRun, not by rule edits.
	rule.LastScheduledRun = existing.LastScheduledRun
	s.rules[rule.ID] = rule
	return nil
}

// GetRule retrieves a rule by ID, scoped to tenant.
func (s *MemoryStore) GetRule(_ context.Context, tenantID, ruleID string) (model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[ruleID]
	if !exists || rule.TenantID != tenantID {
		return model.Rule{}, model.NewNotFoundError(fmt.Sprintf("rule %q not found", ruleID))
	}
	return rule, nil
}

// DeleteRule removes a rule, its actions, and its version snapshots.
func (s *MemoryStore) DeleteRule(_ context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists || rule.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("rule %q not found", ruleID))
	}
	delete(s.rules, ruleID)
	delete(s.versions, ruleID)
	return nil
}

// ActiveRulesForCollection returns active rules for one collection by
// priority ascending.
func (s *MemoryStore) ActiveRulesForCollection(_ context.Context, tenantID, collectionID string) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Rule
	for _, r := range s.rules {
		if r.TenantID != tenantID || r.CollectionID != collectionID || !r.Active {
			continue
		}
		result = append(result, r)
	}
	sortRulesByPriority(result)
	return result, nil
}

// ActiveScheduledRules returns active SCHEDULED rules across all tenants.
func (s *MemoryStore) ActiveScheduledRules(_ context.Context) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Rule
	for _, r := range s.rules {
		if !r.Active || r.TriggerType != model.TriggerScheduled {
			continue
		}
		result = append(result, r)
	}
	sortRulesByPriority(result)
	return result, nil
}

// ClaimScheduledRun atomically advances the scheduled cursor.
func (s *MemoryStore) ClaimScheduledRun(_ context.Context, ruleID string, prev *time.Time, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[ruleID]
	if !exists {
		return false, model.NewNotFoundError(fmt.Sprintf("rule %q not found", ruleID))
	}

	stored := rule.LastScheduledRun
	switch {
	case stored == nil && prev == nil:
	case stored != nil && prev != nil && stored.Equal(*prev):
	default:
		return false, nil
	}

	next = next.UTC()
	rule.LastScheduledRun = &next
	s.rules[ruleID] = rule
	return true, nil
}

// --- LogStore ---

// CreateExecutionLog persists a firing log entry.
func (s *MemoryStore) CreateExecutionLog(_ context.Context, log model.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[log.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("execution log %q already exists", log.ID))
	}
	s.logs[log.ID] = log
	return nil
}

// CreateActionLog persists one action attempt entry.
func (s *MemoryStore) CreateActionLog(_ context.Context, log model.ActionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions[log.ExecutionLogID] = append(s.actions[log.ExecutionLogID], log)
	return nil
}

// ExecutionLogs queries a tenant's execution logs, newest first.
func (s *MemoryStore) ExecutionLogs(_ context.Context, tenantID string, filters model.ExecutionLogFilters) ([]model.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExecutionLog
	for _, l := range s.logs {
		if l.TenantID != tenantID {
			continue
		}
		if filters.RuleID != "" && l.RuleID != filters.RuleID {
			continue
		}
		if !filters.From.IsZero() && l.StartedAt.Before(filters.From) {
			continue
		}
		if !filters.To.IsZero() && !l.StartedAt.Before(filters.To) {
			continue
		}
		result = append(result, l)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.ExecutionLog{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// ActionLogs returns action logs of one firing ordered by start time, then
// attempt number. Tenant scoping goes through the parent execution log.
func (s *MemoryStore) ActionLogs(_ context.Context, tenantID, executionLogID string) ([]model.ActionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, exists := s.logs[executionLogID]
	if !exists || parent.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution log %q not found", executionLogID))
	}

	logs := s.actions[executionLogID]
	result := make([]model.ActionLog, len(logs))
	copy(result, logs)
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].AttemptNumber < result[j].AttemptNumber
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// DeleteLogsOlderThan removes execution logs started before the cutoff and
// their action logs.
func (s *MemoryStore) DeleteLogsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, l := range s.logs {
		if l.StartedAt.Before(cutoff) {
			delete(s.logs, id)
			delete(s.actions, id)
			removed++
		}
	}
	return removed, nil
}

// --- PendingStore ---

// CreatePending persists a PENDING entry, enforcing the live-uniqueness
// invariant per (rule, record, action index).
func (s *MemoryStore) CreatePending(_ context.Context, p model.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pending {
		if existing.Status != model.PendingStatusPending {
			continue
		}
		if existing.RuleID == p.RuleID && existing.RecordID == p.RecordID && existing.ActionIndex == p.ActionIndex {
			return model.NewConflictError(fmt.Sprintf(
				"pending action already exists for rule %q record %q index %d",
				p.RuleID, p.RecordID, p.ActionIndex,
			))
		}
	}
	s.pending[p.ID] = p
	return nil
}

// FindDuePending returns due PENDING entries, earliest resume time first.
func (s *MemoryStore) FindDuePending(_ context.Context, now time.Time) ([]model.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PendingAction
	for _, p := range s.pending {
		if p.Status != model.PendingStatusPending {
			continue
		}
		if p.ResumeAt.After(now) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ResumeAt.Before(result[j].ResumeAt)
	})
	return result, nil
}

// MarkPendingExecuted transitions a PENDING entry to EXECUTED.
func (s *MemoryStore) MarkPendingExecuted(_ context.Context, id string) error {
	return s.markPending(id, model.PendingStatusExecuted, "")
}

// MarkPendingFailed transitions a PENDING entry to FAILED.
func (s *MemoryStore) MarkPendingFailed(_ context.Context, id string, errMsg string) error {
	return s.markPending(id, model.PendingStatusFailed, errMsg)
}

func (s *MemoryStore) markPending(id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pending[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("pending action %q not found", id))
	}
	if p.Status != model.PendingStatusPending {
		return model.NewConflictError(fmt.Sprintf("pending action %q is already %s", id, p.Status))
	}
	p.Status = status
	p.Error = errMsg
	s.pending[id] = p
	return nil
}

// --- VersionStore ---

// AppendRuleVersion persists an immutable rule snapshot.
func (s *MemoryStore) AppendRuleVersion(_ context.Context, v model.RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions[v.RuleID] {
		if existing.Version == v.Version {
			return model.NewConflictError(
				fmt.Sprintf("rule %q version %d already snapshotted", v.RuleID, v.Version),
			)
		}
	}
	s.versions[v.RuleID] = append(s.versions[v.RuleID], v)
	return nil
}

// RuleVersions returns snapshots for a rule, version ascending.
func (s *MemoryStore) RuleVersions(_ context.Context, ruleID string) ([]model.RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[ruleID]
	result := make([]model.RuleVersion, len(versions))
	copy(result, versions)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// Len returns the total number of rules. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func sortRulesByPriority(rules []model.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}
