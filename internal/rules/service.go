// Package rules owns the rule lifecycle: validation, persistence, version
// snapshots, and log retention.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/engine"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// FormulaCompiler checks filter formulas at save time.
type FormulaCompiler interface {
	Compile(formula string) error
}

// Service validates and persists rules. Invalid configuration is rejected at
// save time so the pollers and matcher mostly see well-formed rules; they
// still fail closed on whatever slips through.
type Service struct {
	store    store.Store
	registry *action.Registry
	compiler FormulaCompiler
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the rule lifecycle service.
func NewService(st store.Store, registry *action.Registry, compiler FormulaCompiler, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		registry: registry,
		compiler: compiler,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateRule validates and persists a new rule at version 1, appending the
// first version snapshot.
func (s *Service) CreateRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if err := s.validate(&rule); err != nil {
		return model.Rule{}, err
	}

	now := s.now().UTC()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	for i := range rule.Actions {
		if rule.Actions[i].ID == "" {
			rule.Actions[i].ID = uuid.NewString()
		}
		rule.Actions[i].RuleID = rule.ID
	}
	rule.Version = 1
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastScheduledRun = nil

	if err := s.store.CreateRule(ctx, rule); err != nil {
		return model.Rule{}, err
	}
	if err := s.snapshot(ctx, rule, "created"); err != nil {
		return model.Rule{}, err
	}

	s.logger.Info("rule created",
		zap.String("tenant_id", rule.TenantID),
		zap.String("rule_id", rule.ID),
		zap.String("trigger_type", rule.TriggerType),
	)
	return rule, nil
}

// UpdateRule validates and persists a rule edit. The version is assigned
// server-side from the stored rule; a concurrent edit surfaces as CONFLICT
// from the store.
func (s *Service) UpdateRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if err := s.validate(&rule); err != nil {
		return model.Rule{}, err
	}

	existing, err := s.store.GetRule(ctx, rule.TenantID, rule.ID)
	if err != nil {
		return model.Rule{}, err
	}

	for i := range rule.Actions {
		if rule.Actions[i].ID == "" {
			rule.Actions[i].ID = uuid.NewString()
		}
		rule.Actions[i].RuleID = rule.ID
	}
	rule.Version = existing.Version + 1
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return model.Rule{}, err
	}
	if err := s.snapshot(ctx, rule, "updated"); err != nil {
		return model.Rule{}, err
	}

	s.logger.Info("rule updated",
		zap.String("tenant_id", rule.TenantID),
		zap.String("rule_id", rule.ID),
		zap.Int("version", rule.Version),
	)
	return rule, nil
}

// GetRule retrieves a rule with its actions.
func (s *Service) GetRule(ctx context.Context, tenantID, ruleID string) (model.Rule, error) {
	return s.store.GetRule(ctx, tenantID, ruleID)
}

// DeleteRule removes a rule, its actions, and its version snapshots.
// Execution logs referencing the rule remain.
func (s *Service) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	if err := s.store.DeleteRule(ctx, tenantID, ruleID); err != nil {
		return err
	}
	s.logger.Info("rule deleted",
		zap.String("tenant_id", tenantID),
		zap.String("rule_id", ruleID),
	)
	return nil
}

// RuleVersions returns a rule's version history, oldest first.
func (s *Service) RuleVersions(ctx context.Context, tenantID, ruleID string) ([]model.RuleVersion, error) {
	// Scope check before touching version rows.
	if _, err := s.store.GetRule(ctx, tenantID, ruleID); err != nil {
		return nil, err
	}
	return s.store.RuleVersions(ctx, ruleID)
}

// ExecutionLogs queries a tenant's execution logs.
func (s *Service) ExecutionLogs(ctx context.Context, tenantID string, filters model.ExecutionLogFilters) ([]model.ExecutionLog, error) {
	return s.store.ExecutionLogs(ctx, tenantID, filters)
}

// ActionLogs returns the action attempts of one firing, scoped to tenant.
func (s *Service) ActionLogs(ctx context.Context, tenantID, executionLogID string) ([]model.ActionLog, error) {
	return s.store.ActionLogs(ctx, tenantID, executionLogID)
}

// DeleteLogsOlderThan removes execution logs older than the cutoff together
// with their action logs, returning how many firings were removed.
func (s *Service) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.store.DeleteLogsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("execution logs purged",
		zap.Time("cutoff", cutoff),
		zap.Int64("removed", removed),
	)
	return removed, nil
}

// ConfigSchemas returns the config schema of every registered action type,
// for client-side form generation.
func (s *Service) ConfigSchemas() map[string]json.RawMessage {
	return s.registry.Schemas()
}

// validate rejects structurally invalid rules. The checks mirror what the
// engine enforces at fire time, so saved rules normally execute cleanly.
func (s *Service) validate(rule *model.Rule) error {
	if rule.TenantID == "" {
		return model.NewValidationError("rule: tenant_id is required")
	}
	if rule.CollectionID == "" && rule.TriggerType != model.TriggerScheduled && rule.TriggerType != model.TriggerManual {
		return model.NewValidationError("rule: collection_id is required")
	}
	if rule.Name == "" {
		return model.NewValidationError("rule: name is required")
	}

	if !validTrigger(rule.TriggerType) {
		return model.NewValidationError(fmt.Sprintf("rule: unknown trigger type %q", rule.TriggerType))
	}

	switch rule.ErrorPolicy {
	case "":
		rule.ErrorPolicy = model.ErrorPolicyStop
	case model.ErrorPolicyStop, model.ErrorPolicyContinue:
	default:
		return model.NewValidationError(fmt.Sprintf("rule: unknown error policy %q", rule.ErrorPolicy))
	}

	switch rule.ExecutionMode {
	case "":
		rule.ExecutionMode = model.ExecutionModeSequential
	case model.ExecutionModeSequential, model.ExecutionModeParallel:
	default:
		return model.NewValidationError(fmt.Sprintf("rule: unknown execution mode %q", rule.ExecutionMode))
	}

	if rule.TriggerType == model.TriggerScheduled {
		if _, err := engine.CronParser.Parse(rule.CronExpr); err != nil {
			return model.NewInvalidScheduleError(
				fmt.Sprintf("rule: invalid cron expression %q: %v", rule.CronExpr, err),
			)
		}
		if rule.Timezone != "" {
			if _, err := time.LoadLocation(rule.Timezone); err != nil {
				return model.NewInvalidScheduleError(
					fmt.Sprintf("rule: invalid timezone %q", rule.Timezone),
				)
			}
		}
	}

	if rule.Filter != "" && s.compiler != nil {
		if err := s.compiler.Compile(rule.Filter); err != nil {
			return model.NewValidationError(fmt.Sprintf("rule: invalid filter formula: %v", err))
		}
	}

	for i := range rule.Actions {
		if err := s.validateAction(&rule.Actions[i], i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validateAction(act *model.Action, index int) error {
	handler, err := s.registry.Get(act.Type)
	if err != nil {
		return err
	}
	if err := handler.ValidateConfig(act.Config); err != nil {
		return err
	}

	if act.RetryCount < 0 {
		return model.NewValidationError(fmt.Sprintf("action %d: retry_count must not be negative", index))
	}
	if act.RetryDelaySeconds < 0 {
		return model.NewValidationError(fmt.Sprintf("action %d: retry_delay_seconds must not be negative", index))
	}
	switch act.RetryBackoff {
	case "":
		act.RetryBackoff = model.BackoffFixed
	case model.BackoffFixed, model.BackoffExponential:
	default:
		return model.NewValidationError(fmt.Sprintf("action %d: unknown retry backoff %q", index, act.RetryBackoff))
	}
	return nil
}

func (s *Service) snapshot(ctx context.Context, rule model.Rule, summary string) error {
	blob, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule snapshot: %w", err)
	}
	return s.store.AppendRuleVersion(ctx, model.RuleVersion{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		Version:       rule.Version,
		Snapshot:      blob,
		ChangeSummary: summary,
		CreatedAt:     s.now().UTC(),
	})
}

func validTrigger(t string) bool {
	for _, v := range model.ValidTriggerTypes {
		if t == v {
			return true
		}
	}
	return false
}
