package engine

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/condition"
	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// TriggerMatcher selects the rules a mutation event should fire, in priority
// order. Selection applies trigger type and phase, then the trigger-field
// gate, then the filter formula. Formula errors count the rule as
// non-matching.
type TriggerMatcher struct {
	rules     store.RuleStore
	evaluator condition.Evaluator
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewTriggerMatcher creates a matcher over the given rule store.
func NewTriggerMatcher(rules store.RuleStore, evaluator condition.Evaluator, metrics *observability.Metrics, logger *zap.Logger) *TriggerMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerMatcher{
		rules:     rules,
		evaluator: evaluator,
		metrics:   metrics,
		logger:    logger,
	}
}

// Match returns the rules the event fires, ordered by priority ascending.
func (m *TriggerMatcher) Match(ctx context.Context, event *model.MutationEvent) ([]model.Rule, error) {
	candidates, err := m.rules.ActiveRulesForCollection(ctx, event.TenantID, event.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("load rules for collection %q: %w", event.CollectionID, err)
	}

	var matched []model.Rule
	for _, rule := range candidates {
		if !triggerMatches(rule.TriggerType, event.Operation, event.Phase) {
			continue
		}
		if !m.fieldsChanged(rule, event) {
			continue
		}

		ok, err := m.evaluator.Evaluate(rule.Filter, event.Record())
		if err != nil {
			// Fail closed: an unevaluable formula never fires.
			if m.metrics != nil {
				m.metrics.ConditionErrorsTotal.WithLabelValues(event.TenantID).Inc()
			}
			m.logger.Warn("filter formula evaluation failed, skipping rule",
				zap.String("tenant_id", event.TenantID),
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, rule)
	}

	if m.metrics != nil && len(matched) > 0 {
		m.metrics.RulesMatchedTotal.WithLabelValues(event.Operation).Add(float64(len(matched)))
	}
	return matched, nil
}

// fieldsChanged applies the trigger-field gate. It only constrains update
// events; an empty field list means any change qualifies.
func (m *TriggerMatcher) fieldsChanged(rule model.Rule, event *model.MutationEvent) bool {
	if event.Operation != model.OperationUpdate || len(rule.TriggerFields) == 0 {
		return true
	}
	for _, field := range rule.TriggerFields {
		oldVal, newVal := event.OldRecord[field], event.NewRecord[field]
		if !reflect.DeepEqual(oldVal, newVal) {
			return true
		}
	}
	return false
}

// triggerMatches maps trigger types to mutation operation and phase.
// SCHEDULED and MANUAL rules never fire from mutations.
func triggerMatches(triggerType, operation, phase string) bool {
	switch phase {
	case model.PhaseBefore:
		switch triggerType {
		case model.TriggerBeforeCreate:
			return operation == model.OperationCreate
		case model.TriggerBeforeUpdate:
			return operation == model.OperationUpdate
		}
		return false
	case model.PhaseAfter:
		switch triggerType {
		case model.TriggerOnCreate:
			return operation == model.OperationCreate
		case model.TriggerOnUpdate:
			return operation == model.OperationUpdate
		case model.TriggerOnDelete:
			return operation == model.OperationDelete
		case model.TriggerOnCreateOrUpdate:
			return operation == model.OperationCreate || operation == model.OperationUpdate
		}
		return false
	}
	return false
}
