// Package engine matches mutation events against rules, executes action
// chains, and drives the scheduled-trigger and pending-action pollers.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// Engine is the synchronous entry point for rule firing: mutation events from
// the record-storage layer and manual runs requested by users.
type Engine struct {
	store    store.Store
	matcher  *TriggerMatcher
	executor *ActionExecutor
	records  action.RecordStore
	logger   *zap.Logger
}

// NewEngine wires the matcher and executor into a firing entry point.
// records may be nil when manual runs never reference records.
func NewEngine(st store.Store, matcher *TriggerMatcher, executor *ActionExecutor, records action.RecordStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		matcher:  matcher,
		executor: executor,
		records:  records,
		logger:   logger,
	}
}

// HandleMutation fires every rule the event matches, in priority order.
//
// For BEFORE-phase events a firing that did not fully succeed under
// STOP_ON_ERROR returns an error so the caller can abort the write. AFTER
// events isolate failures per rule: one broken rule never stops its
// siblings, and the returned error is always nil.
func (e *Engine) HandleMutation(ctx context.Context, event *model.MutationEvent) error {
	ctx, span := observability.StartSpan(ctx, "engine.HandleMutation",
		observability.AttrTenantID.String(event.TenantID),
		observability.AttrRecordID.String(event.RecordID),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	matched, err := e.matcher.Match(ctx, event)
	if err != nil {
		spanErr = err
		return err
	}

	for _, rule := range matched {
		tctx := model.TriggerContext{
			TenantID:     event.TenantID,
			CollectionID: event.CollectionID,
			RecordID:     event.RecordID,
			Record:       event.Record(),
			UserID:       event.UserID,
		}

		execLog, err := e.executor.ExecuteRule(ctx, rule, tctx)
		if err != nil {
			e.logger.Error("rule firing failed",
				zap.String("tenant_id", rule.TenantID),
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			if event.Phase == model.PhaseBefore && rule.ErrorPolicy == model.ErrorPolicyStop {
				spanErr = err
				return err
			}
			continue
		}

		if event.Phase == model.PhaseBefore &&
			rule.ErrorPolicy == model.ErrorPolicyStop &&
			execLog.Status != model.StatusSuccess {
			spanErr = fmt.Errorf("rule %q vetoed %s: %s", rule.ID, event.Operation, execLog.Error)
			return spanErr
		}
	}
	return nil
}

// ExecuteManualRule fires one MANUAL rule on demand and returns the execution
// log ID. The rule must exist in the tenant, carry the MANUAL trigger type,
// and be active. When recordID is given the record is loaded as the trigger
// snapshot; the rule's filter formula is not consulted, a manual run is an
// explicit request.
func (e *Engine) ExecuteManualRule(ctx context.Context, tenantID, ruleID, recordID, userID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "engine.ExecuteManualRule",
		observability.AttrTenantID.String(tenantID),
		observability.AttrRuleID.String(ruleID),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	rule, err := e.store.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		spanErr = err
		return "", err
	}
	if rule.TriggerType != model.TriggerManual {
		spanErr = model.NewBadRequestError(
			fmt.Sprintf("rule %q has trigger type %s, only MANUAL rules can be run on demand", ruleID, rule.TriggerType),
		)
		return "", spanErr
	}
	if !rule.Active {
		spanErr = model.NewRuleInactiveError(ruleID)
		return "", spanErr
	}

	tctx := model.TriggerContext{
		TenantID:     tenantID,
		CollectionID: rule.CollectionID,
		RecordID:     recordID,
		UserID:       userID,
	}
	if recordID != "" && e.records != nil {
		record, err := e.records.GetRecord(ctx, tenantID, rule.CollectionID, recordID)
		if err != nil {
			spanErr = fmt.Errorf("load record %q: %w", recordID, err)
			return "", spanErr
		}
		tctx.Record = record
	}

	execLog, err := e.executor.ExecuteRule(ctx, rule, tctx)
	if err != nil {
		spanErr = err
		return "", err
	}
	return execLog.ID, nil
}
