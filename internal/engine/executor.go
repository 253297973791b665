package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// ActionExecutor runs a rule's action chain: retries with backoff per action,
// error policy across actions, per-attempt action logs, and one execution log
// per firing. A delay action suspends the chain into a pending action instead
// of blocking the firing.
type ActionExecutor struct {
	store    store.Store
	registry *action.Registry
	clock    Clock
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// ExecutorOption configures an ActionExecutor.
type ExecutorOption func(*ActionExecutor)

// WithClock overrides the executor's time source. For tests.
func WithClock(c Clock) ExecutorOption {
	return func(e *ActionExecutor) { e.clock = c }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *ActionExecutor) { e.metrics = m }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *ActionExecutor) { e.logger = l }
}

// NewActionExecutor creates an executor over the given store and handler
// registry.
func NewActionExecutor(st store.Store, registry *action.Registry, opts ...ExecutorOption) *ActionExecutor {
	e := &ActionExecutor{
		store:    st,
		registry: registry,
		clock:    SystemClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteRule fires the rule's full action chain and returns the persisted
// execution log. Action failures are recorded in the log, not returned; the
// error return is reserved for infrastructure failures.
func (e *ActionExecutor) ExecuteRule(ctx context.Context, rule model.Rule, tctx model.TriggerContext) (model.ExecutionLog, error) {
	return e.ExecuteRuleFrom(ctx, rule, tctx, 0)
}

// ExecuteRuleFrom fires the rule's action chain starting at startIndex into
// the ordered active actions. The pending-action runner uses a non-zero start
// to resume a suspended chain.
func (e *ActionExecutor) ExecuteRuleFrom(ctx context.Context, rule model.Rule, tctx model.TriggerContext, startIndex int) (model.ExecutionLog, error) {
	ctx, span := observability.StartSpan(ctx, "engine.ExecuteRule",
		observability.AttrTenantID.String(rule.TenantID),
		observability.AttrRuleID.String(rule.ID),
		observability.AttrTriggerType.String(rule.TriggerType),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	start := e.clock.Now().UTC()
	logID := uuid.NewString()
	tctx.RuleID = rule.ID
	tctx.ExecutionLogID = logID

	logger := observability.RuleLogger(e.logger, rule.TenantID, rule.ID, rule.TriggerType)

	actions := rule.OrderedActiveActions()
	if startIndex < 0 {
		startIndex = 0
	}

	var executed, failed int
	var firstErr string
	suspended := false

	remaining := actions[min(startIndex, len(actions)):]
	if rule.ExecutionMode == model.ExecutionModeParallel && !chainHasDelay(remaining) {
		executed, failed, firstErr = e.runParallel(ctx, remaining, &tctx)
	} else {
		// Delay actions force sequential semantics; suspension has no
		// meaning when the rest of the chain already ran.
		for i := startIndex; i < len(actions); i++ {
			act := actions[i]
			result, err := e.runActionWithRetries(ctx, act, &tctx)
			executed++

			if err != nil {
				failed++
				if firstErr == "" {
					firstErr = err.Error()
				}
				if rule.ErrorPolicy != model.ErrorPolicyContinue {
					break
				}
				continue
			}

			if result.Suspend != nil {
				suspended = true
				if i+1 < len(actions) {
					if err := e.suspendChain(ctx, rule, tctx, i+1, result.Suspend.ResumeAt); err != nil {
						logger.Error("persist pending action failed", zap.Error(err))
						failed++
						if firstErr == "" {
							firstErr = err.Error()
						}
					}
				}
				break
			}
		}
	}

	status := model.StatusSuccess
	switch {
	case failed == 0:
	case failed < executed:
		status = model.StatusPartialFailure
	default:
		status = model.StatusFailure
	}

	execLog := model.ExecutionLog{
		ID:              logID,
		TenantID:        rule.TenantID,
		RuleID:          rule.ID,
		RuleVersion:     rule.Version,
		RecordID:        tctx.RecordID,
		TriggerType:     rule.TriggerType,
		Status:          status,
		ActionsExecuted: executed,
		Error:           firstErr,
		StartedAt:       start,
		Duration:        e.clock.Now().UTC().Sub(start),
	}
	if err := e.store.CreateExecutionLog(ctx, execLog); err != nil {
		spanErr = fmt.Errorf("persist execution log: %w", err)
		return execLog, spanErr
	}

	if e.metrics != nil {
		e.metrics.RuleFiringsTotal.WithLabelValues(rule.TriggerType, status).Inc()
		e.metrics.RuleFiringDuration.WithLabelValues(rule.TriggerType).Observe(execLog.Duration.Seconds())
	}
	logger.Info("rule fired",
		zap.String("execution_log_id", logID),
		zap.String("status", status),
		zap.Int("actions_executed", executed),
		zap.Bool("suspended", suspended),
	)
	return execLog, nil
}

// runActionWithRetries attempts one action up to RetryCount+1 times, writing
// one action log per attempt. The recorded retry delay is the wait that
// preceded that attempt; the first attempt always records zero.
func (e *ActionExecutor) runActionWithRetries(ctx context.Context, act model.Action, tctx *model.TriggerContext) (model.ActionResult, error) {
	ctx, span := observability.StartSpan(ctx, "engine.ExecuteAction",
		observability.AttrActionType.String(act.Type),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	handler, err := e.registry.Get(act.Type)
	if err != nil {
		// Unknown types fail the action without retrying; retries cannot
		// help a configuration error.
		e.recordAttempt(ctx, act, tctx, 1, 0, e.clock.Now().UTC(), 0, model.ActionResult{}, err)
		spanErr = err
		return model.ActionResult{}, err
	}

	maxAttempts := act.RetryCount + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var wait time.Duration
		if attempt > 1 {
			wait = retryWait(act, attempt)
			if err := e.clock.Sleep(ctx, wait); err != nil {
				spanErr = err
				return model.ActionResult{}, err
			}
			if e.metrics != nil {
				e.metrics.ActionRetriesTotal.WithLabelValues(act.Type).Inc()
			}
		}

		attemptStart := e.clock.Now().UTC()
		result, err := handler.Execute(ctx, tctx, act.Config)
		duration := e.clock.Now().UTC().Sub(attemptStart)

		e.recordAttempt(ctx, act, tctx, attempt, wait, attemptStart, duration, result, err)

		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	spanErr = lastErr
	return model.ActionResult{}, lastErr
}

// runParallel runs the chain concurrently. Error policy does not apply; every
// action runs regardless of sibling failures.
func (e *ActionExecutor) runParallel(ctx context.Context, actions []model.Action, tctx *model.TriggerContext) (executed, failed int, firstErr string) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, act := range actions {
		wg.Add(1)
		go func(act model.Action) {
			defer wg.Done()
			local := *tctx
			_, err := e.runActionWithRetries(ctx, act, &local)
			mu.Lock()
			defer mu.Unlock()
			executed++
			if err != nil {
				failed++
				if firstErr == "" {
					firstErr = err.Error()
				}
			}
		}(act)
	}
	wg.Wait()
	return executed, failed, firstErr
}

// recordAttempt persists one action log row. Log write failures are reported
// but never fail the firing.
func (e *ActionExecutor) recordAttempt(ctx context.Context, act model.Action, tctx *model.TriggerContext, attempt int, wait time.Duration, startedAt time.Time, duration time.Duration, result model.ActionResult, execErr error) {
	status := model.StatusSuccess
	errMsg := ""
	if execErr != nil {
		status = model.StatusFailure
		errMsg = execErr.Error()
	}

	var input map[string]any
	if len(act.Config) > 0 {
		_ = json.Unmarshal(act.Config, &input)
	}

	actionLog := model.ActionLog{
		ID:             uuid.NewString(),
		ExecutionLogID: tctx.ExecutionLogID,
		ActionID:       act.ID,
		ActionType:     act.Type,
		AttemptNumber:  attempt,
		Status:         status,
		Error:          errMsg,
		RetryDelay:     wait,
		Input:          input,
		Output:         result.Output,
		Duration:       duration,
		StartedAt:      startedAt,
	}
	if err := e.store.CreateActionLog(ctx, actionLog); err != nil {
		e.logger.Error("persist action log failed",
			zap.String("execution_log_id", tctx.ExecutionLogID),
			zap.String("action_type", act.Type),
			zap.Error(err),
		)
	}

	if e.metrics != nil {
		e.metrics.ActionAttemptsTotal.WithLabelValues(act.Type, status).Inc()
		e.metrics.ActionDuration.WithLabelValues(act.Type).Observe(duration.Seconds())
	}
}

// suspendChain persists a pending action pointing at the next action to run.
func (e *ActionExecutor) suspendChain(ctx context.Context, rule model.Rule, tctx model.TriggerContext, nextIndex int, resumeAt time.Time) error {
	pending := model.PendingAction{
		ID:             uuid.NewString(),
		TenantID:       rule.TenantID,
		ExecutionLogID: tctx.ExecutionLogID,
		RuleID:         rule.ID,
		ActionIndex:    nextIndex,
		RecordID:       tctx.RecordID,
		RecordSnapshot: tctx.Record,
		ResumeAt:       resumeAt.UTC(),
		Status:         model.PendingStatusPending,
		CreatedAt:      e.clock.Now().UTC(),
	}
	if err := e.store.CreatePending(ctx, pending); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ActionSuspensionsTotal.WithLabelValues(rule.TenantID).Inc()
	}
	return nil
}

// retryWait computes the wait before the given attempt (attempt >= 2). FIXED
// waits the base delay every time; EXPONENTIAL doubles it per retry, so base
// 1s yields 1s before attempt 2 and 2s before attempt 3.
func retryWait(act model.Action, attempt int) time.Duration {
	base := act.RetryDelay()
	if base <= 0 {
		return 0
	}
	if act.RetryBackoff != model.BackoffExponential {
		return base
	}
	shift := attempt - 2
	if shift > 30 {
		shift = 30
	}
	return base << shift
}

func chainHasDelay(actions []model.Action) bool {
	for _, a := range actions {
		if a.Type == action.TypeDelay {
			return true
		}
	}
	return false
}
