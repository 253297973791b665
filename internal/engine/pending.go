package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// PendingRunner polls suspended action chains and resumes the due ones. A
// resumed chain re-enters the parent rule's executor at the stored action
// index against the stored record snapshot, under a fresh execution log.
//
// An entry is marked EXECUTED once the chain ran to completion, even when
// individual actions failed inside it; those failures live in the execution
// log. FAILED is reserved for entries whose chain could not be re-entered at
// all, such as a deleted or deactivated rule.
type PendingRunner struct {
	store    store.Store
	executor *ActionExecutor
	clock    Clock
	metrics  *observability.Metrics
	logger   *zap.Logger
	interval time.Duration
}

// NewPendingRunner creates a pending-action poller.
func NewPendingRunner(st store.Store, executor *ActionExecutor, interval time.Duration, clock Clock, metrics *observability.Metrics, logger *zap.Logger) *PendingRunner {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingRunner{
		store:    st,
		executor: executor,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
	}
}

// Run polls until the context is cancelled.
func (r *PendingRunner) Run(ctx context.Context) {
	r.logger.Info("pending-action poller started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("pending-action poller stopped")
			return
		case <-ticker.C:
			r.PollOnce(ctx)
		}
	}
}

// PollOnce resumes every due pending action. Exported so tests can drive the
// runner without the ticker.
func (r *PendingRunner) PollOnce(ctx context.Context) {
	start := r.clock.Now()

	due, err := r.store.FindDuePending(ctx, r.clock.Now())
	if err != nil {
		r.logger.Error("load due pending actions failed", zap.Error(err))
		return
	}

	for _, p := range due {
		if err := r.resume(ctx, p); err != nil {
			r.markFailed(ctx, p, err)
			continue
		}
		if err := r.store.MarkPendingExecuted(ctx, p.ID); err != nil {
			r.logger.Error("mark pending executed failed",
				zap.String("pending_id", p.ID), zap.Error(err))
			continue
		}
		if r.metrics != nil {
			r.metrics.PendingPromotedTotal.WithLabelValues(model.PendingStatusExecuted).Inc()
		}
	}

	if r.metrics != nil {
		r.metrics.PendingPollDuration.Observe(r.clock.Now().Sub(start).Seconds())
	}
}

func (r *PendingRunner) resume(ctx context.Context, p model.PendingAction) error {
	rule, err := r.store.GetRule(ctx, p.TenantID, p.RuleID)
	if err != nil {
		return fmt.Errorf("load rule %q: %w", p.RuleID, err)
	}
	if !rule.Active {
		return model.NewRuleInactiveError(rule.ID)
	}

	tctx := model.TriggerContext{
		TenantID:     p.TenantID,
		CollectionID: rule.CollectionID,
		RecordID:     p.RecordID,
		Record:       p.RecordSnapshot,
	}
	if _, err := r.executor.ExecuteRuleFrom(ctx, rule, tctx, p.ActionIndex); err != nil {
		return fmt.Errorf("resume chain at index %d: %w", p.ActionIndex, err)
	}
	return nil
}

func (r *PendingRunner) markFailed(ctx context.Context, p model.PendingAction, cause error) {
	r.logger.Warn("pending action resume failed",
		zap.String("pending_id", p.ID),
		zap.String("rule_id", p.RuleID),
		zap.Error(cause),
	)
	if err := r.store.MarkPendingFailed(ctx, p.ID, cause.Error()); err != nil {
		r.logger.Error("mark pending failed failed",
			zap.String("pending_id", p.ID), zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.PendingPromotedTotal.WithLabelValues(model.PendingStatusFailed).Inc()
	}
}
