package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// CronParser accepts both 5-field and 6-field (seconds-first) expressions
// plus descriptors like @hourly. Shared with save-time validation so a rule
// that saves will also parse at poll time.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler polls SCHEDULED rules and fires the ones whose next cron
// occurrence has passed. Before firing it claims the window by conditionally
// advancing the rule's cursor, so concurrent instances fire each window at
// most once.
//
// Rules with an invalid cron expression or timezone fail closed: bad
// expressions are never due, bad timezones fall back to UTC. Both are
// logged once per offending value.
type Scheduler struct {
	store    store.Store
	executor *ActionExecutor
	clock    Clock
	metrics  *observability.Metrics
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	warned map[string]struct{} // rule ID + offending value pairs already warned about
}

// NewScheduler creates a scheduled-trigger poller.
func NewScheduler(st store.Store, executor *ActionExecutor, interval time.Duration, clock Clock, metrics *observability.Metrics, logger *zap.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    st,
		executor: executor,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
		warned:   make(map[string]struct{}),
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduled-trigger poller started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduled-trigger poller stopped")
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce runs one scheduling pass. Exported so tests and manual triggers
// can drive the scheduler without the ticker.
func (s *Scheduler) PollOnce(ctx context.Context) {
	start := s.clock.Now()

	rules, err := s.store.ActiveScheduledRules(ctx)
	if err != nil {
		s.logger.Error("load scheduled rules failed", zap.Error(err))
		return
	}

	now := s.clock.Now()
	for _, rule := range rules {
		// One bad rule never blocks the rest of the pass.
		s.checkRule(ctx, rule, now)
	}

	if s.metrics != nil {
		s.metrics.ScheduledPollDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}
}

func (s *Scheduler) checkRule(ctx context.Context, rule model.Rule, now time.Time) {
	next, ok := s.nextRun(rule, now)
	if !ok || next.After(now) {
		return
	}

	if s.metrics != nil {
		s.metrics.ScheduledDueTotal.Inc()
	}

	// The cursor advances to the firing instant, not the cron occurrence.
	// A cursor several windows behind therefore collapses into one catch-up
	// firing instead of replaying each missed occurrence.
	claimed, err := s.store.ClaimScheduledRun(ctx, rule.ID, rule.LastScheduledRun, now)
	if err != nil {
		s.logger.Error("claim scheduled run failed",
			zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}
	if !claimed {
		if s.metrics != nil {
			s.metrics.ScheduledClaimLossesTotal.Inc()
		}
		s.logger.Debug("scheduled window claimed elsewhere", zap.String("rule_id", rule.ID))
		return
	}

	tctx := model.TriggerContext{
		TenantID:     rule.TenantID,
		CollectionID: rule.CollectionID,
	}
	if _, err := s.executor.ExecuteRule(ctx, rule, tctx); err != nil {
		s.logger.Error("scheduled rule firing failed",
			zap.String("tenant_id", rule.TenantID),
			zap.String("rule_id", rule.ID),
			zap.Error(err),
		)
	}
}

// nextRun computes the rule's next occurrence after its cursor. A rule that
// has never fired anchors at its creation time.
func (s *Scheduler) nextRun(rule model.Rule, now time.Time) (time.Time, bool) {
	sched, err := CronParser.Parse(rule.CronExpr)
	if err != nil {
		s.warnOnce(rule.ID, rule.CronExpr, "invalid cron expression", err)
		return time.Time{}, false
	}

	loc := time.UTC
	if rule.Timezone != "" {
		l, err := time.LoadLocation(rule.Timezone)
		if err != nil {
			s.warnOnce(rule.ID, rule.Timezone, "invalid timezone, using UTC", err)
		} else {
			loc = l
		}
	}

	ref := rule.CreatedAt
	if rule.LastScheduledRun != nil {
		ref = *rule.LastScheduledRun
	}
	if ref.IsZero() {
		ref = now.Add(-24 * time.Hour)
	}

	return sched.Next(ref.In(loc)), true
}

// warnOnce logs a configuration problem once per rule and offending value.
func (s *Scheduler) warnOnce(ruleID, value, msg string, err error) {
	key := ruleID + "\x00" + value
	s.mu.Lock()
	_, seen := s.warned[key]
	if !seen {
		s.warned[key] = struct{}{}
	}
	s.mu.Unlock()
	if seen {
		return
	}
	s.logger.Warn(msg,
		zap.String("rule_id", ruleID),
		zap.String("value", value),
		zap.Error(err),
	)
}
