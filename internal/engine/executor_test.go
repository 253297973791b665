package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// --- Test helpers ---

// fakeClock advances its notion of now by every Sleep instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeHandler is a scriptable action handler.
type fakeHandler struct {
	typ     string
	mu      sync.Mutex
	calls   int
	execute func(call int) (model.ActionResult, error)
}

func (h *fakeHandler) Type() string                  { return h.typ }
func (h *fakeHandler) ConfigSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (h *fakeHandler) ValidateConfig(json.RawMessage) error {
	return nil
}

func (h *fakeHandler) Execute(context.Context, *model.TriggerContext, json.RawMessage) (model.ActionResult, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()
	if h.execute == nil {
		return model.ActionResult{}, nil
	}
	return h.execute(call)
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func succeedingHandler(typ string) *fakeHandler {
	return &fakeHandler{typ: typ}
}

func failingHandler(typ string) *fakeHandler {
	return &fakeHandler{typ: typ, execute: func(int) (model.ActionResult, error) {
		return model.ActionResult{}, errors.New("boom")
	}}
}

func testRule(actions ...model.Action) model.Rule {
	return model.Rule{
		ID:            "rule-1",
		TenantID:      "tenant-1",
		CollectionID:  "deals",
		Name:          "test rule",
		Active:        true,
		TriggerType:   model.TriggerOnCreate,
		ErrorPolicy:   model.ErrorPolicyStop,
		ExecutionMode: model.ExecutionModeSequential,
		Version:       1,
		Actions:       actions,
	}
}

func activeAction(id, typ string, order int) model.Action {
	return model.Action{ID: id, Type: typ, Active: true, ExecutionOrder: order}
}

func testTriggerContext() model.TriggerContext {
	return model.TriggerContext{
		TenantID:     "tenant-1",
		CollectionID: "deals",
		RecordID:     "rec-1",
		Record:       map[string]any{"status": "open"},
	}
}

type executorFixture struct {
	store    *store.MemoryStore
	registry *action.Registry
	clock    *fakeClock
	executor *ActionExecutor
}

func newExecutorFixture(t *testing.T, handlers ...action.Handler) *executorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg := action.NewRegistry()
	for _, h := range handlers {
		reg.Register(h)
	}
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return &executorFixture{
		store:    st,
		registry: reg,
		clock:    clock,
		executor: NewActionExecutor(st, reg, WithClock(clock)),
	}
}

func (f *executorFixture) actionLogs(t *testing.T, executionLogID string) []model.ActionLog {
	t.Helper()
	logs, err := f.store.ActionLogs(context.Background(), "tenant-1", executionLogID)
	if err != nil {
		t.Fatalf("ActionLogs: %v", err)
	}
	return logs
}

// --- Tests ---

func TestExecuteRuleAllActionsSucceed(t *testing.T) {
	h := succeedingHandler("t1")
	f := newExecutorFixture(t, h)

	rule := testRule(
		activeAction("a1", "t1", 1),
		activeAction("a2", "t1", 2),
	)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", log.Status)
	}
	if log.ActionsExecuted != 2 {
		t.Errorf("actions executed = %d, want 2", log.ActionsExecuted)
	}
	if log.RuleVersion != 1 {
		t.Errorf("rule version = %d, want 1", log.RuleVersion)
	}
	if h.callCount() != 2 {
		t.Errorf("handler calls = %d, want 2", h.callCount())
	}
}

func TestExecuteRuleSkipsInactiveActions(t *testing.T) {
	h := succeedingHandler("t1")
	f := newExecutorFixture(t, h)

	rule := testRule(
		activeAction("a1", "t1", 1),
		model.Action{ID: "a2", Type: "t1", Active: false, ExecutionOrder: 2},
	)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.ActionsExecuted != 1 {
		t.Errorf("actions executed = %d, want 1", log.ActionsExecuted)
	}
}

func TestExecuteRuleExponentialRetries(t *testing.T) {
	h := failingHandler("flaky")
	f := newExecutorFixture(t, h)

	act := activeAction("a1", "flaky", 1)
	act.RetryCount = 2
	act.RetryDelaySeconds = 1
	act.RetryBackoff = model.BackoffExponential
	rule := testRule(act)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusFailure {
		t.Errorf("status = %s, want FAILURE", log.Status)
	}

	logs := f.actionLogs(t, log.ID)
	if len(logs) != 3 {
		t.Fatalf("action logs = %d, want 3", len(logs))
	}
	wantDelays := []time.Duration{0, time.Second, 2 * time.Second}
	for i, al := range logs {
		if al.AttemptNumber != i+1 {
			t.Errorf("log %d attempt = %d, want %d", i, al.AttemptNumber, i+1)
		}
		if al.RetryDelay != wantDelays[i] {
			t.Errorf("log %d retry delay = %v, want %v", i, al.RetryDelay, wantDelays[i])
		}
		if al.Status != model.StatusFailure {
			t.Errorf("log %d status = %s, want FAILURE", i, al.Status)
		}
	}

	if len(f.clock.sleeps) != 2 || f.clock.sleeps[0] != time.Second || f.clock.sleeps[1] != 2*time.Second {
		t.Errorf("sleeps = %v, want [1s 2s]", f.clock.sleeps)
	}
}

func TestExecuteRuleFixedRetryDelay(t *testing.T) {
	h := &fakeHandler{typ: "flaky", execute: func(call int) (model.ActionResult, error) {
		if call < 3 {
			return model.ActionResult{}, fmt.Errorf("attempt %d failed", call)
		}
		return model.ActionResult{Output: map[string]any{"ok": true}}, nil
	}}
	f := newExecutorFixture(t, h)

	act := activeAction("a1", "flaky", 1)
	act.RetryCount = 3
	act.RetryDelaySeconds = 5
	act.RetryBackoff = model.BackoffFixed
	rule := testRule(act)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", log.Status)
	}

	logs := f.actionLogs(t, log.ID)
	if len(logs) != 3 {
		t.Fatalf("action logs = %d, want 3 (two failures, one success)", len(logs))
	}
	for i, al := range logs[1:] {
		if al.RetryDelay != 5*time.Second {
			t.Errorf("retry %d delay = %v, want 5s", i+1, al.RetryDelay)
		}
	}
	if logs[2].Status != model.StatusSuccess {
		t.Errorf("final attempt status = %s, want SUCCESS", logs[2].Status)
	}
}

func TestExecuteRuleStopOnError(t *testing.T) {
	good := succeedingHandler("good")
	bad := failingHandler("bad")
	f := newExecutorFixture(t, good, bad)

	rule := testRule(
		activeAction("a", "good", 1),
		activeAction("b", "bad", 2),
		activeAction("c", "good", 3),
	)
	rule.ErrorPolicy = model.ErrorPolicyStop

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusPartialFailure {
		t.Errorf("status = %s, want PARTIAL_FAILURE", log.Status)
	}
	if log.ActionsExecuted != 2 {
		t.Errorf("actions executed = %d, want 2 (chain stops at the failure)", log.ActionsExecuted)
	}
	if good.callCount() != 1 {
		t.Errorf("good handler calls = %d, want 1", good.callCount())
	}
}

func TestExecuteRuleContinueOnError(t *testing.T) {
	good := succeedingHandler("good")
	bad := failingHandler("bad")
	f := newExecutorFixture(t, good, bad)

	rule := testRule(
		activeAction("a", "good", 1),
		activeAction("b", "bad", 2),
		activeAction("c", "good", 3),
	)
	rule.ErrorPolicy = model.ErrorPolicyContinue

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusPartialFailure {
		t.Errorf("status = %s, want PARTIAL_FAILURE", log.Status)
	}
	if log.ActionsExecuted != 3 {
		t.Errorf("actions executed = %d, want 3", log.ActionsExecuted)
	}
	if good.callCount() != 2 {
		t.Errorf("good handler calls = %d, want 2", good.callCount())
	}
}

func TestExecuteRuleAllActionsFail(t *testing.T) {
	bad := failingHandler("bad")
	f := newExecutorFixture(t, bad)

	rule := testRule(
		activeAction("a", "bad", 1),
		activeAction("b", "bad", 2),
	)
	rule.ErrorPolicy = model.ErrorPolicyContinue

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusFailure {
		t.Errorf("status = %s, want FAILURE when every action failed", log.Status)
	}
}

func TestExecuteRuleUnknownActionType(t *testing.T) {
	f := newExecutorFixture(t)

	act := activeAction("a1", "nonexistent", 1)
	act.RetryCount = 5 // retries must not apply to configuration errors
	rule := testRule(act)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusFailure {
		t.Errorf("status = %s, want FAILURE", log.Status)
	}

	logs := f.actionLogs(t, log.ID)
	if len(logs) != 1 {
		t.Fatalf("action logs = %d, want 1 (no retries)", len(logs))
	}
	if !strings.Contains(logs[0].Error, "no handler registered") {
		t.Errorf("action log error = %q, want unknown action type message", logs[0].Error)
	}
}

func TestExecuteRuleDelaySuspendsChain(t *testing.T) {
	good := succeedingHandler("good")
	f := newExecutorFixture(t, good, action.NewDelayHandlerWithNow(f0clock(t)))

	delayAct := activeAction("d", action.TypeDelay, 2)
	delayAct.Config = json.RawMessage(`{"delay_seconds": 60}`)

	rule := testRule(
		activeAction("a", "good", 1),
		delayAct,
		activeAction("c", "good", 3),
	)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS (suspension is not a failure)", log.Status)
	}
	if good.callCount() != 1 {
		t.Errorf("good handler calls = %d, want 1 (third action deferred)", good.callCount())
	}

	due, err := f.store.FindDuePending(context.Background(), f.clock.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("FindDuePending: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("pending actions = %d, want 1", len(due))
	}
	p := due[0]
	if p.ActionIndex != 2 {
		t.Errorf("pending action index = %d, want 2", p.ActionIndex)
	}
	if p.RecordID != "rec-1" {
		t.Errorf("pending record id = %q, want rec-1", p.RecordID)
	}
	if p.Status != model.PendingStatusPending {
		t.Errorf("pending status = %s, want PENDING", p.Status)
	}
}

func TestExecuteRuleDelayAsLastActionCreatesNoPending(t *testing.T) {
	good := succeedingHandler("good")
	f := newExecutorFixture(t, good, action.NewDelayHandlerWithNow(f0clock(t)))

	delayAct := activeAction("d", action.TypeDelay, 2)
	delayAct.Config = json.RawMessage(`{"delay_seconds": 60}`)

	rule := testRule(activeAction("a", "good", 1), delayAct)

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.Status != model.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", log.Status)
	}

	due, err := f.store.FindDuePending(context.Background(), f.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("FindDuePending: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("pending actions = %d, want 0 when nothing follows the delay", len(due))
	}
}

func TestExecuteRuleParallelRunsAllActions(t *testing.T) {
	good := succeedingHandler("good")
	bad := failingHandler("bad")
	f := newExecutorFixture(t, good, bad)

	rule := testRule(
		activeAction("a", "good", 1),
		activeAction("b", "bad", 2),
		activeAction("c", "good", 3),
	)
	rule.ExecutionMode = model.ExecutionModeParallel
	rule.ErrorPolicy = model.ErrorPolicyStop // ignored in parallel mode

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}
	if log.ActionsExecuted != 3 {
		t.Errorf("actions executed = %d, want 3", log.ActionsExecuted)
	}
	if log.Status != model.StatusPartialFailure {
		t.Errorf("status = %s, want PARTIAL_FAILURE", log.Status)
	}
	if good.callCount() != 2 {
		t.Errorf("good handler calls = %d, want 2", good.callCount())
	}
}

func TestExecuteRuleFromSkipsEarlierActions(t *testing.T) {
	good := succeedingHandler("good")
	f := newExecutorFixture(t, good)

	rule := testRule(
		activeAction("a", "good", 1),
		activeAction("b", "good", 2),
		activeAction("c", "good", 3),
	)

	log, err := f.executor.ExecuteRuleFrom(context.Background(), rule, testTriggerContext(), 2)
	if err != nil {
		t.Fatalf("ExecuteRuleFrom: %v", err)
	}
	if log.ActionsExecuted != 1 {
		t.Errorf("actions executed = %d, want 1", log.ActionsExecuted)
	}
	if good.callCount() != 1 {
		t.Errorf("handler calls = %d, want 1", good.callCount())
	}
}

func TestExecuteRuleLogsAttemptStartTime(t *testing.T) {
	f := newExecutorFixture(t)
	slow := &fakeHandler{typ: "slow", execute: func(int) (model.ActionResult, error) {
		f.clock.Advance(5 * time.Second)
		return model.ActionResult{}, nil
	}}
	f.registry.Register(slow)

	rule := testRule(activeAction("a1", "slow", 1))

	log, err := f.executor.ExecuteRule(context.Background(), rule, testTriggerContext())
	if err != nil {
		t.Fatalf("ExecuteRule: %v", err)
	}

	logs := f.actionLogs(t, log.ID)
	if len(logs) != 1 {
		t.Fatalf("action logs = %d, want 1", len(logs))
	}
	// StartedAt is the moment the attempt began, not when it finished.
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !logs[0].StartedAt.Equal(start) {
		t.Errorf("started at = %v, want %v", logs[0].StartedAt, start)
	}
	if logs[0].Duration != 5*time.Second {
		t.Errorf("duration = %v, want 5s", logs[0].Duration)
	}
}

// f0clock returns a fixed now func for delay handlers in tests.
func f0clock(t *testing.T) func() time.Time {
	t.Helper()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}
