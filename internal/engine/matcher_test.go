package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/model"
)

// fakeEvaluator scripts formula outcomes per formula string.
type fakeEvaluator struct {
	results map[string]bool
	errs    map[string]error
}

func (f *fakeEvaluator) Evaluate(formula string, _ map[string]any) (bool, error) {
	if err, ok := f.errs[formula]; ok {
		return false, err
	}
	if formula == "" {
		return true, nil
	}
	return f.results[formula], nil
}

func matcherFixture(t *testing.T, rules ...model.Rule) (*TriggerMatcher, *store.MemoryStore, *fakeEvaluator) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, r := range rules {
		if err := st.CreateRule(context.Background(), r); err != nil {
			t.Fatalf("CreateRule(%s): %v", r.ID, err)
		}
	}
	eval := &fakeEvaluator{results: map[string]bool{}, errs: map[string]error{}}
	return NewTriggerMatcher(st, eval, nil, nil), st, eval
}

func updateEvent(old, updated map[string]any) *model.MutationEvent {
	return &model.MutationEvent{
		TenantID:     "tenant-1",
		CollectionID: "deals",
		RecordID:     "rec-1",
		Operation:    model.OperationUpdate,
		Phase:        model.PhaseAfter,
		OldRecord:    old,
		NewRecord:    updated,
	}
}

func matchRule(id, triggerType string) model.Rule {
	return model.Rule{
		ID:           id,
		TenantID:     "tenant-1",
		CollectionID: "deals",
		Name:         id,
		Active:       true,
		TriggerType:  triggerType,
		Version:      1,
	}
}

func TestMatchTriggerTypes(t *testing.T) {
	tests := []struct {
		name        string
		triggerType string
		operation   string
		phase       string
		want        bool
	}{
		{"create fires ON_CREATE", model.TriggerOnCreate, model.OperationCreate, model.PhaseAfter, true},
		{"update does not fire ON_CREATE", model.TriggerOnCreate, model.OperationUpdate, model.PhaseAfter, false},
		{"update fires ON_UPDATE", model.TriggerOnUpdate, model.OperationUpdate, model.PhaseAfter, true},
		{"delete fires ON_DELETE", model.TriggerOnDelete, model.OperationDelete, model.PhaseAfter, true},
		{"create fires ON_CREATE_OR_UPDATE", model.TriggerOnCreateOrUpdate, model.OperationCreate, model.PhaseAfter, true},
		{"update fires ON_CREATE_OR_UPDATE", model.TriggerOnCreateOrUpdate, model.OperationUpdate, model.PhaseAfter, true},
		{"delete does not fire ON_CREATE_OR_UPDATE", model.TriggerOnCreateOrUpdate, model.OperationDelete, model.PhaseAfter, false},
		{"before-create fires BEFORE_CREATE", model.TriggerBeforeCreate, model.OperationCreate, model.PhaseBefore, true},
		{"after-create does not fire BEFORE_CREATE", model.TriggerBeforeCreate, model.OperationCreate, model.PhaseAfter, false},
		{"before-update fires BEFORE_UPDATE", model.TriggerBeforeUpdate, model.OperationUpdate, model.PhaseBefore, true},
		{"before-create does not fire ON_CREATE", model.TriggerOnCreate, model.OperationCreate, model.PhaseBefore, false},
		{"scheduled never fires from mutations", model.TriggerScheduled, model.OperationCreate, model.PhaseAfter, false},
		{"manual never fires from mutations", model.TriggerManual, model.OperationCreate, model.PhaseAfter, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := triggerMatches(tt.triggerType, tt.operation, tt.phase); got != tt.want {
				t.Errorf("triggerMatches(%s, %s, %s) = %v, want %v", tt.triggerType, tt.operation, tt.phase, got, tt.want)
			}
		})
	}
}

func TestMatchSkipsInactiveRules(t *testing.T) {
	active := matchRule("r-active", model.TriggerOnCreate)
	inactive := matchRule("r-inactive", model.TriggerOnCreate)
	inactive.Active = false

	m, _, _ := matcherFixture(t, active, inactive)

	event := &model.MutationEvent{
		TenantID:     "tenant-1",
		CollectionID: "deals",
		Operation:    model.OperationCreate,
		Phase:        model.PhaseAfter,
		NewRecord:    map[string]any{"status": "open"},
	}
	matched, err := m.Match(context.Background(), event)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "r-active" {
		t.Errorf("matched = %v, want only r-active", ruleIDs(matched))
	}
}

func TestMatchOrdersByPriority(t *testing.T) {
	low := matchRule("r-late", model.TriggerOnCreate)
	low.Priority = 20
	high := matchRule("r-early", model.TriggerOnCreate)
	high.Priority = 5

	m, _, _ := matcherFixture(t, low, high)

	event := &model.MutationEvent{
		TenantID:     "tenant-1",
		CollectionID: "deals",
		Operation:    model.OperationCreate,
		Phase:        model.PhaseAfter,
		NewRecord:    map[string]any{},
	}
	matched, err := m.Match(context.Background(), event)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 2 || matched[0].ID != "r-early" || matched[1].ID != "r-late" {
		t.Errorf("matched order = %v, want [r-early r-late]", ruleIDs(matched))
	}
}

func TestMatchTriggerFieldsGate(t *testing.T) {
	rule := matchRule("r-fields", model.TriggerOnUpdate)
	rule.TriggerFields = []string{"status", "amount"}
	m, _, _ := matcherFixture(t, rule)

	t.Run("listed field changed", func(t *testing.T) {
		event := updateEvent(
			map[string]any{"status": "open", "note": "x"},
			map[string]any{"status": "won", "note": "x"},
		)
		matched, err := m.Match(context.Background(), event)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(matched) != 1 {
			t.Errorf("matched = %d, want 1", len(matched))
		}
	})

	t.Run("only unlisted field changed", func(t *testing.T) {
		event := updateEvent(
			map[string]any{"status": "open", "note": "x"},
			map[string]any{"status": "open", "note": "y"},
		)
		matched, err := m.Match(context.Background(), event)
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if len(matched) != 0 {
			t.Errorf("matched = %d, want 0", len(matched))
		}
	})
}

func TestMatchEmptyTriggerFieldsMatchesAnyChange(t *testing.T) {
	rule := matchRule("r-any", model.TriggerOnUpdate)
	m, _, _ := matcherFixture(t, rule)

	event := updateEvent(
		map[string]any{"note": "x"},
		map[string]any{"note": "y"},
	)
	matched, err := m.Match(context.Background(), event)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 {
		t.Errorf("matched = %d, want 1", len(matched))
	}
}

func TestMatchFilterFormula(t *testing.T) {
	pass := matchRule("r-pass", model.TriggerOnCreate)
	pass.Filter = "passes"
	fail := matchRule("r-fail", model.TriggerOnCreate)
	fail.Filter = "fails"
	broken := matchRule("r-broken", model.TriggerOnCreate)
	broken.Filter = "explodes"

	m, _, eval := matcherFixture(t, pass, fail, broken)
	eval.results["passes"] = true
	eval.results["fails"] = false
	eval.errs["explodes"] = errors.New("no such field")

	event := &model.MutationEvent{
		TenantID:     "tenant-1",
		CollectionID: "deals",
		Operation:    model.OperationCreate,
		Phase:        model.PhaseAfter,
		NewRecord:    map[string]any{},
	}
	matched, err := m.Match(context.Background(), event)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "r-pass" {
		t.Errorf("matched = %v, want only r-pass (errors count as non-match)", ruleIDs(matched))
	}
}

func ruleIDs(rules []model.Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
