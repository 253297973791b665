package model

import (
	"testing"
	"time"
)

func TestOrderedActiveActions(t *testing.T) {
	rule := Rule{Actions: []Action{
		{ID: "c", Active: true, ExecutionOrder: 3},
		{ID: "a1", Active: true, ExecutionOrder: 1},
		{ID: "off", Active: false, ExecutionOrder: 0},
		{ID: "a2", Active: true, ExecutionOrder: 1},
	}}

	got := rule.OrderedActiveActions()
	want := []string{"a1", "a2", "c"}
	if len(got) != len(want) {
		t.Fatalf("actions = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("action[%d] = %s, want %s (stable sort keeps insertion order on ties)", i, got[i].ID, id)
		}
	}
}

func TestActionRetryDelay(t *testing.T) {
	a := Action{RetryDelaySeconds: 30}
	if a.RetryDelay() != 30*time.Second {
		t.Errorf("RetryDelay = %v, want 30s", a.RetryDelay())
	}
}

func TestMutationEventRecord(t *testing.T) {
	update := MutationEvent{
		OldRecord: map[string]any{"v": 1},
		NewRecord: map[string]any{"v": 2},
	}
	if update.Record()["v"] != 2 {
		t.Error("Record() should prefer the new snapshot")
	}

	del := MutationEvent{OldRecord: map[string]any{"v": 1}}
	if del.Record()["v"] != 1 {
		t.Error("Record() should fall back to the old snapshot for deletes")
	}
}

func TestHasCode(t *testing.T) {
	err := NewConflictError("nope")
	if !HasCode(err, ErrConflict) {
		t.Error("HasCode missed a matching envelope")
	}
	if HasCode(err, ErrNotFound) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(nil, ErrConflict) {
		t.Error("HasCode matched nil")
	}
}
