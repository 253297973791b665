// Package condition evaluates rule filter formulas against record snapshots.
//
// Formulas are CEL expressions with the triggering record bound as the
// dynamically-typed variable "record", e.g.
//
//	record.status == 'open' && record.amount > 1000
package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator gates rule execution on a filter formula. An empty formula
// matches every record. Callers treat evaluation errors as non-match.
type Evaluator interface {
	Evaluate(formula string, record map[string]any) (bool, error)
}

// CELEvaluator compiles formulas to CEL programs and caches them. Safe for
// concurrent use.
type CELEvaluator struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.RWMutex
	programs map[string]cel.Program // formula -> compiled program
}

// NewCELEvaluator creates an evaluator with the record bound as a dyn
// variable. costLimit bounds per-evaluation cost; zero applies a default.
func NewCELEvaluator(costLimit uint64) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	if costLimit == 0 {
		costLimit = 1_000_000
	}
	return &CELEvaluator{
		env:       env,
		costLimit: costLimit,
		programs:  make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles the formula (or reuses a cached program) and evaluates it
// against the record. The formula must produce a boolean.
func (e *CELEvaluator) Evaluate(formula string, record map[string]any) (bool, error) {
	if formula == "" {
		return true, nil
	}

	prg, err := e.program(formula)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"record": record,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate formula: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("formula did not produce a boolean, got %T", out.Value())
	}
	return result, nil
}

// Compile checks a formula without evaluating it, for save-time validation.
func (e *CELEvaluator) Compile(formula string) error {
	if formula == "" {
		return nil
	}
	_, err := e.program(formula)
	return err
}

// program returns the cached compiled program for a formula, compiling and
// caching it on first use.
func (e *CELEvaluator) program(formula string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[formula]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(formula)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile formula: %w", issues.Err())
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.costLimit))
	if err != nil {
		return nil, fmt.Errorf("build formula program: %w", err)
	}

	e.mu.Lock()
	e.programs[formula] = prg
	e.mu.Unlock()
	return prg, nil
}
