package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/pipewright/pipewright/pkg/schema"
)

// --- helpers ---

func rootStep(id string) schema.StepSpec {
	return schema.StepSpec{ID: id, Agent: "passthrough"}
}

func chainStep(id, from string) schema.StepSpec {
	return schema.StepSpec{ID: id, Agent: "passthrough", InputFrom: from}
}

func defOf(steps ...schema.StepSpec) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "wf", Version: "1", Steps: steps}
}

func mustResolve(t *testing.T, def *schema.WorkflowDefinition) *ExecutionOrder {
	t.Helper()
	eo, err := Resolve(def)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return eo
}

func assertOrder(t *testing.T, eo *ExecutionOrder, want []string) {
	t.Helper()
	if !reflect.DeepEqual(eo.Order, want) {
		t.Fatalf("order = %v, want %v", eo.Order, want)
	}
}

func cycleCode(t *testing.T, err error) *schema.Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *schema.Error
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *schema.Error, got %T", err)
	}
	if opErr.Code != schema.ErrCodeCycle {
		t.Fatalf("code = %s, want %s", opErr.Code, schema.ErrCodeCycle)
	}
	return opErr
}

// --- tests ---

func TestResolveLinearChain(t *testing.T) {
	eo := mustResolve(t, defOf(rootStep("a"), chainStep("b", "a"), chainStep("c", "b")))
	assertOrder(t, eo, []string{"a", "b", "c"})
}

func TestResolveIndependentStepsKeepDeclarationOrder(t *testing.T) {
	eo := mustResolve(t, defOf(rootStep("z"), rootStep("a"), rootStep("m")))
	assertOrder(t, eo, []string{"z", "a", "m"})
}

func TestResolveFanOut(t *testing.T) {
	eo := mustResolve(t, defOf(
		rootStep("src"),
		chainStep("left", "src"),
		chainStep("right", "src"),
		chainStep("tail", "right"),
	))
	assertOrder(t, eo, []string{"src", "left", "right", "tail"})
}

func TestResolveDeterministic(t *testing.T) {
	def := defOf(
		rootStep("r2"),
		rootStep("r1"),
		chainStep("c1", "r1"),
		chainStep("c2", "r2"),
	)
	first := mustResolve(t, def)
	for i := 0; i < 20; i++ {
		again := mustResolve(t, def)
		assertOrder(t, again, first.Order)
	}
}

func TestResolveSelfCycle(t *testing.T) {
	_, err := Resolve(defOf(chainStep("loop", "loop")))
	opErr := cycleCode(t, err)
	cycle, _ := opErr.Details["cycle"].([]string)
	if !reflect.DeepEqual(cycle, []string{"loop"}) {
		t.Fatalf("cycle = %v, want [loop]", cycle)
	}
}

func TestResolveCycleNamesEveryMember(t *testing.T) {
	// a -> b -> c -> a, plus d downstream of the cycle and e independent.
	_, err := Resolve(defOf(
		chainStep("a", "c"),
		chainStep("b", "a"),
		chainStep("c", "b"),
		chainStep("d", "c"),
		rootStep("e"),
	))
	opErr := cycleCode(t, err)
	cycle, _ := opErr.Details["cycle"].([]string)
	if !reflect.DeepEqual(cycle, []string{"a", "b", "c"}) {
		t.Fatalf("cycle = %v, want [a b c]", cycle)
	}
}

func TestResolveMissingReference(t *testing.T) {
	_, err := Resolve(defOf(chainStep("a", "ghost")))
	if err == nil {
		t.Fatal("expected error for missing input_from target")
	}
	var opErr *schema.Error
	if !errors.As(err, &opErr) || opErr.Code != schema.ErrCodeSchema {
		t.Fatalf("expected SCHEMA_ERROR, got %v", err)
	}
}

func TestResolveDuplicateStepID(t *testing.T) {
	_, err := Resolve(defOf(rootStep("dup"), rootStep("dup")))
	if err == nil {
		t.Fatal("expected error for duplicate step id")
	}
}

func TestResolveEmptyDefinition(t *testing.T) {
	if _, err := Resolve(defOf()); err == nil {
		t.Fatal("expected error for empty definition")
	}
	if _, err := Resolve(nil); err == nil {
		t.Fatal("expected error for nil definition")
	}
}

func TestDependentsTransitiveClosure(t *testing.T) {
	eo := mustResolve(t, defOf(
		rootStep("a"),
		chainStep("b", "a"),
		chainStep("c", "b"),
		chainStep("d", "b"),
		rootStep("x"),
	))
	deps := eo.Dependents("a")
	if !reflect.DeepEqual(deps, []string{"b", "c", "d"}) {
		t.Fatalf("dependents(a) = %v, want [b c d]", deps)
	}
	if got := eo.Dependents("x"); len(got) != 0 {
		t.Fatalf("dependents(x) = %v, want none", got)
	}
}

func TestStepLookup(t *testing.T) {
	eo := mustResolve(t, defOf(rootStep("a")))
	if eo.Step("a") == nil {
		t.Fatal("Step(a) returned nil")
	}
	if eo.Step("nope") != nil {
		t.Fatal("Step(nope) should return nil")
	}
}
