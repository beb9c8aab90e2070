package graph

import (
	"sort"

	"github.com/pipewright/pipewright/pkg/schema"
)

// ExecutionOrder is the resolved, deterministic execution plan for a
// workflow. It is a pure projection of the definition: resolving executes
// nothing, so the same order is reused by every execution strategy.
type ExecutionOrder struct {
	// Order lists step IDs in topological order. Ties among independent
	// steps are broken by declaration order, so the plan is stable.
	Order []string

	steps      map[string]*schema.StepSpec
	dependents map[string][]string // step ID → direct dependents
	index      map[string]int      // step ID → declaration index
}

// Resolve builds the execution order from a workflow definition's
// input_from edges. Static-input steps have no incoming edge. A cycle
// yields a CYCLE_ERROR naming every step participating in the cycle.
//
// Resolve assumes the definition already passed validation; it still
// guards against nil and missing references so it is safe to call alone.
func Resolve(def *schema.WorkflowDefinition) (*ExecutionOrder, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeSchema, "workflow has no steps")
	}

	eo := &ExecutionOrder{
		steps:      make(map[string]*schema.StepSpec, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
		index:      make(map[string]int, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if _, exists := eo.steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeSchema, "duplicate step ID: %s", step.ID)
		}
		eo.steps[step.ID] = step
		eo.index[step.ID] = i
	}

	inDegree := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		inDegree[step.ID] = 0
		if step.InputFrom == "" {
			continue
		}
		if _, exists := eo.steps[step.InputFrom]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeSchema,
				"step %s takes input from non-existent step: %s", step.ID, step.InputFrom)
		}
		if step.InputFrom == step.ID {
			return nil, schema.NewErrorf(schema.ErrCodeCycle, "step %s takes input from itself", step.ID).
				WithDetails(map[string]any{"cycle": []string{step.ID}})
		}
		inDegree[step.ID] = 1
		eo.dependents[step.InputFrom] = append(eo.dependents[step.InputFrom], step.ID)
	}

	// Kahn's algorithm. The ready set is kept sorted by declaration index
	// so independent steps run in the order they were declared.
	ready := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	eo.sortByDeclaration(ready)

	order := make([]string, 0, len(def.Steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		unlocked := false
		for _, dep := range eo.dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
				unlocked = true
			}
		}
		if unlocked {
			eo.sortByDeclaration(ready)
		}
	}

	if len(order) != len(def.Steps) {
		cycle := eo.cycleMembers(inDegree)
		return nil, schema.NewErrorf(schema.ErrCodeCycle,
			"workflow contains a cycle involving steps: %v", cycle).
			WithDetails(map[string]any{"cycle": cycle})
	}

	eo.Order = order
	return eo, nil
}

// Step returns the spec for the given step ID.
func (eo *ExecutionOrder) Step(id string) *schema.StepSpec {
	return eo.steps[id]
}

// Dependents returns the transitive closure of steps that depend on id,
// directly or indirectly. Used for failure skip propagation.
func (eo *ExecutionOrder) Dependents(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), eo.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, eo.dependents[next]...)
	}
	eo.sortByDeclaration(out)
	return out
}

// sortByDeclaration orders step IDs by their declaration index.
func (eo *ExecutionOrder) sortByDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return eo.index[ids[i]] < eo.index[ids[j]]
	})
}

// cycleMembers identifies every step participating in a cycle once Kahn's
// algorithm stalls. Steps left with a positive in-degree are either on a
// cycle or strictly downstream of one; trimming nodes with no remaining
// dependents peels off the downstream tail until only cycle members remain.
func (eo *ExecutionOrder) cycleMembers(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for id, deg := range inDegree {
		if deg > 0 {
			remaining[id] = true
		}
	}

	for {
		trimmed := false
		for id := range remaining {
			hasDependent := false
			for _, dep := range eo.dependents[id] {
				if remaining[dep] {
					hasDependent = true
					break
				}
			}
			if !hasDependent {
				delete(remaining, id)
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	members := make([]string, 0, len(remaining))
	for id := range remaining {
		members = append(members, id)
	}
	eo.sortByDeclaration(members)
	return members
}
