package validation

import (
	"fmt"
	"time"

	"github.com/pipewright/pipewright/pkg/schema"
)

// AgentLookup answers whether a unit-of-work name is registered.
// Satisfied by the agent registry; nil disables the eager check.
type AgentLookup interface {
	Has(name string) bool
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: step IDs unique, input_from references exist and precede the
// referencing step in declaration order, exactly one input source, agent
// names registered, retry/timeout durations parseable. Every violation is
// collected; nothing short-circuits.
func validateSemantic(def *schema.WorkflowDefinition, lookup AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Name == "" {
		result.AddError("$.name", schema.ErrCodeSchema, "workflow name is required")
	}

	declared := make(map[string]int, len(def.Steps)) // step ID → declaration index
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			result.AddError(path+".id", schema.ErrCodeSchema, "step id is required")
			continue
		}
		if prev, dup := declared[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeSchema,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, prev))
			continue
		}
		declared[step.ID] = i
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(step, path, i, declared, lookup, result)
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.StepSpec, path string, index int, declared map[string]int, lookup AgentLookup, result *schema.ValidationResult) {
	if step.Agent == "" {
		result.AddError(path+".agent", schema.ErrCodeSchema, "agent name is required")
	} else if lookup != nil && !lookup.Has(step.Agent) {
		result.AddError(path+".agent", schema.ErrCodeUnknownAgent,
			fmt.Sprintf("agent %q not registered", step.Agent))
	}

	// Exactly one input source for non-root steps. A step with neither a
	// static source nor input_from is a root that receives the initial
	// payload, which is valid.
	if step.Source != nil && step.InputFrom != "" {
		result.AddError(path, schema.ErrCodeSchema,
			fmt.Sprintf("step %q declares both a static source and input_from", step.ID))
	}
	if step.Source != nil && step.Source.File == "" && step.Source.Inline == nil {
		result.AddError(path+".source", schema.ErrCodeSchema,
			fmt.Sprintf("step %q has an empty static source", step.ID))
	}

	if step.InputFrom != "" {
		refIdx, exists := declared[step.InputFrom]
		switch {
		case step.InputFrom == step.ID:
			result.AddError(path+".input_from", schema.ErrCodeSchema,
				fmt.Sprintf("step %q takes input from itself", step.ID))
		case !exists:
			result.AddError(path+".input_from", schema.ErrCodeSchema,
				fmt.Sprintf("step %q takes input from non-existent step %q", step.ID, step.InputFrom))
		case refIdx >= index:
			// Forward references are rejected in declaration order, not
			// execution order, so definitions read top to bottom.
			result.AddError(path+".input_from", schema.ErrCodeSchema,
				fmt.Sprintf("step %q takes input from step %q declared after it", step.ID, step.InputFrom))
		}
	}

	seen := make(map[string]bool, len(step.Outputs))
	for j, out := range step.Outputs {
		if out == "" {
			result.AddError(fmt.Sprintf("%s.outputs[%d]", path, j), schema.ErrCodeSchema,
				"output field name is empty")
			continue
		}
		if seen[out] {
			result.AddError(fmt.Sprintf("%s.outputs[%d]", path, j), schema.ErrCodeSchema,
				fmt.Sprintf("duplicate output field %q", out))
		}
		seen[out] = true
	}

	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			result.AddError(path+".timeout", schema.ErrCodeSchema,
				fmt.Sprintf("invalid timeout %q: %s", step.Timeout, err.Error()))
		}
	}

	if step.Retry != nil {
		validateRetryPolicy(step.Retry, path+".retry", result)
	}
}

func validateRetryPolicy(policy *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if policy.Max < 0 {
		result.AddError(path+".max", schema.ErrCodeSchema, "retry max must be >= 0")
	}
	switch policy.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		result.AddError(path+".backoff", schema.ErrCodeSchema,
			fmt.Sprintf("unknown backoff shape %q", policy.Backoff))
	}
	if policy.Delay != "" {
		if _, err := time.ParseDuration(policy.Delay); err != nil {
			result.AddError(path+".delay", schema.ErrCodeSchema,
				fmt.Sprintf("invalid delay %q: %s", policy.Delay, err.Error()))
		}
	}
	if policy.MaxDelay != "" {
		if _, err := time.ParseDuration(policy.MaxDelay); err != nil {
			result.AddError(path+".max_delay", schema.ErrCodeSchema,
				fmt.Sprintf("invalid max_delay %q: %s", policy.MaxDelay, err.Error()))
		}
	}
}
