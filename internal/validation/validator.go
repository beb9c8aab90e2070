package validation

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/pipewright/pipewright/pkg/schema"
)

// Validator checks workflow definitions for correctness before execution.
// Structural validation uses JSON Schema Draft 2020-12; the semantic pass
// checks cross-step references and registry membership.
type Validator struct {
	lookup AgentLookup
}

// NewValidator creates a Validator. lookup may be nil to skip the eager
// agent-name check (the engine still rejects unknown agents at run time).
func NewValidator(lookup AgentLookup) *Validator {
	return &Validator{lookup: lookup}
}

// ParseJSON parses and fully validates a raw JSON workflow definition.
// On failure it returns a SCHEMA_ERROR listing every violation found.
func (v *Validator) ParseJSON(raw []byte) (*schema.WorkflowDefinition, error) {
	result := validateStructural(raw)
	if !result.Valid() {
		return nil, result.ToError()
	}

	def, err := decodeDefinition(raw)
	if err != nil {
		return nil, err
	}

	if err := v.ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseYAML parses and fully validates a raw YAML workflow definition.
// The document is converted to JSON and routed through the same structural
// and semantic pipeline as ParseJSON.
func (v *Validator) ParseYAML(raw []byte) (*schema.WorkflowDefinition, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "invalid YAML: %s", err.Error()).WithCause(err)
	}

	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "convert YAML to JSON: %s", err.Error()).WithCause(err)
	}

	return v.ParseJSON(jsonRaw)
}

// ValidateDefinition runs the semantic pass on an already-decoded
// definition. Used directly when callers construct definitions in code.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeSchema, "workflow definition is nil")
	}
	return validateSemantic(def, v.lookup).ToError()
}
