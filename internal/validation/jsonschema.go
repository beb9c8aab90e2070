package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipewright/pipewright/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipewright.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "agent"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "agent": {
          "type": "string",
          "minLength": 1
        },
        "source": { "$ref": "#/$defs/source" },
        "input_from": { "type": "string" },
        "config": { "type": "object" },
        "outputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "condition": { "type": "string" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "source": {
      "type": "object",
      "properties": {
        "file": { "type": "string" },
        "inline": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

// compiledWorkflowSchema compiles the embedded schema exactly once.
func compiledWorkflowSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal embedded workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("workflow.json", doc); err != nil {
			compileErr = fmt.Errorf("add workflow schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("workflow.json")
	})
	return compiledSchema, compileErr
}

// validateStructural checks the raw JSON document against the embedded
// JSON Schema. Every schema violation becomes one issue with its JSON path.
func validateStructural(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	compiled, err := compiledWorkflowSchema()
	if err != nil {
		result.AddError("$", schema.ErrCodeSchema, err.Error())
		return result
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("$", schema.ErrCodeSchema, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return result
	}

	if err := compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			collectSchemaIssues(ve, result)
		} else {
			result.AddError("$", schema.ErrCodeSchema, err.Error())
		}
	}

	return result
}

// collectSchemaIssues flattens a jsonschema error tree into individual
// issues so callers see every violation, not just the first.
func collectSchemaIssues(ve *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(ve.Causes) == 0 {
		path := "$"
		if len(ve.InstanceLocation) > 0 {
			path = "$." + strings.Join(ve.InstanceLocation, ".")
		}
		result.AddError(path, schema.ErrCodeSchema, ve.ErrorKind.LocalizedString(nil))
		return
	}
	for _, cause := range ve.Causes {
		collectSchemaIssues(cause, result)
	}
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// decodeDefinition unmarshals raw JSON into the typed definition.
func decodeDefinition(raw []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchema, "decode definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
