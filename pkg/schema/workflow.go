package schema

// Payload is the opaque data map passed between steps.
// Agents receive a Payload and produce a Payload; the engine never
// interprets its contents beyond output routing.
type Payload = map[string]any

// WorkflowDefinition is the declarative step-graph format.
// Definitions are immutable once a run starts; the store snapshots
// the definition alongside each run.
type WorkflowDefinition struct {
	Name     string         `json:"name" yaml:"name"`
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps    []StepSpec     `json:"steps" yaml:"steps"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ID returns the workflow identity used to key runs and archive entries.
// Versioned workflows are keyed as "name@version" so two versions never
// share run history.
func (d *WorkflowDefinition) ID() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// StepSpec describes a single step in a workflow.
// A step takes its input either from a static source or from the output
// of an earlier step (input_from), never both.
type StepSpec struct {
	ID        string         `json:"id" yaml:"id"`
	Agent     string         `json:"agent" yaml:"agent"`
	Source    *StaticSource  `json:"source,omitempty" yaml:"source,omitempty"`
	InputFrom string         `json:"input_from,omitempty" yaml:"input_from,omitempty"`
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Outputs   []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL expression, evaluated before execution
	Retry     *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout   string         `json:"timeout,omitempty" yaml:"timeout,omitempty"` // step-level timeout (e.g. "30s", "5m")
}

// StaticSource is a step input that does not come from another step.
// File names a document/resource handed to the agent; Inline carries a
// literal payload.
type StaticSource struct {
	File   string  `json:"file,omitempty" yaml:"file,omitempty"`
	Inline Payload `json:"inline,omitempty" yaml:"inline,omitempty"`
}

// RetryPolicy configures retry behavior for a step.
// A nil policy means the engine-level default applies.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`                               // max retry attempts after the first failure
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`       // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"` // cap on computed delay
}

// Consumer config keys honored by the output router.
const (
	ConfigSelect = "select" // jq expression projecting the upstream payload
	ConfigFields = "fields" // explicit field subset; unknown field is a shape error
	ConfigLimit  = "limit"  // truncate string fields to N runes
	ConfigFormat = "format" // "text" collapses the payload into a single text field
)
