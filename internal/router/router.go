// Package router shapes payloads as they move between steps. A producer
// declares which fields it publishes; a consumer's config narrows, selects
// or reformats what it receives.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pipewright/pipewright/internal/expressions"
	"github.com/pipewright/pipewright/pkg/schema"
)

// Router projects step outputs onto downstream inputs.
type Router struct {
	jq *expressions.GoJQEngine
}

func New() *Router {
	return &Router{jq: expressions.NewGoJQEngine()}
}

// ProjectOutputs narrows a producer's payload to its declared outputs.
// An empty declaration publishes the whole payload. Undeclared fields are
// dropped; a declared field the agent did not produce is tolerated, since
// declarations describe intent and presence is agent-determined. The
// consumer's fields config is where a hard requirement lives.
func (r *Router) ProjectOutputs(step *schema.StepSpec, payload schema.Payload) schema.Payload {
	if len(step.Outputs) == 0 {
		return payload
	}
	projected := make(schema.Payload, len(step.Outputs))
	for _, field := range step.Outputs {
		if v, ok := payload[field]; ok {
			projected[field] = v
		}
	}
	return projected
}

// Route applies the consumer's input shaping config to the upstream
// payload. Shaping happens before the consumer's agent runs, so a
// misconfigured consumer fails without invoking its agent.
//
// Config keys are applied in order: select, fields, limit, format.
func (r *Router) Route(ctx context.Context, consumer *schema.StepSpec, upstream schema.Payload) (schema.Payload, error) {
	payload := upstream
	var err error

	if expr, ok := consumer.Config[schema.ConfigSelect]; ok {
		payload, err = r.applySelect(ctx, consumer, expr, payload)
		if err != nil {
			return nil, err
		}
	}
	if fields, ok := consumer.Config[schema.ConfigFields]; ok {
		payload, err = applyFields(consumer, fields, payload)
		if err != nil {
			return nil, err
		}
	}
	if limit, ok := consumer.Config[schema.ConfigLimit]; ok {
		payload, err = applyLimit(consumer, limit, payload)
		if err != nil {
			return nil, err
		}
	}
	if format, ok := consumer.Config[schema.ConfigFormat]; ok {
		payload, err = applyFormat(consumer, format, payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func (r *Router) applySelect(ctx context.Context, consumer *schema.StepSpec, expr any, payload schema.Payload) (schema.Payload, error) {
	exprStr, ok := expr.(string)
	if !ok {
		return nil, shapeErr(consumer, "select must be a string, got %T", expr)
	}
	result, err := r.jq.Evaluate(ctx, exprStr, payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeShape,
			"step %s: select expression failed: %s", consumer.ID, err.Error()).
			WithStep(consumer.ID).WithCause(err)
	}
	selected, ok := result.(map[string]any)
	if !ok {
		return nil, shapeErr(consumer, "select expression must yield an object, got %T", result)
	}
	return selected, nil
}

func applyFields(consumer *schema.StepSpec, fields any, payload schema.Payload) (schema.Payload, error) {
	names, err := stringSlice(fields)
	if err != nil {
		return nil, shapeErr(consumer, "fields must be a list of strings: %s", err.Error())
	}
	narrowed := make(schema.Payload, len(names))
	for _, name := range names {
		v, ok := payload[name]
		if !ok {
			return nil, shapeErr(consumer, "requested field %q not present in upstream payload", name)
		}
		narrowed[name] = v
	}
	return narrowed, nil
}

func applyLimit(consumer *schema.StepSpec, limit any, payload schema.Payload) (schema.Payload, error) {
	n, ok := intValue(limit)
	if !ok || n < 0 {
		return nil, shapeErr(consumer, "limit must be a non-negative integer, got %v", limit)
	}
	limited := make(schema.Payload, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			limited[k] = truncateRunes(s, n)
		} else {
			limited[k] = v
		}
	}
	return limited, nil
}

func applyFormat(consumer *schema.StepSpec, format any, payload schema.Payload) (schema.Payload, error) {
	mode, ok := format.(string)
	if !ok {
		return nil, shapeErr(consumer, "format must be a string, got %T", format)
	}
	switch mode {
	case "text":
		return schema.Payload{"text": flattenText(payload)}, nil
	case "", "json":
		return payload, nil
	default:
		return nil, shapeErr(consumer, "unknown format %q", mode)
	}
}

// flattenText renders the payload as "key: value" lines in key order.
func flattenText(payload schema.Payload) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %v", k, payload[k])
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func stringSlice(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is %T, not string", item, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("got %T", v)
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func shapeErr(consumer *schema.StepSpec, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeShape,
		"step "+consumer.ID+": "+format, args...).WithStep(consumer.ID)
}
