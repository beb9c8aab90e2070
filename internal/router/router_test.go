package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/pkg/schema"
)

func producer(outputs ...string) *schema.StepSpec {
	return &schema.StepSpec{ID: "producer", Agent: "passthrough", Outputs: outputs}
}

func consumer(cfg map[string]any) *schema.StepSpec {
	return &schema.StepSpec{ID: "consumer", Agent: "passthrough", InputFrom: "producer", Config: cfg}
}

func requireShapeError(t *testing.T, err error) *schema.Error {
	t.Helper()
	require.Error(t, err)
	var opErr *schema.Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, schema.ErrCodeShape, opErr.Code)
	assert.Equal(t, "consumer", opErr.StepID)
	return opErr
}

func TestProjectOutputsDropsUndeclared(t *testing.T) {
	r := New()
	out := r.ProjectOutputs(producer("keep"), schema.Payload{"keep": 1, "drop": 2})
	assert.Equal(t, schema.Payload{"keep": 1}, out)
}

func TestProjectOutputsEmptyDeclarationPassesAll(t *testing.T) {
	r := New()
	payload := schema.Payload{"a": 1, "b": 2}
	assert.Equal(t, payload, r.ProjectOutputs(producer(), payload))
}

func TestProjectOutputsToleratesMissingDeclared(t *testing.T) {
	r := New()
	out := r.ProjectOutputs(producer("present", "absent"), schema.Payload{"present": true})
	assert.Equal(t, schema.Payload{"present": true}, out)
}

func TestRouteNoConfigPassesThrough(t *testing.T) {
	r := New()
	payload := schema.Payload{"x": 1}
	out, err := r.Route(context.Background(), consumer(nil), payload)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestRouteSelect(t *testing.T) {
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigSelect: `{total: (.items | length)}`}),
		schema.Payload{"items": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out["total"])
}

func TestRouteSelectMustYieldObject(t *testing.T) {
	r := New()
	_, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigSelect: `.n`}),
		schema.Payload{"n": 1})
	requireShapeError(t, err)
}

func TestRouteFields(t *testing.T) {
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigFields: []any{"a", "c"}}),
		schema.Payload{"a": 1, "b": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, schema.Payload{"a": 1, "c": 3}, out)
}

func TestRouteUnknownFieldFailsBeforeAgent(t *testing.T) {
	r := New()
	_, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigFields: []any{"nope"}}),
		schema.Payload{"a": 1})
	opErr := requireShapeError(t, err)
	assert.Contains(t, opErr.Message, "nope")
}

func TestRouteLimitTruncatesStrings(t *testing.T) {
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigLimit: 4}),
		schema.Payload{"text": "abcdefgh", "n": 99, "short": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "abcd", out["text"])
	assert.Equal(t, "ok", out["short"])
	assert.Equal(t, 99, out["n"])
}

func TestRouteLimitCountsRunes(t *testing.T) {
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigLimit: 3}),
		schema.Payload{"text": "héllo wörld"})
	require.NoError(t, err)
	assert.Equal(t, "hél", out["text"])
}

func TestRouteFormatText(t *testing.T) {
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigFormat: "text"}),
		schema.Payload{"b": 2, "a": "one"})
	require.NoError(t, err)
	assert.Equal(t, schema.Payload{"text": "a: one\nb: 2"}, out)
}

func TestRouteFormatUnknown(t *testing.T) {
	r := New()
	_, err := r.Route(context.Background(),
		consumer(map[string]any{schema.ConfigFormat: "xml"}),
		schema.Payload{"a": 1})
	requireShapeError(t, err)
}

func TestRouteConfigOrder(t *testing.T) {
	// select narrows, then fields restricts, then limit truncates, then
	// format collapses.
	r := New()
	out, err := r.Route(context.Background(),
		consumer(map[string]any{
			schema.ConfigSelect: `{title: .title, body: .body}`,
			schema.ConfigFields: []any{"title"},
			schema.ConfigLimit:  5,
			schema.ConfigFormat: "text",
		}),
		schema.Payload{"title": "long headline", "body": "ignored", "junk": true})
	require.NoError(t, err)
	assert.Equal(t, schema.Payload{"text": "title: long "}, out)
}

func TestRouteBadConfigTypes(t *testing.T) {
	r := New()
	cases := []map[string]any{
		{schema.ConfigSelect: 42},
		{schema.ConfigFields: "not-a-list"},
		{schema.ConfigFields: []any{1}},
		{schema.ConfigLimit: -1},
		{schema.ConfigLimit: "many"},
		{schema.ConfigFormat: 7},
	}
	for _, cfg := range cases {
		_, err := r.Route(context.Background(), consumer(cfg), schema.Payload{"a": 1})
		requireShapeError(t, err)
	}
}
