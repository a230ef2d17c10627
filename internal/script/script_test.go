package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AllNodeKinds(t *testing.T) {
	doc, err := Parse([]byte(`{
		"variables": {"user": "alice", "n": 2},
		"steps": [
			{"type": "action", "description": "open app", "action": "touch", "params": {"target": "app.png"},
			 "on_failure": {"retry": {"count": 2, "delay": 0.5}},
			 "validate": {"type": "image_exists", "target": "home.png", "on_failure": "retry_step"}},
			{"type": "loop", "loop_type": "count", "count": 3, "steps": [
				{"type": "action", "action": "snapshot", "params": {"filename": "s.png"}, "on_failure": "ignore"}
			]},
			{"type": "condition", "condition_type": "if_image_exists", "params": {"target": "popup.png"},
			 "if_true": [{"type": "action", "action": "touch", "params": {"target": "close.png"}}],
			 "if_false": []},
			{"type": "sub_script", "description": "legacy"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "alice", doc.Variables["user"])
	require.Len(t, doc.Steps, 4)

	action, ok := doc.Steps[0].(*Action)
	require.True(t, ok)
	assert.Equal(t, "touch", action.Action)
	assert.Equal(t, "open app", action.Label())
	require.NotNil(t, action.OnFailure.Retry)
	assert.Equal(t, 3, action.OnFailure.Retry.Attempts())
	assert.Equal(t, 0.5, action.OnFailure.Retry.Delay)
	require.NotNil(t, action.Validate)
	assert.Equal(t, ValidateImageExists, action.Validate.Type)
	assert.Equal(t, float64(DefaultValidateTimeout), action.Validate.Timeout)
	assert.Equal(t, FailRetryStep, action.Validate.OnFailure)

	loop, ok := doc.Steps[1].(*Loop)
	require.True(t, ok)
	assert.Equal(t, 3, loop.Count)
	require.Len(t, loop.Steps, 1)
	assert.True(t, loop.Steps[0].(*Action).OnFailure.Ignore())

	cond, ok := doc.Steps[2].(*Condition)
	require.True(t, ok)
	assert.Equal(t, CondImageExists, cond.ConditionType)
	assert.Len(t, cond.IfTrue, 1)
	assert.Empty(t, cond.IfFalse)

	unknown, ok := doc.Steps[3].(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "sub_script", unknown.Kind())

	assert.Equal(t, 3, doc.CountActions())
}

func TestParse_Defaults(t *testing.T) {
	doc, err := Parse([]byte(`{"steps":[{"type":"action","action":"sleep","validate":{"type":"image_exists","target":"x.png","timeout":3}}]}`))
	require.NoError(t, err)

	assert.NotNil(t, doc.Variables)
	action := doc.Steps[0].(*Action)
	assert.Equal(t, FailAbort, action.OnFailure.Mode)
	assert.Nil(t, action.OnFailure.Retry)
	assert.NotNil(t, action.Params)
	assert.Equal(t, float64(3), action.Validate.Timeout)
	assert.Equal(t, FailAbort, action.Validate.OnFailure)
	assert.Equal(t, "no description", action.Label())
}

func TestParse_FailurePolicyVariants(t *testing.T) {
	tests := []struct {
		name      string
		onFailure string
		mode      string
		retry     bool
	}{
		{"absent", `null`, FailAbort, false},
		{"abort", `"abort"`, FailAbort, false},
		{"ignore", `"ignore"`, FailIgnore, false},
		{"unrecognised string kept", `"skip"`, "skip", false},
		{"retry", `{"retry":{"count":1,"delay":0}}`, FailAbort, true},
		{"object without retry", `{"other":true}`, FailAbort, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := ParseNode([]byte(`{"type":"action","action":"touch","on_failure":` + tt.onFailure + `}`))
			require.NoError(t, err)
			action := node.(*Action)
			assert.Equal(t, tt.mode, action.OnFailure.Mode)
			assert.Equal(t, tt.retry, action.OnFailure.Retry != nil)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		`not json`,
		`{"steps": {"type": "action"}}`,
		`{"steps": [42]}`,
		`{"steps": [{"type": "loop", "count": "three"}]}`,
		`{"steps": [{"type": "action", "on_failure": 7}]}`,
	}
	for _, input := range tests {
		_, err := Parse([]byte(input))
		assert.ErrorIs(t, err, ErrInvalidDocument, input)
	}
}

func TestResolve(t *testing.T) {
	env := map[string]any{"x": "value", "n": float64(4), "name with space": "ok"}

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"present", "{{x}}", "value"},
		{"trimmed", "{{  x }}", "value"},
		{"non-string value from env", "{{n}}", float64(4)},
		{"missing stays literal", "{{missing}}", "{{missing}}"},
		{"partial reference untouched", "hello {{x}}", "hello {{x}}"},
		{"plain string", "x", "x"},
		{"number", float64(1), float64(1)},
		{"inner spaces", "{{name with space}}", "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.value, env))
		})
	}
}

func TestResolveParams_NotRecursive(t *testing.T) {
	env := map[string]any{"x": "value"}
	params := map[string]any{
		"direct": "{{x}}",
		"nested": []any{"{{x}}"},
	}

	got := ResolveParams(params, env)

	assert.Equal(t, "value", got["direct"])
	assert.Equal(t, []any{"{{x}}"}, got["nested"])
	assert.Equal(t, "{{x}}", params["direct"], "input map must not change")
}
