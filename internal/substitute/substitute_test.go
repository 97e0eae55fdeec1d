package substitute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/models"
)

func seedPromptFields() map[string]models.FieldSpec {
	return map[string]models.FieldSpec{
		"SEED_PLACEHOLDER":   {Kind: models.FieldNumber, Default: 0},
		"PROMPT_PLACEHOLDER": {Kind: models.FieldText, Default: ""},
	}
}

func TestApplyQuotedNumericReplacement(t *testing.T) {
	graph := map[string]any{
		"seed":   "SEED_PLACEHOLDER",
		"prompt": "PROMPT_PLACEHOLDER",
	}

	out, err := Apply(graph, seedPromptFields(), map[string]any{
		"SEED_PLACEHOLDER": 42,
	})
	require.NoError(t, err)

	// The seed placeholder was a quoted string literal; the replacement
	// must yield an unquoted number.
	assert.Equal(t, float64(42), out["seed"])
	assert.Equal(t, "", out["prompt"])
}

func TestApplyNumericCoercionDefaults(t *testing.T) {
	fields := map[string]models.FieldSpec{
		"N_TOKEN": {Kind: models.FieldNumber, Default: 7},
		"F_TOKEN": {Kind: models.FieldFloat, Default: 1.5},
	}
	graph := map[string]any{"n": "N_TOKEN", "f": "F_TOKEN"}

	tests := []struct {
		name   string
		inputs map[string]any
		wantN  float64
		wantF  float64
	}{
		{"empty strings", map[string]any{"N_TOKEN": "", "F_TOKEN": ""}, 0, 0},
		{"non numeric", map[string]any{"N_TOKEN": "abc", "F_TOKEN": "xyz"}, 0, 0},
		{"parseable strings", map[string]any{"N_TOKEN": "12", "F_TOKEN": "2.5"}, 12, 2.5},
		{"defaults", map[string]any{}, 7, 1.5},
		{"nil values", map[string]any{"N_TOKEN": nil, "F_TOKEN": nil}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Apply(graph, fields, tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.wantN, out["n"])
			assert.Equal(t, tt.wantF, out["f"])
		})
	}
}

func TestApplyTextInsideQuotedString(t *testing.T) {
	// Textual kinds replace the bare token wherever it appears, including
	// inside a larger string literal.
	graph := map[string]any{
		"6": map[string]any{
			"inputs": map[string]any{
				"text": "masterpiece, PROMPT_PLACEHOLDER, high quality",
			},
		},
	}
	fields := map[string]models.FieldSpec{
		"PROMPT_PLACEHOLDER": {Kind: models.FieldTextarea, Default: ""},
	}

	out, err := Apply(graph, fields, map[string]any{"PROMPT_PLACEHOLDER": "a red fox"})
	require.NoError(t, err)

	node := out["6"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "masterpiece, a red fox, high quality", node["text"])
}

func TestApplyUnresolvedPlaceholderPassesThrough(t *testing.T) {
	graph := map[string]any{"prompt": "ORPHAN_TOKEN"}

	out, err := Apply(graph, map[string]models.FieldSpec{}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "ORPHAN_TOKEN", out["prompt"])
}

func TestApplyDeterministic(t *testing.T) {
	graph := map[string]any{
		"a": "TOKEN_A", "b": "TOKEN_B", "c": "TOKEN_C",
		"nested": map[string]any{"d": "TOKEN_A and TOKEN_B"},
	}
	fields := map[string]models.FieldSpec{
		"TOKEN_A": {Kind: models.FieldText, Default: "alpha"},
		"TOKEN_B": {Kind: models.FieldText, Default: "beta"},
		"TOKEN_C": {Kind: models.FieldNumber, Default: 3},
	}

	first, err := Apply(graph, fields, map[string]any{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Apply(graph, fields, map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestApplyMalformedOutput(t *testing.T) {
	// The token also appears in key position, so dropping the quotes for
	// the numeric replacement corrupts the document.
	graph := map[string]any{"N_TOKEN": "N_TOKEN"}
	fields := map[string]models.FieldSpec{
		"N_TOKEN": {Kind: models.FieldNumber, Default: 0},
	}

	_, err := Apply(graph, fields, map[string]any{"N_TOKEN": 5})
	require.Error(t, err)
	var malformed *MalformedTemplateError
	assert.ErrorAs(t, err, &malformed)
}

func TestApplyFloatFormatting(t *testing.T) {
	graph := map[string]any{"cfg": "CFG_TOKEN"}
	fields := map[string]models.FieldSpec{
		"CFG_TOKEN": {Kind: models.FieldFloat, Default: nil},
	}

	out, err := Apply(graph, fields, map[string]any{"CFG_TOKEN": 8})
	require.NoError(t, err)
	assert.Equal(t, float64(8), out["cfg"])

	out, err = Apply(graph, fields, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out["cfg"])
}

func TestReplaceTokens(t *testing.T) {
	graph := map[string]any{
		"callback": map[string]any{
			"inputs": map[string]any{
				"url":       "http://host/api/callback/[execution_id]",
				"client_id": "[uuid]",
			},
		},
	}

	out, err := ReplaceTokens(graph, map[string]string{
		"[uuid]":         "cid-123",
		"[execution_id]": "99",
	})
	require.NoError(t, err)

	node := out["callback"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "http://host/api/callback/99", node["url"])
	assert.Equal(t, "cid-123", node["client_id"])
}

func TestApplyTreeLeafOnly(t *testing.T) {
	// Tree mode must not touch key positions and must insert typed values
	// at exact-match leaves.
	graph := map[string]any{
		"N_TOKEN": "N_TOKEN",
		"text":    "say: PROMPT_TOKEN!",
		"list":    []any{"PROMPT_TOKEN", float64(3)},
	}
	fields := map[string]models.FieldSpec{
		"N_TOKEN":      {Kind: models.FieldNumber, Default: 0},
		"PROMPT_TOKEN": {Kind: models.FieldText, Default: ""},
	}

	out, err := ApplyTree(graph, fields, map[string]any{
		"N_TOKEN":      5,
		"PROMPT_TOKEN": "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, out["N_TOKEN"], "leaf value replaced, key untouched")
	assert.Equal(t, "say: hello!", out["text"])
	assert.Equal(t, []any{"hello", float64(3)}, out["list"])
}
