package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSanitizeToolSchema_RemovesDollarKeys(t *testing.T) {
	input := json.RawMessage(`{
		"type": "object",
		"properties": {
			"$expand": {"type": "string"},
			"$select": {"type": "string"},
			"drive_id": {"type": "string"}
		},
		"required": ["$expand", "drive_id"]
	}`)

	out := SanitizeToolSchema(input)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	props := got["properties"].(map[string]any)
	assert.NotContains(t, props, "$expand")
	assert.NotContains(t, props, "$select")
	assert.Contains(t, props, "drive_id")

	required := got["required"].([]any)
	assert.Equal(t, []any{"drive_id"}, required)
}

func TestSanitizeToolSchema_PassesThroughWithoutDollarKeys(t *testing.T) {
	input := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}},"required":["a"]}`)
	out := SanitizeToolSchema(input)

	var got, want map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	require.NoError(t, json.Unmarshal(input, &want))
	assert.Equal(t, want, got)
}

func TestSanitizeToolSchema_RecursesIntoItemsAndComposition(t *testing.T) {
	input := json.RawMessage(`{
		"type": "object",
		"properties": {
			"list": {"type": "array", "items": {"type": "object", "properties": {"$meta": {"type": "string"}, "id": {"type": "string"}}}},
			"union": {"anyOf": [{"type": "object", "properties": {"$x": {"type": "string"}}}]}
		}
	}`)
	out := SanitizeToolSchema(input)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	props := got["properties"].(map[string]any)
	items := props["list"].(map[string]any)["items"].(map[string]any)
	itemProps := items["properties"].(map[string]any)
	assert.NotContains(t, itemProps, "$meta")
	assert.Contains(t, itemProps, "id")

	union := props["union"].(map[string]any)["anyOf"].([]any)[0].(map[string]any)
	unionProps := union["properties"].(map[string]any)
	assert.NotContains(t, unionProps, "$x")
}

func TestSanitizeToolSchema_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		keys := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z$]{1,6}`), 1, 6).Draw(rt, "keys")
		props := map[string]any{}
		for _, k := range keys {
			props[k] = map[string]any{"type": "string"}
		}
		schema, err := json.Marshal(map[string]any{"type": "object", "properties": props})
		require.NoError(rt, err)

		once := SanitizeToolSchema(schema)
		twice := SanitizeToolSchema(once)

		var a, b map[string]any
		require.NoError(rt, json.Unmarshal(once, &a))
		require.NoError(rt, json.Unmarshal(twice, &b))
		assert.Equal(rt, a, b)

		aProps := a["properties"].(map[string]any)
		for k := range aProps {
			assert.NotEmpty(rt, k)
			assert.NotEqual(rt, byte('$'), k[0])
		}
	})
}
