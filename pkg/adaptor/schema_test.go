package adaptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

func rewriteSchemaJSON(t *testing.T, schema string, caps typ.Capabilities) map[string]interface{} {
	t.Helper()
	tool := anthropic.Tool{Name: "probe", InputSchema: json.RawMessage(schema)}
	out, err := RewriteTool(tool, caps)
	require.NoError(t, err)
	return out.Function.Parameters
}

func TestRewriteToolWrapsFunction(t *testing.T) {
	tool := anthropic.Tool{
		Name:        "get_weather",
		Description: "Look up current weather",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}

	out, err := RewriteTool(tool, typ.DefaultCapabilities())
	require.NoError(t, err)
	assert.Equal(t, "function", out.Type)
	assert.Equal(t, "get_weather", out.Function.Name)
	assert.Equal(t, "Look up current weather", out.Function.Description)
	assert.Equal(t, "object", out.Function.Parameters["type"])
}

func TestRewriteToolErrors(t *testing.T) {
	caps := typ.DefaultCapabilities()

	t.Run("missing_name", func(t *testing.T) {
		_, err := RewriteTool(anthropic.Tool{InputSchema: json.RawMessage(`{}`)}, caps)
		require.Error(t, err)
		assert.Equal(t, proxyerr.KindInvalidSchema, proxyerr.KindOf(err))
	})

	t.Run("non_object_schema", func(t *testing.T) {
		_, err := RewriteTool(anthropic.Tool{Name: "bad", InputSchema: json.RawMessage(`["not","a","schema"]`)}, caps)
		require.Error(t, err)
		assert.Equal(t, proxyerr.KindInvalidSchema, proxyerr.KindOf(err))
	})
}

func TestRewriteSchemaDefaultsType(t *testing.T) {
	t.Run("empty_schema", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{}`, typ.DefaultCapabilities())
		assert.Equal(t, "object", params["type"])
	})

	t.Run("nil_schema", func(t *testing.T) {
		out, err := RewriteTool(anthropic.Tool{Name: "empty"}, typ.DefaultCapabilities())
		require.NoError(t, err)
		assert.Equal(t, "object", out.Function.Parameters["type"])
	})

	t.Run("existing_type_preserved", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{"type":"object","properties":{"n":{"type":"integer"}}}`, typ.DefaultCapabilities())
		assert.Equal(t, "object", params["type"])
	})
}

func TestRewriteSchemaInlinesRefs(t *testing.T) {
	caps := typ.DefaultCapabilities()

	t.Run("defs_resolved_and_dropped", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"location": {"$ref": "#/$defs/Location"}},
			"$defs": {"Location": {"type": "object", "properties": {"city": {"type": "string"}}}}
		}`, caps)

		location := params["properties"].(map[string]interface{})["location"].(map[string]interface{})
		assert.Equal(t, "object", location["type"])
		assert.NotContains(t, location, "$ref")
		assert.NotContains(t, params, "$defs")
	})

	t.Run("definitions_resolved", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"loc": {"$ref": "#/definitions/Loc"}},
			"definitions": {"Loc": {"type": "string"}}
		}`, caps)

		loc := params["properties"].(map[string]interface{})["loc"].(map[string]interface{})
		assert.Equal(t, "string", loc["type"])
		assert.NotContains(t, params, "definitions")
	})

	t.Run("ref_sibling_keys_win", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"loc": {"$ref": "#/$defs/Loc", "description": "override"}},
			"$defs": {"Loc": {"type": "string", "description": "original"}}
		}`, caps)

		loc := params["properties"].(map[string]interface{})["loc"].(map[string]interface{})
		assert.Equal(t, "override", loc["description"])
	})

	t.Run("cyclic_ref_kept", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"tree": {"$ref": "#/$defs/Node"}},
			"$defs": {"Node": {"type": "object", "properties": {"child": {"$ref": "#/$defs/Node"}}}}
		}`, caps)

		// The cycle cannot be fully inlined, so the definition table survives
		assert.Contains(t, params, "$defs")
	})

	t.Run("external_ref_untouched", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"x": {"$ref": "https://example.com/schema.json"}}
		}`, caps)

		x := params["properties"].(map[string]interface{})["x"].(map[string]interface{})
		assert.Equal(t, "https://example.com/schema.json", x["$ref"])
	})
}

func TestRewriteSchemaFlattensSingleBranch(t *testing.T) {
	caps := typ.DefaultCapabilities()

	t.Run("one_of_single", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"v": {"oneOf": [{"type": "string", "minLength": 1}], "description": "value"}}
		}`, caps)

		v := params["properties"].(map[string]interface{})["v"].(map[string]interface{})
		assert.Equal(t, "string", v["type"])
		assert.Equal(t, float64(1), v["minLength"])
		assert.Equal(t, "value", v["description"])
		assert.NotContains(t, v, "oneOf")
	})

	t.Run("any_of_single", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"v": {"anyOf": [{"type": "integer"}]}}
		}`, caps)

		v := params["properties"].(map[string]interface{})["v"].(map[string]interface{})
		assert.Equal(t, "integer", v["type"])
		assert.NotContains(t, v, "anyOf")
	})

	t.Run("multi_branch_untouched", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{
			"type": "object",
			"properties": {"v": {"oneOf": [{"type": "string"}, {"type": "integer"}]}}
		}`, caps)

		v := params["properties"].(map[string]interface{})["v"].(map[string]interface{})
		branches := v["oneOf"].([]interface{})
		assert.Len(t, branches, 2)
	})
}

func TestRewriteSchemaTrimsFormat(t *testing.T) {
	params := rewriteSchemaJSON(t, `{
		"type": "object",
		"properties": {
			"when": {"type": "string", "format": "date-time"},
			"count": {"type": "integer", "format": "int64"}
		}
	}`, typ.DefaultCapabilities())

	props := params["properties"].(map[string]interface{})
	when := props["when"].(map[string]interface{})
	count := props["count"].(map[string]interface{})
	assert.Equal(t, "date-time", when["format"], "format on string types survives")
	assert.NotContains(t, count, "format", "format on non-string types is removed")
}

func TestRewriteSchemaAdditionalProperties(t *testing.T) {
	t.Run("preserved", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{"type":"object","additionalProperties":false}`, typ.DefaultCapabilities())
		assert.Equal(t, false, params["additionalProperties"])
	})

	t.Run("strict_injects_at_root", func(t *testing.T) {
		caps := typ.DefaultCapabilities()
		caps.StrictAdditionalProperties = true
		params := rewriteSchemaJSON(t, `{"type":"object"}`, caps)
		assert.Equal(t, false, params["additionalProperties"])
	})

	t.Run("lenient_leaves_root_open", func(t *testing.T) {
		params := rewriteSchemaJSON(t, `{"type":"object"}`, typ.DefaultCapabilities())
		assert.NotContains(t, params, "additionalProperties")
	})
}

func TestRewriteSchemaSimplify(t *testing.T) {
	schema := `{
		"type": "object",
		"properties": {"n": {"type": "number", "exclusiveMinimum": 0, "x-vendor-hint": "slider"}},
		"$schema": "http://json-schema.org/draft-07/schema#"
	}`

	t.Run("vendor_keywords_kept_by_default", func(t *testing.T) {
		params := rewriteSchemaJSON(t, schema, typ.DefaultCapabilities())
		n := params["properties"].(map[string]interface{})["n"].(map[string]interface{})
		assert.Contains(t, n, "x-vendor-hint")
		assert.Contains(t, params, "$schema")
	})

	t.Run("simplify_drops_and_transforms", func(t *testing.T) {
		caps := typ.DefaultCapabilities()
		caps.SimplifySchemas = true
		params := rewriteSchemaJSON(t, schema, caps)
		n := params["properties"].(map[string]interface{})["n"].(map[string]interface{})
		assert.NotContains(t, n, "x-vendor-hint")
		assert.NotContains(t, params, "$schema")
		assert.NotContains(t, n, "exclusiveMinimum")
		assert.Equal(t, float64(0), n["minimum"])
	})
}

func TestRewriteToolDeterministic(t *testing.T) {
	tool := anthropic.Tool{
		Name: "search",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"filters": {"oneOf": [{"type": "object", "properties": {"zebra": {"type": "string"}, "alpha": {"type": "integer"}}}]},
				"loc": {"$ref": "#/$defs/Loc"}
			},
			"$defs": {"Loc": {"type": "string", "format": "city"}}
		}`),
	}
	caps := typ.DefaultCapabilities()

	first, err := RewriteTool(tool, caps)
	require.NoError(t, err)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := RewriteTool(tool, caps)
		require.NoError(t, err)
		againJSON, err := json.Marshal(again)
		require.NoError(t, err)
		assert.Equal(t, string(firstJSON), string(againJSON), "rewrite must be byte-deterministic")
	}
}

func TestRewriteToolsPreservesOrder(t *testing.T) {
	tools := []anthropic.Tool{
		{Name: "zeta", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "alpha", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "mid", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	out, err := RewriteTools(tools, typ.DefaultCapabilities())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "zeta", out[0].Function.Name)
	assert.Equal(t, "alpha", out[1].Function.Name)
	assert.Equal(t, "mid", out[2].Function.Name)
}
