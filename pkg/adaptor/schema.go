package adaptor

import (
	"encoding/json"
	"strings"

	"github.com/crosstalk-dev/crosstalk/internal/apischema/anthropic"
	"github.com/crosstalk-dev/crosstalk/internal/apischema/openai"
	"github.com/crosstalk-dev/crosstalk/internal/proxyerr"
	"github.com/crosstalk-dev/crosstalk/internal/typ"
)

// schemaFieldTransforms defines JSON Schema fields that should be transformed
// or excluded when a backend asks for simplified schemas.
// key: source field name
// value: target field name (empty string means exclude the field)
var schemaFieldTransforms = map[string]string{
	"exclusiveMinimum": "minimum", // convert exclusiveMinimum to minimum
	"exclusiveMaximum": "maximum", // convert exclusiveMaximum to maximum
}

// standardSchemaFields is the keep-list for SimplifySchemas mode. Keys outside
// this set are treated as vendor extensions and dropped.
var standardSchemaFields = map[string]bool{
	"type": true, "properties": true, "required": true, "items": true,
	"enum": true, "const": true, "description": true, "title": true,
	"default": true, "format": true, "examples": true,
	"minimum": true, "maximum": true, "multipleOf": true,
	"minLength": true, "maxLength": true, "pattern": true,
	"minItems": true, "maxItems": true, "uniqueItems": true,
	"minProperties": true, "maxProperties": true,
	"additionalProperties": true, "additionalItems": true,
	"patternProperties": true, "propertyNames": true,
	"oneOf": true, "anyOf": true, "allOf": true, "not": true,
	"$ref": true, "$defs": true, "definitions": true,
}

// schema keys whose values are themselves schemas (or collections of them)
var (
	schemaMapFields    = map[string]bool{"properties": true, "patternProperties": true, "$defs": true, "definitions": true}
	schemaSingleFields = map[string]bool{"items": true, "not": true, "additionalProperties": true, "additionalItems": true, "propertyNames": true, "contains": true}
	schemaListFields   = map[string]bool{"oneOf": true, "anyOf": true, "allOf": true}
)

// RewriteTools converts Anthropic tool definitions to OpenAI function tools.
// Ordering is preserved so the rewritten set stays cache-stable.
func RewriteTools(tools []anthropic.Tool, caps typ.Capabilities) ([]openai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		rewritten, err := RewriteTool(t, caps)
		if err != nil {
			return nil, err
		}
		out = append(out, rewritten)
	}
	return out, nil
}

// RewriteTool converts one Anthropic tool into an OpenAI function tool,
// normalizing schema constructs OpenAI-style backends are known to reject.
// The rewrite is deterministic: the same input always yields the same output.
func RewriteTool(tool anthropic.Tool, caps typ.Capabilities) (openai.Tool, error) {
	if tool.Name == "" {
		return openai.Tool{}, proxyerr.New(proxyerr.KindInvalidSchema, "tool name is required")
	}

	var schema map[string]interface{}
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return openai.Tool{}, proxyerr.New(proxyerr.KindInvalidSchema,
				"tool %q: input_schema is not a JSON object", tool.Name)
		}
	}

	return openai.Tool{
		Type: "function",
		Function: openai.FunctionDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  RewriteSchema(schema, caps),
		},
	}, nil
}

// RewriteSchema normalizes a tool input schema: missing top-level type becomes
// "object", $ref indirection is resolved inline, single-branch oneOf/anyOf are
// flattened, and format is removed from non-string types. With
// StrictAdditionalProperties the root forbids extra properties; with
// SimplifySchemas vendor keywords are dropped.
func RewriteSchema(schema map[string]interface{}, caps typ.Capabilities) map[string]interface{} {
	if schema == nil {
		schema = map[string]interface{}{}
	}

	out := rewriteNode(schema, schema, caps, map[string]bool{})

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if caps.StrictAdditionalProperties {
		if _, ok := out["additionalProperties"]; !ok {
			out["additionalProperties"] = false
		}
	}
	// Once every internal $ref has been inlined the definition tables are
	// dead weight. Keep them only while a $ref still points at them.
	if !hasRef(out) {
		delete(out, "$defs")
		delete(out, "definitions")
	}

	return out
}

// rewriteNode rebuilds one schema node. root is the full input schema used to
// resolve $ref pointers; resolving tracks the refs on the current path so a
// cyclic schema keeps its $ref instead of recursing forever.
func rewriteNode(node, root map[string]interface{}, caps typ.Capabilities, resolving map[string]bool) map[string]interface{} {
	// $ref indirection: replace the node with the referenced schema. Sibling
	// keys on the ref node (rare, but draft-07 tolerates them) win over the
	// resolved target.
	if ref, ok := node["$ref"].(string); ok {
		if target, found := resolvePointer(ref, root); found && !resolving[ref] {
			resolving[ref] = true
			result := rewriteNode(target, root, caps, resolving)
			delete(resolving, ref)
			for k, v := range node {
				if k == "$ref" {
					continue
				}
				result[k] = rewriteValue(k, v, root, caps, resolving)
			}
			return trimFormat(result)
		}
	}

	// A oneOf/anyOf with exactly one branch is the branch. The branch wins on
	// key conflicts; other node keys are carried over.
	for _, key := range []string{"oneOf", "anyOf"} {
		branches, ok := node[key].([]interface{})
		if !ok || len(branches) != 1 {
			continue
		}
		branch, ok := branches[0].(map[string]interface{})
		if !ok {
			continue
		}
		result := rewriteNode(branch, root, caps, resolving)
		for k, v := range node {
			if k == key {
				continue
			}
			if _, exists := result[k]; exists {
				continue
			}
			result[k] = rewriteValue(k, v, root, caps, resolving)
		}
		return trimFormat(result)
	}

	result := make(map[string]interface{}, len(node))
	for k, v := range node {
		if caps.SimplifySchemas {
			if target, needsTransform := schemaFieldTransforms[k]; needsTransform {
				if target == "" {
					continue
				}
				k = target
			} else if !standardSchemaFields[k] {
				continue
			}
		}
		result[k] = rewriteValue(k, v, root, caps, resolving)
	}

	return trimFormat(result)
}

// trimFormat removes format from non-string types; some backends reject it
// anywhere else.
func trimFormat(result map[string]interface{}) map[string]interface{} {
	if t, ok := result["type"].(string); ok && t != "string" {
		delete(result, "format")
	}
	return result
}

// rewriteValue recurses into values that are themselves schemas, keyed by the
// parent field name. Anything else is copied through untouched.
func rewriteValue(key string, v interface{}, root map[string]interface{}, caps typ.Capabilities, resolving map[string]bool) interface{} {
	switch {
	case schemaMapFields[key]:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v
		}
		out := make(map[string]interface{}, len(m))
		for name, sub := range m {
			if subSchema, ok := sub.(map[string]interface{}); ok {
				out[name] = rewriteNode(subSchema, root, caps, resolving)
			} else {
				out[name] = sub
			}
		}
		return out

	case schemaSingleFields[key]:
		if m, ok := v.(map[string]interface{}); ok {
			return rewriteNode(m, root, caps, resolving)
		}
		if list, ok := v.([]interface{}); ok {
			// tuple-form items
			return rewriteList(list, root, caps, resolving)
		}
		return v

	case schemaListFields[key]:
		if list, ok := v.([]interface{}); ok {
			return rewriteList(list, root, caps, resolving)
		}
		return v

	default:
		return v
	}
}

func rewriteList(list []interface{}, root map[string]interface{}, caps typ.Capabilities, resolving map[string]bool) []interface{} {
	out := make([]interface{}, len(list))
	for i, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out[i] = rewriteNode(m, root, caps, resolving)
		} else {
			out[i] = item
		}
	}
	return out
}

// resolvePointer follows an internal JSON pointer ("#/$defs/Location") against
// the root schema. External references are left for the backend to reject.
func resolvePointer(ref string, root map[string]interface{}) (map[string]interface{}, bool) {
	if !strings.HasPrefix(ref, "#/") {
		return nil, false
	}

	current := interface{}(root)
	for _, segment := range strings.Split(strings.TrimPrefix(ref, "#/"), "/") {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}

	target, ok := current.(map[string]interface{})
	return target, ok
}

// hasRef reports whether any $ref key survives in the rewritten schema.
func hasRef(v interface{}) bool {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, sub := range val {
			if k == "$ref" {
				return true
			}
			if hasRef(sub) {
				return true
			}
		}
	case []interface{}:
		for _, item := range val {
			if hasRef(item) {
				return true
			}
		}
	}
	return false
}
