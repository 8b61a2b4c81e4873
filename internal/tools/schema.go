package tools

import (
	"sort"
)

// SanitizeSchema returns a copy of schema that passes strict JSON-schema
// validation of function tools: enums are dropped, and every object gets
// properties, a required list naming all of them and
// additionalProperties=false. Nested items and combinators are handled
// recursively.
func SanitizeSchema(schema map[string]any) map[string]any {
	out, _ := sanitizeNode(schema).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		forceObject(out)
	}
	return out
}

func sanitizeNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			switch key {
			case "enum", "$schema", "$id", "default", "format":
				continue
			case "properties":
				props, _ := val.(map[string]any)
				clean := make(map[string]any, len(props))
				for name, prop := range props {
					clean[name] = sanitizeNode(prop)
				}
				out[key] = clean
			default:
				out[key] = sanitizeNode(val)
			}
		}
		if isObject(out) {
			forceObject(out)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeNode(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func isObject(node map[string]any) bool {
	if t, ok := node["type"].(string); ok {
		return t == "object"
	}
	_, hasProps := node["properties"]
	return hasProps
}

func forceObject(node map[string]any) {
	node["type"] = "object"
	props, ok := node["properties"].(map[string]any)
	if !ok {
		props = map[string]any{}
		node["properties"] = props
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	required := make([]any, len(names))
	for i, name := range names {
		required[i] = name
	}
	node["required"] = required
	node["additionalProperties"] = false
}
