package convert

import "encoding/json"

// SanitizeToolSchema recursively deletes any property whose key begins with
// "$" from every "properties" object in a JSON Schema, removing matching
// entries from "required", and recurses into "items", "additionalProperties",
// and "anyOf"/"allOf"/"oneOf". Schemas without "$"-prefixed keys pass through
// unmodified. Idempotent: a second pass over the output is a no-op.
func SanitizeToolSchema(schema json.RawMessage) json.RawMessage {
	var node any
	if err := json.Unmarshal(schema, &node); err != nil {
		return schema
	}
	sanitized := sanitizeNode(node)
	out, err := json.Marshal(sanitized)
	if err != nil {
		return schema
	}
	return out
}

func sanitizeNode(node any) any {
	obj, ok := node.(map[string]any)
	if !ok {
		if arr, ok := node.([]any); ok {
			out := make([]any, len(arr))
			for i, v := range arr {
				out[i] = sanitizeNode(v)
			}
			return out
		}
		return node
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}

	if props, ok := out["properties"].(map[string]any); ok {
		cleanProps := make(map[string]any, len(props))
		removed := make(map[string]bool)
		for k, v := range props {
			if len(k) > 0 && k[0] == '$' {
				removed[k] = true
				continue
			}
			cleanProps[k] = sanitizeNode(v)
		}
		out["properties"] = cleanProps

		if req, ok := out["required"].([]any); ok {
			cleanReq := make([]any, 0, len(req))
			for _, r := range req {
				name, _ := r.(string)
				if !removed[name] {
					cleanReq = append(cleanReq, r)
				}
			}
			out["required"] = cleanReq
		}
	}

	for _, key := range []string{"items", "additionalProperties"} {
		if v, ok := out[key]; ok {
			out[key] = sanitizeNode(v)
		}
	}
	for _, key := range []string{"anyOf", "allOf", "oneOf"} {
		if arr, ok := out[key].([]any); ok {
			cleaned := make([]any, len(arr))
			for i, v := range arr {
				cleaned[i] = sanitizeNode(v)
			}
			out[key] = cleaned
		}
	}

	return out
}
