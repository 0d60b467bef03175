package tools

import (
	"fmt"
)

// ValidateSchemaArgs checks an argument object against a JSON-schema-like
// parameter spec: required fields, value types, and additionalProperties.
// The same spec is advertised to the planner, so a violation here means
// the model ignored its own catalog.
func ValidateSchemaArgs(args map[string]any, schema map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if schema == nil {
		return nil
	}
	if req, ok := schema["required"].([]any); ok {
		for _, it := range req {
			key, ok := it.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required field: %s", key)
			}
		}
	} else if req, ok := schema["required"].([]string); ok {
		for _, key := range req {
			if _, present := args[key]; !present {
				return fmt.Errorf("missing required field: %s", key)
			}
		}
	}
	props, _ := schema["properties"].(map[string]any)
	additional := true
	if v, ok := schema["additionalProperties"].(bool); ok {
		additional = v
	}
	for k, v := range args {
		propSchema, known := props[k]
		if !known {
			if !additional {
				return fmt.Errorf("unknown field not allowed: %s", k)
			}
			continue
		}
		ps, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if err := validateValueType(v, ps); err != nil {
			return fmt.Errorf("field '%s' %w", k, err)
		}
	}
	return nil
}

func validateValueType(value any, schema map[string]any) error {
	kind, ok := schema["type"].(string)
	if !ok {
		return nil
	}
	switch kind {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return nil
		}
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return nil
		case float64:
			if n == float64(int64(n)) {
				return nil
			}
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			break
		}
		if itemSchema, ok := schema["items"].(map[string]any); ok {
			for _, item := range arr {
				if err := validateValueType(item, itemSchema); err != nil {
					return err
				}
			}
		}
		return nil
	case "null":
		if value == nil {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("has invalid type (expected %s)", kind)
}
