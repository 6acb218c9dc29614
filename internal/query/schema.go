package query

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is a JSON-schema-shaped map. Only the subset the orchestrator uses
// is interpreted: type, properties, required, items, enum.
type Schema = map[string]any

// DescribeSchema renders a schema as human-readable field descriptions for
// injection into a prompt, one "field: type" line per property, with enum
// values and required markers spelled out. Providers without native
// structured-output support get this text appended to their prompt.
func DescribeSchema(schema Schema) string {
	var b strings.Builder
	describeInto(&b, schema, "", requiredSet(schema))
	return strings.TrimRight(b.String(), "\n")
}

func requiredSet(schema Schema) map[string]bool {
	set := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				set[name] = true
			}
		}
	}
	return set
}

func describeInto(b *strings.Builder, schema Schema, prefix string, required map[string]bool) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		field := name
		if prefix != "" {
			field = prefix + "." + name
		}

		typeName, _ := prop["type"].(string)
		if typeName == "" {
			typeName = "any"
		}
		line := fmt.Sprintf("- %s: %s", field, typeName)
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			vals := make([]string, len(enum))
			for i, v := range enum {
				vals[i] = fmt.Sprintf("%v", v)
			}
			line += fmt.Sprintf(" (one of: %s)", strings.Join(vals, ", "))
		}
		if required[name] {
			line += " (required)"
		}
		b.WriteString(line)
		b.WriteByte('\n')

		switch typeName {
		case "object":
			describeInto(b, prop, field, requiredSet(prop))
		case "array":
			if items, ok := prop["items"].(map[string]any); ok {
				if itemType, _ := items["type"].(string); itemType == "object" {
					describeInto(b, items, field+"[]", requiredSet(items))
				}
			}
		}
	}
}

// ValidateSchema checks a parsed JSON value against a schema. The check is
// shallow-recursive: object required keys and property types, array item
// schemas, primitive types, and enum membership. Anything the schema does not
// constrain passes.
func ValidateSchema(value any, schema Schema) error {
	return validateValue(value, schema, "$")
}

func validateValue(value any, schema Schema, path string) error {
	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		for _, allowed := range enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				return nil
			}
		}
		return fmt.Errorf("%s: value %v not in allowed set", path, value)
	}

	typeName, _ := schema["type"].(string)
	switch typeName {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, value)
		}
		for name := range requiredSet(schema) {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		if props, ok := schema["properties"].(map[string]any); ok {
			for name, raw := range obj {
				propSchema, ok := props[name].(map[string]any)
				if !ok {
					continue
				}
				if err := validateValue(raw, propSchema, path+"."+name); err != nil {
					return err
				}
			}
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, value)
		}
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		for i, item := range arr {
			if err := validateValue(item, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
	case "number", "integer":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number, got %T", path, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
	case "":
		// Unconstrained type passes.
	}
	return nil
}
