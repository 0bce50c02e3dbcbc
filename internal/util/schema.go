package util

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
)

// ValidationError reports the first argument of a plan step that does not
// match the tool's parameter schema. Field is a dotted path (items[1].name).
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// CreateSchema derives an object schema from a struct. Field names follow the
// json tag; the description and enum tags (enum is comma separated) are copied
// into the property. Fields are required unless they are pointers or tagged
// omitempty. Nested structs and slices of structs are described recursively.
func CreateSchema(structType any) map[string]any {
	t := reflect.TypeOf(structType)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return objectSchema(nil, nil)
	}
	return typeSchema(t)
}

func typeSchema(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		props := map[string]any{}
		var required []string

		for f := range fields(t) {
			name, omitempty, skip := jsonName(f)
			if skip {
				continue
			}

			prop := typeSchema(f.Type)
			if d := f.Tag.Get("description"); d != "" {
				prop["description"] = d
			}
			if e := f.Tag.Get("enum"); e != "" {
				prop["enum"] = strings.Split(e, ",")
			}
			props[name] = prop

			if !omitempty && f.Type.Kind() != reflect.Pointer {
				required = append(required, name)
			}
		}

		return objectSchema(props, required)
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeSchema(t.Elem())}
	default:
		return map[string]any{"type": jsonType(t)}
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func fields(t reflect.Type) func(yield func(reflect.StructField) bool) {
	return func(yield func(reflect.StructField) bool) {
		for i := range t.NumField() {
			if f := t.Field(i); f.IsExported() && !yield(f) {
				return
			}
		}
	}
}

func jsonName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}

	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name, slices.Contains(strings.Split(opts, ","), "omitempty"), false
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "string"
	}
}

// ValidateParameters checks tool arguments against an object schema: required
// keys, property types, enums and the items of arrays. Unknown keys pass.
// Properties are checked in name order so the reported field is stable.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	return validateObject("", params, schema)
}

func validateObject(path string, obj map[string]any, schema map[string]any) error {
	for _, name := range requiredFields(schema) {
		if _, ok := obj[name]; !ok {
			return &ValidationError{Field: join(path, name), Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(join(path, name), obj[name], prop); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(path string, v any, schema map[string]any) error {
	// Planners emit null for optional arguments they chose not to fill.
	if v == nil {
		return nil
	}

	want, _ := schema["type"].(string)
	if !hasType(v, want) {
		return &ValidationError{Field: path, Value: v, Message: fmt.Sprintf("expected type %s, got %T", want, v)}
	}

	if enum := anySlice(schema["enum"]); len(enum) > 0 && !slices.ContainsFunc(enum, func(e any) bool { return fmt.Sprint(e) == fmt.Sprint(v) }) {
		return &ValidationError{Field: path, Value: v, Message: fmt.Sprintf("must be one of %v", enum)}
	}

	switch want {
	case "object":
		if _, nested := schema["properties"]; nested {
			return validateObject(path, v.(map[string]any), schema)
		}
	case "array":
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return nil
		}
		for i, item := range v.([]any) {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item, items); err != nil {
				return err
			}
		}
	}

	return nil
}

// requiredFields accepts []string (CreateSchema) and []any (decoded JSON).
func requiredFields(schema map[string]any) []string {
	var out []string
	for _, r := range anySlice(schema["required"]) {
		if name, ok := r.(string); ok {
			out = append(out, name)
		}
	}
	return out
}

func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	default:
		return nil
	}
}

func hasType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "number":
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
