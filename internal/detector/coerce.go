// Package detector - payload flattening and tolerant type coercion.
// Shared by the detector (type checks) and the repair orchestrator
// (RecipeCoerce application), so both judge values the same way.
package detector

import (
	"math"
	"strconv"
	"strings"

	"toolmend/internal/types"
)

// Flatten converts a nested payload into dotted leaf paths. Arrays are
// treated as leaves: contracts describe scalar and array-valued fields, not
// element positions.
func Flatten(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, value map[string]interface{}) {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = v
	}
}

// Unflatten rebuilds a nested payload from dotted leaf paths. Inverse of
// Flatten for the payloads the engine produces.
func Unflatten(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for path, v := range flat {
		parts := strings.Split(path, ".")
		node := out
		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = v
				break
			}
			next, ok := node[part].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				node[part] = next
			}
			node = next
		}
	}
	return out
}

// InferType reports the FieldType of an observed JSON value.
func InferType(value interface{}) types.FieldType {
	switch v := value.(type) {
	case string:
		return types.FieldString
	case bool:
		return types.FieldBool
	case float64:
		// JSON numbers decode as float64; whole values are reported as int.
		if v == math.Trunc(v) {
			return types.FieldInt
		}
		return types.FieldFloat
	case int, int32, int64:
		return types.FieldInt
	case float32:
		return types.FieldFloat
	case map[string]interface{}:
		return types.FieldObject
	case []interface{}:
		return types.FieldArray
	default:
		return types.FieldUnknown
	}
}

// Coerce attempts a tolerant conversion of value to the target type.
// Returns the converted value and whether the coercion succeeded. The rules
// are intentionally forgiving: numeric strings coerce to numbers, whole
// floats coerce to ints, "true"/"false" coerce to bool. Lossy conversions
// (fractional float to int) fail.
func Coerce(value interface{}, target types.FieldType) (interface{}, bool) {
	switch target {
	case types.FieldString:
		switch v := value.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(v), true
		case int64:
			return strconv.FormatInt(v, 10), true
		}
		return nil, false

	case types.FieldInt:
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) {
				return int64(v), true
			}
			return nil, false
		case int:
			return int64(v), true
		case int64:
			return v, true
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, true
			}
			// A float-shaped string still coerces when it is whole.
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f == math.Trunc(f) {
				return int64(f), true
			}
			return nil, false
		}
		return nil, false

	case types.FieldFloat:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
			return nil, false
		}
		return nil, false

	case types.FieldBool:
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
			return nil, false
		}
		return nil, false

	case types.FieldObject:
		_, ok := value.(map[string]interface{})
		return value, ok

	case types.FieldArray:
		_, ok := value.([]interface{})
		return value, ok
	}

	// Unknown target type accepts anything.
	return value, true
}

// numericValue extracts a float64 from any numeric JSON value, including
// numeric strings (so unit-drift checks see "19.99" and 19.99 alike).
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
