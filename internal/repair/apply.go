// Package repair - closed-form recipe application over flattened payloads.
package repair

import (
	"fmt"
	"math"

	"toolmend/internal/detector"
	"toolmend/internal/types"
)

// applyClosedForm applies a rename, scale, or coerce recipe to the flattened
// payload in place. Returns false when the source path is absent or the
// recipe kind needs the sandbox.
func applyClosedForm(flat map[string]interface{}, recipe *types.TransformRecipe, source, target string) (bool, error) {
	value, present := flat[source]
	if !present {
		return false, nil
	}

	switch recipe.Kind {
	case types.RecipeRename:
		flat[target] = value

	case types.RecipeScale:
		n, ok := numericValue(value)
		if !ok {
			return false, fmt.Errorf("scale recipe %s needs a numeric value, got %T", recipe.ID, value)
		}
		scaled := n * recipe.Factor
		if recipe.Round {
			flat[target] = int64(math.Round(scaled))
		} else {
			flat[target] = scaled
		}

	case types.RecipeCoerce:
		coerced, ok := detector.Coerce(value, recipe.TargetType)
		if !ok {
			return false, fmt.Errorf("coerce recipe %s: %v does not coerce to %s", recipe.ID, value, recipe.TargetType)
		}
		flat[target] = coerced

	default:
		return false, nil
	}

	if source != target {
		delete(flat, source)
	}
	return true, nil
}

// numericValue extracts a float64 from the JSON-shaped scalar types plus
// numeric strings, mirroring the detector's tolerance.
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		coerced, ok := detector.Coerce(v, types.FieldFloat)
		if !ok {
			return 0, false
		}
		f, ok := coerced.(float64)
		return f, ok
	default:
		return 0, false
	}
}
