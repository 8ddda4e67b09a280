package repair

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/types"
)

func TestApplyClosedFormRename(t *testing.T) {
	flat := map[string]interface{}{"user": "abc123"}
	recipe := &types.TransformRecipe{ID: "r1", Kind: types.RecipeRename}

	ok, err := applyClosedForm(flat, recipe, "user", "user_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", flat["user_id"])
	assert.NotContains(t, flat, "user")
}

func TestApplyClosedFormScaleRounds(t *testing.T) {
	flat := map[string]interface{}{"amt": "19.99"}
	recipe := &types.TransformRecipe{ID: "r2", Kind: types.RecipeScale, Factor: 100, Round: true}

	ok, err := applyClosedForm(flat, recipe, "amt", "amount_cents")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1999), flat["amount_cents"])
}

func TestApplyClosedFormScaleRejectsNonNumeric(t *testing.T) {
	flat := map[string]interface{}{"amt": true}
	recipe := &types.TransformRecipe{ID: "r3", Kind: types.RecipeScale, Factor: 100}

	ok, err := applyClosedForm(flat, recipe, "amt", "amount_cents")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestApplyClosedFormCoerce(t *testing.T) {
	flat := map[string]interface{}{"count": "42"}
	recipe := &types.TransformRecipe{ID: "r4", Kind: types.RecipeCoerce, TargetType: types.FieldInt}

	ok, err := applyClosedForm(flat, recipe, "count", "count")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), flat["count"])
}

func TestApplyClosedFormMissingSourceIsNoop(t *testing.T) {
	flat := map[string]interface{}{"other": 1}
	recipe := &types.TransformRecipe{ID: "r5", Kind: types.RecipeRename}

	ok, err := applyClosedForm(flat, recipe, "user", "user_id")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string]interface{}{"other": 1}, flat)
}

// Applying a recipe to identical inputs must yield identical outputs, and
// applying it again after it already fired must not change the payload
// further (the source path is gone, so the second pass is a no-op).
func TestApplyClosedFormIsIdempotent(t *testing.T) {
	recipe := &types.TransformRecipe{ID: "r6", Kind: types.RecipeScale, Factor: 100, Round: true}

	first := map[string]interface{}{"amt": "19.99"}
	second := map[string]interface{}{"amt": "19.99"}

	ok, err := applyClosedForm(first, recipe, "amt", "amount_cents")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = applyClosedForm(second, recipe, "amt", "amount_cents")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, second)

	ok, err = applyClosedForm(first, recipe, "amt", "amount_cents")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, second, first)
}
