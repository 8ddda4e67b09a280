package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"toolmend/internal/types"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"user_id": "abc123",
		"payment": map[string]interface{}{
			"amount_cents": float64(1999),
			"currency":     "USD",
		},
		"tags": []interface{}{"a", "b"},
	}

	flat := Flatten(payload)
	assert.Equal(t, "abc123", flat["user_id"])
	assert.Equal(t, float64(1999), flat["payment.amount_cents"])
	assert.Equal(t, []interface{}{"a", "b"}, flat["tags"], "arrays are leaves")

	assert.Equal(t, payload, Unflatten(flat))
}

func TestInferType(t *testing.T) {
	assert.Equal(t, types.FieldString, InferType("x"))
	assert.Equal(t, types.FieldBool, InferType(true))
	assert.Equal(t, types.FieldInt, InferType(float64(3)), "whole JSON numbers read as int")
	assert.Equal(t, types.FieldFloat, InferType(3.5))
	assert.Equal(t, types.FieldArray, InferType([]interface{}{}))
	assert.Equal(t, types.FieldObject, InferType(map[string]interface{}{}))
}

func TestCoerceTolerance(t *testing.T) {
	v, ok := Coerce("1999", types.FieldInt)
	assert.True(t, ok)
	assert.Equal(t, int64(1999), v)

	v, ok = Coerce("19.99", types.FieldFloat)
	assert.True(t, ok)
	assert.Equal(t, 19.99, v)

	v, ok = Coerce(float64(5), types.FieldInt)
	assert.True(t, ok)
	assert.Equal(t, int64(5), v)

	_, ok = Coerce(5.5, types.FieldInt)
	assert.False(t, ok, "fractional float to int is lossy")

	v, ok = Coerce("true", types.FieldBool)
	assert.True(t, ok)
	assert.Equal(t, true, v)

	_, ok = Coerce("not a number", types.FieldInt)
	assert.False(t, ok)
}
