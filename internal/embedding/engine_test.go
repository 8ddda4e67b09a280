package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0, 0}, []float32{-1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Error(t, err)

	// Zero vectors have no direction: similarity is defined as 0.
	sim, err = CosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)
}

func TestFindTopKOrdersByDescendingSimilarity(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},       // orthogonal
		{1, 0, 0},       // identical
		{0.7, 0.7, 0},   // diagonal
		{-1, 0, 0},      // opposite
	}

	results, err := FindTopK(query, corpus, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Similarity, results[i-1].Similarity)
	}
}

func TestFindTopKSkipsMismatchedDimensions(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{1, 0},    // wrong width, skipped
		{1, 0, 0}, // usable
	}

	results, err := FindTopK(query, corpus, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Index)
}
