package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/types"
)

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)
		assert.Equal(t, "amount in cents", req.Prompt)

		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "", 5*time.Second)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "amount in cents")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOllamaEmbedErrorsWrapRetrievalUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e, err := NewOllamaEngine(srv.URL, "", time.Second)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "anything")
	assert.True(t, errors.Is(err, types.ErrRetrievalUnavailable), "got %v", err)

	// Unreachable server: same classification.
	srv.Close()
	_, err = e.Embed(context.Background(), "anything")
	assert.True(t, errors.Is(err, types.ErrRetrievalUnavailable), "got %v", err)
}

func TestOllamaRequestTimeoutBoundsSlowServer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e, err := NewOllamaEngine(srv.URL, "", 50*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Embed(context.Background(), "anything")
	assert.True(t, errors.Is(err, types.ErrRetrievalUnavailable), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOllamaDimensionsPerModel(t *testing.T) {
	e, err := NewOllamaEngine("", "all-minilm", 0)
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimensions())

	e, err = NewOllamaEngine("", "some-unknown-model", 0)
	require.NoError(t, err)
	assert.Equal(t, 768, e.Dimensions())
	assert.Equal(t, "ollama:some-unknown-model", e.Name())
}
