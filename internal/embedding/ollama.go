package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// =============================================================================
// OLLAMA EMBEDDING ENGINE
// =============================================================================

// OllamaEngine generates embeddings through a local Ollama server. A failed
// or slow Ollama is a retrieval-degradation event, never a hard fault, so
// every error wraps ErrRetrievalUnavailable for callers to classify.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

// ollamaModelDimensions maps the embedding models toolmend has been run
// against to their output width. Unlisted models fall back to 768.
var ollamaModelDimensions = map[string]int{
	"embeddinggemma":   768,
	"nomic-embed-text": 768,
	"all-minilm":       384,
}

// NewOllamaEngine creates an Ollama embedding engine. The timeout bounds
// each HTTP request; callers pass the retrieval timeout so one slow embed
// cannot stall a validation longer than retrieval itself is allowed to.
func NewOllamaEngine(endpoint, model string, timeout time.Duration) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal embed request: %v", types.ErrRetrievalUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build embed request: %v", types.ErrRetrievalUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("Ollama embed request failed: %v", err)
		return nil, fmt.Errorf("%w: ollama request: %v", types.ErrRetrievalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logging.Get(logging.CategoryEmbedding).Warn("Ollama embed returned %d: %s", resp.StatusCode, body)
		return nil, fmt.Errorf("%w: ollama status %d: %s", types.ErrRetrievalUnavailable, resp.StatusCode, body)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode embed response: %v", types.ErrRetrievalUnavailable, err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: ollama returned an empty embedding for model %s",
			types.ErrRetrievalUnavailable, e.model)
	}

	logging.EmbeddingDebug("Embedded %d chars via %s (%d dims)", len(text), e.Name(), len(result.Embedding))
	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no batch
// endpoint, so the batch fans out sequentially and fails on the first error.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Dimensions returns the dimensionality of embeddings for the configured
// model.
func (e *OllamaEngine) Dimensions() int {
	if d, ok := ollamaModelDimensions[e.model]; ok {
		return d
	}
	return 768
}

// Name returns the engine name.
func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}
