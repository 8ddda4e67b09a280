// Package retrieval turns a contextual need ("what does field X mean for
// tool Y") into a ranked set of knowledge store entries via vector
// similarity plus structured filters. Pure read: retrieval never mutates
// the store.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"toolmend/internal/embedding"
	"toolmend/internal/logging"
	"toolmend/internal/store"
	"toolmend/internal/types"
)

// EntrySearcher is the slice of the knowledge store retrieval reads from.
type EntrySearcher interface {
	Query(ctx context.Context, queryVec []float32, filters store.QueryFilters, k int) ([]store.ScoredEntry, error)
}

// Engine ranks knowledge entries by semantic similarity.
type Engine struct {
	searcher EntrySearcher
	embedder embedding.Engine
	maxTopK  int
	timeout  time.Duration
}

// Option configures the retrieval engine.
type Option func(*Engine)

// WithMaxTopK caps how many results a single retrieval may return.
func WithMaxTopK(max int) Option {
	return func(e *Engine) {
		if max > 0 {
			e.maxTopK = max
		}
	}
}

// WithTimeout bounds each retrieval's external calls (embedding plus the
// store query). A retrieval that outlives the bound degrades to
// ErrRetrievalUnavailable instead of stalling the caller.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates a retrieval engine over the given searcher and embedder.
func New(searcher EntrySearcher, embedder embedding.Engine, opts ...Option) *Engine {
	e := &Engine{
		searcher: searcher,
		embedder: embedder,
		maxTopK:  20,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is one ranked retrieval hit.
type Result struct {
	Entry store.KnowledgeEntry `json:"entry"`
	Score float64              `json:"score"` // cosine similarity in [-1,1]
}

// Retrieve returns the topK entries most similar to queryText, optionally
// scoped to one tool. topK must be positive and is capped at the engine's
// maximum. Zero matches returns an empty list, not an error: callers treat
// empty retrieval as "operate without grounding".
func (e *Engine) Retrieve(ctx context.Context, queryText, toolScope string, topK int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", types.ErrInvalidInput, topK)
	}
	if topK > e.maxTopK {
		topK = e.maxTopK
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: empty query text", types.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	queryVec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: embed failed: %v", types.ErrRetrievalUnavailable, err)
	}

	scored, err := e.searcher.Query(ctx, queryVec, store.QueryFilters{ToolID: toolScope}, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRetrievalUnavailable, err)
	}

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		results = append(results, Result{Entry: s.Entry, Score: s.Score})
	}

	logging.RetrievalDebug("Retrieve(%q, tool=%s, k=%d) -> %d hits", queryText, toolScope, topK, len(results))
	return results, nil
}

// RetrieveRecipes ranks recipe entries for a concept pair. Used by the
// RetrievedRecipe repair strategy; the returned entries carry the recipe ID
// in RefID.
func (e *Engine) RetrieveRecipes(ctx context.Context, sourceConcept, targetConcept, toolScope string, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", types.ErrInvalidInput, topK)
	}
	if topK > e.maxTopK {
		topK = e.maxTopK
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	queryText := fmt.Sprintf("transform %s into %s", sourceConcept, targetConcept)
	queryVec, err := e.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: embed failed: %v", types.ErrRetrievalUnavailable, err)
	}

	scored, err := e.searcher.Query(ctx, queryVec, store.QueryFilters{
		Kind:   store.EntryRecipe,
		ToolID: toolScope,
	}, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRetrievalUnavailable, err)
	}

	results := make([]Result, 0, len(scored))
	for _, s := range scored {
		results = append(results, Result{Entry: s.Entry, Score: s.Score})
	}
	return results, nil
}
