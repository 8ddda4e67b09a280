package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/store"
	"toolmend/internal/types"
)

// fakeEmbedder hashes text into a tiny fixed vector.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 4 }
func (f *fakeEmbedder) Name() string    { return "fake" }

// fakeSearcher records the query it received and returns scripted entries.
type fakeSearcher struct {
	gotFilters store.QueryFilters
	gotK       int
	entries    []store.ScoredEntry
	err        error
}

func (f *fakeSearcher) Query(ctx context.Context, queryVec []float32, filters store.QueryFilters, k int) ([]store.ScoredEntry, error) {
	f.gotFilters = filters
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestRetrieveValidatesTopK(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{})

	_, err := e.Retrieve(context.Background(), "query", "", 0)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = e.Retrieve(context.Background(), "query", "", -3)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{})

	_, err := e.Retrieve(context.Background(), "   ", "", 5)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRetrieveCapsTopK(t *testing.T) {
	searcher := &fakeSearcher{}
	e := New(searcher, &fakeEmbedder{}, WithMaxTopK(10))

	_, err := e.Retrieve(context.Background(), "query", "payment_tool", 500)
	require.NoError(t, err)
	assert.Equal(t, 10, searcher.gotK)
	assert.Equal(t, "payment_tool", searcher.gotFilters.ToolID)
}

func TestRetrieveEmptyResultIsNotAnError(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{})

	results, err := e.Retrieve(context.Background(), "nothing matches", "", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveWrapsEmbedFailure(t *testing.T) {
	e := New(&fakeSearcher{}, &fakeEmbedder{err: errors.New("connection refused")})

	_, err := e.Retrieve(context.Background(), "query", "", 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
}

func TestRetrieveWrapsSearchFailure(t *testing.T) {
	e := New(&fakeSearcher{err: errors.New("db locked")}, &fakeEmbedder{})

	_, err := e.Retrieve(context.Background(), "query", "", 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
}

// stalledEmbedder blocks until the caller's context expires.
type stalledEmbedder struct{}

func (s *stalledEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledEmbedder) Dimensions() int { return 4 }
func (s *stalledEmbedder) Name() string    { return "stalled" }

func TestRetrieveTimesOutStalledEmbedder(t *testing.T) {
	e := New(&fakeSearcher{}, &stalledEmbedder{}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := e.Retrieve(context.Background(), "query", "", 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second, "timeout did not bound the call")

	start = time.Now()
	_, err = e.RetrieveRecipes(context.Background(), "amt", "amount_cents", "", 5)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetrieveRecipesFiltersByKind(t *testing.T) {
	searcher := &fakeSearcher{
		entries: []store.ScoredEntry{
			{Entry: store.KnowledgeEntry{ID: "e1", Kind: store.EntryRecipe, RefID: "r1"}, Score: 0.9},
		},
	}
	e := New(searcher, &fakeEmbedder{})

	results, err := e.RetrieveRecipes(context.Background(), "amt", "amount_cents", "payment_tool", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].Entry.RefID)
	assert.Equal(t, store.EntryRecipe, searcher.gotFilters.Kind)
	assert.Equal(t, "payment_tool", searcher.gotFilters.ToolID)
}
