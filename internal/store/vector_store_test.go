package store

import (
	"context"
	"testing"
)

// axisEmbedder maps known phrases onto fixed 3-dim vectors so ranking is
// deterministic without a real embedding server.
type axisEmbedder struct {
	vecs map[string][]float32
}

func (a *axisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := a.vecs[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func (a *axisEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := a.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (a *axisEmbedder) Dimensions() int { return 3 }
func (a *axisEmbedder) Name() string    { return "axis" }

func TestQueryRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	s.SetEmbeddingEngine(&axisEmbedder{vecs: map[string][]float32{
		"amount in integer cents": {1, 0, 0},
		"currency code":           {0, 1, 0},
		"close to amount":         {0.9, 0.1, 0},
	}})

	ctx := context.Background()
	for _, content := range []string{"amount in integer cents", "currency code", "close to amount"} {
		err := s.PutEntry(ctx, &KnowledgeEntry{
			Kind:    EntryContractNote,
			ToolID:  "payment_tool",
			Content: content,
		})
		if err != nil {
			t.Fatalf("put entry %q: %v", content, err)
		}
	}

	scored, err := s.Query(ctx, []float32{1, 0, 0}, QueryFilters{ToolID: "payment_tool"}, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d results, want 2", len(scored))
	}
	if scored[0].Entry.Content != "amount in integer cents" {
		t.Errorf("best hit = %q, want the exact match", scored[0].Entry.Content)
	}
	if scored[1].Entry.Content != "close to amount" {
		t.Errorf("second hit = %q, want the near match", scored[1].Entry.Content)
	}
	if scored[0].Score < scored[1].Score {
		t.Errorf("scores out of order: %g < %g", scored[0].Score, scored[1].Score)
	}
}

func TestQuerySkipsEntriesWithStaleDimensions(t *testing.T) {
	s := newTestStore(t)

	// First entry embedded under a 2-dim model, second under the current
	// 3-dim one. The stale vector must be skipped, not break the query.
	s.SetEmbeddingEngine(&axisEmbedder{vecs: map[string][]float32{
		"old entry": {1, 0},
	}})
	if err := s.PutEntry(context.Background(), &KnowledgeEntry{Kind: EntryContractNote, Content: "old entry"}); err != nil {
		t.Fatalf("put old entry: %v", err)
	}

	s.SetEmbeddingEngine(&axisEmbedder{vecs: map[string][]float32{
		"new entry": {1, 0, 0},
	}})
	if err := s.PutEntry(context.Background(), &KnowledgeEntry{Kind: EntryContractNote, Content: "new entry"}); err != nil {
		t.Fatalf("put new entry: %v", err)
	}

	scored, err := s.Query(context.Background(), []float32{1, 0, 0}, QueryFilters{}, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(scored) != 1 {
		t.Fatalf("got %d results, want only the current-model entry", len(scored))
	}
	if scored[0].Entry.Content != "new entry" {
		t.Errorf("hit = %q, want %q", scored[0].Entry.Content, "new entry")
	}
}
