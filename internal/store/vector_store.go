// Package store - embedded knowledge entries for similarity retrieval.
// Entries are embedded on write; queries run cosine similarity over the
// stored vectors with structured filters applied first.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolmend/internal/embedding"
	"toolmend/internal/logging"
)

// EntryKind classifies a knowledge entry for structured filtering.
type EntryKind string

const (
	EntryContractNote EntryKind = "contract_note" // field semantics, e.g. "amount_cents is integer cents"
	EntryRecipe       EntryKind = "recipe"        // retrievable recipe description
	EntryTraceSummary EntryKind = "trace_summary" // distilled outcome of a past repair
)

// KnowledgeEntry is one retrievable unit of learned knowledge.
type KnowledgeEntry struct {
	ID          string                 `json:"id"`
	Kind        EntryKind              `json:"kind"`
	ToolID      string                 `json:"tool_id,omitempty"`
	RefID       string                 `json:"ref_id,omitempty"` // recipe/trace/contract-version ID this entry points at
	Content     string                 `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SuccessRate float64                `json:"success_rate"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ScoredEntry pairs an entry with its similarity to a query.
type ScoredEntry struct {
	Entry KnowledgeEntry `json:"entry"`
	Score float64        `json:"score"` // cosine similarity in [-1,1]
}

// QueryFilters narrows a similarity query before ranking.
type QueryFilters struct {
	Kind   EntryKind // empty matches all kinds
	ToolID string    // empty matches all tools
}

// PutEntry stores a knowledge entry, generating its embedding on write.
// Entries without an embedding engine are stored unembedded and will only
// match exact-filter queries.
func (s *KnowledgeStore) PutEntry(ctx context.Context, entry *KnowledgeEntry) error {
	timer := logging.StartTimer(logging.CategoryStore, "PutEntry")
	defer timer.Stop()

	if entry == nil || entry.Content == "" {
		return fmt.Errorf("knowledge entry requires content")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var embeddingJSON interface{}
	if s.embedEngine != nil {
		vec, err := s.embedEngine.Embed(ctx, entry.Content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		data, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		embeddingJSON = string(data)
	}

	metaJSON, _ := json.Marshal(entry.Metadata)

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO knowledge_entries
		(id, kind, tool_id, ref_id, content, metadata, embedding, success_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), entry.ToolID, entry.RefID, entry.Content,
		string(metaJSON), embeddingJSON, entry.SuccessRate, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store knowledge entry: %w", err)
	}

	logging.StoreDebug("Stored knowledge entry %s (kind=%s tool=%s)", entry.ID, entry.Kind, entry.ToolID)
	return nil
}

// UpdateEntrySuccessRate refreshes the historical success rate used for
// tie-breaking in retrieval.
func (s *KnowledgeStore) UpdateEntrySuccessRate(refID string, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE knowledge_entries SET success_rate = ? WHERE ref_id = ?", rate, refID)
	return err
}

// Query ranks stored entries against a query embedding. Filters are applied
// before ranking; k caps the result size. Pure read, no side effects.
func (s *KnowledgeStore) Query(ctx context.Context, queryVec []float32, filters QueryFilters, k int) ([]ScoredEntry, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Query")
	defer timer.Stop()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, COALESCE(tool_id, ''), COALESCE(ref_id, ''), content,
		       COALESCE(metadata, ''), COALESCE(embedding, ''), success_rate, created_at
		FROM knowledge_entries
		WHERE embedding IS NOT NULL`
	args := []interface{}{}

	if filters.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filters.Kind))
	}
	if filters.ToolID != "" {
		query += " AND (tool_id = ? OR tool_id = '')"
		args = append(args, filters.ToolID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []KnowledgeEntry
	var vectors [][]float32
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var e KnowledgeEntry
		var metaJSON, embeddingJSON string
		if err := rows.Scan(&e.ID, &e.Kind, &e.ToolID, &e.RefID, &e.Content,
			&metaJSON, &embeddingJSON, &e.SuccessRate, &e.CreatedAt); err != nil {
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue
		}

		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}

		entries = append(entries, e)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Similarity ranking runs over the whole candidate set; dimension
	// mismatches (entries embedded under an older model) are skipped inside
	// FindTopK. Ties get broken afterwards by recency and success rate.
	ranked, err := embedding.FindTopK(queryVec, vectors, len(vectors))
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredEntry, 0, len(ranked))
	for _, r := range ranked {
		scored = append(scored, ScoredEntry{Entry: entries[r.Index], Score: r.Similarity})
	}
	sortScored(scored)

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// sortScored orders by similarity descending; ties break by recency, then
// by historical success rate of the entry.
func sortScored(scored []ScoredEntry) {
	const epsilon = 1e-9
	for i := 0; i < len(scored); i++ {
		for j := i + 1; j < len(scored); j++ {
			if scoredLess(scored[i], scored[j], epsilon) {
				scored[i], scored[j] = scored[j], scored[i]
			}
		}
	}
}

func scoredLess(a, b ScoredEntry, epsilon float64) bool {
	if b.Score-a.Score > epsilon {
		return true
	}
	if a.Score-b.Score > epsilon {
		return false
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
	}
	return a.Entry.SuccessRate < b.Entry.SuccessRate
}
