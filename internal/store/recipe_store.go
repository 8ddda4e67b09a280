// Package store - transformation recipe persistence.
// Recipes are created on first need, promoted to trusted above a
// success-rate threshold, and demoted below it. Counter updates are pure
// SQL increments so concurrent outcomes merge correctly.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// GetRecipe returns the best recipe for a concept pair, or nil when none
// exists. When several recipes map the same pair, arbitration policy is
// highest success rate, ties broken by most recent update.
func (s *KnowledgeStore) GetRecipe(sourceConcept, targetConcept string) (*types.TransformRecipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, source_concept, target_concept, kind, factor, round,
		       COALESCE(target_type, ''), COALESCE(program, ''),
		       success_count, failure_count, trusted, created_at, updated_at
		FROM recipes
		WHERE source_concept = ? AND target_concept = ?
		ORDER BY (CAST(success_count AS REAL) / MAX(success_count + failure_count, 1)) DESC,
		         updated_at DESC
		LIMIT 1`, sourceConcept, targetConcept)

	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipe(row rowScanner) (*types.TransformRecipe, error) {
	var r types.TransformRecipe
	var round, trusted int
	err := row.Scan(&r.ID, &r.SourceConcept, &r.TargetConcept, &r.Kind,
		&r.Factor, &round, &r.TargetType, &r.Program,
		&r.SuccessCount, &r.FailureCount, &trusted, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Round = round != 0
	r.Trusted = trusted != 0
	return &r, nil
}

// GetRecipeByID loads a single recipe.
func (s *KnowledgeStore) GetRecipeByID(id string) (*types.TransformRecipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, source_concept, target_concept, kind, factor, round,
		       COALESCE(target_type, ''), COALESCE(program, ''),
		       success_count, failure_count, trusted, created_at, updated_at
		FROM recipes WHERE id = ?`, id)

	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// PutRecipe inserts a new recipe or updates the deterministic body of an
// existing one (same concept pair + kind). Counters are preserved.
func (s *KnowledgeStore) PutRecipe(r *types.TransformRecipe) (*types.TransformRecipe, error) {
	timer := logging.StartTimer(logging.CategoryStore, "PutRecipe")
	defer timer.Stop()

	if r == nil || r.SourceConcept == "" || r.TargetConcept == "" {
		return nil, fmt.Errorf("%w: recipe requires source and target concepts", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	round, trusted := 0, 0
	if r.Round {
		round = 1
	}
	if r.Trusted {
		trusted = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO recipes
		(id, source_concept, target_concept, kind, factor, round, target_type, program,
		 success_count, failure_count, trusted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_concept, target_concept, kind) DO UPDATE SET
			factor = excluded.factor,
			round = excluded.round,
			target_type = excluded.target_type,
			program = excluded.program,
			updated_at = excluded.updated_at`,
		r.ID, r.SourceConcept, r.TargetConcept, string(r.Kind), r.Factor, round,
		string(r.TargetType), r.Program, r.SuccessCount, r.FailureCount, trusted,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
	}

	logging.StoreDebug("Stored recipe %s: %s -> %s (%s)", r.ID, r.SourceConcept, r.TargetConcept, r.Kind)
	return s.recipeByConceptsLocked(r.SourceConcept, r.TargetConcept, string(r.Kind))
}

func (s *KnowledgeStore) recipeByConceptsLocked(source, target, kind string) (*types.TransformRecipe, error) {
	row := s.db.QueryRow(`
		SELECT id, source_concept, target_concept, kind, factor, round,
		       COALESCE(target_type, ''), COALESCE(program, ''),
		       success_count, failure_count, trusted, created_at, updated_at
		FROM recipes
		WHERE source_concept = ? AND target_concept = ? AND kind = ?`, source, target, kind)
	return scanRecipe(row)
}

// RecordRecipeOutcome increments the success or failure counter and
// recomputes trust against the given policy thresholds. Increments are
// commutative, so concurrent outcomes for the same recipe never clobber.
func (s *KnowledgeStore) RecordRecipeOutcome(id string, success bool, trustThreshold float64, minApplications int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := "failure_count"
	if success {
		col = "success_count"
	}

	res, err := s.db.Exec(fmt.Sprintf(`
		UPDATE recipes SET %s = %s + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, col, col), id)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recipe %s not found", id)
	}

	// Recompute trust from the committed counters.
	_, err = s.db.Exec(`
		UPDATE recipes SET trusted = CASE
			WHEN success_count + failure_count >= ?
			     AND CAST(success_count AS REAL) / (success_count + failure_count) >= ?
			THEN 1 ELSE 0 END
		WHERE id = ?`, minApplications, trustThreshold, id)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
	}

	return nil
}

// ListRecipes returns all recipes, optionally filtered to trusted ones.
func (s *KnowledgeStore) ListRecipes(trustedOnly bool) ([]*types.TransformRecipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source_concept, target_concept, kind, factor, round,
		       COALESCE(target_type, ''), COALESCE(program, ''),
		       success_count, failure_count, trusted, created_at, updated_at
		FROM recipes`
	if trustedOnly {
		query += " WHERE trusted = 1"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TransformRecipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
