// Package store - append-only tool contract persistence.
// Contracts are never deleted: every upsert appends a new version linked to
// the previous one, so past beliefs stay auditable.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// GetContract returns the latest committed contract version for a tool, or
// types.ErrContractNotFound when no version exists.
func (s *KnowledgeStore) GetContract(toolID string) (*types.ToolContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getContractLocked(toolID)
}

func (s *KnowledgeStore) getContractLocked(toolID string) (*types.ToolContract, error) {
	row := s.db.QueryRow(`
		SELECT version_id, tool_id, version, COALESCE(prev_id, ''), fields_json, updated_at
		FROM contract_versions
		WHERE tool_id = ?
		ORDER BY version DESC
		LIMIT 1`, toolID)

	return scanContract(row)
}

func scanContract(row *sql.Row) (*types.ToolContract, error) {
	var c types.ToolContract
	var fieldsJSON string

	err := row.Scan(&c.VersionID, &c.ToolID, &c.Version, &c.PrevID, &fieldsJSON, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
		return nil, fmt.Errorf("corrupt contract fields for %s: %w", c.ToolID, err)
	}

	return &c, nil
}

// GetContractVersion returns a specific historical version.
func (s *KnowledgeStore) GetContractVersion(toolID string, version int64) (*types.ToolContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT version_id, tool_id, version, COALESCE(prev_id, ''), fields_json, updated_at
		FROM contract_versions
		WHERE tool_id = ? AND version = ?`, toolID, version)

	return scanContract(row)
}

// ContractHistory returns all versions for a tool, newest first.
func (s *KnowledgeStore) ContractHistory(toolID string, limit int) ([]*types.ToolContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT version_id, tool_id, version, COALESCE(prev_id, ''), fields_json, updated_at
		FROM contract_versions
		WHERE tool_id = ?
		ORDER BY version DESC
		LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query contract history: %w", err)
	}
	defer rows.Close()

	var out []*types.ToolContract
	for rows.Next() {
		var c types.ToolContract
		var fieldsJSON string
		if err := rows.Scan(&c.VersionID, &c.ToolID, &c.Version, &c.PrevID, &fieldsJSON, &c.UpdatedAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &c.Fields); err != nil {
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListToolIDs returns every tool with at least one contract version.
func (s *KnowledgeStore) ListToolIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT tool_id FROM contract_versions ORDER BY tool_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertContract merges a contract delta into the latest version and appends
// the result as a new version. Field deltas merge as follows: counters and
// observation envelopes add (commutative), scalar beliefs (type, required,
// unit) take the delta's value, unknown fields are inserted. Returns the
// newly committed version.
func (s *KnowledgeStore) UpsertContract(delta *types.ToolContract) (*types.ToolContract, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertContract")
	defer timer.Stop()

	if delta == nil || delta.ToolID == "" {
		return nil, fmt.Errorf("%w: contract delta requires tool_id", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getContractLocked(delta.ToolID)
	if err != nil && !errors.Is(err, types.ErrContractNotFound) {
		return nil, err
	}

	next := mergeContract(current, delta)
	next.VersionID = uuid.NewString()
	next.UpdatedAt = time.Now().UTC()
	if current != nil {
		next.Version = current.Version + 1
		next.PrevID = current.VersionID
	} else {
		next.Version = 1
	}

	fieldsJSON, err := json.Marshal(next.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize contract fields: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO contract_versions (version_id, tool_id, version, prev_id, fields_json, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		next.VersionID, next.ToolID, next.Version, next.PrevID, string(fieldsJSON), next.UpdatedAt)
	if err != nil {
		// Concurrent writer won the (tool_id, version) slot: retry once on
		// top of its version. Increment merges are commutative so the
		// combined result is the same either way.
		current, rerr := s.getContractLocked(delta.ToolID)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
		}
		next = mergeContract(current, delta)
		next.VersionID = uuid.NewString()
		next.UpdatedAt = time.Now().UTC()
		next.Version = current.Version + 1
		next.PrevID = current.VersionID

		fieldsJSON, _ = json.Marshal(next.Fields)
		if _, err := s.db.Exec(`
			INSERT INTO contract_versions (version_id, tool_id, version, prev_id, fields_json, updated_at)
			VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
			next.VersionID, next.ToolID, next.Version, next.PrevID, string(fieldsJSON), next.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
		}
	}

	logging.StoreDebug("Committed contract %s v%d (%d fields)", next.ToolID, next.Version, len(next.Fields))
	return next, nil
}

// mergeContract folds a delta into the current contract (nil current means
// the delta seeds version 1).
func mergeContract(current, delta *types.ToolContract) *types.ToolContract {
	next := &types.ToolContract{
		ToolID: delta.ToolID,
		Fields: make(map[string]*types.ContractField),
	}

	if current != nil {
		for path, f := range current.Fields {
			cp := *f
			cp.EnumValues = append([]string(nil), f.EnumValues...)
			next.Fields[path] = &cp
		}
	}

	for path, df := range delta.Fields {
		cur, ok := next.Fields[path]
		if !ok {
			cp := *df
			cp.EnumValues = append([]string(nil), df.EnumValues...)
			next.Fields[path] = &cp
			continue
		}

		// Additive parts
		cur.Observations += df.Observations
		cur.EnumObservations += df.EnumObservations
		mergeEnvelope(cur, df)
		mergeEnumValues(cur, df.EnumValues)

		// Scalar beliefs: the delta speaks for the newest evidence.
		if df.Type != "" && df.Type != types.FieldUnknown {
			cur.Type = df.Type
		}
		if df.Unit != "" {
			cur.Unit = df.Unit
		}
		if !df.LastObserved.IsZero() {
			cur.LastObserved = df.LastObserved
		}
		if df.RequiredConfidence > 0 {
			cur.Required = df.Required
			cur.RequiredConfidence = df.RequiredConfidence
		}
		if df.Confidence > 0 {
			cur.Confidence = df.Confidence
		}
	}

	return next
}

// mergeEnvelope combines two numeric observation envelopes using the
// parallel form of Welford's algorithm, so merge order never matters.
func mergeEnvelope(cur, delta *types.ContractField) {
	if delta.Count == 0 {
		return
	}
	if cur.Count == 0 {
		cur.Min, cur.Max, cur.Mean, cur.M2, cur.Count = delta.Min, delta.Max, delta.Mean, delta.M2, delta.Count
		return
	}

	if delta.Min < cur.Min {
		cur.Min = delta.Min
	}
	if delta.Max > cur.Max {
		cur.Max = delta.Max
	}

	nA, nB := float64(cur.Count), float64(delta.Count)
	d := delta.Mean - cur.Mean
	total := nA + nB
	cur.M2 = cur.M2 + delta.M2 + d*d*nA*nB/total
	cur.Mean = (cur.Mean*nA + delta.Mean*nB) / total
	cur.Count += delta.Count
}

func mergeEnumValues(cur *types.ContractField, values []string) {
	for _, v := range values {
		found := false
		for _, existing := range cur.EnumValues {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			cur.EnumValues = append(cur.EnumValues, v)
			// A new value reopens the set; stability counting restarts.
			cur.EnumObservations = 0
		}
	}
}
