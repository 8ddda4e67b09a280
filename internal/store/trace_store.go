// Package store - execution trace persistence.
// Traces are immutable once written: they are the evidence base for every
// confidence update, so the learning loop must be able to re-derive any
// contract belief from them.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// RecordTrace persists one execution trace. The trace must carry an ID;
// duplicate IDs are rejected (traces are never overwritten).
func (s *KnowledgeStore) RecordTrace(trace *types.ExecutionTrace) error {
	timer := logging.StartTimer(logging.CategoryStore, "RecordTrace")
	defer timer.Stop()

	if trace == nil || trace.ID == "" || trace.ToolID == "" {
		return fmt.Errorf("%w: trace requires id and tool_id", types.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	originalJSON, err := json.Marshal(trace.OriginalPayload)
	if err != nil {
		return fmt.Errorf("failed to serialize original payload: %w", err)
	}

	var reportJSON, finalJSON []byte
	if trace.Report != nil {
		reportJSON, _ = json.Marshal(trace.Report)
	}
	if trace.FinalPayload != nil {
		finalJSON, _ = json.Marshal(trace.FinalPayload)
	}
	fieldsJSON, _ := json.Marshal(trace.FieldsTouched)
	recipesJSON, _ := json.Marshal(trace.RecipesApplied)

	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO execution_traces
		(id, tool_id, session_id, original_payload, report_json, strategy,
		 final_payload, outcome, error_code, http_status, fields_touched,
		 recipes_applied, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.ToolID, trace.SessionID, string(originalJSON),
		nullableString(reportJSON), trace.Strategy, nullableString(finalJSON),
		string(trace.Outcome), trace.ErrorCode, trace.HTTPStatus,
		string(fieldsJSON), string(recipesJSON), trace.LatencyMs, trace.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
	}

	logging.StoreDebug("Recorded trace %s: tool=%s outcome=%s strategy=%s",
		trace.ID, trace.ToolID, trace.Outcome, trace.Strategy)
	return nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// GetTraces returns the newest traces for a tool.
func (s *KnowledgeStore) GetTraces(toolID string, limit int) ([]*types.ExecutionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, tool_id, COALESCE(session_id, ''), original_payload,
		       COALESCE(report_json, ''), COALESCE(strategy, ''),
		       COALESCE(final_payload, ''), outcome, COALESCE(error_code, ''),
		       http_status, COALESCE(fields_touched, ''), COALESCE(recipes_applied, ''),
		       latency_ms, created_at
		FROM execution_traces
		WHERE tool_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, toolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ExecutionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrace(rows rowScanner) (*types.ExecutionTrace, error) {
	var t types.ExecutionTrace
	var originalJSON, reportJSON, finalJSON, fieldsJSON, recipesJSON string

	err := rows.Scan(&t.ID, &t.ToolID, &t.SessionID, &originalJSON, &reportJSON,
		&t.Strategy, &finalJSON, &t.Outcome, &t.ErrorCode, &t.HTTPStatus,
		&fieldsJSON, &recipesJSON, &t.LatencyMs, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(originalJSON), &t.OriginalPayload)
	if reportJSON != "" {
		json.Unmarshal([]byte(reportJSON), &t.Report)
	}
	if finalJSON != "" {
		json.Unmarshal([]byte(finalJSON), &t.FinalPayload)
	}
	if fieldsJSON != "" {
		json.Unmarshal([]byte(fieldsJSON), &t.FieldsTouched)
	}
	if recipesJSON != "" {
		json.Unmarshal([]byte(recipesJSON), &t.RecipesApplied)
	}
	return &t, nil
}

// TracesForField returns traces that reference the exact tool+field path.
// Confidence computation must only consume traces from this query; anything
// broader would contaminate a field's evidence with another tool's history.
func (s *KnowledgeStore) TracesForField(toolID, fieldPath string, limit int) ([]*types.ExecutionTrace, error) {
	all, err := s.GetTraces(toolID, limit)
	if err != nil {
		return nil, err
	}

	var out []*types.ExecutionTrace
	for _, t := range all {
		for _, f := range t.FieldsTouched {
			if f == fieldPath {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// BumpMismatchCount increments the persistent counter for one observed
// field mismatch and returns the new count. The feedback writer uses the
// count to decide when a repeated mismatch should pre-empt future detection
// by updating the contract itself.
func (s *KnowledgeStore) BumpMismatchCount(toolID, fieldPath string, kind types.ViolationKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO mismatch_counts (tool_id, field_path, kind, count, last_seen)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(tool_id, field_path, kind) DO UPDATE SET
			count = count + 1,
			last_seen = CURRENT_TIMESTAMP`,
		toolID, fieldPath, string(kind))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStoreWriteFailed, err)
	}

	var count int
	err = s.db.QueryRow(`
		SELECT count FROM mismatch_counts
		WHERE tool_id = ? AND field_path = ? AND kind = ?`,
		toolID, fieldPath, string(kind)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
