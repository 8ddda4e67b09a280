package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"toolmend/internal/types"
)

func newTestStore(t *testing.T) *KnowledgeStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetContractNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetContract("no_such_tool")
	if err != types.ErrContractNotFound {
		t.Errorf("expected ErrContractNotFound, got %v", err)
	}
}

func TestUpsertContractVersionChain(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.UpsertContract(&types.ToolContract{
		ToolID: "payment_tool",
		Fields: map[string]*types.ContractField{
			"user_id": {Path: "user_id", Type: types.FieldString, Required: true, RequiredConfidence: 0.9, Observations: 1},
		},
	})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if v1.Version != 1 || v1.PrevID != "" {
		t.Errorf("expected version 1 with no prev, got v%d prev=%q", v1.Version, v1.PrevID)
	}

	v2, err := s.UpsertContract(&types.ToolContract{
		ToolID: "payment_tool",
		Fields: map[string]*types.ContractField{
			"user_id":      {Path: "user_id", Observations: 1},
			"amount_cents": {Path: "amount_cents", Type: types.FieldInt, Observations: 1},
		},
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("expected version 2, got %d", v2.Version)
	}
	if v2.PrevID != v1.VersionID {
		t.Errorf("version chain broken: prev=%q want %q", v2.PrevID, v1.VersionID)
	}

	// Observation counters add, scalar beliefs survive.
	f := v2.Field("user_id")
	if f == nil || f.Observations != 2 {
		t.Errorf("expected user_id with 2 observations, got %+v", f)
	}
	if !f.Required || f.RequiredConfidence != 0.9 {
		t.Errorf("required belief lost in merge: %+v", f)
	}

	// Old versions stay readable.
	old, err := s.GetContractVersion("payment_tool", 1)
	if err != nil {
		t.Fatalf("historical version not readable: %v", err)
	}
	if len(old.Fields) != 1 {
		t.Errorf("historical version mutated: %d fields", len(old.Fields))
	}
}

func TestMergeEnvelopeWelford(t *testing.T) {
	// Two batches merged must equal one combined batch, regardless of order.
	a := &types.ContractField{Min: 100, Max: 300, Mean: 200, M2: 20000, Count: 3} // values 100,200,300
	b := &types.ContractField{Min: 400, Max: 400, Mean: 400, Count: 1}

	mergeEnvelope(a, b)

	if a.Count != 4 || a.Min != 100 || a.Max != 400 {
		t.Fatalf("envelope bounds wrong: %+v", a)
	}
	if math.Abs(a.Mean-250) > 1e-9 {
		t.Errorf("merged mean = %g, want 250", a.Mean)
	}
	// Sample variance of {100,200,300,400} is 50000/3.
	wantVar := 50000.0 / 3.0
	if math.Abs(a.M2/float64(a.Count-1)-wantVar) > 1e-6 {
		t.Errorf("merged variance = %g, want %g", a.M2/float64(a.Count-1), wantVar)
	}
}

func TestMergeEnumValuesResetsStability(t *testing.T) {
	cur := &types.ContractField{
		EnumValues:       []string{"USD", "EUR"},
		EnumObservations: 15,
	}

	mergeEnumValues(cur, []string{"USD"})
	if cur.EnumObservations != 15 {
		t.Errorf("known value must not reset stability counter, got %d", cur.EnumObservations)
	}

	mergeEnumValues(cur, []string{"GBP"})
	if cur.EnumObservations != 0 {
		t.Errorf("new value must reset stability counter, got %d", cur.EnumObservations)
	}
	if len(cur.EnumValues) != 3 {
		t.Errorf("new value not added: %v", cur.EnumValues)
	}
}

func TestRecipeArbitration(t *testing.T) {
	s := newTestStore(t)

	// Two recipes for the same concept pair with different kinds and track
	// records. Arbitration picks the higher success rate.
	weak, err := s.PutRecipe(&types.TransformRecipe{
		SourceConcept: "amt", TargetConcept: "amount_cents",
		Kind: types.RecipeCoerce, TargetType: types.FieldInt,
		SuccessCount: 1, FailureCount: 9,
	})
	if err != nil {
		t.Fatalf("put weak recipe: %v", err)
	}
	strong, err := s.PutRecipe(&types.TransformRecipe{
		SourceConcept: "amt", TargetConcept: "amount_cents",
		Kind: types.RecipeScale, Factor: 100, Round: true,
		SuccessCount: 9, FailureCount: 1,
	})
	if err != nil {
		t.Fatalf("put strong recipe: %v", err)
	}

	got, err := s.GetRecipe("amt", "amount_cents")
	if err != nil {
		t.Fatalf("get recipe: %v", err)
	}
	if got == nil || got.ID != strong.ID {
		t.Errorf("arbitration picked %v, want %s (weak was %s)", got, strong.ID, weak.ID)
	}
}

func TestRecipeTrustPromotionAndDemotion(t *testing.T) {
	s := newTestStore(t)

	r, err := s.PutRecipe(&types.TransformRecipe{
		SourceConcept: "user", TargetConcept: "user_id", Kind: types.RecipeRename,
	})
	if err != nil {
		t.Fatalf("put recipe: %v", err)
	}

	// Three successes at threshold 0.8 / min 3 applications: trusted.
	for i := 0; i < 3; i++ {
		if err := s.RecordRecipeOutcome(r.ID, true, 0.8, 3); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	got, _ := s.GetRecipeByID(r.ID)
	if !got.Trusted {
		t.Errorf("recipe not promoted after 3/3 successes: %+v", got)
	}

	// Failures drag the rate below threshold: demoted.
	for i := 0; i < 2; i++ {
		if err := s.RecordRecipeOutcome(r.ID, false, 0.8, 3); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}
	got, _ = s.GetRecipeByID(r.ID)
	if got.Trusted {
		t.Errorf("recipe not demoted at %d/%d", got.SuccessCount, got.SuccessCount+got.FailureCount)
	}
}

func TestTraceImmutability(t *testing.T) {
	s := newTestStore(t)

	trace := &types.ExecutionTrace{
		ID:              "trace-1",
		ToolID:          "payment_tool",
		OriginalPayload: map[string]interface{}{"user": "abc123"},
		Outcome:         types.OutcomeRepaired,
		FieldsTouched:   []string{"user"},
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.RecordTrace(trace); err != nil {
		t.Fatalf("record trace: %v", err)
	}

	// Same ID again must be rejected, not overwritten.
	if err := s.RecordTrace(trace); err == nil {
		t.Error("duplicate trace ID accepted; traces must be immutable")
	}

	got, err := s.GetTraces("payment_tool", 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 trace, got %d (err=%v)", len(got), err)
	}
	if got[0].Outcome != types.OutcomeRepaired {
		t.Errorf("outcome lost: %s", got[0].Outcome)
	}
}

func TestTracesForFieldScoping(t *testing.T) {
	s := newTestStore(t)

	s.RecordTrace(&types.ExecutionTrace{
		ID: "t1", ToolID: "payment_tool",
		OriginalPayload: map[string]interface{}{}, Outcome: types.OutcomePassed,
		FieldsTouched: []string{"amount_cents"},
	})
	s.RecordTrace(&types.ExecutionTrace{
		ID: "t2", ToolID: "payment_tool",
		OriginalPayload: map[string]interface{}{}, Outcome: types.OutcomePassed,
		FieldsTouched: []string{"user_id"},
	})
	s.RecordTrace(&types.ExecutionTrace{
		ID: "t3", ToolID: "other_tool",
		OriginalPayload: map[string]interface{}{}, Outcome: types.OutcomePassed,
		FieldsTouched: []string{"amount_cents"},
	})

	got, err := s.TracesForField("payment_tool", "amount_cents", 10)
	if err != nil {
		t.Fatalf("traces for field: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("field scoping leaked evidence: %d traces", len(got))
	}
}

func TestBumpMismatchCount(t *testing.T) {
	s := newTestStore(t)

	for want := 1; want <= 3; want++ {
		count, err := s.BumpMismatchCount("payment_tool", "user", types.UnknownField)
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
	}

	// A different kind for the same field counts separately.
	count, err := s.BumpMismatchCount("payment_tool", "user", types.TypeMismatch)
	if err != nil || count != 1 {
		t.Errorf("kind not scoped: count=%d err=%v", count, err)
	}
}
