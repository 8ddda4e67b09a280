package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/config"
	"toolmend/internal/store"
	"toolmend/internal/types"
)

// seedKnowledge installs a learned contract for payment_tool plus the two
// trusted recipes the classic dollars-for-cents scenario needs.
func seedKnowledge(t *testing.T, dbPath string) (renameID, scaleID string) {
	t.Helper()

	s, err := store.New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertContract(&types.ToolContract{
		ToolID: "payment_tool",
		Fields: map[string]*types.ContractField{
			"user_id": {
				Path: "user_id", Type: types.FieldString,
				Required: true, RequiredConfidence: 0.9, Confidence: 0.9,
			},
			"amount_cents": {
				Path: "amount_cents", Type: types.FieldInt, Unit: "cents",
				Required: true, RequiredConfidence: 0.9, Confidence: 0.9,
			},
		},
	})
	require.NoError(t, err)

	rename, err := s.PutRecipe(&types.TransformRecipe{
		SourceConcept: "user", TargetConcept: "user_id",
		Kind: types.RecipeRename, Trusted: true,
		SuccessCount: 9, FailureCount: 1,
	})
	require.NoError(t, err)

	scale, err := s.PutRecipe(&types.TransformRecipe{
		SourceConcept: "amt", TargetConcept: "amount_cents",
		Kind: types.RecipeScale, Factor: 100, Round: true, Trusted: true,
		SuccessCount: 9, FailureCount: 1,
	})
	require.NoError(t, err)

	return rename.ID, scale.ID
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = filepath.Join(t.TempDir(), "engine.db")
	return cfg
}

func TestValidateAndRepairEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	renameID, scaleID := seedKnowledge(t, cfg.Store.DatabasePath)

	eng, err := New(cfg)
	require.NoError(t, err)

	outcome, err := eng.ValidateAndRepair(context.Background(), "payment_tool",
		map[string]interface{}{"user": "abc123", "amt": "19.99"}, "sess-1")
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	assert.Equal(t, types.StatusRepaired, outcome.Status)

	want := map[string]interface{}{
		"user_id":      "abc123",
		"amount_cents": int64(1999),
	}
	if diff := cmp.Diff(want, outcome.FinalPayload); diff != "" {
		t.Errorf("final payload mismatch (-want +got):\n%s", diff)
	}

	require.NotNil(t, outcome.Trace)
	assert.Equal(t, types.OutcomeRepaired, outcome.Trace.Outcome)
	assert.ElementsMatch(t, []string{renameID, scaleID}, outcome.Trace.RecipesApplied)

	// The feedback loop persisted the trace and credited both recipes.
	s, err := store.New(cfg.Store.DatabasePath)
	require.NoError(t, err)
	defer s.Close()

	traces, err := s.GetTraces("payment_tool", 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "sess-1", traces[0].SessionID)

	r, err := s.GetRecipeByID(renameID)
	require.NoError(t, err)
	assert.Equal(t, 10, r.SuccessCount)
}

func TestValidateAndRepairPassesCleanCall(t *testing.T) {
	cfg := testConfig(t)
	seedKnowledge(t, cfg.Store.DatabasePath)

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	payload := map[string]interface{}{"user_id": "abc123", "amount_cents": float64(1999)}
	outcome, err := eng.ValidateAndRepair(context.Background(), "payment_tool", payload, "")
	require.NoError(t, err)

	assert.Equal(t, types.StatusPassed, outcome.Status)
	assert.Equal(t, payload, outcome.FinalPayload)
}

func TestValidateAndRepairUnknownToolDegrades(t *testing.T) {
	cfg := testConfig(t)

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	payload := map[string]interface{}{"whatever": true}
	outcome, err := eng.ValidateAndRepair(context.Background(), "never_seen_tool", payload, "")
	require.NoError(t, err)

	assert.Equal(t, types.StatusPassed, outcome.Status, "missing contract must degrade, not block")
	assert.Equal(t, payload, outcome.FinalPayload)
}

func TestValidateAndRepairUnresolvableWithholdsPayload(t *testing.T) {
	cfg := testConfig(t)

	s, err := store.New(cfg.Store.DatabasePath)
	require.NoError(t, err)
	_, err = s.UpsertContract(&types.ToolContract{
		ToolID: "strict_tool",
		Fields: map[string]*types.ContractField{
			"token": {Path: "token", Type: types.FieldString, Required: true, RequiredConfidence: 0.95},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	outcome, err := eng.ValidateAndRepair(context.Background(), "strict_tool",
		map[string]interface{}{"bogus": 1}, "")
	require.NoError(t, err)

	assert.Equal(t, types.StatusUnresolvable, outcome.Status)
	assert.Nil(t, outcome.FinalPayload, "unresolvable calls must never surface a payload")
	assert.NotEmpty(t, outcome.Violations)
}

func TestValidateAndRepairRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.ValidateAndRepair(context.Background(), "", map[string]interface{}{}, "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = eng.ValidateAndRepair(context.Background(), "tool", nil, "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestReportRealExecutionFeedsGroundTruth(t *testing.T) {
	cfg := testConfig(t)
	seedKnowledge(t, cfg.Store.DatabasePath)

	eng, err := New(cfg)
	require.NoError(t, err)

	err = eng.ReportRealExecution(context.Background(), "payment_tool",
		map[string]interface{}{"user_id": "abc123", "amount_cents": float64(1999)},
		422, `{"error":"unknown field"}`)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	s, err := store.New(cfg.Store.DatabasePath)
	require.NoError(t, err)
	defer s.Close()

	traces, err := s.GetTraces("payment_tool", 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, 422, traces[0].HTTPStatus)
}

func TestQueryGuidanceWithoutEmbedder(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.QueryGuidance(context.Background(), "what unit is amount_cents", "", 0)
	assert.ErrorIs(t, err, types.ErrRetrievalUnavailable)
}
