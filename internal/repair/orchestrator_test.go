package repair

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/detector"
	"toolmend/internal/retrieval"
	"toolmend/internal/sandbox"
	"toolmend/internal/types"
)

// fakeRecipes is an in-memory RecipeReader keyed by concept pair.
type fakeRecipes struct {
	byPair map[string]*types.TransformRecipe
	byID   map[string]*types.TransformRecipe
}

func newFakeRecipes(recipes ...*types.TransformRecipe) *fakeRecipes {
	f := &fakeRecipes{
		byPair: make(map[string]*types.TransformRecipe),
		byID:   make(map[string]*types.TransformRecipe),
	}
	for _, r := range recipes {
		f.byPair[r.SourceConcept+"->"+r.TargetConcept] = r
		f.byID[r.ID] = r
	}
	return f
}

func (f *fakeRecipes) GetRecipe(source, target string) (*types.TransformRecipe, error) {
	return f.byPair[source+"->"+target], nil
}

func (f *fakeRecipes) GetRecipeByID(id string) (*types.TransformRecipe, error) {
	return f.byID[id], nil
}

// fakeModel scripts the two collaborator calls.
type fakeModel struct {
	fix        map[string]interface{}
	fixErr     error
	program    string
	programErr error
}

func (m *fakeModel) ProposeFix(ctx context.Context, toolID string, payload map[string]interface{},
	violations []types.Violation, grounding []retrieval.Result) (map[string]interface{}, error) {
	return m.fix, m.fixErr
}

func (m *fakeModel) GenerateProgram(ctx context.Context, source, target string,
	violations []types.Violation) (string, error) {
	return m.program, m.programErr
}

func paymentContract() *types.ToolContract {
	return &types.ToolContract{
		ToolID:  "payment_tool",
		Version: 3,
		Fields: map[string]*types.ContractField{
			"user_id": {
				Path: "user_id", Type: types.FieldString,
				Required: true, RequiredConfidence: 0.9,
			},
			"amount_cents": {
				Path: "amount_cents", Type: types.FieldInt, Unit: "cents",
				Required: true, RequiredConfidence: 0.9,
			},
		},
	}
}

func newOrchestrator(recipes RecipeReader, model ModelCollaborator) (*Orchestrator, *detector.Detector) {
	det := detector.New(detector.DefaultConfig())
	sb := sandbox.New(2, sandbox.DefaultBudget())
	cfg := DefaultConfig()
	cfg.ModelTimeout = 5 * time.Second
	return New(det, nil, recipes, sb, model, cfg), det
}

func TestRepairPassThrough(t *testing.T) {
	o, det := newOrchestrator(newFakeRecipes(), nil)

	payload := map[string]interface{}{"user_id": "abc123", "amount_cents": float64(1999)}
	contract := paymentContract()
	report := det.Detect(payload, contract)
	require.False(t, report.HasBlocking())

	res := o.Repair(context.Background(), "payment_tool", payload, contract, report)
	assert.Equal(t, StatePass, res.State)
	assert.Equal(t, types.OutcomePassed, res.Outcome)
	assert.Equal(t, payload, res.FinalPayload)
	assert.Empty(t, res.RecipesApplied)
}

func TestRepairDirectSubstitution(t *testing.T) {
	rename := &types.TransformRecipe{
		ID: "r-rename", SourceConcept: "user", TargetConcept: "user_id",
		Kind: types.RecipeRename, Trusted: true,
	}
	scale := &types.TransformRecipe{
		ID: "r-scale", SourceConcept: "amt", TargetConcept: "amount_cents",
		Kind: types.RecipeScale, Factor: 100, Round: true, Trusted: true,
	}
	o, det := newOrchestrator(newFakeRecipes(rename, scale), nil)

	payload := map[string]interface{}{"user": "abc123", "amt": "19.99"}
	contract := paymentContract()
	report := det.Detect(payload, contract)
	require.True(t, report.HasBlocking())

	res := o.Repair(context.Background(), "payment_tool", payload, contract, report)

	require.Equal(t, StateResolved, res.State)
	assert.Equal(t, types.OutcomeRepaired, res.Outcome)
	assert.Equal(t, StrategyDirectSubstitution, res.Strategy)
	assert.ElementsMatch(t, []string{"r-rename", "r-scale"}, res.RecipesApplied)

	assert.Equal(t, "abc123", res.FinalPayload["user_id"])
	assert.Equal(t, int64(1999), res.FinalPayload["amount_cents"])
	assert.NotContains(t, res.FinalPayload, "user")
	assert.NotContains(t, res.FinalPayload, "amt")

	require.NotNil(t, res.FinalReport)
	assert.False(t, res.FinalReport.HasBlocking())
}

func TestRepairSkipsUntrustedRecipes(t *testing.T) {
	rename := &types.TransformRecipe{
		ID: "r-rename", SourceConcept: "user", TargetConcept: "user_id",
		Kind: types.RecipeRename, Trusted: false,
	}
	o, det := newOrchestrator(newFakeRecipes(rename), nil)

	payload := map[string]interface{}{"user": "abc123", "amount_cents": float64(1999)}
	contract := paymentContract()
	report := det.Detect(payload, contract)
	require.True(t, report.HasBlocking())

	res := o.Repair(context.Background(), "payment_tool", payload, contract, report)
	assert.Equal(t, StateUnresolvable, res.State)
	assert.Equal(t, types.OutcomeUnresolvable, res.Outcome)
	assert.Empty(t, res.RecipesApplied)
}

func TestRepairRejectsCandidateStillViolating(t *testing.T) {
	// The scale recipe fixes amt but nothing supplies user_id, so the
	// candidate fails re-validation and the chain exhausts.
	scale := &types.TransformRecipe{
		ID: "r-scale", SourceConcept: "amt", TargetConcept: "amount_cents",
		Kind: types.RecipeScale, Factor: 100, Round: true, Trusted: true,
	}
	o, det := newOrchestrator(newFakeRecipes(scale), nil)

	payload := map[string]interface{}{"amt": "19.99"}
	contract := paymentContract()
	report := det.Detect(payload, contract)
	require.True(t, report.HasBlocking())

	res := o.Repair(context.Background(), "payment_tool", payload, contract, report)
	assert.Equal(t, StateUnresolvable, res.State)

	var serr *types.StrategyError
	require.ErrorAs(t, res.LastErr, &serr)
	assert.True(t, errors.Is(serr.Err, types.ErrUnresolvable))
}

func TestRepairInlineModelFix(t *testing.T) {
	model := &fakeModel{
		fix: map[string]interface{}{"user_id": "abc123", "amount_cents": float64(1999)},
	}
	o, det := newOrchestrator(newFakeRecipes(), model)

	payload := map[string]interface{}{"user": "abc123", "amt": "19.99"}
	contract := paymentContract()
	report := det.Detect(payload, contract)

	res := o.Repair(context.Background(), "payment_tool", payload, contract, report)
	require.Equal(t, StateResolved, res.State)
	assert.Equal(t, StrategyInlineModelFix, res.Strategy)
	assert.Equal(t, model.fix, res.FinalPayload)
}

func TestRepairFallsBackToSandboxedTransformation(t *testing.T) {
	// The model cannot propose a direct fix but can generate a program; the
	// sandbox strategy applies it per concept pair.
	model := &fakeModel{
		fixErr: fmt.Errorf("no direct fix"),
		program: `
import "strings"
func Transform(input string) (string, error) {
	return strings.ToUpper(input), nil
}`,
	}
	o, det := newOrchestrator(newFakeRecipes(), model)

	contract := &types.ToolContract{
		ToolID:  "status_tool",
		Version: 1,
		Fields: map[string]*types.ContractField{
			"status": {
				Path: "status", Type: types.FieldString,
				Required: true, RequiredConfidence: 0.9,
			},
		},
	}

	payload := map[string]interface{}{"state": "ok"}
	report := det.Detect(payload, contract)
	require.True(t, report.HasBlocking())

	res := o.Repair(context.Background(), "status_tool", payload, contract, report)
	require.Equal(t, StateResolved, res.State)
	assert.Equal(t, StrategySandboxedTransformation, res.Strategy)
	assert.Equal(t, "OK", res.FinalPayload["status"])
	assert.NotContains(t, res.FinalPayload, "state")
}

func TestRepairCancelledContext(t *testing.T) {
	o, det := newOrchestrator(newFakeRecipes(), nil)

	payload := map[string]interface{}{"user": "abc123"}
	contract := paymentContract()
	report := det.Detect(payload, contract)
	require.True(t, report.HasBlocking())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := o.Repair(ctx, "payment_tool", payload, contract, report)
	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, types.OutcomeCancelled, res.Outcome)
	assert.Nil(t, res.FinalPayload)
}

func TestConceptPairs(t *testing.T) {
	report := &types.MismatchReport{
		Violations: []types.Violation{
			{Kind: types.UnknownField, Severity: types.SeverityBlocking, FieldPath: "user"},
			{Kind: types.MissingRequiredField, Severity: types.SeverityBlocking, FieldPath: "user_id"},
			{Kind: types.TypeMismatch, Severity: types.SeverityBlocking, FieldPath: "count"},
			{Kind: types.UnitSuspect, Severity: types.SeverityAdvisory, FieldPath: "amount_cents"},
		},
	}

	pairs := conceptPairs(report)
	assert.Contains(t, pairs, conceptPair{source: "user", target: "user_id"})
	assert.Contains(t, pairs, conceptPair{source: "count", target: "count"})
	for _, p := range pairs {
		assert.NotEqual(t, "amount_cents", p.source, "advisory violations must not drive repair")
	}
}
