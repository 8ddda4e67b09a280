// Package repair - the four strategy implementations, in priority order.
// Each strategy returns (candidate, nil) when it produced a payload worth
// re-validating, (nil, nil) when it has nothing to offer for the current
// violations, and (nil, err) on failure. The caller owns re-validation.
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"toolmend/internal/detector"
	"toolmend/internal/logging"
	"toolmend/internal/retrieval"
	"toolmend/internal/types"
)

// conceptPair is one candidate transformation the violations suggest:
// an unknown source field that may map onto a missing target field, or a
// field that needs an in-place fix.
type conceptPair struct {
	source string
	target string
}

// conceptPairs derives transformation candidates from a report's blocking
// violations: every (unknown, missing) combination plus in-place pairs for
// type mismatches.
func conceptPairs(report *types.MismatchReport) []conceptPair {
	var unknowns, missings []string
	var pairs []conceptPair

	for _, v := range report.Blocking() {
		switch v.Kind {
		case types.UnknownField:
			unknowns = append(unknowns, v.FieldPath)
		case types.MissingRequiredField:
			missings = append(missings, v.FieldPath)
		case types.TypeMismatch, types.EnumViolation, types.RangeViolation:
			pairs = append(pairs, conceptPair{source: v.FieldPath, target: v.FieldPath})
		}
	}

	for _, u := range unknowns {
		for _, m := range missings {
			pairs = append(pairs, conceptPair{source: u, target: m})
		}
	}
	return pairs
}

// =============================================================================
// STRATEGY 1: DIRECT SUBSTITUTION
// =============================================================================

// directSubstitution applies trusted closed-form recipes that exactly match
// the violation's concept pair. No model call, no sandbox: this is the
// cheapest path and only fires on recipes that earned trust.
func (o *Orchestrator) directSubstitution(ctx context.Context, toolID string,
	payload map[string]interface{}, contract *types.ToolContract,
	report *types.MismatchReport, res *Resolution) (map[string]interface{}, error) {

	flat := detector.Flatten(payload)
	applied := 0

	for _, pair := range conceptPairs(report) {
		recipe, err := o.recipes.GetRecipe(pair.source, pair.target)
		if err != nil {
			return nil, err
		}
		if recipe == nil || !recipe.Trusted || recipe.Kind == types.RecipeProgram {
			continue
		}

		ok, err := applyClosedForm(flat, recipe, pair.source, pair.target)
		if err != nil {
			logging.RepairDebug("Recipe %s inapplicable to %s: %v", recipe.ID, pair.source, err)
			continue
		}
		if ok {
			res.RecipesApplied = append(res.RecipesApplied, recipe.ID)
			applied++
		}
	}

	if applied == 0 {
		return nil, nil
	}
	return detector.Unflatten(flat), nil
}

// =============================================================================
// STRATEGY 2: RETRIEVED RECIPE
// =============================================================================

// retrievedRecipe queries the retrieval engine for recipes semantically
// matching each concept pair and applies the highest-confidence hit. The
// shared post-condition loops the result back through the detector once
// before acceptance.
func (o *Orchestrator) retrievedRecipe(ctx context.Context, toolID string,
	payload map[string]interface{}, contract *types.ToolContract,
	report *types.MismatchReport, res *Resolution) (map[string]interface{}, error) {

	if o.retriever == nil {
		return nil, nil
	}

	flat := detector.Flatten(payload)
	applied := 0

	for _, pair := range conceptPairs(report) {
		results, err := o.retriever.RetrieveRecipes(ctx, pair.source, pair.target, toolID, o.cfg.RecipeTopK)
		if err != nil {
			// Retrieval degradation is strategy failure, not call failure.
			return nil, err
		}

		for _, hit := range results {
			if hit.Entry.RefID == "" {
				continue
			}
			recipe, err := o.recipes.GetRecipeByID(hit.Entry.RefID)
			if err != nil || recipe == nil {
				continue
			}

			var ok bool
			if recipe.Kind == types.RecipeProgram {
				ok, err = o.applyProgram(ctx, flat, recipe, pair.source, pair.target, res)
			} else {
				ok, err = applyClosedForm(flat, recipe, pair.source, pair.target)
			}
			if err != nil || !ok {
				continue
			}

			res.RecipesApplied = append(res.RecipesApplied, recipe.ID)
			applied++
			break // highest-confidence hit wins for this pair
		}
	}

	if applied == 0 {
		return nil, nil
	}
	return detector.Unflatten(flat), nil
}

// =============================================================================
// STRATEGY 3: INLINE MODEL FIX
// =============================================================================

// inlineModelFix delegates to the reasoning collaborator with the violation
// list and retrieved grounding. Single attempt, no internal retry loop; the
// returned payload is accepted only if it passes contract re-check.
func (o *Orchestrator) inlineModelFix(ctx context.Context, toolID string,
	payload map[string]interface{}, contract *types.ToolContract,
	report *types.MismatchReport, res *Resolution) (map[string]interface{}, error) {

	if o.model == nil {
		return nil, nil
	}

	var grounding []retrieval.Result
	if o.retriever != nil {
		query := groundingQuery(toolID, report)
		hits, err := o.retriever.Retrieve(ctx, query, toolID, o.cfg.RecipeTopK)
		if err == nil {
			grounding = hits
		}
		// Empty or failed retrieval means operating without grounding,
		// never failing the strategy.
	}

	modelCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
	defer cancel()

	candidate, err := o.model.ProposeFix(modelCtx, toolID, payload, report.Blocking(), grounding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelDelegationFailed, err)
	}
	if candidate == nil {
		return nil, fmt.Errorf("%w: model returned no payload", types.ErrModelDelegationFailed)
	}
	return candidate, nil
}

// groundingQuery summarizes a report into one retrieval query.
func groundingQuery(toolID string, report *types.MismatchReport) string {
	var parts []string
	for _, v := range report.Blocking() {
		parts = append(parts, fmt.Sprintf("%s %s", v.Kind, v.FieldPath))
	}
	return fmt.Sprintf("tool %s violations: %s", toolID, strings.Join(parts, ", "))
}

// =============================================================================
// STRATEGY 4: SANDBOXED TRANSFORMATION
// =============================================================================

// sandboxedTransformation resolves each concept pair with a deterministic
// program: a cached program recipe when one exists, otherwise one generated
// by the model. Programs run through the sandbox executor under the
// configured budget; the post-condition re-validates before acceptance.
func (o *Orchestrator) sandboxedTransformation(ctx context.Context, toolID string,
	payload map[string]interface{}, contract *types.ToolContract,
	report *types.MismatchReport, res *Resolution) (map[string]interface{}, error) {

	if o.sandbox == nil {
		return nil, nil
	}

	flat := detector.Flatten(payload)
	applied := 0
	var lastErr error

	for _, pair := range conceptPairs(report) {
		recipe, err := o.cachedOrGeneratedProgram(ctx, pair, report)
		if err != nil {
			lastErr = err
			continue
		}
		if recipe == nil {
			continue
		}

		ok, err := o.applyProgram(ctx, flat, recipe, pair.source, pair.target, res)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			if recipe.ID != "" {
				res.RecipesApplied = append(res.RecipesApplied, recipe.ID)
			}
			applied++
		}
	}

	if applied == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, nil
	}
	return detector.Unflatten(flat), nil
}

// cachedOrGeneratedProgram prefers a stored program recipe for the pair and
// falls back to model generation.
func (o *Orchestrator) cachedOrGeneratedProgram(ctx context.Context, pair conceptPair,
	report *types.MismatchReport) (*types.TransformRecipe, error) {

	recipe, err := o.recipes.GetRecipe(pair.source, pair.target)
	if err == nil && recipe != nil && recipe.Kind == types.RecipeProgram && recipe.Program != "" {
		return recipe, nil
	}

	if o.model == nil {
		return nil, nil
	}

	modelCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
	defer cancel()

	program, err := o.model.GenerateProgram(modelCtx, pair.source, pair.target, report.Blocking())
	if err != nil {
		return nil, fmt.Errorf("%w: program generation: %v", types.ErrModelDelegationFailed, err)
	}
	if program == "" {
		return nil, nil
	}

	return &types.TransformRecipe{
		SourceConcept: pair.source,
		TargetConcept: pair.target,
		Kind:          types.RecipeProgram,
		Program:       program,
	}, nil
}

// applyProgram runs a program recipe over the source value in the sandbox
// and writes the result to the target path.
func (o *Orchestrator) applyProgram(ctx context.Context, flat map[string]interface{},
	recipe *types.TransformRecipe, source, target string, res *Resolution) (bool, error) {

	if o.sandbox == nil {
		return false, nil
	}
	value, present := flat[source]
	if !present {
		return false, nil
	}

	job := &types.SandboxJob{
		ID:      uuid.NewString(),
		Program: recipe.Program,
		Bindings: map[string]string{
			"value": stringifyValue(value),
		},
		Budget: o.cfg.SandboxBudget,
	}

	result, err := o.sandbox.Run(ctx, job)
	if err != nil {
		return false, err
	}

	flat[target] = parseValue(result.Value)
	if source != target {
		delete(flat, source)
	}
	return true, nil
}

// stringifyValue renders a payload value as the program's string input.
func stringifyValue(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

// parseValue interprets a program's string output as JSON when possible so
// numeric results round-trip as numbers.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
