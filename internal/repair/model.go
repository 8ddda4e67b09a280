// Package repair - narrow interfaces around the nondeterministic model
// collaborators. Keeping these behind one interface lets them be swapped,
// mocked, and rate-limited independently of the orchestrator logic.
package repair

import (
	"context"

	"toolmend/internal/retrieval"
	"toolmend/internal/types"
)

// ModelCollaborator is the upstream reasoning model boundary. Both
// operations are single attempts: retries, if any, belong to the caller.
type ModelCollaborator interface {
	// ProposeFix asks the model for a corrected payload given the violation
	// list and retrieved grounding context. The result is accepted only if
	// it passes contract re-validation.
	ProposeFix(ctx context.Context, toolID string, payload map[string]interface{},
		violations []types.Violation, grounding []retrieval.Result) (map[string]interface{}, error)

	// GenerateProgram asks the model for a deterministic transformation
	// program mapping sourceConcept to targetConcept. The program must
	// define func Transform(input string) (string, error) and survive
	// sandbox validation before it runs.
	GenerateProgram(ctx context.Context, sourceConcept, targetConcept string,
		violations []types.Violation) (string, error)
}

// RecipeReader is the slice of the knowledge store the orchestrator reads
// recipes from. The orchestrator never writes: outcome accounting is the
// feedback writer's job.
type RecipeReader interface {
	GetRecipe(sourceConcept, targetConcept string) (*types.TransformRecipe, error)
	GetRecipeByID(id string) (*types.TransformRecipe, error)
}
