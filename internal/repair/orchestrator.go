// Package repair implements the repair orchestrator: an explicit finite
// state machine that, given a mismatch report, selects repair strategies in
// fixed priority order and drives each to completion or failure.
//
// The state machine per call:
//
//	Detecting -> (no issues)        -> Pass
//	Detecting -> (issues)           -> Strategizing
//	Strategizing -> strategy chain  -> Resolved | Unresolvable
//
// Strategies run strictly sequentially; each is tried only after the
// previous one exhausted itself. Failures inside a strategy are recovered
// locally by falling through to the next one. The orchestrator never emits
// a payload known to violate a blocking constraint.
package repair

import (
	"context"
	"errors"
	"time"

	"toolmend/internal/detector"
	"toolmend/internal/logging"
	"toolmend/internal/retrieval"
	"toolmend/internal/sandbox"
	"toolmend/internal/types"
)

// State names the positions of the per-call state machine.
type State string

const (
	StateDetecting    State = "detecting"
	StateStrategizing State = "strategizing"
	StatePass         State = "pass"
	StateResolved     State = "resolved"
	StateUnresolvable State = "unresolvable"
	StateCancelled    State = "cancelled"
)

// Strategy names, in fixed priority order.
const (
	StrategyDirectSubstitution      = "direct_substitution"
	StrategyRetrievedRecipe         = "retrieved_recipe"
	StrategyInlineModelFix          = "inline_model_fix"
	StrategySandboxedTransformation = "sandboxed_transformation"
)

// Config holds orchestrator policy.
type Config struct {
	// TrustThreshold mirrors the store's recipe-trust policy; only trusted
	// recipes qualify for DirectSubstitution.
	TrustThreshold float64

	// ModelTimeout bounds each model delegation.
	ModelTimeout time.Duration

	// SandboxBudget is attached to generated transformation jobs.
	SandboxBudget types.SandboxBudget

	// RecipeTopK bounds recipe retrieval in the RetrievedRecipe strategy.
	RecipeTopK int
}

// DefaultConfig returns the default orchestrator policy.
func DefaultConfig() Config {
	return Config{
		TrustThreshold: 0.8,
		ModelTimeout:   60 * time.Second,
		SandboxBudget:  sandbox.DefaultBudget(),
		RecipeTopK:     5,
	}
}

// Orchestrator coordinates detection, retrieval, model delegation, and
// sandboxed execution for one call at a time. It holds no per-call state:
// each Repair invocation is independent, so instances are safe for
// concurrent use.
type Orchestrator struct {
	detect    *detector.Detector
	retriever *retrieval.Engine // may be nil: degrade to no grounding
	recipes   RecipeReader
	sandbox   *sandbox.Executor
	model     ModelCollaborator // may be nil: model strategies skipped
	cfg       Config
}

// New creates an orchestrator. retriever and model may be nil; the
// corresponding strategies then exhaust immediately.
func New(det *detector.Detector, retriever *retrieval.Engine, recipes RecipeReader,
	sb *sandbox.Executor, model ModelCollaborator, cfg Config) *Orchestrator {
	if cfg.RecipeTopK <= 0 {
		cfg.RecipeTopK = 5
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 60 * time.Second
	}
	return &Orchestrator{
		detect:    det,
		retriever: retriever,
		recipes:   recipes,
		sandbox:   sb,
		model:     model,
		cfg:       cfg,
	}
}

// Resolution is the orchestrator's verdict on one call.
type Resolution struct {
	State          State
	Outcome        types.TraceOutcome
	FinalPayload   map[string]interface{}
	Report         *types.MismatchReport // the initial report
	FinalReport    *types.MismatchReport // report after the last accepted transformation
	Strategy       string                // strategy that resolved, or last one tried
	RecipesApplied []string
	FieldsTouched  []string
	LastErr        error
}

// Repair drives the state machine for one call. The contract may be nil
// (ContractNotFound degrade); the report must be the detector's output for
// proposedCall against that contract.
func (o *Orchestrator) Repair(ctx context.Context, toolID string, proposedCall map[string]interface{},
	contract *types.ToolContract, report *types.MismatchReport) *Resolution {

	timer := logging.StartTimer(logging.CategoryRepair, "Repair")
	defer timer.Stop()

	res := &Resolution{
		State:         StateDetecting,
		Report:        report,
		FinalReport:   report,
		FieldsTouched: touchedFields(report),
	}

	// Detecting -> Pass when nothing blocks.
	if report == nil || !report.HasBlocking() {
		res.State = StatePass
		res.Outcome = types.OutcomePassed
		res.FinalPayload = proposedCall
		logging.RepairDebug("Tool %s: no blocking violations, pass-through", toolID)
		return res
	}

	res.State = StateStrategizing
	logging.Repair("Tool %s: %d blocking violations, strategizing", toolID, len(report.Blocking()))

	// Fixed priority order. Strategies 3 and 4 form the hybrid pair for
	// ambiguous or precision-sensitive transforms: cheap model attempt
	// first, deterministic sandbox fallback second.
	strategies := []struct {
		name string
		run  func(context.Context, string, map[string]interface{}, *types.ToolContract, *types.MismatchReport, *Resolution) (map[string]interface{}, error)
	}{
		{StrategyDirectSubstitution, o.directSubstitution},
		{StrategyRetrievedRecipe, o.retrievedRecipe},
		{StrategyInlineModelFix, o.inlineModelFix},
		{StrategySandboxedTransformation, o.sandboxedTransformation},
	}

	audit := logging.AuditWithTrace("", "")

	for _, strat := range strategies {
		if err := ctx.Err(); err != nil {
			res.State = StateCancelled
			res.Outcome = types.OutcomeCancelled
			res.LastErr = err
			audit.Event(logging.AuditRepairCancelled, toolID, strat.name, false, err.Error())
			return res
		}

		res.Strategy = strat.name
		audit.Event(logging.AuditStrategyStart, toolID, strat.name, true, "")

		candidate, err := strat.run(ctx, toolID, proposedCall, contract, report, res)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				res.State = StateCancelled
				res.Outcome = types.OutcomeCancelled
				res.LastErr = err
				audit.Event(logging.AuditRepairCancelled, toolID, strat.name, false, err.Error())
				return res
			}
			res.LastErr = &types.StrategyError{Strategy: strat.name, Err: err}
			logging.RepairDebug("Tool %s: strategy %s failed: %v", toolID, strat.name, err)
			audit.Event(logging.AuditStrategyFailed, toolID, strat.name, false, err.Error())
			continue
		}
		if candidate == nil {
			// Strategy had nothing to offer for these violations.
			audit.Event(logging.AuditStrategyFailed, toolID, strat.name, false, "not applicable")
			continue
		}

		// Post-condition: loop the candidate back through the detector and
		// accept only if no blocking violation remains.
		recheck := o.detect.Detect(candidate, contract)
		if recheck.HasBlocking() {
			res.LastErr = &types.StrategyError{Strategy: strat.name, Err: types.ErrUnresolvable}
			logging.RepairDebug("Tool %s: strategy %s output still has %d blocking violations",
				toolID, strat.name, len(recheck.Blocking()))
			audit.Event(logging.AuditStrategyFailed, toolID, strat.name, false, "re-validation failed")
			continue
		}

		res.State = StateResolved
		res.Outcome = types.OutcomeRepaired
		res.FinalPayload = candidate
		res.FinalReport = recheck
		logging.Repair("Tool %s: resolved via %s", toolID, strat.name)
		audit.Event(logging.AuditStrategyResolved, toolID, strat.name, true, "")
		audit.Event(logging.AuditRepairResolved, toolID, strat.name, true, "")
		return res
	}

	// Strategy chain exhausted.
	res.State = StateUnresolvable
	res.Outcome = types.OutcomeUnresolvable
	logging.Repair("Tool %s: all strategies exhausted, unresolvable", toolID)
	audit.Event(logging.AuditRepairExhausted, toolID, "", false, "")
	return res
}

// touchedFields lists every field path a report references, for trace
// evidence bookkeeping.
func touchedFields(report *types.MismatchReport) []string {
	if report == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, v := range report.Violations {
		if v.FieldPath == "" || seen[v.FieldPath] {
			continue
		}
		seen[v.FieldPath] = true
		out = append(out, v.FieldPath)
	}
	return out
}
