// Package engine is the boundary surface of toolmend: the three operations
// the execution collaborator calls. It wires the store, detector,
// retrieval, repair orchestrator, and feedback writer together and owns
// their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolmend/internal/config"
	"toolmend/internal/detector"
	"toolmend/internal/embedding"
	"toolmend/internal/feedback"
	"toolmend/internal/logging"
	"toolmend/internal/repair"
	"toolmend/internal/retrieval"
	"toolmend/internal/sandbox"
	"toolmend/internal/store"
	"toolmend/internal/types"
)

// Engine is the assembled runtime.
type Engine struct {
	cfg *config.Config

	store     *store.KnowledgeStore
	detector  *detector.Detector
	retriever *retrieval.Engine // nil when no embedding collaborator is reachable
	repairer  *repair.Orchestrator
	feedback  *feedback.Writer
}

// Option configures optional collaborators.
type Option func(*options)

type options struct {
	embedder embedding.Engine
	model    repair.ModelCollaborator
}

// WithEmbedder supplies the embedding collaborator. Without one the engine
// runs with retrieval degraded: detection and closed-form repair still
// work, semantic recall does not.
func WithEmbedder(e embedding.Engine) Option {
	return func(o *options) { o.embedder = e }
}

// WithModel supplies the reasoning collaborator for the InlineModelFix and
// SandboxedTransformation strategies.
func WithModel(m repair.ModelCollaborator) Option {
	return func(o *options) { o.model = m }
}

// New assembles an engine from configuration. Close must be called to drain
// the feedback queue and release the store.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}

	var retriever *retrieval.Engine
	if o.embedder != nil {
		s.SetEmbeddingEngine(o.embedder)
		retriever = retrieval.New(s, o.embedder,
			retrieval.WithMaxTopK(cfg.Retrieval.MaxTopK),
			retrieval.WithTimeout(cfg.RetrievalTimeout()))
	}

	if cfg.Store.SeedContractsPath != "" {
		n, err := s.SeedContracts(cfg.Store.SeedContractsPath,
			cfg.Detector.EnumStableAfter, cfg.Detector.RangeMinObservations)
		if err != nil {
			logging.Engine("Seed contracts not loaded from %s: %v", cfg.Store.SeedContractsPath, err)
		} else if n > 0 {
			logging.Engine("Seeded %d contracts from %s", n, cfg.Store.SeedContractsPath)
		}
	}

	det := detector.New(detector.Config{
		RequiredConfidenceFloor:  cfg.Detector.RequiredConfidenceFloor,
		EnumStableAfter:          cfg.Detector.EnumStableAfter,
		RangeSlackFactor:         cfg.Detector.RangeSlackFactor,
		UnitDriftSigma:           cfg.Detector.UnitDriftSigma,
		UnitDriftMinObservations: cfg.Detector.UnitDriftMinObservations,
		RangeMinObservations:     cfg.Detector.RangeMinObservations,
	})

	budget := types.SandboxBudget{
		WallClock:   cfg.SandboxWallClock(),
		CPUTime:     cfg.SandboxCPUTime(),
		MemoryBytes: cfg.Sandbox.MemoryLimitMB << 20,
	}
	sb := sandbox.New(cfg.Sandbox.MaxConcurrent, budget)

	orch := repair.New(det, retriever, s, sb, o.model, repair.Config{
		TrustThreshold: cfg.Repair.TrustThreshold,
		ModelTimeout:   cfg.ModelTimeout(),
		SandboxBudget:  budget,
		RecipeTopK:     cfg.Retrieval.DefaultTopK,
	})

	fb := feedback.New(s, feedback.Config{
		QueueSize:          cfg.Feedback.QueueSize,
		PromotionThreshold: cfg.Feedback.MismatchPromotionThreshold,
		RetryBackoff:       cfg.FeedbackRetryBackoff(),
		MaxRetries:         cfg.Feedback.MaxRetries,
		TrustThreshold:     cfg.Repair.TrustThreshold,
		MinApplications:    cfg.Repair.MinApplications,
		ConfidenceHalfLife: cfg.ConfidenceHalfLife(),
	})

	logging.Engine("Engine assembled: db=%s retrieval=%v model=%v",
		cfg.Store.DatabasePath, retriever != nil, o.model != nil)

	return &Engine{
		cfg:       cfg,
		store:     s,
		detector:  det,
		retriever: retriever,
		repairer:  orch,
		feedback:  fb,
	}, nil
}

// Store exposes the underlying knowledge store for inspection commands.
func (e *Engine) Store() *store.KnowledgeStore {
	return e.store
}

// Close drains the feedback queue and closes the store.
func (e *Engine) Close() error {
	ferr := e.feedback.Close()
	serr := e.store.Close()
	if ferr != nil {
		return ferr
	}
	return serr
}

// ValidateAndRepair checks a proposed call against the learned contract,
// repairs it when possible, and commits the execution trace. It never
// returns a payload that still carries a blocking violation: an
// unresolvable call comes back with status Unresolvable and no payload.
//
// Degradation is graceful by construction: a missing contract skips
// detection (Passed with no violations), a missing retriever or model just
// narrows the strategy chain.
func (e *Engine) ValidateAndRepair(ctx context.Context, toolID string,
	proposedCall map[string]interface{}, sessionID string) (*types.RepairOutcome, error) {

	timer := logging.StartTimer(logging.CategoryEngine, "ValidateAndRepair")
	defer timer.Stop()

	if toolID == "" || proposedCall == nil {
		return nil, fmt.Errorf("%w: tool_id and payload are required", types.ErrInvalidInput)
	}

	start := time.Now()
	traceID := uuid.NewString()
	audit := logging.AuditWithTrace(sessionID, traceID)

	contract, err := e.store.GetContract(toolID)
	if err != nil && !errors.Is(err, types.ErrContractNotFound) {
		// Store unavailable: degrade to pass-through rather than block
		// dispatch on our own infrastructure.
		logging.Engine("Contract load for %s failed, passing through: %v", toolID, err)
		contract = nil
	}

	audit.Event(logging.AuditDetectStart, toolID, "", true, "")
	report := e.detector.Detect(proposedCall, contract)
	report.ToolID = toolID
	audit.Event(logging.AuditDetectComplete, toolID, "", true,
		fmt.Sprintf("%d violations, %d blocking", len(report.Violations), len(report.Blocking())))

	resolution := e.repairer.Repair(ctx, toolID, proposedCall, contract, report)

	trace := &types.ExecutionTrace{
		ID:              traceID,
		ToolID:          toolID,
		SessionID:       sessionID,
		OriginalPayload: proposedCall,
		Report:          report,
		Strategy:        resolution.Strategy,
		FinalPayload:    resolution.FinalPayload,
		Outcome:         resolution.Outcome,
		FieldsTouched:   resolution.FieldsTouched,
		RecipesApplied:  resolution.RecipesApplied,
		LatencyMs:       time.Since(start).Milliseconds(),
	}
	if resolution.LastErr != nil {
		trace.ErrorCode = resolution.LastErr.Error()
	}
	if err := e.feedback.Commit(trace); err != nil {
		logging.EngineDebug("Trace %s not committed: %v", traceID, err)
	}

	switch resolution.State {
	case repair.StatePass:
		return &types.RepairOutcome{
			Status:       types.StatusPassed,
			FinalPayload: resolution.FinalPayload,
			Violations:   report.Violations,
			Trace:        trace,
		}, nil

	case repair.StateResolved:
		var remaining []types.Violation
		if resolution.FinalReport != nil {
			remaining = resolution.FinalReport.Violations
		}
		return &types.RepairOutcome{
			Status:       types.StatusRepaired,
			FinalPayload: resolution.FinalPayload,
			Violations:   remaining,
			Trace:        trace,
		}, nil

	case repair.StateCancelled:
		return nil, resolution.LastErr

	default:
		return &types.RepairOutcome{
			Status:     types.StatusUnresolvable,
			Violations: report.Violations,
			Trace:      trace,
		}, nil
	}
}

// ReportRealExecution feeds ground truth from a dispatched call back into
// the learning loop. A 2xx confirms the payload shape; a 4xx weakens the
// beliefs that approved it.
func (e *Engine) ReportRealExecution(ctx context.Context, toolID string,
	payload map[string]interface{}, httpStatus int, responseBody string) error {

	if toolID == "" || payload == nil {
		return fmt.Errorf("%w: tool_id and payload are required", types.ErrInvalidInput)
	}

	success := httpStatus < 400
	logging.Audit().Event(logging.AuditGroundTruth, toolID, fmt.Sprintf("http %d", httpStatus), success, "")

	trace := &types.ExecutionTrace{
		ID:              uuid.NewString(),
		ToolID:          toolID,
		OriginalPayload: payload,
		FinalPayload:    payload,
		Outcome:         types.OutcomePassed,
		HTTPStatus:      httpStatus,
		FieldsTouched:   flattenedPaths(payload),
	}
	if !success && responseBody != "" {
		trace.ErrorCode = truncate(responseBody, 512)
	}
	return e.feedback.Commit(trace)
}

// QueryGuidance retrieves learned knowledge for a concept query, optionally
// scoped to one tool. Fails with ErrRetrievalUnavailable when no embedding
// collaborator is configured.
func (e *Engine) QueryGuidance(ctx context.Context, conceptQuery, toolScope string, topK int) ([]retrieval.Result, error) {
	if e.retriever == nil {
		return nil, fmt.Errorf("%w: no embedding collaborator configured", types.ErrRetrievalUnavailable)
	}
	if topK <= 0 {
		topK = e.cfg.Retrieval.DefaultTopK
	}
	return e.retriever.Retrieve(ctx, conceptQuery, toolScope, topK)
}

func flattenedPaths(payload map[string]interface{}) []string {
	flat := detector.Flatten(payload)
	out := make([]string, 0, len(flat))
	for path := range flat {
		out = append(out, path)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
