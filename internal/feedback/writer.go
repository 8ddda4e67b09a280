// Package feedback closes the learning loop. It consumes execution traces
// asynchronously, persists them, updates recipe trust and contract
// confidence, and promotes repeated mismatches into contract updates so the
// same repair never has to run twice.
//
// The writer is the only component that mutates learned state from
// outcomes. The orchestrator and detector stay read-only; everything they
// learn arrives through this queue.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"toolmend/internal/detector"
	"toolmend/internal/logging"
	"toolmend/internal/store"
	"toolmend/internal/types"
)

// Config holds feedback writer policy.
type Config struct {
	// QueueSize bounds the commit queue; a full queue drops the trace
	// rather than blocking the repair path.
	QueueSize int

	// PromotionThreshold is how many times the same mismatch must repeat
	// before the contract itself is updated to absorb it.
	PromotionThreshold int

	// RetryBackoff is the base delay between store write retries; it
	// doubles per attempt up to MaxRetries.
	RetryBackoff time.Duration
	MaxRetries   int

	// TrustThreshold and MinApplications parameterize recipe trust
	// recomputation on every recorded outcome.
	TrustThreshold  float64
	MinApplications int

	// ConfidenceHalfLife controls age decay of field confidence: evidence
	// this old counts half.
	ConfidenceHalfLife time.Duration
}

// DefaultConfig returns the default feedback policy.
func DefaultConfig() Config {
	return Config{
		QueueSize:          256,
		PromotionThreshold: 3,
		RetryBackoff:       500 * time.Millisecond,
		MaxRetries:         5,
		TrustThreshold:     0.8,
		MinApplications:    3,
		ConfidenceHalfLife: 720 * time.Hour,
	}
}

// Writer is the asynchronous trace consumer.
type Writer struct {
	store *store.KnowledgeStore
	cfg   Config

	queue  chan *types.ExecutionTrace
	group  *errgroup.Group
	cancel context.CancelFunc

	dropped   atomic.Int64
	closeOnce sync.Once
}

// New creates a feedback writer and starts its worker. Close must be called
// to drain and stop it.
func New(s *store.KnowledgeStore, cfg Config) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.ConfidenceHalfLife <= 0 {
		cfg.ConfidenceHalfLife = 720 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	w := &Writer{
		store:  s,
		cfg:    cfg,
		queue:  make(chan *types.ExecutionTrace, cfg.QueueSize),
		group:  g,
		cancel: cancel,
	}

	g.Go(func() error {
		return w.run(gctx)
	})
	return w
}

// Commit enqueues a trace for asynchronous processing. Never blocks: when
// the queue is full the trace is dropped and counted, and an error is
// returned so the caller can log the loss.
func (w *Writer) Commit(trace *types.ExecutionTrace) error {
	if trace == nil || trace.ID == "" {
		return fmt.Errorf("%w: trace requires an id", types.ErrInvalidInput)
	}
	select {
	case w.queue <- trace:
		return nil
	default:
		n := w.dropped.Add(1)
		logging.Get(logging.CategoryFeedback).Warn("Commit queue full, dropped trace %s (%d dropped total)", trace.ID, n)
		return fmt.Errorf("%w: feedback queue full", types.ErrStoreWriteFailed)
	}
}

// Dropped reports how many traces were lost to queue pressure.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains the queue and stops the worker.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.queue)
	})
	err := w.group.Wait()
	w.cancel()
	return err
}

// run consumes traces until the queue closes.
func (w *Writer) run(ctx context.Context) error {
	for trace := range w.queue {
		if err := w.process(ctx, trace); err != nil {
			logging.Feedback("Trace %s processing failed: %v", trace.ID, err)
		}
	}
	return nil
}

// process applies the full learning update for one trace, in order: persist
// the trace, account recipe outcomes, update contract confidence, promote
// repeated mismatches.
func (w *Writer) process(ctx context.Context, trace *types.ExecutionTrace) error {
	timer := logging.StartTimer(logging.CategoryFeedback, "process")
	defer timer.Stop()

	if err := w.persistTrace(ctx, trace); err != nil {
		return err
	}
	logging.Audit().Event(logging.AuditTraceCommit, trace.ToolID, trace.ID, true, string(trace.Outcome))

	w.accountRecipes(ctx, trace)

	if err := w.updateContract(trace); err != nil {
		logging.FeedbackDebug("Contract update for %s failed: %v", trace.ToolID, err)
	}

	w.promoteMismatches(trace)
	w.summarizeRepair(ctx, trace)
	return nil
}

// persistTrace writes the trace with bounded retry. Only transient store
// write failures retry; anything else fails immediately.
func (w *Writer) persistTrace(ctx context.Context, trace *types.ExecutionTrace) error {
	var err error
	backoff := w.cfg.RetryBackoff

	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		err = w.store.RecordTrace(trace)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrStoreWriteFailed) {
			return err
		}

		logging.Audit().Event(logging.AuditStoreWriteRetry, trace.ToolID, trace.ID, false,
			fmt.Sprintf("attempt %d: %v", attempt+1, err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("trace %s not persisted after %d retries: %w", trace.ID, w.cfg.MaxRetries, err)
}

// accountRecipes records success or failure for every recipe the repair
// applied, emits promote/demote audit events when trust flips, and keeps
// the retrieval index's success rate current.
func (w *Writer) accountRecipes(ctx context.Context, trace *types.ExecutionTrace) {
	if len(trace.RecipesApplied) == 0 {
		return
	}

	success := recipeSuccess(trace)
	for _, id := range trace.RecipesApplied {
		before, err := w.store.GetRecipeByID(id)
		if err != nil || before == nil {
			continue
		}

		if err := w.store.RecordRecipeOutcome(id, success, w.cfg.TrustThreshold, w.cfg.MinApplications); err != nil {
			logging.FeedbackDebug("Recipe %s outcome not recorded: %v", id, err)
			continue
		}

		after, err := w.store.GetRecipeByID(id)
		if err != nil || after == nil {
			continue
		}

		if !before.Trusted && after.Trusted {
			logging.Audit().Event(logging.AuditRecipePromoted, trace.ToolID, id, true,
				fmt.Sprintf("success rate %.2f over %d applications", after.SuccessRate(), after.SuccessCount+after.FailureCount))
		}
		if before.Trusted && !after.Trusted {
			logging.Audit().Event(logging.AuditRecipeDemoted, trace.ToolID, id, false,
				fmt.Sprintf("success rate fell to %.2f", after.SuccessRate()))
		}

		if err := w.store.UpdateEntrySuccessRate(id, after.SuccessRate()); err != nil {
			logging.FeedbackDebug("Entry success rate for recipe %s not updated: %v", id, err)
		}
	}
}

// recipeSuccess decides whether applied recipes count as successful. A
// repaired outcome succeeds unless ground truth later contradicted it with
// a client error.
func recipeSuccess(trace *types.ExecutionTrace) bool {
	if trace.Outcome != types.OutcomeRepaired && trace.Outcome != types.OutcomePassed {
		return false
	}
	if trace.HTTPStatus >= 400 && trace.HTTPStatus < 500 {
		return false
	}
	return true
}

// updateContract folds the trace's observed payload into the tool's
// contract as a delta: per-field observation counts, numeric envelopes,
// enum candidates, and confidence adjustment.
//
// Confidence moves monotonically per evidence direction: a success never
// lowers a field's confidence below its age-decayed value, a failure never
// raises it.
func (w *Writer) updateContract(trace *types.ExecutionTrace) error {
	payload := trace.FinalPayload
	if payload == nil {
		payload = trace.OriginalPayload
	}
	if payload == nil || trace.ToolID == "" {
		return nil
	}

	success := trace.Outcome == types.OutcomePassed || trace.Outcome == types.OutcomeRepaired
	if trace.HTTPStatus >= 400 && trace.HTTPStatus < 500 {
		success = false
	}

	current, err := w.store.GetContract(trace.ToolID)
	if err != nil && !errors.Is(err, types.ErrContractNotFound) {
		return err
	}

	now := time.Now().UTC()
	delta := &types.ToolContract{
		ToolID: trace.ToolID,
		Fields: make(map[string]*types.ContractField),
	}

	for path, value := range detector.Flatten(payload) {
		f := &types.ContractField{
			Path:         path,
			Type:         detector.InferType(value),
			Observations: 1,
			LastObserved: now,
		}

		if n, ok := numericValue(value); ok {
			f.Min, f.Max, f.Mean, f.Count = n, n, n, 1
		}
		if s, ok := value.(string); ok && len(s) <= 64 {
			f.EnumValues = []string{s}
			f.EnumObservations = 1
		}

		var prior *types.ContractField
		if current != nil {
			prior = current.Field(path)
		}
		f.Confidence = nextConfidence(prior, success, now, w.cfg.ConfidenceHalfLife)
		delta.Fields[path] = f
	}

	committed, err := w.store.UpsertContract(delta)
	if err != nil {
		return err
	}
	logging.Audit().Event(logging.AuditContractUpdate, trace.ToolID,
		fmt.Sprintf("v%d", committed.Version), true, "")
	return nil
}

// nextConfidence computes a field's updated confidence from its prior. The
// prior decays by age with the configured half-life, then moves a fixed
// fraction toward 1 on success or toward 0 on failure.
func nextConfidence(prior *types.ContractField, success bool, now time.Time, halfLife time.Duration) float64 {
	const step = 0.1

	base := 0.0
	if prior != nil {
		base = prior.Confidence
		if !prior.LastObserved.IsZero() && halfLife > 0 {
			age := now.Sub(prior.LastObserved)
			if age > 0 {
				base *= math.Pow(0.5, age.Hours()/halfLife.Hours())
			}
		}
	}

	if success {
		return base + (1-base)*step
	}
	return base * (1 - step)
}

// promoteMismatches bumps the persistent counter for every blocking
// violation on a successfully repaired trace. Once the same unknown field
// has repeated past the threshold, it is absorbed into the contract so
// future calls pass detection without repair.
func (w *Writer) promoteMismatches(trace *types.ExecutionTrace) {
	if trace.Report == nil || trace.Outcome != types.OutcomeRepaired {
		return
	}

	for _, v := range trace.Report.Blocking() {
		count, err := w.store.BumpMismatchCount(trace.ToolID, v.FieldPath, v.Kind)
		if err != nil {
			logging.FeedbackDebug("Mismatch count for %s.%s not bumped: %v", trace.ToolID, v.FieldPath, err)
			continue
		}
		if count < w.cfg.PromotionThreshold || v.Kind != types.UnknownField {
			continue
		}

		// The model keeps sending this field and repair keeps succeeding:
		// learn it as a known optional field.
		observed := detector.InferType(v.Observed)
		delta := &types.ToolContract{
			ToolID: trace.ToolID,
			Fields: map[string]*types.ContractField{
				v.FieldPath: {
					Path:         v.FieldPath,
					Type:         observed,
					Observations: count,
					Confidence:   0.5,
					LastObserved: time.Now().UTC(),
				},
			},
		}
		if _, err := w.store.UpsertContract(delta); err != nil {
			logging.FeedbackDebug("Promotion of %s.%s failed: %v", trace.ToolID, v.FieldPath, err)
			continue
		}
		logging.Feedback("Promoted repeated mismatch %s.%s (%s, seen %d times) into the contract",
			trace.ToolID, v.FieldPath, v.Kind, count)
		logging.Audit().Event(logging.AuditContractUpdate, trace.ToolID, v.FieldPath, true,
			fmt.Sprintf("mismatch promoted after %d occurrences", count))
	}
}

// summarizeRepair distills a successful repair into a retrievable knowledge
// entry so future strategy selection can find precedent.
func (w *Writer) summarizeRepair(ctx context.Context, trace *types.ExecutionTrace) {
	if trace.Outcome != types.OutcomeRepaired || trace.Strategy == "" {
		return
	}

	content := fmt.Sprintf("repaired %s call via %s touching %v", trace.ToolID, trace.Strategy, trace.FieldsTouched)
	entry := &store.KnowledgeEntry{
		Kind:    store.EntryTraceSummary,
		ToolID:  trace.ToolID,
		RefID:   trace.ID,
		Content: content,
		Metadata: map[string]interface{}{
			"strategy": trace.Strategy,
			"recipes":  trace.RecipesApplied,
		},
		SuccessRate: 1.0,
	}
	if err := w.store.PutEntry(ctx, entry); err != nil {
		logging.FeedbackDebug("Trace summary for %s not stored: %v", trace.ID, err)
	}
}

// numericValue extracts a float64 from JSON-shaped numeric values.
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
