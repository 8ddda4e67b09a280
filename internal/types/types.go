// Package types provides shared type definitions used across toolmend packages.
// This package exists to break import cycles between the store, detector, and
// repair packages. Types here are foundational data structures with no complex
// dependencies.
package types

import (
	"time"
)

// =============================================================================
// TOOL CONTRACTS - LEARNED BELIEFS ABOUT TOOL INPUT SHAPES
// =============================================================================

// FieldType is the inferred type of a contract field, learned from observed
// payloads rather than declared schemas.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInt     FieldType = "int"
	FieldFloat   FieldType = "float"
	FieldBool    FieldType = "bool"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldUnknown FieldType = "unknown"
)

// ContractField is one field of a learned tool contract.
// Confidence is in [0,1]; it decays with age and rises with corroborating
// observations. A field's confidence must only be derived from execution
// traces that reference this exact tool+field path.
type ContractField struct {
	Path string    `json:"path"` // dotted field path, e.g. "payment.amount_cents"
	Type FieldType `json:"type"`
	Unit string    `json:"unit,omitempty"` // semantic unit hint, e.g. "cents", "iso8601"

	Required           bool    `json:"required"`
	RequiredConfidence float64 `json:"required_confidence"` // confidence that Required is true

	Confidence   float64   `json:"confidence"`
	Observations int       `json:"observations"`
	LastObserved time.Time `json:"last_observed"`

	// Enum tracking: the observed closed value set. The set is only treated
	// as closed once it has been stable (no new value) for EnumStableAfter
	// consecutive observations.
	EnumValues       []string `json:"enum_values,omitempty"`
	EnumObservations int      `json:"enum_observations,omitempty"`

	// Numeric envelope for range and unit-drift checks.
	Min   float64 `json:"min,omitempty"`
	Max   float64 `json:"max,omitempty"`
	Mean  float64 `json:"mean,omitempty"`
	M2    float64 `json:"m2,omitempty"` // Welford accumulator for variance
	Count int     `json:"count,omitempty"`
}

// Variance returns the running sample variance of the numeric envelope.
func (f *ContractField) Variance() float64 {
	if f.Count < 2 {
		return 0
	}
	return f.M2 / float64(f.Count-1)
}

// ToolContract is the system's versioned, confidence-weighted belief about a
// tool's accepted input shape. Contracts are append-only: an update creates a
// new version linked to the prior one, so past contracts stay auditable.
type ToolContract struct {
	ToolID    string                    `json:"tool_id"`
	Version   int64                     `json:"version"`
	PrevID    string                    `json:"prev_id,omitempty"` // version-chain link
	VersionID string                    `json:"version_id"`
	Fields    map[string]*ContractField `json:"fields"` // keyed by field path
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Field returns the named field or nil.
func (c *ToolContract) Field(path string) *ContractField {
	if c == nil || c.Fields == nil {
		return nil
	}
	return c.Fields[path]
}

// RequiredFields returns the paths of fields whose required-ness has been
// learned with at least the given confidence, sorted order not guaranteed.
func (c *ToolContract) RequiredFields(minConfidence float64) []string {
	var out []string
	for path, f := range c.Fields {
		if f.Required && f.RequiredConfidence >= minConfidence {
			out = append(out, path)
		}
	}
	return out
}

// =============================================================================
// MISMATCH REPORTS
// =============================================================================

// ViolationKind tags a single contract violation.
type ViolationKind string

const (
	MissingRequiredField ViolationKind = "missing_required_field"
	UnknownField         ViolationKind = "unknown_field"
	TypeMismatch         ViolationKind = "type_mismatch"
	EnumViolation        ViolationKind = "enum_violation"
	UnitSuspect          ViolationKind = "unit_suspect"
	RangeViolation       ViolationKind = "range_violation"
)

// Severity separates violations that block dispatch from advisory hints.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Violation is one detected divergence between a proposed call and the
// current contract.
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	Severity  Severity      `json:"severity"`
	FieldPath string        `json:"field_path"`
	Observed  interface{}   `json:"observed,omitempty"`
	Expected  string        `json:"expected,omitempty"` // human-readable constraint
}

// MismatchReport is the structured result of checking one proposed call.
// Ephemeral: produced per call, persisted only as part of an ExecutionTrace.
type MismatchReport struct {
	ToolID          string      `json:"tool_id"`
	ContractVersion int64       `json:"contract_version"`
	Violations      []Violation `json:"violations"`
	GeneratedAt     time.Time   `json:"generated_at"`
}

// HasBlocking reports whether any violation would block dispatch.
func (r *MismatchReport) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Blocking returns only the blocking violations, preserving order.
func (r *MismatchReport) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlocking {
			out = append(out, v)
		}
	}
	return out
}

// Clean reports whether the call passed with no violations at all.
func (r *MismatchReport) Clean() bool {
	return len(r.Violations) == 0
}

// =============================================================================
// TRANSFORM RECIPES
// =============================================================================

// RecipeKind distinguishes closed-form rules from sandbox programs.
type RecipeKind string

const (
	// RecipeRename maps a source field to a target field unchanged.
	RecipeRename RecipeKind = "rename"
	// RecipeScale multiplies a numeric value by Factor, optionally rounding.
	RecipeScale RecipeKind = "scale"
	// RecipeCoerce converts the value to the target field's type.
	RecipeCoerce RecipeKind = "coerce"
	// RecipeProgram runs a sandboxed transformation program.
	RecipeProgram RecipeKind = "program"
)

// TransformRecipe is a reusable deterministic transformation between two
// semantic concepts (e.g. "amt dollars" -> "amount_cents"). Re-running a
// committed recipe on identical input must yield identical output.
type TransformRecipe struct {
	ID            string     `json:"id"`
	SourceConcept string     `json:"source_concept"`
	TargetConcept string     `json:"target_concept"`
	Kind          RecipeKind `json:"kind"`

	// Closed-form parameters (RecipeScale / RecipeCoerce).
	Factor     float64   `json:"factor,omitempty"`
	Round      bool      `json:"round,omitempty"`
	TargetType FieldType `json:"target_type,omitempty"`

	// Program body for RecipeProgram. Must define
	// func Transform(input string) (string, error).
	Program string `json:"program,omitempty"`

	SuccessCount int  `json:"success_count"`
	FailureCount int  `json:"failure_count"`
	Trusted      bool `json:"trusted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate returns the observed success ratio, 0 when never applied.
func (r *TransformRecipe) SuccessRate() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(total)
}

// =============================================================================
// EXECUTION TRACES
// =============================================================================

// TraceOutcome is the terminal status of one orchestrated call.
type TraceOutcome string

const (
	OutcomePassed       TraceOutcome = "passed"
	OutcomeRepaired     TraceOutcome = "repaired"
	OutcomeUnresolvable TraceOutcome = "unresolvable"
	OutcomeCancelled    TraceOutcome = "cancelled"
)

// ExecutionTrace is the immutable record of one attempted call. It is the
// unit the feedback writer consumes to close the learning loop.
type ExecutionTrace struct {
	ID        string `json:"id"`
	ToolID    string `json:"tool_id"`
	SessionID string `json:"session_id,omitempty"`

	OriginalPayload map[string]interface{} `json:"original_payload"`
	Report          *MismatchReport        `json:"report,omitempty"`
	Strategy        string                 `json:"strategy,omitempty"` // final strategy that resolved (or last tried)
	FinalPayload    map[string]interface{} `json:"final_payload,omitempty"`

	Outcome    TraceOutcome `json:"outcome"`
	ErrorCode  string       `json:"error_code,omitempty"`
	HTTPStatus int          `json:"http_status,omitempty"` // ground truth from real execution, if reported

	// Field paths this trace constitutes evidence for. Confidence updates
	// must only consume traces listing the exact tool+field path.
	FieldsTouched []string `json:"fields_touched,omitempty"`

	// Recipes applied during repair, for success/failure accounting.
	RecipesApplied []string `json:"recipes_applied,omitempty"`

	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// SANDBOX JOBS
// =============================================================================

// SandboxBudget bounds one sandboxed transformation run. Limits are enforced
// externally to the program, never cooperatively.
type SandboxBudget struct {
	WallClock   time.Duration `json:"wall_clock"`
	CPUTime     time.Duration `json:"cpu_time"`
	MemoryBytes int64         `json:"memory_bytes"`
}

// SandboxJob is one request to run a deterministic transformation program.
// Created per invocation, discarded after the result is returned and logged.
type SandboxJob struct {
	ID       string            `json:"id"`
	Program  string            `json:"program"`
	Bindings map[string]string `json:"bindings"` // explicit inputs; no ambient state
	Budget   SandboxBudget     `json:"budget"`
}

// SandboxResult is the outcome of a sandbox run. Stdout/stderr are captured
// for audit only; the explicit return value is the sole trusted result.
type SandboxResult struct {
	Value    string        `json:"value"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// =============================================================================
// REPAIR OUTCOMES (BOUNDARY TYPE)
// =============================================================================

// RepairStatus is the caller-visible status of ValidateAndRepair.
type RepairStatus string

const (
	StatusPassed       RepairStatus = "passed"
	StatusRepaired     RepairStatus = "repaired"
	StatusUnresolvable RepairStatus = "unresolvable"
)

// RepairOutcome is the structured result returned to the execution
// collaborator. When Status is Unresolvable the payload must not be
// dispatched.
type RepairOutcome struct {
	Status       RepairStatus           `json:"status"`
	FinalPayload map[string]interface{} `json:"final_payload,omitempty"`
	Violations   []Violation            `json:"violations,omitempty"`
	Trace        *ExecutionTrace        `json:"trace,omitempty"`
}
