// Package detector compares a proposed tool call against the best-known
// contract for the target tool and produces a structured mismatch report.
// Detection is belief-weighted: partially-learned contracts produce
// advisory hints instead of blocking violations, so a young contract never
// hard-rejects traffic it has not earned the right to judge.
package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// Config holds the detection thresholds. All of these are policy knobs
// surfaced through the config package, not hidden constants.
type Config struct {
	// RequiredConfidenceFloor gates MissingRequiredField: below the floor a
	// missing field is an advisory hint.
	RequiredConfidenceFloor float64

	// EnumStableAfter: observations without a new value before an enum set
	// is treated as closed.
	EnumStableAfter int

	// RangeSlackFactor widens the observed envelope before RangeViolation
	// fires.
	RangeSlackFactor float64

	// UnitDriftSigma / UnitDriftMinObservations tune the magnitude-outlier
	// heuristic behind UnitSuspect.
	UnitDriftSigma           float64
	UnitDriftMinObservations int

	// RangeMinObservations: envelope checks stay advisory until this many
	// numeric observations exist.
	RangeMinObservations int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		RequiredConfidenceFloor:  0.6,
		EnumStableAfter:          20,
		RangeSlackFactor:         1.5,
		UnitDriftSigma:           4.0,
		UnitDriftMinObservations: 20,
		RangeMinObservations:     10,
	}
}

// Detector produces mismatch reports. Stateless: safe for concurrent use.
type Detector struct {
	cfg Config
}

// New creates a detector with the given thresholds.
func New(cfg Config) *Detector {
	if cfg.EnumStableAfter <= 0 {
		cfg.EnumStableAfter = 20
	}
	if cfg.RangeSlackFactor < 1 {
		cfg.RangeSlackFactor = 1.5
	}
	if cfg.RangeMinObservations <= 0 {
		cfg.RangeMinObservations = 10
	}
	return &Detector{cfg: cfg}
}

// Detect runs the structural diff of a proposed call against a contract.
// A nil contract degrades to minimal structural validation: the call is
// only flattened, nothing is flagged. Violations are ordered blocking
// first, stable by field path.
func (d *Detector) Detect(proposedCall map[string]interface{}, contract *types.ToolContract) *types.MismatchReport {
	timer := logging.StartTimer(logging.CategoryDetector, "Detect")
	defer timer.Stop()

	report := &types.MismatchReport{
		GeneratedAt: time.Now().UTC(),
	}
	if contract != nil {
		report.ToolID = contract.ToolID
		report.ContractVersion = contract.Version
	}

	flat := Flatten(proposedCall)

	if contract == nil || len(contract.Fields) == 0 {
		logging.DetectorDebug("No contract available; structural validation only (%d fields)", len(flat))
		return report
	}

	var violations []types.Violation

	// Unknown fields: present in the call, absent from the contract.
	for path, value := range flat {
		if contract.Field(path) == nil {
			violations = append(violations, types.Violation{
				Kind:      types.UnknownField,
				Severity:  types.SeverityBlocking,
				FieldPath: path,
				Observed:  value,
				Expected:  "field not in learned contract",
			})
		}
	}

	// Missing required fields, gated on required-confidence.
	for path, field := range contract.Fields {
		if _, present := flat[path]; present {
			continue
		}
		if !field.Required {
			continue
		}
		severity := types.SeverityAdvisory
		if field.RequiredConfidence >= d.cfg.RequiredConfidenceFloor {
			severity = types.SeverityBlocking
		}
		violations = append(violations, types.Violation{
			Kind:      types.MissingRequiredField,
			Severity:  severity,
			FieldPath: path,
			Expected:  fmt.Sprintf("required %s field (confidence %.2f)", field.Type, field.RequiredConfidence),
		})
	}

	// Per-field checks for fields known to both sides.
	for path, value := range flat {
		field := contract.Field(path)
		if field == nil {
			continue
		}
		violations = append(violations, d.checkField(path, value, field)...)
	}

	sortViolations(violations)
	report.Violations = violations

	logging.DetectorDebug("Detect(tool=%s): %d violations (%d blocking)",
		report.ToolID, len(violations), len(report.Blocking()))
	return report
}

// checkField applies type, enum, range, and unit-drift checks to one field.
func (d *Detector) checkField(path string, value interface{}, field *types.ContractField) []types.Violation {
	var out []types.Violation

	// Type check with tolerant coercion: only a failed coercion is a
	// violation.
	if field.Type != "" && field.Type != types.FieldUnknown {
		if _, ok := Coerce(value, field.Type); !ok {
			out = append(out, types.Violation{
				Kind:      types.TypeMismatch,
				Severity:  types.SeverityBlocking,
				FieldPath: path,
				Observed:  value,
				Expected:  fmt.Sprintf("type %s", field.Type),
			})
			// Remaining checks assume a usable value.
			return out
		}
	}

	// Enum check: only once the observed set has been stable long enough
	// to be treated as closed.
	if len(field.EnumValues) > 0 && field.EnumObservations >= d.cfg.EnumStableAfter {
		if s, ok := value.(string); ok && !containsString(field.EnumValues, s) {
			out = append(out, types.Violation{
				Kind:      types.EnumViolation,
				Severity:  types.SeverityBlocking,
				FieldPath: path,
				Observed:  value,
				Expected:  fmt.Sprintf("one of %v (stable over %d observations)", field.EnumValues, field.EnumObservations),
			})
		}
	}

	// Numeric envelope checks.
	num, isNum := numericValue(value)
	if !isNum || field.Count == 0 {
		return out
	}

	if field.Count >= d.cfg.RangeMinObservations {
		lo, hi := d.slackEnvelope(field)
		if num < lo || num > hi {
			out = append(out, types.Violation{
				Kind:      types.RangeViolation,
				Severity:  types.SeverityBlocking,
				FieldPath: path,
				Observed:  value,
				Expected:  fmt.Sprintf("within [%g, %g] (observed envelope with slack %.2f)", lo, hi, d.cfg.RangeSlackFactor),
			})
			return out
		}
	}

	// Unit-drift heuristic: magnitude far outside the historical
	// distribution suggests the caller sent the wrong unit (dollars where
	// cents cluster). Probabilistic, never a hard reject.
	if field.Count >= d.cfg.UnitDriftMinObservations {
		if d.isMagnitudeOutlier(num, field) {
			out = append(out, types.Violation{
				Kind:      types.UnitSuspect,
				Severity:  types.SeverityAdvisory,
				FieldPath: path,
				Observed:  value,
				Expected: fmt.Sprintf("magnitude near historical mean %g (unit %q?)",
					field.Mean, field.Unit),
			})
		}
	}

	return out
}

// slackEnvelope widens the observed [min,max] by the slack factor so early
// envelopes do not over-fit.
func (d *Detector) slackEnvelope(field *types.ContractField) (float64, float64) {
	span := field.Max - field.Min
	if span == 0 {
		span = math.Abs(field.Max)
		if span == 0 {
			span = 1
		}
	}
	slack := (d.cfg.RangeSlackFactor - 1) * span
	return field.Min - slack, field.Max + slack
}

// isMagnitudeOutlier flags values whose magnitude sits far outside the
// historical distribution: many standard deviations from the mean, or two
// orders of magnitude off it. Both tests always run; a wide distribution
// barely moves the sigma test for low-side drift (12 where the mean is
// 20000 is under two sigma when values spread into six figures), so the
// ratio test catches what sigma cannot.
func (d *Detector) isMagnitudeOutlier(num float64, field *types.ContractField) bool {
	stddev := math.Sqrt(field.Variance())
	if stddev > 0 && math.Abs(num-field.Mean) > d.cfg.UnitDriftSigma*stddev {
		return true
	}
	if field.Mean == 0 {
		return false
	}
	ratio := math.Abs(num / field.Mean)
	return ratio >= 100 || ratio <= 0.01
}

// sortViolations orders blocking before advisory, stable by field path,
// then by kind for a deterministic report.
func sortViolations(violations []types.Violation) {
	sort.SliceStable(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Severity != b.Severity {
			return a.Severity == types.SeverityBlocking
		}
		if a.FieldPath != b.FieldPath {
			return a.FieldPath < b.FieldPath
		}
		return a.Kind < b.Kind
	})
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
