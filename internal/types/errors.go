package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
// Failures inside a single repair strategy are recovered locally by falling
// through to the next strategy; only exhaustion of all strategies surfaces as
// ErrUnresolvable. Store and retrieval failures degrade, they never block.

var (
	// ErrRetrievalUnavailable: the retrieval engine could not be reached.
	// Non-fatal; callers operate without grounding.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrContractNotFound: no learned contract exists for the tool.
	// Non-fatal; callers degrade to minimal structural validation.
	ErrContractNotFound = errors.New("contract not found")

	// ErrModelDelegationFailed: the reasoning collaborator failed or timed
	// out. Strategy-level failure; the orchestrator advances.
	ErrModelDelegationFailed = errors.New("model delegation failed")

	// ErrSandboxTimeout: the job exceeded its wall-clock or CPU budget.
	ErrSandboxTimeout = errors.New("sandbox timeout")

	// ErrSandboxResourceExceeded: the job breached its memory ceiling.
	ErrSandboxResourceExceeded = errors.New("sandbox resource exceeded")

	// ErrUnresolvable: all repair strategies exhausted; the call must not be
	// dispatched.
	ErrUnresolvable = errors.New("call unresolvable")

	// ErrStoreWriteFailed: the feedback writer could not commit. Logged and
	// retried with backoff; never blocks the originating call's result.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrInvalidInput: malformed input to the boundary itself.
	ErrInvalidInput = errors.New("invalid input")
)

// SandboxFault is a typed failure raised by a program inside the sandbox.
// Faults are captured as data and never escape as uncontrolled panics.
type SandboxFault struct {
	JobID   string
	Message string
}

func (e *SandboxFault) Error() string {
	return fmt.Sprintf("sandbox fault (job %s): %s", e.JobID, e.Message)
}

// NewSandboxFault wraps a program-level failure message.
func NewSandboxFault(jobID, message string) *SandboxFault {
	return &SandboxFault{JobID: jobID, Message: message}
}

// IsSandboxFault reports whether err is (or wraps) a SandboxFault.
func IsSandboxFault(err error) bool {
	var sf *SandboxFault
	return errors.As(err, &sf)
}

// StrategyError records which repair strategy failed and why, so traces can
// attribute partial failures without losing the underlying cause.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s failed: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
