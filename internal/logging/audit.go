// Package logging - audit logging for the repair pipeline.
// Audit events are structured JSON lines recording detection results,
// strategy transitions, sandbox runs, and feedback commits, so a full
// repair can be reconstructed after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Detection events
	AuditDetectStart    AuditEventType = "detect_start"
	AuditDetectComplete AuditEventType = "detect_complete"

	// Repair state machine events
	AuditStrategyStart    AuditEventType = "strategy_start"
	AuditStrategyResolved AuditEventType = "strategy_resolved"
	AuditStrategyFailed   AuditEventType = "strategy_failed"
	AuditRepairResolved   AuditEventType = "repair_resolved"
	AuditRepairExhausted  AuditEventType = "repair_exhausted"
	AuditRepairCancelled  AuditEventType = "repair_cancelled"

	// Sandbox events
	AuditSandboxRun     AuditEventType = "sandbox_run"
	AuditSandboxBlocked AuditEventType = "sandbox_blocked"
	AuditSandboxFault   AuditEventType = "sandbox_fault"

	// Learning loop events
	AuditTraceCommit     AuditEventType = "trace_commit"
	AuditContractUpdate  AuditEventType = "contract_update"
	AuditRecipePromoted  AuditEventType = "recipe_promoted"
	AuditRecipeDemoted   AuditEventType = "recipe_demoted"
	AuditGroundTruth     AuditEventType = "ground_truth"
	AuditStoreWriteRetry AuditEventType = "store_write_retry"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	SessionID  string                 `json:"session,omitempty"`
	TraceID    string                 `json:"trace,omitempty"`
	ToolID     string                 `json:"tool,omitempty"`
	Target     string                 `json:"target,omitempty"` // field path, recipe ID, job ID
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger handles structured audit logging, optionally scoped to a
// session/trace for correlation.
type AuditLogger struct {
	sessionID string
	traceID   string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithTrace creates an audit logger scoped to one repair trace.
func AuditWithTrace(sessionID, traceID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, traceID: traceID}
}

// Emit writes one audit event. No-op when audit logging is not initialized.
func (a *AuditLogger) Emit(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.TraceID == "" {
		event.TraceID = a.traceID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(data)
	auditFile.WriteString("\n")
}

// Event is shorthand for emitting a simple success/failure event.
func (a *AuditLogger) Event(eventType AuditEventType, toolID, target string, success bool, msg string) {
	a.Emit(AuditEvent{
		EventType: eventType,
		ToolID:    toolID,
		Target:    target,
		Success:   success,
		Message:   msg,
	})
}
