package failure

import (
	"errors"
	"fmt"
)

// Category classifies orchestration failures for recovery decisions
type Category string

const (
	CategorySessionManagement  Category = "session_management"
	CategoryModelInference     Category = "model_inference"
	CategoryAgentExecution     Category = "agent_execution"
	CategoryVoiceProcessing    Category = "voice_processing"
	CategoryMemoryOperation    Category = "memory_operation"
	CategorySecurityValidation Category = "security_validation"
	CategoryResourceManagement Category = "resource_management"
	CategoryCommunication      Category = "communication"
	CategoryConfiguration      Category = "configuration"
)

// Severity ranks how disruptive a failure is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the tagged failure that crosses component boundaries
type Error struct {
	Category    Category
	Severity    Severity
	Recoverable bool
	Op          string // operation that failed, e.g. "create_session"
	Message     string
	Cause       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a failure. Security failures are forced non-recoverable.
func New(category Category, severity Severity, op, message string, cause error) *Error {
	recoverable := category != CategorySecurityValidation
	return &Error{
		Category:    category,
		Severity:    severity,
		Recoverable: recoverable,
		Op:          op,
		Message:     message,
		Cause:       cause,
	}
}

// Fatal creates a failure that must not trigger recovery
func Fatal(category Category, severity Severity, op, message string, cause error) *Error {
	e := New(category, severity, op, message, cause)
	e.Recoverable = false
	return e
}

// SecurityDenied is returned when a caller lacks a required capability
func SecurityDenied(op, message string) *Error {
	return New(CategorySecurityValidation, SeverityHigh, op, message, nil)
}

// NotFound reports a missing session
func NotFound(op, sessionID string) *Error {
	return Fatal(CategorySessionManagement, SeverityLow, op, "session not found: "+sessionID, nil)
}

// As extracts a *Error from err
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CategoryOf returns the category of err, defaulting to agent execution for untagged errors
func CategoryOf(err error) Category {
	if fe, ok := As(err); ok {
		return fe.Category
	}
	return CategoryAgentExecution
}

// IsSecurity reports whether err is a security validation failure
func IsSecurity(err error) bool {
	fe, ok := As(err)
	return ok && fe.Category == CategorySecurityValidation
}

// IsRecoverable reports whether the recovery subsystem may act on err.
// Untagged errors are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := As(err); ok {
		return fe.Recoverable
	}
	return true
}
