package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeClassify represents turn classification errors
	ErrorTypeClassify ErrorType = "classify"
	// ErrorTypePlan represents annotation planning errors
	ErrorTypePlan ErrorType = "plan"
	// ErrorTypeResolve represents property resolution errors
	ErrorTypeResolve ErrorType = "resolve"
	// ErrorTypeBackend represents transport failures on outbound calls
	ErrorTypeBackend ErrorType = "backend"
	// ErrorTypeMemory represents memory layer errors
	ErrorTypeMemory ErrorType = "memory"
	// ErrorTypeQuota represents per-user quota errors
	ErrorTypeQuota ErrorType = "quota"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Classification Errors

// ClassifyError is returned when the classifier output carries neither a
// "response:" nor a "question:" prefix.
type ClassifyError struct {
	*BaseError
	Raw string
}

func NewClassifyError(raw string, err error) *ClassifyError {
	return &ClassifyError{
		BaseError: NewBaseError(ErrorTypeClassify, "classifier returned an unrecognised reply", err),
		Raw:       raw,
	}
}

// Planning Errors

// PlanStage names the annotation pipeline stage that failed.
type PlanStage string

const (
	PlanStageExtraction  PlanStage = "extraction"
	PlanStageShape       PlanStage = "shape"
	PlanStageSchema      PlanStage = "schema"
	PlanStageResolution  PlanStage = "resolution"
	PlanStageUnreachable PlanStage = "unreachable"
)

// PlanError is returned by the annotation planner.
type PlanError struct {
	*BaseError
	Stage    PlanStage
	Question string
}

func NewPlanError(stage PlanStage, question, message string, err error) *PlanError {
	return &PlanError{
		BaseError: NewBaseError(ErrorTypePlan, fmt.Sprintf("%s: %s", stage, message), err),
		Stage:     stage,
		Question:  question,
	}
}

// Resolution Errors

// ResolveReason distinguishes resolver failure modes.
type ResolveReason string

const (
	ResolveReasonBackend ResolveReason = "backend"
	ResolveReasonNoMatch ResolveReason = "no_match"
)

// ResolveError is returned when a property value cannot be resolved to a
// canonical graph value.
type ResolveError struct {
	*BaseError
	Reason ResolveReason
	Kind   string
	Key    string
	Value  string
}

func NewResolveError(reason ResolveReason, kind, key, value string, err error) *ResolveError {
	return &ResolveError{
		BaseError: NewBaseError(ErrorTypeResolve, fmt.Sprintf("cannot resolve %s.%s=%q (%s)", kind, key, value, reason), err),
		Reason:    reason,
		Kind:      kind,
		Key:       key,
		Value:     value,
	}
}

// Backend Errors

// BackendReason distinguishes transport failure modes.
type BackendReason string

const (
	BackendReasonTimeout     BackendReason = "timeout"
	BackendReasonUnavailable BackendReason = "unavailable"
)

// BackendError is returned when an outbound call to a model, database or
// remote service fails at the transport level.
type BackendError struct {
	*BaseError
	Reason  BackendReason
	Service string
}

func NewBackendError(reason BackendReason, service string, err error) *BackendError {
	return &BackendError{
		BaseError: NewBaseError(ErrorTypeBackend, fmt.Sprintf("%s %s", service, reason), err),
		Reason:    reason,
		Service:   service,
	}
}

// FromContext classifies err from a call to service. Deadline expiry becomes a
// timeout, anything else unavailable. Errors that already carry a taxonomy type
// and caller cancellation are passed through unchanged.
func FromContext(service string, err error) error {
	if err == nil {
		return nil
	}
	if _, typed := typeOf(err); typed {
		return err
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewBackendError(BackendReasonTimeout, service, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return NewBackendError(BackendReasonTimeout, service, err)
	}
	return NewBackendError(BackendReasonUnavailable, service, err)
}

// Memory Errors

// MemoryError is returned when the memory layer cannot use a model reply.
type MemoryError struct {
	*BaseError
	UserID string
}

func NewMemoryError(userID, message string, err error) *MemoryError {
	return &MemoryError{
		BaseError: NewBaseError(ErrorTypeMemory, message, err),
		UserID:    userID,
	}
}

// Quota Errors

// QuotaError is returned when a user has reached the document limit.
type QuotaError struct {
	*BaseError
	UserID string
	Limit  int
}

func NewQuotaError(userID string, limit int) *QuotaError {
	return &QuotaError{
		BaseError: NewBaseError(ErrorTypeQuota, fmt.Sprintf("document quota of %d reached", limit), nil),
		UserID:    userID,
		Limit:     limit,
	}
}

// Config Errors

// ErrConfigInvalid is returned when the configuration document fails validation
type ErrConfigInvalid struct {
	*BaseError
	Field string
}

func NewConfigInvalid(field string, err error) *ErrConfigInvalid {
	return &ErrConfigInvalid{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("invalid configuration field: %s", field), err),
		Field:     field,
	}
}

// Helper functions

func typeOf(err error) (ErrorType, bool) {
	var (
		ce *ClassifyError
		pe *PlanError
		re *ResolveError
		be *BackendError
		me *MemoryError
		qe *QuotaError
		cf *ErrConfigInvalid
		b  *BaseError
	)
	switch {
	case stderrors.As(err, &ce):
		return ErrorTypeClassify, true
	case stderrors.As(err, &pe):
		return ErrorTypePlan, true
	case stderrors.As(err, &re):
		return ErrorTypeResolve, true
	case stderrors.As(err, &be):
		return ErrorTypeBackend, true
	case stderrors.As(err, &me):
		return ErrorTypeMemory, true
	case stderrors.As(err, &qe):
		return ErrorTypeQuota, true
	case stderrors.As(err, &cf):
		return ErrorTypeConfig, true
	case stderrors.As(err, &b):
		return b.Type, true
	}
	return "", false
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	t, ok := typeOf(err)
	return ok && t == errorType
}

// IsRetryable checks if an error is retryable. Only backend timeouts are.
func IsRetryable(err error) bool {
	var be *BackendError
	return stderrors.As(err, &be) && be.Reason == BackendReasonTimeout
}

// AsPlanError extracts a PlanError from err
func AsPlanError(err error) (*PlanError, bool) {
	var pe *PlanError
	ok := stderrors.As(err, &pe)
	return pe, ok
}

// AsResolveError extracts a ResolveError from err
func AsResolveError(err error) (*ResolveError, bool) {
	var re *ResolveError
	ok := stderrors.As(err, &re)
	return re, ok
}

// AsBackendError extracts a BackendError from err
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	ok := stderrors.As(err, &be)
	return be, ok
}

// Re-exports so callers importing this package as "errors" keep the standard helpers.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)
