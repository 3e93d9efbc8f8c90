// Package errors provides the standardized error taxonomy shared by the
// notification pipeline and its Zeebe trigger.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeTemplateLoadFailed  ErrorCode = "TEMPLATE_LOAD_FAILED"
	ErrCodeTemplateNotFound    ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateDataInvalid ErrorCode = "TEMPLATE_DATA_INVALID"

	ErrCodeTransientFailure ErrorCode = "TRANSIENT_FAILURE"
	ErrCodePermanentFailure ErrorCode = "PERMANENT_FAILURE"

	ErrCodeLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE"
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	ErrCodePassInProgress    ErrorCode = "PASS_IN_PROGRESS"
	ErrCodePassInterrupted   ErrorCode = "PASS_INTERRUPTED"
	ErrCodeInvalidJobInput   ErrorCode = "INVALID_JOB_INPUT"

	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error so errors.Is/As can see through it.
func (e *StandardError) WithCause(err error) *StandardError {
	e.cause = err
	if e.Details == "" && err != nil {
		e.Details = err.Error()
	}
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

// NewTemplateLoadError is fatal at startup: a template failed to parse or
// its manifest is unusable.
func NewTemplateLoadError(templateName string, err error) *StandardError {
	return (&StandardError{
		Code:      ErrCodeTemplateLoadFailed,
		Message:   fmt.Sprintf("failed to load template %q", templateName),
		Retryable: false,
		Metadata:  map[string]interface{}{"template": templateName},
		Timestamp: time.Now().UTC(),
	}).WithCause(err)
}

// NewTemplateNotFoundError creates a non-retryable template error.
func NewTemplateNotFoundError(templateName string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTemplateNotFound,
		Message:   "Template not found in registry",
		Details:   fmt.Sprintf("template: %s", templateName),
		Retryable: false,
		Metadata:  map[string]interface{}{"template": templateName},
		Timestamp: time.Now().UTC(),
	}
}

// NewTemplateDataError names the required fields that were absent and any
// fields that failed the template's data schema.
func NewTemplateDataError(templateName string, missing, invalid []string) *StandardError {
	missing = sortedCopy(missing)
	invalid = sortedCopy(invalid)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid fields: "+strings.Join(invalid, ", "))
	}

	return &StandardError{
		Code:      ErrCodeTemplateDataInvalid,
		Message:   fmt.Sprintf("template data does not satisfy %q", templateName),
		Details:   strings.Join(parts, "; "),
		Retryable: false,
		Metadata: map[string]interface{}{
			"template":      templateName,
			"missingFields": missing,
			"invalidFields": invalid,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewTransientFailureError marks a send failure that may succeed on a later pass.
func NewTransientFailureError(transport string, err error) *StandardError {
	return (&StandardError{
		Code:      ErrCodeTransientFailure,
		Message:   fmt.Sprintf("%s send failed", transport),
		Retryable: true,
		Metadata:  map[string]interface{}{"transport": transport},
		Timestamp: time.Now().UTC(),
	}).WithCause(err)
}

// NewPermanentFailureError marks a send failure that must not be retried.
func NewPermanentFailureError(transport string, err error) *StandardError {
	return (&StandardError{
		Code:      ErrCodePermanentFailure,
		Message:   fmt.Sprintf("%s rejected message", transport),
		Retryable: false,
		Metadata:  map[string]interface{}{"transport": transport},
		Timestamp: time.Now().UTC(),
	}).WithCause(err)
}

// NewLedgerUnavailableError aborts the current pass.
func NewLedgerUnavailableError(op string, err error) *StandardError {
	return (&StandardError{
		Code:      ErrCodeLedgerUnavailable,
		Message:   fmt.Sprintf("notification ledger unavailable during %s", op),
		Retryable: true,
		Metadata:  map[string]interface{}{"operation": op},
		Timestamp: time.Now().UTC(),
	}).WithCause(err)
}

// NewSourceUnavailableError aborts the current pass when the domain store
// backing detection cannot be read.
func NewSourceUnavailableError(source string, err error) *StandardError {
	return (&StandardError{
		Code:      ErrCodeSourceUnavailable,
		Message:   fmt.Sprintf("detection source %s unavailable", source),
		Retryable: true,
		Metadata:  map[string]interface{}{"source": source},
		Timestamp: time.Now().UTC(),
	}).WithCause(err)
}

// NewPassInProgressError is returned when another pass holds the pass lock.
func NewPassInProgressError(holder string) *StandardError {
	return &StandardError{
		Code:      ErrCodePassInProgress,
		Message:   "another monitoring pass is in progress",
		Details:   holder,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPassInterruptedError is returned to a caller that asked to treat an
// interrupted pass as a failure.
func NewPassInterruptedError(passID, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodePassInterrupted,
		Message:   "monitoring pass was interrupted",
		Details:   reason,
		Retryable: true,
		Metadata:  map[string]interface{}{"passId": passID},
		Timestamp: time.Now().UTC(),
	}
}

func NewInvalidJobInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidJobInput,
		Message:   "invalid job input",
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// NewConfigInvalidError reports a configuration value that cannot be used.
func NewConfigInvalidError(key, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConfigInvalid,
		Message:   fmt.Sprintf("invalid configuration for %s", key),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// AsStandard returns the first StandardError in err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first StandardError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a StandardError flagged retryable.
func IsRetryable(err error) bool {
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Retryable
	}
	return false
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "TEMPLATE"):
		return "TEMPLATE"
	case strings.Contains(codeStr, "LEDGER"), strings.Contains(codeStr, "SOURCE"):
		return "INFRASTRUCTURE"
	case strings.HasSuffix(codeStr, "_FAILURE"):
		return "DISPATCH"
	case strings.Contains(codeStr, "CONFIG"):
		return "CONFIGURATION"
	case code == ErrCodePassInProgress, code == ErrCodePassInterrupted:
		return "SCHEDULING"
	default:
		return "OTHER"
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
