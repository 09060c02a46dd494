// Package neuraerr is the unified error taxonomy for NeuraReport. It mirrors the
// shape of the teacher's internal/llm error hierarchy (an Error interface plus a
// small set of concrete kinds, classified by an explicit code with a message-sniffing
// fallback) generalized to spec §7's error kinds and stable machine-readable codes.
package neuraerr

import (
	"fmt"
	"strings"
)

// Code is a stable, machine-readable error code surfaced to callers (spec §7).
type Code string

const (
	CodeInvalidTemplateID      Code = "invalid_template_id"
	CodeInvalidContract        Code = "invalid_contract"
	CodeMappingNotFound        Code = "mapping_not_found"
	CodeTemplateLocked         Code = "template_locked"
	CodeMappingLLMFailed       Code = "mapping_llm_failed"
	CodeMappingLLMInvalid      Code = "mapping_llm_invalid"
	CodeReportGenerationFailed Code = "report_generation_failed"
	CodeJobCancelled           Code = "job_cancelled"
	CodeRestartRecovery        Code = "restart_recovery"
	CodeUnavailable            Code = "unavailable"
)

// Kind classifies the error for retry/transition policy (spec §7 table).
type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindLockConflict   Kind = "LockConflict"
	KindLLMTransient   Kind = "LLMTransient"
	KindLLMContract    Kind = "LLMContract"
	KindSQLExecution   Kind = "SQLExecution"
	KindRendererPartial Kind = "RendererPartial"
	KindCancellation   Kind = "Cancellation"
	KindRestart        Kind = "RestartRecovery"
)

// Error is the interface every surfaced NeuraReport error satisfies.
type Error interface {
	error
	Code() Code
	Kind() Kind
	StatusHint() int
	CorrelationID() string
	Retryable() bool
}

type baseError struct {
	code          Code
	kind          Kind
	status        int
	correlationID string
	message       string
	cause         error
	retryable     bool
}

func (e *baseError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = string(e.code)
	}
	if e.correlationID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.correlationID, e.code, msg)
	}
	return fmt.Sprintf("%s: %s", e.code, msg)
}

func (e *baseError) Unwrap() error        { return e.cause }
func (e *baseError) Code() Code           { return e.code }
func (e *baseError) Kind() Kind           { return e.kind }
func (e *baseError) StatusHint() int      { return e.status }
func (e *baseError) CorrelationID() string { return e.correlationID }
func (e *baseError) Retryable() bool      { return e.retryable }

// New constructs a neuraerr.Error, classifying the status hint from the code the
// same way errors.go's ErrorFromHTTPStatus switches on the HTTP status.
func New(code Code, correlationID, message string, cause error) Error {
	kind, status, retryable := classify(code)
	return &baseError{
		code:          code,
		kind:          kind,
		status:        status,
		correlationID: correlationID,
		message:       message,
		cause:         cause,
		retryable:     retryable,
	}
}

func classify(code Code) (Kind, int, bool) {
	switch code {
	case CodeInvalidTemplateID, CodeInvalidContract, CodeMappingNotFound:
		return KindValidation, 400, false
	case CodeTemplateLocked:
		return KindLockConflict, 409, false
	case CodeMappingLLMFailed:
		return KindLLMTransient, 502, true
	case CodeMappingLLMInvalid:
		return KindLLMContract, 422, false
	case CodeReportGenerationFailed:
		return KindSQLExecution, 500, false
	case CodeJobCancelled:
		return KindCancellation, 200, false
	case CodeRestartRecovery:
		return KindRestart, 500, false
	default:
		return KindValidation, 500, false
	}
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(code Code, correlationID, format string, args ...any) Error {
	return New(code, correlationID, fmt.Sprintf(format, args...), nil)
}

// Wrap turns a plain error into a neuraerr.Error classified under code with
// correlationID. An error that already is or wraps a neuraerr.Error is
// returned unchanged, keeping its own code and correlation id.
func Wrap(code Code, correlationID string, err error) Error {
	if err == nil {
		return nil
	}
	var existing Error
	if As(err, &existing) {
		return existing
	}
	return New(code, correlationID, err.Error(), err)
}

// As is a thin wrapper over errors.As restricted to this package's Error interface,
// kept local so callers don't need a second import for the common case.
func As(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
