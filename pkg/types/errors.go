package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures so callers (and the HTTP layer) can map
// them without string matching.
type ErrorCode string

const (
	// CodeValidation: malformed payload type, missing body. Rejected
	// synchronously, never retried.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeConflict: record already signed, wrong state for the requested
	// transition, or duplicate payload hash.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeNotFound: unknown record id or signer.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeSignature: malformed private key or recovered signer mismatch.
	// The record stays unsigned.
	CodeSignature ErrorCode = "SIGNATURE"
	// CodeExpired: operation attempted past the record's deadline.
	CodeExpired ErrorCode = "EXPIRED"
	// CodeLedgerRetryable: gas estimation failure, RPC timeout, transient
	// send failure. The record stays eligible for retry.
	CodeLedgerRetryable ErrorCode = "LEDGER_RETRYABLE"
	// CodeLedgerTerminal: on-chain revert or max attempts exceeded.
	CodeLedgerTerminal ErrorCode = "LEDGER_TERMINAL"
	// CodeStore: persistence failure. The attempted operation had no
	// observable side effect; safe to retry.
	CodeStore ErrorCode = "STORE"
)

// Error carries a code, the affected record id, and the underlying
// cause, so a failure can be reconstructed without re-running the
// operation.
type Error struct {
	Code     ErrorCode
	RecordID string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RecordID != "" {
		msg = fmt.Sprintf("%s (record %s)", msg, e.RecordID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRecord returns a copy of the error annotated with the record id.
func (e *Error) WithRecord(id string) *Error {
	cp := *e
	cp.RecordID = id
	return &cp
}

func newError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

func ValidationError(format string, args ...any) *Error {
	return newError(CodeValidation, nil, format, args...)
}

func ConflictError(format string, args ...any) *Error {
	return newError(CodeConflict, nil, format, args...)
}

func NotFoundError(format string, args ...any) *Error {
	return newError(CodeNotFound, nil, format, args...)
}

func SignatureError(cause error, format string, args ...any) *Error {
	return newError(CodeSignature, cause, format, args...)
}

func ExpiryError(format string, args ...any) *Error {
	return newError(CodeExpired, nil, format, args...)
}

func LedgerRetryableError(cause error, format string, args ...any) *Error {
	return newError(CodeLedgerRetryable, cause, format, args...)
}

func LedgerTerminalError(cause error, format string, args ...any) *Error {
	return newError(CodeLedgerTerminal, cause, format, args...)
}

func StoreError(cause error, format string, args ...any) *Error {
	return newError(CodeStore, cause, format, args...)
}

// CodeOf extracts the error code, or empty string for uncoded errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry the failed operation
// without risking a duplicate side effect.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeLedgerRetryable, CodeStore:
		return true
	default:
		return false
	}
}
