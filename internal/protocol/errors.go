package protocol

import (
	"errors"
	"fmt"
)

const (
	ErrValidation = "E_VALIDATION"
	ErrNotFound   = "E_NOT_FOUND"
	ErrForbidden  = "E_FORBIDDEN"
	ErrConflict   = "E_CONFLICT"
	ErrAuth       = "E_AUTH"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrValidation: {},
	ErrNotFound:   {},
	ErrForbidden:  {},
	ErrConflict:   {},
	ErrAuth:       {},
	ErrRateLimit:  {},
	ErrInternal:   {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodedError is the caller-visible failure shape for scene operations.
// Code is one of the Err* constants above.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errf(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, mapping unknown errors to E_INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal
}
