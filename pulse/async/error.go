package async

import (
	"context"
	"strings"

	"github.com/teranos/tally/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeStorageError    ErrorCode = "storage_error"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for job failures
type ErrorContext struct {
	Stage       string    // Where the error occurred
	Code        ErrorCode // Error classification
	Message     string    // Human-readable message
	Recoverable bool      // Can the pool keep processing other jobs?
}

// ClassifyError categorizes an error based on its identity, message and stage.
// Failed jobs are never retried; the classification is for operators.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	errMsg := err.Error()
	errLower := strings.ToLower(errMsg)

	ctx := ErrorContext{
		Stage:       stage,
		Message:     errMsg,
		Recoverable: true,
	}

	switch {
	case errors.IsNotFoundError(err) || strings.Contains(errLower, "no such file") || strings.Contains(errLower, "file not found"):
		ctx.Code = ErrorCodeFileNotFound

	case errors.Is(err, errors.ErrProcessing) || strings.Contains(errLower, "parse"):
		ctx.Code = ErrorCodeParseError

	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Recoverable = false

	case strings.Contains(errLower, "storage") || strings.Contains(errLower, "blob") || strings.Contains(errLower, "bucket"):
		ctx.Code = ErrorCodeStorageError

	case errors.IsInvalidRequestError(err) || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Recoverable = false
	}

	return ctx
}
