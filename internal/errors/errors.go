// Package errors provides the error taxonomy shared across the custody engine.
package errors

import "fmt"

// ErrorCode classifies a failure so callers can pick the right recovery path.
type ErrorCode string

const (
	// Local, non-retryable. Rejected at decode before any crypto runs.
	ErrMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	// Local, non-retryable. The tag signature does not verify.
	ErrInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	// Local, non-retryable. The Merkle inclusion proof does not verify.
	ErrInvalidProof ErrorCode = "INVALID_PROOF"

	// Retryable with backoff up to the retry ceiling.
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK_FAILURE"
	// Non-retryable. The remote authority rejected the operation; a conflict
	// row records it.
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
	// The retry ceiling was hit; escalated to a manual-override conflict.
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Local disk failure. Fatal to the current operation; the transactional
	// write discipline keeps the queue consistent.
	ErrStorage ErrorCode = "STORAGE_FAILURE"

	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrInvalid        ErrorCode = "INVALID_INPUT"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrCrypto         ErrorCode = "CRYPTO_FAILED"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// AppError carries an ErrorCode alongside a message and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
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

// CodeOf extracts the ErrorCode from an error chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrInternal
}

// Retryable reports whether the failure should re-enter the backoff path.
// Cryptographic and decode failures are never retryable.
func Retryable(err error) bool {
	return Is(err, ErrTransientNetwork)
}
