package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation         = NewError("VALIDATION_FAILED", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrEncoding           = NewError("ENCODING_FAILED", "value cannot be encoded", http.StatusUnprocessableEntity)
	ErrDecoding           = NewError("DECODING_FAILED", "payload cannot be decoded", http.StatusBadRequest)
	ErrQueueOverflow      = NewError("QUEUE_OVERFLOW", "message queue is full", http.StatusTooManyRequests)
	ErrMessageDropped     = NewError("MESSAGE_DROPPED", "message evicted under backpressure", http.StatusServiceUnavailable)
	ErrMessageCancelled   = NewError("MESSAGE_CANCELLED", "message cancelled before send", http.StatusConflict)
	ErrBatchSendFailed    = NewError("BATCH_SEND_FAILED", "batch transport failed", http.StatusBadGateway)
	ErrCircuitOpen        = NewError("CIRCUIT_OPEN", "circuit breaker is open", http.StatusServiceUnavailable)
	ErrHalfOpenLimit      = NewError("HALF_OPEN_LIMIT", "half-open trial limit exceeded", http.StatusServiceUnavailable)
	ErrOperationTimeout   = NewError("OPERATION_TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	// Codec and validation failures are the caller's input; retrying the
	// same input cannot succeed.
	switch e.Code {
	case ErrValidation.Code, ErrEncoding.Code, ErrDecoding.Code, ErrNotFound.Code:
		return false
	}
	return true
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	switch e.Code {
	case ErrValidation.Code, ErrEncoding.Code, ErrDecoding.Code, ErrNotFound.Code:
		return true
	}
	return false
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	if err.Details == nil {
		err.Details = make(map[string]interface{})
	}
	err.Details[key] = value
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

// HasCode reports whether err carries the given coded error, directly or
// through a wrapped cause.
func HasCode(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

func IsValidation(err error) bool {
	return HasCode(err, ErrValidation)
}

func IsCircuitOpen(err error) bool {
	return HasCode(err, ErrCircuitOpen)
}

func IsTimeout(err error) bool {
	return HasCode(err, ErrOperationTimeout)
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		// If it's not our error type, wrap it
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
