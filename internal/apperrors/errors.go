package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrMalformedObject  = errors.New("malformed object")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrNotFound         = errors.New("not found")
	ErrObjectExists     = errors.New("object already exists")
)

// storeError marks a backend failure. It matches ErrStoreUnavailable and,
// when the underlying cause is a deadline expiry, ErrTimeout as well.
type storeError struct {
	op      string
	err     error
	timeout bool
}

func (e *storeError) Error() string {
	if e.timeout {
		return fmt.Sprintf("%s: timeout: %v", e.op, e.err)
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *storeError) Unwrap() error { return e.err }

func (e *storeError) Is(target error) bool {
	if target == ErrStoreUnavailable {
		return true
	}
	return e.timeout && target == ErrTimeout
}

// Store wraps a backend error for op. Nil stays nil, and errors that already
// carry a taxonomy sentinel (not found, malformed, ...) pass through unchanged.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrObjectExists) ||
		errors.Is(err, ErrMalformedObject) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &storeError{
		op:      op,
		err:     err,
		timeout: errors.Is(err, context.DeadlineExceeded),
	}
}

// Timeout marks err as a deadline expiry of op regardless of its cause chain.
func Timeout(op string, err error) error {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &storeError{op: op, err: err, timeout: true}
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func Malformed(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedObject, key, err)
}

type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func BadRequest(message string) *AppError {
	return NewAppError(http.StatusBadRequest, message, nil)
}

func NotFound(message string) *AppError {
	return NewAppError(http.StatusNotFound, message, nil)
}

// FromError maps the error taxonomy onto HTTP statuses.
func FromError(err error) *AppError {
	var app *AppError
	switch {
	case errors.As(err, &app):
		return app
	case errors.Is(err, ErrInvalidPayload):
		return NewAppError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, ErrNotFound):
		return NewAppError(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, ErrTimeout):
		return NewAppError(http.StatusGatewayTimeout, "upstream store timed out", err)
	case errors.Is(err, ErrStoreUnavailable):
		return NewAppError(http.StatusBadGateway, "store unavailable", err)
	default:
		return NewAppError(http.StatusInternalServerError, "internal error", err)
	}
}

func WriteError(w http.ResponseWriter, err *AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	_ = json.NewEncoder(w).Encode(err)
}
