// Package errors defines the error kinds shared by the index stores, the
// indexing engine and the HTTP surface, and maps them to status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyFinalized = errors.New("already finalized")
	ErrNotFinalized     = errors.New("not finalized")
	ErrReservedKey      = errors.New("object id collides with reserved key")
	ErrNotFound         = errors.New("object not found")
	ErrTypeNotFound     = errors.New("type not found")
	ErrCorruptStream    = errors.New("corrupt dump stream")
	ErrStorageIO        = errors.New("storage i/o failure")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// StorageIO tags an underlying read/write/seek failure with ErrStorageIO
// while keeping the cause reachable through errors.Is and errors.As.
func StorageIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorageIO, err))
}

// Is and As re-export the standard helpers so callers importing this package
// under its own name do not need a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, ErrNotFinalized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
