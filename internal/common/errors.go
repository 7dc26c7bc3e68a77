package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error codes, stable for logs and CLI exit messages.
const (
	CodeInitialization = "INIT_ERROR"
	CodeSerialization  = "SERIALIZATION_ERROR"
	CodeMove           = "MOVE_ERROR"
	CodeCorruptIndex   = "CORRUPT_INDEX"
	CodeInvalidInput   = "INVALID_INPUT"
	CodeInvalidState   = "INVALID_STATE"
	CodeClosed         = "CLOSED"
	CodeConfig         = "CONFIG_ERROR"
)

// Queue error kinds. Test with errors.Is.
var (
	ErrInitialization = errors.New("queue initialization failed")
	ErrSerialization  = errors.New("malformed job file")
	ErrMove           = errors.New("job file move failed")
	ErrCorruptIndex   = errors.New("index references a missing job file")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state transition")
	ErrClosed         = errors.New("queue closed")
)

// NewAppError builds an AppError.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapError prefixes err with message, preserving it for errors.Is.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// kindCause pairs a sentinel kind with the underlying cause so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
type kindCause struct {
	kind  error
	cause error
}

func (k *kindCause) Error() string   { return k.kind.Error() + ": " + k.cause.Error() }
func (k *kindCause) Unwrap() []error { return []error{k.kind, k.cause} }

func kindError(code string, kind error, message string, cause error) *AppError {
	if cause == nil {
		return NewAppError(code, message, kind)
	}
	return NewAppError(code, message, &kindCause{kind: kind, cause: cause})
}

func InitializationError(message string, cause error) error {
	return kindError(CodeInitialization, ErrInitialization, message, cause)
}

func SerializationError(message string, cause error) error {
	return kindError(CodeSerialization, ErrSerialization, message, cause)
}

func MoveError(message string, cause error) error {
	return kindError(CodeMove, ErrMove, message, cause)
}

func CorruptIndexError(message string) error {
	return kindError(CodeCorruptIndex, ErrCorruptIndex, message, nil)
}

func InvalidInputErrorf(format string, args ...any) error {
	return kindError(CodeInvalidInput, ErrInvalidInput, fmt.Sprintf(format, args...), nil)
}

func InvalidStateErrorf(format string, args ...any) error {
	return kindError(CodeInvalidState, ErrInvalidState, fmt.Sprintf(format, args...), nil)
}

func ClosedError() error {
	return kindError(CodeClosed, ErrClosed, "operation on closed queue", nil)
}

// IsRecoverable reports whether err concerns a single job and leaves the queue usable.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrCorruptIndex) || errors.Is(err, ErrMove)
}

// CodeOf returns the AppError code carried by err, or "" when there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
