package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind categorises failures crossing component boundaries.
type ErrorKind string

const (
	KindProviderUnavailable  ErrorKind = "provider_unavailable"
	KindDimensionMismatch    ErrorKind = "dimension_mismatch"
	KindMalformedModelOutput ErrorKind = "malformed_model_output"
	KindStoreNotFound        ErrorKind = "store_not_found"
	KindChunkNotFound        ErrorKind = "chunk_not_found"
	KindInvalidInput         ErrorKind = "invalid_input"
)

// Error is a categorised error. Two Errors match under errors.Is when their
// kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds a categorised error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

var (
	ErrProviderUnavailable  = NewError(KindProviderUnavailable, "provider unavailable", nil)
	ErrDimensionMismatch    = NewError(KindDimensionMismatch, "vector dimension mismatch", nil)
	ErrMalformedModelOutput = NewError(KindMalformedModelOutput, "malformed model output", nil)
	ErrStoreNotFound        = NewError(KindStoreNotFound, "chunk store not found", nil)
	ErrChunkNotFound        = NewError(KindChunkNotFound, "chunk not found", nil)
	ErrInvalidInput         = NewError(KindInvalidInput, "invalid input", nil)
)

// IsKind reports whether err is a categorised error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// ValidationError lists rejected request fields. It matches ErrInvalidInput.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInvalidInput
}
