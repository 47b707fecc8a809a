package rockettag

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidContext is returned when a query or an assignment references a context that was not declared
	// for the entity type.
	ErrInvalidContext = errors.New("invalid context")

	// ErrValidation is returned when a value assigned to a context is not a tag list.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateTagging is returned when the storage rejects a tagging because the same tag is already
	// assigned to the entity in the same context by the same tagger.
	ErrDuplicateTagging = errors.New("duplicate tagging")

	// ErrNotFound is returned when a tag lookup misses where a resolution was required.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned when a feature is not supported by the current storage implementation.
	ErrNotSupported = errors.New("not supported")
)

// ContextError reports a context that is not declared for an entity type.
type ContextError struct {
	Type    string
	Context string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("%s is not a valid tag context for %s", e.Context, e.Type)
}

func (e *ContextError) Unwrap() error { return ErrInvalidContext }

// ValidationError reports a value that could not be assigned to a context, with enough detail for the caller to
// attach a per-context error.
type ValidationError struct {
	Context   string
	ValueType string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid value of type %s, expected a tag list", e.Context, e.ValueType)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func notFound(what, name string) error {
	return fmt.Errorf("%s %q: %w", what, name, ErrNotFound)
}
