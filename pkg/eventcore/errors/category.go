// Package errors classifies handler failures.
//
// The category of a failure decides two things:
//   - the error kind label recorded by the metrics collector
//   - whether the retry service keeps retrying (everything except an
//     explicitly permanent failure is retried up to the ceiling)
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how a handler failure should be treated.
type Category int

const (
	// CategoryUnknown is an uncategorized failure. It is retried.
	CategoryUnknown Category = iota

	// CategoryTransient indicates retry will likely help.
	// Examples: lock contention, a downstream service that is briefly down.
	CategoryTransient

	// CategoryPermanent indicates retry won't help.
	// Examples: a payload that can never be applied, a missing product.
	CategoryPermanent

	// CategoryTimeout indicates the handler exceeded its deadline.
	CategoryTimeout

	// CategoryCanceled indicates the handler's context was canceled.
	CategoryCanceled

	// CategoryPanic indicates the handler panicked.
	CategoryPanic
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryUnknown:
		return "unknown"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryTimeout:
		return "timeout"
	case CategoryCanceled:
		return "canceled"
	case CategoryPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %v (category: %s)", e.Context, e.Err, e.Category)
	}
	return fmt.Sprintf("%v (category: %s)", e.Err, e.Category)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as never worth retrying.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// PanicError is produced when a handler panics.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return CategoryPanic
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCanceled
	}

	return CategoryUnknown
}

// Kind returns the category name of err, used as the error kind label
// in metrics.
func Kind(err error) string {
	return Categorize(err).String()
}

// IsPermanent reports whether err was explicitly marked permanent.
func IsPermanent(err error) bool {
	return Categorize(err) == CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return !IsPermanent(err)
}
