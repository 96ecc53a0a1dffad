// ABOUTME: Error kinds surfaced by the conversation service
// ABOUTME: Validation, storage, not-found and per-item batch failures, classified with errors.Is

package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for classifying service errors with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrStorage    = errors.New("storage failure")
	ErrNotFound   = errors.New("not found")
)

// ValidationError reports malformed input. Reason is safe to show to clients.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Reason
	}
	return e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps a failure of the persistence layer with the operation
// and participants involved. Its text is for logs only.
type StorageError struct {
	Op      string
	UserIDs []int64
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s (users %v): %v", e.Op, e.UserIDs, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError is returned when the requesting identity does not exist.
type NotFoundError struct {
	UserID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %d not found", e.UserID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BatchItemError is the failure of one item in a batch post.
// Err is a *ValidationError or a *StorageError.
type BatchItemError struct {
	Index int
	Err   error
}

// BatchError lists every failing item of a batch post. Nothing from the
// batch was committed.
type BatchError struct {
	Items []BatchItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Items))
	for i, item := range e.Items {
		parts[i] = fmt.Sprintf("item %d: %v", item.Index, item.Err)
	}
	return "batch rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes item causes so errors.Is(err, ErrStorage) finds storage failures.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Items))
	for i, item := range e.Items {
		errs[i] = item.Err
	}
	return errs
}
