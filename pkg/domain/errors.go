package domain

import (
	"errors"
	"fmt"
)

// Lifecycle sentinels returned by the store before open completes or after close.
var (
	ErrStoreNotReady = errors.New("store not ready")
	ErrStoreClosed   = errors.New("store closed")
)

// ValidationError reports a required field that is missing or malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an operation on an id absent from its collection.
type NotFoundError struct {
	Collection Collection
	ID         string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Collection, e.ID)
}

// MigrationError reports a failed schema upgrade. The store stays at From.
type MigrationError struct {
	From int
	To   int
	Step string
	Err  error
}

func (e MigrationError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("migrate schema v%d -> v%d: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("migrate schema v%d -> v%d: step %s: %v", e.From, e.To, e.Step, e.Err)
}

func (e MigrationError) Unwrap() error { return e.Err }

// ImportError reports an incompatible or corrupt snapshot. The store is untouched.
type ImportError struct {
	Reason string
	Err    error
}

func (e ImportError) Error() string {
	if e.Err == nil {
		return "import snapshot: " + e.Reason
	}
	return fmt.Sprintf("import snapshot: %s: %v", e.Reason, e.Err)
}

func (e ImportError) Unwrap() error { return e.Err }

// StorageIOError wraps a failure of the durable substrate.
type StorageIOError struct {
	Op  string
	Err error
}

func (e StorageIOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e StorageIOError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
