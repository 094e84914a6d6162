package memory

import "fmt"

// ValidationError rejects a call before any external store or provider is
// contacted: missing required field, empty merge set, malformed filter.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that an update, delete, or fetch target is absent.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// EmbeddingError reports a failed or malformed embedding-provider response.
// Expected and Observed carry the dimensionality detail when the provider
// returned a wrong-length vector; both are zero for transport failures.
type EmbeddingError struct {
	Expected int
	Observed int
	Err      error
}

func (e *EmbeddingError) Error() string {
	if e.Expected != 0 || e.Observed != 0 {
		return fmt.Sprintf("embedding failed: got %d dimensions, expected %d", e.Observed, e.Expected)
	}
	return fmt.Sprintf("embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// StorageError reports a relational or vector store failure with the
// underlying store's message attached.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
