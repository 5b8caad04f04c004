package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("storage: alert writer closed")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op      string // Insert, Query, Open, Ping, Migrate
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", ErrQueryFailed, err),
	}
}

func wrapBatchError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "Insert",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, err),
		Retries: retries,
	}
}
