package neomason

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned when a keyword response already exists
	// for the guild
	ErrDuplicateKey = errors.New("already exists")

	// ErrNotFound is returned when a keyword response doesn't exist
	ErrNotFound = errors.New("does not exist")

	// ErrNoTarget is returned when an award can't be resolved to a user
	ErrNoTarget = errors.New("nobody to award")

	// ErrSelfAward is returned when a user tries to award themselves
	ErrSelfAward = errors.New("can't increase your own based score")

	ErrNoKeyword     = errors.New("no keyword")
	ErrEmptyResponse = errors.New("no response")
)

// StorageError wraps an I/O or database failure from the persistent store.
// These are fatal during startup, and reported back to the user afterward.
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

// TransportError wraps a failure returned by the chat platform.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}
