package service

import (
	"fmt"

	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the entity's current status. Nothing is written.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidState is returned by control operations invoked on an
	// entity in an incompatible status.
	ErrInvalidState = errors.New("invalid state")
	ErrNotFound     = errors.New("not found")
	// ErrStoreUnavailable matches any *StoreError.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBadRequest       = errors.New("bad request")
)

// StoreError wraps a durable-store failure. The operation that hit it did
// not mutate any state.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// storeErr classifies an error returned by the store.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrap(ErrNotFound, op)
	}
	return &StoreError{Op: op, Err: err}
}

// Error kinds exposed to API clients.
const (
	KindInvalidTransition = "InvalidTransition"
	KindInvalidState      = "InvalidState"
	KindNotFound          = "NotFound"
	KindStoreUnavailable  = "StoreUnavailable"
	KindBadRequest        = "BadRequest"
	KindInternal          = "Internal"
)

// Kind returns the machine-readable kind of err.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	}
	return KindInternal
}
