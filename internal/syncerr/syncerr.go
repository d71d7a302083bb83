// Package syncerr defines the failure taxonomy shared by the sync pipeline.
//
// Every failure is identified by a sentinel error that can be matched with
// errors.Is. Fatal kinds abort the run before the fingerprint store is
// touched; item kinds are recorded as warnings and the run continues.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrScan is a fatal scan failure (volume unreachable, listing failed).
	ErrScan = errors.New("scan failure")
	// ErrScanItem is a single file that could not be read or hashed.
	ErrScanItem = errors.New("scan item failure")
	// ErrTransferItem is a single file that could not be downloaded or written.
	ErrTransferItem = errors.New("transfer item failure")
	// ErrPublish is a stage, commit or push failure.
	ErrPublish = errors.New("publish failure")
	// ErrPersistence is a failure to durably write the fingerprint record.
	ErrPersistence = errors.New("persistence failure")
	// ErrLocked means another run holds the run lock.
	ErrLocked = errors.New("another run is in progress")
	// ErrCheckout means the repository could not be prepared before the run.
	ErrCheckout = errors.New("checkout failure")
)

var fatal = []error{ErrScan, ErrPublish, ErrPersistence, ErrLocked, ErrCheckout}

// IsFatal reports whether err belongs to a kind that aborts the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range fatal {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// ItemError is a recoverable failure attached to a single file.
type ItemError struct {
	Kind     error  // ErrScanItem or ErrTransferItem
	Identity string // file identity within the volume
	Err      error
}

// NewItemError builds an ItemError of the given kind.
func NewItemError(kind error, identity string, err error) *ItemError {
	return &ItemError{Kind: kind, Identity: identity, Err: err}
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Identity, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *ItemError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Join aggregates item errors into a single error, or nil when empty.
func Join(items []*ItemError) error {
	if len(items) == 0 {
		return nil
	}
	errs := make([]error, 0, len(items))
	for _, item := range items {
		errs = append(errs, item)
	}
	return errors.Join(errs...)
}

// Wrap tags err with a failure kind while keeping the cause inspectable.
func Wrap(kind error, msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, err)
}
