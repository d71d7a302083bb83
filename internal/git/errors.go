package git

import (
	"errors"
	"fmt"
)

// ErrNothingToCommit is returned by Commit when the index matches HEAD.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrAuthRequired is returned when the remote asks for credentials that were
// not configured.
var ErrAuthRequired = errors.New("authentication required")

// ErrNotFastForward is returned when the remote branch moved and the push
// would rewrite history.
var ErrNotFastForward = errors.New("not a fast-forward")

// ErrBranchMissing is returned when the configured branch does not exist on
// the remote.
var ErrBranchMissing = errors.New("branch does not exist")

// WrapError wraps err with msg, keeping sentinel errors matchable.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrorf is WrapError with a format string.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
