package diff

import (
	"fmt"

	"github.com/schaermu/vol2git/internal/fingerprint"
)

// DeletionPolicy decides what happens to files that disappeared from the
// volume.
type DeletionPolicy string

const (
	// DeletionIgnore keeps stale copies in the repository and in the record.
	DeletionIgnore DeletionPolicy = "ignore"
	// DeletionDelete removes stale copies from the repository and the record.
	DeletionDelete DeletionPolicy = "delete"
)

// ParseDeletionPolicy parses a policy name; the empty string is DeletionIgnore.
func ParseDeletionPolicy(s string) (DeletionPolicy, error) {
	switch DeletionPolicy(s) {
	case "", DeletionIgnore:
		return DeletionIgnore, nil
	case DeletionDelete:
		return DeletionDelete, nil
	}
	return "", fmt.Errorf("invalid deletion policy %q (must be %q or %q)", s, DeletionIgnore, DeletionDelete)
}

// TransferRequest is a file to download along with its scanned fingerprint.
type TransferRequest struct {
	Identity fingerprint.Identity
	Expected fingerprint.Fingerprint
}

// Plan is the work derived from a ChangeSet.
type Plan struct {
	Transfer []TransferRequest
	Delete   []fingerprint.Identity
}

// Plan returns the transfers for new and modified files and, under
// DeletionDelete, the deletions for missing files.
func (cs *ChangeSet) Plan(policy DeletionPolicy) Plan {
	var p Plan
	for _, id := range cs.Changed() {
		p.Transfer = append(p.Transfer, TransferRequest{Identity: id, Expected: cs.current[id]})
	}
	if policy == DeletionDelete && len(cs.Missing) > 0 {
		p.Delete = append([]fingerprint.Identity(nil), cs.Missing...)
	}
	return p
}

// Outcome is what actually happened to a Plan.
type Outcome struct {
	// Transferred maps each successfully written identity to the fingerprint
	// of the bytes written.
	Transferred map[fingerprint.Identity]fingerprint.Fingerprint
	// Deleted holds identities successfully removed from the working tree.
	Deleted []fingerprint.Identity
}

// NextRecord derives the record to persist after a successful publish. It
// starts from previous, sets every transferred fingerprint and drops every
// deleted identity. Failed transfers keep their previous value (or stay
// absent) and are detected again on the next run. previous is not modified.
func NextRecord(previous fingerprint.Record, outcome Outcome) fingerprint.Record {
	next := previous.Clone()
	for id, fp := range outcome.Transferred {
		next[id] = fp
	}
	for _, id := range outcome.Deleted {
		delete(next, id)
	}
	return next
}
