// Package diff classifies the files of a scan against the fingerprint record
// of the last successful publish. Everything here is pure computation.
package diff

import (
	"errors"
	"fmt"
	"sort"

	"github.com/schaermu/vol2git/internal/fingerprint"
)

// ErrDuplicateIdentity is returned by Index.Add when an identity was already
// added during the same scan.
var ErrDuplicateIdentity = errors.New("duplicate identity")

// Entry is a scanned file.
type Entry struct {
	Identity    fingerprint.Identity
	Fingerprint fingerprint.Fingerprint
}

// Index holds the current scan keyed by identity.
type Index struct {
	current map[fingerprint.Identity]fingerprint.Fingerprint
	skipped map[fingerprint.Identity]struct{}
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{
		current: make(map[fingerprint.Identity]fingerprint.Fingerprint),
		skipped: make(map[fingerprint.Identity]struct{}),
	}
}

// Add records a scanned file.
func (x *Index) Add(id fingerprint.Identity, fp fingerprint.Fingerprint) error {
	if _, ok := x.current[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, id)
	}
	x.current[id] = fp
	return nil
}

// MarkSkipped records an identity that exists in the volume but could not be
// fingerprinted. Skipped identities are never reported as missing.
func (x *Index) MarkSkipped(id fingerprint.Identity) {
	x.skipped[id] = struct{}{}
}

// Len returns the number of scanned files.
func (x *Index) Len() int { return len(x.current) }

// Lookup returns the scanned fingerprint of id.
func (x *Index) Lookup(id fingerprint.Identity) (fingerprint.Fingerprint, bool) {
	fp, ok := x.current[id]
	return fp, ok
}

// ChangeSet partitions the current scan relative to the previous record.
// New, Modified and Unchanged are disjoint and together hold every scanned
// identity. All slices are sorted.
type ChangeSet struct {
	New       []fingerprint.Identity
	Modified  []fingerprint.Identity
	Unchanged []fingerprint.Identity
	// Missing holds identities of the previous record absent from the scan.
	Missing []fingerprint.Identity
	// Skipped holds identities whose scan failed. They may also be in the
	// previous record; they are in none of the other sets.
	Skipped []fingerprint.Identity

	current map[fingerprint.Identity]fingerprint.Fingerprint
}

// Diff classifies the index against previous.
func (x *Index) Diff(previous fingerprint.Record) *ChangeSet {
	cs := &ChangeSet{current: x.current}

	for id, fp := range x.current {
		prev, ok := previous[id]
		switch {
		case !ok:
			cs.New = append(cs.New, id)
		case prev != fp:
			cs.Modified = append(cs.Modified, id)
		default:
			cs.Unchanged = append(cs.Unchanged, id)
		}
	}

	for id := range previous {
		if _, ok := x.current[id]; ok {
			continue
		}
		if _, ok := x.skipped[id]; ok {
			continue
		}
		cs.Missing = append(cs.Missing, id)
	}

	for id := range x.skipped {
		if _, ok := x.current[id]; !ok {
			cs.Skipped = append(cs.Skipped, id)
		}
	}

	for _, ids := range [][]fingerprint.Identity{cs.New, cs.Modified, cs.Unchanged, cs.Missing, cs.Skipped} {
		sortIdentities(ids)
	}
	return cs
}

// Diff builds an Index from current and classifies it against previous.
func Diff(current []Entry, previous fingerprint.Record) (*ChangeSet, error) {
	x := NewIndex()
	for _, e := range current {
		if err := x.Add(e.Identity, e.Fingerprint); err != nil {
			return nil, err
		}
	}
	return x.Diff(previous), nil
}

// Fingerprint returns the scanned fingerprint of id.
func (cs *ChangeSet) Fingerprint(id fingerprint.Identity) fingerprint.Fingerprint {
	return cs.current[id]
}

// Changed returns New and Modified merged in lexical order.
func (cs *ChangeSet) Changed() []fingerprint.Identity {
	out := make([]fingerprint.Identity, 0, len(cs.New)+len(cs.Modified))
	out = append(out, cs.New...)
	out = append(out, cs.Modified...)
	sortIdentities(out)
	return out
}

// Empty reports whether nothing needs to be transferred or deleted.
func (cs *ChangeSet) Empty() bool {
	return len(cs.New) == 0 && len(cs.Modified) == 0 && len(cs.Missing) == 0
}

func sortIdentities(ids []fingerprint.Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
