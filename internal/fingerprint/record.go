package fingerprint

import "sort"

// Record maps each published file to the fingerprint it had when it was
// last pushed successfully.
type Record map[Identity]Fingerprint

// Clone returns an independent copy of r. A nil record clones to an empty one.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for id, fp := range r {
		out[id] = fp
	}
	return out
}

// Equal reports whether both records hold the same entries.
func (r Record) Equal(other Record) bool {
	if len(r) != len(other) {
		return false
	}
	for id, fp := range r {
		if ofp, ok := other[id]; !ok || ofp != fp {
			return false
		}
	}
	return true
}

// Identities returns the record keys in lexical order.
func (r Record) Identities() []Identity {
	ids := make([]Identity, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
