// Package volume defines the read-only capability the sync engine needs from
// a remote storage volume: enumerate files and read their content.
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/schaermu/vol2git/internal/fingerprint"
)

// ErrNotFound is returned by Open when the identity does not exist.
var ErrNotFound = errors.New("file not found in volume")

// ErrInvalidKey marks a listed object whose key cannot be mirrored.
var ErrInvalidKey = errors.New("invalid key")

// Digest is a content digest supplied by the storage provider, such as the
// MD5 carried by a single-part S3 ETag.
type Digest struct {
	Algorithm fingerprint.Algorithm
	Hex       string
}

// IsZero reports whether no digest was supplied.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" || d.Hex == ""
}

// Entry describes a single file in a volume listing.
type Entry struct {
	Identity fingerprint.Identity
	Size     int64
	ModTime  time.Time
	Digest   Digest
	// Err is set when the listed object cannot be mirrored. Identity then
	// holds the raw relative key.
	Err error
}

// ParseIdentity converts a listed key, relative to the volume root, into an
// identity. Keys that would be read back under a different name, such as
// "a//b.log" or "./a.log", are rejected along with keys that escape the root.
func ParseIdentity(rel string) (fingerprint.Identity, error) {
	id, err := fingerprint.NewIdentity(rel)
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidKey, rel, err)
	}
	if string(id) != rel {
		return "", fmt.Errorf("%w %q: not in canonical form", ErrInvalidKey, rel)
	}
	return id, nil
}

// InvalidEntry returns the listing entry for a key ParseIdentity rejected.
func InvalidEntry(rel string, err error) Entry {
	return Entry{Identity: fingerprint.Identity(rel), Err: err}
}

// WalkFunc is called once per file. Returning an error stops the walk and is
// passed through by Walk.
type WalkFunc func(Entry) error

// Volume is a read-only remote file tree.
type Volume interface {
	// Walk lists every file of the volume, calling fn as entries are
	// discovered. A listing failure aborts the walk; a single key that
	// cannot be mirrored is passed to fn with Entry.Err set.
	Walk(ctx context.Context, fn WalkFunc) error
	// Open returns the current content of the file.
	Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error)
}

// Describer is implemented by volumes that can name their location for logs.
type Describer interface {
	Describe() string
}

// Describe returns a printable location for v.
func Describe(v Volume) string {
	if d, ok := v.(Describer); ok {
		return d.Describe()
	}
	return "volume"
}

// ETagDigest returns the MD5 carried by an S3-style ETag of a single-part
// upload. Multipart ETags ("<md5>-<parts>") are not content digests and yield
// a zero Digest.
func ETagDigest(etag string) Digest {
	etag = strings.Trim(etag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return Digest{}
	}
	if _, err := fingerprint.FromHex(fingerprint.MD5, etag); err != nil {
		return Digest{}
	}
	return Digest{Algorithm: fingerprint.MD5, Hex: strings.ToLower(etag)}
}
