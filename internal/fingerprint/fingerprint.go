// Package fingerprint defines file identities, content fingerprints and the
// record that maps one to the other.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
)

// Algorithm names a content digest algorithm
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// ErrUnknownAlgorithm is returned for digest algorithms that are not supported.
var ErrUnknownAlgorithm = errors.New("unknown fingerprint algorithm")

// ErrInvalidIdentity is returned for paths that cannot identify a file.
var ErrInvalidIdentity = errors.New("invalid file identity")

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == SHA256 || a == MD5
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// hexLen is the length of a hex encoded digest.
func (a Algorithm) hexLen() int {
	switch a {
	case SHA256:
		return sha256.Size * 2
	case MD5:
		return md5.Size * 2
	}
	return 0
}

// Identity is the slash separated path of a file relative to the volume root.
type Identity string

// NewIdentity normalizes p into an Identity. Absolute paths are made relative,
// duplicate separators and "." segments are removed. Paths that are empty or
// climb above the root are rejected.
func NewIdentity(p string) (Identity, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean("/" + p)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the volume root", ErrInvalidIdentity, p)
		}
	}
	return Identity(cleaned), nil
}

func (id Identity) String() string { return string(id) }

// Fingerprint is a content digest formatted as "<algorithm>:<hex>".
// Fingerprints are compared for equality only.
type Fingerprint string

// Format builds a Fingerprint from an algorithm and a raw digest.
func Format(alg Algorithm, sum []byte) Fingerprint {
	return Fingerprint(string(alg) + ":" + hex.EncodeToString(sum))
}

// FromHex builds a Fingerprint from a hex digest supplied by a storage
// provider, validating its length and alphabet.
func FromHex(alg Algorithm, digest string) (Fingerprint, error) {
	digest = strings.ToLower(strings.Trim(digest, `"`))
	if !alg.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
	}
	if len(digest) != alg.hexLen() {
		return "", fmt.Errorf("invalid %s digest %q", alg, digest)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("invalid %s digest %q: %w", alg, digest, err)
	}
	return Fingerprint(string(alg) + ":" + digest), nil
}

// Parse validates s and returns it as a Fingerprint.
func Parse(s string) (Fingerprint, error) {
	alg, digest, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("invalid fingerprint %q: missing algorithm", s)
	}
	return FromHex(Algorithm(alg), digest)
}

// Algorithm returns the algorithm prefix of the fingerprint.
func (f Fingerprint) Algorithm() Algorithm {
	alg, _, _ := strings.Cut(string(f), ":")
	return Algorithm(alg)
}

func (f Fingerprint) String() string { return string(f) }

// Sum reads r to the end and returns its fingerprint and the number of bytes read.
func Sum(r io.Reader, alg Algorithm) (Fingerprint, int64, error) {
	h, err := alg.New()
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return Format(alg, h.Sum(nil)), n, nil
}

// Bytes returns the fingerprint of an in-memory buffer.
func Bytes(data []byte, alg Algorithm) (Fingerprint, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return Format(alg, h.Sum(nil)), nil
}

// Writer hashes everything written through it.
type Writer struct {
	alg Algorithm
	h   hash.Hash
	n   int64
}

// NewWriter returns a Writer hashing with alg.
func NewWriter(alg Algorithm) (*Writer, error) {
	h, err := alg.New()
	if err != nil {
		return nil, err
	}
	return &Writer{alg: alg, h: h}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, _ := w.h.Write(p)
	w.n += int64(n)
	return n, nil
}

// Fingerprint returns the fingerprint of the bytes written so far.
func (w *Writer) Fingerprint() Fingerprint {
	return Format(w.alg, w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }
