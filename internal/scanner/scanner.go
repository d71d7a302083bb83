// Package scanner enumerates a volume and fingerprints its files with a
// bounded pool of workers.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/syncerr"
	"github.com/schaermu/vol2git/internal/volume"
)

const defaultConcurrency = 4

// Options tunes a Scanner.
type Options struct {
	Algorithm   fingerprint.Algorithm
	Concurrency int
	// ItemTimeout bounds reading and hashing a single file. Zero means no
	// timeout.
	ItemTimeout time.Duration
	// TrustProviderDigest uses digests reported by the volume listing instead
	// of reading the content, when they use Algorithm.
	TrustProviderDigest bool
	Filter              *volume.Filter
	Logger              *slog.Logger
}

// Item is one fingerprinted file.
type Item struct {
	Identity    fingerprint.Identity
	Fingerprint fingerprint.Fingerprint
	Size        int64
	// FromProvider is set when the fingerprint was taken from the listing.
	FromProvider bool
}

// Result summarizes a scan.
type Result struct {
	Items    int
	Excluded int
	// BytesHashed counts content read for hashing.
	BytesHashed int64
	// Failures holds one ErrScanItem error per file that could not be
	// fingerprinted, sorted by identity.
	Failures []*syncerr.ItemError
}

// Skipped returns the identities that failed to scan.
func (r *Result) Skipped() []fingerprint.Identity {
	ids := make([]fingerprint.Identity, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, fingerprint.Identity(f.Identity))
	}
	return ids
}

// Scanner fingerprints the files of a volume.
type Scanner struct {
	vol  volume.Volume
	opts Options
}

// New returns a Scanner for vol.
func New(vol volume.Volume, opts Options) *Scanner {
	if opts.Algorithm == "" {
		opts.Algorithm = fingerprint.SHA256
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scanner{vol: vol, opts: opts}
}

type outcome struct {
	item  Item
	bytes int64
	err   *syncerr.ItemError
}

// Scan walks the volume and calls fn for every fingerprinted file. fn is
// always called from the goroutine that called Scan, so it need not be safe
// for concurrent use.
//
// Listed entries that carry an error are recorded in Result.Failures like
// files that could not be read. A listing failure aborts the scan with an error wrapping syncerr.ErrScan;
// the returned Result then only describes the part of the volume seen so far
// and must not be used for deletion decisions.
func (s *Scanner) Scan(ctx context.Context, fn func(Item)) (*Result, error) {
	if !s.opts.Algorithm.Valid() {
		return nil, syncerr.Wrap(syncerr.ErrScan, "invalid configuration", fmt.Errorf("%w: %q", fingerprint.ErrUnknownAlgorithm, s.opts.Algorithm))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan volume.Entry, s.opts.Concurrency)
	outcomes := make(chan outcome, s.opts.Concurrency)

	var (
		wg       sync.WaitGroup
		walkErr  error
		excluded int
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)

		seen := make(map[fingerprint.Identity]struct{})
		walkErr = s.vol.Walk(ctx, func(e volume.Entry) error {
			if !s.opts.Filter.Match(e.Identity) {
				excluded++
				return nil
			}
			fail := func(err error) error {
				select {
				case outcomes <- outcome{err: syncerr.NewItemError(syncerr.ErrScanItem, string(e.Identity), err)}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if e.Err != nil {
				return fail(e.Err)
			}
			if _, dup := seen[e.Identity]; dup {
				return fail(errors.New("duplicate identity in listing"))
			}
			seen[e.Identity] = struct{}{}

			select {
			case jobs <- e:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if walkErr != nil {
			cancel()
		}
	}()

	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range jobs {
				// the consumer drains outcomes until close, so this never
				// blocks forever
				outcomes <- s.fingerprint(ctx, e)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	res := &Result{}
	for out := range outcomes {
		if out.err != nil {
			s.opts.Logger.Warn("skipping file", "identity", out.err.Identity, "error", out.err.Err)
			res.Failures = append(res.Failures, out.err)
			continue
		}
		res.Items++
		res.BytesHashed += out.bytes
		fn(out.item)
	}
	res.Excluded = excluded

	sort.Slice(res.Failures, func(i, j int) bool {
		return res.Failures[i].Identity < res.Failures[j].Identity
	})

	if walkErr != nil {
		return res, syncerr.Wrap(syncerr.ErrScan, "failed to list "+volume.Describe(s.vol), walkErr)
	}
	return res, nil
}

func (s *Scanner) fingerprint(ctx context.Context, e volume.Entry) outcome {
	if s.opts.TrustProviderDigest && !e.Digest.IsZero() && e.Digest.Algorithm == s.opts.Algorithm {
		fp, err := fingerprint.FromHex(e.Digest.Algorithm, e.Digest.Hex)
		if err == nil {
			return outcome{item: Item{Identity: e.Identity, Fingerprint: fp, Size: e.Size, FromProvider: true}}
		}
		s.opts.Logger.Debug("ignoring invalid provider digest", "identity", e.Identity, "error", err)
	}

	itemCtx := ctx
	if s.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, s.opts.ItemTimeout)
		defer cancel()
	}

	fp, n, err := s.hash(itemCtx, e.Identity)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", s.opts.ItemTimeout, err)
		}
		return outcome{err: syncerr.NewItemError(syncerr.ErrScanItem, string(e.Identity), err)}
	}
	return outcome{item: Item{Identity: e.Identity, Fingerprint: fp, Size: n}, bytes: n}
}

func (s *Scanner) hash(ctx context.Context, id fingerprint.Identity) (fingerprint.Fingerprint, int64, error) {
	rc, err := s.vol.Open(ctx, id)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return fingerprint.Sum(&ctxReader{ctx: ctx, r: rc}, s.opts.Algorithm)
}

// ctxReader stops reading once ctx is done, so that item timeouts also apply
// to volumes whose readers ignore contexts.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
