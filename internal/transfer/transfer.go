// Package transfer downloads changed files from a volume into the repository
// working tree and removes files that disappeared from it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/vol2git/internal/diff"
	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/syncerr"
	"github.com/schaermu/vol2git/internal/volume"
)

const (
	defaultConcurrency = 4
	tempPrefix         = ".vol2git-tmp-"
)

// ErrOutsideDestination is returned for identities that would be written
// outside the destination folder.
var ErrOutsideDestination = errors.New("path escapes the destination folder")

// Options tunes an Executor.
type Options struct {
	// DestFolder is the slash-separated folder inside the repository that
	// mirrors the volume root. Empty means the repository root.
	DestFolder  string
	Concurrency int
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

// Executor writes volume files into a working tree.
type Executor struct {
	vol         volume.Volume
	fs          billy.Filesystem
	dest        string
	concurrency int
	itemTimeout time.Duration
	logger      *slog.Logger
}

// New returns an Executor writing into fs, which must be rooted at the
// repository working tree.
func New(vol volume.Volume, fs billy.Filesystem, opts Options) (*Executor, error) {
	dest, err := cleanDest(opts.DestFolder)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		vol:         vol,
		fs:          fs,
		dest:        dest,
		concurrency: opts.Concurrency,
		itemTimeout: opts.ItemTimeout,
		logger:      opts.Logger,
	}
	if e.concurrency <= 0 {
		e.concurrency = defaultConcurrency
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

func cleanDest(dest string) (string, error) {
	dest = strings.Trim(path.Clean("/"+strings.ReplaceAll(dest, "\\", "/")), "/")
	if dest == ".git" || strings.HasPrefix(dest, ".git/") {
		return "", fmt.Errorf("invalid destination folder %q: inside .git", dest)
	}
	return dest, nil
}

// Dest returns the cleaned destination folder.
func (e *Executor) Dest() string { return e.dest }

// Path returns the repository-relative path of id.
func (e *Executor) Path(id fingerprint.Identity) (string, error) {
	norm, err := fingerprint.NewIdentity(string(id))
	if err != nil || norm != id {
		return "", fmt.Errorf("%w: %q", ErrOutsideDestination, id)
	}
	if e.dest == "" {
		first, _, _ := strings.Cut(string(id), "/")
		if first == ".git" {
			return "", fmt.Errorf("%w: %q", ErrOutsideDestination, id)
		}
		return string(id), nil
	}
	p := path.Join(e.dest, string(id))
	if !strings.HasPrefix(p, e.dest+"/") {
		return "", fmt.Errorf("%w: %q", ErrOutsideDestination, id)
	}
	return p, nil
}

// Result reports a Transfer.
type Result struct {
	// Transferred maps each written identity to the fingerprint of the bytes
	// actually written.
	Transferred map[fingerprint.Identity]fingerprint.Fingerprint
	// Paths are the repository-relative paths written, sorted.
	Paths    []string
	Bytes    int64
	Failures []*syncerr.ItemError
	Duration time.Duration
}

// Transfer downloads every request. Failures are recorded per item and never
// stop the batch.
func (e *Executor) Transfer(ctx context.Context, reqs []diff.TransferRequest) *Result {
	start := time.Now()
	res := &Result{Transferred: make(map[fingerprint.Identity]fingerprint.Fingerprint, len(reqs))}

	var mu sync.Mutex
	e.each(ctx, len(reqs), func(ctx context.Context, i int) {
		req := reqs[i]
		p, fp, n, err := e.transferOne(ctx, req)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			e.logger.Warn("transfer failed", "identity", req.Identity, "error", err)
			res.Failures = append(res.Failures, syncerr.NewItemError(syncerr.ErrTransferItem, string(req.Identity), err))
			return
		}
		if req.Expected != "" && fp != req.Expected {
			e.logger.Warn("file changed between scan and transfer", "identity", req.Identity, "scanned", req.Expected, "written", fp)
		}
		e.logger.Debug("transferred file", "identity", req.Identity, "path", p, "bytes", n)
		res.Transferred[req.Identity] = fp
		res.Paths = append(res.Paths, p)
		res.Bytes += n
	}, func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		res.Failures = append(res.Failures, syncerr.NewItemError(syncerr.ErrTransferItem, string(reqs[i].Identity), err))
	})

	sort.Strings(res.Paths)
	sortFailures(res.Failures)
	res.Duration = time.Since(start)
	return res
}

func (e *Executor) transferOne(ctx context.Context, req diff.TransferRequest) (string, fingerprint.Fingerprint, int64, error) {
	p, err := e.Path(req.Identity)
	if err != nil {
		return "", "", 0, err
	}

	alg := req.Expected.Algorithm()
	if !alg.Valid() {
		alg = fingerprint.SHA256
	}

	if e.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.itemTimeout)
		defer cancel()
	}

	rc, err := e.vol.Open(ctx, req.Identity)
	if err != nil {
		return "", "", 0, err
	}
	defer func() {
		_ = rc.Close()
	}()

	fp, n, err := e.writeAtomic(ctx, p, rc, alg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.itemTimeout, err)
		}
		return "", "", 0, err
	}
	return p, fp, n, nil
}

// writeAtomic streams r into a temporary file next to p, hashing it on the
// way, and renames it into place.
func (e *Executor) writeAtomic(ctx context.Context, p string, r io.Reader, alg fingerprint.Algorithm) (fingerprint.Fingerprint, int64, error) {
	dir := path.Dir(p)
	if err := e.fs.MkdirAll(dir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := e.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = e.fs.Remove(tmpName)
		}
	}()

	hw, err := fingerprint.NewWriter(alg)
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(io.MultiWriter(tmp, hw), &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", 0, fmt.Errorf("failed to download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := e.fs.Rename(tmpName, p); err != nil {
		return "", 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return hw.Fingerprint(), hw.Size(), nil
}

// RemoveResult reports a Remove.
type RemoveResult struct {
	Removed  []fingerprint.Identity
	Paths    []string
	Failures []*syncerr.ItemError
}

// Remove deletes the working tree copies of ids. Files that are already gone
// count as removed.
func (e *Executor) Remove(ctx context.Context, ids []fingerprint.Identity) *RemoveResult {
	res := &RemoveResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, syncerr.NewItemError(syncerr.ErrTransferItem, string(id), err))
			continue
		}
		p, err := e.Path(id)
		if err == nil {
			err = e.fs.Remove(p)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		}
		if err != nil {
			e.logger.Warn("failed to remove file", "identity", id, "error", err)
			res.Failures = append(res.Failures, syncerr.NewItemError(syncerr.ErrTransferItem, string(id), err))
			continue
		}
		e.logger.Debug("removed file", "identity", id, "path", p)
		res.Removed = append(res.Removed, id)
		res.Paths = append(res.Paths, p)
	}
	return res
}

// each runs fn for indexes [0,n) with at most e.concurrency in flight. Items
// not started because ctx ended are reported through skipped.
func (e *Executor) each(ctx context.Context, n int, fn func(context.Context, int), skipped func(int, error)) {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		// select picks randomly when a slot is free and ctx is done
		if err := ctx.Err(); err != nil {
			skipped(i, err)
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			skipped(i, ctx.Err())
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, i)
		}(i)
	}
	wg.Wait()
}

func sortFailures(f []*syncerr.ItemError) {
	sort.Slice(f, func(i, j int) bool { return f[i].Identity < f[j].Identity })
}

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
