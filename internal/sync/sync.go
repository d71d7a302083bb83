package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"github.com/schaermu/vol2git/internal/config"
	"github.com/schaermu/vol2git/internal/diff"
	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/git"
	"github.com/schaermu/vol2git/internal/lock"
	"github.com/schaermu/vol2git/internal/publish"
	"github.com/schaermu/vol2git/internal/report"
	"github.com/schaermu/vol2git/internal/scanner"
	"github.com/schaermu/vol2git/internal/store"
	"github.com/schaermu/vol2git/internal/syncerr"
	"github.com/schaermu/vol2git/internal/transfer"
	"github.com/schaermu/vol2git/internal/volume"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	vol    volume.Volume
	git    git.Client
	store  store.Store
	logger *slog.Logger
	dryRun bool

	now      func() time.Time
	newID    func() string
	worktree func(dir string) billy.Filesystem
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, vol volume.Volume, gitClient git.Client, st store.Store, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		vol:      vol,
		git:      gitClient,
		store:    st,
		logger:   logger,
		dryRun:   dryRun,
		now:      time.Now,
		newID:    uuid.NewString,
		worktree: func(dir string) billy.Filesystem { return osfs.New(dir) },
	}
}

// Run executes one complete sync. The returned report is never nil; err is
// the fatal error that stopped the run, if any. Per-file failures only show
// up in the report.
func (e *Engine) Run(ctx context.Context) (*report.Report, error) {
	rep := &report.Report{
		RunID:   e.newID(),
		Volume:  volume.Describe(e.vol),
		DryRun:  e.dryRun,
		Started: e.now(),
	}
	logger := e.logger.With("run_id", rep.RunID)

	logger.Info("starting sync",
		"volume", rep.Volume,
		"repo", e.cfg.Repo.URL,
		"branch", e.cfg.Repo.Branch,
		"dry_run", e.dryRun)

	rep.Fatal = e.run(ctx, logger, rep)
	rep.Finish(e.now())

	if rep.Fatal != nil {
		logger.Error("sync failed", append(rep.LogAttrs(), "error", rep.Fatal)...)
	} else {
		logger.Info("sync completed", rep.LogAttrs()...)
	}
	return rep, rep.Fatal
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, rep *report.Report) error {
	filter, err := volume.NewFilter(e.cfg.Volume.Include, e.cfg.Volume.Exclude)
	if err != nil {
		return fmt.Errorf("invalid volume filter: %w", err)
	}

	// The lock covers everything from Load to Commit
	runLock, err := lock.Acquire(e.cfg.Paths.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := runLock.Release(); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	if err := e.prepareRepo(ctx, logger); err != nil {
		return err
	}

	prev, err := e.store.Load()
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return syncerr.Wrap(syncerr.ErrPersistence, "load fingerprint record", err)
		}
		logger.Warn("fingerprint record is unreadable, treating every file as new", "error", err)
		prev = store.Empty()
	}
	logger.Info("loaded fingerprint record", "files", len(prev.Fingerprints), "last_commit", prev.Commit)

	// Scan into an index, then diff against the record
	idx := diff.NewIndex()
	sc := scanner.New(e.vol, scanner.Options{
		Algorithm:           fingerprint.Algorithm(e.cfg.Sync.Algorithm),
		Concurrency:         e.cfg.Sync.Concurrency,
		ItemTimeout:         e.cfg.Sync.ItemTimeout,
		TrustProviderDigest: e.cfg.Sync.TrustProviderDigest,
		Filter:              filter,
		Logger:              logger,
	})
	var addErrs []*syncerr.ItemError
	scanRes, err := sc.Scan(ctx, func(item scanner.Item) {
		if err := idx.Add(item.Identity, item.Fingerprint); err != nil {
			addErrs = append(addErrs, syncerr.NewItemError(syncerr.ErrScanItem, item.Identity.String(), err))
		}
	})
	if err != nil {
		return err
	}
	for _, f := range append(scanRes.Failures, addErrs...) {
		idx.MarkSkipped(fingerprint.Identity(f.Identity))
		rep.Items = append(rep.Items, f)
	}
	rep.Excluded = scanRes.Excluded

	cs := idx.Diff(prev.Fingerprints)
	rep.New = len(cs.New)
	rep.Modified = len(cs.Modified)
	rep.Unchanged = len(cs.Unchanged)
	rep.Missing = len(cs.Missing)
	rep.Skipped = len(cs.Skipped)

	logger.Info("change set",
		"scanned", idx.Len(),
		"new", rep.New,
		"modified", rep.Modified,
		"unchanged", rep.Unchanged,
		"missing", rep.Missing,
		"excluded", rep.Excluded)

	policy, err := diff.ParseDeletionPolicy(e.cfg.Sync.Deletion)
	if err != nil {
		return err
	}
	plan := cs.Plan(policy)

	if e.dryRun {
		e.logPlanDetails(logger, cs, plan)
		logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if len(plan.Transfer) == 0 && len(plan.Delete) == 0 {
		logger.Info("nothing to publish")
		return nil
	}

	exec, err := transfer.New(e.vol, e.worktree(e.cfg.Repo.Dir), transfer.Options{
		DestFolder:  e.cfg.Repo.DestFolder,
		Concurrency: e.cfg.Sync.Concurrency,
		ItemTimeout: e.cfg.Sync.ItemTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tres := exec.Transfer(ctx, plan.Transfer)
	rep.Transferred = len(tres.Transferred)
	rep.Bytes = tres.Bytes
	for _, f := range tres.Failures {
		rep.Items = append(rep.Items, f)
	}
	logger.Info("transferred files",
		"count", rep.Transferred,
		"failed", len(tres.Failures),
		"bytes", tres.Bytes,
		"duration", tres.Duration.Round(time.Millisecond))

	var removed *transfer.RemoveResult
	if len(plan.Delete) > 0 {
		removed = exec.Remove(ctx, plan.Delete)
		for _, f := range removed.Failures {
			rep.Items = append(rep.Items, f)
		}
		logger.Info("removed files", "count", len(removed.Removed))
	} else {
		removed = &transfer.RemoveResult{}
	}

	// Nothing may be recorded for a run that was interrupted before publish
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run interrupted before publish: %w", err)
	}

	if len(tres.Paths) == 0 && len(removed.Paths) == 0 {
		logger.Warn("every planned change failed, nothing to publish")
		return nil
	}

	pub := publish.New(e.git, publish.Options{
		Dir:        e.cfg.Repo.Dir,
		Remote:     e.cfg.Git.Remote,
		Branch:     e.cfg.Repo.Branch,
		DestFolder: exec.Dest(),
		Author:     git.Signature{Name: e.cfg.Git.AuthorName, Email: e.cfg.Git.AuthorEmail},
		Timeout:    e.cfg.Sync.PushTimeout,
		Now:        e.now,
		Logger:     logger,
	})
	pres, err := pub.Publish(ctx, tres.Paths, removed.Paths)
	if err != nil {
		return err
	}
	rep.Commit = pres.Commit
	rep.Committed = pres.Committed
	rep.Deleted = len(removed.Removed)

	next := &store.State{
		Commit:    pres.Commit,
		UpdatedAt: e.now().UTC(),
		Fingerprints: diff.NextRecord(prev.Fingerprints, diff.Outcome{
			Transferred: tres.Transferred,
			Deleted:     removed.Removed,
		}),
	}
	if err := e.store.Commit(next); err != nil {
		return err
	}
	logger.Info("fingerprint record committed", "files", len(next.Fingerprints), "commit", next.Commit)

	return nil
}

// prepareRepo brings the working tree to the remote branch head, or checks
// that it exists when checkout is disabled.
func (e *Engine) prepareRepo(ctx context.Context, logger *slog.Logger) error {
	if !e.cfg.ShouldCheckout() {
		if _, err := os.Stat(e.cfg.Repo.Dir); err != nil {
			return syncerr.Wrap(syncerr.ErrCheckout, "working tree", err)
		}
		return nil
	}

	logger.Info("preparing repository", "dest", e.cfg.Repo.Dir)
	head, err := e.git.EnsureCheckout(ctx, e.cfg.Repo.URL, e.cfg.Repo.Branch, e.cfg.Repo.Dir)
	if err != nil {
		return syncerr.Wrap(syncerr.ErrCheckout, "checkout "+e.cfg.Repo.Branch, err)
	}
	logger.Info("repository checked out", "commit", head)
	return nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, cs *diff.ChangeSet, plan diff.Plan) {
	for _, id := range cs.New {
		logger.Info("[dry-run] would add", "identity", id, "fingerprint", cs.Fingerprint(id))
	}
	for _, id := range cs.Modified {
		logger.Info("[dry-run] would update", "identity", id, "fingerprint", cs.Fingerprint(id))
	}
	for _, id := range plan.Delete {
		logger.Info("[dry-run] would delete", "identity", id)
	}
	if len(plan.Delete) == 0 {
		for _, id := range cs.Missing {
			logger.Info("[dry-run] missing from volume, kept", "identity", id)
		}
	}
}
