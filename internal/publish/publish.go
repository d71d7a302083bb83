// Package publish stages, commits and pushes the working tree delta of a run.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/vol2git/internal/git"
	"github.com/schaermu/vol2git/internal/syncerr"
)

// State is a step of the publish sequence.
type State string

const (
	Idle      State = "idle"
	Staged    State = "staged"
	Committed State = "committed"
	Pushed    State = "pushed"
	Failed    State = "failed"
)

// Options configures a Publisher.
type Options struct {
	// Dir is the working tree.
	Dir    string
	Remote string
	Branch string
	// DestFolder names the mirrored folder in commit messages.
	DestFolder string
	Author     git.Signature
	// Timeout bounds the whole stage, commit and push sequence.
	Timeout time.Duration
	// Now is the clock used for commit messages and signatures.
	Now    func() time.Time
	Logger *slog.Logger
}

// Result describes a successful publish.
type Result struct {
	// Commit is the new commit, or HEAD when nothing had to be committed.
	Commit string
	// Committed is false when the index matched HEAD.
	Committed bool
	Message   string
}

// Publisher runs the publish sequence once. It is not safe for concurrent
// use; the working tree must not be mutated while Publish runs.
type Publisher struct {
	git   git.Client
	opts  Options
	state State
}

// New returns an Idle Publisher.
func New(client git.Client, opts Options) *Publisher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Remote == "" {
		opts.Remote = git.DefaultRemote
	}
	return &Publisher{git: client, opts: opts, state: Idle}
}

// State returns the current state.
func (p *Publisher) State() State { return p.state }

// Message builds the commit message for n changed files.
func Message(dest string, n int, at time.Time) string {
	if dest == "" {
		dest = "repository"
	}
	return fmt.Sprintf("Update %s: %d file(s) changed at %s", dest, n, at.UTC().Format(time.RFC3339))
}

// Publish stages exactly changed and removed, commits only those paths and
// pushes HEAD.
// When nothing ends up staged the commit is skipped but the push still runs,
// so a commit left unpushed by an earlier run reaches the remote. Any failure
// moves the Publisher to Failed and returns an error wrapping
// syncerr.ErrPublish.
func (p *Publisher) Publish(ctx context.Context, changed, removed []string) (*Result, error) {
	if p.state != Idle {
		return nil, syncerr.Wrap(syncerr.ErrPublish, "publish", fmt.Errorf("publisher is %s, not %s", p.state, Idle))
	}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	res, err := p.run(ctx, changed, removed)
	if err != nil {
		p.state = Failed
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", p.opts.Timeout, err)
		}
		return nil, syncerr.Wrap(syncerr.ErrPublish, "publish", err)
	}
	return res, nil
}

func (p *Publisher) run(ctx context.Context, changed, removed []string) (*Result, error) {
	dir := p.opts.Dir

	if err := p.git.Stage(ctx, dir, changed); err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	if err := p.git.StageRemoval(ctx, dir, removed); err != nil {
		return nil, fmt.Errorf("stage removals: %w", err)
	}
	p.transition(Staged)

	now := p.opts.Now().UTC()
	res := &Result{Message: Message(p.opts.DestFolder, len(changed)+len(removed), now)}

	paths := make([]string, 0, len(changed)+len(removed))
	paths = append(append(paths, changed...), removed...)
	staged, err := p.git.HasStagedChanges(ctx, dir, paths)
	if err != nil {
		return nil, fmt.Errorf("inspect index: %w", err)
	}
	if staged {
		author := p.opts.Author
		author.When = now
		commit, err := p.git.Commit(ctx, dir, res.Message, author, paths)
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		res.Commit = commit
		res.Committed = true
		p.opts.Logger.Info("committed changes", "commit", commit, "message", res.Message)
	} else {
		head, err := p.git.Head(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("resolve HEAD: %w", err)
		}
		res.Commit = head
		p.opts.Logger.Info("nothing staged, skipping commit", "head", head)
	}
	p.transition(Committed)

	if err := p.git.Push(ctx, dir, p.opts.Remote, p.opts.Branch); err != nil {
		return nil, fmt.Errorf("push: %w", err)
	}
	p.transition(Pushed)
	p.opts.Logger.Info("pushed", "remote", p.opts.Remote, "branch", p.opts.Branch, "commit", res.Commit)
	return res, nil
}

func (p *Publisher) transition(to State) {
	p.opts.Logger.Debug("publisher state", "from", p.state, "to", to)
	p.state = to
}
