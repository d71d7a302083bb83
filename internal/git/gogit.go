package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitClient implements Client in-process with go-git. It needs no git
// binary on the host.
type GoGitClient struct {
	auth Auth
}

// NewGoGitClient returns a go-git backed client.
func NewGoGitClient(auth Auth) *GoGitClient {
	return &GoGitClient{auth: auth}
}

// method returns the transport auth for url, or nil when none applies.
//
//nolint:ireturn // go-git takes a transport.AuthMethod
func (c *GoGitClient) method(url string) (transport.AuthMethod, error) {
	if c.auth.SSHKeyFile != "" && isSSHURL(url) {
		keys, err := ssh.NewPublicKeysFromFile("git", c.auth.SSHKeyFile, "")
		if err != nil {
			return nil, WrapErrorf(err, "failed to load ssh key %q", c.auth.SSHKeyFile)
		}
		return keys, nil
	}
	if c.auth.HTTPSToken != "" {
		ep, err := transport.NewEndpoint(url)
		if err == nil && (ep.Protocol == "https" || ep.Protocol == "http") {
			return &http.BasicAuth{Username: "x-access-token", Password: c.auth.HTTPSToken}, nil
		}
	}
	return nil, nil
}

// EnsureCheckout clones or fetches and hard-resets to origin/<branch>.
func (c *GoGitClient) EnsureCheckout(ctx context.Context, url, branch, destDir string) (string, error) {
	auth, err := c.method(url)
	if err != nil {
		return "", err
	}
	branchRef := plumbing.NewBranchReferenceName(branch)

	repo, err := gogit.PlainOpen(destDir)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		repo, err = gogit.PlainCloneContext(ctx, destDir, false, &gogit.CloneOptions{
			URL:           url,
			Auth:          auth,
			ReferenceName: branchRef,
			SingleBranch:  true,
		})
		if err != nil {
			return "", translateRemoteError(err, "git clone failed", branch)
		}
		return headHash(repo)
	}
	if err != nil {
		return "", WrapErrorf(err, "failed to open repository %q", destDir)
	}

	if err := setRemoteURL(repo, DefaultRemote, url); err != nil {
		return "", err
	}

	remoteRef := plumbing.NewRemoteReferenceName(DefaultRemote, branch)
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: DefaultRemote,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("+%s:%s", branchRef, remoteRef))},
		Auth:       auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", translateRemoteError(err, "git fetch failed", branch)
	}

	remote, err := repo.Reference(remoteRef, true)
	if err != nil {
		return "", WrapErrorf(ErrBranchMissing, "remote branch %q", branch)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, remote.Hash())); err != nil {
		return "", WrapError(err, "failed to update local branch")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", WrapError(err, "failed to open worktree")
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return "", WrapErrorf(err, "git checkout failed for branch %q", branch)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: remote.Hash(), Mode: gogit.HardReset}); err != nil {
		return "", WrapError(err, "git reset failed")
	}
	return remote.Hash().String(), nil
}

func setRemoteURL(repo *gogit.Repository, name, url string) error {
	cfg, err := repo.Config()
	if err != nil {
		return WrapError(err, "failed to read repository config")
	}
	rc, ok := cfg.Remotes[name]
	if !ok {
		_, err := repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
		return WrapErrorf(err, "failed to create remote %q", name)
	}
	if len(rc.URLs) == 1 && rc.URLs[0] == url {
		return nil
	}
	rc.URLs = []string{url}
	return WrapError(repo.SetConfig(cfg), "failed to update remote url")
}

func (c *GoGitClient) worktree(dir string) (*gogit.Repository, *gogit.Worktree, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, nil, WrapErrorf(err, "failed to open repository %q", dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, WrapError(err, "failed to open worktree")
	}
	return repo, wt, nil
}

// Stage adds each path to the index.
func (c *GoGitClient) Stage(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, wt, err := c.worktree(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := wt.Add(filepath.ToSlash(p)); err != nil {
			return WrapErrorf(err, "failed to add path %q", p)
		}
	}
	return nil
}

// StageRemoval removes each path from the index and the worktree.
func (c *GoGitClient) StageRemoval(ctx context.Context, dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, wt, err := c.worktree(dir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := wt.Remove(filepath.ToSlash(p)); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return WrapErrorf(err, "failed to remove path %q", p)
		}
	}
	return nil
}

// HasStagedChanges inspects the worktree status of paths.
func (c *GoGitClient) HasStagedChanges(ctx context.Context, dir string, paths []string) (bool, error) {
	_, wt, err := c.worktree(dir)
	if err != nil {
		return false, err
	}
	staged, err := stagedPaths(wt, paths)
	if err != nil {
		return false, err
	}
	return len(staged) > 0, nil
}

func stagedPaths(wt *gogit.Worktree, paths []string) ([]string, error) {
	status, err := wt.Status()
	if err != nil {
		return nil, WrapError(err, "failed to get worktree status")
	}
	var staged []string
	for _, p := range paths {
		p = filepath.ToSlash(p)
		fs, ok := status[p]
		if ok && fs.Staging != gogit.Unmodified && fs.Staging != gogit.Untracked {
			staged = append(staged, p)
		}
	}
	return staged, nil
}

// Commit commits the staged subset of paths. The index is swapped for one
// that holds HEAD plus those paths while the commit is built, then restored,
// so entries staged for other paths stay staged and out of the commit.
func (c *GoGitClient) Commit(ctx context.Context, dir, message string, author Signature, paths []string) (string, error) {
	repo, wt, err := c.worktree(dir)
	if err != nil {
		return "", err
	}
	staged, err := stagedPaths(wt, paths)
	if err != nil {
		return "", err
	}
	if len(staged) == 0 {
		return "", ErrNothingToCommit
	}

	full, err := repo.Storer.Index()
	if err != nil {
		return "", WrapError(err, "failed to read index")
	}
	head, err := headEntries(repo)
	if err != nil {
		return "", err
	}
	if err := repo.Storer.SetIndex(restrictIndex(full, head, staged)); err != nil {
		return "", WrapError(err, "failed to write index")
	}

	sig := &object.Signature{Name: author.Name, Email: author.Email, When: author.When}
	hash, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if rerr := repo.Storer.SetIndex(full); rerr != nil && err == nil {
		return "", WrapError(rerr, "failed to restore index")
	}
	if err != nil {
		if errors.Is(err, gogit.ErrEmptyCommit) {
			return "", ErrNothingToCommit
		}
		return "", WrapError(err, "failed to create commit")
	}
	return hash.String(), nil
}

type headEntry struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

// headEntries lists the files of the HEAD tree. An unborn HEAD has none.
func headEntries(repo *gogit.Repository) (map[string]headEntry, error) {
	entries := make(map[string]headEntry)
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return entries, nil
	}
	if err != nil {
		return nil, WrapError(err, "failed to resolve HEAD")
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, WrapError(err, "failed to read HEAD commit")
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, WrapError(err, "failed to read HEAD tree")
	}
	err = tree.Files().ForEach(func(f *object.File) error {
		entries[f.Name] = headEntry{hash: f.Hash, mode: f.Mode}
		return nil
	})
	if err != nil {
		return nil, WrapError(err, "failed to list HEAD tree")
	}
	return entries, nil
}

// restrictIndex returns a copy of idx in which every entry outside paths is
// reset to its HEAD version.
func restrictIndex(idx *index.Index, head map[string]headEntry, paths []string) *index.Index {
	keep := make(map[string]bool, len(paths))
	for _, p := range paths {
		keep[p] = true
	}

	out := &index.Index{Version: idx.Version}
	seen := make(map[string]bool, len(idx.Entries))
	for _, e := range idx.Entries {
		seen[e.Name] = true
		ne := *e
		if !keep[e.Name] {
			h, ok := head[e.Name]
			if !ok {
				continue
			}
			ne.Hash, ne.Mode = h.hash, h.mode
		}
		out.Entries = append(out.Entries, &ne)
	}
	for name, h := range head {
		if !seen[name] && !keep[name] {
			out.Entries = append(out.Entries, &index.Entry{Name: name, Hash: h.hash, Mode: h.mode})
		}
	}
	sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })
	return out
}

// Push pushes the checked out branch to refs/heads/<branch>.
func (c *GoGitClient) Push(ctx context.Context, dir, remote, branch string) error {
	if remote == "" {
		remote = DefaultRemote
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return WrapErrorf(err, "failed to open repository %q", dir)
	}

	r, err := repo.Remote(remote)
	if err != nil {
		return WrapErrorf(err, "remote %q", remote)
	}
	auth, err := c.method(r.Config().URLs[0])
	if err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		return WrapError(err, "failed to resolve HEAD")
	}
	src := head.Name()
	if !src.IsBranch() {
		return fmt.Errorf("cannot push detached HEAD %s", head.Hash())
	}

	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", src, plumbing.NewBranchReferenceName(branch)))},
		Auth:       auth,
	})
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return WrapError(ErrNotFastForward, "git push failed")
	}
	return translateRemoteError(err, "git push failed", branch)
}

// Head returns the commit hash of HEAD.
func (c *GoGitClient) Head(ctx context.Context, dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", WrapErrorf(err, "failed to open repository %q", dir)
	}
	return headHash(repo)
}

func headHash(repo *gogit.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", WrapError(err, "failed to resolve HEAD")
	}
	return head.Hash().String(), nil
}

func translateRemoteError(err error, msg, branch string) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return WrapError(ErrAuthRequired, msg)
	case errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, gogit.NoMatchingRefSpecError{}):
		return WrapErrorf(ErrBranchMissing, "%s: branch %q", msg, branch)
	}
	return WrapError(err, msg)
}
