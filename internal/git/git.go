package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRemote is the remote created by clone.
const DefaultRemote = "origin"

// pathspecChunk bounds the number of paths passed to a single git invocation.
const pathspecChunk = 200

// Client provides the git operations the sync engine needs on a single
// working tree.
type Client interface {
	// EnsureCheckout clones url into destDir, or fetches and hard-resets an
	// existing clone, so that branch matches the remote. It returns the HEAD
	// commit.
	EnsureCheckout(ctx context.Context, url, branch, destDir string) (string, error)
	// Stage adds exactly the given repository-relative paths to the index.
	Stage(ctx context.Context, dir string, paths []string) error
	// StageRemoval removes the given paths from the index. Paths that are not
	// tracked are ignored.
	StageRemoval(ctx context.Context, dir string, paths []string) error
	// HasStagedChanges reports whether the index differs from HEAD for any
	// of the given paths.
	HasStagedChanges(ctx context.Context, dir string, paths []string) (bool, error)
	// Commit records the staged state of the given paths and returns the new
	// commit hash. Entries staged for other paths are left out of the commit
	// and stay staged.
	Commit(ctx context.Context, dir, message string, author Signature, paths []string) (string, error)
	// Push sends HEAD to refs/heads/<branch> on remote.
	Push(ctx context.Context, dir, remote, branch string) error
	// Head returns the current HEAD commit.
	Head(ctx context.Context, dir string) (string, error)
}

// Signature identifies the author of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Auth holds the credentials used for remote operations. SSH keys are used
// for git@ and ssh:// remotes, the token for https:// remotes.
type Auth struct {
	SSHKeyFile string
	HTTPSToken string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	auth Auth
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(auth Auth) *ShellClient {
	return &ShellClient{auth: auth}
}

// EnsureCheckout clones or fetches and resets to origin/<branch>.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, branch, destDir string) (string, error) {
	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		// The URL may have changed since the clone (e.g. a rotated remote).
		cmd := exec.CommandContext(ctx, "git", "-C", destDir, "remote", "set-url", DefaultRemote, url)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git remote set-url failed: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", DefaultRemote, branch)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}

		// Drop local drift, including commits that never reached the remote:
		// their content is detected again because the fingerprint record was
		// not updated for them.
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", "-B", branch, DefaultRemote+"/"+branch)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
		}
	}

	return c.Head(ctx, destDir)
}

// Stage runs git add for the given paths.
func (c *ShellClient) Stage(ctx context.Context, dir string, paths []string) error {
	return c.eachChunk(paths, func(chunk []string) error {
		args := append([]string{"-C", dir, "add", "--"}, chunk...)
		if err := c.runCommand(exec.CommandContext(ctx, "git", args...)); err != nil {
			return fmt.Errorf("git add failed: %w", err)
		}
		return nil
	})
}

// StageRemoval runs git rm --cached for the given paths.
func (c *ShellClient) StageRemoval(ctx context.Context, dir string, paths []string) error {
	return c.eachChunk(paths, func(chunk []string) error {
		args := append([]string{"-C", dir, "rm", "--cached", "--ignore-unmatch", "--quiet", "--"}, chunk...)
		if err := c.runCommand(exec.CommandContext(ctx, "git", args...)); err != nil {
			return fmt.Errorf("git rm failed: %w", err)
		}
		return nil
	})
}

func (c *ShellClient) eachChunk(paths []string, fn func([]string) error) error {
	for start := 0; start < len(paths); start += pathspecChunk {
		end := start + pathspecChunk
		if end > len(paths) {
			end = len(paths)
		}
		if err := fn(paths[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// HasStagedChanges reports whether any of paths differs between the index
// and HEAD.
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string, paths []string) (bool, error) {
	staged, err := c.stagedPaths(ctx, dir, paths)
	if err != nil {
		return false, err
	}
	return len(staged) > 0, nil
}

// stagedPaths returns the subset of paths with staged changes.
func (c *ShellClient) stagedPaths(ctx context.Context, dir string, paths []string) ([]string, error) {
	var staged []string
	err := c.eachChunk(paths, func(chunk []string) error {
		args := append([]string{"--literal-pathspecs", "-C", dir, "diff", "--cached", "--name-only", "--no-renames", "-z", "--"}, chunk...)
		out, err := exec.CommandContext(ctx, "git", args...).Output()
		if err != nil {
			return fmt.Errorf("git diff --cached failed: %w", err)
		}
		for _, p := range strings.Split(string(out), "\x00") {
			if p != "" {
				staged = append(staged, p)
			}
		}
		return nil
	})
	return staged, err
}

// Commit runs git commit --only for the staged subset of paths, so entries
// staged by someone else stay in the index and out of the commit. --only
// takes the working tree content of those paths, which Stage just added.
func (c *ShellClient) Commit(ctx context.Context, dir, message string, author Signature, paths []string) (string, error) {
	staged, err := c.stagedPaths(ctx, dir, paths)
	if err != nil {
		return "", err
	}
	if len(staged) == 0 {
		return "", ErrNothingToCommit
	}

	spec, err := os.CreateTemp("", "vol2git-pathspec-*")
	if err != nil {
		return "", fmt.Errorf("failed to create pathspec file: %w", err)
	}
	defer func() { _ = os.Remove(spec.Name()) }()
	_, err = spec.WriteString(strings.Join(staged, "\x00"))
	if cerr := spec.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write pathspec file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "commit", "--quiet", "--no-verify", "-m", message,
		"--only", "--pathspec-from-file="+spec.Name(), "--pathspec-file-nul")
	cmd.Args = insertGitFlags(cmd.Args,
		"--literal-pathspecs",
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
	)
	if !author.When.IsZero() {
		date := author.When.Format(time.RFC3339)
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
	}
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}
	return c.Head(ctx, dir)
}

// Push pushes HEAD to refs/heads/<branch>.
func (c *ShellClient) Push(ctx context.Context, dir, remote, branch string) error {
	if remote == "" {
		remote = DefaultRemote
	}

	out, err := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", remote).Output()
	if err != nil {
		return fmt.Errorf("git remote get-url failed: %w", err)
	}
	url := strings.TrimSpace(string(out))

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", "--porcelain", remote, "HEAD:refs/heads/"+branch)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "[rejected]"):
			return WrapError(ErrNotFastForward, "git push failed")
		case strings.Contains(msg, "Authentication failed") || strings.Contains(msg, "could not read Username"):
			return WrapError(ErrAuthRequired, "git push failed")
		}
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// Head returns the commit hash of HEAD.
func (c *ShellClient) Head(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.auth.SSHKeyFile != "" && isSSHURL(url) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.auth.HTTPSToken != "" && strings.HasPrefix(url, "https://") {
		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression or the remote URL.
		cmd.Env = append(cmd.Env, "VOL2GIT_GIT_TOKEN="+c.auth.HTTPSToken)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$VOL2GIT_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
