//go:build integration

// Package integration runs complete sync runs against object stores started
// in containers and a local bare repository as the remote.
package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/vol2git/internal/config"
	"github.com/schaermu/vol2git/internal/git"
	"github.com/schaermu/vol2git/internal/report"
	"github.com/schaermu/vol2git/internal/store"
	"github.com/schaermu/vol2git/internal/sync"
	"github.com/schaermu/vol2git/internal/volume"
)

const branch = "main"

func testLogger(t *testing.T) *slog.Logger {
	if os.Getenv("INTEGRATION_VERBOSE") == "1" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedRemote creates a bare repository with one commit on main.
func seedRemote(t *testing.T) string {
	t.Helper()
	initOpts := func(bare bool) *gogit.PlainInitOptions {
		return &gogit.PlainInitOptions{
			InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
			Bare:        bare,
		}
	}

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := gogit.PlainInitWithOptions(remote, initOpts(true))
	require.NoError(t, err)

	seed := filepath.Join(t.TempDir(), "seed")
	repo, err := gogit.PlainInitWithOptions(seed, initOpts(false))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("pipeline logs\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remote}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
	return remote
}

// newConfig returns a go-git based configuration that pushes to remote.
func newConfig(t *testing.T, remote string, kind config.VolumeKind) *config.Config {
	t.Helper()
	base := t.TempDir()
	checkout := true
	return &config.Config{
		Volume: config.VolumeConfig{Kind: kind},
		Repo: config.RepoConfig{
			URL:        remote,
			Branch:     branch,
			Dir:        filepath.Join(base, "repo"),
			DestFolder: "logs",
			Checkout:   &checkout,
		},
		Git: config.GitConfig{
			Driver:      config.DriverGoGit,
			Remote:      config.DefaultRemote,
			AuthorName:  config.DefaultAuthorName,
			AuthorEmail: "vol2git@example.com",
		},
		Paths: config.PathsConfig{StateDir: filepath.Join(base, "state")},
		Sync: config.SyncConfig{
			Deletion:    config.DefaultDeletion,
			Concurrency: 2,
			ItemTimeout: time.Minute,
			PushTimeout: time.Minute,
			Algorithm:   config.DefaultAlgorithm,
		},
	}
}

func runSync(t *testing.T, cfg *config.Config, vol volume.Volume) *report.Report {
	t.Helper()
	engine := sync.NewEngine(cfg, vol, git.NewGoGitClient(git.Auth{}), store.NewFileStore(cfg.Paths.StateDir), testLogger(t), false)
	rep, err := engine.Run(context.Background())
	require.NoError(t, err)
	return rep
}

// remoteTree returns the files below dest on the remote branch.
func remoteTree(t *testing.T, remote, dest string) map[string]string {
	t.Helper()
	repo, err := gogit.PlainOpen(remote)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	files := map[string]string{}
	require.NoError(t, tree.Files().ForEach(func(f *object.File) error {
		rel, ok := strings.CutPrefix(f.Name, dest+"/")
		if !ok {
			return nil
		}
		content, err := f.Contents()
		if err != nil {
			return err
		}
		files[rel] = content
		return nil
	}))
	return files
}

func remoteCommits(t *testing.T, remote string) int {
	t.Helper()
	repo, err := gogit.PlainOpen(remote)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	iter, err := repo.Log(&gogit.LogOptions{From: ref.Hash()})
	require.NoError(t, err)
	n := 0
	require.NoError(t, iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	}))
	return n
}
