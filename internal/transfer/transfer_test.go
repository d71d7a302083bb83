package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/vol2git/internal/diff"
	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/syncerr"
	"github.com/schaermu/vol2git/internal/volume"
	"github.com/schaermu/vol2git/internal/volume/localvol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func request(t *testing.T, id, content string) diff.TransferRequest {
	t.Helper()
	fp, err := fingerprint.Bytes([]byte(content), fingerprint.SHA256)
	require.NoError(t, err)
	return diff.TransferRequest{Identity: fingerprint.Identity(id), Expected: fp}
}

func sourceVolume(t *testing.T, files map[string]string) volume.Volume {
	t.Helper()
	fs := memfs.New()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(content), 0644))
	}
	return localvol.New(fs, "src")
}

func TestTransferWritesIntoDestFolder(t *testing.T) {
	repo := t.TempDir()
	vol := sourceVolume(t, map[string]string{
		"a.json":          "alpha",
		"runs/2024/b.log": "bravo",
	})
	ex, err := New(vol, osfs.New(repo), Options{DestFolder: "/logs/", Concurrency: 2, Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Transfer(context.Background(), []diff.TransferRequest{
		request(t, "a.json", "alpha"),
		request(t, "runs/2024/b.log", "bravo"),
	})
	require.Empty(t, res.Failures)
	assert.Equal(t, []string{"logs/a.json", "logs/runs/2024/b.log"}, res.Paths)
	assert.Equal(t, int64(10), res.Bytes)
	assert.Equal(t, request(t, "a.json", "alpha").Expected, res.Transferred["a.json"])

	data, err := os.ReadFile(filepath.Join(repo, "logs", "runs", "2024", "b.log"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))

	entries, err := os.ReadDir(filepath.Join(repo, "logs"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempPrefix), "leftover temp file %s", e.Name())
	}
}

func TestTransferOverwritesExisting(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "a.json"), []byte("old content"), 0644))

	ex, err := New(sourceVolume(t, map[string]string{"a.json": "new"}), osfs.New(repo), Options{Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Transfer(context.Background(), []diff.TransferRequest{request(t, "a.json", "new")})
	require.Empty(t, res.Failures)

	data, err := os.ReadFile(filepath.Join(repo, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestTransferPartialFailure(t *testing.T) {
	repo := t.TempDir()
	ex, err := New(sourceVolume(t, map[string]string{"A": "h2"}), osfs.New(repo), Options{Concurrency: 2, Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Transfer(context.Background(), []diff.TransferRequest{
		request(t, "A", "h2"),
		request(t, "B", "h3"),
	})

	assert.Contains(t, res.Transferred, fingerprint.Identity("A"))
	assert.NotContains(t, res.Transferred, fingerprint.Identity("B"))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "B", res.Failures[0].Identity)
	assert.ErrorIs(t, res.Failures[0], syncerr.ErrTransferItem)
	assert.ErrorIs(t, res.Failures[0], volume.ErrNotFound)

	_, err = os.Stat(filepath.Join(repo, "B"))
	assert.True(t, os.IsNotExist(err))
}

func TestTransferRecordsWrittenFingerprint(t *testing.T) {
	ex, err := New(sourceVolume(t, map[string]string{"a": "changed since scan"}), memfs.New(), Options{Concurrency: 1, Logger: testLogger()})
	require.NoError(t, err)

	req := request(t, "a", "scanned content")
	res := ex.Transfer(context.Background(), []diff.TransferRequest{req})
	require.Empty(t, res.Failures)

	written, err := fingerprint.Bytes([]byte("changed since scan"), fingerprint.SHA256)
	require.NoError(t, err)
	assert.Equal(t, written, res.Transferred["a"])
	assert.NotEqual(t, req.Expected, res.Transferred["a"])
}

func TestTransferUsesExpectedAlgorithm(t *testing.T) {
	ex, err := New(sourceVolume(t, map[string]string{"a": "test"}), memfs.New(), Options{Concurrency: 1, Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Transfer(context.Background(), []diff.TransferRequest{{Identity: "a", Expected: "md5:098f6bcd4621d373cade4e832627b4f6"}})
	require.Empty(t, res.Failures)
	assert.Equal(t, fingerprint.Fingerprint("md5:098f6bcd4621d373cade4e832627b4f6"), res.Transferred["a"])
}

func TestTransferConfinement(t *testing.T) {
	tests := []struct {
		name string
		dest string
		id   fingerprint.Identity
	}{
		{name: "parent segment", dest: "logs", id: "../escape"},
		{name: "absolute", dest: "logs", id: "/etc/passwd"},
		{name: "git dir at root", dest: "", id: ".git/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := New(sourceVolume(t, nil), memfs.New(), Options{DestFolder: tt.dest, Logger: testLogger()})
			require.NoError(t, err)

			_, err = ex.Path(tt.id)
			assert.ErrorIs(t, err, ErrOutsideDestination)

			res := ex.Transfer(context.Background(), []diff.TransferRequest{{Identity: tt.id}})
			require.Len(t, res.Failures, 1)
			assert.ErrorIs(t, res.Failures[0], ErrOutsideDestination)
		})
	}
}

func TestNewRejectsGitDestination(t *testing.T) {
	_, err := New(sourceVolume(t, nil), memfs.New(), Options{DestFolder: ".git/hooks"})
	assert.Error(t, err)
}

type blockingVolume struct{}

func (blockingVolume) Walk(context.Context, volume.WalkFunc) error { return nil }
func (blockingVolume) Open(ctx context.Context, _ fingerprint.Identity) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransferItemTimeout(t *testing.T) {
	ex, err := New(blockingVolume{}, memfs.New(), Options{ItemTimeout: 10 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Transfer(context.Background(), []diff.TransferRequest{{Identity: "slow"}})
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0], context.DeadlineExceeded)
}

func TestTransferCancelled(t *testing.T) {
	ex, err := New(blockingVolume{}, memfs.New(), Options{Concurrency: 1, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.Transfer(ctx, []diff.TransferRequest{{Identity: "a"}, {Identity: "b"}, {Identity: "c"}})
	assert.Empty(t, res.Transferred)
	require.Len(t, res.Failures, 3)
	for _, f := range res.Failures {
		assert.True(t, errors.Is(f, context.Canceled), "got %v", f)
	}
}

type countingVolume struct {
	volume.Volume
	opens atomic.Int32
}

func (c *countingVolume) Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	c.opens.Add(1)
	return c.Volume.Open(ctx, id)
}

func TestTransferCancelledStartsNothing(t *testing.T) {
	vol := &countingVolume{Volume: sourceVolume(t, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})}
	ex, err := New(vol, memfs.New(), Options{Concurrency: 8, Logger: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// free worker slots must not race the cancelled context
	for round := 0; round < 20; round++ {
		res := ex.Transfer(ctx, []diff.TransferRequest{
			request(t, "a", "1"), request(t, "b", "2"), request(t, "c", "3"), request(t, "d", "4"),
		})
		require.Empty(t, res.Transferred)
		require.Len(t, res.Failures, 4)
	}
	assert.Zero(t, vol.opens.Load())
}

func TestRemove(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "logs/old.json", []byte("x"), 0644))

	ex, err := New(sourceVolume(t, nil), fs, Options{DestFolder: "logs", Logger: testLogger()})
	require.NoError(t, err)

	res := ex.Remove(context.Background(), []fingerprint.Identity{"old.json", "already-gone.json", "../outside"})
	assert.Equal(t, []fingerprint.Identity{"old.json", "already-gone.json"}, res.Removed)
	assert.Equal(t, []string{"logs/old.json", "logs/already-gone.json"}, res.Paths)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "../outside", res.Failures[0].Identity)

	_, err = fs.Stat("logs/old.json")
	assert.True(t, os.IsNotExist(err))
}
