package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/vol2git/internal/config"
	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/git"
	"github.com/schaermu/vol2git/internal/lock"
	"github.com/schaermu/vol2git/internal/report"
	"github.com/schaermu/vol2git/internal/store"
	"github.com/schaermu/vol2git/internal/syncerr"
	"github.com/schaermu/vol2git/internal/volume"
)

// memVolume is a read-only in-memory volume. Listings carry sha256 digests so
// tests can trust them and keep Open for the transfer stage.
type memVolume struct {
	files   map[string]string
	broken  map[string]bool
	walkErr error
}

func (v *memVolume) Walk(ctx context.Context, fn volume.WalkFunc) error {
	if v.walkErr != nil {
		return v.walkErr
	}
	names := make([]string, 0, len(v.files))
	for name := range v.files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, err := volume.ParseIdentity(name)
		if err != nil {
			if err := fn(volume.InvalidEntry(name, err)); err != nil {
				return err
			}
			continue
		}
		sum := sha256.Sum256([]byte(v.files[name]))
		err = fn(volume.Entry{
			Identity: id,
			Size:     int64(len(v.files[name])),
			Digest:   volume.Digest{Algorithm: fingerprint.SHA256, Hex: hex.EncodeToString(sum[:])},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *memVolume) Open(_ context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	if v.broken[string(id)] {
		return nil, fmt.Errorf("read %s: connection reset", id)
	}
	content, ok := v.files[string(id)]
	if !ok {
		return nil, volume.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// fakeGit implements git.Client and records what was staged and pushed.
type fakeGit struct {
	checkoutErr error
	pushErr     error

	checkouts int
	staged    []string
	removed   []string
	commits   int
	pushes    int
	message   string
}

func (f *fakeGit) EnsureCheckout(_ context.Context, _, _, destDir string) (string, error) {
	f.checkouts++
	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}
	return "head0", os.MkdirAll(destDir, 0755)
}

func (f *fakeGit) Stage(_ context.Context, _ string, paths []string) error {
	f.staged = append(f.staged, paths...)
	return nil
}

func (f *fakeGit) StageRemoval(_ context.Context, _ string, paths []string) error {
	f.removed = append(f.removed, paths...)
	return nil
}

func (f *fakeGit) HasStagedChanges(_ context.Context, _ string, paths []string) (bool, error) {
	return len(paths) > 0 && len(f.staged)+len(f.removed) > 0, nil
}

func (f *fakeGit) Commit(_ context.Context, _ string, message string, _ git.Signature, _ []string) (string, error) {
	f.commits++
	f.message = message
	return fmt.Sprintf("c%d", f.commits), nil
}

func (f *fakeGit) Push(context.Context, string, string, string) error {
	f.pushes++
	return f.pushErr
}

func (f *fakeGit) Head(context.Context, string) (string, error) {
	return "head0", nil
}

// reset forgets what was staged by a previous run.
func (f *fakeGit) reset() {
	f.staged, f.removed = nil, nil
}

// failingStore loads from a real store but refuses to commit.
type failingStore struct {
	store.Store
	commits int
}

func (s *failingStore) Commit(*store.State) error {
	s.commits++
	return syncerr.Wrap(syncerr.ErrPersistence, "write record", errors.New("disk full"))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	checkout := true
	return &config.Config{
		Volume: config.VolumeConfig{Kind: config.VolumeLocal, Path: "/unused"},
		Repo: config.RepoConfig{
			URL:        "https://git.example.com/acme/logs.git",
			Branch:     "main",
			Dir:        filepath.Join(base, "repo"),
			DestFolder: "logs",
			Checkout:   &checkout,
		},
		Git: config.GitConfig{
			Driver:      config.DriverShell,
			Remote:      "origin",
			AuthorName:  "vol2git",
			AuthorEmail: "vol2git@example.com",
		},
		Paths: config.PathsConfig{StateDir: filepath.Join(base, "state")},
		Sync: config.SyncConfig{
			Deletion:            "ignore",
			Concurrency:         2,
			ItemTimeout:         5 * time.Second,
			PushTimeout:         5 * time.Second,
			Algorithm:           "sha256",
			TrustProviderDigest: true,
		},
	}
}

func newTestEngine(cfg *config.Config, vol volume.Volume, g git.Client, st store.Store) *Engine {
	e := NewEngine(cfg, vol, g, st, testLogger(), false)
	e.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	e.newID = func() string { return "run-1" }
	return e
}

func fp(t *testing.T, content string) fingerprint.Fingerprint {
	t.Helper()
	f, err := fingerprint.Bytes([]byte(content), fingerprint.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func seedRecord(t *testing.T, st store.Store, rec fingerprint.Record) {
	t.Helper()
	if err := st.Commit(&store.State{Commit: "c0", Fingerprints: rec}); err != nil {
		t.Fatal(err)
	}
}

func loadRecord(t *testing.T, st store.Store) fingerprint.Record {
	t.Helper()
	state, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	return state.Fingerprints
}

func readTree(t *testing.T, cfg *config.Config, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.Repo.Dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunNewFile(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	seedRecord(t, st, fingerprint.Record{"a.json": fp(t, "A1")})

	vol := &memVolume{files: map[string]string{"a.json": "A1", "nested/b.log": "B1"}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.New != 1 || rep.Modified != 0 || rep.Unchanged != 1 {
		t.Errorf("change set = new %d modified %d unchanged %d, want 1/0/1", rep.New, rep.Modified, rep.Unchanged)
	}
	if rep.Outcome != report.Success {
		t.Errorf("outcome = %s, want success", rep.Outcome)
	}
	if rep.RunID != "run-1" || rep.Commit != "c1" || !rep.Committed {
		t.Errorf("report = %+v", rep)
	}
	if got := strings.Join(g.staged, ","); got != "logs/nested/b.log" {
		t.Errorf("staged %q, want only the new file", got)
	}
	if g.pushes != 1 {
		t.Errorf("pushes = %d, want 1", g.pushes)
	}
	if !strings.HasPrefix(g.message, "Update logs: 1 file(s) changed at 2024-03-01T12:00:00Z") {
		t.Errorf("commit message = %q", g.message)
	}
	if got := readTree(t, cfg, "logs/nested/b.log"); got != "B1" {
		t.Errorf("working tree content = %q", got)
	}

	want := fingerprint.Record{"a.json": fp(t, "A1"), "nested/b.log": fp(t, "B1")}
	if got := loadRecord(t, st); !got.Equal(want) {
		t.Errorf("record = %v, want %v", got, want)
	}
	state, _ := st.Load()
	if state.Commit != "c1" {
		t.Errorf("stored commit = %q, want c1", state.Commit)
	}
}

func TestRunModifiedFile(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	seedRecord(t, st, fingerprint.Record{"a.json": fp(t, "old")})

	vol := &memVolume{files: map[string]string{"a.json": "new"}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.New != 0 || rep.Modified != 1 || rep.Unchanged != 0 {
		t.Errorf("change set = new %d modified %d unchanged %d, want 0/1/0", rep.New, rep.Modified, rep.Unchanged)
	}
	if got := loadRecord(t, st); got["a.json"] != fp(t, "new") {
		t.Errorf("record a.json = %s, want fingerprint of new content", got["a.json"])
	}
	if got := readTree(t, cfg, "logs/a.json"); got != "new" {
		t.Errorf("working tree content = %q", got)
	}
}

func TestRunTransferFailureIsRetried(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)

	vol := &memVolume{
		files:  map[string]string{"a.json": "A", "b.json": "B"},
		broken: map[string]bool{"b.json": true},
	}
	g := &fakeGit{}
	engine := newTestEngine(cfg, vol, g, st)

	rep, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Outcome != report.Partial {
		t.Errorf("outcome = %s, want partial", rep.Outcome)
	}
	if rep.Transferred != 1 || rep.Failed != 1 {
		t.Errorf("transferred %d failed %d, want 1/1", rep.Transferred, rep.Failed)
	}
	if !errors.Is(rep.Err(), syncerr.ErrTransferItem) {
		t.Errorf("report error = %v, want transfer item failure", rep.Err())
	}
	if got := strings.Join(g.staged, ","); got != "logs/a.json" {
		t.Errorf("staged %q, want only a.json", got)
	}
	rec := loadRecord(t, st)
	if _, ok := rec["b.json"]; ok {
		t.Error("failed transfer must not be recorded")
	}
	if rec["a.json"] != fp(t, "A") {
		t.Errorf("record a.json = %s", rec["a.json"])
	}

	// Next run picks up b.json again
	delete(vol.broken, "b.json")
	g.reset()
	rep, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if rep.New != 1 || rep.Unchanged != 1 {
		t.Errorf("second run new %d unchanged %d, want 1/1", rep.New, rep.Unchanged)
	}
	if got := strings.Join(g.staged, ","); got != "logs/b.json" {
		t.Errorf("second run staged %q, want logs/b.json", got)
	}
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	vol := &memVolume{files: map[string]string{"a.json": "A", "dir/b.csv": "B"}}
	g := &fakeGit{}
	engine := newTestEngine(cfg, vol, g, st)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	g.reset()

	rep, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if rep.New != 0 || rep.Modified != 0 || rep.Unchanged != 2 {
		t.Errorf("second run new %d modified %d unchanged %d, want 0/0/2", rep.New, rep.Modified, rep.Unchanged)
	}
	if len(g.staged) != 0 || g.commits != 1 || g.pushes != 1 {
		t.Errorf("second run touched git: staged %v commits %d pushes %d", g.staged, g.commits, g.pushes)
	}
}

func TestRunPublishFailureLeavesRecordUntouched(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	prior := fingerprint.Record{"a.json": fp(t, "old")}
	seedRecord(t, st, prior)

	vol := &memVolume{files: map[string]string{"a.json": "new", "b.json": "B"}}
	g := &fakeGit{pushErr: git.ErrNotFastForward}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if !errors.Is(err, syncerr.ErrPublish) {
		t.Fatalf("Run error = %v, want publish failure", err)
	}
	if !errors.Is(err, git.ErrNotFastForward) {
		t.Errorf("cause lost: %v", err)
	}
	if rep.Outcome != report.Failure {
		t.Errorf("outcome = %s, want failure", rep.Outcome)
	}
	if got := loadRecord(t, st); !got.Equal(prior) {
		t.Errorf("record changed after failed publish: %v", got)
	}
}

func TestRunPersistenceFailure(t *testing.T) {
	cfg := testConfig(t)
	st := &failingStore{Store: store.NewFileStore(cfg.Paths.StateDir)}
	vol := &memVolume{files: map[string]string{"a.json": "A"}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if !errors.Is(err, syncerr.ErrPersistence) {
		t.Fatalf("Run error = %v, want persistence failure", err)
	}
	if g.pushes != 1 || st.commits != 1 {
		t.Errorf("pushes %d store commits %d, want 1/1", g.pushes, st.commits)
	}
	if rep.Outcome != report.Failure {
		t.Errorf("outcome = %s, want failure", rep.Outcome)
	}
}

func TestRunScanFailure(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	prior := fingerprint.Record{"a.json": fp(t, "A")}
	seedRecord(t, st, prior)

	vol := &memVolume{walkErr: errors.New("403 forbidden")}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if !errors.Is(err, syncerr.ErrScan) {
		t.Fatalf("Run error = %v, want scan failure", err)
	}
	if !syncerr.IsFatal(err) {
		t.Error("scan failure should be fatal")
	}
	if len(g.staged) != 0 || g.pushes != 0 {
		t.Error("no publish may happen after a scan failure")
	}
	if rep.Missing != 0 {
		t.Errorf("missing = %d, a failed scan must not diff", rep.Missing)
	}
	if got := loadRecord(t, st); !got.Equal(prior) {
		t.Errorf("record changed after scan failure: %v", got)
	}
}

func TestRunInvalidKeysDoNotBlockOtherFiles(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)

	vol := &memVolume{files: map[string]string{
		"good.log":    "G",
		"../evil.log": "E",
		"zz.log":      "Z",
		"a//b.log":    "B",
	}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.New != 2 || rep.Skipped != 2 {
		t.Errorf("new %d skipped %d, want 2/2", rep.New, rep.Skipped)
	}
	if rep.Outcome != report.Partial {
		t.Errorf("outcome = %s, want partial", rep.Outcome)
	}
	if !errors.Is(rep.Err(), volume.ErrInvalidKey) {
		t.Errorf("report error = %v, want invalid key", rep.Err())
	}
	staged := append([]string(nil), g.staged...)
	sort.Strings(staged)
	if got := strings.Join(staged, ","); got != "logs/good.log,logs/zz.log" {
		t.Errorf("staged %q, want the two valid files", got)
	}
	if g.pushes != 1 {
		t.Errorf("pushes = %d, want 1", g.pushes)
	}
	want := fingerprint.Record{"good.log": fp(t, "G"), "zz.log": fp(t, "Z")}
	if got := loadRecord(t, st); !got.Equal(want) {
		t.Errorf("record = %v, want %v", got, want)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.Repo.Dir), "evil.log")); !os.IsNotExist(err) {
		t.Errorf("file written outside the working tree: %v", err)
	}
}

func TestRunUnreadableFileIsNeverDeleted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Deletion = "delete"
	cfg.Sync.TrustProviderDigest = false
	st := store.NewFileStore(cfg.Paths.StateDir)
	prior := fingerprint.Record{"a.json": fp(t, "A"), "b.json": fp(t, "B")}
	seedRecord(t, st, prior)

	vol := &memVolume{
		files:  map[string]string{"a.json": "A", "b.json": "B"},
		broken: map[string]bool{"b.json": true},
	}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Missing != 0 || rep.Skipped != 1 {
		t.Errorf("missing %d skipped %d, want 0/1", rep.Missing, rep.Skipped)
	}
	if rep.Outcome != report.Partial {
		t.Errorf("outcome = %s, want partial", rep.Outcome)
	}
	if !errors.Is(rep.Err(), syncerr.ErrScanItem) {
		t.Errorf("report error = %v, want scan item failure", rep.Err())
	}
	if len(g.removed) != 0 || g.pushes != 0 {
		t.Errorf("nothing should be published: removed %v pushes %d", g.removed, g.pushes)
	}
	if got := loadRecord(t, st); !got.Equal(prior) {
		t.Errorf("record changed: %v", got)
	}
}

func TestRunDeletePolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Deletion = "delete"
	st := store.NewFileStore(cfg.Paths.StateDir)
	seedRecord(t, st, fingerprint.Record{"a.json": fp(t, "A"), "gone.json": fp(t, "G")})

	stale := filepath.Join(cfg.Repo.Dir, "logs", "gone.json")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("G"), 0644); err != nil {
		t.Fatal(err)
	}

	vol := &memVolume{files: map[string]string{"a.json": "A"}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Missing != 1 || rep.Deleted != 1 {
		t.Errorf("missing %d deleted %d, want 1/1", rep.Missing, rep.Deleted)
	}
	if got := strings.Join(g.removed, ","); got != "logs/gone.json" {
		t.Errorf("removed %q, want logs/gone.json", got)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file still present: %v", err)
	}
	want := fingerprint.Record{"a.json": fp(t, "A")}
	if got := loadRecord(t, st); !got.Equal(want) {
		t.Errorf("record = %v, want %v", got, want)
	}
}

func TestRunIgnorePolicyKeepsMissing(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	prior := fingerprint.Record{"a.json": fp(t, "A"), "gone.json": fp(t, "G")}
	seedRecord(t, st, prior)

	vol := &memVolume{files: map[string]string{"a.json": "A"}}
	g := &fakeGit{}

	rep, err := newTestEngine(cfg, vol, g, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Missing != 1 || rep.Deleted != 0 {
		t.Errorf("missing %d deleted %d, want 1/0", rep.Missing, rep.Deleted)
	}
	if g.pushes != 0 {
		t.Error("nothing to publish when only missing files are ignored")
	}
	if got := loadRecord(t, st); !got.Equal(prior) {
		t.Errorf("record = %v, want %v", got, prior)
	}
}

func TestRunDryRun(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	vol := &memVolume{files: map[string]string{"a.json": "A"}}
	g := &fakeGit{}

	engine := NewEngine(cfg, vol, g, st, testLogger(), true)
	rep, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !rep.DryRun || rep.New != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.RunID == "" {
		t.Error("run id should be generated")
	}
	if len(g.staged) != 0 || g.pushes != 0 {
		t.Error("dry run must not publish")
	}
	if _, err := os.Stat(filepath.Join(cfg.Repo.Dir, "logs", "a.json")); !os.IsNotExist(err) {
		t.Error("dry run must not write the working tree")
	}
	if _, err := os.Stat(st.Path()); !os.IsNotExist(err) {
		t.Error("dry run must not write the record")
	}
}

func TestRunLockHeld(t *testing.T) {
	cfg := testConfig(t)
	held, err := lock.Acquire(cfg.Paths.StateDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = held.Release()
	}()

	g := &fakeGit{}
	_, err = newTestEngine(cfg, &memVolume{}, g, store.NewFileStore(cfg.Paths.StateDir)).Run(context.Background())
	if !errors.Is(err, syncerr.ErrLocked) {
		t.Fatalf("Run error = %v, want locked", err)
	}
	if g.checkouts != 0 {
		t.Error("checkout must not run without the lock")
	}
}

func TestRunCheckoutFailure(t *testing.T) {
	cfg := testConfig(t)
	g := &fakeGit{checkoutErr: git.ErrAuthRequired}

	_, err := newTestEngine(cfg, &memVolume{}, g, store.NewFileStore(cfg.Paths.StateDir)).Run(context.Background())
	if !errors.Is(err, syncerr.ErrCheckout) || !errors.Is(err, git.ErrAuthRequired) {
		t.Fatalf("Run error = %v, want checkout failure caused by auth", err)
	}
}

func TestRunWithoutCheckout(t *testing.T) {
	cfg := testConfig(t)
	checkout := false
	cfg.Repo.Checkout = &checkout
	g := &fakeGit{}
	vol := &memVolume{files: map[string]string{"a.json": "A"}}

	_, err := newTestEngine(cfg, vol, g, store.NewFileStore(cfg.Paths.StateDir)).Run(context.Background())
	if !errors.Is(err, syncerr.ErrCheckout) {
		t.Fatalf("Run error = %v, want checkout failure for missing working tree", err)
	}

	if err := os.MkdirAll(cfg.Repo.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := newTestEngine(cfg, vol, g, store.NewFileStore(cfg.Paths.StateDir)).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if g.checkouts != 0 {
		t.Errorf("checkouts = %d, want 0", g.checkouts)
	}
}

func TestRunCorruptRecordStartsOver(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(st.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	vol := &memVolume{files: map[string]string{"a.json": "A"}}
	rep, err := newTestEngine(cfg, vol, &fakeGit{}, st).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.New != 1 {
		t.Errorf("new = %d, want every file treated as new", rep.New)
	}
	if got := loadRecord(t, st); got["a.json"] != fp(t, "A") {
		t.Errorf("record not rewritten: %v", got)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	st := store.NewFileStore(cfg.Paths.StateDir)
	g := &fakeGit{}
	vol := &memVolume{files: map[string]string{"a.json": "A"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newTestEngine(cfg, vol, g, st).Run(ctx)
	if err == nil {
		t.Fatal("expected an error for a cancelled run")
	}
	if rep.Outcome != report.Failure {
		t.Errorf("outcome = %s, want failure", rep.Outcome)
	}
	if g.pushes != 0 {
		t.Error("cancelled run must not push")
	}
	if _, err := os.Stat(st.Path()); !os.IsNotExist(err) {
		t.Error("cancelled run must not write the record")
	}
}

func TestRunInvalidFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Volume.Include = []string{"[unclosed"}

	_, err := newTestEngine(cfg, &memVolume{}, &fakeGit{}, store.NewFileStore(cfg.Paths.StateDir)).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "filter") {
		t.Fatalf("Run error = %v, want filter error", err)
	}
}
