package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/vol2git/internal/config"
	"github.com/schaermu/vol2git/internal/git"
	"github.com/schaermu/vol2git/internal/volume"
	"github.com/schaermu/vol2git/internal/volume/databricks"
	"github.com/schaermu/vol2git/internal/volume/localvol"
	"github.com/schaermu/vol2git/internal/volume/miniovol"
	"github.com/schaermu/vol2git/internal/volume/s3vol"
)

// newVolume opens the source volume selected by volume.kind.
func newVolume(ctx context.Context, cfg *config.Config, logger *slog.Logger) (volume.Volume, error) {
	v := cfg.Volume
	switch v.Kind {
	case config.VolumeLocal:
		return localvol.NewOS(v.Path), nil

	case config.VolumeDatabricks:
		token, err := cfg.DatabricksToken()
		if err != nil {
			return nil, err
		}
		return databricks.New(databricks.Options{
			Host:   v.Host,
			Token:  token,
			Path:   v.Path,
			Logger: logger,
		})

	case config.VolumeS3:
		ak, sk, err := cfg.ObjectStoreKeys()
		if err != nil {
			return nil, err
		}
		return s3vol.NewFromOptions(ctx, s3vol.Options{
			Bucket:         v.Bucket,
			Prefix:         v.Prefix,
			Region:         v.Region,
			Endpoint:       v.Endpoint,
			ForcePathStyle: v.PathStyle,
			AccessKey:      ak,
			SecretKey:      sk,
		})

	case config.VolumeMinIO:
		ak, sk, err := cfg.ObjectStoreKeys()
		if err != nil {
			return nil, err
		}
		return miniovol.NewFromOptions(miniovol.Options{
			Endpoint:  v.Endpoint,
			AccessKey: ak,
			SecretKey: sk,
			Region:    v.Region,
			Secure:    v.Secure,
			Bucket:    v.Bucket,
			Prefix:    v.Prefix,
		})
	}
	return nil, fmt.Errorf("unsupported volume kind %q", v.Kind)
}

// newGitClient returns the git driver selected by git.driver.
func newGitClient(cfg *config.Config) (git.Client, error) {
	token, err := cfg.HTTPSToken()
	if err != nil {
		return nil, err
	}
	auth := git.Auth{SSHKeyFile: cfg.Auth.SSHKeyFile, HTTPSToken: token}

	if cfg.Git.Driver == config.DriverGoGit {
		return git.NewGoGitClient(auth), nil
	}
	return git.NewShellClient(auth), nil
}

// runLogName returns the per-run log file name for t.
func runLogName(t time.Time) string {
	return "vol2git_" + t.Format("20060102_150405") + ".log"
}

// withRunLog tees logger output into a per-run log file under dir. Without a
// log dir the logger is returned unchanged.
func withRunLog(logger *slog.Logger, dir string, now time.Time) (*slog.Logger, func(), error) {
	if dir == "" {
		return logger, func() {}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, runLogName(now)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run log: %w", err)
	}
	closeFn := func() { _ = f.Close() }
	return slog.New(teeHandler{logger.Handler(), newHandler(f)}), closeFn, nil
}

// teeHandler fans records out to two handlers, mirroring io.MultiWriter for
// slog.
type teeHandler struct {
	a, b slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.a.Enabled(ctx, l) || t.b.Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errA, errB error
	if t.a.Enabled(ctx, r.Level) {
		errA = t.a.Handle(ctx, r.Clone())
	}
	if t.b.Enabled(ctx, r.Level) {
		errB = t.b.Handle(ctx, r)
	}
	if errA != nil {
		return errA
	}
	return errB
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.a.WithAttrs(attrs), t.b.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.a.WithGroup(name), t.b.WithGroup(name)}
}
