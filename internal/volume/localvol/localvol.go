// Package localvol exposes a directory tree as a volume. It is used for
// mounted volumes (FUSE, NFS, /dbfs) and in tests through an in-memory
// filesystem.
package localvol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/volume"
)

// Volume reads files from a billy filesystem.
type Volume struct {
	fs   billy.Filesystem
	name string
}

// New returns a volume over fsys. name is used in log output only.
func New(fsys billy.Filesystem, name string) *Volume {
	return &Volume{fs: fsys, name: name}
}

// NewOS returns a volume rooted at a directory on the local disk.
func NewOS(dir string) *Volume {
	return New(osfs.New(dir), dir)
}

// Describe implements volume.Describer.
func (v *Volume) Describe() string {
	return "local:" + v.name
}

// Walk visits every regular file, depth first in lexical order.
func (v *Volume) Walk(ctx context.Context, fn volume.WalkFunc) error {
	if _, err := v.fs.Stat("/"); err != nil {
		return fmt.Errorf("volume root not accessible: %w", err)
	}
	return v.walk(ctx, "", fn)
}

func (v *Volume) walk(ctx context.Context, dir string, fn volume.WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := v.fs.ReadDir(dirOrRoot(dir))
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", dirOrRoot(dir), err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	for _, info := range infos {
		rel := info.Name()
		if dir != "" {
			rel = dir + "/" + rel
		}
		switch {
		case info.IsDir():
			if err := v.walk(ctx, rel, fn); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			id, err := volume.ParseIdentity(rel)
			if err != nil {
				if err := fn(volume.InvalidEntry(rel, err)); err != nil {
					return err
				}
				continue
			}
			if err := fn(volume.Entry{
				Identity: id,
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
		default:
			// symlinks, sockets and devices are not mirrored
		}
	}
	return nil
}

func dirOrRoot(dir string) string {
	if dir == "" {
		return "/"
	}
	return dir
}

// Open opens the file for reading.
func (v *Volume) Open(ctx context.Context, id fingerprint.Identity) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := v.fs.Open(string(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", volume.ErrNotFound, id)
		}
		return nil, err
	}
	return f, nil
}
