package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/determined/harness/pkg/archive"
)

// maxParallelCopies bounds concurrent file copies of a single transfer.
const maxParallelCopies = 8

// SharedFSManager stores checkpoints as directories under a base path on a shared filesystem.
type SharedFSManager struct {
	base string
}

// NewSharedFSManager returns a manager rooted at base.
func NewSharedFSManager(base string) *SharedFSManager {
	return &SharedFSManager{base: base}
}

// Backend implements Manager.
func (m *SharedFSManager) Backend() string { return "shared_fs" }

// Path is where the checkpoint storageID lives.
func (m *SharedFSManager) Path(storageID string) string {
	return filepath.Join(m.base, storageID)
}

// Upload implements Manager.
func (m *SharedFSManager) Upload(ctx context.Context, src, storageID string) error {
	return copyTree(ctx, src, m.Path(storageID))
}

// Download implements Manager.
func (m *SharedFSManager) Download(ctx context.Context, storageID, dst string) error {
	src := m.Path(storageID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return errors.Wrap(ErrNotFound, src)
	}
	return copyTree(ctx, src, dst)
}

// Delete implements Manager.
func (m *SharedFSManager) Delete(ctx context.Context, storageID string) error {
	p := m.Path(storageID)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return errors.Wrap(ErrNotFound, p)
	}
	return os.RemoveAll(p)
}

func copyTree(ctx context.Context, src, dst string) error {
	files, err := archive.ListFiles(ctx, src)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCopies)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel := filepath.FromSlash(f.Path)
			return copyFile(filepath.Join(src, rel), filepath.Join(dst, rel))
		})
	}
	return g.Wait()
}

func copyFile(src, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.Create(dst) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "copying %s", src)
	}
	return nil
}
