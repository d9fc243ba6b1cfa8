// Package storage moves checkpoint directories to and from the configured checkpoint storage.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/internal/prom"
	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// ErrNotFound is wrapped by Download and Delete errors when no files exist under a storage id.
var ErrNotFound = errors.New("checkpoint not found")

// Manager is a checkpoint storage backend. Checkpoints are directories addressed by storage id.
type Manager interface {
	// Backend is the name of the storage type, e.g. "s3".
	Backend() string
	// Upload copies every file under src to the checkpoint storageID, merging with files already
	// uploaded there by other ranks.
	Upload(ctx context.Context, src string, storageID string) error
	// Download copies every file of the checkpoint storageID into dst.
	Download(ctx context.Context, storageID string, dst string) error
	// Delete removes the checkpoint storageID.
	Delete(ctx context.Context, storageID string) error
}

// Error is a failed storage operation.
type Error struct {
	Op        string
	Backend   string
	StorageID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s of checkpoint %s on %s failed: %v", e.Op, e.StorageID, e.Backend, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// BuildOptions tunes Build.
type BuildOptions struct {
	// OnHost resolves shared_fs storage against host_path rather than the container mount.
	OnHost bool
}

// Build returns the Manager for a checkpoint storage config.
func Build(ctx context.Context, cfg model.CheckpointStorageConfig, opts BuildOptions) (Manager, error) {
	switch {
	case cfg.SharedFSConfig != nil:
		c := cfg.SharedFSConfig
		base := c.PathInContainer()
		if opts.OnHost {
			base = c.HostPath
			if c.StoragePath != nil {
				base = *c.StoragePath
				if !strings.HasPrefix(base, "/") {
					base = path.Join(c.HostPath, base)
				}
			}
		}
		return NewSharedFSManager(base), nil
	case cfg.S3Config != nil:
		m, err := NewS3Manager(*cfg.S3Config)
		if err != nil {
			return nil, err
		}
		return m, nil
	case cfg.GCSConfig != nil:
		m, err := NewGCSManager(ctx, *cfg.GCSConfig)
		if err != nil {
			return nil, err
		}
		return m, nil
	case cfg.HDFSConfig != nil:
		m, err := NewHDFSManager(*cfg.HDFSConfig)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.New("checkpoint storage config has no backend")
	}
}

// Upload uploads src through m, recording transfer metrics and wrapping failures in *Error.
func Upload(ctx context.Context, m Manager, src, storageID string) (err error) {
	defer prom.Time(prom.CheckpointSeconds.WithLabelValues(m.Backend(), "upload"))()
	defer prom.ErrCount(prom.CheckpointErrors.WithLabelValues(m.Backend(), "upload"), &err)
	return wrap("upload", m, storageID, m.Upload(ctx, src, storageID))
}

// Download downloads storageID through m into dst, recording transfer metrics and wrapping
// failures in *Error.
func Download(ctx context.Context, m Manager, storageID, dst string) (err error) {
	defer prom.Time(prom.CheckpointSeconds.WithLabelValues(m.Backend(), "download"))()
	defer prom.ErrCount(prom.CheckpointErrors.WithLabelValues(m.Backend(), "download"), &err)
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return wrap("download", m, storageID, err)
	}
	return wrap("download", m, storageID, m.Download(ctx, storageID, dst))
}

// Delete deletes storageID through m, wrapping failures in *Error.
func Delete(ctx context.Context, m Manager, storageID string) error {
	return wrap("delete", m, storageID, m.Delete(ctx, storageID))
}

// Export downloads storageID and writes it to aw as an archive.
func Export(ctx context.Context, m Manager, storageID string, aw archive.Writer) error {
	tmp, err := os.MkdirTemp("", "det-export-")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()
	if err := Download(ctx, m, storageID, tmp); err != nil {
		return err
	}
	return wrap("export", m, storageID, archive.WriteDir(ctx, aw, tmp))
}

// Resources returns the size of every file under dir, keyed by slash-separated relative path. It
// is the resources map reported when a checkpoint is registered.
func Resources(ctx context.Context, dir string) (map[string]int64, error) {
	files, err := archive.ListFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(files))
	for _, f := range files {
		out[f.Path] = f.Size
	}
	return out, nil
}

func wrap(op string, m Manager, storageID string, err error) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}
	return &Error{Op: op, Backend: m.Backend(), StorageID: storageID, Err: err}
}

// objectKey joins a prefix, a storage id and a relative file path into an object key.
func objectKey(prefix *string, storageID, rel string) string {
	p := ""
	if prefix != nil {
		p = *prefix
	}
	return strings.TrimLeft(path.Join(p, storageID, rel), "/")
}

// objectPrefix is the key prefix under which all files of storageID live, with a trailing slash.
func objectPrefix(prefix *string, storageID string) string {
	return objectKey(prefix, storageID, "") + "/"
}
