package storage

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/colinmarc/hdfs/v2"
	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// HDFSManager stores checkpoints as directories under a path of an HDFS cluster.
type HDFSManager struct {
	client *hdfs.Client
	root   string
}

// NewHDFSManager connects to the namenode in config.
func NewHDFSManager(cfg model.HDFSConfig) (*HDFSManager, error) {
	opts := hdfs.ClientOptions{Addresses: strings.Split(cfg.URL, ",")}
	if cfg.User != nil {
		opts.User = *cfg.User
	}
	client, err := hdfs.NewClient(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to hdfs at %s", cfg.URL)
	}
	return &HDFSManager{client: client, root: cfg.Path}, nil
}

// Backend implements Manager.
func (m *HDFSManager) Backend() string { return "hdfs" }

func (m *HDFSManager) remote(storageID string, rel ...string) string {
	return path.Join(append([]string{m.root, storageID}, rel...)...)
}

// Upload implements Manager.
func (m *HDFSManager) Upload(ctx context.Context, src, storageID string) error {
	files, err := archive.ListFiles(ctx, src)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := m.remote(storageID, f.Path)
		if err := m.client.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", path.Dir(dst))
		}
		// Another rank may already have written a file of the same name.
		if err := m.client.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "replacing %s", dst)
		}
		if err := m.client.CopyToRemote(filepath.Join(src, filepath.FromSlash(f.Path)), dst); err != nil {
			return errors.Wrapf(err, "uploading %s", dst)
		}
	}
	return nil
}

// Download implements Manager.
func (m *HDFSManager) Download(ctx context.Context, storageID, dst string) error {
	root := m.remote(storageID)
	if _, err := m.client.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(ErrNotFound, root)
		}
		return err
	}
	return m.client.Walk(root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		local := filepath.Join(dst, filepath.FromSlash(rel))
		if info.IsDir() {
			return os.MkdirAll(local, 0o755)
		}
		return m.client.CopyToLocal(p, local)
	})
}

// Delete implements Manager.
func (m *HDFSManager) Delete(ctx context.Context, storageID string) error {
	root := m.remote(storageID)
	if _, err := m.client.Stat(root); errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(ErrNotFound, root)
	}
	return m.client.RemoveAll(root)
}

// Close closes the connection to the namenode.
func (m *HDFSManager) Close() error {
	return m.client.Close()
}
