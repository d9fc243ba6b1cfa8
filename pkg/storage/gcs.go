package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// GCSManager stores checkpoints in a Google Cloud Storage bucket.
type GCSManager struct {
	bucket *storage.BucketHandle
	name   string
	prefix *string
}

// NewGCSManager builds a manager from config using application default credentials. Extra client
// options, e.g. an emulator endpoint, may be appended.
func NewGCSManager(ctx context.Context, cfg model.GCSConfig, opts ...option.ClientOption) (*GCSManager, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gcs client")
	}
	return &GCSManager{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Backend implements Manager.
func (m *GCSManager) Backend() string { return "gcs" }

// Upload implements Manager.
func (m *GCSManager) Upload(ctx context.Context, src, storageID string) error {
	files, err := archive.ListFiles(ctx, src)
	if err != nil {
		return err
	}
	for _, f := range files {
		key := objectKey(m.prefix, storageID, f.Path)
		if err := m.uploadFile(ctx, filepath.Join(src, filepath.FromSlash(f.Path)), key); err != nil {
			return errors.Wrapf(err, "uploading gs://%s/%s", m.name, key)
		}
	}
	return nil
}

func (m *GCSManager) uploadFile(ctx context.Context, local, key string) error {
	f, err := os.Open(local) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	w := m.bucket.Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (m *GCSManager) list(ctx context.Context, storageID string) ([]*storage.ObjectAttrs, error) {
	var objs []*storage.ObjectAttrs
	items := m.bucket.Objects(ctx, &storage.Query{Prefix: objectPrefix(m.prefix, storageID)})
	for {
		item, err := items.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		objs = append(objs, item)
	}
	if len(objs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "gs://%s/%s", m.name, objectPrefix(m.prefix, storageID))
	}
	return objs, nil
}

// Download implements Manager.
func (m *GCSManager) Download(ctx context.Context, storageID, dst string) error {
	objs, err := m.list(ctx, storageID)
	if err != nil {
		return err
	}
	prefix := objectPrefix(m.prefix, storageID)
	for _, o := range objs {
		rel := strings.TrimPrefix(o.Name, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := m.downloadFile(ctx, o.Name, filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return errors.Wrapf(err, "downloading gs://%s/%s", m.name, o.Name)
		}
	}
	return nil
}

func (m *GCSManager) downloadFile(ctx context.Context, key, local string) (err error) {
	r, err := m.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

// Delete implements Manager.
func (m *GCSManager) Delete(ctx context.Context, storageID string) error {
	objs, err := m.list(ctx, storageID)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if err := m.bucket.Object(o.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(err, "deleting gs://%s/%s", m.name, o.Name)
		}
	}
	return nil
}
