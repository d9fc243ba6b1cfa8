package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/docker/go-units"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/archive"
	"github.com/determined-ai/determined/harness/pkg/model"
)

const (
	defaultS3Region = "us-west-2"
	s3PartSize      = 5 * units.MiB
	// s3DeleteBatch is the most keys DeleteObjects accepts at once.
	s3DeleteBatch = 1000
)

// S3Manager stores checkpoints in an S3 (or S3-compatible) bucket.
type S3Manager struct {
	bucket     string
	prefix     *string
	client     s3iface.S3API
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	log        *log.Entry
}

// NewS3Manager builds a manager from config. Credentials not given explicitly are taken from the
// default AWS credential chain.
func NewS3Manager(cfg model.S3Config) (*S3Manager, error) {
	awsCfg := &aws.Config{Region: aws.String(defaultS3Region)}
	if cfg.Region != nil {
		awsCfg.Region = cfg.Region
	}
	if cfg.EndpointURL != nil {
		awsCfg.Endpoint = cfg.EndpointURL
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != nil && cfg.SecretKey != nil {
		awsCfg.Credentials = credentials.NewStaticCredentials(*cfg.AccessKey, *cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	client := s3.New(sess)
	return &S3Manager{
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		client: client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.PartSize = s3PartSize
		}),
		downloader: s3manager.NewDownloaderWithClient(client, func(d *s3manager.Downloader) {
			d.PartSize = s3PartSize
		}),
		log: log.WithFields(log.Fields{"component": "s3-storage", "bucket": cfg.Bucket}),
	}, nil
}

// Backend implements Manager.
func (m *S3Manager) Backend() string { return "s3" }

// Upload implements Manager.
func (m *S3Manager) Upload(ctx context.Context, src, storageID string) error {
	files, err := archive.ListFiles(ctx, src)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		key := objectKey(m.prefix, storageID, f.Path)
		if err := m.uploadFile(ctx, filepath.Join(src, filepath.FromSlash(f.Path)), key); err != nil {
			return errors.Wrapf(err, "uploading s3://%s/%s", m.bucket, key)
		}
		total += f.Size
	}
	m.log.Debugf("uploaded %d files (%s) to %s", len(files), units.HumanSize(float64(total)), storageID)
	return nil
}

func (m *S3Manager) uploadFile(ctx context.Context, local, key string) error {
	f, err := os.Open(local) // #nosec G304
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

func (m *S3Manager) list(ctx context.Context, storageID string) ([]*s3.Object, error) {
	var objs []*s3.Object
	err := m.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(objectPrefix(m.prefix, storageID)),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		objs = append(objs, page.Contents...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "s3://%s/%s", m.bucket, objectPrefix(m.prefix, storageID))
	}
	return objs, nil
}

// Download implements Manager.
func (m *S3Manager) Download(ctx context.Context, storageID, dst string) error {
	objs, err := m.list(ctx, storageID)
	if err != nil {
		return err
	}
	prefix := objectPrefix(m.prefix, storageID)
	for _, obj := range objs {
		key := aws.StringValue(obj.Key)
		rel := strings.TrimPrefix(key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := m.downloadFile(ctx, key, filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return errors.Wrapf(err, "downloading s3://%s/%s", m.bucket, key)
		}
	}
	return nil
}

func (m *S3Manager) downloadFile(ctx context.Context, key, local string) (err error) {
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
	_, err = m.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Delete implements Manager.
func (m *S3Manager) Delete(ctx context.Context, storageID string) error {
	objs, err := m.list(ctx, storageID)
	if err != nil {
		return err
	}
	for start := 0; start < len(objs); start += s3DeleteBatch {
		end := start + s3DeleteBatch
		if end > len(objs) {
			end = len(objs)
		}
		ids := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, obj := range objs[start:end] {
			ids = append(ids, &s3.ObjectIdentifier{Key: obj.Key})
		}
		out, err := m.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(m.bucket),
			Delete: &s3.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			return errors.Errorf("failed to delete %d objects, first: %s: %s", len(out.Errors),
				aws.StringValue(out.Errors[0].Key), aws.StringValue(out.Errors[0].Message))
		}
	}
	return nil
}
