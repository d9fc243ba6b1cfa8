package model

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/check"
)

// DefaultSharedFSContainerPath is the base storage path inside containers for SharedFS storage.
const DefaultSharedFSContainerPath = "/determined_shared_fs"

// Checkpoint storage types.
const (
	StorageTypeSharedFS = "shared_fs"
	StorageTypeHDFS     = "hdfs"
	StorageTypeS3       = "s3"
	StorageTypeGCS      = "gcs"
)

// CheckpointStorageConfig is a union of the supported checkpoint storage backends, tagged by the
// "type" key. Exactly one of the backend configs is set after unmarshaling.
type CheckpointStorageConfig struct {
	SharedFSConfig *SharedFSConfig `json:"-"`
	HDFSConfig     *HDFSConfig     `json:"-"`
	S3Config       *S3Config       `json:"-"`
	GCSConfig      *GCSConfig      `json:"-"`
}

// Type returns the union tag of the configured backend.
func (c CheckpointStorageConfig) Type() string {
	switch {
	case c.SharedFSConfig != nil:
		return StorageTypeSharedFS
	case c.HDFSConfig != nil:
		return StorageTypeHDFS
	case c.S3Config != nil:
		return StorageTypeS3
	case c.GCSConfig != nil:
		return StorageTypeGCS
	default:
		return ""
	}
}

// MarshalJSON implements the json.Marshaler interface.
func (c CheckpointStorageConfig) MarshalJSON() ([]byte, error) {
	var inner interface{}
	switch c.Type() {
	case StorageTypeSharedFS:
		inner = c.SharedFSConfig
	case StorageTypeHDFS:
		inner = c.HDFSConfig
	case StorageTypeS3:
		inner = c.S3Config
	case StorageTypeGCS:
		inner = c.GCSConfig
	default:
		return nil, errors.New("no checkpoint storage type set")
	}
	bs, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(bs, &fields); err != nil {
		return nil, err
	}
	fields["type"] = c.Type()
	return json.Marshal(fields)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *CheckpointStorageConfig) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return errors.Wrap(err, "failed to parse checkpoint storage")
	}
	*c = CheckpointStorageConfig{}
	var target interface{}
	switch tagged.Type {
	case StorageTypeSharedFS:
		c.SharedFSConfig = &SharedFSConfig{}
		target = c.SharedFSConfig
	case StorageTypeHDFS:
		c.HDFSConfig = &HDFSConfig{}
		target = c.HDFSConfig
	case StorageTypeS3:
		c.S3Config = &S3Config{}
		target = c.S3Config
	case StorageTypeGCS:
		c.GCSConfig = &GCSConfig{}
		target = c.GCSConfig
	default:
		return errors.Errorf("unexpected checkpoint storage type: %q", tagged.Type)
	}
	return errors.Wrap(json.Unmarshal(data, target), "failed to parse checkpoint storage")
}

// SharedFSConfig configures storing on a shared filesystem (e.g., NFS).
type SharedFSConfig struct {
	HostPath      string  `json:"host_path"`
	ContainerPath *string `json:"container_path,omitempty"`
	StoragePath   *string `json:"storage_path,omitempty"`
	Propagation   *string `json:"propagation,omitempty"`
}

// Validate implements the check.Validatable interface.
func (s SharedFSConfig) Validate() []error {
	errs := []error{check.True(filepath.IsAbs(s.HostPath), "host_path must be an absolute path")}
	if s.StoragePath != nil {
		p := *s.StoragePath
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(s.HostPath, p)
			if err != nil {
				return append(errs, errors.Wrap(err, "storage_path must be a subdirectory of host_path"))
			}
			p = rel
		}
		if p = filepath.Clean(p); p == ".." || strings.HasPrefix(p, "../") {
			errs = append(errs, errors.New("storage_path must be a subdirectory of host_path"))
		}
	}
	return errs
}

// PathInContainer calculates where the full StoragePath will be inside the container.
func (s SharedFSConfig) PathInContainer() string {
	base := DefaultSharedFSContainerPath
	if s.ContainerPath != nil {
		base = *s.ContainerPath
	}
	if s.StoragePath == nil {
		return base
	}
	if filepath.IsAbs(*s.StoragePath) {
		rel, err := filepath.Rel(s.HostPath, *s.StoragePath)
		if err != nil {
			panic("detected unvalidated sharedfs config")
		}
		return filepath.Join(base, rel)
	}
	return filepath.Join(base, *s.StoragePath)
}

// HDFSConfig configures storing checkpoints in HDFS.
type HDFSConfig struct {
	URL  string  `json:"hdfs_url"`
	Path string  `json:"hdfs_path"`
	User *string `json:"user,omitempty"`
}

// S3Config configures storing checkpoints on S3.
type S3Config struct {
	Bucket      string  `json:"bucket"`
	AccessKey   *string `json:"access_key,omitempty"`
	SecretKey   *string `json:"secret_key,omitempty"`
	EndpointURL *string `json:"endpoint_url,omitempty"`
	Prefix      *string `json:"prefix,omitempty"`
	Region      *string `json:"region,omitempty"`
}

// GCSConfig configures storing checkpoints on GCS.
type GCSConfig struct {
	Bucket string  `json:"bucket"`
	Prefix *string `json:"prefix,omitempty"`
}
