package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

// MetadataFile is written by the chief into every checkpoint it stores.
const MetadataFile = "metadata.json"

// CheckpointAPI is the part of the controller API used to register checkpoints.
type CheckpointAPI interface {
	ReportCheckpoint(ctx context.Context, ckpt api.Checkpoint) error
}

// CheckpointContext stores and restores checkpoints through the configured storage backend. Store
// is a collective; Restore, Delete and ReadMetadata are not.
type CheckpointContext struct {
	dist         *distributed.Context
	storage      storage.Manager
	api          CheckpointAPI
	taskID       string
	allocationID string
	stagingDir   string
	log          *log.Entry
}

// NewCheckpointContext returns a CheckpointContext registering checkpoints through api. Staging
// directories are created under stagingDir, or the system temp dir if it is empty.
func NewCheckpointContext(
	dist *distributed.Context, mgr storage.Manager, api CheckpointAPI,
	taskID, allocationID, stagingDir string,
) *CheckpointContext {
	return &CheckpointContext{
		dist:         dist,
		storage:      mgr,
		api:          api,
		taskID:       taskID,
		allocationID: allocationID,
		stagingDir:   stagingDir,
		log:          log.WithFields(log.Fields{"component": "checkpoint", "backend": mgr.Backend()}),
	}
}

// NewDummyCheckpointContext returns a CheckpointContext that stores checkpoints without registering
// them anywhere.
func NewDummyCheckpointContext(
	dist *distributed.Context, mgr storage.Manager, stagingDir string,
) *CheckpointContext {
	return NewCheckpointContext(dist, mgr, nil, "", "", stagingDir)
}

// Storage returns the storage backend.
func (c *CheckpointContext) Storage() storage.Manager {
	return c.storage
}

// StoreFunc fills dir with the files of a checkpoint that will be stored as storageID.
type StoreFunc func(dir string, storageID string) error

type uploadResult struct {
	Resources map[string]int64 `json:"resources"`
	Err       string           `json:"err,omitempty"`
}

func (c *CheckpointContext) tempDir(prefix string) (string, error) {
	if c.stagingDir != "" {
		if err := os.MkdirAll(c.stagingDir, 0o700); err != nil {
			return "", errors.Wrap(err, "creating staging dir")
		}
	}
	dir, err := os.MkdirTemp(c.stagingDir, prefix)
	return dir, errors.Wrap(err, "creating staging dir")
}

// Store creates a checkpoint. Every rank gets its own fresh staging directory and fills it through
// fn; if fn fails on any rank nothing is uploaded or registered. The chief adds metadata.json and
// the ranks compare their file lists, failing if two of them wrote the same path. Then every rank
// uploads its files and the chief registers the checkpoint with the controller. The staging
// directory is removed on every path out of Store. All ranks must call Store together.
func (c *CheckpointContext) Store(
	ctx context.Context, metadata map[string]interface{}, fn StoreFunc,
) (string, error) {
	storageID, err := distributed.Broadcast(ctx, c.dist, uuid.New().String())
	if err != nil {
		return "", errors.Wrap(err, "agreeing on a storage id")
	}
	dir, err := c.tempDir(fmt.Sprintf("ckpt-%s-rank%d-", storageID, c.dist.Rank()))
	if err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.log.WithError(err).Warnf("failed to remove staging dir %s", dir)
		}
	}()

	fnErr := fn(dir, storageID)
	if err := c.agree(ctx, "saving", fnErr); err != nil {
		return "", err
	}

	if c.dist.IsChief() {
		if err := writeMetadata(dir, metadata); err != nil {
			fnErr = err
		}
	}
	manifest := uploadResult{}
	if fnErr == nil {
		manifest.Resources, fnErr = storage.Resources(ctx, dir)
	}
	if fnErr != nil {
		manifest.Err = fnErr.Error()
	}
	manifests, err := distributed.AllGather(ctx, c.dist, manifest)
	if err != nil {
		return "", errors.Wrap(err, "collecting checkpoint manifests")
	}
	if fnErr != nil {
		return "", fnErr
	}
	resources, err := mergeManifests(storageID, manifests)
	if err != nil {
		return "", err
	}

	upErr := storage.Upload(ctx, c.storage, dir, storageID)
	if err := c.agree(ctx, "uploading", upErr); err != nil {
		return "", err
	}

	var regErr string
	if c.dist.IsChief() && c.api != nil {
		if err := c.api.ReportCheckpoint(ctx, api.Checkpoint{
			TaskID:       c.taskID,
			AllocationID: c.allocationID,
			UUID:         storageID,
			ReportTime:   time.Now().UTC(),
			Resources:    resources,
			Metadata:     metadata,
			State:        api.CheckpointStateCompleted,
		}); err != nil {
			c.log.WithError(err).Errorf("checkpoint %s was uploaded but not registered and is orphaned",
				storageID)
			regErr = err.Error()
		}
	}
	if regErr, err = distributed.Broadcast(ctx, c.dist, regErr); err != nil {
		return "", err
	}
	if regErr != "" {
		return "", errors.Errorf("registering checkpoint %s: %s", storageID, regErr)
	}
	c.log.Infof("stored checkpoint %s (%d files)", storageID, len(resources))
	return storageID, nil
}

// mergeManifests combines the files of every rank into the resources of one checkpoint. Ranks
// share a storage id, so two ranks writing the same path would overwrite each other in storage;
// that fails the checkpoint on every rank before anything is uploaded.
func mergeManifests(storageID string, manifests []uploadResult) (map[string]int64, error) {
	resources := map[string]int64{}
	owners := map[string]int{}
	for rank, m := range manifests {
		if m.Err != "" {
			return nil, errors.Errorf("rank %d failed to stage checkpoint %s: %s", rank, storageID, m.Err)
		}
		paths := make([]string, 0, len(m.Resources))
		for path := range m.Resources {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			if owner, ok := owners[path]; ok {
				return nil, errors.Errorf("ranks %d and %d both wrote %s to checkpoint %s",
					owner, rank, path, storageID)
			}
			owners[path] = rank
			resources[path] = m.Resources[path]
		}
	}
	return resources, nil
}

// agree fails on every rank if err is non-nil on any rank.
func (c *CheckpointContext) agree(ctx context.Context, what string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	all, gerr := distributed.AllGather(ctx, c.dist, msg)
	if gerr != nil {
		return gerr
	}
	if err != nil {
		return err
	}
	for rank, m := range all {
		if m != "" {
			return errors.Errorf("rank %d failed %s checkpoint: %s", rank, what, m)
		}
	}
	return nil
}

func writeMetadata(dir string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	bs, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding checkpoint metadata")
	}
	return os.WriteFile(filepath.Join(dir, MetadataFile), bs, 0o600)
}

// Restore downloads storageID into a fresh directory, calls fn with it and removes it afterwards,
// whatever fn returns.
func (c *CheckpointContext) Restore(ctx context.Context, storageID string, fn func(dir string) error) error {
	dir, err := c.tempDir("restore-" + storageID + "-")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			c.log.WithError(err).Warnf("failed to remove restore dir %s", dir)
		}
	}()
	if err := storage.Download(ctx, c.storage, storageID, dir); err != nil {
		return err
	}
	return fn(dir)
}

// ReadMetadata returns the metadata the chief stored with storageID.
func (c *CheckpointContext) ReadMetadata(ctx context.Context, storageID string) (map[string]interface{}, error) {
	var md map[string]interface{}
	err := c.Restore(ctx, storageID, func(dir string) error {
		bs, err := os.ReadFile(filepath.Join(dir, MetadataFile)) // #nosec G304
		if err != nil {
			return err
		}
		return json.Unmarshal(bs, &md)
	})
	return md, err
}

// Delete removes storageID from storage. Only the chief deletes; other ranks return immediately.
func (c *CheckpointContext) Delete(ctx context.Context, storageID string) error {
	if !c.dist.IsChief() {
		return nil
	}
	return storage.Delete(ctx, c.storage, storageID)
}
