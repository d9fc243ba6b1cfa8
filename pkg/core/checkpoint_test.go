package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

func checkpointContexts(
	t *testing.T, size int, reporter *recordingAPI,
) ([]*CheckpointContext, *storage.SharedFSManager, string) {
	mgr := storage.NewSharedFSManager(t.TempDir())
	staging := t.TempDir()
	dists := localRanks(t, size)
	out := make([]*CheckpointContext, size)
	for rank := range out {
		out[rank] = NewCheckpointContext(dists[rank], mgr, reporter, "task", "alloc", staging)
	}
	return out, mgr, staging
}

func requireEmptyDir(t *testing.T, dir string) {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCheckpointStoreAndRestore(t *testing.T) {
	const size = 2
	ctx := context.Background()
	reporter := &recordingAPI{}
	ckpts, mgr, staging := checkpointContexts(t, size, reporter)

	ids := make([]string, size)
	onAllRanks(t, size, func(rank int) error {
		id, err := ckpts[rank].Store(ctx, map[string]interface{}{"steps_completed": 30.0},
			func(dir, storageID string) error {
				if err := os.MkdirAll(filepath.Join(dir, "state"), 0o755); err != nil {
					return err
				}
				name := filepath.Join(dir, "state", fmt.Sprintf("rank-%d.bin", rank))
				return os.WriteFile(name, []byte(storageID), 0o600)
			})
		ids[rank] = id
		return err
	})
	require.NotEmpty(t, ids[0])
	require.Equal(t, ids[0], ids[1])
	requireEmptyDir(t, staging)

	require.Len(t, reporter.checkpoints, 1)
	reg := reporter.checkpoints[0]
	require.Equal(t, ids[0], reg.UUID)
	require.Equal(t, "task", reg.TaskID)
	require.Equal(t, "alloc", reg.AllocationID)
	require.Equal(t, "STATE_COMPLETED", reg.State)
	require.Equal(t, int64(len(ids[0])), reg.Resources["state/rank-0.bin"])
	require.Equal(t, int64(len(ids[0])), reg.Resources["state/rank-1.bin"])
	require.Contains(t, reg.Resources, MetadataFile)

	stored := dirContents(t, mgr.Path(ids[0]))
	var restored map[string]string
	require.NoError(t, ckpts[1].Restore(ctx, ids[0], func(dir string) error {
		restored = dirContents(t, dir)
		return nil
	}))
	require.Equal(t, stored, restored)
	require.Equal(t, ids[0], restored["state/rank-1.bin"])
	requireEmptyDir(t, staging)

	md, err := ckpts[0].ReadMetadata(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"steps_completed": 30.0}, md)

	require.NoError(t, ckpts[1].Delete(ctx, ids[0]))
	_, err = os.Stat(mgr.Path(ids[0]))
	require.NoError(t, err)
	require.NoError(t, ckpts[0].Delete(ctx, ids[0]))
	_, err = os.Stat(mgr.Path(ids[0]))
	require.True(t, os.IsNotExist(err))
}

func TestCheckpointStoreCallbackFailure(t *testing.T) {
	const size = 2
	ctx := context.Background()
	reporter := &recordingAPI{}
	ckpts, mgr, staging := checkpointContexts(t, size, reporter)

	errs := make([]error, size)
	onAllRanks(t, size, func(rank int) error {
		_, errs[rank] = ckpts[rank].Store(ctx, nil, func(dir, _ string) error {
			if err := os.WriteFile(filepath.Join(dir, "partial"), []byte("x"), 0o600); err != nil {
				return err
			}
			if rank == 1 {
				return errors.New("out of memory")
			}
			return nil
		})
		return nil
	})
	require.ErrorContains(t, errs[0], "rank 1 failed saving checkpoint: out of memory")
	require.ErrorContains(t, errs[1], "out of memory")
	require.Empty(t, reporter.checkpoints)
	requireEmptyDir(t, staging)
	entries, err := os.ReadDir(filepath.Dir(mgr.Path("x")))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCheckpointStorePanicRemovesStaging(t *testing.T) {
	ckpts, _, staging := checkpointContexts(t, 1, &recordingAPI{})
	require.Panics(t, func() {
		_, _ = ckpts[0].Store(context.Background(), nil, func(dir, _ string) error {
			panic("user code")
		})
	})
	requireEmptyDir(t, staging)
}

func TestCheckpointRegistrationFailure(t *testing.T) {
	ctx := context.Background()
	reporter := &recordingAPI{fail: errors.New("controller unavailable")}
	ckpts, mgr, _ := checkpointContexts(t, 2, reporter)

	errs := make([]error, 2)
	onAllRanks(t, 2, func(rank int) error {
		_, errs[rank] = ckpts[rank].Store(ctx, nil, func(dir, _ string) error {
			return os.WriteFile(filepath.Join(dir, fmt.Sprintf("w-%d", rank)), []byte("x"), 0o600)
		})
		return nil
	})
	for _, err := range errs {
		require.ErrorContains(t, err, "controller unavailable")
	}
	// The upload happened; the blob is orphaned rather than removed.
	entries, err := os.ReadDir(filepath.Dir(mgr.Path("x")))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCheckpointStoreRejectsConflictingFiles(t *testing.T) {
	const size = 2
	ctx := context.Background()
	reporter := &recordingAPI{}
	ckpts, mgr, staging := checkpointContexts(t, size, reporter)

	errs := make([]error, size)
	onAllRanks(t, size, func(rank int) error {
		_, errs[rank] = ckpts[rank].Store(ctx, nil, func(dir, _ string) error {
			content := []byte(fmt.Sprintf("rank-%d", rank))
			return os.WriteFile(filepath.Join(dir, "model.bin"), content, 0o600)
		})
		return nil
	})
	for _, err := range errs {
		require.ErrorContains(t, err, "ranks 0 and 1 both wrote model.bin")
	}
	require.Empty(t, reporter.checkpoints)
	requireEmptyDir(t, staging)
	// Nothing reaches storage once the manifests conflict.
	entries, err := os.ReadDir(filepath.Dir(mgr.Path("x")))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCheckpointStoreRejectsMetadataFromWorkers(t *testing.T) {
	ckpts, _, _ := checkpointContexts(t, 2, &recordingAPI{})
	errs := make([]error, 2)
	onAllRanks(t, 2, func(rank int) error {
		_, errs[rank] = ckpts[rank].Store(context.Background(), nil, func(dir, _ string) error {
			if rank == 0 {
				return nil
			}
			return os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{}"), 0o600)
		})
		return nil
	})
	for _, err := range errs {
		require.ErrorContains(t, err, "ranks 0 and 1 both wrote "+MetadataFile)
	}
}

func TestCheckpointRestoreMissing(t *testing.T) {
	c := NewDummyCheckpointContext(distributed.NewDummy(), storage.NewSharedFSManager(t.TempDir()), "")
	called := false
	err := c.Restore(context.Background(), "nope", func(string) error {
		called = true
		return nil
	})
	require.False(t, called)
	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
