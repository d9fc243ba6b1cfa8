package model

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined/harness/pkg/check"
	"github.com/determined-ai/determined/harness/pkg/ptrs"
)

const clusterInfoJSON = `{
	"master_url": "http://master:8080",
	"cluster_id": "c-1",
	"agent_id": "agent-0",
	"slot_ids": [0, 1],
	"task_id": "1.1",
	"allocation_id": "1.1.1",
	"session_token": "tok",
	"task_type": "TRIAL",
	"container_addrs": ["10.0.0.1", "10.0.0.2"],
	"container_rank": 1,
	"trial": {
		"trial_id": 7,
		"experiment_id": 3,
		"trial_seed": 42,
		"hparams": {"global_batch_size": 32, "lr": 0.1},
		"config": {
			"searcher": {"name": "single", "metric": "loss", "smaller_is_better": true,
				"max_length": {"epochs": 2}},
			"records_per_epoch": 640,
			"checkpoint_storage": {"type": "shared_fs", "host_path": "/tmp"}
		},
		"steps_completed": 3,
		"trial_run_id": 2
	},
	"latest_checkpoint": "abc"
}`

func TestParseClusterInfo(t *testing.T) {
	info, err := ParseClusterInfo([]byte(clusterInfoJSON))
	require.NoError(t, err)
	require.Equal(t, AllocationID("1.1.1"), info.AllocationID)
	require.Equal(t, 2, info.NumSlots())
	require.Equal(t, 2, info.NumContainers())
	require.Equal(t, "10.0.0.1", info.ChiefAddr())
	require.Equal(t, ptrs.Ptr("abc"), info.LatestCheckpoint)

	trial := info.Trial
	require.NotNil(t, trial)
	require.Equal(t, TrialID(7), trial.TrialID)
	require.Equal(t, 32, trial.GlobalBatchSize())
	require.Equal(t, DefaultSchedulingUnit, trial.Config.SchedulingUnit)
	require.Equal(t, CheckpointPolicyBest, trial.Config.CheckpointPolicy)
	require.Equal(t, Epochs, trial.Config.Searcher.Unit())
	require.Equal(t, StorageTypeSharedFS, trial.Config.CheckpointStorage.Type())

	uctx, err := trial.UnitContext()
	require.NoError(t, err)
	batches, err := trial.Config.Searcher.MaxLength.ToBatches(uctx)
	require.NoError(t, err)
	require.Equal(t, 40, batches)
}

func TestParseClusterInfoInvalid(t *testing.T) {
	_, err := ParseClusterInfo([]byte(`{"master_url": "", "container_rank": 3}`))
	require.ErrorContains(t, err, "master_url must be set")
	require.ErrorContains(t, err, "container_rank 3 out of range")
}

func TestLoadClusterInfoMissingFile(t *testing.T) {
	info, err := LoadClusterInfo(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Nil(t, info)

	path := filepath.Join(t.TempDir(), "cluster_info.json")
	require.NoError(t, os.WriteFile(path, []byte(clusterInfoJSON), 0o600))
	info, err = LoadClusterInfo(path)
	require.NoError(t, err)
	require.Equal(t, TaskTypeTrial, info.TaskType)
}

func TestLengthJSON(t *testing.T) {
	for _, l := range []Length{NewLength(Records, 10), NewLengthInBatches(5), NewLength(Epochs, 1)} {
		bs, err := json.Marshal(l)
		require.NoError(t, err)
		var out Length
		require.NoError(t, json.Unmarshal(bs, &out))
		require.Equal(t, l, out)
	}

	var l Length
	require.ErrorContains(t, json.Unmarshal([]byte(`{"batches": 1, "records": 2}`), &l), "invalid length")
	require.ErrorContains(t, json.Unmarshal([]byte(`{"steps": 1}`), &l), "invalid length unit")
}

func TestUnitConversion(t *testing.T) {
	_, err := NewUnitContext(Epochs, 32, 0)
	require.True(t, errors.Is(err, ErrInvalidConfiguration))
	_, err = NewUnitContext(Records, 0, 0)
	require.True(t, errors.Is(err, ErrInvalidConfiguration))

	batchCtx, err := NewUnitContext(Batches, 0, 0)
	require.NoError(t, err)
	_, err = NewLength(Epochs, 1).ToBatches(batchCtx)
	require.True(t, errors.Is(err, ErrInvalidConfiguration))

	recCtx, err := NewUnitContext(Records, 16, 0)
	require.NoError(t, err)
	n, err := NewLength(Records, 100).ToBatches(recCtx)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, float64(96), recCtx.UnitsFromBatches(6))
	require.True(t, NewLength(Records, 100).EqualWithinBatch(6, recCtx))
	require.False(t, NewLength(Records, 100).EqualWithinBatch(5, recCtx))
}

func TestCheckpointStorageConfig(t *testing.T) {
	cases := map[string]string{
		StorageTypeS3:       `{"type": "s3", "bucket": "b", "endpoint_url": "http://minio"}`,
		StorageTypeGCS:      `{"type": "gcs", "bucket": "b"}`,
		StorageTypeHDFS:     `{"type": "hdfs", "hdfs_url": "namenode:8020", "hdfs_path": "/ckpts"}`,
		StorageTypeSharedFS: `{"type": "shared_fs", "host_path": "/mnt"}`,
	}
	for typ, raw := range cases {
		var c CheckpointStorageConfig
		require.NoError(t, json.Unmarshal([]byte(raw), &c), typ)
		require.Equal(t, typ, c.Type())

		bs, err := json.Marshal(c)
		require.NoError(t, err)
		require.JSONEq(t, raw, string(bs))
	}

	var c CheckpointStorageConfig
	require.ErrorContains(t, json.Unmarshal([]byte(`{"type": "azure"}`), &c), "unexpected checkpoint storage")
}

func TestSharedFSConfigValidate(t *testing.T) {
	tests := []struct {
		name            string
		config          SharedFSConfig
		wantErr         bool
		pathInContainer string
	}{
		{
			name:            "valid no storage_path",
			config:          SharedFSConfig{HostPath: "/host_path"},
			pathInContainer: "/determined_shared_fs",
		},
		{
			name:            "valid absolute storage_path",
			config:          SharedFSConfig{HostPath: "/host_path", StoragePath: ptrs.Ptr("/host_path/storage")},
			pathInContainer: "/determined_shared_fs/storage",
		},
		{
			name:            "valid relative storage_path",
			config:          SharedFSConfig{HostPath: "/host_path", StoragePath: ptrs.Ptr("storage")},
			pathInContainer: "/determined_shared_fs/storage",
		},
		{
			name:    "invalid relative host_path",
			config:  SharedFSConfig{HostPath: "host_path"},
			wantErr: true,
		},
		{
			name:    "invalid absolute storage path",
			config:  SharedFSConfig{HostPath: "/host_path", StoragePath: ptrs.Ptr("/host_path/../sneaky")},
			wantErr: true,
		},
		{
			name:    "invalid relative storage path",
			config:  SharedFSConfig{HostPath: "/host_path", StoragePath: ptrs.Ptr("../sneaky")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := check.Validate(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.pathInContainer, tt.config.PathInContainer())
		})
	}
}
