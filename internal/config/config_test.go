package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"

	"github.com/determined-ai/determined/harness/pkg/check"
	"github.com/determined-ai/determined/harness/pkg/core"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	assert.NilError(t, check.Validate(c))
	assert.Equal(t, c.CollectiveTimeoutDuration().Minutes(), 30.0)

	opts := c.InitOptions()
	assert.Equal(t, opts.PreemptMode, core.PreemptModeWorkersAskChief)
	assert.Equal(t, *opts.MaxRetries, uint64(5))
}

func TestValidate(t *testing.T) {
	c := DefaultConfig()
	c.Log.Level = "loud"
	c.MaxRetries = -1
	c.PreemptMode = "never"
	c.CollectiveTimeout = "0s"

	err := check.Validate(c)
	assert.ErrorContains(t, err, "4 error(s)")
	assert.ErrorContains(t, err, `not a valid logrus Level: "loud"`)
	assert.ErrorContains(t, err, "max_retries must be at least 0")
	assert.ErrorContains(t, err, `preempt_mode must be "chief_only" or "workers_ask_chief"`)
	assert.ErrorContains(t, err, "collective_timeout must be positive")
}

func TestClusterInfo(t *testing.T) {
	c := DefaultConfig()
	c.ClusterInfoPath = filepath.Join(t.TempDir(), "missing.json")
	info, err := c.ClusterInfo()
	assert.NilError(t, err)
	assert.Assert(t, info == nil)

	c.ClusterInfoPath = filepath.Join(t.TempDir(), "cluster_info.json")
	assert.NilError(t, os.WriteFile(c.ClusterInfoPath, []byte(`{
		"master_url": "http://controller:8080",
		"cluster_id": "c",
		"agent_id": "a",
		"slot_ids": [0],
		"task_id": "t",
		"allocation_id": "t.1",
		"session_token": "s",
		"task_type": "COMMAND",
		"container_addrs": ["10.0.0.1"],
		"container_rank": 0
	}`), 0o600))
	c.MasterURL = "http://proxy:9090"
	info, err = c.ClusterInfo()
	assert.NilError(t, err)
	assert.Equal(t, info.MasterURL, "http://proxy:9090")
	assert.Equal(t, string(info.AllocationID), "t.1")
}
