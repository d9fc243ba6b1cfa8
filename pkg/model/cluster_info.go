package model

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const defaultClusterInfoDir = "/run/determined/info"

// DefaultClusterInfoPath is where the controller mounts the cluster info file in a task container.
var DefaultClusterInfoPath = filepath.Join(defaultClusterInfoDir, "cluster_info.json")

// ClusterInfo is the read-only description of the launch environment of a worker process. It is
// supplied by the controller at startup and never changes for the life of the process.
type ClusterInfo struct {
	MasterURL      string       `json:"master_url"`
	MasterCertFile *string      `json:"master_cert_file,omitempty"`
	MasterCertName *string      `json:"master_cert_name,omitempty"`
	ClusterID      string       `json:"cluster_id"`
	AgentID        string       `json:"agent_id"`
	SlotIDs        []int        `json:"slot_ids"`
	TaskID         TaskID       `json:"task_id"`
	AllocationID   AllocationID `json:"allocation_id"`
	SessionToken   string       `json:"session_token"`
	TaskType       TaskType     `json:"task_type"`
	ContainerAddrs []string     `json:"container_addrs"`
	ContainerRank  int          `json:"container_rank"`

	Trial            *TrialInfo `json:"trial,omitempty"`
	LatestCheckpoint *string    `json:"latest_checkpoint,omitempty"`
}

// TrialInfo is the trial-specific part of ClusterInfo.
type TrialInfo struct {
	TrialID          TrialID                `json:"trial_id"`
	ExperimentID     ExperimentID           `json:"experiment_id"`
	TrialSeed        uint32                 `json:"trial_seed"`
	Hparams          map[string]interface{} `json:"hparams"`
	Config           TrialConfig            `json:"config"`
	StepsCompleted   int                    `json:"steps_completed"`
	TrialRunID       int                    `json:"trial_run_id"`
	Debug            bool                   `json:"debug"`
	UniquePortOffset int                    `json:"unique_port_offset"`
}

// NumSlots is the number of slots assigned to this container.
func (c *ClusterInfo) NumSlots() int {
	return len(c.SlotIDs)
}

// NumContainers is the number of containers (nodes) in the allocation.
func (c *ClusterInfo) NumContainers() int {
	if len(c.ContainerAddrs) == 0 {
		return 1
	}
	return len(c.ContainerAddrs)
}

// ChiefAddr returns the address of the container with rank 0.
func (c *ClusterInfo) ChiefAddr() string {
	if len(c.ContainerAddrs) == 0 {
		return "127.0.0.1"
	}
	return c.ContainerAddrs[0]
}

// Validate implements the check.Validatable interface.
func (c ClusterInfo) Validate() []error {
	var errs []error
	if c.MasterURL == "" {
		errs = append(errs, errors.New("master_url must be set"))
	}
	if c.AllocationID == "" {
		errs = append(errs, errors.New("allocation_id must be set"))
	}
	if c.ContainerRank < 0 || c.ContainerRank >= c.NumContainers() {
		errs = append(errs, errors.Errorf(
			"container_rank %d out of range for %d containers", c.ContainerRank, c.NumContainers()))
	}
	if c.TaskType == TaskTypeTrial && c.Trial == nil {
		errs = append(errs, errors.New("trial info is required for trial tasks"))
	}
	return errs
}

// LoadClusterInfo reads the cluster info file at the given path. A missing file is not an error:
// it means the process is running off-cluster and (nil, nil) is returned.
func LoadClusterInfo(path string) (*ClusterInfo, error) {
	bs, err := os.ReadFile(path) // #nosec G304
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading cluster info from %s", path)
	}
	return ParseClusterInfo(bs)
}

// ParseClusterInfo parses and validates a cluster info document.
func ParseClusterInfo(bs []byte) (*ClusterInfo, error) {
	var info ClusterInfo
	if err := json.Unmarshal(bs, &info); err != nil {
		return nil, errors.Wrap(err, "parsing cluster info")
	}
	if info.Trial != nil {
		info.Trial.Config.fillDefaults()
	}
	if errs := info.Validate(); len(errs) > 0 {
		return nil, errors.Wrap(multierror.Append(nil, errs...), "invalid cluster info")
	}
	return &info, nil
}
