package distributed

import (
	"github.com/pkg/errors"
)

// Topology is the position of one worker process among its peers. Ranks are laid out node-major:
// rank == CrossRank*LocalSize + LocalRank.
type Topology struct {
	Rank      int `json:"rank"`
	Size      int `json:"size"`
	LocalRank int `json:"local_rank"`
	LocalSize int `json:"local_size"`
	CrossRank int `json:"cross_rank"`
	CrossSize int `json:"cross_size"`
}

// SingleProcess is the topology of a worker with no peers.
var SingleProcess = Topology{Rank: 0, Size: 1, LocalRank: 0, LocalSize: 1, CrossRank: 0, CrossSize: 1}

// Validate implements the check.Validatable interface.
func (t Topology) Validate() []error {
	var errs []error
	if t.Size < 1 || t.Rank < 0 || t.Rank >= t.Size {
		errs = append(errs, errors.Errorf("rank %d out of range for size %d", t.Rank, t.Size))
	}
	if t.LocalSize < 1 || t.LocalRank < 0 || t.LocalRank >= t.LocalSize {
		errs = append(errs, errors.Errorf(
			"local_rank %d out of range for local_size %d", t.LocalRank, t.LocalSize))
	}
	if t.CrossSize < 1 || t.CrossRank < 0 || t.CrossRank >= t.CrossSize {
		errs = append(errs, errors.Errorf(
			"cross_rank %d out of range for cross_size %d", t.CrossRank, t.CrossSize))
	}
	if t.LocalSize*t.CrossSize != t.Size {
		errs = append(errs, errors.Errorf("size %d is not local_size %d * cross_size %d",
			t.Size, t.LocalSize, t.CrossSize))
	}
	if len(errs) == 0 && t.CrossRank*t.LocalSize+t.LocalRank != t.Rank {
		errs = append(errs, errors.Errorf("rank %d does not match cross_rank %d and local_rank %d",
			t.Rank, t.CrossRank, t.LocalRank))
	}
	return errs
}

// localPeers returns the half-open range of ranks that share this worker's node.
func (t Topology) localPeers() (int, int) {
	first := t.CrossRank * t.LocalSize
	return first, first + t.LocalSize
}
