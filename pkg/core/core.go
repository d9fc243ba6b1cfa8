// Package core composes the pieces a training process uses to cooperate with the cluster: its
// peers, preemption, checkpoint storage, the searcher and metric reporting.
package core

import (
	"context"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

// DefaultDummyOperationLength is the length, in batches, of the only operation off-cluster.
const DefaultDummyOperationLength = 100

// Context is the composition of every cluster-facing component of a worker.
type Context struct {
	Info        *model.ClusterInfo
	Session     *api.Session
	Distributed *distributed.Context
	Preempt     *PreemptContext
	Checkpoint  *CheckpointContext
	Searcher    *SearcherContext
	Train       *TrainContext
}

// InitOptions tunes Init. Every field is optional.
type InitOptions struct {
	// Distributed is required for tasks with more than one slot.
	Distributed *distributed.Context
	// Session overrides the session built from ClusterInfo.
	Session *api.Session
	// Storage overrides the storage built from the trial's checkpoint_storage.
	Storage     storage.Manager
	PreemptMode PreemptMode
	StagingDir  string
	MaxRetries  *uint64
	// DummyOperationLength is the length of the only operation when running off-cluster.
	DummyOperationLength uint64
}

func (o InitOptions) preemptMode() PreemptMode {
	if o.PreemptMode == "" {
		return PreemptModeWorkersAskChief
	}
	return o.PreemptMode
}

func defaultStorage() (storage.Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "finding a default checkpoint location")
	}
	base := filepath.Join(home, ".local", "share", "determined")
	log.Infof("no checkpoint storage provided; storing checkpoints in %s", base)
	return storage.NewSharedFSManager(base), nil
}

// Init builds a Context for the worker described by info and starts the preemption watcher. A nil
// info means the worker runs off-cluster and every component is a dummy. The returned Context must
// be closed.
func Init(ctx context.Context, info *model.ClusterInfo, opts InitOptions) (*Context, error) {
	if info == nil {
		return initDummy(ctx, opts)
	}

	dist := opts.Distributed
	if dist == nil {
		if info.NumContainers() > 1 || info.NumSlots() > 1 {
			return nil, errors.New("a distributed context is required for a multi-slot task")
		}
		dist = distributed.NewDummy()
	}

	session := opts.Session
	if session == nil {
		var sopts []api.Option
		if opts.MaxRetries != nil {
			sopts = append(sopts, api.WithMaxRetries(*opts.MaxRetries))
		}
		if info.MasterCertFile != nil {
			name := ""
			if info.MasterCertName != nil {
				name = *info.MasterCertName
			}
			sopts = append(sopts, api.WithCert(*info.MasterCertFile, name))
		}
		s, err := api.NewSession(info.MasterURL, info.SessionToken, sopts...)
		if err != nil {
			return nil, err
		}
		session = s
	}

	mgr := opts.Storage
	if mgr == nil {
		var err error
		if info.Trial != nil && info.Trial.Config.CheckpointStorage != nil {
			mgr, err = storage.Build(ctx, *info.Trial.Config.CheckpointStorage, storage.BuildOptions{})
		} else {
			mgr, err = defaultStorage()
		}
		if err != nil {
			return nil, errors.Wrap(err, "building checkpoint storage")
		}
	}

	c := &Context{
		Info:        info,
		Session:     session,
		Distributed: dist,
		Preempt:     NewPreemptContext(session, string(info.AllocationID), dist, opts.preemptMode()),
		Checkpoint: NewCheckpointContext(dist, mgr, session,
			string(info.TaskID), string(info.AllocationID), opts.StagingDir),
	}

	if info.Trial != nil {
		units, err := info.Trial.UnitContext()
		if err != nil {
			return nil, err
		}
		maxLength := info.Trial.Config.Searcher.MaxLength.Units
		c.Searcher = NewSearcherContext(dist,
			NewMasterOperations(session, int(info.Trial.TrialID), maxLength), units)
		c.Train = NewTrainContext(session, int(info.Trial.TrialID), info.Trial.TrialRunID)
	} else {
		c.Searcher = NewDummySearcherContext(dist, dummyLength(opts))
		c.Train = NewDummyTrainContext()
	}

	c.Preempt.Start(ctx)
	return c, nil
}

func dummyLength(opts InitOptions) uint64 {
	if opts.DummyOperationLength == 0 {
		return DefaultDummyOperationLength
	}
	return opts.DummyOperationLength
}

func initDummy(ctx context.Context, opts InitOptions) (*Context, error) {
	dist := opts.Distributed
	if dist == nil {
		dist = distributed.NewDummy()
	}
	mgr := opts.Storage
	if mgr == nil {
		m, err := defaultStorage()
		if err != nil {
			return nil, err
		}
		mgr = m
	}
	c := &Context{
		Distributed: dist,
		Preempt:     NewDummyPreemptContext(dist, opts.preemptMode()),
		Checkpoint:  NewDummyCheckpointContext(dist, mgr, opts.StagingDir),
		Searcher:    NewDummySearcherContext(dist, dummyLength(opts)),
		Train:       NewDummyTrainContext(),
	}
	c.Preempt.Start(ctx)
	return c, nil
}

// Close stops the preemption watcher and releases the distributed transport.
func (c *Context) Close() error {
	var merr *multierror.Error
	if err := c.Preempt.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "closing preempt context"))
	}
	if err := c.Distributed.Close(); err != nil {
		merr = multierror.Append(merr, errors.Wrap(err, "closing distributed context"))
	}
	return merr.ErrorOrNil()
}

// HandleExit turns the error that ended the worker into its exit code. InvalidHP is reported to
// the controller as an early exit by the chief and becomes a successful exit.
func (c *Context) HandleExit(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrFinishedGracefully):
		log.Info("workload sequence finished")
		return 0
	case IsInvalidHP(err):
		log.WithError(err).Info("invalid hyperparameters, exiting early")
		if c.Distributed.IsChief() {
			if rerr := c.Train.ReportEarlyExit(ctx, api.ExitedReasonInvalidHP); rerr != nil {
				log.WithError(rerr).Error("failed to report early exit")
				return 1
			}
		}
		return 0
	default:
		log.WithError(err).Error("worker failed")
		return ExitCode(err)
	}
}
