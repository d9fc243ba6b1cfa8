// Package trial runs the workload control loop of a training process: it pulls workloads, hands
// them to the framework adapter and reports their outcome.
package trial

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/workload"
)

// ErrFinishedGracefully is returned by Run once every workload was executed. Callers treat it as
// success.
var ErrFinishedGracefully = core.ErrFinishedGracefully

// Files of the checkpoint layout.
const (
	StateDir         = "state"
	RNGStateFile     = "rng_state.bin"
	SequencerFile    = "workload_sequencer.json"
	LoadDataFile     = "load_data.json"
	checkpointFormat = "determined-harness"
	defaultRNGStream = 0x9e3779b97f4a7c15
)

// Trainer is the framework-specific part of a trial.
type Trainer interface {
	// TrainBatches trains exactly numBatches batches and returns the metrics of each.
	TrainBatches(ctx context.Context, numBatches int) ([]workload.Metrics, error)
	// Evaluate computes validation metrics on this rank's share of the validation data.
	Evaluate(ctx context.Context) (workload.Metrics, error)
	// Save writes the model and optimizer state of this rank into dir.
	Save(ctx context.Context, dir string) error
	// Load restores what Save wrote.
	Load(ctx context.Context, dir string) error
}

// StopRequester is implemented by Trainers that can ask to end the trial early.
type StopRequester interface {
	StopRequested() bool
}

type loadData struct {
	TrialType string `json:"trial_type"`
}

// Options configures a Controller.
type Options struct {
	// Flavor names the kind of Trainer; a checkpoint only restores into the same flavor.
	Flavor string
	// Seed seeds the RNG exposed to the Trainer.
	Seed uint32
	// LatestCheckpoint is restored before the first workload when set.
	LatestCheckpoint *string
	// SearcherMetric is the validation metric reported to the searcher.
	SearcherMetric string
	// Sequencer configures the default workload source.
	Sequencer workload.SequencerConfig
	// Stream replaces the Sequencer as the source of workloads.
	Stream workload.Stream
}

// OptionsFromCore reads the Options of an on-cluster trial from its ClusterInfo.
func OptionsFromCore(c *core.Context, flavor string) Options {
	opts := Options{Flavor: flavor}
	if c.Info == nil {
		return opts
	}
	opts.LatestCheckpoint = c.Info.LatestCheckpoint
	if t := c.Info.Trial; t != nil {
		opts.Seed = t.TrialSeed
		opts.SearcherMetric = t.Config.Searcher.Metric
		opts.Sequencer = workload.SequencerConfigFromTrial(t)
	}
	return opts
}

// Controller drives one trial through its workloads.
type Controller struct {
	core    *core.Context
	trainer Trainer
	opts    Options
	stream  workload.Stream
	seq     *workload.Sequencer
	pcg     *rand.PCG
	rng     *rand.Rand
	log     *log.Entry

	latestCheckpoint string
}

// New returns a Controller running trainer under c.
func New(c *core.Context, trainer Trainer, opts Options) (*Controller, error) {
	pcg := rand.NewPCG(uint64(opts.Seed), defaultRNGStream)
	ctl := &Controller{
		core:    c,
		trainer: trainer,
		opts:    opts,
		stream:  opts.Stream,
		pcg:     pcg,
		rng:     rand.New(pcg),
		log: log.WithFields(log.Fields{
			"component": "trial",
			"trial":     opts.Sequencer.TrialID,
			"rank":      c.Distributed.Rank(),
		}),
	}
	if ctl.stream == nil {
		seq, err := workload.NewSequencer(opts.Sequencer, c)
		if err != nil {
			return nil, err
		}
		ctl.seq, ctl.stream = seq, seq
	}
	return ctl, nil
}

// RNG is the trial's random source. Its state is stored in checkpoints so a restored trial
// continues the same sequence.
func (c *Controller) RNG() *rand.Rand {
	return c.rng
}

// LatestCheckpoint is the storage id of the last checkpoint stored or restored.
func (c *Controller) LatestCheckpoint() string {
	return c.latestCheckpoint
}

// Run restores the latest checkpoint, if any, and executes workloads until the stream is
// exhausted, returning ErrFinishedGracefully. Every rank runs its own Controller in lock-step.
func (c *Controller) Run(ctx context.Context) error {
	if c.opts.LatestCheckpoint != nil && *c.opts.LatestCheckpoint != "" {
		if err := c.restore(ctx, *c.opts.LatestCheckpoint); err != nil {
			return errors.Wrapf(err, "restoring checkpoint %s", *c.opts.LatestCheckpoint)
		}
	}

	for {
		w, err := c.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return c.finish(ctx)
		} else if err != nil {
			return err
		}

		c.log.Debugf("running %s", w)
		resp, err := c.execute(ctx, *w)
		if err != nil {
			return errors.Wrapf(err, "executing %s", w)
		}
		if err := c.stream.Complete(ctx, *w, resp); err != nil {
			return err
		}
		if resp.InvalidHP {
			if err := c.reportEarlyExit(ctx, api.ExitedReasonInvalidHP); err != nil {
				return err
			}
			if c.seq == nil {
				return ErrFinishedGracefully
			}
		}
	}
}

func (c *Controller) finish(ctx context.Context) error {
	if c.seq != nil {
		switch c.seq.ExitReason() {
		case workload.ExitStopRequested:
			if err := c.reportEarlyExit(ctx, api.ExitedReasonUserRequestedStop); err != nil {
				return err
			}
		case workload.ExitPreempted:
			c.log.Info("trial preempted")
		}
	}
	c.log.Info("workload sequence exhausted")
	return ErrFinishedGracefully
}

func (c *Controller) reportEarlyExit(ctx context.Context, reason api.ExitedReason) error {
	if !c.core.Distributed.IsChief() {
		return nil
	}
	return errors.Wrap(c.core.Train.ReportEarlyExit(ctx, reason), "reporting early exit")
}

func (c *Controller) execute(ctx context.Context, w workload.Workload) (workload.Response, error) {
	switch w.Kind {
	case workload.RunStep:
		return c.runStep(ctx, w)
	case workload.ComputeValidationMetrics:
		return c.computeValidation(ctx, w)
	case workload.CheckpointModel:
		return c.checkpoint(ctx, w)
	default:
		panic(errors.Wrapf(workload.ErrProtocolViolation, "unknown workload kind %d", int(w.Kind)))
	}
}

// agree shares the outcome of a local step with every rank. When any rank failed, every rank
// fails; InvalidHP on any rank turns into InvalidHP on all of them.
func (c *Controller) agree(ctx context.Context, err error) (invalidHP bool, _ error) {
	type outcome struct {
		InvalidHP bool   `json:"invalid_hp"`
		Err       string `json:"err,omitempty"`
	}
	own := outcome{InvalidHP: core.IsInvalidHP(err)}
	if err != nil && !own.InvalidHP {
		own.Err = err.Error()
	}
	all, gerr := distributed.AllGather(ctx, c.core.Distributed, own)
	if gerr != nil {
		return false, gerr
	}
	if own.Err != "" {
		return false, err
	}
	for rank, o := range all {
		if o.Err != "" {
			return false, errors.Errorf("rank %d failed: %s", rank, o.Err)
		}
		if o.InvalidHP {
			invalidHP = true
		}
	}
	return invalidHP, nil
}

func (c *Controller) runStep(ctx context.Context, w workload.Workload) (workload.Response, error) {
	batches, err := c.trainer.TrainBatches(ctx, w.NumBatches)
	if invalid, err := c.agree(ctx, err); err != nil || invalid {
		return workload.Response{InvalidHP: invalid}, err
	}
	if len(batches) != w.NumBatches {
		c.log.Warnf("trained %d batches but reported metrics for %d", w.NumBatches, len(batches))
	}

	avg, err := workload.AverageAcrossRanks(ctx, c.core.Distributed, workload.MakeMetrics(batches))
	if err != nil {
		return workload.Response{}, err
	}
	stop := false
	if sr, ok := c.trainer.(StopRequester); ok {
		stop = sr.StopRequested()
	}
	if stop, err = distributed.Broadcast(ctx, c.core.Distributed, stop); err != nil {
		return workload.Response{}, err
	}

	steps := w.TotalBatchesProcessed + w.NumBatches
	if c.core.Distributed.IsChief() {
		if err := c.core.Train.ReportTrainingMetrics(ctx, steps, avg, batches); err != nil {
			return workload.Response{}, errors.Wrap(err, "reporting training metrics")
		}
		if stop {
			c.log.Info("training code requested the trial to stop")
		}
	}
	return workload.Response{
		Training:      &workload.TrainingResult{AvgMetrics: avg, BatchMetrics: batches},
		StopRequested: stop,
	}, nil
}

func (c *Controller) computeValidation(ctx context.Context, w workload.Workload) (workload.Response, error) {
	metrics, err := c.trainer.Evaluate(ctx)
	if invalid, err := c.agree(ctx, err); err != nil || invalid {
		return workload.Response{InvalidHP: invalid}, err
	}
	avg, err := workload.AverageAcrossRanks(ctx, c.core.Distributed, metrics)
	if err != nil {
		return workload.Response{}, err
	}

	type searcherMetric struct {
		Value float64 `json:"value"`
		Err   string  `json:"err,omitempty"`
	}
	var sm searcherMetric
	if c.core.Distributed.IsChief() {
		sm.Value, err = c.searcherMetric(avg)
		if err == nil {
			err = c.core.Train.ReportValidationMetrics(ctx, w.TotalBatchesProcessed, avg)
		}
		if err != nil {
			sm.Err = err.Error()
		}
	}
	if sm, err = distributed.Broadcast(ctx, c.core.Distributed, sm); err != nil {
		return workload.Response{}, err
	}
	if sm.Err != "" {
		return workload.Response{}, errors.New(sm.Err)
	}
	return workload.Response{
		Validation: &workload.ValidationResult{Metrics: avg, SearcherMetric: sm.Value},
	}, nil
}

func (c *Controller) searcherMetric(m workload.Metrics) (float64, error) {
	if c.opts.SearcherMetric == "" {
		return 0, nil
	}
	v, ok := m[c.opts.SearcherMetric]
	if !ok {
		return 0, errors.Errorf("searcher metric %q was not among the validation metrics", c.opts.SearcherMetric)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.Errorf("searcher metric %q is not a number: %v", c.opts.SearcherMetric, v)
	}
	return f, nil
}

func (c *Controller) checkpoint(ctx context.Context, w workload.Workload) (workload.Response, error) {
	metadata := map[string]interface{}{
		"steps_completed": w.TotalBatchesProcessed,
		"trial_id":        w.TrialID,
		"experiment_id":   w.ExperimentID,
		"framework":       c.opts.Flavor,
		"format":          checkpointFormat,
	}
	id, err := c.core.Checkpoint.Store(ctx, metadata, func(dir, _ string) error {
		return c.save(ctx, dir)
	})
	if err != nil {
		return workload.Response{}, err
	}
	c.latestCheckpoint = id
	return workload.Response{Checkpoint: &workload.CheckpointResult{StorageID: id}}, nil
}

func (c *Controller) save(ctx context.Context, dir string) error {
	stateDir := filepath.Join(dir, StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	if err := c.trainer.Save(ctx, stateDir); err != nil {
		return err
	}
	if !c.core.Distributed.IsChief() {
		return nil
	}

	rngState, err := c.pcg.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "saving rng state")
	}
	files := map[string][]byte{RNGStateFile: rngState}
	if c.seq != nil {
		if files[SequencerFile], err = c.seq.MarshalState(); err != nil {
			return err
		}
	}
	if files[LoadDataFile], err = json.Marshal(loadData{TrialType: c.opts.Flavor}); err != nil {
		return err
	}
	for name, bs := range files {
		if err := os.WriteFile(filepath.Join(dir, name), bs, 0o600); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	return nil
}

func (c *Controller) restore(ctx context.Context, storageID string) error {
	c.log.Infof("restoring trial from checkpoint %s", storageID)
	err := c.core.Checkpoint.Restore(ctx, storageID, func(dir string) error {
		bs, err := os.ReadFile(filepath.Join(dir, LoadDataFile)) // #nosec G304
		if err != nil {
			return errors.Wrap(err, "reading load data")
		}
		var ld loadData
		if err := json.Unmarshal(bs, &ld); err != nil {
			return errors.Wrap(err, "decoding load data")
		}
		if ld.TrialType != c.opts.Flavor {
			return errors.Errorf("checkpoint was written by a %q trial and cannot be loaded by a %q trial",
				ld.TrialType, c.opts.Flavor)
		}

		if bs, err = os.ReadFile(filepath.Join(dir, RNGStateFile)); err != nil { // #nosec G304
			return errors.Wrap(err, "reading rng state")
		}
		if err := c.pcg.UnmarshalBinary(bs); err != nil {
			return errors.Wrap(err, "decoding rng state")
		}

		if c.seq != nil {
			if bs, err = os.ReadFile(filepath.Join(dir, SequencerFile)); err != nil { // #nosec G304
				return errors.Wrap(err, "reading workload sequencer state")
			}
			if err := c.seq.UnmarshalState(bs); err != nil {
				return err
			}
		}
		return c.trainer.Load(ctx, filepath.Join(dir, StateDir))
	})
	if err != nil {
		return err
	}
	c.latestCheckpoint = storageID
	return nil
}
