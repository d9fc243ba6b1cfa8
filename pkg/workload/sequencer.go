package workload

import (
	"context"
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/internal/prom"
	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// ExitReason is why a Sequencer stopped before the searcher ran out of operations.
type ExitReason string

// The reasons a sequence ends early.
const (
	ExitNone          ExitReason = ""
	ExitPreempted     ExitReason = "preempted"
	ExitStopRequested ExitReason = "stop_requested"
	ExitInvalidHP     ExitReason = "invalid_hp"
)

// SequencerConfig is the part of the trial configuration that shapes the workload sequence.
type SequencerConfig struct {
	ExperimentID             int
	TrialID                  int
	SchedulingUnit           int
	MinValidationPeriod      *model.Length
	MinCheckpointPeriod      *model.Length
	PerformInitialValidation bool
	CheckpointPolicy         model.CheckpointPolicy
	SmallerIsBetter          bool
}

// SequencerConfigFromTrial reads a SequencerConfig from the trial's cluster info.
func SequencerConfigFromTrial(t *model.TrialInfo) SequencerConfig {
	return SequencerConfig{
		ExperimentID:             int(t.ExperimentID),
		TrialID:                  int(t.TrialID),
		SchedulingUnit:           t.Config.SchedulingUnit,
		MinValidationPeriod:      t.Config.MinValidationPeriod,
		MinCheckpointPeriod:      t.Config.MinCheckpointPeriod,
		PerformInitialValidation: t.Config.PerformInitialValidation,
		CheckpointPolicy:         t.Config.CheckpointPolicy,
		SmallerIsBetter:          t.Config.Searcher.SmallerIsBetter,
	}
}

// SequencerState is the position of a Sequencer. It is stored with every checkpoint so that a
// restored trial resumes where the checkpoint was taken.
type SequencerState struct {
	StepsCompleted int      `json:"steps_completed"`
	StepID         int      `json:"step_id"`
	LastCheckpoint int      `json:"last_checkpoint"`
	LastValidation int      `json:"last_validation"`
	BestValidation *float64 `json:"best_validation,omitempty"`
	LastMetric     *float64 `json:"last_metric,omitempty"`
}

func initialState() SequencerState {
	return SequencerState{LastValidation: -1}
}

// Sequencer is a Stream that derives workloads from the trial's searcher operations. Every rank
// runs its own Sequencer and they advance in lock-step, since asking for the next operation and
// checking for preemption are collectives.
type Sequencer struct {
	fifo
	cfg       SequencerConfig
	core      *core.Context
	units     model.UnitContext
	ops       *core.Operations
	valEvery  int
	ckptEvery int
	log       *log.Entry

	state          SequencerState
	op             *core.SearcherOperation
	opTarget       int
	wantCheckpoint bool
	initialDone    bool
	exit           ExitReason
	// stopping is set once no more training will happen; only a final checkpoint may follow.
	stopping bool
	done     bool
}

// NewSequencer returns a Sequencer for the trial served by c. It fails with
// core.ErrInvalidConfiguration if the configured periods cannot be expressed in batches.
func NewSequencer(cfg SequencerConfig, c *core.Context) (*Sequencer, error) {
	if cfg.SchedulingUnit <= 0 {
		cfg.SchedulingUnit = model.DefaultSchedulingUnit
	}
	if cfg.CheckpointPolicy == "" {
		cfg.CheckpointPolicy = model.CheckpointPolicyBest
	}
	units := c.Searcher.UnitContext()
	s := &Sequencer{
		cfg:   cfg,
		core:  c,
		units: units,
		ops:   c.Searcher.Operations(),
		state: initialState(),
		log:   log.WithFields(log.Fields{"component": "sequencer", "trial": cfg.TrialID}),
	}
	var err error
	if cfg.MinValidationPeriod != nil {
		if s.valEvery, err = cfg.MinValidationPeriod.ToBatches(units); err != nil {
			return nil, errors.Wrap(err, "min_validation_period")
		}
	}
	if cfg.MinCheckpointPeriod != nil {
		if s.ckptEvery, err = cfg.MinCheckpointPeriod.ToBatches(units); err != nil {
			return nil, errors.Wrap(err, "min_checkpoint_period")
		}
	}
	return s, nil
}

// State returns the current position.
func (s *Sequencer) State() SequencerState {
	return s.state
}

// CheckpointState is the position to store in a checkpoint taken now: the position as it will be
// once the checkpoint completes.
func (s *Sequencer) CheckpointState() SequencerState {
	st := s.state
	st.LastCheckpoint = st.StepsCompleted
	return st
}

// LoadState resumes from a stored position. It must be called before the first Next.
func (s *Sequencer) LoadState(st SequencerState) {
	s.state = st
	s.initialDone = true
}

// MarshalState encodes the position stored in a checkpoint taken now.
func (s *Sequencer) MarshalState() ([]byte, error) {
	return json.Marshal(s.CheckpointState())
}

// UnmarshalState decodes a stored position and resumes from it.
func (s *Sequencer) UnmarshalState(bs []byte) error {
	st := initialState()
	if err := json.Unmarshal(bs, &st); err != nil {
		return errors.Wrap(err, "decoding workload sequencer state")
	}
	s.LoadState(st)
	return nil
}

// ExitReason reports why the sequence ended early, if it did.
func (s *Sequencer) ExitReason() ExitReason {
	return s.exit
}

func (s *Sequencer) workload(kind Kind, batches int) Workload {
	return Workload{
		Kind:                  kind,
		ExperimentID:          s.cfg.ExperimentID,
		TrialID:               s.cfg.TrialID,
		StepID:                s.state.StepID,
		NumBatches:            batches,
		TotalBatchesProcessed: s.state.StepsCompleted,
	}
}

func (s *Sequencer) stop(reason ExitReason) {
	s.stopping = true
	if s.exit == ExitNone {
		s.exit = reason
	}
}

// Next implements Stream.
func (s *Sequencer) Next(ctx context.Context) (*Workload, error) {
	s.checkNext()
	if s.done {
		return nil, io.EOF
	}
	w, err := s.plan(ctx)
	if err != nil {
		return nil, err
	}
	if w == nil {
		s.done = true
		return nil, io.EOF
	}
	s.deliver(*w)
	return w, nil
}

// checkPreempt stops the sequence if the task should be preempted. It is called at workload
// boundaries only.
func (s *Sequencer) checkPreempt(ctx context.Context) (bool, error) {
	preempt, err := s.core.Preempt.ShouldPreempt(ctx)
	if err != nil {
		return false, err
	}
	if preempt {
		s.log.Info("preemption requested, stopping at the workload boundary")
		s.stop(ExitPreempted)
	}
	return preempt, nil
}

func (s *Sequencer) plan(ctx context.Context) (*Workload, error) {
	for {
		steps := s.state.StepsCompleted
		if s.stopping {
			if s.exit != ExitInvalidHP && steps > s.state.LastCheckpoint {
				w := s.workload(CheckpointModel, 0)
				return &w, nil
			}
			return nil, nil
		}

		if s.cfg.PerformInitialValidation && !s.initialDone {
			s.initialDone = true
			if steps == 0 && s.state.LastValidation < 0 {
				w := s.workload(ComputeValidationMetrics, 0)
				return &w, nil
			}
		}

		if s.wantCheckpoint {
			s.wantCheckpoint = false
			if s.state.LastCheckpoint < steps {
				w := s.workload(CheckpointModel, 0)
				return &w, nil
			}
		}
		if s.ckptEvery > 0 && steps > s.state.LastCheckpoint &&
			steps-s.state.LastCheckpoint >= s.ckptEvery {
			w := s.workload(CheckpointModel, 0)
			return &w, nil
		}
		if s.valEvery > 0 && steps > s.state.LastValidation &&
			steps-max(s.state.LastValidation, 0) >= s.valEvery {
			w := s.workload(ComputeValidationMetrics, 0)
			return &w, nil
		}

		if s.op == nil {
			if preempt, err := s.checkPreempt(ctx); err != nil {
				return nil, err
			} else if preempt {
				continue
			}
			op, err := s.ops.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.log.Info("the searcher has no more operations for this trial")
				s.stopping = true
				continue
			} else if err != nil {
				return nil, err
			}
			target, err := model.NewLength(s.units.DefaultUnit(), int(op.Length())).ToBatches(s.units)
			if err != nil {
				return nil, err
			}
			s.op, s.opTarget = op, target
		}

		if steps < s.opTarget {
			if preempt, err := s.checkPreempt(ctx); err != nil {
				return nil, err
			} else if preempt {
				continue
			}
			w := s.workload(RunStep, min(s.cfg.SchedulingUnit, s.opTarget-steps))
			return &w, nil
		}

		if s.state.LastValidation != steps || s.state.LastMetric == nil {
			w := s.workload(ComputeValidationMetrics, 0)
			return &w, nil
		}
		if err := s.op.ReportCompleted(ctx, *s.state.LastMetric); err != nil {
			return nil, errors.Wrap(err, "reporting searcher operation completion")
		}
		s.op = nil
	}
}

// Complete implements Stream.
func (s *Sequencer) Complete(ctx context.Context, w Workload, resp Response) error {
	s.complete(w)
	prom.WorkloadsCompleted.WithLabelValues(w.Kind.String()).Inc()

	if resp.InvalidHP {
		s.log.Info("invalid hyperparameters, ending the trial")
		s.stop(ExitInvalidHP)
		return nil
	}

	switch w.Kind {
	case RunStep:
		s.state.StepsCompleted += w.NumBatches
		s.state.StepID++
		if s.op != nil {
			done := s.units.UnitsFromBatches(s.state.StepsCompleted)
			if err := s.op.ReportProgress(ctx, done); err != nil {
				s.log.WithError(err).Warn("failed to report progress")
			}
		}
	case ComputeValidationMetrics:
		if resp.Validation == nil {
			return errors.Errorf("%s completed without validation metrics", w)
		}
		metric := resp.Validation.SearcherMetric
		s.state.LastValidation = s.state.StepsCompleted
		s.state.LastMetric = &metric
		if s.improves(metric) {
			s.state.BestValidation = &metric
			s.wantCheckpoint = s.cfg.CheckpointPolicy == model.CheckpointPolicyBest
		}
		if s.cfg.CheckpointPolicy == model.CheckpointPolicyAll {
			s.wantCheckpoint = true
		}
	case CheckpointModel:
		if resp.Checkpoint == nil {
			return errors.Errorf("%s completed without a checkpoint", w)
		}
		s.state.LastCheckpoint = s.state.StepsCompleted
	default:
		panic(errors.Wrapf(ErrProtocolViolation, "unknown workload kind %d", int(w.Kind)))
	}

	if resp.StopRequested {
		s.log.Info("training code requested the trial to stop")
		s.stop(ExitStopRequested)
	}
	return nil
}

func (s *Sequencer) improves(metric float64) bool {
	best := s.state.BestValidation
	switch {
	case math.IsNaN(metric):
		return false
	case best == nil:
		return true
	case s.cfg.SmallerIsBetter:
		return metric < *best
	default:
		return metric > *best
	}
}
