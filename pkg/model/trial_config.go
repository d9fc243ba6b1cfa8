package model

import (
	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/check"
)

// DefaultSchedulingUnit is the number of batches per RUN_STEP workload when unset.
const DefaultSchedulingUnit = 100

// CheckpointPolicy decides which validations are followed by a checkpoint.
type CheckpointPolicy string

// The checkpoint policies a trial can use.
const (
	// CheckpointPolicyBest checkpoints after a validation that improved on the best metric.
	CheckpointPolicyBest CheckpointPolicy = "best"
	// CheckpointPolicyAll checkpoints after every validation.
	CheckpointPolicyAll CheckpointPolicy = "all"
	// CheckpointPolicyNone never checkpoints because of a validation.
	CheckpointPolicyNone CheckpointPolicy = "none"
)

// TrialSearcherConfig is the part of the searcher configuration a trial needs.
type TrialSearcherConfig struct {
	Name            string `json:"name"`
	Metric          string `json:"metric"`
	SmallerIsBetter bool   `json:"smaller_is_better"`
	MaxLength       Length `json:"max_length"`
}

// Unit is the unit the searcher expresses operation lengths in.
func (s TrialSearcherConfig) Unit() Unit {
	if s.MaxLength.Unit == "" {
		return Batches
	}
	return s.MaxLength.Unit
}

// TrialConfig is the subset of the experiment configuration the harness acts on.
type TrialConfig struct {
	Searcher                 TrialSearcherConfig      `json:"searcher"`
	SchedulingUnit           int                      `json:"scheduling_unit"`
	RecordsPerEpoch          int                      `json:"records_per_epoch"`
	MinValidationPeriod      *Length                  `json:"min_validation_period,omitempty"`
	MinCheckpointPeriod      *Length                  `json:"min_checkpoint_period,omitempty"`
	PerformInitialValidation bool                     `json:"perform_initial_validation"`
	CheckpointPolicy         CheckpointPolicy         `json:"checkpoint_policy"`
	CheckpointStorage        *CheckpointStorageConfig `json:"checkpoint_storage,omitempty"`
	MaxRestarts              int                      `json:"max_restarts"`
	SlotsPerTrial            int                      `json:"slots_per_trial"`
}

func (c *TrialConfig) fillDefaults() {
	if c.SchedulingUnit == 0 {
		c.SchedulingUnit = DefaultSchedulingUnit
	}
	if c.CheckpointPolicy == "" {
		c.CheckpointPolicy = CheckpointPolicyBest
	}
}

// Validate implements the check.Validatable interface.
func (c TrialConfig) Validate() []error {
	return []error{
		check.GreaterThan(c.SchedulingUnit, 0, "scheduling_unit must be > 0"),
		check.In(c.CheckpointPolicy,
			[]CheckpointPolicy{CheckpointPolicyBest, CheckpointPolicyAll, CheckpointPolicyNone},
			"invalid checkpoint_policy"),
	}
}

// GlobalBatchSize returns hyperparameters.global_batch_size, or zero if it is not set.
func (t *TrialInfo) GlobalBatchSize() int {
	switch v := t.Hparams["global_batch_size"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// UnitContext returns the unit context of the trial's searcher.
func (t *TrialInfo) UnitContext() (UnitContext, error) {
	ctx, err := NewUnitContext(t.Config.Searcher.Unit(), t.GlobalBatchSize(), t.Config.RecordsPerEpoch)
	if err != nil {
		return UnitContext{}, errors.Wrapf(err, "trial %d", t.TrialID)
	}
	return ctx, nil
}
