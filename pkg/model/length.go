package model

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Unit is the type of unit for specifying lengths.
type Unit string

// All the units available for lengths.
const (
	Records Unit = "records"
	Batches Unit = "batches"
	Epochs  Unit = "epochs"
)

// ErrInvalidConfiguration is returned when a length cannot be expressed in the requested unit with
// the configuration of the trial, e.g. epochs without records_per_epoch.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// UnitContext contains all the context for switching the Unit of a Length freely.
type UnitContext struct {
	defaultUnit     Unit
	globalBatchSize int
	recordsPerEpoch int
}

// NewUnitContext creates a new UnitContext and checks that lengths in its unit can be converted
// to batches.
func NewUnitContext(defaultUnit Unit, globalBatchSize, recordsPerEpoch int) (UnitContext, error) {
	ctx := UnitContext{defaultUnit, globalBatchSize, recordsPerEpoch}
	if err := ctx.check(defaultUnit); err != nil {
		return UnitContext{}, err
	}
	return ctx, nil
}

// DefaultUnit is the unit searcher lengths are expressed in.
func (c UnitContext) DefaultUnit() Unit {
	return c.defaultUnit
}

func (c UnitContext) check(unit Unit) error {
	switch unit {
	case Batches:
		return nil
	case Records:
		if c.globalBatchSize <= 0 {
			return errors.Wrap(ErrInvalidConfiguration,
				"lengths in records require hyperparameters.global_batch_size")
		}
		return nil
	case Epochs:
		if c.globalBatchSize <= 0 {
			return errors.Wrap(ErrInvalidConfiguration,
				"lengths in epochs require hyperparameters.global_batch_size")
		}
		if c.recordsPerEpoch <= 0 {
			return errors.Wrap(ErrInvalidConfiguration,
				"lengths in epochs require records_per_epoch")
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidConfiguration, "unknown unit %q", unit)
	}
}

// Length a training duration in terms of records, batches or epochs.
type Length struct {
	Unit  Unit
	Units int
}

// MarshalJSON implements the json.Marshaler interface.
func (l Length) MarshalJSON() ([]byte, error) {
	switch l.Unit {
	case Records, Batches, Epochs:
		return json.Marshal(map[Unit]int{l.Unit: l.Units})
	default:
		return json.Marshal(map[Unit]int{Batches: 0})
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *Length) UnmarshalJSON(b []byte) error {
	var v map[Unit]int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.Errorf("invalid length: %s", b)
	}
	for unit, units := range v {
		switch unit {
		case Records, Batches, Epochs:
			*l = NewLength(unit, units)
		default:
			return errors.Errorf("invalid length unit %q in %s", unit, b)
		}
	}
	return nil
}

// NewLength returns a new length with the specified unit and length.
func NewLength(unit Unit, units int) Length {
	return Length{Unit: unit, Units: units}
}

// NewLengthInBatches returns a new length in terms of batches.
func NewLengthInBatches(batches int) Length {
	return Length{Unit: Batches, Units: batches}
}

func (l Length) String() string {
	return fmt.Sprintf("%d %s", l.Units, l.Unit)
}

// ToBatches converts the length to a number of batches, truncating partial batches. It fails with
// ErrInvalidConfiguration when the unit context cannot express the length's unit.
func (l Length) ToBatches(ctx UnitContext) (int, error) {
	if err := ctx.check(l.Unit); err != nil {
		return 0, err
	}
	switch l.Unit {
	case Records:
		return l.Units / ctx.globalBatchSize, nil
	case Epochs:
		return (l.Units * ctx.recordsPerEpoch) / ctx.globalBatchSize, nil
	default:
		return l.Units, nil
	}
}

// UnitsFromBatches returns the number of default units completed by the given batches.
func (c UnitContext) UnitsFromBatches(batches int) float64 {
	switch c.defaultUnit {
	case Records:
		return float64(batches * c.globalBatchSize)
	case Epochs:
		return float64(batches*c.globalBatchSize) / float64(c.recordsPerEpoch)
	default:
		return float64(batches)
	}
}

// EqualWithinBatch returns true if the given length and batches are equal within one batch.
func (l Length) EqualWithinBatch(batches int, ctx UnitContext) bool {
	switch l.Unit {
	case Records:
		return abs(l.Units-batches*ctx.globalBatchSize) < ctx.globalBatchSize
	case Epochs:
		return abs(l.Units*ctx.recordsPerEpoch-batches*ctx.globalBatchSize) < ctx.globalBatchSize
	default:
		return l.Units == batches
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
