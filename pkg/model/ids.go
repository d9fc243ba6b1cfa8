package model

import (
	"strconv"
)

// TrialID identifies a trial on the controller.
type TrialID int

func (id TrialID) String() string {
	return strconv.Itoa(int(id))
}

// ExperimentID identifies an experiment on the controller.
type ExperimentID int

func (id ExperimentID) String() string {
	return strconv.Itoa(int(id))
}

// TaskID identifies the task a worker process belongs to.
type TaskID string

// AllocationID identifies one allocation (one run of a task on a set of slots).
type AllocationID string

// TaskType is the kind of task the controller launched.
type TaskType string

// The task types that run the harness.
const (
	TaskTypeTrial        TaskType = "TRIAL"
	TaskTypeNotebook     TaskType = "NOTEBOOK"
	TaskTypeCommand      TaskType = "COMMAND"
	TaskTypeGeneric      TaskType = "GENERIC"
	TaskTypeCustomSearch TaskType = "SEARCHER"
	TaskTypeCheckpointGC TaskType = "CHECKPOINT_GC"
	TaskTypeTensorboard  TaskType = "TENSORBOARD"
	TaskTypeUnknown      TaskType = ""
)
