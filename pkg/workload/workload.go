// Package workload turns searcher operations into the train, validate and checkpoint steps a trial
// executes, and aggregates the metrics those steps produce.
package workload

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/core"
)

// ErrProtocolViolation is raised, by panicking, when workloads are requested or acknowledged out
// of order.
var ErrProtocolViolation = core.ErrProtocolViolation

// Kind is the type of a workload.
type Kind int

// The kinds of workloads.
const (
	RunStep Kind = iota + 1
	ComputeValidationMetrics
	CheckpointModel
)

func (k Kind) String() string {
	switch k {
	case RunStep:
		return "RUN_STEP"
	case ComputeValidationMetrics:
		return "COMPUTE_VALIDATION_METRICS"
	case CheckpointModel:
		return "CHECKPOINT_MODEL"
	default:
		return fmt.Sprintf("UNKNOWN_WORKLOAD_KIND(%d)", int(k))
	}
}

// Workload is one instruction to a trial. It is never modified after creation.
type Workload struct {
	Kind         Kind
	ExperimentID int
	TrialID      int
	StepID       int
	// NumBatches is the number of batches to train, for RUN_STEP.
	NumBatches int
	// TotalBatchesProcessed is the number of batches trained before this workload.
	TotalBatchesProcessed int
}

func (w Workload) String() string {
	extra := ""
	if w.Kind == RunStep {
		extra = fmt.Sprintf(" (%d batches)", w.NumBatches)
	}
	return fmt.Sprintf("%s%s: trial %d, step %d, %d batches done",
		w.Kind, extra, w.TrialID, w.StepID, w.TotalBatchesProcessed)
}

// Metrics maps metric names to values.
type Metrics = map[string]interface{}

// TrainingResult is the outcome of a RUN_STEP workload.
type TrainingResult struct {
	AvgMetrics   Metrics
	BatchMetrics []Metrics
}

// ValidationResult is the outcome of a COMPUTE_VALIDATION_METRICS workload.
type ValidationResult struct {
	// Metrics are the validation metrics averaged across ranks; nil on non-chief ranks.
	Metrics Metrics
	// SearcherMetric is the value of the searcher's metric, known on every rank.
	SearcherMetric float64
}

// CheckpointResult is the outcome of a CHECKPOINT_MODEL workload.
type CheckpointResult struct {
	StorageID string
}

// Response acknowledges a workload. At most one result is set, matching the workload kind.
type Response struct {
	Training   *TrainingResult
	Validation *ValidationResult
	Checkpoint *CheckpointResult
	// InvalidHP is set when the workload was cut short because the hyperparameters do not work.
	InvalidHP bool
	// StopRequested is set when the training code asked to stop the trial early.
	StopRequested bool
}

// Stream hands out workloads one at a time. Each workload must be completed before the next one is
// requested. Next returns io.EOF when the sequence is exhausted.
type Stream interface {
	Next(ctx context.Context) (*Workload, error)
	Complete(ctx context.Context, w Workload, resp Response) error
}

// fifo enforces that workloads are acknowledged in delivery order.
type fifo struct {
	mu          sync.Mutex
	outstanding *Workload
}

func (f *fifo) checkNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding != nil {
		panic(errors.Wrapf(ErrProtocolViolation,
			"next workload requested before completing %s", *f.outstanding))
	}
}

func (f *fifo) deliver(w Workload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding = &w
}

func (f *fifo) complete(w Workload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding == nil || *f.outstanding != w {
		panic(errors.Wrapf(ErrProtocolViolation, "completed %s, which is not outstanding", w))
	}
	f.outstanding = nil
}

// ListStream is a Stream over a fixed list of workloads that records every response.
type ListStream struct {
	fifo
	workloads []Workload
	next      int
	responses []Response
}

// NewListStream returns a Stream of the given workloads.
func NewListStream(workloads ...Workload) *ListStream {
	return &ListStream{workloads: workloads}
}

// Next implements Stream.
func (l *ListStream) Next(context.Context) (*Workload, error) {
	l.checkNext()
	if l.next >= len(l.workloads) {
		return nil, io.EOF
	}
	w := l.workloads[l.next]
	l.next++
	l.deliver(w)
	return &w, nil
}

// Complete implements Stream.
func (l *ListStream) Complete(_ context.Context, w Workload, resp Response) error {
	l.complete(w)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responses = append(l.responses, resp)
	return nil
}

// Responses returns the responses received so far, in order.
func (l *ListStream) Responses() []Response {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Response(nil), l.responses...)
}
