package core

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/model"
)

// OperationSource hands out the ValidateAfter operations of one trial and receives their outcome.
// Only the chief talks to it.
type OperationSource interface {
	// Next blocks until the next operation is available. It returns nil when the searcher has no
	// more work for the trial.
	Next(ctx context.Context) (*api.ValidateAfterOperation, error)
	// Complete reports that op finished with the given searcher metric.
	Complete(ctx context.Context, op api.ValidateAfterOperation, metric float64) error
	// Progress reports how many searcher units the trial has trained in total.
	Progress(ctx context.Context, units float64) error
}

// SearcherOperation is one ValidateAfter operation: train until Length searcher units in total,
// validate, then report the searcher metric with ReportCompleted.
type SearcherOperation struct {
	s         *SearcherContext
	op        api.ValidateAfterOperation
	completed bool
}

// Length is the total training length, in searcher units, to reach before validating.
func (o *SearcherOperation) Length() uint64 {
	return o.op.Length
}

// RequestID identifies the trial the operation was addressed to, when the source provides one.
func (o *SearcherOperation) RequestID() string {
	return o.op.RequestID
}

// Completed reports whether ReportCompleted was called.
func (o *SearcherOperation) Completed() bool {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	return o.completed
}

// ReportProgress reports the total length trained so far, in searcher units. Only the chief
// reports; on other ranks it does nothing.
func (o *SearcherOperation) ReportProgress(ctx context.Context, length float64) error {
	if !o.s.dist.IsChief() {
		return nil
	}
	return o.s.source.Progress(ctx, length)
}

// ReportCompleted finishes the operation with the searcher metric. Only the chief reports the
// metric; every rank must call it before asking for the next operation.
func (o *SearcherOperation) ReportCompleted(ctx context.Context, metric float64) error {
	o.s.mu.Lock()
	if o.completed {
		o.s.mu.Unlock()
		protocolViolation("operation %d was already completed", o.op.Length)
	}
	o.completed = true
	o.s.mu.Unlock()

	if !o.s.dist.IsChief() {
		return nil
	}
	return o.s.source.Complete(ctx, o.op, metric)
}

// SearcherContext gives a trial the operations the searcher wants it to run.
type SearcherContext struct {
	dist   *distributed.Context
	source OperationSource
	units  model.UnitContext
	log    *log.Entry

	mu      sync.Mutex
	current *SearcherOperation
	done    bool
}

// NewSearcherContext returns a SearcherContext reading operations from source on the chief.
func NewSearcherContext(
	dist *distributed.Context, source OperationSource, units model.UnitContext,
) *SearcherContext {
	return &SearcherContext{
		dist:   dist,
		source: source,
		units:  units,
		log:    log.WithField("component", "searcher"),
	}
}

// NewDummySearcherContext returns a SearcherContext with a single operation of length batches.
func NewDummySearcherContext(dist *distributed.Context, length uint64) *SearcherContext {
	units, err := model.NewUnitContext(model.Batches, 0, 0)
	if err != nil {
		panic(err)
	}
	return NewSearcherContext(dist, NewDummyOperations(length), units)
}

// Unit is the unit operation lengths are expressed in.
func (s *SearcherContext) Unit() model.Unit {
	return s.units.DefaultUnit()
}

// UnitContext converts between searcher units and batches.
func (s *SearcherContext) UnitContext() model.UnitContext {
	return s.units
}

// Operations returns the iterator over this trial's operations.
func (s *SearcherContext) Operations() *Operations {
	return &Operations{s: s}
}

// Operations iterates over the operations of a trial in delivery order.
type Operations struct {
	s *SearcherContext
}

type broadcastOp struct {
	Op  *api.ValidateAfterOperation `json:"op"`
	Err string                      `json:"err,omitempty"`
}

// Next returns the next operation, or io.EOF once the searcher is done with the trial. It is a
// collective: the chief fetches the operation and broadcasts it. Calling Next before the previous
// operation was completed is a protocol violation and panics.
func (it *Operations) Next(ctx context.Context) (*SearcherOperation, error) {
	s := it.s
	s.mu.Lock()
	if s.current != nil && !s.current.completed {
		s.mu.Unlock()
		protocolViolation("next operation requested before completing operation %d", s.current.op.Length)
	}
	done := s.done
	s.mu.Unlock()
	if done {
		return nil, io.EOF
	}

	var msg broadcastOp
	if s.dist.IsChief() {
		op, err := s.source.Next(ctx)
		if err != nil {
			msg.Err = err.Error()
		}
		msg.Op = op
	}
	msg, err := distributed.Broadcast(ctx, s.dist, msg)
	if err != nil {
		return nil, err
	}
	if msg.Err != "" {
		return nil, errors.Errorf("fetching searcher operation: %s", msg.Err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Op == nil {
		s.done = true
		s.current = nil
		return nil, io.EOF
	}
	s.current = &SearcherOperation{s: s, op: *msg.Op}
	s.log.Debugf("received operation to validate after %d %s", msg.Op.Length, s.Unit())
	return s.current, nil
}

// SearcherAPI is the part of the controller API a trial's operation source uses.
type SearcherAPI interface {
	CurrentSearcherOperation(ctx context.Context, trialID int) (*api.SearcherOperationResponse, error)
	CompleteSearcherOperation(ctx context.Context, trialID int, req api.CompleteOperationRequest) error
	ReportTrialProgress(ctx context.Context, trialID int, progress float64) error
}

// MasterOperations reads a trial's operations from the controller.
type MasterOperations struct {
	api       SearcherAPI
	trialID   int
	maxLength float64
}

// NewMasterOperations returns an OperationSource for trialID. maxLength, in searcher units, turns
// progress into a fraction.
func NewMasterOperations(a SearcherAPI, trialID int, maxLength int) *MasterOperations {
	return &MasterOperations{api: a, trialID: trialID, maxLength: float64(maxLength)}
}

// Next implements OperationSource.
func (m *MasterOperations) Next(ctx context.Context) (*api.ValidateAfterOperation, error) {
	resp, err := m.api.CurrentSearcherOperation(ctx, m.trialID)
	switch {
	case err != nil:
		return nil, err
	case resp.Completed:
		return nil, nil
	case resp.Op == nil || resp.Op.ValidateAfter == nil:
		return nil, errors.Errorf("controller returned no operation for trial %d", m.trialID)
	}
	return resp.Op.ValidateAfter, nil
}

// Complete implements OperationSource.
func (m *MasterOperations) Complete(ctx context.Context, op api.ValidateAfterOperation, metric float64) error {
	return m.api.CompleteSearcherOperation(ctx, m.trialID, api.CompleteOperationRequest{
		Op:             api.TrialOperation{ValidateAfter: &op},
		SearcherMetric: metric,
	})
}

// Progress implements OperationSource.
func (m *MasterOperations) Progress(ctx context.Context, units float64) error {
	if m.maxLength <= 0 {
		return nil
	}
	progress := units / m.maxLength
	if progress > 1 {
		progress = 1
	}
	return m.api.ReportTrialProgress(ctx, m.trialID, progress)
}

// LocalOperations is an in-process queue of operations, fed by whoever drives the search.
type LocalOperations struct {
	onComplete func(op api.ValidateAfterOperation, metric float64)
	onProgress func(units float64)

	mu     sync.Mutex
	ops    []api.ValidateAfterOperation
	closed bool
	wake   chan struct{}
}

// NewLocalOperations returns an empty queue. The callbacks, which may be nil, receive completions
// and progress reports.
func NewLocalOperations(
	onComplete func(op api.ValidateAfterOperation, metric float64), onProgress func(units float64),
) *LocalOperations {
	return &LocalOperations{onComplete: onComplete, onProgress: onProgress, wake: make(chan struct{})}
}

func (l *LocalOperations) notifyLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

// Push queues an operation.
func (l *LocalOperations) Push(op api.ValidateAfterOperation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
	l.notifyLocked()
}

// Close ends the queue once the operations already pushed are consumed.
func (l *LocalOperations) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.notifyLocked()
	}
}

// Next implements OperationSource.
func (l *LocalOperations) Next(ctx context.Context) (*api.ValidateAfterOperation, error) {
	for {
		l.mu.Lock()
		if len(l.ops) > 0 {
			op := l.ops[0]
			l.ops = l.ops[1:]
			l.mu.Unlock()
			return &op, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, nil
		}
		wake := l.wake
		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete implements OperationSource.
func (l *LocalOperations) Complete(_ context.Context, op api.ValidateAfterOperation, metric float64) error {
	if l.onComplete != nil {
		l.onComplete(op, metric)
	}
	return nil
}

// Progress implements OperationSource.
func (l *LocalOperations) Progress(_ context.Context, units float64) error {
	if l.onProgress != nil {
		l.onProgress(units)
	}
	return nil
}

// NewDummyOperations returns a source with one operation of the given length that logs what it
// is told.
func NewDummyOperations(length uint64) *LocalOperations {
	l := NewLocalOperations(
		func(op api.ValidateAfterOperation, metric float64) {
			log.Infof("operation to validate after %d completed with searcher metric %v", op.Length, metric)
		},
		func(units float64) {
			log.Debugf("trained %v units", units)
		},
	)
	l.Push(api.ValidateAfterOperation{Length: length})
	l.Close()
	return l
}
