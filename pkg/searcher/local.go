package searcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/syncx/waitgroupx"
)

// Launcher runs the trial a Create asked for. The trial takes its operations from ops and the
// call returns once the trial process is done.
type Launcher func(ctx context.Context, create Create, ops *core.LocalOperations) error

// eventQueue is an unbounded FIFO of events shared by the trials and the runner.
type eventQueue struct {
	mu     sync.Mutex
	nextID int
	events []api.SearcherEvent
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e api.SearcherEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	e.ID = q.nextID
	q.events = append(q.events, e)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop(ctx context.Context) (api.SearcherEvent, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			e := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return api.SearcherEvent{}, ctx.Err()
		}
	}
}

type localTrial struct {
	ops    *core.LocalOperations
	closed bool
}

// LocalRunner runs a search in-process: trials are started through a Launcher and their
// completions flow back to the search method as events.
type LocalRunner struct {
	searcher *Searcher
	launch   Launcher
	log      *log.Entry

	events *eventQueue
	mu     sync.Mutex
	trials map[string]*localTrial
}

// NewLocalRunner returns a runner for s starting trials with launch.
func NewLocalRunner(s *Searcher, launch Launcher) *LocalRunner {
	return &LocalRunner{
		searcher: s,
		launch:   launch,
		log:      log.WithField("component", "local-searcher"),
		events:   newEventQueue(),
		trials:   map[string]*localTrial{},
	}
}

// Run drives the search until the search method shuts it down. Trials still running at that point
// are told there is no more work and waited for.
func (r *LocalRunner) Run(ctx context.Context) error {
	group := waitgroupx.WithContext(ctx)
	defer group.Close()
	defer r.closeAll()

	r.events.push(api.SearcherEvent{InitialOperations: &struct{}{}})
	for !r.searcher.Shutdown {
		event, err := r.events.pop(ctx)
		if err != nil {
			return err
		}
		ops, err := r.searcher.Handle(event)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := r.apply(group, op); err != nil {
				return err
			}
		}
	}
	r.log.Infof("search finished with progress %.2f", r.searcher.Progress())
	return nil
}

func (r *LocalRunner) apply(group *waitgroupx.Group, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Debugf("applying %s", op)

	switch op := op.(type) {
	case Create:
		if _, ok := r.trials[op.RequestID]; ok {
			return errors.Errorf("trial %s created twice", op.RequestID)
		}
		requestID := op.RequestID
		t := &localTrial{ops: core.NewLocalOperations(
			func(v api.ValidateAfterOperation, metric float64) {
				r.events.push(api.SearcherEvent{ValidationCompleted: &api.ValidationCompletedEvent{
					RequestID: requestID, Metric: metric, ValidateAfterLength: v.Length,
				}})
			},
			func(units float64) {
				r.events.push(api.SearcherEvent{TrialProgress: &api.TrialProgressEvent{
					RequestID: requestID, PartialUnits: units,
				}})
			},
		)}
		r.trials[requestID] = t
		r.events.push(api.SearcherEvent{TrialCreated: &api.RequestIDEvent{RequestID: requestID}})
		group.Go(func(ctx context.Context) {
			r.exited(requestID, r.launch(ctx, op, t.ops))
		})
	case ValidateAfter:
		t, ok := r.trials[op.RequestID]
		if !ok {
			return errors.Errorf("%s for unknown trial", op)
		}
		t.ops.Push(api.ValidateAfterOperation{RequestID: op.RequestID, Length: op.Length})
	case Close:
		t, ok := r.trials[op.RequestID]
		if !ok {
			return errors.Errorf("%s for unknown trial", op)
		}
		t.closed = true
		t.ops.Close()
	case Shutdown:
	default:
		return errors.Errorf("unexpected operation %T", op)
	}
	return nil
}

// exited turns the end of a trial into events: a trial the searcher did not close exited early.
func (r *LocalRunner) exited(requestID string, err error) {
	r.mu.Lock()
	closed := r.trials[requestID].closed
	r.mu.Unlock()

	if !closed || (err != nil && !errors.Is(err, core.ErrFinishedGracefully)) {
		var reason api.ExitedReason
		switch {
		case core.IsInvalidHP(err):
			reason = api.ExitedReasonInvalidHP
		case err == nil || errors.Is(err, core.ErrFinishedGracefully):
			reason = api.ExitedReasonUserRequestedStop
		default:
			r.log.WithError(err).Errorf("trial %s failed", requestID)
			reason = api.ExitedReasonErrored
		}
		r.events.push(api.SearcherEvent{TrialExitedEarly: &api.TrialExitedEarlyEvent{
			RequestID: requestID, ExitedReason: reason,
		}})
	}
	r.events.push(api.SearcherEvent{TrialClosed: &api.RequestIDEvent{RequestID: requestID}})
}

func (r *LocalRunner) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trials {
		t.ops.Close()
	}
}
