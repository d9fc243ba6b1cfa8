package searcher

import (
	"encoding/json"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// ErrExperimentInactive is returned when the controller reports the experiment as no longer
// active.
var ErrExperimentInactive = errors.New("experiment is inactive")

const randStream = 0x5851f42d4c957f2d

type (
	// State encapsulates all persisted searcher state.
	State struct {
		TrialOperations OperationList      `json:"trial_operations"`
		TrialsRequested int                `json:"trials_requested"`
		TrialsCreated   map[string]bool    `json:"trials_created"`
		TrialsClosed    map[string]bool    `json:"trials_closed"`
		Failures        map[string]bool    `json:"failures"`
		TrialProgress   map[string]float64 `json:"trial_progress"`
		Shutdown        bool               `json:"shutdown"`
		LastEventID     int                `json:"last_event_id"`

		Rand []byte `json:"rand"`

		SearchMethodState json.RawMessage `json:"search_method_state"`
	}

	// Searcher encompasses the state as the search progresses using the provided search method.
	Searcher struct {
		hparams map[string]interface{}
		method  SearchMethod
		pcg     *rand.PCG
		rand    *rand.Rand
		State
	}
)

// NewSearcher creates a new Searcher driving method.
func NewSearcher(seed uint32, method SearchMethod, hparams map[string]interface{}) *Searcher {
	pcg := rand.NewPCG(uint64(seed), randStream)
	return &Searcher{
		hparams: hparams,
		method:  method,
		pcg:     pcg,
		rand:    rand.New(pcg),
		State: State{
			TrialsCreated: map[string]bool{},
			TrialsClosed:  map[string]bool{},
			Failures:      map[string]bool{},
			TrialProgress: map[string]float64{},
		},
	}
}

func (s *Searcher) context() Context {
	return Context{Rand: s.rand, Hparams: s.hparams}
}

// InitialOperations return a set of initial operations that the searcher would like to take.
// This should be called only once after the searcher has been created.
func (s *Searcher) InitialOperations() ([]Operation, error) {
	operations, err := s.method.InitialOperations(s.context())
	if err != nil {
		return nil, errors.Wrap(err, "error while fetching initial operations of search method")
	}
	s.Record(operations)
	return operations, nil
}

// TrialCreated informs the searcher that a trial has been created as a result of a Create
// operation.
func (s *Searcher) TrialCreated(requestID string) ([]Operation, error) {
	s.TrialsCreated[requestID] = true
	s.TrialProgress[requestID] = 0
	operations, err := s.method.TrialCreated(s.context(), requestID)
	if err != nil {
		return nil, errors.Wrapf(err, "error while handling a trial created event: %s", requestID)
	}
	s.Record(operations)
	return operations, nil
}

// TrialExitedEarly indicates to the searcher that the trial exited before it was closed.
func (s *Searcher) TrialExitedEarly(requestID string, reason api.ExitedReason) ([]Operation, error) {
	if !s.TrialsCreated[requestID] {
		return nil, errors.Errorf("unexpected request ID sent to searcher: %s", requestID)
	}

	switch reason {
	case api.ExitedReasonInvalidHP:
		delete(s.TrialProgress, requestID)
	case api.ExitedReasonErrored:
		// Only errors count as failures; a search whose trials all failed fails.
		s.Failures[requestID] = true
	}
	operations, err := s.method.TrialExitedEarly(s.context(), requestID, reason)
	if err != nil {
		return nil, errors.Wrapf(err, "error relaying trial exited early to %s", requestID)
	}
	s.Record(operations)
	return operations, nil
}

// SetTrialProgress informs the searcher of the progress of a given trial.
func (s *Searcher) SetTrialProgress(requestID string, units float64) {
	s.TrialProgress[requestID] = units
}

// ValidationCompleted informs the searcher that a ValidateAfter of the trial was completed.
func (s *Searcher) ValidationCompleted(requestID string, metric float64, length uint64) ([]Operation, error) {
	if !s.TrialsCreated[requestID] {
		return nil, errors.Errorf("unexpected request ID sent to searcher: %s", requestID)
	}
	operations, err := s.method.ValidationCompleted(s.context(), requestID, metric, length)
	if err != nil {
		return nil, errors.Wrapf(err, "error while handling a validation completed event: %s", requestID)
	}
	s.Record(operations)
	return operations, nil
}

// TrialClosed informs the searcher that the trial has exited. Once every requested trial is
// closed, a Shutdown is appended.
func (s *Searcher) TrialClosed(requestID string) ([]Operation, error) {
	s.TrialsClosed[requestID] = true
	operations, err := s.method.TrialClosed(s.context(), requestID)
	if err != nil {
		return nil, errors.Wrapf(err, "error while handling a trial closed event: %s", requestID)
	}
	if s.TrialsRequested == len(s.TrialsClosed) && !s.Shutdown && !hasShutdown(operations) {
		shutdown := Shutdown{Failure: len(s.Failures) >= s.TrialsRequested}
		operations = append(operations, shutdown)
	}
	s.Record(operations)
	return operations, nil
}

func hasShutdown(ops []Operation) bool {
	for _, op := range ops {
		if _, ok := op.(Shutdown); ok {
			return true
		}
	}
	return false
}

// Progress returns search progress as a float between 0.0 and 1.0.
func (s *Searcher) Progress() float64 {
	progress := s.method.Progress(s.TrialProgress, s.TrialsClosed)
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		return 0.0
	}
	return progress
}

// Handle dispatches one controller event to the searcher and returns the resulting operations.
// Events with an id at or below the last handled one are ignored.
func (s *Searcher) Handle(event api.SearcherEvent) ([]Operation, error) {
	if event.ID > 0 && event.ID <= s.LastEventID {
		return nil, nil
	}
	var ops []Operation
	var err error
	switch {
	case event.InitialOperations != nil:
		ops, err = s.InitialOperations()
	case event.TrialCreated != nil:
		ops, err = s.TrialCreated(event.TrialCreated.RequestID)
	case event.ValidationCompleted != nil:
		e := event.ValidationCompleted
		ops, err = s.ValidationCompleted(e.RequestID, e.Metric, e.ValidateAfterLength)
	case event.TrialClosed != nil:
		ops, err = s.TrialClosed(event.TrialClosed.RequestID)
	case event.TrialExitedEarly != nil:
		ops, err = s.TrialExitedEarly(event.TrialExitedEarly.RequestID, event.TrialExitedEarly.ExitedReason)
	case event.TrialProgress != nil:
		s.SetTrialProgress(event.TrialProgress.RequestID, event.TrialProgress.PartialUnits)
	case event.ExperimentInactive != nil:
		err = errors.Wrap(ErrExperimentInactive, event.ExperimentInactive.ExperimentState)
	default:
		err = errors.Errorf("unknown searcher event %d", event.ID)
	}
	if err != nil {
		return nil, err
	}
	if event.ID > s.LastEventID {
		s.LastEventID = event.ID
	}
	return ops, nil
}

// Record records operations that were requested by the search method.
func (s *Searcher) Record(ops []Operation) {
	s.TrialOperations = append(s.TrialOperations, ops...)
	for _, op := range ops {
		switch op.(type) {
		case Create:
			s.TrialsRequested++
		case Shutdown:
			s.Shutdown = true
		}
	}
}

// Snapshot returns a searchers current state.
func (s *Searcher) Snapshot() (json.RawMessage, error) {
	b, err := s.method.Snapshot()
	if err != nil {
		return nil, errors.Wrap(err, "failed to save search method")
	}
	s.State.SearchMethodState = b
	if s.State.Rand, err = s.pcg.MarshalBinary(); err != nil {
		return nil, errors.Wrap(err, "failed to save searcher rng")
	}
	return json.Marshal(s.State)
}

// Restore loads a searcher from prior state.
func (s *Searcher) Restore(state json.RawMessage) error {
	if err := json.Unmarshal(state, &s.State); err != nil {
		return errors.Wrap(err, "failed to unmarshal searcher snapshot")
	}
	if len(s.State.Rand) > 0 {
		if err := s.pcg.UnmarshalBinary(s.State.Rand); err != nil {
			return errors.Wrap(err, "failed to restore searcher rng")
		}
	}
	return s.method.Restore(s.SearchMethodState)
}
