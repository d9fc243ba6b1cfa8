package searcher

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// Context is what a SearchMethod may draw on when producing operations.
type Context struct {
	Rand    *rand.Rand
	Hparams map[string]interface{}
}

// SearchMethod is the interface for hyperparameter tuning methods. Implementations of this
// interface should use pointer receivers to ensure interface equality is calculated through pointer
// equality.
type SearchMethod interface {
	// InitialOperations returns the operations the method starts the search with. It is called
	// once, when the search starts.
	InitialOperations(ctx Context) ([]Operation, error)
	// TrialCreated informs the method that a trial has been created as a result of a Create
	// operation.
	TrialCreated(ctx Context, requestID string) ([]Operation, error)
	// ValidationCompleted informs the method that a trial finished a ValidateAfter operation of
	// the given length with the given searcher metric.
	ValidationCompleted(ctx Context, requestID string, metric float64, length uint64) ([]Operation, error)
	// TrialClosed informs the method that a trial has exited.
	TrialClosed(ctx Context, requestID string) ([]Operation, error)
	// TrialExitedEarly informs the method that a trial exited before it was closed.
	TrialExitedEarly(ctx Context, requestID string, reason api.ExitedReason) ([]Operation, error)
	// Progress returns search progress as a float between 0.0 and 1.0.
	Progress(trialProgress map[string]float64, trialsClosed map[string]bool) float64

	Snapshot() (json.RawMessage, error)
	Restore(state json.RawMessage) error
}

// MethodType names a SearchMethod in snapshots.
type MethodType string

// SingleSearch is the MethodType of the single-trial method.
const SingleSearch MethodType = "single"

type defaultSearchMethod struct{}

func (defaultSearchMethod) TrialCreated(Context, string) ([]Operation, error) {
	return nil, nil
}

func (defaultSearchMethod) ValidationCompleted(Context, string, float64, uint64) ([]Operation, error) {
	return nil, nil
}

func (defaultSearchMethod) TrialClosed(Context, string) ([]Operation, error) {
	return nil, nil
}

func (defaultSearchMethod) TrialExitedEarly(Context, string, api.ExitedReason) ([]Operation, error) {
	return []Operation{Shutdown{Failure: true}}, nil
}
