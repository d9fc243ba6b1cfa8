package searcher

import (
	"encoding/json"

	"github.com/determined-ai/determined/harness/pkg/api"
)

type singleSearchState struct {
	MethodType MethodType `json:"search_method_type"`
	RequestID  string     `json:"request_id,omitempty"`
}

// singleSearch trains one trial with the experiment's hyperparameters until maxLength and closes
// it once it validated there.
type singleSearch struct {
	defaultSearchMethod
	maxLength uint64
	singleSearchState
}

// NewSingleSearch returns the single-trial search method.
func NewSingleSearch(maxLength uint64) SearchMethod {
	return &singleSearch{
		maxLength:         maxLength,
		singleSearchState: singleSearchState{MethodType: SingleSearch},
	}
}

func (s *singleSearch) InitialOperations(ctx Context) ([]Operation, error) {
	create := NewCreate(ctx.Rand, ctx.Hparams)
	s.RequestID = create.RequestID
	return []Operation{create, NewValidateAfter(create.RequestID, s.maxLength)}, nil
}

func (s *singleSearch) ValidationCompleted(
	_ Context, requestID string, _ float64, length uint64,
) ([]Operation, error) {
	if length < s.maxLength {
		return nil, nil
	}
	return []Operation{NewClose(requestID)}, nil
}

// TrialExitedEarly ends the search: there is no other trial to fall back on.
func (s *singleSearch) TrialExitedEarly(
	_ Context, _ string, reason api.ExitedReason,
) ([]Operation, error) {
	switch reason {
	case api.ExitedReasonErrored:
		return []Operation{Shutdown{Failure: true}}, nil
	case api.ExitedReasonUserRequestedStop:
		return []Operation{Shutdown{Cancel: true}}, nil
	default:
		return []Operation{Shutdown{}}, nil
	}
}

func (s *singleSearch) Progress(trialProgress map[string]float64, trialsClosed map[string]bool) float64 {
	if trialsClosed[s.RequestID] {
		return 1
	}
	if s.maxLength == 0 {
		return 0
	}
	return min(trialProgress[s.RequestID]/float64(s.maxLength), 1)
}

func (s *singleSearch) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.singleSearchState)
}

func (s *singleSearch) Restore(state json.RawMessage) error {
	if state == nil {
		return nil
	}
	return json.Unmarshal(state, &s.singleSearchState)
}
