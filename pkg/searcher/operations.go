// Package searcher implements the search side of hyperparameter tuning: search methods emit
// operations, and runners carry them to the trials and feed the trials' outcomes back.
package searcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// Operation is one instruction of a search method: Create, ValidateAfter, Close or Shutdown.
type Operation interface {
	fmt.Stringer
}

type (
	// OperationType encodes the underlying type of an Operation for serialization.
	OperationType int

	typedOperation struct {
		Type      OperationType   `json:"type"`
		Operation json.RawMessage `json:"operation"`
	}

	// OperationList is []Operation that handles marshaling and unmarshaling heterogeneous
	// operations to and from their correct underlying types.
	OperationList []Operation
)

// All the operation types that support serialization.
const (
	CreateOperation        OperationType = 0
	CloseOperation         OperationType = 4
	ValidateAfterOperation OperationType = 5
	ShutdownOperation      OperationType = 6
)

// MarshalJSON implements json.Marshaler.
func (l OperationList) MarshalJSON() ([]byte, error) {
	typedOps := make([]typedOperation, 0, len(l))
	for _, op := range l {
		var typ OperationType
		switch op.(type) {
		case Create:
			typ = CreateOperation
		case ValidateAfter:
			typ = ValidateAfterOperation
		case Close:
			typ = CloseOperation
		case Shutdown:
			typ = ShutdownOperation
		default:
			return nil, fmt.Errorf("unable to serialize %T as operation", op)
		}
		b, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		typedOps = append(typedOps, typedOperation{Type: typ, Operation: b})
	}
	return json.Marshal(typedOps)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *OperationList) UnmarshalJSON(b []byte) error {
	var typedOps []typedOperation
	if err := json.Unmarshal(b, &typedOps); err != nil {
		return err
	}
	ops := make(OperationList, 0, len(typedOps))
	for _, typedOp := range typedOps {
		var op Operation
		var err error
		switch typedOp.Type {
		case CreateOperation:
			var c Create
			err = json.Unmarshal(typedOp.Operation, &c)
			op = c
		case ValidateAfterOperation:
			var v ValidateAfter
			err = json.Unmarshal(typedOp.Operation, &v)
			op = v
		case CloseOperation:
			var c Close
			err = json.Unmarshal(typedOp.Operation, &c)
			op = c
		case ShutdownOperation:
			var s Shutdown
			err = json.Unmarshal(typedOp.Operation, &s)
			op = s
		default:
			return fmt.Errorf("unable to deserialize %d as operation", typedOp.Type)
		}
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	*l = ops
	return nil
}

// Requested is implemented by operations addressed to a specific trial.
type Requested interface {
	GetRequestID() string
}

// NewRequestID draws a request id from r, so a seeded search produces the same ids every time.
func NewRequestID(r *rand.Rand) string {
	var b [16]byte
	for i := 0; i < len(b); i += 8 {
		v := r.Uint64()
		for j := 0; j < 8; j++ {
			b[i+j] = byte(v >> (8 * j))
		}
	}
	id, err := uuid.NewRandomFromReader(bytes.NewReader(b[:]))
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Create a new trial for the search method.
type Create struct {
	RequestID string `json:"request_id"`
	// TrialSeed must be a value between 0 and 2**31 - 1.
	TrialSeed  uint32                 `json:"trial_seed"`
	Hparams    map[string]interface{} `json:"hparams"`
	Checkpoint *Checkpoint            `json:"checkpoint"`
}

// NewCreate initializes a new Create operation with a new request ID and the given hyperparameters.
func NewCreate(r *rand.Rand, hparams map[string]interface{}) Create {
	return Create{
		RequestID: NewRequestID(r),
		TrialSeed: uint32(r.Int64N(1 << 31)),
		Hparams:   hparams,
	}
}

// NewCreateFromCheckpoint initializes a new Create operation whose trial starts from the latest
// checkpoint of the trial parentID.
func NewCreateFromCheckpoint(r *rand.Rand, hparams map[string]interface{}, parentID string) Create {
	create := NewCreate(r, hparams)
	create.Checkpoint = &Checkpoint{RequestID: parentID}
	return create
}

func (create Create) String() string {
	if create.Checkpoint == nil {
		return fmt.Sprintf("{Create %s, seed %d}", create.RequestID, create.TrialSeed)
	}
	return fmt.Sprintf(
		"{Create %s, seed %d, parent %v}", create.RequestID, create.TrialSeed,
		create.Checkpoint.RequestID,
	)
}

// GetRequestID implements Requested.
func (create Create) GetRequestID() string { return create.RequestID }

// Checkpoint indicates which trial the trial created by a Create should inherit from.
type Checkpoint struct {
	RequestID string `json:"request_id"`
}

// ValidateAfter asks a trial to train until it has trained Length units in total and validate.
type ValidateAfter struct {
	RequestID string `json:"request_id"`
	Length    uint64 `json:"length"`
}

// NewValidateAfter returns a new ValidateAfter operation.
func NewValidateAfter(requestID string, length uint64) ValidateAfter {
	return ValidateAfter{RequestID: requestID, Length: length}
}

func (v ValidateAfter) String() string {
	return fmt.Sprintf("{ValidateAfter %s, %v}", v.RequestID, v.Length)
}

// GetRequestID implements Requested.
func (v ValidateAfter) GetRequestID() string { return v.RequestID }

// Close the trial with the given request ID.
type Close struct {
	RequestID string `json:"request_id"`
}

// NewClose initializes a new Close operation for the request ID.
func NewClose(requestID string) Close {
	return Close{RequestID: requestID}
}

func (c Close) String() string {
	return fmt.Sprintf("{Close %s}", c.RequestID)
}

// GetRequestID implements Requested.
func (c Close) GetRequestID() string { return c.RequestID }

// Shutdown marks the search as completed.
type Shutdown struct {
	Cancel  bool `json:"cancel"`
	Failure bool `json:"failure"`
}

func (s Shutdown) String() string {
	switch {
	case s.Failure:
		return "{Shutdown failure}"
	case s.Cancel:
		return "{Shutdown cancel}"
	default:
		return "{Shutdown}"
	}
}

// ToAPI converts an operation to the form the controller accepts.
func ToAPI(op Operation) (api.SearcherOperation, error) {
	switch op := op.(type) {
	case Create:
		hparams, err := json.Marshal(op.Hparams)
		if err != nil {
			return api.SearcherOperation{}, errors.Wrapf(err, "encoding hyperparameters of %s", op)
		}
		out := api.CreateTrialOperation{
			RequestID:   op.RequestID,
			Hyperparams: string(hparams),
			Seed:        op.TrialSeed,
		}
		if op.Checkpoint != nil {
			out.Checkpoint = op.Checkpoint.RequestID
		}
		return api.SearcherOperation{CreateTrial: &out}, nil
	case ValidateAfter:
		return api.SearcherOperation{TrialOperation: &api.TrialOperation{
			ValidateAfter: &api.ValidateAfterOperation{RequestID: op.RequestID, Length: op.Length},
		}}, nil
	case Close:
		return api.SearcherOperation{CloseTrial: &api.CloseTrialOperation{RequestID: op.RequestID}}, nil
	case Shutdown:
		return api.SearcherOperation{ShutDown: &api.ShutDownOperation{
			Cancel: op.Cancel, Failure: op.Failure,
		}}, nil
	default:
		return api.SearcherOperation{}, errors.Errorf("unable to send %T to the controller", op)
	}
}
