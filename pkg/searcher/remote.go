package searcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/core"
)

// StateFile holds the searcher snapshot inside a searcher checkpoint.
const StateFile = "searcher_state.json"

// pollCooldown bounds how often events are requested when the controller answers without waiting.
const pollCooldown = 50 * time.Millisecond

// EventsAPI is the part of the controller API a custom searcher talks to.
type EventsAPI interface {
	SearcherEvents(ctx context.Context, experimentID int) ([]api.SearcherEvent, error)
	PostSearcherOperations(ctx context.Context, experimentID int, req api.PostSearcherOperationsRequest) error
}

// RemoteRunner runs a search method as the custom searcher of an experiment: it long-polls the
// controller for searcher events and posts back the operations the method produces.
type RemoteRunner struct {
	api          EventsAPI
	experimentID int
	searcher     *Searcher
	checkpoints  *core.CheckpointContext
	pollLimiter  *rate.Limiter
	log          *log.Entry

	latestCheckpoint string
}

// NewRemoteRunner returns a runner for s. When checkpoints is set, the searcher state is stored
// after every handled batch of events so that a restarted runner resumes where it left off.
func NewRemoteRunner(
	a EventsAPI, experimentID int, s *Searcher, checkpoints *core.CheckpointContext,
) *RemoteRunner {
	return &RemoteRunner{
		api:          a,
		experimentID: experimentID,
		searcher:     s,
		checkpoints:  checkpoints,
		pollLimiter:  rate.NewLimiter(rate.Every(pollCooldown), 1),
		log:          log.WithFields(log.Fields{"component": "remote-searcher", "experiment": experimentID}),
	}
}

// LatestCheckpoint is the storage id of the last searcher snapshot.
func (r *RemoteRunner) LatestCheckpoint() string {
	return r.latestCheckpoint
}

// Restore loads a searcher snapshot stored by a previous runner.
func (r *RemoteRunner) Restore(ctx context.Context, storageID string) error {
	if r.checkpoints == nil {
		return errors.New("no checkpoint storage to restore the searcher from")
	}
	err := r.checkpoints.Restore(ctx, storageID, func(dir string) error {
		bs, err := os.ReadFile(filepath.Join(dir, StateFile)) // #nosec G304
		if err != nil {
			return err
		}
		return r.searcher.Restore(bs)
	})
	if err != nil {
		return errors.Wrapf(err, "restoring searcher from %s", storageID)
	}
	r.latestCheckpoint = storageID
	r.log.Infof("restored searcher from %s at event %d", storageID, r.searcher.LastEventID)
	return nil
}

// Run handles events until the search method shuts the search down.
func (r *RemoteRunner) Run(ctx context.Context) error {
	if r.searcher.Shutdown {
		r.log.Info("search already finished")
		return nil
	}
	for {
		if err := r.pollLimiter.Wait(ctx); err != nil {
			return err
		}
		events, err := r.api.SearcherEvents(ctx, r.experimentID)
		if err != nil {
			return errors.Wrap(err, "fetching searcher events")
		}
		sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

		handled := false
		for _, event := range events {
			if event.ID <= r.searcher.LastEventID {
				continue
			}
			ops, err := r.searcher.Handle(event)
			if errors.Is(err, ErrExperimentInactive) {
				r.log.Infof("stopping: %s", err)
				return nil
			} else if err != nil {
				return err
			}
			if err := r.post(ctx, event, ops); err != nil {
				return err
			}
			handled = true
			if r.searcher.Shutdown {
				break
			}
		}

		if handled {
			if err := r.snapshot(ctx); err != nil {
				return err
			}
		}
		if r.searcher.Shutdown {
			r.log.Info("search finished")
			return nil
		}
	}
}

func (r *RemoteRunner) post(ctx context.Context, event api.SearcherEvent, ops []Operation) error {
	req := api.PostSearcherOperationsRequest{TriggeredByEvent: &event}
	for _, op := range ops {
		apiOp, err := ToAPI(op)
		if err != nil {
			return err
		}
		req.SearcherOperations = append(req.SearcherOperations, apiOp)
	}
	req.SearcherOperations = append(req.SearcherOperations, api.SearcherOperation{
		SetSearcherProgress: &api.SetSearcherProgressOperation{Progress: r.searcher.Progress()},
	})
	r.log.Debugf("event %d produced %v", event.ID, ops)
	return errors.Wrapf(r.api.PostSearcherOperations(ctx, r.experimentID, req),
		"posting operations for event %d", event.ID)
}

func (r *RemoteRunner) snapshot(ctx context.Context) error {
	if r.checkpoints == nil {
		return nil
	}
	state, err := r.searcher.Snapshot()
	if err != nil {
		return err
	}
	metadata := map[string]interface{}{
		"experiment_id": r.experimentID,
		"last_event_id": r.searcher.LastEventID,
	}
	id, err := r.checkpoints.Store(ctx, metadata, func(dir, _ string) error {
		return os.WriteFile(filepath.Join(dir, StateFile), state, 0o600)
	})
	if err != nil {
		return errors.Wrap(err, "storing searcher state")
	}
	r.latestCheckpoint = id
	return nil
}
