// Package fakemaster is an in-memory stand-in for the controller's REST API, for tests.
package fakemaster

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/determined-ai/determined/harness/pkg/api"
)

const maxLongPoll = 2 * time.Second

// Master records every report it receives and answers the harness's requests from state that tests
// set up ahead of time.
type Master struct {
	*echo.Echo

	mu           sync.Mutex
	failNext     int
	requests     int
	preempt      bool
	preemptCh    chan struct{}
	preemptAcks  int
	gathers      map[string]*gatherRound
	checkpoints  []api.Checkpoint
	metrics      []api.ReportTrialMetricsRequest
	progress     map[int][]float64
	earlyExits   map[int][]api.ExitedReason
	completed    map[int][]api.CompleteOperationRequest
	trialOps     map[int][]uint64
	events       map[int][]api.SearcherEvent
	eventsCh     chan struct{}
	postedOps    map[int][]api.PostSearcherOperationsRequest
	onOperations func(experimentID int, req api.PostSearcherOperationsRequest)
}

type gatherRound struct {
	numPeers int
	data     []json.RawMessage
	done     chan struct{}
}

// New returns a Master with no state.
func New() *Master {
	m := &Master{
		Echo:       echo.New(),
		preemptCh:  make(chan struct{}),
		gathers:    map[string]*gatherRound{},
		progress:   map[int][]float64{},
		earlyExits: map[int][]api.ExitedReason{},
		completed:  map[int][]api.CompleteOperationRequest{},
		trialOps:   map[int][]uint64{},
		events:     map[int][]api.SearcherEvent{},
		eventsCh:   make(chan struct{}),
		postedOps:  map[int][]api.PostSearcherOperationsRequest{},
	}
	m.HideBanner = true
	m.Use(m.countAndFail)

	m.GET("/api/v1/allocations/:aid/signals/preemption", m.getPreemption)
	m.POST("/api/v1/allocations/:aid/signals/ack_preemption", m.ackPreemption)
	m.POST("/api/v1/allocations/:aid/all_gather", m.allGather)
	m.POST("/api/v1/checkpoints", m.reportCheckpoint)
	m.POST("/api/v1/trials/:tid/metrics", m.reportMetrics)
	m.GET("/api/v1/trials/:tid/searcher/operation", m.currentOperation)
	m.POST("/api/v1/trials/:tid/searcher/completed_operation", m.completeOperation)
	m.POST("/api/v1/trials/:tid/progress", m.reportProgress)
	m.POST("/api/v1/trials/:tid/early_exit", m.reportEarlyExit)
	m.GET("/api/v1/experiments/:eid/searcher_events", m.searcherEvents)
	m.POST("/api/v1/experiments/:eid/searcher_operations", m.searcherOperations)
	return m
}

// FailNext makes the next n requests fail with 503 Service Unavailable.
func (m *Master) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// Requests is the number of requests received so far, failed ones included.
func (m *Master) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// SetPreempt asks every allocation to preempt.
func (m *Master) SetPreempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.preempt {
		m.preempt = true
		close(m.preemptCh)
	}
}

// PreemptAcks is the number of preemption acknowledgements received.
func (m *Master) PreemptAcks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preemptAcks
}

// SetTrialOperations queues ValidateAfter lengths for a trial; they are served in order as the
// trial completes them.
func (m *Master) SetTrialOperations(trialID int, lengths ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trialOps[trialID] = lengths
}

// Checkpoints returns the registered checkpoints.
func (m *Master) Checkpoints() []api.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.Checkpoint(nil), m.checkpoints...)
}

// Metrics returns the metrics reports received for the given group.
func (m *Master) Metrics(group string) []api.TrialMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []api.TrialMetrics
	for _, r := range m.metrics {
		if r.Group == group {
			out = append(out, r.Metrics)
		}
	}
	return out
}

// Progress returns the progress reports of a trial.
func (m *Master) Progress(trialID int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.progress[trialID]...)
}

// EarlyExits returns the early exit reports of a trial.
func (m *Master) EarlyExits(trialID int) []api.ExitedReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.ExitedReason(nil), m.earlyExits[trialID]...)
}

// Completed returns the operations a trial reported as completed.
func (m *Master) Completed(trialID int) []api.CompleteOperationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.CompleteOperationRequest(nil), m.completed[trialID]...)
}

// PushSearcherEvents appends events to an experiment's custom searcher queue.
func (m *Master) PushSearcherEvents(experimentID int, events ...api.SearcherEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushEventsLocked(experimentID, events...)
}

func (m *Master) pushEventsLocked(experimentID int, events ...api.SearcherEvent) {
	m.events[experimentID] = append(m.events[experimentID], events...)
	close(m.eventsCh)
	m.eventsCh = make(chan struct{})
}

// OnSearcherOperations registers a hook called whenever a custom searcher posts operations. The
// hook runs with the Master's lock held, so it must use PushEventsLocked to emit events.
func (m *Master) OnSearcherOperations(fn func(experimentID int, req api.PostSearcherOperationsRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOperations = fn
}

// PushEventsLocked is PushSearcherEvents for use inside an OnSearcherOperations hook.
func (m *Master) PushEventsLocked(experimentID int, events ...api.SearcherEvent) {
	m.pushEventsLocked(experimentID, events...)
}

// PostedOperations returns every operation batch posted by the custom searcher of an experiment.
func (m *Master) PostedOperations(experimentID int) []api.PostSearcherOperationsRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.PostSearcherOperationsRequest(nil), m.postedOps[experimentID]...)
}

func (m *Master) countAndFail(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		m.mu.Lock()
		m.requests++
		fail := m.failNext > 0
		if fail {
			m.failNext--
		}
		m.mu.Unlock()
		if fail {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "injected failure")
		}
		return next(c)
	}
}

func intParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func longPollTimeout(c echo.Context) time.Duration {
	timeout := maxLongPoll
	if s, err := strconv.Atoi(c.QueryParam("timeout_seconds")); err == nil {
		if d := time.Duration(s) * time.Second; d < timeout {
			timeout = d
		}
	}
	return timeout
}

func (m *Master) getPreemption(c echo.Context) error {
	m.mu.Lock()
	ch := m.preemptCh
	m.mu.Unlock()

	select {
	case <-ch:
		return c.JSON(http.StatusOK, api.PreemptionSignalResponse{Preempt: true})
	case <-time.After(longPollTimeout(c)):
		return c.JSON(http.StatusOK, api.PreemptionSignalResponse{Preempt: false})
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func (m *Master) ackPreemption(c echo.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preemptAcks++
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) allGather(c echo.Context) error {
	var req api.AllGatherRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	aid := c.Param("aid")

	m.mu.Lock()
	round, ok := m.gathers[aid]
	if !ok {
		round = &gatherRound{numPeers: req.NumPeers, done: make(chan struct{})}
		m.gathers[aid] = round
	}
	if round.numPeers != req.NumPeers {
		m.mu.Unlock()
		return echo.NewHTTPError(http.StatusBadRequest, "num_peers mismatch")
	}
	// Answer in reverse arrival order so callers cannot rely on it.
	round.data = append([]json.RawMessage{req.Data}, round.data...)
	if len(round.data) == round.numPeers {
		delete(m.gathers, aid)
		close(round.done)
	}
	m.mu.Unlock()

	select {
	case <-round.done:
		return c.JSON(http.StatusOK, api.AllGatherResponse{Data: round.data})
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func (m *Master) reportCheckpoint(c echo.Context) error {
	var req api.ReportCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, req.Checkpoint)
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) reportMetrics(c echo.Context) error {
	var req api.ReportTrialMetricsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, req)
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) currentOperation(c echo.Context) error {
	tid, err := intParam(c, "tid")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ops, done := m.trialOps[tid], len(m.completed[tid])
	if done >= len(ops) {
		return c.JSON(http.StatusOK, api.SearcherOperationResponse{Completed: true})
	}
	return c.JSON(http.StatusOK, api.SearcherOperationResponse{
		Op: &api.TrialOperation{ValidateAfter: &api.ValidateAfterOperation{Length: ops[done]}},
	})
}

func (m *Master) completeOperation(c echo.Context) error {
	tid, err := intParam(c, "tid")
	if err != nil {
		return err
	}
	var req api.CompleteOperationRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[tid] = append(m.completed[tid], req)
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) reportProgress(c echo.Context) error {
	tid, err := intParam(c, "tid")
	if err != nil {
		return err
	}
	var req api.ReportProgressRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[tid] = append(m.progress[tid], req.Progress)
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) reportEarlyExit(c echo.Context) error {
	tid, err := intParam(c, "tid")
	if err != nil {
		return err
	}
	var req api.ReportEarlyExitRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earlyExits[tid] = append(m.earlyExits[tid], req.Reason)
	return c.JSON(http.StatusOK, struct{}{})
}

func (m *Master) searcherEvents(c echo.Context) error {
	eid, err := intParam(c, "eid")
	if err != nil {
		return err
	}
	m.mu.Lock()
	events, ch := m.events[eid], m.eventsCh
	m.mu.Unlock()
	if len(events) == 0 {
		select {
		case <-ch:
		case <-time.After(maxLongPoll):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
		m.mu.Lock()
		events = m.events[eid]
		m.mu.Unlock()
	}
	return c.JSON(http.StatusOK, api.GetSearcherEventsResponse{
		SearcherEvents: append([]api.SearcherEvent{}, events...),
	})
}

func (m *Master) searcherOperations(c echo.Context) error {
	eid, err := intParam(c, "eid")
	if err != nil {
		return err
	}
	var req api.PostSearcherOperationsRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postedOps[eid] = append(m.postedOps[eid], req)
	if req.TriggeredByEvent != nil {
		// Events up to and including the triggering one are consumed.
		var rest []api.SearcherEvent
		for _, e := range m.events[eid] {
			if e.ID > req.TriggeredByEvent.ID {
				rest = append(rest, e)
			}
		}
		m.events[eid] = rest
	}
	if m.onOperations != nil {
		m.onOperations(eid, req)
	}
	return c.JSON(http.StatusOK, struct{}{})
}
