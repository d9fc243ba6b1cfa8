package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

func allocationPath(aid, suffix string) string {
	return fmt.Sprintf("/api/v1/allocations/%s/%s", url.PathEscape(aid), suffix)
}

func trialPath(tid int, suffix string) string {
	return fmt.Sprintf("/api/v1/trials/%d/%s", tid, suffix)
}

func experimentPath(eid int, suffix string) string {
	return fmt.Sprintf("/api/v1/experiments/%d/%s", eid, suffix)
}

// PreemptionSignal long-polls the controller for up to timeout and reports whether the allocation
// should be preempted.
func (s *Session) PreemptionSignal(
	ctx context.Context, allocationID string, timeout time.Duration,
) (bool, error) {
	q := url.Values{}
	q.Set("timeout_seconds", strconv.Itoa(int(timeout.Seconds())))
	var resp PreemptionSignalResponse
	if err := s.Get(ctx, allocationPath(allocationID, "signals/preemption"), q, &resp); err != nil {
		return false, err
	}
	return resp.Preempt, nil
}

// AckPreemption tells the controller the allocation saw its preemption signal.
func (s *Session) AckPreemption(ctx context.Context, allocationID string) error {
	return s.Post(ctx, allocationPath(allocationID, "signals/ack_preemption"), struct{}{}, nil)
}

// AllGather contributes to an all-gather round coordinated by the controller and blocks until all
// peers have contributed.
func (s *Session) AllGather(
	ctx context.Context, allocationID string, req AllGatherRequest,
) (*AllGatherResponse, error) {
	var resp AllGatherResponse
	if err := s.Post(ctx, allocationPath(allocationID, "all_gather"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportCheckpoint registers a stored checkpoint.
func (s *Session) ReportCheckpoint(ctx context.Context, ckpt Checkpoint) error {
	return s.Post(ctx, "/api/v1/checkpoints", ReportCheckpointRequest{Checkpoint: ckpt}, nil)
}

// ReportTrialMetrics reports a group of metrics for a trial.
func (s *Session) ReportTrialMetrics(ctx context.Context, m TrialMetrics, group string) error {
	return s.Post(ctx, trialPath(m.TrialID, "metrics"),
		ReportTrialMetricsRequest{Metrics: m, Group: group}, nil)
}

// CurrentSearcherOperation fetches the operation the searcher wants the trial to run next.
func (s *Session) CurrentSearcherOperation(
	ctx context.Context, trialID int,
) (*SearcherOperationResponse, error) {
	var resp SearcherOperationResponse
	if err := s.Get(ctx, trialPath(trialID, "searcher/operation"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteSearcherOperation reports that the trial finished an operation.
func (s *Session) CompleteSearcherOperation(
	ctx context.Context, trialID int, req CompleteOperationRequest,
) error {
	return s.Post(ctx, trialPath(trialID, "searcher/completed_operation"), req, nil)
}

// ReportTrialProgress reports trial progress.
func (s *Session) ReportTrialProgress(ctx context.Context, trialID int, progress float64) error {
	return s.Post(ctx, trialPath(trialID, "progress"), ReportProgressRequest{Progress: progress}, nil)
}

// ReportEarlyExit reports that the trial is exiting early.
func (s *Session) ReportEarlyExit(ctx context.Context, trialID int, reason ExitedReason) error {
	return s.Post(ctx, trialPath(trialID, "early_exit"), ReportEarlyExitRequest{Reason: reason}, nil)
}

// SearcherEvents long-polls the pending events of a custom searcher.
func (s *Session) SearcherEvents(ctx context.Context, experimentID int) ([]SearcherEvent, error) {
	var resp GetSearcherEventsResponse
	if err := s.Get(ctx, experimentPath(experimentID, "searcher_events"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.SearcherEvents, nil
}

// PostSearcherOperations submits the operations a custom searcher produced for an event.
func (s *Session) PostSearcherOperations(
	ctx context.Context, experimentID int, req PostSearcherOperationsRequest,
) error {
	return s.Post(ctx, experimentPath(experimentID, "searcher_operations"), req, nil)
}
