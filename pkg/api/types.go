package api

import (
	"encoding/json"
	"time"
)

// ExitedReason is why a trial stopped before its searcher was done with it.
type ExitedReason string

// Exit reasons understood by the controller.
const (
	ExitedReasonInvalidHP         ExitedReason = "EXITED_REASON_INVALID_HP"
	ExitedReasonUserRequestedStop ExitedReason = "EXITED_REASON_USER_REQUESTED_STOP"
	ExitedReasonErrored           ExitedReason = "EXITED_REASON_ERRORED"
)

// CheckpointStateCompleted marks a checkpoint whose files are fully uploaded.
const CheckpointStateCompleted = "STATE_COMPLETED"

// Metric groups.
const (
	MetricsGroupTraining   = "training"
	MetricsGroupValidation = "validation"
)

// PreemptionSignalResponse is the long-poll answer of the preemption endpoint.
type PreemptionSignalResponse struct {
	Preempt bool `json:"preempt"`
}

// AllGatherRequest contributes one peer's payload to an all-gather round.
type AllGatherRequest struct {
	RequestUUID string          `json:"request_uuid"`
	NumPeers    int             `json:"num_peers"`
	Data        json.RawMessage `json:"data"`
}

// AllGatherResponse holds every peer's payload, in arrival order.
type AllGatherResponse struct {
	Data []json.RawMessage `json:"data"`
}

// Checkpoint is the registration record of a stored checkpoint.
type Checkpoint struct {
	TaskID       string                 `json:"task_id"`
	AllocationID string                 `json:"allocation_id"`
	UUID         string                 `json:"uuid"`
	ReportTime   time.Time              `json:"report_time"`
	Resources    map[string]int64       `json:"resources"`
	Metadata     map[string]interface{} `json:"metadata"`
	State        string                 `json:"state"`
}

// ReportCheckpointRequest registers a checkpoint.
type ReportCheckpointRequest struct {
	Checkpoint Checkpoint `json:"checkpoint"`
}

// MetricsBody is the payload of a metrics report.
type MetricsBody struct {
	AvgMetrics   map[string]interface{}   `json:"avg_metrics"`
	BatchMetrics []map[string]interface{} `json:"batch_metrics,omitempty"`
}

// TrialMetrics is one metrics report of a trial.
type TrialMetrics struct {
	TrialID        int         `json:"trial_id"`
	TrialRunID     int         `json:"trial_run_id"`
	StepsCompleted int         `json:"steps_completed"`
	Metrics        MetricsBody `json:"metrics"`
}

// ReportTrialMetricsRequest reports metrics of a group.
type ReportTrialMetricsRequest struct {
	Metrics TrialMetrics `json:"metrics"`
	Group   string       `json:"group"`
}

// ValidateAfterOperation asks a trial to train until Length and validate.
type ValidateAfterOperation struct {
	RequestID string `json:"request_id,omitempty"`
	Length    uint64 `json:"length"`
}

// TrialOperation is an operation addressed to a running trial.
type TrialOperation struct {
	ValidateAfter *ValidateAfterOperation `json:"validate_after,omitempty"`
}

// SearcherOperationResponse is the controller's answer to "what should this trial do next".
type SearcherOperationResponse struct {
	Op        *TrialOperation `json:"op,omitempty"`
	Completed bool            `json:"completed"`
}

// CompleteOperationRequest reports that a trial operation finished with a searcher metric.
type CompleteOperationRequest struct {
	Op             TrialOperation `json:"op"`
	SearcherMetric float64        `json:"searcher_metric"`
}

// ReportProgressRequest reports trial progress as a fraction in [0, 1].
type ReportProgressRequest struct {
	Progress float64 `json:"progress"`
}

// ReportEarlyExitRequest reports that a trial exited before finishing its operations.
type ReportEarlyExitRequest struct {
	Reason ExitedReason `json:"reason"`
}

// RequestIDEvent carries the request id of the trial an event is about.
type RequestIDEvent struct {
	RequestID string `json:"request_id"`
}

// ValidationCompletedEvent is emitted when a trial finished a ValidateAfter operation.
type ValidationCompletedEvent struct {
	RequestID           string  `json:"request_id"`
	Metric              float64 `json:"metric"`
	ValidateAfterLength uint64  `json:"validate_after_length"`
}

// TrialExitedEarlyEvent is emitted when a trial exited before the searcher closed it.
type TrialExitedEarlyEvent struct {
	RequestID    string       `json:"request_id"`
	ExitedReason ExitedReason `json:"exited_reason"`
}

// TrialProgressEvent is emitted when a trial reports progress.
type TrialProgressEvent struct {
	RequestID    string  `json:"request_id"`
	PartialUnits float64 `json:"partial_units"`
}

// ExperimentInactiveEvent is emitted when the experiment stops being active.
type ExperimentInactiveEvent struct {
	ExperimentState string `json:"experiment_state"`
}

// SearcherEvent is one event in a custom searcher's event queue. Exactly one field besides ID is set.
type SearcherEvent struct {
	ID                  int                       `json:"id"`
	InitialOperations   *struct{}                 `json:"initial_operations,omitempty"`
	TrialCreated        *RequestIDEvent           `json:"trial_created,omitempty"`
	ValidationCompleted *ValidationCompletedEvent `json:"validation_completed,omitempty"`
	TrialClosed         *RequestIDEvent           `json:"trial_closed,omitempty"`
	TrialExitedEarly    *TrialExitedEarlyEvent    `json:"trial_exited_early,omitempty"`
	TrialProgress       *TrialProgressEvent       `json:"trial_progress,omitempty"`
	ExperimentInactive  *ExperimentInactiveEvent  `json:"experiment_inactive,omitempty"`
}

// GetSearcherEventsResponse lists pending searcher events.
type GetSearcherEventsResponse struct {
	SearcherEvents []SearcherEvent `json:"searcher_events"`
}

// CreateTrialOperation asks the controller to create a trial.
type CreateTrialOperation struct {
	RequestID   string `json:"request_id"`
	Hyperparams string `json:"hyperparams"`
	Seed        uint32 `json:"seed"`
	Checkpoint  string `json:"checkpoint,omitempty"`
}

// CloseTrialOperation asks the controller to close a trial.
type CloseTrialOperation struct {
	RequestID string `json:"request_id"`
}

// ShutDownOperation ends the experiment.
type ShutDownOperation struct {
	Cancel  bool `json:"cancel"`
	Failure bool `json:"failure"`
}

// SetSearcherProgressOperation reports overall search progress.
type SetSearcherProgressOperation struct {
	Progress float64 `json:"progress"`
}

// SearcherOperation is one operation posted by a custom searcher. Exactly one field is set.
type SearcherOperation struct {
	CreateTrial         *CreateTrialOperation         `json:"create_trial,omitempty"`
	TrialOperation      *TrialOperation               `json:"trial_operation,omitempty"`
	CloseTrial          *CloseTrialOperation          `json:"close_trial,omitempty"`
	ShutDown            *ShutDownOperation            `json:"shut_down,omitempty"`
	SetSearcherProgress *SetSearcherProgressOperation `json:"set_searcher_progress,omitempty"`
}

// PostSearcherOperationsRequest submits operations triggered by an event.
type PostSearcherOperationsRequest struct {
	SearcherOperations []SearcherOperation `json:"searcher_operations"`
	TriggeredByEvent   *SearcherEvent      `json:"triggered_by_event,omitempty"`
}
