package core

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/pkg/api"
)

// TrainAPI is the part of the controller API used to report on a trial.
type TrainAPI interface {
	ReportTrialMetrics(ctx context.Context, m api.TrialMetrics, group string) error
	ReportTrialProgress(ctx context.Context, trialID int, progress float64) error
	ReportEarlyExit(ctx context.Context, trialID int, reason api.ExitedReason) error
}

// TrainContext reports metrics, progress and early exits of a trial. Callers report from the chief
// only.
type TrainContext struct {
	api        TrainAPI
	trialID    int
	trialRunID int
	log        *log.Entry
}

// NewTrainContext returns a TrainContext for a trial run.
func NewTrainContext(a TrainAPI, trialID, trialRunID int) *TrainContext {
	return &TrainContext{
		api:        a,
		trialID:    trialID,
		trialRunID: trialRunID,
		log:        log.WithFields(log.Fields{"component": "train", "trial": trialID}),
	}
}

// NewDummyTrainContext returns a TrainContext that logs instead of reporting.
func NewDummyTrainContext() *TrainContext {
	return NewTrainContext(nil, 0, 0)
}

func (t *TrainContext) reportMetrics(
	ctx context.Context, group string, steps int, avg map[string]interface{},
	batches []map[string]interface{},
) error {
	if t.api == nil {
		t.log.Infof("%s metrics after %d batches: %v", group, steps, avg)
		return nil
	}
	return t.api.ReportTrialMetrics(ctx, api.TrialMetrics{
		TrialID:        t.trialID,
		TrialRunID:     t.trialRunID,
		StepsCompleted: steps,
		Metrics:        api.MetricsBody{AvgMetrics: avg, BatchMetrics: batches},
	}, group)
}

// ReportTrainingMetrics reports averaged training metrics, and optionally the per-batch values,
// after steps batches in total.
func (t *TrainContext) ReportTrainingMetrics(
	ctx context.Context, steps int, avg map[string]interface{}, batches []map[string]interface{},
) error {
	return t.reportMetrics(ctx, api.MetricsGroupTraining, steps, avg, batches)
}

// ReportValidationMetrics reports validation metrics after steps batches in total.
func (t *TrainContext) ReportValidationMetrics(
	ctx context.Context, steps int, metrics map[string]interface{},
) error {
	return t.reportMetrics(ctx, api.MetricsGroupValidation, steps, metrics, nil)
}

// ReportProgress reports the fraction of the trial's work done.
func (t *TrainContext) ReportProgress(ctx context.Context, fraction float64) error {
	if t.api == nil {
		t.log.Debugf("progress: %.2f", fraction)
		return nil
	}
	return t.api.ReportTrialProgress(ctx, t.trialID, fraction)
}

// ReportEarlyExit tells the controller the trial is stopping before the searcher closed it.
func (t *TrainContext) ReportEarlyExit(ctx context.Context, reason api.ExitedReason) error {
	if t.api == nil {
		t.log.Infof("exiting early: %s", reason)
		return nil
	}
	return t.api.ReportEarlyExit(ctx, t.trialID, reason)
}
