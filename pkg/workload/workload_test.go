package workload

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/core"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/logger"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/ptrs"
)

type completion struct {
	length uint64
	metric float64
}

type testTrial struct {
	core      *core.Context
	mu        sync.Mutex
	completed []completion
}

func newTestTrial(t *testing.T, lengths ...uint64) *testTrial {
	tt := &testTrial{}
	src := core.NewLocalOperations(func(op api.ValidateAfterOperation, metric float64) {
		tt.mu.Lock()
		defer tt.mu.Unlock()
		tt.completed = append(tt.completed, completion{op.Length, metric})
	}, nil)
	for _, l := range lengths {
		src.Push(api.ValidateAfterOperation{Length: l})
	}
	src.Close()
	units, err := model.NewUnitContext(model.Batches, 0, 0)
	require.NoError(t, err)
	d := distributed.NewDummy()
	tt.core = &core.Context{
		Distributed: d,
		Preempt:     core.NewDummyPreemptContext(d, core.PreemptModeWorkersAskChief),
		Searcher:    core.NewSearcherContext(d, src, units),
		Train:       core.NewDummyTrainContext(),
	}
	return tt
}

// drive runs the stream to exhaustion, answering each workload with respond.
func drive(t *testing.T, s Stream, respond func(Workload) Response) []Workload {
	ctx := context.Background()
	var out []Workload
	metric := 1.0
	for {
		w, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, *w)
		resp := Response{}
		if respond != nil {
			resp = respond(*w)
		}
		switch {
		case resp.InvalidHP:
		case w.Kind == ComputeValidationMetrics && resp.Validation == nil:
			metric /= 2
			resp.Validation = &ValidationResult{SearcherMetric: metric}
		case w.Kind == CheckpointModel && resp.Checkpoint == nil:
			resp.Checkpoint = &CheckpointResult{StorageID: "ckpt"}
		}
		require.NoError(t, s.Complete(ctx, *w, resp))
	}
}

type shape struct {
	kind    Kind
	batches int
}

func shapes(ws []Workload) []shape {
	out := make([]shape, len(ws))
	for i, w := range ws {
		out[i] = shape{w.Kind, w.NumBatches}
	}
	return out
}

func TestSequencerTrainCheckpointValidate(t *testing.T) {
	tt := newTestTrial(t, 30)
	seq, err := NewSequencer(SequencerConfig{
		TrialID:             1,
		SchedulingUnit:      10,
		MinCheckpointPeriod: ptrs.Ptr(model.NewLengthInBatches(30)),
	}, tt.core)
	require.NoError(t, err)

	ws := drive(t, seq, nil)
	require.Equal(t, []shape{
		{RunStep, 10}, {RunStep, 10}, {RunStep, 10}, {CheckpointModel, 0}, {ComputeValidationMetrics, 0},
	}, shapes(ws))
	for i, w := range ws[:3] {
		require.Equal(t, i*10, w.TotalBatchesProcessed)
		require.Equal(t, i, w.StepID)
	}
	require.Equal(t, []completion{{30, 0.5}}, tt.completed)
	require.Equal(t, ExitNone, seq.ExitReason())
	require.Equal(t, 30, seq.State().StepsCompleted)

	// Exhausted streams stay exhausted.
	_, err = seq.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestSequencerPeriodsAndPolicy(t *testing.T) {
	tt := newTestTrial(t, 25, 40)
	seq, err := NewSequencer(SequencerConfig{
		SchedulingUnit:           10,
		MinValidationPeriod:      ptrs.Ptr(model.NewLengthInBatches(20)),
		PerformInitialValidation: true,
		CheckpointPolicy:         model.CheckpointPolicyAll,
		SmallerIsBetter:          true,
	}, tt.core)
	require.NoError(t, err)

	require.Equal(t, []shape{
		{ComputeValidationMetrics, 0},
		{RunStep, 10}, {RunStep, 10},
		{ComputeValidationMetrics, 0}, {CheckpointModel, 0},
		{RunStep, 5},
		{ComputeValidationMetrics, 0}, {CheckpointModel, 0},
		{RunStep, 10}, {RunStep, 5},
		{ComputeValidationMetrics, 0}, {CheckpointModel, 0},
	}, shapes(drive(t, seq, nil)))
	require.Equal(t, []completion{{25, 0.125}, {40, 0.0625}}, tt.completed)
	require.Equal(t, 0.0625, *seq.State().BestValidation)
}

func TestSequencerBestPolicySkipsWorseValidations(t *testing.T) {
	tt := newTestTrial(t, 10, 20)
	seq, err := NewSequencer(SequencerConfig{SchedulingUnit: 10}, tt.core)
	require.NoError(t, err)

	metrics := []float64{0.5, 0.25}
	ws := drive(t, seq, func(w Workload) Response {
		if w.Kind != ComputeValidationMetrics {
			return Response{}
		}
		m := metrics[0]
		metrics = metrics[1:]
		return Response{Validation: &ValidationResult{SearcherMetric: m}}
	})
	// Larger is better: the second validation is worse and is not checkpointed, so a final
	// checkpoint follows.
	require.Equal(t, []shape{
		{RunStep, 10}, {ComputeValidationMetrics, 0}, {CheckpointModel, 0},
		{RunStep, 10}, {ComputeValidationMetrics, 0}, {CheckpointModel, 0},
	}, shapes(ws))
	require.Equal(t, 0.5, *seq.State().BestValidation)
}

func TestSequencerInvalidHP(t *testing.T) {
	tt := newTestTrial(t, 100)
	seq, err := NewSequencer(SequencerConfig{SchedulingUnit: 10}, tt.core)
	require.NoError(t, err)

	ws := drive(t, seq, func(w Workload) Response {
		return Response{InvalidHP: w.StepID == 2}
	})
	require.Equal(t, []shape{{RunStep, 10}, {RunStep, 10}, {RunStep, 10}}, shapes(ws))
	require.Equal(t, ExitInvalidHP, seq.ExitReason())
	require.Empty(t, tt.completed)
}

func TestSequencerStopRequested(t *testing.T) {
	tt := newTestTrial(t, 100)
	seq, err := NewSequencer(SequencerConfig{SchedulingUnit: 10}, tt.core)
	require.NoError(t, err)

	ws := drive(t, seq, func(w Workload) Response {
		return Response{StopRequested: w.StepID == 1}
	})
	require.Equal(t, []shape{{RunStep, 10}, {RunStep, 10}, {CheckpointModel, 0}}, shapes(ws))
	require.Equal(t, ExitStopRequested, seq.ExitReason())
}

type preemptNow struct{}

func (preemptNow) PreemptionSignal(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (preemptNow) AckPreemption(context.Context, string) error { return nil }

func TestSequencerPreemption(t *testing.T) {
	tt := newTestTrial(t, 100)
	seq, err := NewSequencer(SequencerConfig{SchedulingUnit: 10}, tt.core)
	require.NoError(t, err)
	ctx := context.Background()

	w, err := seq.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, RunStep, w.Kind)

	// The signal arrives mid-step; the step still completes.
	p := core.NewPreemptContext(preemptNow{}, "alloc", tt.core.Distributed, core.PreemptModeWorkersAskChief)
	p.Start(ctx)
	defer func() {
		require.NoError(t, p.Close())
	}()
	require.Eventually(t, p.Preempted, 5*time.Second, time.Millisecond)
	tt.core.Preempt = p
	require.NoError(t, seq.Complete(ctx, *w, Response{}))

	w, err = seq.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, CheckpointModel, w.Kind)
	require.NoError(t, seq.Complete(ctx, *w, Response{Checkpoint: &CheckpointResult{StorageID: "x"}}))
	_, err = seq.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, ExitPreempted, seq.ExitReason())
}

func TestSequencerResume(t *testing.T) {
	tt := newTestTrial(t, 50)
	seq, err := NewSequencer(SequencerConfig{SchedulingUnit: 20}, tt.core)
	require.NoError(t, err)
	ctx := context.Background()
	w, err := seq.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, seq.Complete(ctx, *w, Response{}))
	bs, err := seq.MarshalState()
	require.NoError(t, err)
	require.JSONEq(t,
		`{"steps_completed":20,"step_id":1,"last_checkpoint":20,"last_validation":-1}`, string(bs))

	// A new process resumes from the stored position with the same operation.
	tt2 := newTestTrial(t, 50)
	resumed, err := NewSequencer(SequencerConfig{SchedulingUnit: 20}, tt2.core)
	require.NoError(t, err)
	require.NoError(t, resumed.UnmarshalState(bs))
	require.Equal(t, 20, resumed.State().StepsCompleted)
	require.Equal(t, []shape{{RunStep, 20}, {RunStep, 10}, {ComputeValidationMetrics, 0}, {CheckpointModel, 0}},
		shapes(drive(t, resumed, nil)))
}

func TestSequencerInvalidPeriod(t *testing.T) {
	tt := newTestTrial(t)
	_, err := NewSequencer(SequencerConfig{
		MinValidationPeriod: ptrs.Ptr(model.NewLength(model.Epochs, 1)),
	}, tt.core)
	require.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestListStreamFIFO(t *testing.T) {
	ctx := context.Background()
	a := Workload{Kind: RunStep, StepID: 0, NumBatches: 5}
	b := Workload{Kind: RunStep, StepID: 1, NumBatches: 5}
	s := NewListStream(a, b)

	w, err := s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, a, *w)
	require.Panics(t, func() { _, _ = s.Next(ctx) })
	require.Panics(t, func() { _ = s.Complete(ctx, b, Response{}) })
	require.NoError(t, s.Complete(ctx, a, Response{}))
	require.Panics(t, func() { _ = s.Complete(ctx, a, Response{}) })

	w, err = s.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, b, *w)
	require.NoError(t, s.Complete(ctx, b, Response{StopRequested: true}))
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, s.Responses(), 2)
}

func TestMakeMetrics(t *testing.T) {
	m := MakeMetrics([]Metrics{
		{"loss": 1.0, "acc": 0.5, "note": "a"},
		{"loss": 3.0, "note": "b"},
	})
	require.Equal(t, Metrics{"loss": 2.0, "acc": 0.5, "note": "b"}, m)
}

func TestAverageAcrossRanks(t *testing.T) {
	const size = 4
	dists, err := distributed.NewLocalContexts(size, 2, distributed.WithCollectiveTimeout(10*time.Second))
	require.NoError(t, err)

	var buf bytes.Buffer
	restore := logger.Capture(&buf)
	defer restore()

	results := make([]Metrics, size)
	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			m := Metrics{"loss": float64(rank + 1), "label": []interface{}{"rank", float64(rank)}}
			out, err := AverageAcrossRanks(context.Background(), dists[rank], m)
			results[rank] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 2.5, results[0]["loss"])
	require.Equal(t, []interface{}{"rank", 0.0}, results[0]["label"])
	for _, r := range results[1:] {
		require.Nil(t, r)
	}
	require.True(t, strings.Contains(buf.String(), "Skipping averaging metric"))
	require.True(t, strings.Contains(buf.String(), "differs across ranks"))
}

func TestAverageAcrossRanksDropsWorkerOnlyMetrics(t *testing.T) {
	const size = 2
	dists, err := distributed.NewLocalContexts(size, 1, distributed.WithCollectiveTimeout(10*time.Second))
	require.NoError(t, err)

	var buf bytes.Buffer
	restore := logger.Capture(&buf)
	defer restore()
	level := logrus.GetLevel()
	logrus.SetLevel(logrus.DebugLevel)
	defer logrus.SetLevel(level)

	results := make([]Metrics, size)
	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		rank := rank
		g.Go(func() error {
			m := Metrics{"loss": float64(rank + 1)}
			if rank == 1 {
				m["grad_norm"] = 3.0
			}
			out, err := AverageAcrossRanks(context.Background(), dists[rank], m)
			results[rank] = out
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, Metrics{"loss": 1.5}, results[0])
	require.Contains(t, buf.String(), "rank 1 reported a metric the chief did not")
	require.Contains(t, buf.String(), "grad_norm")
}
