package core

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/model"
)

func batchUnits(t *testing.T) model.UnitContext {
	u, err := model.NewUnitContext(model.Batches, 0, 0)
	require.NoError(t, err)
	return u
}

func TestSearcherOperationsFromMaster(t *testing.T) {
	ctx := context.Background()
	fm, session := startMaster(t)
	fm.SetTrialOperations(4, 10, 20)

	s := NewSearcherContext(distributed.NewDummy(), NewMasterOperations(session, 4, 20), batchUnits(t))
	ops := s.Operations()

	op, err := ops.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), op.Length())
	require.PanicsWithError(t,
		"next operation requested before completing operation 10: protocol violation",
		func() { _, _ = ops.Next(ctx) })
	require.NoError(t, op.ReportCompleted(ctx, 1.5))
	require.True(t, op.Completed())
	require.Panics(t, func() { _ = op.ReportCompleted(ctx, 1.5) })

	op, err = ops.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20), op.Length())
	require.NoError(t, op.ReportProgress(ctx, 40))
	require.NoError(t, op.ReportCompleted(ctx, 0.5))

	_, err = ops.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	_, err = ops.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	completed := fm.Completed(4)
	require.Len(t, completed, 2)
	require.Equal(t, uint64(10), completed[0].Op.ValidateAfter.Length)
	require.Equal(t, 0.5, completed[1].SearcherMetric)
	require.Equal(t, []float64{1}, fm.Progress(4))
}

func TestSearcherOperationsBroadcast(t *testing.T) {
	const size = 3
	ctx := context.Background()
	dists := localRanks(t, size)

	var mu sync.Mutex
	var metrics []float64
	source := NewLocalOperations(func(_ api.ValidateAfterOperation, metric float64) {
		mu.Lock()
		defer mu.Unlock()
		metrics = append(metrics, metric)
	}, nil)
	source.Push(api.ValidateAfterOperation{Length: 5})
	source.Push(api.ValidateAfterOperation{Length: 9})
	source.Close()

	seen := make([][]uint64, size)
	onAllRanks(t, size, func(rank int) error {
		// Workers get a source that must never be used.
		var src OperationSource = source
		if rank != 0 {
			src = nil
		}
		s := NewSearcherContext(dists[rank], src, batchUnits(t))
		ops := s.Operations()
		for {
			op, err := ops.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				return err
			}
			seen[rank] = append(seen[rank], op.Length())
			if err := op.ReportCompleted(ctx, float64(op.Length())*10); err != nil {
				return err
			}
		}
	})
	for rank := 0; rank < size; rank++ {
		require.Equal(t, []uint64{5, 9}, seen[rank])
	}
	require.Equal(t, []float64{50, 90}, metrics)
}

func TestLocalOperationsBlocksUntilPushed(t *testing.T) {
	l := NewLocalOperations(nil, nil)
	got := make(chan uint64)
	go func() {
		op, err := l.Next(context.Background())
		if err == nil && op != nil {
			got <- op.Length
		}
		close(got)
	}()
	l.Push(api.ValidateAfterOperation{Length: 3})
	require.Equal(t, uint64(3), <-got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)

	l.Close()
	op, err := l.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, op)
}
