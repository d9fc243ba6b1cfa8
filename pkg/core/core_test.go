package core

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/determined/harness/internal/testutils/fakemaster"
	"github.com/determined-ai/determined/harness/pkg/api"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/model"
	"github.com/determined-ai/determined/harness/pkg/storage"
)

func localRanks(t *testing.T, size int) []*distributed.Context {
	ctxs, err := distributed.NewLocalContexts(size, 1, distributed.WithCollectiveTimeout(10*time.Second))
	require.NoError(t, err)
	return ctxs
}

func onAllRanks(t *testing.T, n int, fn func(rank int) error) {
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error { return fn(rank) })
	}
	require.NoError(t, g.Wait())
}

func startMaster(t *testing.T) (*fakemaster.Master, *api.Session) {
	fm := fakemaster.New()
	srv := httptest.NewServer(fm)
	t.Cleanup(srv.Close)
	s, err := api.NewSession(srv.URL, "token", api.WithBackoff(time.Millisecond, 10*time.Millisecond))
	require.NoError(t, err)
	return fm, s
}

type recordingAPI struct {
	mu          sync.Mutex
	checkpoints []api.Checkpoint
	fail        error
}

func (r *recordingAPI) ReportCheckpoint(_ context.Context, ckpt api.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.checkpoints = append(r.checkpoints, ckpt)
	return nil
}

func trialInfo(url string) *model.ClusterInfo {
	return &model.ClusterInfo{
		MasterURL:    url,
		TaskID:       "task-1",
		AllocationID: "alloc-1",
		TaskType:     model.TaskTypeTrial,
		SlotIDs:      []int{0},
		Trial: &model.TrialInfo{
			TrialID:      7,
			ExperimentID: 3,
			Hparams:      map[string]interface{}{"global_batch_size": 32.0},
			Config: model.TrialConfig{
				Searcher:       model.TrialSearcherConfig{MaxLength: model.NewLengthInBatches(100)},
				SchedulingUnit: 10,
			},
		},
	}
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, ExitCode(nil))
	require.Equal(t, 0, ExitCode(errors.Wrap(ErrFinishedGracefully, "done")))
	require.Equal(t, 0, ExitCode(errors.Wrap(InvalidHP{Reason: "lr too high"}, "step 3")))
	require.Equal(t, 0, ExitCode(&InvalidHP{}))
	require.Equal(t, 1, ExitCode(errors.New("boom")))
	require.Equal(t, 1, ExitCode(&api.FatalConnectivityError{Attempts: 3}))
}

func TestInitDummy(t *testing.T) {
	ctx := context.Background()
	mgr := storage.NewSharedFSManager(t.TempDir())
	c, err := Init(ctx, nil, InitOptions{Storage: mgr, DummyOperationLength: 20})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	require.True(t, c.Distributed.IsChief())
	require.False(t, c.Preempt.Preempted())

	op, err := c.Searcher.Operations().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(20), op.Length())
	require.NoError(t, op.ReportCompleted(ctx, 0.5))
	_, err = c.Searcher.Operations().Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, c.Train.ReportTrainingMetrics(ctx, 10, map[string]interface{}{"loss": 1.0}, nil))
}

func TestInitRequiresDistributedForMultiSlot(t *testing.T) {
	info := trialInfo("http://127.0.0.1:1")
	info.SlotIDs = []int{0, 1}
	_, err := Init(context.Background(), info, InitOptions{Storage: storage.NewSharedFSManager(t.TempDir())})
	require.ErrorContains(t, err, "distributed context is required")
}

func TestInitInvalidUnits(t *testing.T) {
	info := trialInfo("http://127.0.0.1:1")
	info.Trial.Config.Searcher.MaxLength = model.NewLength(model.Epochs, 2)
	_, err := Init(context.Background(), info, InitOptions{Storage: storage.NewSharedFSManager(t.TempDir())})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestInitOnCluster(t *testing.T) {
	ctx := context.Background()
	fm, session := startMaster(t)
	fm.SetTrialOperations(7, 50)

	c, err := Init(ctx, trialInfo(session.MasterURL()), InitOptions{
		Session: session,
		Storage: storage.NewSharedFSManager(t.TempDir()),
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, c.Close())
	}()

	op, err := c.Searcher.Operations().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50), op.Length())
	require.NoError(t, op.ReportProgress(ctx, 25))
	require.NoError(t, op.ReportCompleted(ctx, 0.25))
	require.Equal(t, []float64{0.25}, fm.Progress(7))
	require.Len(t, fm.Completed(7), 1)
	require.Equal(t, 0.25, fm.Completed(7)[0].SearcherMetric)

	_, err = c.Searcher.Operations().Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.Equal(t, 0, c.HandleExit(ctx, InvalidHP{Reason: "nan loss"}))
	require.Equal(t, []api.ExitedReason{api.ExitedReasonInvalidHP}, fm.EarlyExits(7))
	require.Equal(t, 1, c.HandleExit(ctx, errors.New("crash")))
	require.Equal(t, 0, c.HandleExit(ctx, ErrFinishedGracefully))
}

func dirContents(t *testing.T, dir string) map[string]string {
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		bs, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(bs)
		return nil
	}))
	return out
}
