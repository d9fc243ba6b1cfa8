package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	back "github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/internal/prom"
	"github.com/determined-ai/determined/harness/pkg/distributed"
	"github.com/determined-ai/determined/harness/pkg/syncx/waitgroupx"
)

const (
	preemptPollTimeout = 60 * time.Second
	preemptMaxBackoff  = 30 * time.Second
)

// PreemptMode decides which ranks talk to the controller about preemption.
type PreemptMode string

const (
	// PreemptModeChiefOnly watches the controller from the chief only. ShouldPreempt is a
	// collective that broadcasts the chief's answer.
	PreemptModeChiefOnly PreemptMode = "chief_only"
	// PreemptModeWorkersAskChief watches the controller from every rank. ShouldPreempt is a
	// collective that tells every rank to stop as soon as any rank has seen the signal.
	PreemptModeWorkersAskChief PreemptMode = "workers_ask_chief"
)

// PreemptState is the lifecycle state of a PreemptContext.
type PreemptState int32

// The states of a PreemptContext.
const (
	PreemptRunning PreemptState = iota
	PreemptRequested
	PreemptClosed
)

func (s PreemptState) String() string {
	switch s {
	case PreemptRunning:
		return "Running"
	case PreemptRequested:
		return "PreemptRequested"
	case PreemptClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PreemptionAPI is the part of the controller API the preemption watcher uses.
type PreemptionAPI interface {
	PreemptionSignal(ctx context.Context, allocationID string, timeout time.Duration) (bool, error)
	AckPreemption(ctx context.Context, allocationID string) error
}

// PreemptContext learns from the controller whether the task should stop. Preemption is
// cooperative: nothing is interrupted, callers poll at safe points.
type PreemptContext struct {
	api          PreemptionAPI
	allocationID string
	dist         *distributed.Context
	mode         PreemptMode
	pollTimeout  time.Duration
	log          *log.Entry

	flag  atomic.Bool
	state atomic.Int32
	done  chan struct{}

	mu      sync.Mutex
	watcher *waitgroupx.Group
}

// NewPreemptContext returns a PreemptContext watching allocationID through api. Call Start to begin
// watching.
func NewPreemptContext(
	api PreemptionAPI, allocationID string, dist *distributed.Context, mode PreemptMode,
) *PreemptContext {
	return &PreemptContext{
		api:          api,
		allocationID: allocationID,
		dist:         dist,
		mode:         mode,
		pollTimeout:  preemptPollTimeout,
		done:         make(chan struct{}),
		log: log.WithFields(log.Fields{
			"component":  "preempt",
			"allocation": allocationID,
			"mode":       mode,
		}),
	}
}

// NewDummyPreemptContext returns a PreemptContext that is never preempted.
func NewDummyPreemptContext(dist *distributed.Context, mode PreemptMode) *PreemptContext {
	return NewPreemptContext(nil, "", dist, mode)
}

func (p *PreemptContext) watches() bool {
	if p.api == nil {
		return false
	}
	return p.mode == PreemptModeWorkersAskChief || p.dist.IsChief()
}

// Start launches the background watcher on the ranks that watch in this mode. It is a no-op when
// called again or after Close.
func (p *PreemptContext) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil || p.State() == PreemptClosed || !p.watches() {
		return
	}
	p.watcher = waitgroupx.WithContext(ctx)
	p.watcher.Go(p.watch)
}

func (p *PreemptContext) watch(ctx context.Context) {
	bo := back.NewExponentialBackOff()
	bo.MaxInterval = preemptMaxBackoff
	bo.MaxElapsedTime = 0
	for {
		preempt, err := p.api.PreemptionSignal(ctx, p.allocationID, p.pollTimeout)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			wait := bo.NextBackOff()
			p.log.WithError(err).Warnf("failed to poll for preemption, retrying in %s", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if !preempt {
			continue
		}

		p.log.Info("preemption requested by the controller")
		prom.PreemptionSignals.Inc()
		p.request()
		if p.dist.IsChief() {
			if err := p.api.AckPreemption(ctx, p.allocationID); err != nil {
				p.log.WithError(err).Error("failed to acknowledge preemption")
			}
		}
		return
	}
}

func (p *PreemptContext) request() {
	if p.flag.CompareAndSwap(false, true) {
		p.state.CompareAndSwap(int32(PreemptRunning), int32(PreemptRequested))
		close(p.done)
	}
}

// Preempted reads the local preemption flag without blocking or communicating. Once true it
// stays true.
func (p *PreemptContext) Preempted() bool {
	return p.flag.Load()
}

// Done is closed when this rank learns it should preempt.
func (p *PreemptContext) Done() <-chan struct{} {
	return p.done
}

// ShouldPreempt reports whether the task should stop. It is a collective in both modes and every
// rank must call it together, so all ranks get the same answer at the same workload boundary. In
// ChiefOnly mode the chief's flag is broadcast; in WorkersAskChief mode the flags of all ranks are
// gathered and any true one preempts everyone. Preempted is the non-collective local read.
func (p *PreemptContext) ShouldPreempt(ctx context.Context) (bool, error) {
	var preempt bool
	switch p.mode {
	case PreemptModeChiefOnly:
		chief, err := distributed.Broadcast(ctx, p.dist, p.Preempted())
		if err != nil {
			return false, err
		}
		preempt = chief
	default:
		flags, err := distributed.AllGather(ctx, p.dist, p.Preempted())
		if err != nil {
			return false, err
		}
		for _, f := range flags {
			preempt = preempt || f
		}
	}
	if preempt {
		p.request()
	}
	return preempt, nil
}

// State returns the lifecycle state.
func (p *PreemptContext) State() PreemptState {
	return PreemptState(p.state.Load())
}

// Close stops the watcher and waits for it to exit. The preemption flag keeps its value.
func (p *PreemptContext) Close() error {
	p.state.Store(int32(PreemptClosed))
	p.mu.Lock()
	w := p.watcher
	p.mu.Unlock()
	if w != nil {
		w.Close()
	}
	return nil
}
