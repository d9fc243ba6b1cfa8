// Package distributed lets the worker processes of one trial agree on values. Every collective
// must be called by every rank in the same order; a rank that skips a collective leaves its peers
// blocked until the collective timeout fires.
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/determined/harness/internal/prom"
)

// ErrCollectiveTimeout is returned when a collective did not complete within the configured bound,
// usually because a peer never reached it.
var ErrCollectiveTimeout = errors.New("collective timed out waiting for peers")

// ErrClosed is returned by collectives after the context or its transport was closed.
var ErrClosed = errors.New("distributed context closed")

// Transport moves opaque payloads between the ranks of a group.
type Transport interface {
	// AllGather contributes data and returns the contribution of every rank, indexed by rank.
	AllGather(ctx context.Context, data []byte) ([][]byte, error)
	Close() error
}

// Context is a worker's handle on its peers.
type Context struct {
	topo      Topology
	transport Transport
	timeout   time.Duration
	log       *log.Entry

	mu     sync.Mutex
	closed bool
}

// Option configures a Context.
type Option func(*Context)

// WithCollectiveTimeout bounds how long any single collective may block.
func WithCollectiveTimeout(d time.Duration) Option {
	return func(c *Context) {
		c.timeout = d
	}
}

// New builds a Context for the given topology. A transport is required unless the topology has a
// single rank.
func New(topo Topology, transport Transport, opts ...Option) (*Context, error) {
	if errs := topo.Validate(); len(errs) > 0 {
		return nil, errors.Wrap(multierror.Append(nil, errs...), "invalid topology")
	}
	if transport == nil && topo.Size > 1 {
		return nil, errors.Errorf("a transport is required for %d ranks", topo.Size)
	}
	c := &Context{
		topo:      topo,
		transport: transport,
		log:       log.WithFields(log.Fields{"component": "distributed", "rank": topo.Rank}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewDummy returns the Context of a worker without peers. Its collectives return immediately.
func NewDummy() *Context {
	c, err := New(SingleProcess, nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Topology returns the position of this worker among its peers.
func (c *Context) Topology() Topology { return c.topo }

// Rank is the global rank of this worker.
func (c *Context) Rank() int { return c.topo.Rank }

// Size is the number of workers.
func (c *Context) Size() int { return c.topo.Size }

// LocalRank is the rank of this worker on its node.
func (c *Context) LocalRank() int { return c.topo.LocalRank }

// LocalSize is the number of workers on this node.
func (c *Context) LocalSize() int { return c.topo.LocalSize }

// CrossRank is the rank of this worker's node.
func (c *Context) CrossRank() int { return c.topo.CrossRank }

// CrossSize is the number of nodes.
func (c *Context) CrossSize() int { return c.topo.CrossSize }

// IsChief is true for the worker with global rank 0.
func (c *Context) IsChief() bool { return c.topo.Rank == 0 }

// IsLocalChief is true for the worker with local rank 0 on each node.
func (c *Context) IsLocalChief() bool { return c.topo.LocalRank == 0 }

// Close releases the transport. Collectives fail with ErrClosed afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

func (c *Context) allGather(ctx context.Context, op string, data []byte) ([][]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if c.topo.Size == 1 {
		return [][]byte{data}, nil
	}

	defer prom.Time(prom.CollectiveSeconds.WithLabelValues(op))()
	cctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, err := c.transport.AllGather(cctx, data)
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded):
		c.log.Errorf("%s did not complete within %s; a peer may have crashed or diverged", op, c.timeout)
		return nil, errors.Wrapf(ErrCollectiveTimeout, "%s after %s", op, c.timeout)
	case err != nil:
		return nil, errors.Wrapf(err, "%s", op)
	case len(out) != c.topo.Size:
		return nil, errors.Errorf("%s returned %d contributions for %d ranks", op, len(out), c.topo.Size)
	}
	return out, nil
}

func decodeAll[T any](raw [][]byte) ([]T, error) {
	out := make([]T, len(raw))
	for i, bs := range raw {
		if err := json.Unmarshal(bs, &out[i]); err != nil {
			return nil, errors.Wrapf(err, "decoding contribution of rank %d", i)
		}
	}
	return out, nil
}

// AllGather collects v from every rank and returns the values ordered by rank, on every rank.
func AllGather[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding allgather value")
	}
	raw, err := c.allGather(ctx, "allgather", bs)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](raw)
}

// Gather collects v from every rank. The chief receives the values ordered by rank; every other
// rank receives nil.
func Gather[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding gather value")
	}
	raw, err := c.allGather(ctx, "gather", bs)
	if err != nil || !c.IsChief() {
		return nil, err
	}
	return decodeAll[T](raw)
}

// Broadcast returns the chief's v on every rank. Values passed by other ranks are ignored.
func Broadcast[T any](ctx context.Context, c *Context, v T) (T, error) {
	var out T
	payload := []byte("null")
	if c.IsChief() {
		bs, err := json.Marshal(v)
		if err != nil {
			return out, errors.Wrap(err, "encoding broadcast value")
		}
		payload = bs
	}
	raw, err := c.allGather(ctx, "broadcast", payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw[0], &out); err != nil {
		return out, errors.Wrap(err, "decoding broadcast value")
	}
	return out, nil
}

// AllGatherLocal collects v from the ranks on this node and returns them ordered by local rank.
// Like every collective it must be called by all ranks, including those on other nodes.
func AllGatherLocal[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	all, err := AllGather(ctx, c, v)
	if err != nil {
		return nil, err
	}
	first, last := c.topo.localPeers()
	return all[first:last], nil
}

// GatherLocal is AllGatherLocal where only the local chief receives the values.
func GatherLocal[T any](ctx context.Context, c *Context, v T) ([]T, error) {
	local, err := AllGatherLocal(ctx, c, v)
	if err != nil || !c.IsLocalChief() {
		return nil, err
	}
	return local, nil
}

// Barrier blocks until every rank reached it.
func Barrier(ctx context.Context, c *Context) error {
	_, err := c.allGather(ctx, "barrier", []byte("null"))
	return err
}

func (c *Context) String() string {
	return fmt.Sprintf("rank %d/%d (local %d/%d, node %d/%d)", c.topo.Rank, c.topo.Size,
		c.topo.LocalRank, c.topo.LocalSize, c.topo.CrossRank, c.topo.CrossSize)
}
