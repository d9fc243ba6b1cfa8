// Package waitgroupx runs background goroutines bound to a cancelable context.
package waitgroupx

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group is a wait group whose members share a context canceled by Cancel or Close.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// WithContext creates a Group as a child of the given context.
func WithContext(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{inner: &errgroup.Group{}, ctx: ctx, cancel: cancel}
}

// Go launches f in a goroutine as a member of the group.
func (g *Group) Go(f func(ctx context.Context)) {
	g.inner.Go(func() error {
		f(g.ctx)
		return nil
	})
}

// Wait for all members of the group to return.
func (g *Group) Wait() { _ = g.inner.Wait() }

// Cancel the group, without waiting for it to exit.
func (g *Group) Cancel() { g.cancel() }

// Close the group by canceling it and waiting for it.
func (g *Group) Close() {
	g.cancel()
	g.Wait()
}
