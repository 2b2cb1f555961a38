package server

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coordinator gates the start of new work once shutdown begins and waits
// for work already started to finish.
//
// The stop flag is read without locking on the listener's hot path. Begin
// and Stop additionally serialize on a mutex so that no handler can
// register after Stop has returned, which keeps Wait from racing a late Add.
type Coordinator struct {
	stopping atomic.Bool
	mu       sync.Mutex
	inflight sync.WaitGroup
	active   atomic.Int64
}

// NewCoordinator returns a coordinator that accepts work.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Stopping reports whether Stop has been called.
func (c *Coordinator) Stopping() bool {
	return c.stopping.Load()
}

// Stop sets the stop flag. It reports whether this call set it.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping.CompareAndSwap(false, true)
}

// Begin registers one unit of in-flight work. It returns false, registering
// nothing, once Stop has been called.
func (c *Coordinator) Begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() {
		return false
	}
	c.inflight.Add(1)
	c.active.Add(1)
	return true
}

// Done marks one unit of work registered by Begin as finished.
func (c *Coordinator) Done() {
	c.active.Add(-1)
	c.inflight.Done()
}

// InFlight returns the number of registered units not yet done.
func (c *Coordinator) InFlight() int64 {
	return c.active.Load()
}

// Wait blocks until all registered work has finished or ctx is done.
// Once stopped with nothing in flight it returns nil even if ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	if c.stopping.Load() && c.active.Load() == 0 {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
