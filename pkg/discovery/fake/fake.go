// Package fake provides an in-memory discovery.Adapter implementation for
// testing the Reconciler without a real mDNS stack.
package fake

import (
	"context"
	"sync"

	"github.com/svcbridge/svcbridge/pkg/discovery"
)

// Adapter is a fake discovery.Adapter whose events are driven entirely by
// test code calling Emit.
type Adapter struct {
	mu     sync.Mutex
	ifaces map[int]string
	ch     chan discovery.Event
	closed bool
}

// New returns a fake Adapter with the given index-to-name mapping for
// IfaceName, and a buffered event channel so Emit never blocks on a slow
// consumer in tests.
func New(ifaces map[int]string) *Adapter {
	return &Adapter{
		ifaces: ifaces,
		ch:     make(chan discovery.Event, 256),
	}
}

// Events implements discovery.Adapter.
func (a *Adapter) Events(ctx context.Context) <-chan discovery.Event {
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.closed {
			a.closed = true
			close(a.ch)
		}
	}()
	return a.ch
}

// IfaceName implements discovery.Adapter.
func (a *Adapter) IfaceName(idx int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ifaces[idx]
}

// Emit delivers ev to any active Events consumer. It is a no-op after the
// adapter has been closed via context cancellation.
func (a *Adapter) Emit(ev discovery.Event) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.ch <- ev
}
