package closer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations attempted on a resource that is already
// closing or closed. It is also the failure used to force-resolve outstanding
// operations during an immediate close.
var ErrClosed = errors.New("resource is closed")

// FutureListener is invoked exactly once with the resolved Future.
type FutureListener func(f *Future)

// Future is a one-shot completion signal. It starts out pending, is resolved
// exactly once (successfully or with an error), and supports any number of
// independent waiters and listeners.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	err       error
	listeners []FutureListener
}

// NewFuture creates a pending Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a Future that has already been resolved with err
func ResolvedFuture(err error) *Future {
	f := NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the Future with the given error (nil for success). Only the
// first call has any effect; it returns true if this call resolved the Future.
// Listeners run on the resolving goroutine, after the lock is released.
func (f *Future) Resolve(err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(f)
	}
	return true
}

// AddListener registers l to be called when the Future resolves. If it has
// already resolved, l is called immediately on the calling goroutine.
func (f *Future) AddListener(l FutureListener) {
	f.mu.Lock()
	if !f.resolved {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	l(f)
}

// Done returns a chan that is closed when the Future resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone returns true if the Future has resolved
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error. It is always nil while the Future is pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the Future resolves and returns its error
func (f *Future) Wait() error {
	<-f.done
	return f.Err()
}

// WaitContext blocks until the Future resolves or ctx is done. A cancelled
// wait does not affect the Future.
func (f *Future) WaitContext(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllOf returns a Future that resolves once every one of futures has resolved,
// regardless of their outcome. It resolves with the first error observed, if any.
func AllOf(futures ...*Future) *Future {
	all := NewFuture()
	var mu sync.Mutex
	var firstErr error
	pending := 1
	release := func(f *Future) {
		mu.Lock()
		if f != nil && firstErr == nil {
			firstErr = f.Err()
		}
		pending--
		last := pending == 0
		err := firstErr
		mu.Unlock()
		if last {
			all.Resolve(err)
		}
	}
	for _, f := range futures {
		if f == nil {
			continue
		}
		mu.Lock()
		pending++
		mu.Unlock()
		f.AddListener(release)
	}
	release(nil)
	return all
}
