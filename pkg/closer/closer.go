// Package closer coordinates graceful and immediate shutdown of nested,
// asynchronously operating resources.
//
// Every resource moves monotonically through Opened, Graceful, Immediate and
// Closed. A graceful close quiesces the resource (PreClose), runs its graceful
// step and, once that step's Future resolves, runs the immediate step. An
// immediate close skips the graceful step. The immediate step runs at most once
// no matter how many goroutines call CloseAsync concurrently, and the
// resource's close Future resolves exactly once.
package closer

import (
	"fmt"
	"sync/atomic"

	"github.com/sammck-go/logger"
)

// State is the lifecycle state of a closeable resource
type State int32

const (
	// StateOpened is the initial state
	StateOpened State = iota

	// StateGraceful means a graceful close is in progress
	StateGraceful

	// StateImmediate means the immediate close step has been started
	StateImmediate

	// StateClosed means the resource is completely closed
	StateClosed
)

var stateNames = [...]string{"opened", "graceful", "immediate", "closed"}

func (s State) String() string {
	if s < StateOpened || s > StateClosed {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Closeable is implemented by every resource whose shutdown is coordinated by
// this package.
type Closeable interface {
	// CloseAsync starts closing the resource and returns its close Future. The
	// same Future is returned by every call; calls after the first only matter
	// if they escalate a graceful close to an immediate one.
	CloseAsync(immediate bool) *Future

	// CloseFuture returns the Future that resolves when the resource is closed
	CloseFuture() *Future

	// IsClosing returns true once a close of any kind has begun
	IsClosing() bool

	// IsClosed returns true once the resource is completely closed
	IsClosed() bool
}

// ImmediateCloser is the teardown step of a resource. It is called at most
// once. It may return a pending Future if teardown completes asynchronously, or
// nil if it is already complete.
type ImmediateCloser interface {
	CloseImmediately() *Future
}

// GracefulCloser is optionally implemented by resources that need to drain or
// quiesce before teardown. The returned Future (nil means nothing is pending)
// gates the immediate step.
type GracefulCloser interface {
	CloseGracefully() *Future
}

// PreCloser is optionally implemented by resources that need to stop accepting
// new work as soon as a close begins.
type PreCloser interface {
	PreClose()
}

// Base implements Closeable on behalf of the object that embeds it. The
// embedding object passes itself to InitBase as the ImmediateCloser and may
// also implement GracefulCloser and PreCloser.
type Base struct {
	// Logger is the Logger used for output from this resource
	logger.Logger

	state   atomic.Int32
	future  *Future
	handler ImmediateCloser
}

// InitBase initializes a Base in place
func (b *Base) InitBase(log logger.Logger, handler ImmediateCloser) {
	if log == nil {
		log = logger.NilLogger
	}
	b.Logger = log
	b.handler = handler
	b.future = NewFuture()
}

// NewBase creates a Base on the heap for handler
func NewBase(log logger.Logger, handler ImmediateCloser) *Base {
	b := &Base{}
	b.InitBase(log, handler)
	return b
}

// State returns the current lifecycle state
func (b *Base) State() State {
	return State(b.state.Load())
}

// CloseFuture returns the Future that resolves when the resource is closed
func (b *Base) CloseFuture() *Future {
	return b.future
}

// IsOpen returns true if no close has been started
func (b *Base) IsOpen() bool {
	return b.State() == StateOpened
}

// IsClosing returns true once a close of any kind has begun
func (b *Base) IsClosing() bool {
	return b.State() != StateOpened
}

// IsClosed returns true once the resource is completely closed
func (b *Base) IsClosed() bool {
	return b.State() == StateClosed
}

// CloseAsync starts a graceful (immediate == false) or immediate close
func (b *Base) CloseAsync(immediate bool) *Future {
	if immediate {
		for {
			s := b.State()
			if s >= StateImmediate {
				return b.future
			}
			if b.state.CompareAndSwap(int32(s), int32(StateImmediate)) {
				b.DLogf("Closing immediately (from %s)", s)
				if s == StateOpened {
					b.preClose()
				}
				b.closeImmediately()
				return b.future
			}
		}
	}

	if !b.state.CompareAndSwap(int32(StateOpened), int32(StateGraceful)) {
		return b.future
	}
	b.DLogf("Closing gracefully")
	b.preClose()
	grace := b.closeGracefully()
	if grace == nil {
		b.escalate()
	} else {
		grace.AddListener(func(*Future) { b.escalate() })
	}
	return b.future
}

// Close closes gracefully and waits for the close to complete
func (b *Base) Close() error {
	return b.CloseAsync(false).Wait()
}

// escalate moves a graceful close on to its immediate step, unless an
// immediate close got there first
func (b *Base) escalate() {
	if b.state.CompareAndSwap(int32(StateGraceful), int32(StateImmediate)) {
		b.closeImmediately()
	}
}

func (b *Base) preClose() {
	pc, ok := b.handler.(PreCloser)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.WLogf("PreClose panicked, ignoring: %v", r)
		}
	}()
	pc.PreClose()
}

func (b *Base) closeGracefully() (f *Future) {
	gc, ok := b.handler.(GracefulCloser)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			b.WLogf("CloseGracefully panicked, continuing with immediate close: %v", r)
			f = nil
		}
	}()
	return gc.CloseGracefully()
}

func (b *Base) closeImmediately() {
	var f *Future
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.WLogf("CloseImmediately panicked: %v", r)
				f = ResolvedFuture(fmt.Errorf("close panicked: %v", r))
			}
		}()
		f = b.handler.CloseImmediately()
	}()
	if f == nil {
		b.finish(nil)
		return
	}
	f.AddListener(func(f *Future) { b.finish(f.Err()) })
}

func (b *Base) finish(err error) {
	b.state.Store(int32(StateClosed))
	b.DLogf("Closed")
	b.future.Resolve(err)
}
