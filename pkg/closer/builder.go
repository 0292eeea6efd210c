package closer

import (
	"fmt"
	"sync/atomic"

	"github.com/sammck-go/logger"
)

// closeSafely issues a close to c and always returns a Future. A child that
// panics while being closed is treated as closed with an error, so it can
// never keep its siblings open.
func closeSafely(log logger.Logger, c Closeable, immediate bool) (f *Future) {
	defer func() {
		if r := recover(); r != nil {
			log.WLogf("Close of %v panicked, treating as closed: %v", c, r)
			f = ResolvedFuture(fmt.Errorf("close of %v panicked: %v", c, r))
		}
	}()
	f = c.CloseAsync(immediate)
	if f == nil {
		f = ResolvedFuture(nil)
	}
	return f
}

func orNil(log logger.Logger) logger.Logger {
	if log == nil {
		return logger.NilLogger
	}
	return log
}

// sequentialCloseable closes its children one at a time, in order
type sequentialCloseable struct {
	Base
	children []Closeable
}

// Sequential returns a Closeable that closes children one at a time in list
// order. Each child is closed only after the previous child's Future resolves.
// Nil children are skipped.
func Sequential(log logger.Logger, children ...Closeable) Closeable {
	c := &sequentialCloseable{children: children}
	c.InitBase(orNil(log).ForkLogStr("sequential"), c)
	return c
}

func (c *sequentialCloseable) String() string {
	return fmt.Sprintf("sequential(%d)", len(c.children))
}

func (c *sequentialCloseable) CloseGracefully() *Future {
	return c.run(false)
}

func (c *sequentialCloseable) CloseImmediately() *Future {
	return c.run(true)
}

func (c *sequentialCloseable) run(immediate bool) *Future {
	done := NewFuture()
	var next func(i int)
	next = func(i int) {
		for ; i < len(c.children); i++ {
			child := c.children[i]
			if child == nil {
				continue
			}
			following := i + 1
			closeSafely(c.Logger, child, immediate).AddListener(func(*Future) {
				next(following)
			})
			return
		}
		done.Resolve(nil)
	}
	next(0)
	return done
}

// parallelCloseable closes all of its children at once
type parallelCloseable struct {
	Base
	children []Closeable
}

// Parallel returns a Closeable that issues close to every child at once and
// resolves when every child has resolved. No ordering among children is implied.
func Parallel(log logger.Logger, children ...Closeable) Closeable {
	c := &parallelCloseable{children: children}
	c.InitBase(orNil(log).ForkLogStr("parallel"), c)
	return c
}

func (c *parallelCloseable) String() string {
	return fmt.Sprintf("parallel(%d)", len(c.children))
}

func (c *parallelCloseable) CloseGracefully() *Future {
	return c.run(false)
}

func (c *parallelCloseable) CloseImmediately() *Future {
	return c.run(true)
}

func (c *parallelCloseable) run(immediate bool) *Future {
	done := NewFuture()
	// seeded at 1 so children that resolve synchronously cannot complete the
	// composite before every child has been issued
	var pending atomic.Int64
	pending.Store(1)
	release := func(*Future) {
		if pending.Add(-1) == 0 {
			done.Resolve(nil)
		}
	}
	for _, child := range c.children {
		if child == nil {
			continue
		}
		pending.Add(1)
		closeSafely(c.Logger, child, immediate).AddListener(release)
	}
	release(nil)
	return done
}

// actionCloseable runs a side-effecting action as its teardown
type actionCloseable struct {
	Base
	action func()
}

// Run wraps action as a zero-child Closeable; action runs once, when the
// Closeable is closed (gracefully or immediately).
func Run(log logger.Logger, action func()) Closeable {
	c := &actionCloseable{action: action}
	c.InitBase(orNil(log).ForkLogStr("run"), c)
	return c
}

func (c *actionCloseable) CloseImmediately() *Future {
	if c.action != nil {
		c.action()
	}
	return nil
}

// gatedCloseable closes when a set of independent operations have completed
type gatedCloseable struct {
	Base
	ops []*Future
}

// When returns a Closeable that, when closed gracefully, resolves once every
// operation in ops has resolved, whatever the outcome. An immediate close
// force-resolves still outstanding operations with ErrClosed instead of waiting.
func When(log logger.Logger, ops ...*Future) Closeable {
	c := &gatedCloseable{ops: ops}
	c.InitBase(orNil(log).ForkLogStr("when"), c)
	return c
}

func (c *gatedCloseable) CloseGracefully() *Future {
	return AllOf(c.ops...)
}

func (c *gatedCloseable) CloseImmediately() *Future {
	n := 0
	for _, op := range c.ops {
		if op != nil && op.Resolve(ErrClosed) {
			n++
		}
	}
	if n > 0 {
		c.DLogf("Force-failed %d outstanding operations", n)
	}
	return nil
}

// Builder assembles a sequence of cleanup steps into a single Closeable. Steps
// close in the order they were added.
type Builder struct {
	log   logger.Logger
	items []Closeable
}

// NewBuilder creates an empty Builder
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{log: orNil(log)}
}

// Close adds closeables to be closed, each in turn
func (b *Builder) Close(closeables ...Closeable) *Builder {
	for _, c := range closeables {
		if c != nil {
			b.items = append(b.items, c)
		}
	}
	return b
}

// Run adds a side-effecting step
func (b *Builder) Run(action func()) *Builder {
	b.items = append(b.items, Run(b.log, action))
	return b
}

// When adds a step that waits for ops to complete
func (b *Builder) When(ops ...*Future) *Builder {
	b.items = append(b.items, When(b.log, ops...))
	return b
}

// Sequential adds a step that closes closeables one at a time
func (b *Builder) Sequential(closeables ...Closeable) *Builder {
	b.items = append(b.items, Sequential(b.log, closeables...))
	return b
}

// Parallel adds a step that closes closeables concurrently
func (b *Builder) Parallel(closeables ...Closeable) *Builder {
	b.items = append(b.items, Parallel(b.log, closeables...))
	return b
}

// Build returns a Closeable that runs every added step in order
func (b *Builder) Build() Closeable {
	items := make([]Closeable, len(b.items))
	copy(items, b.items)
	return Sequential(b.log, items...)
}
