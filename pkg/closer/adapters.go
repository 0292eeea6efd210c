package closer

import (
	"fmt"
	"io"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// shutdownerCloseable adapts an asyncobj.AsyncShutdowner
type shutdownerCloseable struct {
	Base
	s asyncobj.AsyncShutdowner
}

// FromShutdowner adapts an asynchronously shut down object (such as anything
// embedding *asyncobj.Helper) so it can take part in a close composite. Both
// graceful and immediate close start its shutdown; the Closeable resolves with
// the object's final completion status.
func FromShutdowner(log logger.Logger, s asyncobj.AsyncShutdowner) Closeable {
	c := &shutdownerCloseable{s: s}
	c.InitBase(orNil(log).ForkLogStr(fmt.Sprintf("shutdowner(%v)", s)), c)
	return c
}

func (c *shutdownerCloseable) CloseImmediately() *Future {
	f := NewFuture()
	c.s.StartShutdown(nil)
	go func() {
		f.Resolve(c.s.WaitShutdown())
	}()
	return f
}

// ioCloseable adapts an io.Closer
type ioCloseable struct {
	Base
	c io.Closer
}

// FromCloser adapts an io.Closer. Its Close is called once, synchronously, by
// the immediate step.
func FromCloser(log logger.Logger, c io.Closer) Closeable {
	ic := &ioCloseable{c: c}
	ic.InitBase(orNil(log), ic)
	return ic
}

func (c *ioCloseable) CloseImmediately() *Future {
	return ResolvedFuture(c.c.Close())
}
