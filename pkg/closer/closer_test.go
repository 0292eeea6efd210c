package closer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event records the order in which close steps run across resources
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.events = append(l.events, s)
	l.mu.Unlock()
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// testResource is a Closeable whose graceful step is released by the test
type testResource struct {
	Base
	name       string
	log        *eventLog
	grace      *Future
	preCloses  atomic.Int32
	immediates atomic.Int32
}

func newTestResource(name string, log *eventLog, grace *Future) *testResource {
	r := &testResource{name: name, log: log, grace: grace}
	r.InitBase(nil, r)
	return r
}

func (r *testResource) PreClose() {
	r.preCloses.Add(1)
}

func (r *testResource) CloseGracefully() *Future {
	if r.log != nil {
		r.log.add(r.name + ":graceful")
	}
	return r.grace
}

func (r *testResource) CloseImmediately() *Future {
	r.immediates.Add(1)
	if r.log != nil {
		r.log.add(r.name + ":immediate")
	}
	return nil
}

func waitDone(t *testing.T, f *Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for future")
	}
}

func TestGracefulCloseRunsStepsInOrder(t *testing.T) {
	log := &eventLog{}
	r := newTestResource("a", log, nil)
	assert.True(t, r.IsOpen())

	require.NoError(t, r.Close())
	assert.True(t, r.IsClosed())
	assert.Equal(t, []string{"a:graceful", "a:immediate"}, log.get())
	assert.EqualValues(t, 1, r.preCloses.Load())
}

func TestGracefulCloseWaitsForGracefulStep(t *testing.T) {
	grace := NewFuture()
	r := newTestResource("a", nil, grace)

	f := r.CloseAsync(false)
	assert.Equal(t, StateGraceful, r.State())
	assert.True(t, r.IsClosing())
	assert.False(t, f.IsDone())
	assert.EqualValues(t, 0, r.immediates.Load())

	grace.Resolve(nil)
	waitDone(t, f)
	assert.EqualValues(t, 1, r.immediates.Load())
	assert.Equal(t, StateClosed, r.State())
}

func TestImmediateCloseEscalatesGraceful(t *testing.T) {
	grace := NewFuture()
	r := newTestResource("a", nil, grace)

	r.CloseAsync(false)
	f := r.CloseAsync(true)
	waitDone(t, f)
	assert.EqualValues(t, 1, r.immediates.Load())

	// the graceful step finishing later must not run teardown again
	grace.Resolve(nil)
	assert.EqualValues(t, 1, r.immediates.Load())
	assert.EqualValues(t, 1, r.preCloses.Load())
}

func TestConcurrentCloseCallsTearDownOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		grace := NewFuture()
		r := newTestResource("a", nil, grace)
		var notified atomic.Int32
		r.CloseFuture().AddListener(func(*Future) { notified.Add(1) })

		var wg sync.WaitGroup
		futures := make([]*Future, 64)
		for i := range futures {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				futures[i] = r.CloseAsync(i%2 == 0)
			}(i)
		}
		wg.Wait()
		grace.Resolve(nil)

		for _, f := range futures {
			assert.Same(t, r.CloseFuture(), f)
		}
		waitDone(t, r.CloseFuture())
		assert.EqualValues(t, 1, r.immediates.Load())
		assert.EqualValues(t, 1, r.preCloses.Load())
		assert.EqualValues(t, 1, notified.Load())
	}
}

func TestCloseAfterClosedReturnsResolvedFuture(t *testing.T) {
	r := newTestResource("a", nil, nil)
	require.NoError(t, r.Close())
	f := r.CloseAsync(true)
	assert.True(t, f.IsDone())
	assert.EqualValues(t, 1, r.immediates.Load())
}

func TestSequentialClosesChildrenInOrder(t *testing.T) {
	log := &eventLog{}
	graceA := NewFuture()
	graceB := NewFuture()
	a := newTestResource("a", log, graceA)
	b := newTestResource("b", log, graceB)
	c := newTestResource("c", log, nil)

	seq := Sequential(nil, a, nil, b, c)
	f := seq.CloseAsync(false)

	assert.Equal(t, []string{"a:graceful"}, log.get())
	assert.True(t, b.IsOpen(), "b must not be closed before a finishes")

	graceA.Resolve(nil)
	assert.Equal(t, []string{"a:graceful", "a:immediate", "b:graceful"}, log.get())
	assert.True(t, c.IsOpen())
	assert.False(t, f.IsDone())

	graceB.Resolve(nil)
	waitDone(t, f)
	assert.Equal(t, []string{
		"a:graceful", "a:immediate",
		"b:graceful", "b:immediate",
		"c:graceful", "c:immediate",
	}, log.get())
	assert.True(t, seq.IsClosed())
}

func TestSequentialImmediateSkipsGracefulSteps(t *testing.T) {
	log := &eventLog{}
	a := newTestResource("a", log, NewFuture())
	b := newTestResource("b", log, NewFuture())

	f := Sequential(nil, a, b).CloseAsync(true)
	waitDone(t, f)
	assert.Equal(t, []string{"a:immediate", "b:immediate"}, log.get())
}

func TestParallelWaitsForAllChildren(t *testing.T) {
	const n = 8
	graces := make([]*Future, n)
	children := make([]Closeable, n)
	for i := range graces {
		graces[i] = NewFuture()
		children[i] = newTestResource("c", nil, graces[i])
	}
	p := Parallel(nil, children...)
	f := p.CloseAsync(false)

	for _, c := range children {
		assert.True(t, c.IsClosing(), "every child is issued close at once")
	}

	// resolve in reverse order; composite must only finish after the last one
	for i := n - 1; i > 0; i-- {
		graces[i].Resolve(nil)
		assert.False(t, f.IsDone())
	}
	graces[0].Resolve(nil)
	waitDone(t, f)
}

func TestParallelChildrenResolvingConcurrently(t *testing.T) {
	for round := 0; round < 20; round++ {
		const n = 16
		graces := make([]*Future, n)
		children := make([]Closeable, n)
		for i := range graces {
			graces[i] = NewFuture()
			children[i] = newTestResource("c", nil, graces[i])
		}
		f := Parallel(nil, children...).CloseAsync(false)

		var wg sync.WaitGroup
		for _, g := range graces {
			wg.Add(1)
			go func(g *Future) {
				defer wg.Done()
				g.Resolve(nil)
			}(g)
		}
		wg.Wait()
		waitDone(t, f)
		for _, c := range children {
			assert.True(t, c.IsClosed())
		}
	}
}

func TestParallelWithSynchronousChildren(t *testing.T) {
	a := newTestResource("a", nil, nil)
	b := newTestResource("b", nil, nil)
	f := Parallel(nil, a, b).CloseAsync(false)
	assert.True(t, f.IsDone())
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
}

func TestRunExecutesActionOnce(t *testing.T) {
	var count atomic.Int32
	r := Run(nil, func() { count.Add(1) })
	r.CloseAsync(false)
	r.CloseAsync(true)
	r.CloseAsync(false)
	assert.True(t, r.IsClosed())
	assert.EqualValues(t, 1, count.Load())
}

func TestWhenWaitsForOperations(t *testing.T) {
	op1 := NewFuture()
	op2 := NewFuture()
	w := When(nil, op1, op2)
	f := w.CloseAsync(false)
	assert.False(t, f.IsDone())

	op1.Resolve(errors.New("failed write"))
	assert.False(t, f.IsDone())
	op2.Resolve(nil)
	waitDone(t, f)
}

func TestWhenImmediateForceFailsOperations(t *testing.T) {
	op1 := NewFuture()
	op2 := ResolvedFuture(nil)
	w := When(nil, op1, op2)
	f := w.CloseAsync(true)
	waitDone(t, f)
	assert.ErrorIs(t, op1.Err(), ErrClosed)
	assert.NoError(t, op2.Err())
}

func TestWhenEscalatedWhileWaiting(t *testing.T) {
	op := NewFuture()
	w := When(nil, op)
	w.CloseAsync(false)
	f := w.CloseAsync(true)
	waitDone(t, f)
	assert.ErrorIs(t, op.Err(), ErrClosed)
}

// panicky panics from its close step
type panicky struct {
	Base
}

func (p *panicky) CloseImmediately() *Future {
	panic("boom")
}

func TestPanickingChildDoesNotBlockSiblings(t *testing.T) {
	p := &panicky{}
	p.InitBase(nil, p)
	b := newTestResource("b", nil, nil)

	f := Sequential(nil, p, b).CloseAsync(false)
	waitDone(t, f)
	assert.True(t, b.IsClosed())
	assert.Error(t, p.CloseFuture().Err())
}

func TestBuilderComposesSteps(t *testing.T) {
	log := &eventLog{}
	op := NewFuture()
	a := newTestResource("a", log, nil)
	b := newTestResource("b", log, nil)

	c := NewBuilder(nil).
		When(op).
		Run(func() { log.add("run") }).
		Parallel(a).
		Sequential(b).
		Build()

	f := c.CloseAsync(false)
	assert.Empty(t, log.get(), "nothing closes until pending operations finish")
	op.Resolve(nil)
	waitDone(t, f)
	assert.Equal(t, []string{"run", "a:graceful", "a:immediate", "b:graceful", "b:immediate"}, log.get())
}

type fakeCloser struct {
	count atomic.Int32
	err   error
}

func (c *fakeCloser) Close() error {
	c.count.Add(1)
	return c.err
}

func TestFromCloser(t *testing.T) {
	fc := &fakeCloser{err: errors.New("close failed")}
	c := FromCloser(nil, fc)
	f := c.CloseAsync(false)
	waitDone(t, f)
	c.CloseAsync(true)
	assert.EqualValues(t, 1, fc.count.Load())
	assert.EqualError(t, f.Err(), "close failed")
}

func TestAllOfReportsFirstError(t *testing.T) {
	e := errors.New("x")
	f := AllOf(ResolvedFuture(nil), ResolvedFuture(e), nil)
	assert.True(t, f.IsDone())
	assert.Equal(t, e, f.Err())
	assert.True(t, AllOf().IsDone())
}
