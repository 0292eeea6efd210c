package mux

import (
	"errors"
	"math"
	"sync"

	"github.com/sammck-go/wstssh/pkg/closer"
)

// errWindowOverflow is returned when a window adjust would grow a window past
// 2^32-1 bytes, RFC 4254 §5.2
var errWindowOverflow = errors.New("mux: window size overflow")

// errWindowExceeded is returned when more data arrives than the window allows
var errWindowExceeded = errors.New("mux: peer exceeded window")

// Window is one direction's flow control budget for a channel: the number of
// bytes that may still be sent before the receiver grants more, and the largest
// single data frame the receiver accepts. All counters are guarded by the
// window's own lock.
type Window struct {
	lock      sync.Mutex
	cond      *sync.Cond
	size      uint32
	maxPacket uint32
	granted   uint64
	closed    bool
}

// NewWindow creates a Window with an initial grant
func NewWindow(initial, maxPacket uint32) *Window {
	w := &Window{size: initial, maxPacket: maxPacket, granted: uint64(initial)}
	w.cond = sync.NewCond(&w.lock)
	return w
}

// Size returns the remaining budget
func (w *Window) Size() uint32 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.size
}

// MaxPacket returns the largest data frame accepted in this direction
func (w *Window) MaxPacket() uint32 {
	return w.maxPacket
}

// Granted returns the cumulative number of bytes granted, including the
// initial grant
func (w *Window) Granted() uint64 {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.granted
}

// Expand adds n bytes to the budget and wakes blocked senders
func (w *Window) Expand(n uint32) error {
	if n == 0 {
		return nil
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if uint64(w.size)+uint64(n) > math.MaxUint32 {
		return errWindowOverflow
	}
	w.size += n
	w.granted += uint64(n)
	w.cond.Broadcast()
	return nil
}

// Consume takes exactly n bytes from the budget. It is used on the receiving
// side, where arriving data larger than the budget is a protocol violation.
func (w *Window) Consume(n uint32) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if n > w.size {
		return errWindowExceeded
	}
	w.size -= n
	return nil
}

// Reserve takes up to want bytes from the budget for one data frame, blocking
// while the budget is zero. The result never exceeds want, the remaining
// budget or the maximum packet size. It fails with closer.ErrClosed once the
// window is closed.
func (w *Window) Reserve(want uint32) (uint32, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	for w.size == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return 0, closer.ErrClosed
	}
	n := want
	if n > w.size {
		n = w.size
	}
	if w.maxPacket > 0 && n > w.maxPacket {
		n = w.maxPacket
	}
	w.size -= n
	return n, nil
}

// Close wakes every blocked Reserve with closer.ErrClosed
func (w *Window) Close() {
	w.lock.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.lock.Unlock()
}
