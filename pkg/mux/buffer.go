package mux

import (
	"io"
	"sync"
)

// buffer queues data received on a channel until the consumer reads it. It has
// no capacity limit of its own; the channel window bounds what the peer can
// send.
type buffer struct {
	lock   sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	eof    bool
}

func newBuffer() *buffer {
	b := &buffer{}
	b.cond = sync.NewCond(&b.lock)
	return b
}

// write appends a copy of data
func (b *buffer) write(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := append([]byte(nil), data...)
	b.lock.Lock()
	b.chunks = append(b.chunks, chunk)
	b.cond.Signal()
	b.lock.Unlock()
}

// setEOF marks the end of the stream. Reads return io.EOF once all queued data
// has been consumed.
func (b *buffer) setEOF() {
	b.lock.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.lock.Unlock()
}

// Read blocks until data is available or the stream has ended
func (b *buffer) Read(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for len(b.chunks) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	n := 0
	for n < len(p) && len(b.chunks) > 0 {
		c := copy(p[n:], b.chunks[0])
		n += c
		if c == len(b.chunks[0]) {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
		} else {
			b.chunks[0] = b.chunks[0][c:]
		}
	}
	return n, nil
}

// buffered returns the number of bytes waiting to be read
func (b *buffer) buffered() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := 0
	for _, c := range b.chunks {
		n += len(c)
	}
	return n
}
