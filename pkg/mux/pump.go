package mux

import (
	"fmt"
	"io"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"golang.org/x/sync/errgroup"
)

// DefaultPumpBufferSize is the buffer size used by a Pump when none is given
const DefaultPumpBufferSize = DefaultMaxPacket

// Pump is a background task that bridges a channel and a local stream in both
// directions. End of stream on the local side is forwarded as channel EOF,
// and channel EOF half-closes the local stream if it supports CloseWrite. Each
// direction stops at its own end of stream; the pump shuts down, closing
// both ends, once both directions have stopped, either direction fails, or
// the channel closes.
type Pump struct {
	*asyncobj.Helper

	name       string
	ch         *Channel
	local      io.ReadWriteCloser
	bufferSize int
	group      errgroup.Group

	// guarded by Helper.Lock
	toChannel uint64
	toLocal   uint64
}

type closeWriter interface {
	CloseWrite() error
}

// NewPump starts pumping between ch and local. The pump takes ownership of
// both. If bufferSize is 0, DefaultPumpBufferSize is used.
func NewPump(log logger.Logger, ch *Channel, local io.ReadWriteCloser, bufferSize int) *Pump {
	if bufferSize <= 0 {
		bufferSize = DefaultPumpBufferSize
	}
	p := &Pump{
		name:       fmt.Sprintf("[Pump %s <=> %v]", ch, local),
		ch:         ch,
		local:      local,
		bufferSize: bufferSize,
	}
	p.Helper = asyncobj.NewHelper(log.ForkLogStr(p.name), p)
	p.SetIsActivated()

	p.group.Go(func() error {
		return p.forward(local, ch, &p.toChannel, ch.CloseWrite)
	})
	p.group.Go(func() error {
		var closeLocal func() error
		if cw, ok := local.(closeWriter); ok {
			closeLocal = cw.CloseWrite
		}
		return p.forward(ch, local, &p.toLocal, closeLocal)
	})
	go func() {
		err := p.group.Wait()
		p.DLogf("Both directions complete")
		p.StartShutdown(err)
	}()
	ch.CloseFuture().AddListener(func(*closer.Future) {
		p.StartShutdown(nil)
	})
	return p
}

func (p *Pump) String() string {
	return p.name
}

// BytesToChannel returns the number of bytes copied from the local stream
// into the channel
func (p *Pump) BytesToChannel() uint64 {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.toChannel
}

// BytesToLocal returns the number of bytes copied from the channel to the
// local stream
func (p *Pump) BytesToLocal() uint64 {
	p.Lock.Lock()
	defer p.Lock.Unlock()
	return p.toLocal
}

// forward copies src to dst until end of stream, then calls closeDst if it is
// not nil. Any error shuts the pump down.
func (p *Pump) forward(src io.Reader, dst io.Writer, count *uint64, closeDst func() error) error {
	buf := make([]byte, p.bufferSize)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			p.Lock.Lock()
			*count += uint64(nw)
			p.Lock.Unlock()
			if werr != nil {
				p.StartShutdown(werr)
				return werr
			}
		}
		if rerr == io.EOF {
			p.TLogf("%v reached end of stream", src)
			if closeDst != nil {
				if err := closeDst(); err != nil {
					p.DLogf("Half-close of %v failed: %s", dst, err)
				}
			}
			return nil
		}
		if rerr != nil {
			if p.IsStartedShutdown() {
				return nil
			}
			p.StartShutdown(rerr)
			return rerr
		}
	}
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes both ends and waits for the forwarding goroutines to exit.
func (p *Pump) HandleOnceShutdown(completionErr error) error {
	finalErr := completionErr
	if err := p.local.Close(); err != nil && finalErr == nil {
		p.DLogf("Close of local stream: %s", err)
	}
	p.ch.CloseAsync(completionErr != nil)
	p.group.Wait()
	p.DLogf("Done: %s to channel, %s to local",
		sizestr.ToString(int64(p.BytesToChannel())), sizestr.ToString(int64(p.BytesToLocal())))
	return finalErr
}
