// Package transport implements the SSH binary packet protocol (RFC 4253 §4.2
// and §6) over any byte stream: the identification exchange, packet framing,
// encryption and MAC, and the switch to new keys at NEWKEYS boundaries.
//
// Writes are queued and performed by a single writer goroutine, so a caller
// never blocks on the network. A key switch is queued like a packet, which
// guarantees that every packet queued before it goes out under the old keys
// and every packet after it under the new keys.
package transport

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/wire"
)

const (
	maxVersionLine   = 255
	maxBannerLines   = 64
	protocolVersion2 = "SSH-2.0-"
	compatVersion    = "SSH-1.99-"
)

// queueItem is one unit of work for the writer goroutine: a packet payload, a
// raw write or a key switch
type queueItem struct {
	payload []byte
	raw     []byte
	keys    *sshalgo.DirectionKeys
	done    *closer.Future
}

// Conn is a packet connection over a byte stream. ReadPacket must only be
// called from a single goroutine; all other methods are safe for concurrent
// use.
type Conn struct {
	*asyncobj.Helper

	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	rand   io.Reader

	// owned by the reading goroutine
	in *direction
	// owned by the writer goroutine
	out *direction

	queueLock   sync.Mutex
	queueCond   *sync.Cond
	queue       []queueItem
	queueClosed bool
	writerDone  chan struct{}

	bytesRead      atomic.Uint64
	bytesWritten   atomic.Uint64
	packetsRead    atomic.Uint64
	packetsWritten atomic.Uint64
}

// NewConn creates a packet connection over rwc and starts its writer. The
// Conn takes ownership of rwc.
func NewConn(log logger.Logger, rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:        rwc,
		reader:     bufio.NewReader(rwc),
		rand:       rand.Reader,
		in:         newDirection(),
		out:        newDirection(),
		writerDone: make(chan struct{}),
	}
	c.queueCond = sync.NewCond(&c.queueLock)
	c.Helper = asyncobj.NewHelper(log.ForkLogStr(fmt.Sprintf("Conn(%v)", rwc)), c)
	c.SetIsActivated()
	go c.writer()
	return c
}

// ExchangeVersions sends our identification string and reads the peer's. A
// client skips any banner lines the server sends before its identification.
// The returned version has its line terminator removed.
func (c *Conn) ExchangeVersions(local string, client bool) (string, error) {
	if !strings.HasPrefix(local, protocolVersion2) {
		return "", fmt.Errorf("transport: invalid local version %q", local)
	}
	if err := c.enqueue(queueItem{raw: []byte(local + "\r\n")}).Wait(); err != nil {
		return "", err
	}
	for lines := 0; lines < maxBannerLines; lines++ {
		line, err := c.readLine()
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(line, "SSH-") {
			if !strings.HasPrefix(line, protocolVersion2) && !strings.HasPrefix(line, compatVersion) {
				return "", &wire.DisconnectError{
					Reason:  wire.DisconnectProtocolVersionNotSupported,
					Message: fmt.Sprintf("unsupported peer version %q", line),
				}
			}
			c.DLogf("Peer version %q", line)
			return line, nil
		}
		if !client {
			return "", wire.ProtocolErrorf(0, "client sent %q before its identification", line)
		}
		c.TLogf("Banner: %s", line)
	}
	return "", wire.ProtocolErrorf(0, "no identification within %d lines", maxBannerLines)
}

// readLine reads one CR LF (or bare LF) terminated line. It reads through the
// buffered reader that later carries packets, so nothing past the line is
// lost.
func (c *Conn) readLine() (string, error) {
	var line []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		c.bytesRead.Add(1)
		if b == '\n' {
			return strings.TrimSuffix(string(line), "\r"), nil
		}
		line = append(line, b)
		if len(line) > maxVersionLine {
			return "", wire.ProtocolErrorf(0, "identification line longer than %d bytes", maxVersionLine)
		}
	}
}

// ReadPacket reads and authenticates the next packet and returns its payload
func (c *Conn) ReadPacket() ([]byte, error) {
	payload, err := c.in.open(countingReader{r: c.reader, n: &c.bytesRead})
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, wire.ProtocolErrorf(0, "empty packet")
	}
	c.packetsRead.Add(1)
	return payload, nil
}

// SwitchIncoming makes packets read after this call use keys. It must be
// called from the reading goroutine, between two ReadPacket calls.
func (c *Conn) SwitchIncoming(keys *sshalgo.DirectionKeys) error {
	if err := c.in.setKeys(keys); err != nil {
		return err
	}
	c.DLogf("Incoming keys: %s %s", keys.Cipher.Name, keys.MAC.Name)
	return nil
}

// SwitchOutgoing queues a switch to keys behind every packet already queued
func (c *Conn) SwitchOutgoing(keys *sshalgo.DirectionKeys) error {
	f := c.enqueue(queueItem{keys: keys})
	if f.IsDone() {
		return f.Err()
	}
	return nil
}

// Send queues payload and returns a Future that resolves once it has been
// written
func (c *Conn) Send(payload []byte) *closer.Future {
	return c.enqueue(queueItem{payload: payload})
}

// WritePacket queues payload. It only fails if the connection is closed.
func (c *Conn) WritePacket(payload []byte) error {
	f := c.Send(payload)
	if f.IsDone() {
		return f.Err()
	}
	return nil
}

// BytesRead returns the number of bytes read from the stream
func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the number of bytes written to the stream
func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

// PacketsRead returns the number of packets read
func (c *Conn) PacketsRead() uint64 {
	return c.packetsRead.Load()
}

// PacketsWritten returns the number of packets written
func (c *Conn) PacketsWritten() uint64 {
	return c.packetsWritten.Load()
}

func (c *Conn) enqueue(item queueItem) *closer.Future {
	item.done = closer.NewFuture()
	c.queueLock.Lock()
	if c.queueClosed {
		c.queueLock.Unlock()
		item.done.Resolve(closer.ErrClosed)
		return item.done
	}
	c.queue = append(c.queue, item)
	c.queueCond.Signal()
	c.queueLock.Unlock()
	return item.done
}

func (c *Conn) next() (queueItem, bool) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	for len(c.queue) == 0 && !c.queueClosed {
		c.queueCond.Wait()
	}
	if len(c.queue) == 0 {
		return queueItem{}, false
	}
	item := c.queue[0]
	c.queue[0] = queueItem{}
	c.queue = c.queue[1:]
	return item, true
}

// closeQueue stops accepting writes and fails everything still queued
func (c *Conn) closeQueue(err error) {
	c.queueLock.Lock()
	c.queueClosed = true
	pending := c.queue
	c.queue = nil
	c.queueCond.Broadcast()
	c.queueLock.Unlock()
	for _, item := range pending {
		item.done.Resolve(err)
	}
}

func (c *Conn) writer() {
	defer close(c.writerDone)
	for {
		item, ok := c.next()
		if !ok {
			return
		}
		err := c.writeItem(item)
		item.done.Resolve(err)
		if err != nil {
			c.DLogf("Writer stopping: %s", err)
			c.closeQueue(closer.ErrClosed)
			c.StartShutdown(err)
			return
		}
	}
}

func (c *Conn) writeItem(item queueItem) error {
	switch {
	case item.keys != nil:
		if err := c.out.setKeys(item.keys); err != nil {
			return err
		}
		c.DLogf("Outgoing keys: %s %s", item.keys.Cipher.Name, item.keys.MAC.Name)
		return nil
	case item.raw != nil:
		return c.write(item.raw)
	}
	packet, err := c.out.seal(item.payload, c.rand)
	if err != nil {
		return err
	}
	if err := c.write(packet); err != nil {
		return err
	}
	c.packetsWritten.Add(1)
	return nil
}

func (c *Conn) write(b []byte) error {
	n, err := c.rwc.Write(b)
	c.bytesWritten.Add(uint64(n))
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// fails queued writes, closes the stream and waits for the writer to exit.
func (c *Conn) HandleOnceShutdown(completionErr error) error {
	c.closeQueue(closer.ErrClosed)
	err := c.rwc.Close()
	<-c.writerDone
	c.DLogf("Closed: read %d packets, wrote %d packets", c.PacketsRead(), c.PacketsWritten())
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

type countingReader struct {
	r io.Reader
	n *atomic.Uint64
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n.Add(uint64(n))
	return n, err
}
