// Package mux multiplexes SSH connection protocol channels (RFC 4254) over a
// single packet stream. It owns channel id allocation, per-channel flow
// control windows, channel requests and the channel close handshake. Packets
// are handed to a Sender; the session feeds channel scoped packets from the
// peer to HandlePacket in arrival order.
package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/transport"
	"github.com/sammck-go/wstssh/pkg/wire"
)

const (
	// DefaultMaxPacket is the largest data frame accepted by default
	DefaultMaxPacket = 32 * 1024

	// DefaultWindowSize is the initial window granted to the peer by default
	DefaultWindowSize = 64 * DefaultMaxPacket

	// MaxFramePayload is the largest data frame that fits in one transport
	// packet once the extended data header, padding and MAC are added
	MaxFramePayload = transport.MaxPacket - frameOverhead

	frameOverhead = 64
)

// clampMaxPacket limits a peer advertised maximum packet size to what the
// transport can carry
func clampMaxPacket(n uint32) uint32 {
	if n > MaxFramePayload {
		return MaxFramePayload
	}
	return n
}

// Sender queues a packet payload for the peer. Packets go out in the order
// Send is called. The returned Future resolves once the packet has been
// written, or with the error that prevented it.
type Sender interface {
	Send(payload []byte) *closer.Future
}

// SenderFunc adapts a function to Sender
type SenderFunc func(payload []byte) *closer.Future

// Send calls f(payload)
func (f SenderFunc) Send(payload []byte) *closer.Future {
	return f(payload)
}

// Config holds the flow control parameters advertised for every channel
type Config struct {
	// WindowSize is the initial window granted to the peer
	WindowSize uint32

	// MaxPacket is the largest data frame the peer may send
	MaxPacket uint32
}

func (c Config) withDefaults() Config {
	if c.MaxPacket == 0 {
		c.MaxPacket = DefaultMaxPacket
	}
	c.MaxPacket = clampMaxPacket(c.MaxPacket)
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	return c
}

// ChannelHandler is called in its own goroutine for every channel the peer
// opens with a registered type. It must call Accept or Reject; a channel left
// unanswered is rejected when the handler returns.
type ChannelHandler func(nc *NewChannel)

// tombstone marks a local id whose channel was torn down before the peer's
// CLOSE arrived, so late messages for it can be dropped
type tombstone struct {
	awaitingOpen bool
}

// Mux is the channel multiplexer of one session
type Mux struct {
	closer.Base

	config Config
	sender Sender

	lock       sync.Mutex
	channels   map[uint32]*Channel
	tombstones map[uint32]*tombstone
	handlers   map[string]ChannelHandler
	nextID     uint32
	closing    bool
}

// New creates a Mux that sends its packets through sender
func New(log logger.Logger, sender Sender, config Config) *Mux {
	m := &Mux{
		config:     config.withDefaults(),
		sender:     sender,
		channels:   make(map[uint32]*Channel),
		tombstones: make(map[uint32]*tombstone),
		handlers:   make(map[string]ChannelHandler),
	}
	if log == nil {
		log = logger.NilLogger
	}
	m.InitBase(log.ForkLogStr("mux"), m)
	m.DLogf("Window %s, max packet %s",
		sizestr.ToString(int64(m.config.WindowSize)), sizestr.ToString(int64(m.config.MaxPacket)))
	return m
}

// Config returns the effective flow control parameters
func (m *Mux) Config() Config {
	return m.config
}

// HandleChannelType registers handler for channels of chanType opened by the
// peer. A nil handler removes the registration. Opens of unregistered types
// are rejected with UnknownChannelType.
func (m *Mux) HandleChannelType(chanType string, handler ChannelHandler) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if handler == nil {
		delete(m.handlers, chanType)
		return
	}
	m.handlers[chanType] = handler
}

// NumChannels returns the number of live channels
func (m *Mux) NumChannels() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.channels)
}

// Channel returns the live channel with the given local id, or nil
func (m *Mux) Channel(localID uint32) *Channel {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.channels[localID]
}

func (m *Mux) send(payload []byte) *closer.Future {
	f := m.sender.Send(payload)
	if f == nil {
		f = closer.ResolvedFuture(nil)
	}
	return f
}

// register allocates the next free local id and adds the channel built by
// create to the table
func (m *Mux) register(create func(id uint32) *Channel) (*Channel, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closing {
		return nil, closer.ErrClosed
	}
	for {
		id := m.nextID
		m.nextID++
		if _, used := m.channels[id]; used {
			continue
		}
		if _, used := m.tombstones[id]; used {
			continue
		}
		ch := create(id)
		m.channels[id] = ch
		return ch, nil
	}
}

// forget removes ch from the table, leaving a tombstone if the peer may still
// send messages for it
func (m *Mux) forget(ch *Channel, keepTombstone, awaitingOpen bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.channels[ch.localID] != ch {
		return
	}
	delete(m.channels, ch.localID)
	if keepTombstone && !m.closing {
		m.tombstones[ch.localID] = &tombstone{awaitingOpen: awaitingOpen}
	}
}

// OpenChannel opens a channel of chanType and waits for the peer to confirm
// it. handler serves requests the peer sends on the channel; nil rejects them.
// A rejection is returned as *OpenError and affects no other channel.
func (m *Mux) OpenChannel(ctx context.Context, chanType string, extra []byte, handler RequestHandler) (*Channel, error) {
	ch, err := m.register(func(id uint32) *Channel {
		return newChannel(m, id, chanType, extra, true)
	})
	if err != nil {
		return nil, err
	}
	go ch.serveRequests(handler)
	m.send(wire.NewWriter(wire.MsgChannelOpen).
		Text(chanType).
		Uint32(ch.localID).
		Uint32(m.config.WindowSize).
		Uint32(m.config.MaxPacket).
		Raw(extra).
		Bytes())
	ch.DLogf("Opening")
	if err := ch.waitOpen(ctx); err != nil {
		if ctx.Err() != nil {
			ch.CloseAsync(true)
		}
		return nil, err
	}
	return ch, nil
}

// HandlePacket processes one channel scoped packet from the peer. A non-nil
// error is a protocol violation that should end the session.
func (m *Mux) HandlePacket(payload []byte) error {
	r := wire.NewReader(payload)
	if err := r.Err(); err != nil {
		return err
	}
	if !wire.IsChannel(r.Msg()) {
		return wire.UnexpectedMessageError(r.Msg(), "channel dispatch")
	}
	if r.Msg() == wire.MsgChannelOpen {
		return m.handleOpen(r)
	}
	id := r.Uint32()
	if err := r.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	ch := m.channels[id]
	tomb := m.tombstones[id]
	m.lock.Unlock()
	switch {
	case ch != nil:
		return ch.handlePacket(r)
	case tomb != nil:
		return m.handleTombstone(id, tomb, r)
	}
	m.lock.Lock()
	closing := m.closing
	m.lock.Unlock()
	if closing {
		m.TLogf("Dropping %s for channel %d during close", wire.MsgName(r.Msg()), id)
		return nil
	}
	return wire.ProtocolErrorf(r.Msg(), "unknown channel %d", id)
}

func (m *Mux) handleTombstone(id uint32, tomb *tombstone, r *wire.Reader) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	switch r.Msg() {
	case wire.MsgChannelOpenConfirmation:
		remoteID := r.Uint32()
		if err := r.Err(); err != nil {
			return err
		}
		if tomb.awaitingOpen {
			// abandoned while opening; close it now that it has a remote id
			tomb.awaitingOpen = false
			m.send(wire.NewWriter(wire.MsgChannelClose).Uint32(remoteID).Bytes())
		}
	case wire.MsgChannelOpenFailure, wire.MsgChannelClose:
		delete(m.tombstones, id)
	default:
		m.TLogf("Dropping %s for closed channel %d", wire.MsgName(r.Msg()), id)
	}
	return nil
}

func (m *Mux) handleOpen(r *wire.Reader) error {
	nc := &NewChannel{
		mux:       m,
		chanType:  r.Text(),
		remoteID:  r.Uint32(),
		window:    r.Uint32(),
		maxPacket: r.Uint32(),
	}
	nc.extra = append([]byte(nil), r.Rest()...)
	if err := r.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	closing := m.closing
	handler := m.handlers[nc.chanType]
	m.lock.Unlock()

	m.DLogf("Peer opening %q (remote id %d)", nc.chanType, nc.remoteID)
	switch {
	case closing:
		nc.Reject(ResourceShortage, "session is closing")
	case handler == nil:
		nc.Reject(UnknownChannelType, fmt.Sprintf("unknown channel type %q", nc.chanType))
	default:
		go func() {
			handler(nc)
			nc.Reject(Prohibited, "channel not accepted")
		}()
	}
	return nil
}

func (m *Mux) snapshot() []closer.Closeable {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]closer.Closeable, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// PreClose stops new channels from being opened or accepted
func (m *Mux) PreClose() {
	m.lock.Lock()
	m.closing = true
	m.lock.Unlock()
}

// CloseGracefully closes every channel gracefully, in parallel
func (m *Mux) CloseGracefully() *closer.Future {
	channels := m.snapshot()
	m.DLogf("Closing %d channels gracefully", len(channels))
	return closer.Parallel(m.Logger, channels...).CloseAsync(false)
}

// CloseImmediately tears down every channel, in parallel
func (m *Mux) CloseImmediately() *closer.Future {
	channels := m.snapshot()
	f := closer.Parallel(m.Logger, channels...).CloseAsync(true)
	m.lock.Lock()
	m.tombstones = make(map[uint32]*tombstone)
	m.lock.Unlock()
	return f
}

// NewChannel is a channel open received from the peer
type NewChannel struct {
	mux       *Mux
	chanType  string
	extra     []byte
	remoteID  uint32
	window    uint32
	maxPacket uint32

	lock      sync.Mutex
	responded bool
}

// ChannelType returns the requested channel type
func (nc *NewChannel) ChannelType() string {
	return nc.chanType
}

// ExtraData returns the type specific data of the open
func (nc *NewChannel) ExtraData() []byte {
	return nc.extra
}

func (nc *NewChannel) respond() bool {
	nc.lock.Lock()
	defer nc.lock.Unlock()
	if nc.responded {
		return false
	}
	nc.responded = true
	return true
}

// Accept confirms the channel. handler serves requests the peer sends on it;
// nil rejects them.
func (nc *NewChannel) Accept(handler RequestHandler) (*Channel, error) {
	if !nc.respond() {
		return nil, fmt.Errorf("mux: channel open already answered")
	}
	m := nc.mux
	ch, err := m.register(func(id uint32) *Channel {
		ch := newChannel(m, id, nc.chanType, nc.extra, false)
		ch.state = ChannelOpen
		ch.remoteID = nc.remoteID
		ch.remote = NewWindow(nc.window, clampMaxPacket(nc.maxPacket))
		return ch
	})
	if err != nil {
		nc.sendFailure(ResourceShortage, "session is closing")
		return nil, err
	}
	go ch.serveRequests(handler)
	m.send(wire.NewWriter(wire.MsgChannelOpenConfirmation).
		Uint32(nc.remoteID).
		Uint32(ch.localID).
		Uint32(m.config.WindowSize).
		Uint32(m.config.MaxPacket).
		Bytes())
	ch.DLogf("Accepted: remote id %d, window %s, max packet %s", nc.remoteID,
		sizestr.ToString(int64(nc.window)), sizestr.ToString(int64(nc.maxPacket)))
	return ch, nil
}

// Reject refuses the channel. It is a no-op if the open was already answered.
func (nc *NewChannel) Reject(reason RejectionReason, message string) error {
	if !nc.respond() {
		return nil
	}
	nc.mux.DLogf("Rejecting %q: %s (%s)", nc.chanType, message, reason)
	nc.sendFailure(reason, message)
	return nil
}

func (nc *NewChannel) sendFailure(reason RejectionReason, message string) {
	nc.mux.send(wire.NewWriter(wire.MsgChannelOpenFailure).
		Uint32(nc.remoteID).
		Uint32(uint32(reason)).
		Text(message).
		Text("").
		Bytes())
}
