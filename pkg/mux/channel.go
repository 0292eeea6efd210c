package mux

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// ChannelState is the protocol state of a channel
type ChannelState int

const (
	// ChannelOpening means an open has been sent and not yet answered
	ChannelOpening ChannelState = iota

	// ChannelOpen means the channel is confirmed in both directions
	ChannelOpen

	// ChannelClosing means a graceful close has started
	ChannelClosing

	// ChannelClosed means the channel has been torn down locally
	ChannelClosed

	// ChannelOpenFailed means the peer rejected the open
	ChannelOpenFailed
)

var channelStateNames = [...]string{"opening", "open", "closing", "closed", "open-failed"}

func (s ChannelState) String() string {
	if s < ChannelOpening || s > ChannelOpenFailed {
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
	return channelStateNames[s]
}

// ExtendedDataStderr is the only extended data type defined by RFC 4254
const ExtendedDataStderr = 1

// Channel is one logical stream multiplexed over a session. Read and Write
// carry ordinary channel data; Stderr carries extended data of type 1.
type Channel struct {
	closer.Base

	mux      *Mux
	chanType string
	extra    []byte
	localID  uint32
	outgoing bool

	lock         sync.Mutex
	state        ChannelState
	remoteID     uint32
	remote       *Window
	local        *Window
	initialLocal uint32
	unacked      uint32
	sentEOF      bool
	sentClose    bool
	recvEOF      bool
	recvClose    bool
	graceful     closer.Closeable
	pending      *pendingRequests
	writes       map[*closer.Future]struct{}

	openResult *closer.Future
	peerClosed *closer.Future
	stdout     *buffer
	stderr     *buffer
	requests   *requestQueue

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	opened   time.Time
}

func newChannel(m *Mux, localID uint32, chanType string, extra []byte, outgoing bool) *Channel {
	ch := &Channel{
		mux:          m,
		chanType:     chanType,
		extra:        extra,
		localID:      localID,
		outgoing:     outgoing,
		local:        NewWindow(m.config.WindowSize, m.config.MaxPacket),
		initialLocal: m.config.WindowSize,
		pending:      newPendingRequests(),
		writes:       make(map[*closer.Future]struct{}),
		openResult:   closer.NewFuture(),
		peerClosed:   closer.NewFuture(),
		stdout:       newBuffer(),
		stderr:       newBuffer(),
		requests:     newRequestQueue(),
		opened:       time.Now(),
	}
	ch.InitBase(m.Fork("[chan %d %s]", localID, chanType), ch)
	return ch
}

func (ch *Channel) String() string {
	return fmt.Sprintf("[chan %d %s]", ch.localID, ch.chanType)
}

// ChannelType returns the type the channel was opened with
func (ch *Channel) ChannelType() string {
	return ch.chanType
}

// ExtraData returns the type specific data sent with the open
func (ch *Channel) ExtraData() []byte {
	return ch.extra
}

// LocalID returns the id this side assigned to the channel
func (ch *Channel) LocalID() uint32 {
	return ch.localID
}

// RemoteID returns the id the peer assigned to the channel
func (ch *Channel) RemoteID() uint32 {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.remoteID
}

// ChannelState returns the protocol state
func (ch *Channel) ChannelState() ChannelState {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.state
}

// PeerClosed reports whether the peer's CLOSE has arrived
func (ch *Channel) PeerClosed() bool {
	return ch.peerClosed.IsDone()
}

// RemoteWindow returns the window governing data sent to the peer, or nil
// before the open has been confirmed
func (ch *Channel) RemoteWindow() *Window {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.remote
}

// LocalWindow returns the window governing data received from the peer
func (ch *Channel) LocalWindow() *Window {
	return ch.local
}

// BytesIn returns the number of data bytes read by the consumer
func (ch *Channel) BytesIn() uint64 {
	return ch.bytesIn.Load()
}

// BytesOut returns the number of data bytes queued for the peer
func (ch *Channel) BytesOut() uint64 {
	return ch.bytesOut.Load()
}

// PendingRequests returns the number of unanswered want-reply requests named
// name and the time the oldest of them was sent
func (ch *Channel) PendingRequests(name string) (int, time.Time) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	return ch.pending.outstanding(name)
}

// Read reads channel data sent by the peer. It returns io.EOF after the peer
// has sent EOF or closed the channel and all data has been consumed.
func (ch *Channel) Read(p []byte) (int, error) {
	n, err := ch.stdout.Read(p)
	ch.consumed(n)
	return n, err
}

// Write sends p as channel data, splitting it into frames that fit both the
// peer's window and its maximum packet size. It blocks while the peer's
// window is exhausted.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.write(0, p)
}

// Stderr returns a stream over extended data of type 1
func (ch *Channel) Stderr() io.ReadWriter {
	return &extendedStream{ch: ch, code: ExtendedDataStderr}
}

type extendedStream struct {
	ch   *Channel
	code uint32
}

func (s *extendedStream) Read(p []byte) (int, error) {
	n, err := s.ch.stderr.Read(p)
	s.ch.consumed(n)
	return n, err
}

func (s *extendedStream) Write(p []byte) (int, error) {
	return s.ch.write(s.code, p)
}

// CloseWrite sends EOF. Data already queued is sent first.
func (ch *Channel) CloseWrite() error {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.sentEOF {
		return nil
	}
	if ch.state != ChannelOpen && ch.state != ChannelClosing {
		return ErrWriteClosed
	}
	ch.sentEOF = true
	ch.mux.send(wire.NewWriter(wire.MsgChannelEOF).Uint32(ch.remoteID).Bytes())
	ch.DLogf("Sent EOF")
	return nil
}

// write frames data as plain (code 0) or extended channel data
func (ch *Channel) write(code uint32, data []byte) (int, error) {
	ch.lock.Lock()
	remote := ch.remote
	ch.lock.Unlock()
	if remote == nil {
		return 0, ErrWriteClosed
	}
	n := 0
	for len(data) > 0 {
		want := uint32(len(data))
		if uint64(len(data)) > uint64(^uint32(0)) {
			want = ^uint32(0)
		}
		space, err := remote.Reserve(want)
		if err != nil {
			return n, err
		}
		chunk := data[:space]

		ch.lock.Lock()
		if ch.sentEOF || ch.state != ChannelOpen {
			ch.lock.Unlock()
			return n, ErrWriteClosed
		}
		var w *wire.Writer
		if code == 0 {
			w = wire.NewWriter(wire.MsgChannelData).Uint32(ch.remoteID)
		} else {
			w = wire.NewWriter(wire.MsgChannelExtendedData).Uint32(ch.remoteID).Uint32(code)
		}
		f := ch.mux.send(w.Blob(chunk).Bytes())
		ch.writes[f] = struct{}{}
		ch.lock.Unlock()
		f.AddListener(ch.writeDone)

		ch.bytesOut.Add(uint64(space))
		n += int(space)
		data = data[space:]
	}
	return n, nil
}

func (ch *Channel) writeDone(f *closer.Future) {
	if err := f.Err(); err != nil && err != closer.ErrClosed {
		ch.DLogf("Data frame was not delivered: %s", err)
	}
	ch.lock.Lock()
	delete(ch.writes, f)
	ch.lock.Unlock()
}

// consumed credits n bytes read by the consumer back to the peer. A window
// adjust is sent once at least half of the initial window has been consumed.
func (ch *Channel) consumed(n int) {
	if n <= 0 {
		return
	}
	ch.bytesIn.Add(uint64(n))
	ch.lock.Lock()
	defer ch.lock.Unlock()
	ch.unacked += uint32(n)
	if ch.unacked < ch.initialLocal/2 || ch.sentClose || ch.recvClose {
		return
	}
	if ch.state != ChannelOpen && ch.state != ChannelClosing {
		return
	}
	adjust := ch.unacked
	ch.unacked = 0
	if err := ch.local.Expand(adjust); err != nil {
		ch.WLogErrorf("Not adjusting window: %s", err)
		return
	}
	ch.TLogf("Granting %d bytes", adjust)
	ch.mux.send(wire.NewWriter(wire.MsgChannelWindowAdjust).Uint32(ch.remoteID).Uint32(adjust).Bytes())
}

// SendRequest sends a channel request. With wantReply it blocks until the
// peer answers, the context is done or the channel closes; the result is true
// if the peer answered with success. Without wantReply it returns false as
// soon as the request is queued.
func (ch *Channel) SendRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, error) {
	f, err := ch.SendRequestAsync(name, wantReply, payload)
	if err != nil || f == nil {
		return false, err
	}
	err = f.WaitContext(ctx)
	if err == ErrRequestRejected {
		return false, nil
	}
	return err == nil, err
}

// SendRequestAsync sends a channel request. For wantReply requests it returns
// a Future that resolves with nil on success, ErrRequestRejected on failure or
// ErrRequestAborted if the channel closes first. Otherwise the Future is nil.
func (ch *Channel) SendRequestAsync(name string, wantReply bool, payload []byte) (*closer.Future, error) {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.sentClose || (ch.state != ChannelOpen && ch.state != ChannelClosing) {
		return nil, closer.ErrClosed
	}
	var result *closer.Future
	if wantReply {
		result = ch.pending.add(name).result
	}
	ch.mux.send(wire.NewWriter(wire.MsgChannelRequest).
		Uint32(ch.remoteID).
		Text(name).
		Bool(wantReply).
		Raw(payload).
		Bytes())
	return result, nil
}

// handlePacket processes a channel scoped message addressed to this channel.
// The recipient id has already been consumed from r.
func (ch *Channel) handlePacket(r *wire.Reader) error {
	switch r.Msg() {
	case wire.MsgChannelOpenConfirmation:
		return ch.handleOpenConfirm(r)
	case wire.MsgChannelOpenFailure:
		return ch.handleOpenFailure(r)
	}

	ch.lock.Lock()
	state := ch.state
	ch.lock.Unlock()
	if state == ChannelOpening {
		return wire.UnexpectedMessageError(r.Msg(), "channel "+state.String())
	}

	switch r.Msg() {
	case wire.MsgChannelWindowAdjust:
		n := r.Uint32()
		if err := r.Err(); err != nil {
			return err
		}
		if err := ch.RemoteWindow().Expand(n); err != nil {
			return wire.ProtocolErrorf(r.Msg(), "%s: %s", ch, err)
		}
		return nil

	case wire.MsgChannelData:
		data := r.Blob()
		if err := r.Err(); err != nil {
			return err
		}
		return ch.receive(r.Msg(), ch.stdout, data)

	case wire.MsgChannelExtendedData:
		code := r.Uint32()
		data := r.Blob()
		if err := r.Err(); err != nil {
			return err
		}
		target := ch.stderr
		if code != ExtendedDataStderr {
			ch.DLogf("Discarding extended data of type %d", code)
			target = nil
		}
		return ch.receive(r.Msg(), target, data)

	case wire.MsgChannelEOF:
		ch.lock.Lock()
		ch.recvEOF = true
		ch.lock.Unlock()
		ch.DLogf("Received EOF")
		ch.stdout.setEOF()
		ch.stderr.setEOF()
		return nil

	case wire.MsgChannelClose:
		return ch.handleClose()

	case wire.MsgChannelRequest:
		req := &Request{Type: r.Text(), WantReply: r.Bool(), ch: ch}
		req.Payload = append([]byte(nil), r.Rest()...)
		if err := r.Err(); err != nil {
			return err
		}
		if !ch.requests.push(req) && req.WantReply {
			req.Reply(false)
		}
		return nil

	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		ch.lock.Lock()
		p := ch.pending.popOldest()
		ch.lock.Unlock()
		if p == nil {
			return wire.ProtocolErrorf(r.Msg(), "%s: reply with no outstanding request", ch)
		}
		if r.Msg() == wire.MsgChannelSuccess {
			p.result.Resolve(nil)
		} else {
			p.result.Resolve(ErrRequestRejected)
		}
		return nil
	}
	return wire.UnexpectedMessageError(r.Msg(), "channel "+state.String())
}

func (ch *Channel) receive(msg byte, target *buffer, data []byte) error {
	ch.lock.Lock()
	late := ch.recvEOF || ch.recvClose
	ch.lock.Unlock()
	if late {
		return wire.ProtocolErrorf(msg, "%s: data after EOF", ch)
	}
	if uint32(len(data)) > ch.local.MaxPacket() {
		return wire.ProtocolErrorf(msg, "%s: %d byte frame exceeds maximum packet %d", ch, len(data), ch.local.MaxPacket())
	}
	if err := ch.local.Consume(uint32(len(data))); err != nil {
		return wire.ProtocolErrorf(msg, "%s: %s", ch, err)
	}
	if target == nil {
		// discarded data still counts against the window
		ch.consumed(len(data))
		return nil
	}
	target.write(data)
	return nil
}

func (ch *Channel) handleOpenConfirm(r *wire.Reader) error {
	remoteID := r.Uint32()
	window := r.Uint32()
	maxPacket := r.Uint32()
	if err := r.Err(); err != nil {
		return err
	}
	ch.lock.Lock()
	if !ch.outgoing || ch.state != ChannelOpening {
		state := ch.state
		ch.lock.Unlock()
		return wire.UnexpectedMessageError(r.Msg(), "channel "+state.String())
	}
	ch.remoteID = remoteID
	ch.remote = NewWindow(window, clampMaxPacket(maxPacket))
	ch.state = ChannelOpen
	ch.lock.Unlock()
	ch.DLogf("Open confirmed: remote id %d, window %s, max packet %s",
		remoteID, sizestr.ToString(int64(window)), sizestr.ToString(int64(maxPacket)))
	ch.openResult.Resolve(nil)
	return nil
}

func (ch *Channel) handleOpenFailure(r *wire.Reader) error {
	reason := RejectionReason(r.Uint32())
	message := r.Text()
	if err := r.Err(); err != nil {
		return err
	}
	ch.lock.Lock()
	if !ch.outgoing || ch.state != ChannelOpening {
		state := ch.state
		ch.lock.Unlock()
		return wire.UnexpectedMessageError(r.Msg(), "channel "+state.String())
	}
	ch.state = ChannelOpenFailed
	ch.lock.Unlock()
	ch.DLogf("Open rejected: %s (%s)", message, reason)
	ch.mux.forget(ch, false, false)
	ch.openResult.Resolve(&OpenError{Reason: reason, Message: message})
	ch.CloseAsync(true)
	return nil
}

func (ch *Channel) handleClose() error {
	ch.lock.Lock()
	ch.recvClose = true
	ch.recvEOF = true
	answered := ch.sentClose
	ch.lock.Unlock()
	ch.DLogf("Received close")
	ch.stdout.setEOF()
	ch.stderr.setEOF()
	ch.peerClosed.Resolve(nil)
	if answered {
		ch.mux.forget(ch, false, false)
	} else {
		// the peer started the close; answer it and tear down
		ch.CloseAsync(true)
	}
	return nil
}

// waitOpen blocks until the open is confirmed or rejected
func (ch *Channel) waitOpen(ctx context.Context) error {
	return ch.openResult.WaitContext(ctx)
}

// PreClose stops new writes and requests
func (ch *Channel) PreClose() {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.state == ChannelOpen {
		ch.state = ChannelClosing
	}
}

// CloseGracefully waits for queued data frames to go out, sends EOF and CLOSE,
// then waits for the peer's CLOSE
func (ch *Channel) CloseGracefully() *closer.Future {
	ch.lock.Lock()
	if ch.state != ChannelClosing {
		ch.lock.Unlock()
		return nil
	}
	writes := make([]*closer.Future, 0, len(ch.writes))
	for f := range ch.writes {
		writes = append(writes, f)
	}
	ch.graceful = closer.NewBuilder(ch.Logger).
		When(writes...).
		Run(func() { ch.CloseWrite() }).
		Run(ch.sendClose).
		When(ch.peerClosed).
		Build()
	graceful := ch.graceful
	ch.lock.Unlock()
	return graceful.CloseAsync(false)
}

func (ch *Channel) sendClose() {
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.sentClose {
		return
	}
	ch.sentClose = true
	ch.mux.send(wire.NewWriter(wire.MsgChannelClose).Uint32(ch.remoteID).Bytes())
	ch.DLogf("Sent close")
}

// CloseImmediately tears the channel down without draining. Requests still
// waiting for a reply fail with ErrRequestAborted.
func (ch *Channel) CloseImmediately() *closer.Future {
	ch.lock.Lock()
	prev := ch.state
	if prev != ChannelOpenFailed {
		ch.state = ChannelClosed
	}
	peerKnows := prev == ChannelOpen || prev == ChannelClosing
	needClose := peerKnows && !ch.sentClose
	if needClose {
		ch.sentClose = true
		ch.sentEOF = true
		ch.mux.send(wire.NewWriter(wire.MsgChannelClose).Uint32(ch.remoteID).Bytes())
	}
	graceful := ch.graceful
	remote := ch.remote
	aborted := ch.pending.drain()
	recvClose := ch.recvClose
	ch.lock.Unlock()

	if graceful != nil {
		graceful.CloseAsync(true)
	}
	for _, p := range aborted {
		p.result.Resolve(ErrRequestAborted)
	}
	if len(aborted) > 0 {
		ch.DLogf("Aborted %d outstanding requests", len(aborted))
	}
	if remote != nil {
		remote.Close()
	}
	ch.stdout.setEOF()
	ch.stderr.setEOF()
	ch.requests.close()
	ch.openResult.Resolve(closer.ErrClosed)

	switch {
	case prev == ChannelOpenFailed:
	case prev == ChannelOpening:
		// the peer will still answer the open
		ch.mux.forget(ch, true, true)
	default:
		ch.mux.forget(ch, !recvClose, false)
	}
	ch.DLogf("Closed after %s: in %s, out %s", time.Since(ch.opened).Round(time.Millisecond),
		sizestr.ToString(int64(ch.bytesIn.Load())), sizestr.ToString(int64(ch.bytesOut.Load())))
	return nil
}
