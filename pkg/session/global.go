package session

import (
	"context"
	"sync"

	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// KeepaliveRequest is the global request name used for keepalives
const KeepaliveRequest = "keepalive@openssh.com"

// GlobalRequestHandler services a global request from the peer. It runs on
// the dispatch goroutine, so it must not block. A request with WantReply that
// the handler leaves unanswered is answered with failure.
type GlobalRequestHandler func(req *GlobalRequest)

// RejectGlobalRequests is the default GlobalRequestHandler
func RejectGlobalRequests(req *GlobalRequest) {
	req.Reply(false, nil)
}

// GlobalRequest is a global request received from the peer
type GlobalRequest struct {
	Type      string
	WantReply bool
	Payload   []byte

	s       *Session
	lock    sync.Mutex
	replied bool
}

// Reply answers the request; payload is only sent on success. It is a no-op
// for requests that do not want a reply, and after the first call.
func (r *GlobalRequest) Reply(ok bool, payload []byte) error {
	r.lock.Lock()
	already := r.replied
	r.replied = true
	r.lock.Unlock()
	if already || !r.WantReply {
		return nil
	}
	if !ok {
		r.s.send([]byte{wire.MsgRequestFailure})
		return nil
	}
	r.s.send(wire.NewWriter(wire.MsgRequestSuccess).Raw(payload).Bytes())
	return nil
}

// pendingGlobal is one of our want-reply global requests. Replies carry no
// identifier and arrive in request order.
type pendingGlobal struct {
	name    string
	ok      bool
	payload []byte
	result  *closer.Future
}

func (s *Session) handleGlobalRequest(payload []byte) error {
	r := wire.NewReader(payload)
	req := &GlobalRequest{
		Type:      r.Text(),
		WantReply: r.Bool(),
		s:         s,
	}
	req.Payload = r.Rest()
	if err := r.Err(); err != nil {
		return err
	}
	s.TLogf("Global request %q want-reply=%v", req.Type, req.WantReply)
	s.config.GlobalRequestHandler(req)
	req.Reply(false, nil)
	return nil
}

func (s *Session) handleGlobalReply(msg byte, payload []byte) error {
	s.lock.Lock()
	if len(s.globals) == 0 {
		s.lock.Unlock()
		return wire.ProtocolErrorf(msg, "reply with no outstanding global request")
	}
	p := s.globals[0]
	s.globals[0] = nil
	s.globals = s.globals[1:]
	s.lock.Unlock()

	p.ok = msg == wire.MsgRequestSuccess
	if p.ok {
		p.payload = append([]byte(nil), payload[1:]...)
	}
	s.TLogf("Global request %q answered: %v", p.name, p.ok)
	p.result.Resolve(nil)
	return nil
}

// sendGlobalRequest queues a global request. If wantReply is set, the
// returned entry resolves when its reply arrives; otherwise it is nil.
func (s *Session) sendGlobalRequest(name string, wantReply bool, payload []byte) (*pendingGlobal, error) {
	if !s.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.IsClosing() {
		return nil, closer.ErrClosed
	}
	var p *pendingGlobal
	if wantReply {
		p = &pendingGlobal{name: name, result: closer.NewFuture()}
		s.globals = append(s.globals, p)
	}
	s.sendLocked(wire.NewWriter(wire.MsgGlobalRequest).Text(name).Bool(wantReply).Raw(payload).Bytes())
	return p, nil
}

// SendGlobalRequest sends a global request and, if wantReply is set, waits
// for the reply. It returns whether the peer accepted the request and the
// reply's payload. If ctx expires first, ctx.Err() is returned and the reply
// is discarded when it arrives.
func (s *Session) SendGlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	p, err := s.sendGlobalRequest(name, wantReply, payload)
	if err != nil || p == nil {
		return false, nil, err
	}
	if err := p.result.WaitContext(ctx); err != nil {
		return false, nil, err
	}
	return p.ok, p.payload, nil
}

// PendingGlobalRequests returns the number of our global requests still
// waiting for a reply
func (s *Session) PendingGlobalRequests() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.globals)
}

// abortGlobals fails every outstanding global request
func (s *Session) abortGlobals() {
	s.lock.Lock()
	pending := s.globals
	s.globals = nil
	s.lock.Unlock()
	for _, p := range pending {
		p.result.Resolve(mux.ErrRequestAborted)
	}
	if len(pending) > 0 {
		s.DLogf("Aborted %d outstanding global requests", len(pending))
	}
}

// keepalive sends a keepalive request and fails once too many are unanswered.
// Any reply, success or failure, shows the peer is alive.
func (s *Session) keepalive() error {
	s.lock.Lock()
	missed := s.keepalives
	s.lock.Unlock()
	if missed >= s.config.KeepaliveMaxMissed {
		return ErrKeepaliveTimeout
	}
	p, err := s.sendGlobalRequest(KeepaliveRequest, true, nil)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.keepalives++
	s.lock.Unlock()
	p.result.AddListener(func(f *closer.Future) {
		if f.Err() == nil {
			s.lock.Lock()
			s.keepalives--
			s.lock.Unlock()
		}
	})
	return nil
}
