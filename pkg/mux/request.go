package mux

import (
	"sync"
	"time"

	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// pendingRequest is a want-reply channel request waiting for its answer
type pendingRequest struct {
	name   string
	seq    uint64
	issued time.Time
	result *closer.Future
}

// pendingRequests tracks outstanding want-reply requests of one channel.
// Replies carry no request name, so a reply always answers the oldest
// outstanding request on the channel regardless of its name; the per-name
// queues are kept for inspection.
type pendingRequests struct {
	nextSeq uint64
	order   []*pendingRequest
	byName  map[string][]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{byName: make(map[string][]*pendingRequest)}
}

func (p *pendingRequests) add(name string) *pendingRequest {
	p.nextSeq++
	r := &pendingRequest{
		name:   name,
		seq:    p.nextSeq,
		issued: time.Now(),
		result: closer.NewFuture(),
	}
	p.order = append(p.order, r)
	p.byName[name] = append(p.byName[name], r)
	return r
}

// popOldest removes and returns the oldest outstanding request
func (p *pendingRequests) popOldest() *pendingRequest {
	if len(p.order) == 0 {
		return nil
	}
	r := p.order[0]
	p.order[0] = nil
	p.order = p.order[1:]
	q := p.byName[r.name]
	for i, x := range q {
		if x == r {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(p.byName, r.name)
	} else {
		p.byName[r.name] = q
	}
	return r
}

// drain removes and returns every outstanding request
func (p *pendingRequests) drain() []*pendingRequest {
	out := p.order
	p.order = nil
	p.byName = make(map[string][]*pendingRequest)
	return out
}

func (p *pendingRequests) len() int {
	return len(p.order)
}

// outstanding returns the number of unanswered requests named name, and when
// the oldest of them was issued
func (p *pendingRequests) outstanding(name string) (int, time.Time) {
	q := p.byName[name]
	if len(q) == 0 {
		return 0, time.Time{}
	}
	return len(q), q[0].issued
}

// RequestHandler services channel requests sent by the peer. Requests are
// delivered one at a time, in arrival order. A request with WantReply that the
// handler leaves unanswered is answered with failure when the handler returns.
type RequestHandler func(req *Request)

// RejectRequests is the default RequestHandler
func RejectRequests(req *Request) {
	req.Reply(false)
}

// Request is a channel request received from the peer
type Request struct {
	Type      string
	WantReply bool
	Payload   []byte

	ch      *Channel
	lock    sync.Mutex
	replied bool
}

// Channel returns the channel the request arrived on
func (r *Request) Channel() *Channel {
	return r.ch
}

// Reply answers the request. It is a no-op for requests that do not want a
// reply, and for requests that have already been answered.
func (r *Request) Reply(ok bool) error {
	r.lock.Lock()
	already := r.replied
	r.replied = true
	r.lock.Unlock()
	if already || !r.WantReply {
		return nil
	}
	return r.ch.sendReply(ok)
}

func (r *Request) isReplied() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.replied
}

// requestQueue hands incoming requests to the channel's handler goroutine
// without ever blocking the dispatcher
type requestQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	queue  []*Request
	closed bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.lock)
	return q
}

func (q *requestQueue) push(r *Request) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false
	}
	q.queue = append(q.queue, r)
	q.cond.Signal()
	return true
}

// pop blocks for the next request. It returns nil once the queue is closed
// and empty.
func (q *requestQueue) pop() *Request {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.queue) == 0 {
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
	r := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return r
}

func (q *requestQueue) close() {
	q.lock.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.lock.Unlock()
}

// serveRequests runs handler over every request queued for ch until the
// channel closes
func (ch *Channel) serveRequests(handler RequestHandler) {
	if handler == nil {
		handler = RejectRequests
	}
	for {
		req := ch.requests.pop()
		if req == nil {
			return
		}
		ch.TLogf("Serving request %q want-reply=%v", req.Type, req.WantReply)
		handler(req)
		if req.WantReply && !req.isReplied() {
			req.Reply(false)
		}
	}
}

func (ch *Channel) sendReply(ok bool) error {
	op := wire.MsgChannelFailure
	if ok {
		op = wire.MsgChannelSuccess
	}
	ch.lock.Lock()
	defer ch.lock.Unlock()
	if ch.sentClose {
		return closer.ErrClosed
	}
	ch.mux.send(wire.NewWriter(op).Uint32(ch.remoteID).Bytes())
	return nil
}
