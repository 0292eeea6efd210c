// Package kex implements the SSH2 key exchange: algorithm negotiation, classic
// Diffie-Hellman and Diffie-Hellman group exchange, the exchange hash, host
// signature production and verification, and derivation of the keys installed
// at each NEWKEYS boundary.
package kex

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/wire"
	"golang.org/x/crypto/ssh"
)

// State is the state of the key exchange state machine
type State int

const (
	// StateIdle means no exchange has been started
	StateIdle State = iota

	// StateAwaitProposal means our KEXINIT has been sent and the peer's is awaited
	StateAwaitProposal

	// StateProposalExchanged means both KEXINITs are known and the algorithms are negotiated
	StateProposalExchanged

	// StateAwaitGroup is group exchange only: the server awaits the request, the client awaits the group
	StateAwaitGroup

	// StateAwaitInit means the server awaits the client's public value
	StateAwaitInit

	// StateAwaitReply means the client awaits the server's reply
	StateAwaitReply

	// StateKeysDerived means our NEWKEYS has been sent and the peer's is awaited
	StateKeysDerived

	// StateDone means the exchange is complete and both directions use the new keys
	StateDone
)

var stateNames = [...]string{
	"idle", "await-proposal", "proposal-exchanged", "await-group",
	"await-init", "await-reply", "keys-derived", "done",
}

func (s State) String() string {
	if s < StateIdle || s > StateDone {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Role selects which side of the exchange an Engine plays
type Role int

const (
	// RoleClient is the connection initiator
	RoleClient Role = iota

	// RoleServer is the host key owner
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Transport is the packet layer the engine writes to. Packets written before
// SwitchOutgoing use the old keys; packets after it use the new ones.
// SwitchIncoming is called while processing the peer's NEWKEYS, so the next
// packet read uses the new keys.
type Transport interface {
	WritePacket(payload []byte) error
	SwitchOutgoing(keys *sshalgo.DirectionKeys) error
	SwitchIncoming(keys *sshalgo.DirectionKeys) error
}

// HostKeyCallback is called by the client with the server's verified host
// key. Returning an error aborts the exchange.
type HostKeyCallback func(algo string, key ssh.PublicKey) error

// Config configures an Engine. Zero fields take defaults.
type Config struct {
	// Methods, HostKeyAlgorithms, Ciphers and MACs are preference lists.
	// Unsupported names are dropped.
	Methods           []string
	HostKeyAlgorithms []string
	Ciphers           []string
	MACs              []string

	// Gex is the group size the client requests
	Gex GexRequest

	// Moduli is the server's group exchange candidate table
	Moduli *Moduli

	// HostKeys are the server's host keys
	HostKeys []ssh.Signer

	// HostKeyCallback checks the server's host key on the client. If nil,
	// every key is accepted.
	HostKeyCallback HostKeyCallback

	Registry *sshalgo.Registry
}

// Context holds the material of one key exchange. The private exponent never
// leaves it.
type Context struct {
	ClientVersion string
	ServerVersion string
	ClientKexInit []byte
	ServerKexInit []byte
	Algorithms    *Algorithms
	Method        *Method
	Gex           *GexRequest
	Group         *Group
	HostKey       []byte
	E             *big.Int
	F             *big.Int
	K             *big.Int
	H             []byte

	x *big.Int
}

func negotiationErrorf(f string, args ...interface{}) error {
	return &wire.NegotiationError{Reason: fmt.Sprintf(f, args...)}
}

// ErrNoHostKey is returned by a server asked to use a host key algorithm it
// has no key for
var ErrNoHostKey = errors.New("kex: no host key for negotiated algorithm")

// Engine runs key exchanges for one connection. The first exchange starts
// when either side sends KEXINIT; each later KEXINIT starts a re-key. Engine
// is safe for concurrent use, but packets must be handed to HandlePacket in
// arrival order.
type Engine struct {
	logger.Logger
	lock          sync.Mutex
	role          Role
	config        Config
	t             Transport
	clientVersion string
	serverVersion string

	state       State
	ctx         *Context
	ours        *Proposal
	ourKexInit  []byte
	ignoreNext  bool
	pendingIn   *sshalgo.DirectionKeys
	sessionID   []byte
	hostKey     ssh.PublicKey
	nExchanges  int
	lastContext *Context
}

// NewEngine creates an Engine. clientVersion and serverVersion are the
// identification strings without CR LF.
func NewEngine(log logger.Logger, role Role, config *Config, t Transport, clientVersion, serverVersion string) *Engine {
	e := &Engine{
		Logger:        log.Fork("kex(%s)", role),
		role:          role,
		t:             t,
		clientVersion: clientVersion,
		serverVersion: serverVersion,
	}
	if config != nil {
		e.config = *config
	}
	e.applyDefaults()
	return e
}

func (e *Engine) applyDefaults() {
	c := &e.config
	if c.Registry == nil {
		c.Registry = sshalgo.Default()
	}
	reg := c.Registry
	c.Methods = pickList(c.Methods, DefaultMethods)
	if e.role == RoleServer {
		c.HostKeyAlgorithms = pickList(c.HostKeyAlgorithms, reg.AlgorithmsForSigners(c.HostKeys))
	} else {
		c.HostKeyAlgorithms = pickList(c.HostKeyAlgorithms, reg.HostKeyAlgorithms())
	}
	c.Ciphers = pickList(c.Ciphers, reg.Ciphers())
	c.MACs = pickList(c.MACs, reg.MACs())
	if c.Gex.Preferred == 0 {
		c.Gex = GexRequest{Min: GexMin, Preferred: GexPreferred, Max: GexMax, Legacy: c.Gex.Legacy}
	}
	if c.Moduli == nil {
		c.Moduli = NewModuli(DefaultCandidates())
	}
}

// pickList restricts a configured list to what is supported, or returns the
// supported list when nothing is configured
func pickList(configured, supported []string) []string {
	if len(configured) == 0 {
		return supported
	}
	return sshalgo.Filter(configured, supported)
}

// State returns the current state
func (e *Engine) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state
}

// InProgress returns true while an exchange is running
func (e *Engine) InProgress() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.inProgress()
}

func (e *Engine) inProgress() bool {
	return e.state != StateIdle && e.state != StateDone
}

// SessionID returns the exchange hash of the first completed exchange, or nil
// before then. It never changes once set.
func (e *Engine) SessionID() []byte {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.sessionID
}

// HostKey returns the server host key verified by the last exchange (client
// side only)
func (e *Engine) HostKey() ssh.PublicKey {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.hostKey
}

// Exchanges returns the number of completed exchanges
func (e *Engine) Exchanges() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.nExchanges
}

// LastContext returns the material of the most recently completed exchange
func (e *Engine) LastContext() *Context {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.lastContext
}

// Start begins a key exchange by sending our KEXINIT. It does nothing if an
// exchange is already running.
func (e *Engine) Start() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.inProgress() {
		return nil
	}
	return e.sendKexInit()
}

func (e *Engine) sendKexInit() error {
	c := &e.config
	p, err := NewProposal(c.Registry.Rand)
	if err != nil {
		return err
	}
	compressions := c.Registry.Compressions()
	p.KexAlgos = c.Methods
	p.HostKeyAlgos = c.HostKeyAlgorithms
	p.CiphersClientServer = c.Ciphers
	p.CiphersServerClient = c.Ciphers
	p.MACsClientServer = c.MACs
	p.MACsServerClient = c.MACs
	p.CompressionClientServer = compressions
	p.CompressionServerClient = compressions
	e.ours = p
	e.ourKexInit = p.Marshal()
	e.ignoreNext = false
	e.state = StateAwaitProposal
	e.DLogf("Sending KEXINIT")
	return e.t.WritePacket(e.ourKexInit)
}

// HandlePacket processes one key exchange packet (KEXINIT, NEWKEYS or a
// method-specific message). It returns true when the packet completed an
// exchange.
func (e *Engine) HandlePacket(payload []byte) (done bool, err error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if len(payload) == 0 {
		return false, &wire.ProtocolError{Reason: "empty packet"}
	}
	msg := payload[0]

	if msg == wire.MsgKexInit {
		if !e.inProgress() {
			if err := e.sendKexInit(); err != nil {
				return false, err
			}
		}
		if e.state != StateAwaitProposal {
			return false, wire.UnexpectedMessageError(msg, e.state.String())
		}
		return false, e.handleKexInit(payload)
	}

	if msg != wire.MsgNewKeys && e.ignoreNext {
		e.ignoreNext = false
		e.DLogf("Ignoring wrongly guessed %s", wire.MsgName(msg))
		return false, nil
	}

	switch e.state {
	case StateAwaitGroup:
		if e.role == RoleServer {
			err = e.serverHandleGexRequest(msg, payload)
		} else {
			err = e.clientHandleGexGroup(msg, payload)
		}
	case StateAwaitInit:
		if e.role == RoleServer {
			err = e.serverHandleInit(msg, payload)
		} else {
			err = wire.UnexpectedMessageError(msg, e.state.String())
		}
	case StateAwaitReply:
		if e.role == RoleClient {
			err = e.clientHandleReply(msg, payload)
		} else {
			err = wire.UnexpectedMessageError(msg, e.state.String())
		}
	case StateKeysDerived:
		if msg != wire.MsgNewKeys {
			return false, wire.UnexpectedMessageError(msg, e.state.String())
		}
		return true, e.handleNewKeys()
	default:
		err = wire.UnexpectedMessageError(msg, e.state.String())
	}
	return false, err
}

func (e *Engine) handleKexInit(payload []byte) error {
	theirs, err := ParseProposal(payload)
	if err != nil {
		return err
	}
	theirKexInit := append([]byte(nil), payload...)

	ctx := &Context{
		ClientVersion: e.clientVersion,
		ServerVersion: e.serverVersion,
	}
	var client, server *Proposal
	if e.role == RoleClient {
		client, server = e.ours, theirs
		ctx.ClientKexInit, ctx.ServerKexInit = e.ourKexInit, theirKexInit
	} else {
		client, server = theirs, e.ours
		ctx.ClientKexInit, ctx.ServerKexInit = theirKexInit, e.ourKexInit
	}
	algs, err := Negotiate(client, server)
	if err != nil {
		return err
	}
	method := LookupMethod(algs.Kex)
	if method == nil {
		return negotiationErrorf("unsupported key exchange method %q", algs.Kex)
	}
	ctx.Algorithms = algs
	ctx.Method = method
	e.ctx = ctx
	e.state = StateProposalExchanged
	e.DLogf("Negotiated kex=%s hostkey=%s c2s=%+v s2c=%+v", algs.Kex, algs.HostKey, algs.ClientServer, algs.ServerClient)

	if theirs.FirstKexFollows && !guessedRight(theirs, algs) {
		e.ignoreNext = true
	}
	return e.beginMethod()
}

func (e *Engine) beginMethod() error {
	ctx := e.ctx
	if ctx.Method.IsGex() {
		e.state = StateAwaitGroup
		if e.role == RoleServer {
			return nil
		}
		req := e.config.Gex
		ctx.Gex = &req
		if req.Legacy {
			return e.t.WritePacket(wire.NewWriter(wire.MsgKexDHGexRequestOld).Uint32(req.Preferred).Bytes())
		}
		return e.t.WritePacket(wire.NewWriter(wire.MsgKexDHGexRequest).
			Uint32(req.Min).Uint32(req.Preferred).Uint32(req.Max).Bytes())
	}

	ctx.Group = ctx.Method.Group
	if e.role == RoleServer {
		e.state = StateAwaitInit
		return nil
	}
	return e.clientSendInit(wire.MsgKexDHInit)
}

func (e *Engine) clientSendInit(msg byte) error {
	ctx := e.ctx
	x, pub, err := ctx.Group.GenerateKey(e.config.Registry.Rand)
	if err != nil {
		return err
	}
	ctx.x, ctx.E = x, pub
	e.state = StateAwaitReply
	return e.t.WritePacket(wire.NewWriter(msg).Mpint(pub).Bytes())
}

func (e *Engine) serverHandleGexRequest(msg byte, payload []byte) error {
	r := wire.NewReader(payload)
	req := &GexRequest{}
	switch msg {
	case wire.MsgKexDHGexRequest:
		req.Min, req.Preferred, req.Max = r.Uint32(), r.Uint32(), r.Uint32()
	case wire.MsgKexDHGexRequestOld:
		req.Preferred = r.Uint32()
		req.Legacy = true
	default:
		return wire.UnexpectedMessageError(msg, e.state.String())
	}
	if err := r.Err(); err != nil {
		return err
	}
	min, pref, max, err := NormalizeGexRequest(*req)
	if err != nil {
		return err
	}
	group, err := e.config.Moduli.Select(min, pref, max, e.config.Registry.Rand)
	if err != nil {
		return err
	}
	e.DLogf("Group exchange request (%d, %d, %d) legacy=%v: chose %d-bit group", req.Min, req.Preferred, req.Max, req.Legacy, group.Bits())
	e.ctx.Gex = req
	e.ctx.Group = group
	e.state = StateAwaitInit
	return e.t.WritePacket(wire.NewWriter(wire.MsgKexDHGexGroup).Mpint(group.P).Mpint(group.G).Bytes())
}

func (e *Engine) clientHandleGexGroup(msg byte, payload []byte) error {
	if msg != wire.MsgKexDHGexGroup {
		return wire.UnexpectedMessageError(msg, e.state.String())
	}
	r := wire.NewReader(payload)
	p, g := r.Mpint(), r.Mpint()
	if err := r.Err(); err != nil {
		return err
	}
	req := e.ctx.Gex
	lo, hi := int(req.Min), int(req.Max)
	if req.Legacy {
		lo, hi = GexFloor, GexCeiling
	}
	if bits := p.BitLen(); bits < lo || bits > hi {
		return negotiationErrorf("server sent a %d-bit group outside the requested range [%d, %d]", bits, lo, hi)
	}
	group := &Group{P: p, G: g}
	if err := group.CheckPublic(g); err != nil {
		return wire.ProtocolErrorf(msg, "bad group generator")
	}
	e.ctx.Group = group
	return e.clientSendInit(wire.MsgKexDHGexInit)
}

func (e *Engine) serverHandleInit(msg byte, payload []byte) error {
	ctx := e.ctx
	want, replyMsg := wire.MsgKexDHInit, wire.MsgKexDHReply
	if ctx.Method.IsGex() {
		want, replyMsg = wire.MsgKexDHGexInit, wire.MsgKexDHGexReply
	}
	if msg != want {
		return wire.UnexpectedMessageError(msg, e.state.String())
	}
	r := wire.NewReader(payload)
	ctx.E = r.Mpint()
	if err := r.Err(); err != nil {
		return err
	}
	if err := ctx.Group.CheckPublic(ctx.E); err != nil {
		return wire.ProtocolErrorf(msg, "%s", err)
	}
	y, f, err := ctx.Group.GenerateKey(e.config.Registry.Rand)
	if err != nil {
		return err
	}
	ctx.F = f
	if ctx.K, err = ctx.Group.SharedSecret(ctx.E, y); err != nil {
		return err
	}

	signer := sshalgo.SignerForAlgorithm(e.config.HostKeys, ctx.Algorithms.HostKey)
	if signer == nil {
		return ErrNoHostKey
	}
	ctx.HostKey = signer.PublicKey().Marshal()
	ctx.H = ExchangeHash(ctx.Method.Hash, e.hashInput())
	sig, err := e.config.Registry.Sign(signer, ctx.Algorithms.HostKey, ctx.H)
	if err != nil {
		return err
	}
	reply := wire.NewWriter(replyMsg).Blob(ctx.HostKey).Mpint(f).Blob(sig).Bytes()
	if err := e.t.WritePacket(reply); err != nil {
		return err
	}
	return e.sendNewKeys()
}

func (e *Engine) clientHandleReply(msg byte, payload []byte) error {
	ctx := e.ctx
	want := wire.MsgKexDHReply
	if ctx.Method.IsGex() {
		want = wire.MsgKexDHGexReply
	}
	if msg != want {
		return wire.UnexpectedMessageError(msg, e.state.String())
	}
	r := wire.NewReader(payload)
	ctx.HostKey = append([]byte(nil), r.Blob()...)
	ctx.F = r.Mpint()
	sig := r.Blob()
	if err := r.Err(); err != nil {
		return err
	}
	var err error
	if ctx.K, err = ctx.Group.SharedSecret(ctx.F, ctx.x); err != nil {
		return wire.ProtocolErrorf(msg, "%s", err)
	}
	ctx.H = ExchangeHash(ctx.Method.Hash, e.hashInput())
	pub, err := e.config.Registry.Verify(ctx.Algorithms.HostKey, ctx.HostKey, ctx.H, sig)
	if err != nil {
		return err
	}
	if cb := e.config.HostKeyCallback; cb != nil {
		if err := cb(ctx.Algorithms.HostKey, pub); err != nil {
			return fmt.Errorf("kex: host key rejected: %w", err)
		}
	}
	e.hostKey = pub
	return e.sendNewKeys()
}

func (e *Engine) hashInput() *HashInput {
	ctx := e.ctx
	in := &HashInput{
		ClientVersion: ctx.ClientVersion,
		ServerVersion: ctx.ServerVersion,
		ClientKexInit: ctx.ClientKexInit,
		ServerKexInit: ctx.ServerKexInit,
		HostKey:       ctx.HostKey,
		E:             ctx.E,
		F:             ctx.F,
		K:             ctx.K,
	}
	if ctx.Method.IsGex() {
		in.Gex = ctx.Gex
		in.Group = ctx.Group
	}
	return in
}

// sendNewKeys derives the new keys, sends NEWKEYS and switches the outgoing
// direction
func (e *Engine) sendNewKeys() error {
	ctx := e.ctx
	ctx.x = nil
	sessionID := e.sessionID
	if sessionID == nil {
		sessionID = ctx.H
	}
	cs, sc, err := DeriveKeys(e.config.Registry, ctx.Algorithms, ctx.Method.Hash, ctx.K, ctx.H, sessionID)
	if err != nil {
		return err
	}
	out, in := cs, sc
	if e.role == RoleServer {
		out, in = sc, cs
	}
	if err := e.t.WritePacket([]byte{wire.MsgNewKeys}); err != nil {
		return err
	}
	if err := e.t.SwitchOutgoing(out); err != nil {
		return err
	}
	e.pendingIn = in
	e.state = StateKeysDerived
	return nil
}

func (e *Engine) handleNewKeys() error {
	if err := e.t.SwitchIncoming(e.pendingIn); err != nil {
		return err
	}
	e.pendingIn = nil
	if e.sessionID == nil {
		e.sessionID = append([]byte(nil), e.ctx.H...)
	}
	e.nExchanges++
	e.lastContext = e.ctx
	e.ctx = nil
	e.state = StateDone
	e.DLogf("Key exchange %d complete", e.nExchanges)
	return nil
}
