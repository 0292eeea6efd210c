// Package session ties the SSH layers together for one connection: the
// identification exchange and packet transport, key exchange and re-keying,
// user authentication, global requests and the channel multiplexer.
//
// A Session runs a single dispatch goroutine that handles packets in arrival
// order. While a key exchange is running, every outgoing packet other than key
// exchange and transport generic messages is held back and released, in
// order, once the new outgoing keys are in use.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/kex"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/transport"
	"github.com/sammck-go/wstssh/pkg/wire"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultVersion is the identification string sent when none is configured
	DefaultVersion = "SSH-2.0-wstssh_1.0"

	// DefaultRekeyBytes is the traffic volume after which keys are renewed
	DefaultRekeyBytes = 1 << 30

	// DefaultRekeyInterval is the time after which keys are renewed
	DefaultRekeyInterval = time.Hour

	// DefaultMaxAuthTries is the number of failed attempts a server allows
	DefaultMaxAuthTries = 6

	// DefaultKeepaliveMaxMissed is the number of unanswered keepalives that
	// end the session
	DefaultKeepaliveMaxMissed = 3

	// ServiceUserAuth and ServiceConnection are the service names of RFC 4252
	// and RFC 4254
	ServiceUserAuth   = "ssh-userauth"
	ServiceConnection = "ssh-connection"

	disconnectTimeout = time.Second
)

// housekeepingInterval is how often re-key and keepalive conditions are checked
var housekeepingInterval = time.Second

// ErrHandshakeStarted is returned by a second call to Handshake
var ErrHandshakeStarted = errors.New("session: handshake already started")

// ErrNotAuthenticated is returned by channel operations before the handshake
// has completed
var ErrNotAuthenticated = errors.New("session: not authenticated")

// ErrKeepaliveTimeout ends a session whose peer stopped answering keepalives
var ErrKeepaliveTimeout = errors.New("session: peer stopped answering keepalives")

// Config configures a Session. Zero fields take defaults.
type Config struct {
	// Version is our identification string, without CR LF
	Version string

	// Kex configures key exchange. A server must set Kex.HostKeys.
	Kex kex.Config

	// Mux holds the flow control parameters advertised for every channel
	Mux mux.Config

	// User and Password are the client's credentials. The client always
	// tries "none" first, then "password" if Password is set and the server
	// allows it.
	User     string
	Password string

	// AuthCallback decides the server's authentication requests. If nil,
	// every request is accepted.
	AuthCallback AuthCallback

	// AuthMethods are the method names a server lists after a failure
	AuthMethods []string

	// MaxAuthTries is the number of failed requests a server tolerates
	MaxAuthTries int

	// Banner is sent by a server before its first authentication response
	Banner string

	// RekeyBytes and RekeyInterval bound the traffic and time between key
	// exchanges
	RekeyBytes    uint64
	RekeyInterval time.Duration

	// KeepaliveInterval enables keepalive global requests when positive.
	// KeepaliveMaxMissed unanswered keepalives end the session.
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int

	// GlobalRequestHandler services global requests from the peer. If nil,
	// every request is rejected.
	GlobalRequestHandler GlobalRequestHandler
}

func (c Config) withDefaults() Config {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if len(c.AuthMethods) == 0 {
		c.AuthMethods = []string{"password"}
	}
	if c.MaxAuthTries <= 0 {
		c.MaxAuthTries = DefaultMaxAuthTries
	}
	if c.RekeyBytes == 0 {
		c.RekeyBytes = DefaultRekeyBytes
	}
	if c.RekeyInterval <= 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.KeepaliveMaxMissed <= 0 {
		c.KeepaliveMaxMissed = DefaultKeepaliveMaxMissed
	}
	if c.GlobalRequestHandler == nil {
		c.GlobalRequestHandler = RejectGlobalRequests
	}
	return c
}

// heldPacket is an outgoing packet waiting for a key exchange to finish
type heldPacket struct {
	payload []byte
	done    *closer.Future
}

// Session is one SSH connection, client or server side
type Session struct {
	closer.Base

	role   kex.Role
	config Config
	conn   *transport.Conn
	mux    *mux.Mux

	// set by the handshake before the dispatch goroutine starts
	kex           *kex.Engine
	clientVersion string
	serverVersion string

	lock             sync.Mutex
	started          bool
	versionsDone     bool
	readerStarted    bool
	holding          bool
	held             []heldPacket
	auth             authState
	globals          []*pendingGlobal
	rekeyMark        uint64
	lastKex          time.Time
	keepalives       int
	fatalErr         error
	peerDisconnected bool

	firstKex   *closer.Future
	authDone   *closer.Future
	readerDone chan struct{}
	stop       chan struct{}
}

// NewClient creates the client side of a session over rwc. The Session takes
// ownership of rwc. Nothing is exchanged until Handshake is called.
func NewClient(log logger.Logger, rwc io.ReadWriteCloser, config *Config) *Session {
	return newSession(log, kex.RoleClient, rwc, config)
}

// NewServer creates the server side of a session over rwc. The Session takes
// ownership of rwc.
func NewServer(log logger.Logger, rwc io.ReadWriteCloser, config *Config) *Session {
	return newSession(log, kex.RoleServer, rwc, config)
}

func newSession(log logger.Logger, role kex.Role, rwc io.ReadWriteCloser, config *Config) *Session {
	if log == nil {
		log = logger.NilLogger
	}
	s := &Session{
		role:       role,
		firstKex:   closer.NewFuture(),
		authDone:   closer.NewFuture(),
		readerDone: make(chan struct{}),
		stop:       make(chan struct{}),
	}
	if config != nil {
		s.config = *config
	}
	s.config = s.config.withDefaults()
	s.InitBase(log.Fork("Session(%s)", role), s)
	s.conn = transport.NewConn(s.Logger, rwc)
	s.mux = mux.New(s.Logger, mux.SenderFunc(s.send), s.config.Mux)
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%s)", s.role)
}

// Role returns which side of the connection this session plays
func (s *Session) Role() kex.Role {
	return s.role
}

// Mux returns the channel multiplexer
func (s *Session) Mux() *mux.Mux {
	return s.mux
}

// Conn returns the packet connection
func (s *Session) Conn() *transport.Conn {
	return s.conn
}

// ClientVersion and ServerVersion return the identification strings, once
// exchanged
func (s *Session) ClientVersion() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.clientVersion
}

// ServerVersion returns the server's identification string
func (s *Session) ServerVersion() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.serverVersion
}

// keysReady returns true once the first key exchange has completed
func (s *Session) keysReady() bool {
	return s.firstKex.IsDone() && s.firstKex.Err() == nil
}

// SessionID returns the session identifier, nil before the first key exchange
func (s *Session) SessionID() []byte {
	if !s.keysReady() {
		return nil
	}
	return s.kex.SessionID()
}

// HostKey returns the server host key accepted by the client
func (s *Session) HostKey() ssh.PublicKey {
	if !s.keysReady() {
		return nil
	}
	return s.kex.HostKey()
}

// Exchanges returns the number of completed key exchanges
func (s *Session) Exchanges() int {
	if !s.keysReady() {
		return 0
	}
	return s.kex.Exchanges()
}

// User returns the authenticated user name
func (s *Session) User() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.auth.user
}

// IsAuthenticated returns true once user authentication has succeeded
func (s *Session) IsAuthenticated() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.auth.authenticated
}

// Err returns the error that ended the session, or nil
func (s *Session) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fatalErr
}

// Wait blocks until the session is closed and returns the error that ended
// it, if any
func (s *Session) Wait() error {
	s.CloseFuture().Wait()
	return s.Err()
}

// Handshake exchanges identification strings, runs the first key exchange and
// authenticates the user. Channels may be opened once it returns nil. If ctx
// expires first, the session is closed.
func (s *Session) Handshake(ctx context.Context) error {
	s.lock.Lock()
	if s.started {
		s.lock.Unlock()
		return ErrHandshakeStarted
	}
	s.started = true
	s.lock.Unlock()

	result := closer.NewFuture()
	go func() {
		result.Resolve(s.handshake())
	}()
	if err := result.WaitContext(ctx); err != nil {
		s.fail(err)
		if fatal := s.Err(); fatal != nil {
			return fatal
		}
		return err
	}
	return nil
}

func (s *Session) handshake() error {
	peer, err := s.conn.ExchangeVersions(s.config.Version, s.role == kex.RoleClient)
	if err != nil {
		return err
	}
	cv, sv := s.config.Version, peer
	if s.role == kex.RoleServer {
		cv, sv = peer, s.config.Version
	}
	s.kex = kex.NewEngine(s.Logger, s.role, &s.config.Kex, kexTransport{s}, cv, sv)
	s.lock.Lock()
	s.clientVersion, s.serverVersion = cv, sv
	s.versionsDone = true
	if s.IsClosing() {
		s.lock.Unlock()
		return closer.ErrClosed
	}
	s.readerStarted = true
	s.lock.Unlock()
	go s.readLoop()
	if err := s.kex.Start(); err != nil {
		return err
	}
	if err := s.firstKex.Wait(); err != nil {
		return err
	}
	if s.role == kex.RoleClient {
		s.startAuth()
	}
	if err := s.authDone.Wait(); err != nil {
		return err
	}
	go s.housekeeping()
	s.ILogf("Session established for user %q", s.User())
	return nil
}

// kexTransport is the key exchange engine's view of the connection. Writing
// KEXINIT starts holding outgoing traffic; switching the outgoing keys
// releases it behind the switch.
type kexTransport struct {
	s *Session
}

func (t kexTransport) WritePacket(payload []byte) error {
	s := t.s
	s.lock.Lock()
	defer s.lock.Unlock()
	if payload[0] == wire.MsgKexInit {
		s.holding = true
	}
	f := s.conn.Send(payload)
	if f.IsDone() {
		return f.Err()
	}
	return nil
}

// SwitchOutgoing queues the key switch and the held packets behind it under
// the session lock, so nothing sent concurrently can overtake them. Listeners
// are attached after the lock is released because they may run synchronously
// and take channel locks.
func (t kexTransport) SwitchOutgoing(keys *sshalgo.DirectionKeys) error {
	s := t.s
	s.lock.Lock()
	if err := s.conn.SwitchOutgoing(keys); err != nil {
		s.lock.Unlock()
		return err
	}
	held := s.held
	s.held = nil
	s.holding = false
	sent := make([]*closer.Future, len(held))
	for i, p := range held {
		sent[i] = s.conn.Send(p.payload)
	}
	s.lock.Unlock()

	if len(held) > 0 {
		s.DLogf("Released %d packets held during key exchange", len(held))
	}
	for i, p := range held {
		done := p.done
		sent[i].AddListener(func(f *closer.Future) {
			done.Resolve(f.Err())
		})
	}
	return nil
}

func (t kexTransport) SwitchIncoming(keys *sshalgo.DirectionKeys) error {
	return t.s.conn.SwitchIncoming(keys)
}

// send queues payload for the peer, holding it back while a key exchange is
// running unless it is a transport generic message
func (s *Session) send(payload []byte) *closer.Future {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sendLocked(payload)
}

func (s *Session) sendLocked(payload []byte) *closer.Future {
	if s.holding && !wire.IsTransportGeneric(payload[0]) {
		f := closer.NewFuture()
		s.held = append(s.held, heldPacket{payload: payload, done: f})
		return f
	}
	return s.conn.Send(payload)
}

// readLoop is the dispatch goroutine
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		payload, err := s.conn.ReadPacket()
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.dispatch(payload); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) dispatch(payload []byte) error {
	msg := payload[0]
	switch {
	case msg == wire.MsgDisconnect:
		r := wire.NewReader(payload)
		de := &wire.DisconnectError{Reason: wire.DisconnectReason(r.Uint32()), Message: r.Text()}
		s.lock.Lock()
		s.peerDisconnected = true
		s.lock.Unlock()
		return de
	case msg == wire.MsgIgnore:
		return nil
	case msg == wire.MsgDebug:
		r := wire.NewReader(payload)
		r.Bool()
		s.DLogf("Peer debug message: %q", r.Text())
		return nil
	case msg == wire.MsgUnimplemented:
		s.DLogf("Peer did not implement our packet %d", wire.NewReader(payload).Uint32())
		return nil
	case wire.IsKex(msg):
		done, err := s.kex.HandlePacket(payload)
		if err != nil {
			return err
		}
		if done {
			s.exchangeComplete()
		}
		return nil
	}

	if !s.firstKex.IsDone() {
		return wire.UnexpectedMessageError(msg, "first key exchange")
	}
	switch {
	case msg == wire.MsgServiceRequest || msg == wire.MsgServiceAccept || wire.IsUserAuth(msg):
		return s.handleAuth(msg, payload)
	case !s.IsAuthenticated():
		return wire.UnexpectedMessageError(msg, "authentication")
	case msg == wire.MsgGlobalRequest:
		return s.handleGlobalRequest(payload)
	case msg == wire.MsgRequestSuccess || msg == wire.MsgRequestFailure:
		return s.handleGlobalReply(msg, payload)
	case wire.IsChannel(msg):
		return s.mux.HandlePacket(payload)
	}

	seq := uint32(s.conn.PacketsRead() - 1)
	s.DLogf("Unimplemented %s, packet %d", wire.MsgName(msg), seq)
	s.send(wire.NewWriter(wire.MsgUnimplemented).Uint32(seq).Bytes())
	return nil
}

func (s *Session) exchangeComplete() {
	s.lock.Lock()
	s.rekeyMark = s.conn.BytesRead() + s.conn.BytesWritten()
	s.lastKex = time.Now()
	s.lock.Unlock()
	if s.firstKex.Resolve(nil) {
		s.DLogf("Keys established")
		return
	}
	s.ILogf("Re-key %d complete after %s", s.kex.Exchanges()-1,
		sizestr.ToString(int64(s.conn.BytesRead()+s.conn.BytesWritten())))
}

// Rekey starts a key exchange. It does nothing if one is already running.
func (s *Session) Rekey() error {
	if !s.keysReady() {
		return ErrNotAuthenticated
	}
	if s.IsClosing() {
		return closer.ErrClosed
	}
	return s.kex.Start()
}

// housekeeping renews keys and sends keepalives until the session closes
func (s *Session) housekeeping() {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	lastKeepalive := time.Now()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if s.rekeyDue(now) && !s.kex.InProgress() {
				s.DLogf("Starting re-key")
				if err := s.kex.Start(); err != nil {
					s.fail(err)
					return
				}
			}
			if ka := s.config.KeepaliveInterval; ka > 0 && now.Sub(lastKeepalive) >= ka {
				lastKeepalive = now
				if err := s.keepalive(); err != nil {
					s.fail(err)
					return
				}
			}
		}
	}
}

func (s *Session) rekeyDue(now time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	traffic := s.conn.BytesRead() + s.conn.BytesWritten() - s.rekeyMark
	return traffic >= s.config.RekeyBytes || now.Sub(s.lastKex) >= s.config.RekeyInterval
}

// OpenChannel opens a channel to the peer. See mux.Mux.OpenChannel.
func (s *Session) OpenChannel(ctx context.Context, chanType string, extra []byte, handler mux.RequestHandler) (*mux.Channel, error) {
	if !s.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	return s.mux.OpenChannel(ctx, chanType, extra, handler)
}

// HandleChannelType registers handler for channels of chanType opened by the
// peer
func (s *Session) HandleChannelType(chanType string, handler mux.ChannelHandler) {
	s.mux.HandleChannelType(chanType, handler)
}

// fail ends the session because of err. Errors after a close has begun are
// ignored.
func (s *Session) fail(err error) {
	s.lock.Lock()
	if s.fatalErr != nil || s.IsClosing() {
		s.lock.Unlock()
		return
	}
	s.fatalErr = err
	peer := s.peerDisconnected
	s.lock.Unlock()
	if peer || errors.Is(err, io.EOF) {
		s.ILogf("Session ended: %s", err)
	} else {
		s.WLogf("Session failed: %s", err)
	}
	s.CloseAsync(true)
}

// reasonFor classifies err into the reason announced in our DISCONNECT
func reasonFor(err error) wire.DisconnectReason {
	switch {
	case err == nil:
		return wire.DisconnectByApplication
	case errors.Is(err, ErrAuthFailed):
		return wire.DisconnectNoMoreAuthMethodsAvailable
	case errors.Is(err, ErrKeepaliveTimeout), errors.Is(err, io.EOF):
		return wire.DisconnectConnectionLost
	}
	return wire.ReasonFor(err)
}

// PreClose stops new global requests and fails the handshake waiters
func (s *Session) PreClose() {
	err := s.Err()
	if err == nil {
		err = closer.ErrClosed
	}
	s.firstKex.Resolve(err)
	s.authDone.Resolve(err)
}

// CloseGracefully closes every channel gracefully
func (s *Session) CloseGracefully() *closer.Future {
	return s.mux.CloseAsync(false)
}

// CloseImmediately closes every channel, sends DISCONNECT, then releases the
// transport. DISCONNECT is always the last message sent.
func (s *Session) CloseImmediately() *closer.Future {
	s.lock.Lock()
	err := s.fatalErr
	announce := s.versionsDone && !s.peerDisconnected
	s.lock.Unlock()

	steps := closer.NewBuilder(s.Logger).Parallel(s.mux)
	if announce {
		message := "session closed"
		if err != nil {
			message = err.Error()
		}
		reason := reasonFor(err)
		steps.Run(func() {
			s.sendDisconnect(reason, message)
		})
	}
	steps.Run(s.abortGlobals).
		Run(s.dropHeld).
		Run(func() { close(s.stop) }).
		Close(closer.FromShutdowner(s.Logger, s.conn)).
		Run(s.waitReader)
	composite := steps.Build()

	done := closer.NewFuture()
	go func() {
		composite.CloseAsync(true).Wait()
		s.DLogf("Closed: read %s, wrote %s",
			sizestr.ToString(int64(s.conn.BytesRead())), sizestr.ToString(int64(s.conn.BytesWritten())))
		done.Resolve(nil)
	}()
	return done
}

// dropHeld fails packets still held for a key exchange that will never finish
func (s *Session) dropHeld() {
	s.lock.Lock()
	held := s.held
	s.held = nil
	s.lock.Unlock()
	for _, p := range held {
		p.done.Resolve(closer.ErrClosed)
	}
}

// waitReader waits for the dispatch goroutine, if the handshake got far
// enough to start it
func (s *Session) waitReader() {
	s.lock.Lock()
	running := s.readerStarted
	s.lock.Unlock()
	if running {
		<-s.readerDone
	}
}

// sendDisconnect sends DISCONNECT directly, bypassing any hold, and waits a
// short while for it to be written
func (s *Session) sendDisconnect(reason wire.DisconnectReason, message string) {
	s.DLogf("Sending DISCONNECT %d (%s): %s", uint32(reason), reason, message)
	f := s.conn.Send(wire.NewWriter(wire.MsgDisconnect).Uint32(uint32(reason)).Text(message).Text("").Bytes())
	select {
	case <-f.Done():
	case <-time.After(disconnectTimeout):
		s.DLogf("DISCONNECT not written within %s", disconnectTimeout)
	}
}
