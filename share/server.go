package sshshare

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/kex"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/session"
	"github.com/sammck-go/wstssh/pkg/transport"
	"github.com/sammck-go/wstssh/pkg/wire"
	"golang.org/x/crypto/ssh"
)

// ServerConfig is the configuration for the wstssh server
type ServerConfig struct {
	KeySeed    string
	KeyFile    string
	AuthFile   string
	Auth       string
	Proxy      string
	ModuliFile string
	Banner     string

	// SSH carries protocol settings. Host keys, the moduli table and
	// authentication are filled in by the server.
	SSH session.Config

	// DialTimeout bounds each direct-tcpip connection attempt
	DialTimeout time.Duration

	// ShutdownTimeout bounds the graceful close of sessions at shutdown.
	// Sessions still open after it are closed immediately.
	ShutdownTimeout time.Duration
}

// DefaultShutdownTimeout is used when ServerConfig.ShutdownTimeout is zero
const DefaultShutdownTimeout = 10 * time.Second

// Server accepts SSH sessions over websockets
type Server struct {
	*asyncobj.Helper
	config       *ServerConfig
	hostKey      ssh.Signer
	fingerprint  string
	httpServer   *HTTPServer
	reverseProxy *httputil.ReverseProxy
	users        *UserIndex
	moduli       *kex.ModuliWatcher
	connStats    ConnStats
	sessionStats ConnStats
	ctx          context.Context
	cancel       context.CancelFunc

	sessionsLock sync.Mutex
	sessions     map[*session.Session]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{ProtocolVersion},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates and returns a new wstssh server
func NewServer(log logger.Logger, config *ServerConfig) (*Server, error) {
	s := &Server{
		config:   config,
		sessions: make(map[*session.Session]struct{}),
	}
	s.Helper = asyncobj.NewHelper(log.ForkLogStr("server"), s)
	s.httpServer = NewHTTPServer(s.Logger)
	s.users = NewUserIndex(s.Logger)
	if config.AuthFile != "" {
		if err := s.users.LoadUsers(config.AuthFile); err != nil {
			return nil, err
		}
	}
	if config.Auth != "" {
		u := &User{Addrs: []*regexp.Regexp{UserAllowAll}}
		u.Name, u.Pass = ParseAuth(config.Auth)
		if u.Name != "" {
			s.users.AddUser(u)
		}
	}
	var err error
	s.hostKey, err = LoadHostKey(config.KeyFile, config.KeySeed)
	if err != nil {
		return nil, s.Errorf("%s", err)
	}
	s.fingerprint = FingerprintKey(s.hostKey.PublicKey())
	if config.Proxy != "" {
		u, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, s.Errorf("Missing protocol (%s)", u)
		}
		s.reverseProxy = httputil.NewSingleHostReverseProxy(u)
		//always use proxy host
		s.reverseProxy.Director = func(r *http.Request) {
			r.URL.Scheme = u.Scheme
			r.URL.Host = u.Host
			r.Host = u.Host
		}
	}
	if config.ModuliFile != "" {
		s.moduli, err = kex.NewModuliWatcher(s.Logger, config.ModuliFile)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetFingerprint is used to access the server fingerprint
func (s *Server) GetFingerprint() string {
	return s.fingerprint
}

// Addr returns the address the server is listening on, once started
func (s *Server) Addr() net.Addr {
	return s.httpServer.Addr()
}

// Start begins listening on host:port. It does not block. The server shuts
// down when ctx is done.
func (s *Server) Start(ctx context.Context, host, port string) error {
	return s.DoOnceActivate(
		func() error {
			s.ctx, s.cancel = context.WithCancel(ctx)
			s.ILogf("Fingerprint %s", s.fingerprint)
			if s.users.Len() > 0 {
				s.ILogf("User authentication enabled")
			}
			if s.reverseProxy != nil {
				s.ILogf("Reverse proxy enabled")
			}
			h := http.Handler(http.HandlerFunc(s.handleClientHandler))
			if s.GetLogLevel() >= logger.LogLevelDebug {
				h = requestlog.Wrap(h)
			}
			if err := s.httpServer.Listen(s.ctx, net.JoinHostPort(host, port), h); err != nil {
				return err
			}
			s.ILogf("Listening on %s...", s.httpServer.Addr())
			go func() {
				s.StartShutdown(s.httpServer.WaitShutdown())
			}()
			return nil
		},
		true,
	)
}

// Run starts the server and blocks until it shuts down
func (s *Server) Run(ctx context.Context, host, port string) error {
	if err := s.Start(ctx, host, port); err != nil {
		return err
	}
	return s.WaitShutdown()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// stops listening and closes every session.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	if s.cancel != nil {
		s.cancel()
	}
	err := s.httpServer.Close()
	s.sessionsLock.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsLock.Unlock()
	for _, sess := range sessions {
		sess.CloseAsync(false)
	}
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	deadline := time.After(timeout)
	for _, sess := range sessions {
		select {
		case <-sess.CloseFuture().Done():
		case <-deadline:
			s.WLogf("Sessions still open after %s, closing them immediately", timeout)
			for _, open := range sessions {
				open.CloseAsync(true)
			}
			deadline = nil
			sess.CloseFuture().Wait()
		}
	}
	if s.moduli != nil {
		s.moduli.Close()
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// NumSessions returns the number of live sessions
func (s *Server) NumSessions() int {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return len(s.sessions)
}

// handleClientHandler is the main http websocket handler for the wstssh server
func (s *Server) handleClientHandler(w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" {
		protocol := r.Header.Get("Sec-WebSocket-Protocol")
		if strings.HasPrefix(protocol, "wstssh-") {
			if protocol == ProtocolVersion {
				s.DLogf("Upgrading to websocket, URL tail=\"%s\", protocol=\"%s\"", r.URL.String(), protocol)
				wsConn, err := upgrader.Upgrade(w, r, nil)
				if err != nil {
					s.DLogf("Failed to upgrade to websocket: %s", err)
					return
				}
				go s.handleWebsocket(wsConn)
				return
			}
			s.ILogf("Client connection using unsupported websocket protocol '%s', expected '%s'",
				protocol, ProtocolVersion)
			http.Error(w, "Not Found", 404)
			return
		}
	}

	//proxy target was provided
	if s.reverseProxy != nil {
		s.reverseProxy.ServeHTTP(w, r)
		return
	}

	//no proxy defined, provide access to health/version checks
	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(BuildVersion))
		return
	}
	http.Error(w, "Not Found", 404)
}

func (s *Server) sessionConfig() *session.Config {
	cfg := s.config.SSH
	cfg.Version = SSHVersion()
	cfg.Kex.HostKeys = []ssh.Signer{s.hostKey}
	if s.moduli != nil {
		cfg.Kex.Moduli = s.moduli.Moduli()
	}
	if cfg.Banner == "" {
		cfg.Banner = s.config.Banner
	}
	if s.users.Len() > 0 {
		cfg.AuthCallback = session.PasswordAuth(func(user, password string) bool {
			_, ok := s.users.Authenticate(user, password)
			if !ok {
				s.DLogf("Login failed for user: %s", user)
			}
			return ok
		})
	} else {
		cfg.AuthCallback = nil
	}
	return &cfg
}

// handleWebsocket runs one SSH session over an upgraded websocket until it
// ends
func (s *Server) handleWebsocket(wsConn *websocket.Conn) {
	id := s.sessionStats.New()
	conn := transport.NewWebSocketConn(wsConn)
	sess := session.NewServer(s.Logger.Fork("session#%d", id), conn, s.sessionConfig())

	s.sessionsLock.Lock()
	if s.IsStartedShutdown() {
		s.sessionsLock.Unlock()
		sess.CloseAsync(true).Wait()
		return
	}
	s.sessions[sess] = struct{}{}
	s.sessionsLock.Unlock()
	s.sessionStats.Open()
	defer func() {
		s.sessionsLock.Lock()
		delete(s.sessions, sess)
		s.sessionsLock.Unlock()
		s.sessionStats.Close()
	}()

	sess.HandleChannelType(ChannelTypeDirectTCPIP, func(nc *mux.NewChannel) {
		s.handleDirectTCPIP(sess, nc)
	})

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	err := sess.Handshake(ctx)
	cancel()
	if err != nil {
		s.ILogf("Session#%d from %s: handshake failed: %s", id, conn.RemoteAddr(), err)
		sess.CloseAsync(true).Wait()
		return
	}
	s.ILogf("%s Session#%d: user %q connected from %s", &s.sessionStats, id, sess.User(), conn.RemoteAddr())
	err = sess.Wait()
	if err != nil && !isNormalDisconnect(err) {
		s.ILogf("Session#%d ended: %s", id, err)
	} else {
		s.DLogf("Session#%d ended", id)
	}
}

// handleDirectTCPIP dials the requested address for a user allowed to reach
// it, and bridges the connection to the channel
func (s *Server) handleDirectTCPIP(sess *session.Session, nc *mux.NewChannel) {
	req, err := ParseDirectTCPIP(nc.ExtraData())
	if err != nil {
		nc.Reject(mux.ConnectionFailed, err.Error())
		return
	}
	addr := req.Addr()
	if s.users.Len() > 0 {
		user, ok := s.users.Get(sess.User())
		if !ok || !user.HasAccess(addr) {
			s.DLogf("User %q denied access to %s", sess.User(), addr)
			nc.Reject(mux.Prohibited, fmt.Sprintf("access to %s denied", addr))
			return
		}
	}
	timeout := s.config.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	target, err := dialer.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		s.DLogf("Remote failed (%s)", err)
		nc.Reject(mux.ConnectionFailed, err.Error())
		return
	}
	ch, err := nc.Accept(nil)
	if err != nil {
		target.Close()
		return
	}
	n := s.connStats.New()
	s.connStats.Open()
	s.DLogf("%s Conn#%d: Open %s", &s.connStats, n, req)
	pump := mux.NewPump(s.Logger, ch, target, 0)
	pump.WaitShutdown()
	s.connStats.Close()
	s.DLogf("%s Conn#%d: Close (sent %s received %s)", &s.connStats, n,
		sizestr.ToString(int64(pump.BytesToLocal())), sizestr.ToString(int64(pump.BytesToChannel())))
}

// AddUser adds a new user into the server user index
func (s *Server) AddUser(user, pass string, addrs ...string) error {
	authorizedAddrs := make([]*regexp.Regexp, 0)
	for _, addr := range addrs {
		authorizedAddr, err := regexp.Compile(addr)
		if err != nil {
			return err
		}
		authorizedAddrs = append(authorizedAddrs, authorizedAddr)
	}
	s.users.AddUser(&User{Name: user, Pass: pass, Addrs: authorizedAddrs})
	return nil
}

// DeleteUser removes a user from the server user index
func (s *Server) DeleteUser(user string) {
	s.users.Del(user)
}

func isNormalDisconnect(err error) bool {
	var de *wire.DisconnectError
	return errors.As(err, &de) && de.Reason == wire.DisconnectByApplication
}
