package sshshare

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/session"
	"github.com/sammck-go/wstssh/pkg/transport"
	"golang.org/x/crypto/ssh"
)

// ClientConfig represents a client configuration
type ClientConfig struct {
	Fingerprint      string
	Auth             string
	MaxRetryCount    int
	MaxRetryInterval time.Duration
	Server           string
	HTTPProxy        string
	HostHeader       string
	Forwards         []string

	// SSH carries protocol settings. The user, password and host key
	// check are filled in from the fields above.
	SSH session.Config
}

// errHostKey marks a rejected server fingerprint, which is not retried
var errHostKey = errors.New("host key rejected")

// Client represents a client instance
type Client struct {
	*asyncobj.Helper
	config       *ClientConfig
	server       string
	httpProxyURL *url.URL
	forwarders   []*Forwarder
	ctx          context.Context
	cancel       context.CancelFunc
	loopDone     chan struct{}
	sessionStats ConnStats

	lock  sync.Mutex
	sess  *session.Session
	ready chan struct{}
}

// NewClient creates a new client instance
func NewClient(log logger.Logger, config *ClientConfig) (*Client, error) {
	c := &Client{
		config:   config,
		loopDone: make(chan struct{}),
		ready:    make(chan struct{}),
	}
	c.Helper = asyncobj.NewHelper(log.ForkLogStr("client"), c)

	server := config.Server
	//apply default scheme
	if !strings.HasPrefix(server, "http") && !strings.HasPrefix(server, "ws") {
		server = "http://" + server
	}
	if config.MaxRetryInterval < time.Second {
		config.MaxRetryInterval = 5 * time.Minute
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	//apply default port
	if !regexp.MustCompile(`:\d+$`).MatchString(u.Host) {
		if u.Scheme == "https" || u.Scheme == "wss" {
			u.Host = u.Host + ":443"
		} else {
			u.Host = u.Host + ":80"
		}
	}
	//swap to websockets scheme
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	c.server = u.String()

	if p := config.HTTPProxy; p != "" {
		c.httpProxyURL, err = url.Parse(p)
		if err != nil {
			return nil, c.Errorf("Invalid proxy URL (%s)", err)
		}
	}

	for i, s := range config.Forwards {
		fwd, err := ParseForward(s)
		if err != nil {
			return nil, c.Errorf("Failed to parse forward '%s': %s", s, err)
		}
		c.forwarders = append(c.forwarders, NewForwarder(c.Logger, i, fwd, c.waitSession))
	}
	return c, nil
}

// Forwarders returns the client's forwarders, in configuration order
func (c *Client) Forwarders() []*Forwarder {
	return c.forwarders
}

// Session returns the connected session, or nil between connections
func (c *Client) Session() *session.Session {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sess
}

// waitSession blocks until a session is connected
func (c *Client) waitSession(ctx context.Context) (ChannelOpener, error) {
	for {
		c.lock.Lock()
		sess, ready := c.sess, c.ready
		c.lock.Unlock()
		if sess != nil {
			return sess, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.loopDone:
			return nil, closer.ErrClosed
		}
	}
}

func (c *Client) setSession(sess *session.Session) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if sess != nil {
		c.sess = sess
		close(c.ready)
		return
	}
	c.sess = nil
	c.ready = make(chan struct{})
}

// Start starts the forwarders and the connection loop. It does not block.
func (c *Client) Start(ctx context.Context) error {
	return c.DoOnceActivate(
		func() error {
			c.ctx, c.cancel = context.WithCancel(ctx)
			context.AfterFunc(c.ctx, func() {
				c.StartShutdown(nil)
			})
			for _, fw := range c.forwarders {
				if err := fw.Start(c.ctx); err != nil {
					close(c.loopDone)
					c.cancel()
					return err
				}
				if fw.fwd.Kind == ForwardStdio {
					go func(fw *Forwarder) {
						fw.WaitShutdown()
						c.StartShutdown(nil)
					}(fw)
				}
			}
			via := ""
			if c.httpProxyURL != nil {
				via = " via " + c.httpProxyURL.String()
			}
			c.ILogf("Connecting to %s%s", c.server, via)
			go c.connectionLoop()
			return nil
		},
		true,
	)
}

// Run starts the client and blocks until it shuts down
func (c *Client) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	return c.WaitShutdown()
}

func (c *Client) sessionConfig() *session.Config {
	cfg := c.config.SSH
	cfg.Version = SSHVersion()
	cfg.User, cfg.Password = ParseAuth(c.config.Auth)
	check := FingerprintCallback(c.config.Fingerprint, func(fp string) {
		c.ILogf("Fingerprint %s", fp)
	})
	cfg.Kex.HostKeyCallback = func(algo string, key ssh.PublicKey) error {
		if err := check(algo, key); err != nil {
			return fmt.Errorf("%w: %s", errHostKey, err)
		}
		return nil
	}
	return &cfg
}

func (c *Client) connectionLoop() {
	defer close(c.loopDone)
	var connerr error
	b := &backoff.Backoff{Max: c.config.MaxRetryInterval}
	for c.ctx.Err() == nil {
		connected, err := c.connect()
		if connected {
			b.Reset()
		}
		if c.ctx.Err() != nil {
			break
		}
		connerr = err
		if isFatal(err) {
			c.ILogf("Giving up: %s", err)
			break
		}
		attempt := int(b.Attempt())
		maxAttempt := c.config.MaxRetryCount
		d := b.Duration()
		//show error and attempt counts
		msg := fmt.Sprintf("Connection error: %s", err)
		if attempt > 0 {
			msg += fmt.Sprintf(" (Attempt: %d", attempt)
			if maxAttempt > 0 {
				msg += fmt.Sprintf("/%d", maxAttempt)
			}
			msg += ")"
		}
		c.DLogf("%s", msg)
		//give up?
		if maxAttempt >= 0 && attempt >= maxAttempt {
			break
		}
		c.ILogf("Retrying in %s...", d)
		select {
		case <-time.After(d):
		case <-c.ctx.Done():
		}
	}
	if c.ctx.Err() != nil {
		connerr = nil
	}
	c.StartShutdown(connerr)
}

// connect dials the server, runs one session until it ends and returns
// whether the handshake succeeded
func (c *Client) connect() (bool, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{ProtocolVersion},
	}
	//optionally CONNECT proxy
	if c.httpProxyURL != nil {
		d.Proxy = func(*http.Request) (*url.URL, error) {
			return c.httpProxyURL, nil
		}
	}
	wsHeaders := http.Header{}
	if c.config.HostHeader != "" {
		wsHeaders.Set("Host", c.config.HostHeader)
	}
	wsConn, _, err := d.DialContext(c.ctx, c.server, wsHeaders)
	if err != nil {
		return false, err
	}
	id := c.sessionStats.New()
	sess := session.NewClient(c.Logger.Fork("session#%d", id), transport.NewWebSocketConn(wsConn), c.sessionConfig())
	c.DLogf("Handshaking...")
	t0 := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	err = sess.Handshake(ctx)
	cancel()
	if err != nil {
		sess.CloseAsync(true).Wait()
		if errors.Is(err, session.ErrAuthFailed) {
			c.ILogf("Authentication failed")
		}
		return false, err
	}
	c.ILogf("Connected (Latency %s)", time.Since(t0))
	c.sessionStats.Open()
	c.setSession(sess)
	stop := context.AfterFunc(c.ctx, func() {
		sess.CloseAsync(false)
	})
	err = sess.Wait()
	stop()
	c.setSession(nil)
	c.sessionStats.Close()
	c.ILogf("Disconnected")
	if err == nil {
		err = errors.New("server disconnected")
	}
	return true, err
}

func isFatal(err error) bool {
	return errors.Is(err, session.ErrAuthFailed) || errors.Is(err, errHostKey)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the session and every forwarder.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	if c.cancel != nil {
		c.cancel()
		<-c.loopDone
	}
	for _, fw := range c.forwarders {
		fw.Close()
	}
	return completionErr
}
