package sshshare

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/mux"
)

// OpenerFunc waits for a connected session to open channels on
type OpenerFunc func(ctx context.Context) (ChannelOpener, error)

// Forwarder runs one client side Forward. Each accepted local connection is
// carried over its own direct-tcpip channel, bridged by a mux.Pump.
type Forwarder struct {
	*asyncobj.Helper
	id       int
	strname  string
	fwd      *Forward
	opener   OpenerFunc
	listener net.Listener
	socks    *socks5.Server
	stats    ConnStats
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewForwarder creates a Forwarder. Nothing happens until Start.
func NewForwarder(log logger.Logger, index int, fwd *Forward, opener OpenerFunc) *Forwarder {
	id := index + 1
	f := &Forwarder{
		id:      id,
		strname: fmt.Sprintf("forward#%d:%s", id, fwd),
		fwd:     fwd,
		opener:  opener,
	}
	f.Helper = asyncobj.NewHelper(log.Fork("%s", f.strname), f)
	return f
}

func (f *Forwarder) String() string {
	return f.strname
}

// Addr returns the listen address, or nil for a stdio forward or before
// Start
func (f *Forwarder) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Stats returns the connection counters
func (f *Forwarder) Stats() *ConnStats {
	return &f.stats
}

// Start begins listening, or for a stdio forward, connects stdio. It does not
// block. The forwarder shuts down when ctx is done.
func (f *Forwarder) Start(ctx context.Context) error {
	return f.DoOnceActivate(
		func() error {
			f.ctx, f.cancel = context.WithCancel(ctx)
			context.AfterFunc(f.ctx, func() {
				f.StartShutdown(ctx.Err())
			})
			if f.fwd.Kind == ForwardStdio {
				go f.runStdio()
				return nil
			}
			if f.fwd.Kind == ForwardSocks {
				s, err := socks5.New(&socks5.Config{
					Dial:     f.dialSocks,
					Resolver: remoteResolver{},
					Logger:   log.New(socksLogWriter{f.Logger}, "", 0),
				})
				if err != nil {
					return f.Errorf("Unable to create SOCKS5 server: %s", err)
				}
				f.socks = s
			}
			l, err := net.Listen("tcp", f.fwd.LocalAddr())
			if err != nil {
				return f.Errorf("Listen on %s failed: %s", f.fwd.LocalAddr(), err)
			}
			f.listener = l
			f.ILogf("Listening on %s", l.Addr())
			go f.acceptLoop()
			return nil
		},
		true,
	)
}

func (f *Forwarder) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if !f.IsStartedShutdown() {
				f.ILogf("Accept error, shutting down: %s", err)
				f.StartShutdown(err)
			}
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if f.socks != nil {
				f.serveSocks(conn)
			} else {
				f.serveTCP(conn)
			}
		}()
	}
}

func (f *Forwarder) open(addr string, origin net.Addr) (*mux.Channel, error) {
	opener, err := f.opener(f.ctx)
	if err != nil {
		return nil, err
	}
	return DialDirect(f.ctx, opener, addr, origin)
}

// bridge pumps between local and a new channel to addr until either side is
// done
func (f *Forwarder) bridge(local io.ReadWriteCloser, addr string, origin net.Addr) error {
	n := f.stats.New()
	ch, err := f.open(addr, origin)
	if err != nil {
		local.Close()
		return f.DLogErrorf("Conn#%d: open channel to %s failed: %s", n, addr, err)
	}
	pump := mux.NewPump(f.Logger, ch, local, 0)
	stop := context.AfterFunc(f.ctx, func() {
		pump.StartShutdown(f.ctx.Err())
	})
	defer stop()
	f.stats.Open()
	f.DLogf("%s Conn#%d: Open %s", &f.stats, n, addr)
	err = pump.WaitShutdown()
	f.stats.Close()
	f.DLogf("%s Conn#%d: Close (sent %s received %s)", &f.stats, n,
		sizestr.ToString(int64(pump.BytesToChannel())), sizestr.ToString(int64(pump.BytesToLocal())))
	return err
}

func (f *Forwarder) serveTCP(conn net.Conn) {
	f.bridge(conn, f.fwd.RemoteAddr(), conn.RemoteAddr())
}

func (f *Forwarder) serveSocks(conn net.Conn) {
	stop := context.AfterFunc(f.ctx, func() {
		conn.Close()
	})
	defer stop()
	n := f.stats.New()
	f.stats.Open()
	f.DLogf("%s Socks#%d: Open", &f.stats, n)
	err := f.socks.ServeConn(conn)
	f.stats.Close()
	if err != nil && !strings.HasSuffix(err.Error(), "EOF") {
		f.DLogf("%s Socks#%d: Closed (error: %s)", &f.stats, n, err)
	} else {
		f.DLogf("%s Socks#%d: Closed", &f.stats, n)
	}
}

// dialSocks is the SOCKS5 server's dialer. addr is left unresolved so that
// the server side resolves it.
func (f *Forwarder) dialSocks(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	ch, err := f.open(addr, nil)
	if err != nil {
		return nil, err
	}
	return NewChannelConn(ch, addr), nil
}

func (f *Forwarder) runStdio() {
	err := f.bridge(stdio{}, f.fwd.RemoteAddr(), nil)
	f.StartShutdown(err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// stops accepting and waits for open connections to finish.
func (f *Forwarder) HandleOnceShutdown(completionErr error) error {
	if f.cancel != nil {
		f.cancel()
	}
	if f.listener != nil {
		if err := f.listener.Close(); err != nil {
			f.DLogf("Close of listener failed, ignoring: %s", err)
		}
	}
	f.wg.Wait()
	if completionErr == context.Canceled {
		completionErr = nil
	}
	return completionErr
}

// remoteResolver leaves names unresolved, so the SOCKS5 server dials by name
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// socksLogWriter sends the SOCKS5 server's log output to the debug log
type socksLogWriter struct {
	logger.Logger
}

func (w socksLogWriter) Write(p []byte) (int, error) {
	w.DLogf("socks: %s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// stdio is the process's stdin and stdout as one stream
type stdio struct{}

func (stdio) Read(p []byte) (int, error) {
	return os.Stdin.Read(p)
}

func (stdio) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdio) CloseWrite() error {
	return os.Stdout.Close()
}

func (stdio) Close() error {
	return os.Stdin.Close()
}

func (stdio) String() string {
	return "stdio"
}
