package sshshare

import (
	"net"
	"time"

	"github.com/sammck-go/wstssh/pkg/mux"
)

// channelAddr names one end of a channel for net.Conn consumers
type channelAddr string

func (a channelAddr) Network() string { return "ssh" }
func (a channelAddr) String() string  { return string(a) }

// channelConn makes a *mux.Channel look enough like a net.Conn to satisfy
// the socks5 server, which only takes net.Conn connections. Deadlines are
// not supported. CloseWrite is passed through, since the socks5 server
// checks for it explicitly. LocalAddr is always a *net.TCPAddr, which the
// socks5 server asserts when it builds its CONNECT reply.
type channelConn struct {
	*mux.Channel
	local  net.Addr
	remote net.Addr
}

// NewChannelConn wraps ch as a net.Conn. remote is reported by RemoteAddr.
func NewChannelConn(ch *mux.Channel, remote string) net.Conn {
	return &channelConn{
		Channel: ch,
		local:   &net.TCPAddr{IP: net.IPv4zero},
		remote:  channelAddr(remote),
	}
}

func (c *channelConn) LocalAddr() net.Addr {
	return c.local
}

func (c *channelConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *channelConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *channelConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *channelConn) SetWriteDeadline(t time.Time) error {
	return nil
}
