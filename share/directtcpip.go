package sshshare

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// ChannelTypeDirectTCPIP is the channel type used for forwarded TCP
// connections, RFC 4254 §7.2
const ChannelTypeDirectTCPIP = "direct-tcpip"

// DirectTCPIP is the extra data of a direct-tcpip channel open
type DirectTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// NewDirectTCPIP builds the open request for a connection to addr, which
// arrived from origin. origin may be nil.
func NewDirectTCPIP(addr string, origin net.Addr) (*DirectTCPIP, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &DirectTCPIP{Host: host, Port: port, OriginHost: "127.0.0.1"}
	if origin != nil {
		if oh, op, err := splitHostPort(origin.String()); err == nil {
			d.OriginHost, d.OriginPort = oh, op
		}
	}
	return d, nil
}

// ParseDirectTCPIP decodes direct-tcpip extra data
func ParseDirectTCPIP(extra []byte) (*DirectTCPIP, error) {
	r := wire.NewRawReader(extra)
	d := &DirectTCPIP{
		Host:       r.Text(),
		Port:       r.Uint32(),
		OriginHost: r.Text(),
		OriginPort: r.Uint32(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("bad direct-tcpip request: %w", err)
	}
	if d.Port > 65535 {
		return nil, fmt.Errorf("bad direct-tcpip port %d", d.Port)
	}
	return d, nil
}

// Marshal encodes d as channel open extra data
func (d *DirectTCPIP) Marshal() []byte {
	return wire.NewRawWriter().
		Text(d.Host).Uint32(d.Port).
		Text(d.OriginHost).Uint32(d.OriginPort).
		Bytes()
}

// Addr returns the "host:port" being connected to
func (d *DirectTCPIP) Addr() string {
	return net.JoinHostPort(d.Host, strconv.FormatUint(uint64(d.Port), 10))
}

func (d *DirectTCPIP) String() string {
	return fmt.Sprintf("%s (from %s)",
		d.Addr(), net.JoinHostPort(d.OriginHost, strconv.FormatUint(uint64(d.OriginPort), 10)))
}

// ChannelOpener opens channels on an established session
type ChannelOpener interface {
	OpenChannel(ctx context.Context, chanType string, extra []byte, handler mux.RequestHandler) (*mux.Channel, error)
}

// DialDirect opens a direct-tcpip channel to addr through opener
func DialDirect(ctx context.Context, opener ChannelOpener, addr string, origin net.Addr) (*mux.Channel, error) {
	d, err := NewDirectTCPIP(addr, origin)
	if err != nil {
		return nil, err
	}
	return opener.OpenChannel(ctx, ChannelTypeDirectTCPIP, d.Marshal(), nil)
}

func splitHostPort(addr string) (string, uint32, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, uint32(port), nil
}
