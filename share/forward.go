package sshshare

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultLocalHost is the listen address used when a forward names none
	DefaultLocalHost = "127.0.0.1"

	// DefaultRemoteHost is the target host used when a forward names only a port
	DefaultRemoteHost = "localhost"

	// DefaultSocksPort is the local port of a bare "socks" forward
	DefaultSocksPort = 1080
)

// ForwardKind says what a Forward's local end is
type ForwardKind int

const (
	// ForwardTCP listens on a local TCP port and forwards to one remote address
	ForwardTCP ForwardKind = iota

	// ForwardSocks listens on a local TCP port and serves SOCKS5, with every
	// CONNECT carried over its own channel
	ForwardSocks

	// ForwardStdio connects stdin and stdout to one remote address
	ForwardStdio
)

// Forward describes one client side forward
type Forward struct {
	Kind       ForwardKind
	LocalHost  string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// LocalAddr returns the local listen address
func (f *Forward) LocalAddr() string {
	return net.JoinHostPort(f.LocalHost, strconv.Itoa(f.LocalPort))
}

// RemoteAddr returns the address the server connects to
func (f *Forward) RemoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
}

func (f *Forward) String() string {
	switch f.Kind {
	case ForwardSocks:
		return f.LocalAddr() + "=>socks"
	case ForwardStdio:
		return "stdio=>" + f.RemoteAddr()
	}
	return f.LocalAddr() + "=>" + f.RemoteAddr()
}

// ParseForward parses a ":"-delimited forward description:
//
//	<remote-port>
//	<remote-host>:<remote-port>
//	<local-port>:<remote-host>:<remote-port>
//	<local-host>:<local-port>:<remote-host>:<remote-port>
//	socks
//	[<local-host>:]<local-port>:socks
//	stdio:<remote-host>:<remote-port>
//
// Hosts may be IPv6 literals in square brackets. When the local port is not
// given it is the remote port.
func ParseForward(s string) (*Forward, error) {
	parts, err := splitBracketed(s)
	if err != nil {
		return nil, err
	}
	f := &Forward{LocalHost: DefaultLocalHost, RemoteHost: DefaultRemoteHost}

	if len(parts) > 0 && parts[0] == "stdio" {
		f.Kind = ForwardStdio
		parts = parts[1:]
		if len(parts) == 0 || len(parts) > 2 {
			return nil, fmt.Errorf("invalid stdio forward %q", s)
		}
	}
	if n := len(parts); n > 0 && parts[n-1] == "socks" {
		if f.Kind == ForwardStdio {
			return nil, fmt.Errorf("stdio forward cannot use socks: %q", s)
		}
		f.Kind = ForwardSocks
		f.RemoteHost = ""
		f.LocalPort = DefaultSocksPort
		return f, f.parseLocal(parts[:n-1], s)
	}

	switch len(parts) {
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return nil, err
		}
		f.RemotePort = port
	case 2:
		f.RemoteHost = stripBrackets(parts[0])
		port, err := parsePort(parts[1])
		if err != nil {
			return nil, err
		}
		f.RemotePort = port
	case 3, 4:
		if err := f.parseLocal(parts[:len(parts)-2], s); err != nil {
			return nil, err
		}
		f.RemoteHost = stripBrackets(parts[len(parts)-2])
		port, err := parsePort(parts[len(parts)-1])
		if err != nil {
			return nil, err
		}
		f.RemotePort = port
	default:
		return nil, fmt.Errorf("invalid forward %q", s)
	}
	if f.RemoteHost == "" {
		return nil, fmt.Errorf("missing remote host in %q", s)
	}
	if f.LocalPort == 0 {
		f.LocalPort = f.RemotePort
	}
	return f, nil
}

// parseLocal fills the local host and port from [<host>:]<port>
func (f *Forward) parseLocal(parts []string, s string) error {
	if f.Kind == ForwardStdio && len(parts) > 0 {
		return fmt.Errorf("stdio forward cannot have a local address: %q", s)
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return err
		}
		f.LocalPort = port
		return nil
	case 2:
		f.LocalHost = stripBrackets(parts[0])
		port, err := parsePort(parts[1])
		if err != nil {
			return err
		}
		f.LocalPort = port
		return nil
	}
	return fmt.Errorf("invalid local address in %q", s)
}

func parsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port number %q", s)
	}
	return int(p), nil
}

func stripBrackets(s string) string {
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

// splitBracketed splits s on ':' outside square brackets. A backslash escapes
// the character that follows it.
func splitBracketed(s string) ([]string, error) {
	var parts []string
	var partial strings.Builder
	depth := 0
	escaped := false
	for _, c := range s {
		switch {
		case escaped:
			partial.WriteRune(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == '[':
			depth++
			partial.WriteRune(c)
		case c == ']':
			if depth == 0 {
				return nil, fmt.Errorf("unmatched ']' in %q", s)
			}
			depth--
			partial.WriteRune(c)
		case c == ':' && depth == 0:
			parts = append(parts, partial.String())
			partial.Reset()
		default:
			partial.WriteRune(c)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unmatched '[' in %q", s)
	}
	if escaped {
		return nil, fmt.Errorf("%q ends in a backslash", s)
	}
	if partial.Len() == 0 && len(parts) == 0 {
		return nil, fmt.Errorf("empty forward")
	}
	return append(parts, partial.String()), nil
}
