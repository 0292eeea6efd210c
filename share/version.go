// Package sshshare carries SSH sessions over WebSockets: a server that
// upgrades HTTP requests and forwards direct-tcpip channels, and a client that
// exposes local TCP, stdio and SOCKS5 forwards through those channels.
package sshshare

import "strings"

// ProtocolVersion is the WebSocket subprotocol spoken by client and server.
// Both ends must agree on it exactly.
const ProtocolVersion = "wstssh-v1"

// BuildVersion is reported by the server's /version endpoint and in the SSH
// identification strings. It is overridden at link time.
var BuildVersion = "0.0.0-src"

// SSHVersion returns the SSH identification string for this build. The
// software version field may not contain '-' or spaces.
func SSHVersion() string {
	return "SSH-2.0-wstssh_" + strings.NewReplacer("-", "_", " ", "_").Replace(BuildVersion)
}
