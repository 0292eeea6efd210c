package wire

import (
	"errors"
	"fmt"
	"strings"
)

// DisconnectReason is the reason code carried by SSH_MSG_DISCONNECT, RFC 4250 §4.2.2
type DisconnectReason uint32

// Disconnect reason codes
const (
	DisconnectHostNotAllowedToConnect     DisconnectReason = 1
	DisconnectProtocolError               DisconnectReason = 2
	DisconnectKeyExchangeFailed           DisconnectReason = 3
	DisconnectReserved                    DisconnectReason = 4
	DisconnectMACError                    DisconnectReason = 5
	DisconnectCompressionError            DisconnectReason = 6
	DisconnectServiceNotAvailable         DisconnectReason = 7
	DisconnectProtocolVersionNotSupported DisconnectReason = 8
	DisconnectHostKeyNotVerifiable        DisconnectReason = 9
	DisconnectConnectionLost              DisconnectReason = 10
	DisconnectByApplication               DisconnectReason = 11
	DisconnectTooManyConnections          DisconnectReason = 12
	DisconnectAuthCancelledByUser         DisconnectReason = 13
	DisconnectNoMoreAuthMethodsAvailable  DisconnectReason = 14
	DisconnectIllegalUserName             DisconnectReason = 15
)

var disconnectReasonNames = map[DisconnectReason]string{
	DisconnectHostNotAllowedToConnect:     "host not allowed to connect",
	DisconnectProtocolError:               "protocol error",
	DisconnectKeyExchangeFailed:           "key exchange failed",
	DisconnectReserved:                    "reserved",
	DisconnectMACError:                    "MAC error",
	DisconnectCompressionError:            "compression error",
	DisconnectServiceNotAvailable:         "service not available",
	DisconnectProtocolVersionNotSupported: "protocol version not supported",
	DisconnectHostKeyNotVerifiable:        "host key not verifiable",
	DisconnectConnectionLost:              "connection lost",
	DisconnectByApplication:               "by application",
	DisconnectTooManyConnections:          "too many connections",
	DisconnectAuthCancelledByUser:         "auth cancelled by user",
	DisconnectNoMoreAuthMethodsAvailable:  "no more auth methods available",
	DisconnectIllegalUserName:             "illegal user name",
}

func (r DisconnectReason) String() string {
	if name, ok := disconnectReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}

// ProtocolError is a malformed or out-of-sequence message. It is fatal to the
// session, which disconnects with DisconnectProtocolError.
type ProtocolError struct {
	// Msg is the message number being processed, or 0 if not known
	Msg    byte
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Msg == 0 {
		return "ssh: protocol error: " + e.Reason
	}
	return fmt.Sprintf("ssh: protocol error in %s: %s", MsgName(e.Msg), e.Reason)
}

// ProtocolErrorf creates a ProtocolError for message msg
func ProtocolErrorf(msg byte, f string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Msg: msg, Reason: fmt.Sprintf(f, args...)}
}

// UnexpectedMessageError creates a ProtocolError for a message that is not
// valid in the receiver's current state
func UnexpectedMessageError(msg byte, state string) *ProtocolError {
	return &ProtocolError{Msg: msg, Reason: "unexpected message in state " + state}
}

// NegotiationError means the two sides could not agree on key exchange
// parameters: no common algorithm in some category, or an unsatisfiable group
// exchange request. The session disconnects with DisconnectKeyExchangeFailed.
type NegotiationError struct {
	Category string
	Client   []string
	Server   []string
	Reason   string
}

func (e *NegotiationError) Error() string {
	if e.Reason != "" {
		return "ssh: key exchange negotiation failed: " + e.Reason
	}
	return fmt.Sprintf("ssh: no common algorithm for %s; client offered [%s], server offered [%s]",
		e.Category, strings.Join(e.Client, ","), strings.Join(e.Server, ","))
}

// DisconnectError is returned once the peer has sent SSH_MSG_DISCONNECT, or
// describes the DISCONNECT we sent before tearing down.
type DisconnectError struct {
	Reason  DisconnectReason
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("ssh: disconnect, reason %d (%s): %s", uint32(e.Reason), e.Reason, e.Message)
}

// ReasonFor classifies err into the disconnect reason to announce to the peer
func ReasonFor(err error) DisconnectReason {
	var ne *NegotiationError
	var pe *ProtocolError
	var de *DisconnectError
	switch {
	case errors.As(err, &ne):
		return DisconnectKeyExchangeFailed
	case errors.As(err, &pe):
		return DisconnectProtocolError
	case errors.As(err, &de):
		return de.Reason
	}
	return DisconnectByApplication
}
