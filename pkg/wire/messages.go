// Package wire implements the SSH2 binary encoding shared by every layer of the
// engine: message numbers, the basic data types of RFC 4251 §5 (byte, boolean,
// uint32, string, mpint, name-list), and the typed errors used to classify
// protocol failures.
package wire

import "fmt"

// Message numbers, RFC 4250 §4.1
const (
	MsgDisconnect     byte = 1
	MsgIgnore         byte = 2
	MsgUnimplemented  byte = 3
	MsgDebug          byte = 4
	MsgServiceRequest byte = 5
	MsgServiceAccept  byte = 6

	MsgKexInit    byte = 20
	MsgNewKeys    byte = 21
	MsgKexDHInit  byte = 30
	MsgKexDHReply byte = 31

	// Group exchange reuses the kex-method-specific range, RFC 4419 §5
	MsgKexDHGexRequestOld byte = 30
	MsgKexDHGexGroup      byte = 31
	MsgKexDHGexInit       byte = 32
	MsgKexDHGexReply      byte = 33
	MsgKexDHGexRequest    byte = 34

	MsgUserAuthRequest byte = 50
	MsgUserAuthFailure byte = 51
	MsgUserAuthSuccess byte = 52
	MsgUserAuthBanner  byte = 53

	MsgGlobalRequest  byte = 80
	MsgRequestSuccess byte = 81
	MsgRequestFailure byte = 82

	MsgChannelOpen             byte = 90
	MsgChannelOpenConfirmation byte = 91
	MsgChannelOpenFailure      byte = 92
	MsgChannelWindowAdjust     byte = 93
	MsgChannelData             byte = 94
	MsgChannelExtendedData     byte = 95
	MsgChannelEOF              byte = 96
	MsgChannelClose            byte = 97
	MsgChannelRequest          byte = 98
	MsgChannelSuccess          byte = 99
	MsgChannelFailure          byte = 100
)

var msgNames = map[byte]string{
	MsgDisconnect:              "DISCONNECT",
	MsgIgnore:                  "IGNORE",
	MsgUnimplemented:           "UNIMPLEMENTED",
	MsgDebug:                   "DEBUG",
	MsgServiceRequest:          "SERVICE_REQUEST",
	MsgServiceAccept:           "SERVICE_ACCEPT",
	MsgKexInit:                 "KEXINIT",
	MsgNewKeys:                 "NEWKEYS",
	30:                         "KEXDH_INIT/KEX_DH_GEX_REQUEST_OLD",
	31:                         "KEXDH_REPLY/KEX_DH_GEX_GROUP",
	MsgKexDHGexInit:            "KEX_DH_GEX_INIT",
	MsgKexDHGexReply:           "KEX_DH_GEX_REPLY",
	MsgKexDHGexRequest:         "KEX_DH_GEX_REQUEST",
	MsgUserAuthRequest:         "USERAUTH_REQUEST",
	MsgUserAuthFailure:         "USERAUTH_FAILURE",
	MsgUserAuthSuccess:         "USERAUTH_SUCCESS",
	MsgUserAuthBanner:          "USERAUTH_BANNER",
	MsgGlobalRequest:           "GLOBAL_REQUEST",
	MsgRequestSuccess:          "REQUEST_SUCCESS",
	MsgRequestFailure:          "REQUEST_FAILURE",
	MsgChannelOpen:             "CHANNEL_OPEN",
	MsgChannelOpenConfirmation: "CHANNEL_OPEN_CONFIRMATION",
	MsgChannelOpenFailure:      "CHANNEL_OPEN_FAILURE",
	MsgChannelWindowAdjust:     "CHANNEL_WINDOW_ADJUST",
	MsgChannelData:             "CHANNEL_DATA",
	MsgChannelExtendedData:     "CHANNEL_EXTENDED_DATA",
	MsgChannelEOF:              "CHANNEL_EOF",
	MsgChannelClose:            "CHANNEL_CLOSE",
	MsgChannelRequest:          "CHANNEL_REQUEST",
	MsgChannelSuccess:          "CHANNEL_SUCCESS",
	MsgChannelFailure:          "CHANNEL_FAILURE",
}

// MsgName returns a printable name for a message number
func MsgName(op byte) string {
	if name, ok := msgNames[op]; ok {
		return name
	}
	return fmt.Sprintf("MSG(%d)", op)
}

// IsTransportGeneric returns true for the transport layer generic messages (1-19)
func IsTransportGeneric(op byte) bool {
	return op >= 1 && op <= 19
}

// IsKex returns true for messages that belong to a key exchange: KEXINIT,
// NEWKEYS and the kex-method-specific range 30-49
func IsKex(op byte) bool {
	return op == MsgKexInit || op == MsgNewKeys || (op >= 30 && op <= 49)
}

// IsUserAuth returns true for the user authentication range (50-79)
func IsUserAuth(op byte) bool {
	return op >= 50 && op <= 79
}

// IsConnection returns true for the connection protocol range (80-127)
func IsConnection(op byte) bool {
	return op >= 80 && op <= 127
}

// IsChannel returns true for channel-scoped messages (90-127)
func IsChannel(op byte) bool {
	return op >= 90 && op <= 127
}
