package mux

import (
	"errors"
	"fmt"
)

// RejectionReason is the reason code of SSH_MSG_CHANNEL_OPEN_FAILURE, RFC 4254 §5.1
type RejectionReason uint32

// Channel open failure reasons
const (
	Prohibited RejectionReason = iota + 1
	ConnectionFailed
	UnknownChannelType
	ResourceShortage
)

func (r RejectionReason) String() string {
	switch r {
	case Prohibited:
		return "administratively prohibited"
	case ConnectionFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return fmt.Sprintf("unknown reason %d", uint32(r))
}

// OpenError is returned when the peer rejects a channel open. It only affects
// the channel being opened.
type OpenError struct {
	Reason  RejectionReason
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("mux: channel open rejected: %s (%s)", e.Message, e.Reason)
}

var (
	// ErrRequestAborted resolves a channel request that was still waiting for
	// a reply when its channel closed
	ErrRequestAborted = errors.New("mux: channel closed before request was answered")

	// ErrRequestRejected resolves a channel request the peer answered with
	// SSH_MSG_CHANNEL_FAILURE
	ErrRequestRejected = errors.New("mux: request rejected by peer")

	// ErrWriteClosed is returned by writes after CloseWrite or once a close
	// has started
	ErrWriteClosed = errors.New("mux: channel write side is closed")
)
