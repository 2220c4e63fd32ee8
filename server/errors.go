package server

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the Sink and Dispatcher. Handler and
// control-handler code is expected to use errors.Is against these.
var (
	// ErrClosed is returned by Sink operations invoked after the sink has
	// been closed (gracefully or forcibly).
	ErrClosed = errors.New("server: sink is closed")

	// ErrDisconnected completes every outstanding publish waiter when the
	// connection is force-closed or fails abnormally.
	ErrDisconnected = errors.New("server: disconnected")

	// ErrBackpressureFull is returned by SendAtLeastOnceNoBlock when all
	// 2^16-1 packet ids are currently in flight.
	ErrBackpressureFull = errors.New("server: packet id backpressure full")

	// ErrSpuriousAck indicates a PUBACK/PUBREC/PUBCOMP/PUBREL referencing a
	// packet id the sink or dispatcher has no record of. Spec-endorsed
	// behavior: treat as a protocol violation (see DESIGN.md Open
	// Question 1).
	ErrSpuriousAck = errors.New("server: acknowledgement for unknown packet id")
)

// Reason classifies a ProtocolError for logging and for callers that want
// to discriminate without string matching.
type Reason uint8

const (
	ReasonMalformedPacket Reason = iota
	ReasonUnexpectedPacket
	ReasonMaxSizeExceeded
	ReasonReadTimeout
	ReasonKeepAliveTimeout
	ReasonProtocolViolation
	ReasonHandshakeTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonMalformedPacket:
		return "MalformedPacket"
	case ReasonUnexpectedPacket:
		return "UnexpectedPacket"
	case ReasonMaxSizeExceeded:
		return "MaxSizeExceeded"
	case ReasonReadTimeout:
		return "ReadTimeout"
	case ReasonKeepAliveTimeout:
		return "KeepAliveTimeout"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	case ReasonHandshakeTimeout:
		return "HandshakeTimeout"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// ProtocolError wraps a session-time protocol error delivered to the
// control handler as a ProtocolError control message.
type ProtocolError struct {
	Reason Reason
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "server: protocol error (" + e.Reason.String() + "): " + e.Err.Error()
	}
	return "server: protocol error (" + e.Reason.String() + ")"
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protoErr(reason Reason, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// HandshakeError terminates a connection before a session exists. No
// handler beyond the handshake handler itself is invoked for these.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return "server: handshake: " + e.Reason + ": " + e.Err.Error()
	}
	return "server: handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }
