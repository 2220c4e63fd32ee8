package server

import (
	"context"
	"time"

	"github.com/meshmqtt/broker/packets"
)

// ControlKind tags the variant carried by a ControlMessage.
type ControlKind uint8

const (
	ControlPing ControlKind = iota
	ControlSubscribe
	ControlUnsubscribe
	ControlDisconnect
	ControlClosed
	ControlErrorKind
	ControlProtocolErrorKind
	ControlPeerGone
)

func (k ControlKind) String() string {
	switch k {
	case ControlPing:
		return "Ping"
	case ControlSubscribe:
		return "Subscribe"
	case ControlUnsubscribe:
		return "Unsubscribe"
	case ControlDisconnect:
		return "Disconnect"
	case ControlClosed:
		return "Closed"
	case ControlErrorKind:
		return "Error"
	case ControlProtocolErrorKind:
		return "ProtocolError"
	case ControlPeerGone:
		return "PeerGone"
	default:
		return "ControlKind(?)"
	}
}

// ControlMessage is the event delivered to the control handler for
// everything that is not a publish: pings, (un)subscribes, disconnects,
// and the various error/teardown conditions the connection can raise.
type ControlMessage struct {
	Kind ControlKind

	Subscribe   *packets.Subscribe
	Unsubscribe *packets.Unsubscribe

	// Err carries the underlying cause for Error, ProtocolError, and
	// PeerGone messages.
	Err error
}

// ControlResult is what the control handler returns to tell the
// dispatcher how to acknowledge (or not) the event that produced the
// ControlMessage.
type ControlResult struct {
	// SubscribeCodes must have one entry per requested topic filter when
	// responding to a Subscribe message.
	SubscribeCodes []packets.SubscribeReturnCode

	// TearDown, when true in response to an Error message, tells the
	// dispatcher to transition to Draining instead of continuing — the
	// handler's way of saying "do not recover from this". Other message
	// kinds do not read it: ProtocolError, PeerGone and Disconnect always
	// begin draining.
	TearDown bool
}

// Continue acknowledges the event. Valid for Ping, Disconnect, Closed,
// and as a "recovered, keep going" response to Error; it does not keep a
// connection open after a ProtocolError, which always begins draining.
func Continue() ControlResult { return ControlResult{} }

// TearDown acknowledges the event but tells the dispatcher to begin
// draining and close the connection.
func TearDown() ControlResult { return ControlResult{TearDown: true} }

// Subscribed responds to a Subscribe control message with one return code
// per requested filter, in the same order as the request.
func Subscribed(codes ...packets.SubscribeReturnCode) ControlResult {
	return ControlResult{SubscribeCodes: codes}
}

// HandshakeAck is what a HandshakeHandler returns: either an acceptance
// carrying the user's session state, or a rejection with a specific MQTT
// 3.1.1 CONNACK return code.
type HandshakeAck[St any] struct {
	accepted    bool
	state       St
	reasonCode  packets.ConnackReturnCode
	idleTimeout time.Duration // 0 = use connection default
}

// WithIdleTimeout overrides the per-connection idle timeout the handshake
// handler would otherwise leave at its default.
func (a HandshakeAck[St]) WithIdleTimeout(d time.Duration) HandshakeAck[St] {
	a.idleTimeout = d
	return a
}

// HandshakeHandler is the user-supplied collaborator that decides whether
// to accept a CONNECT and, if so, produces the session state that will be
// shared across every subsequent handler call for this connection.
type HandshakeHandler[St any] func(ctx context.Context, h *Handshake[St]) (HandshakeAck[St], error)

// PublishHandler is invoked for every inbound PUBLISH the dispatcher
// accepts (QoS respects max-qos and the post-disconnect policy). A
// non-nil return is delivered to the control handler as an Error message,
// in arrival order, for every QoS; the PUBACK (QoS1) or PUBREC (QoS2) is
// written either way.
type PublishHandler[St any] func(ctx context.Context, pub *packets.Publish, sess Session[St]) error

// ControlHandler is invoked for every non-publish event: Ping, Subscribe,
// Unsubscribe, Disconnect, Closed, Error, ProtocolError, PeerGone.
type ControlHandler[St any] func(ctx context.Context, msg ControlMessage, sess Session[St]) (ControlResult, error)

// SelectorPredicate lets a Selector candidate decide whether it wants to
// handle a given CONNECT.
type SelectorPredicate[St any] func(ctx context.Context, h *Handshake[St]) (bool, error)
