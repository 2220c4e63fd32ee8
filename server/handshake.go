package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshmqtt/broker/packets"
)

// DefaultConnectTimeout is how long the handshake waits for a CONNECT
// before giving up.
const DefaultConnectTimeout = 10 * time.Second

// Handshake is the transient record holding the parsed CONNECT packet and
// everything a HandshakeHandler or SelectorPredicate needs to decide how
// to treat it. It does not outlive the handshake step.
type Handshake[St any] struct {
	Connect   *packets.Connect
	FrameSize int
	log       *logrus.Logger
}

// Ack accepts the connection, installing state as the session payload.
// session_present is always false: this framework does not persist
// sessions.
func (h *Handshake[St]) Ack(state St) HandshakeAck[St] {
	return HandshakeAck[St]{accepted: true, state: state, reasonCode: packets.Accepted}
}

// BadUserNameOrPassword rejects the CONNECT with return code 0x04.
func (h *Handshake[St]) BadUserNameOrPassword() HandshakeAck[St] {
	return HandshakeAck[St]{reasonCode: packets.BadUserNameOrPassword}
}

// IdentifierRejected rejects the CONNECT with return code 0x02.
func (h *Handshake[St]) IdentifierRejected() HandshakeAck[St] {
	return HandshakeAck[St]{reasonCode: packets.IdentifierRejected}
}

// NotAuthorized rejects the CONNECT with return code 0x05.
func (h *Handshake[St]) NotAuthorized() HandshakeAck[St] {
	return HandshakeAck[St]{reasonCode: packets.NotAuthorized}
}

// ServiceUnavailable rejects the CONNECT with return code 0x03.
func (h *Handshake[St]) ServiceUnavailable() HandshakeAck[St] {
	return HandshakeAck[St]{reasonCode: packets.ServerUnavailable}
}

// UnacceptableProtocolVersion rejects the CONNECT with return code 0x01.
func (h *Handshake[St]) UnacceptableProtocolVersion() HandshakeAck[St] {
	return HandshakeAck[St]{reasonCode: packets.UnacceptableProtocolVersion}
}

// assignClientIDIfEmpty implements the MQTT 3.1.1 §3.1.3.1 allowance for a
// zero-length client identifier under CleanSession=true: the server
// assigns a unique one.
func assignClientIDIfEmpty(c *packets.Connect) error {
	if c.ClientID != "" {
		return nil
	}
	if !c.CleanSession {
		return errors.New("server: empty client id requires clean session")
	}
	c.ClientID = uuid.New().String()
	return nil
}

// readConnect reads exactly one packet within deadline and requires it to
// be a CONNECT. Any other outcome is a *HandshakeError.
func readConnect(ctx context.Context, fr *frameReader, deadline time.Duration) (*packets.Connect, int, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	pkt, n, err := fr.next(ctx, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, &HandshakeError{Reason: "timed out waiting for CONNECT", Err: err}
		}
		if errors.Is(err, errEOF) {
			return nil, 0, &HandshakeError{Reason: "peer disconnected before CONNECT", Err: ErrDisconnected}
		}
		return nil, 0, &HandshakeError{Reason: "failed to decode CONNECT", Err: err}
	}
	connect, ok := pkt.(*packets.Connect)
	if !ok {
		return nil, 0, &HandshakeError{Reason: "expected CONNECT, got " + pkt.Type().String()}
	}
	return connect, n, nil
}
