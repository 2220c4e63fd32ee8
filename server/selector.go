package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshmqtt/broker/packets"
)

// Candidate is the type-erased face a Selector holds: homogeneous at the
// list level even though each entry wraps a ServerConfig[St] over a
// different concrete St — homogeneous at the erased level, heterogeneous
// at the concrete level.
type Candidate interface {
	// Check reports whether this candidate wants to handle the CONNECT.
	Check(ctx context.Context, connect *packets.Connect, frameSize int) (bool, error)
	// Serve runs the whole connection lifecycle once this candidate has
	// accepted the CONNECT: handshake handler, CONNACK, and the
	// dispatcher loop until teardown. fr is the frame reader the selector
	// already used to read CONNECT; Serve must reuse it rather than
	// opening a second reader over rwc.
	Serve(ctx context.Context, fr *frameReader, rwc io.ReadWriteCloser, connect *packets.Connect, frameSize int, log *logrus.Logger) error
}

// ServerConfig is one candidate server definition: a Config plus the three
// user-supplied collaborators (handshake, publish, control handlers) over a
// concrete session-state type St, and an optional predicate that lets a
// Selector with several ServerConfigs route a CONNECT to the right one.
type ServerConfig[St any] struct {
	Config    Config
	Handshake HandshakeHandler[St]
	Publish   PublishHandler[St]
	Control   ControlHandler[St]
	Predicate SelectorPredicate[St]
}

// Check implements Candidate. A nil Predicate accepts every CONNECT, which
// is correct for a Selector with exactly one ServerConfig.
func (s *ServerConfig[St]) Check(ctx context.Context, connect *packets.Connect, frameSize int) (bool, error) {
	if s.Predicate == nil {
		return true, nil
	}
	return s.Predicate(ctx, &Handshake[St]{Connect: connect, FrameSize: frameSize})
}

// Serve implements Candidate: runs the handshake handler, writes the
// resulting CONNACK, and if accepted builds the session and drives the
// dispatcher until the connection tears down.
func (s *ServerConfig[St]) Serve(ctx context.Context, fr *frameReader, rwc io.ReadWriteCloser, connect *packets.Connect, frameSize int, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Handshake[St]{Connect: connect, FrameSize: frameSize, log: log}

	ack, err := s.Handshake(ctx, h)
	if err != nil {
		return &HandshakeError{Reason: "handshake handler returned an error", Err: err}
	}

	connack := &packets.Connack{ReturnCode: ack.reasonCode}
	if encErr := packets.Encode(rwc, connack); encErr != nil {
		return &HandshakeError{Reason: "failed to write CONNACK", Err: encErr}
	}
	if !ack.accepted {
		return &HandshakeError{Reason: "rejected by handshake handler: " + ack.reasonCode.String()}
	}

	conn := newConnShared(rwc, log)
	sink := newSink(conn, log)
	session := Session[St]{State: ack.state, Sink: sink}

	keepAlive := keepAliveDuration(connect.KeepAlive)
	if ack.idleTimeout > 0 {
		keepAlive = ack.idleTimeout
	}

	cfg := s.Config
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	d := newDispatcher(cfg, conn, sink, session, s.Publish, s.Control, fr, keepAlive, log)
	defer sink.ForceClose()
	return d.Run(ctx)
}

// keepAliveDuration applies the MQTT 3.1.1 §3.1.2.10 1.5x grace factor. A
// client-requested keep-alive of 0 disables the server's idle timeout.
func keepAliveDuration(requested uint16) time.Duration {
	if requested == 0 {
		return 0
	}
	return time.Duration(requested) * time.Second * 3 / 2
}

// Selector multiplexes several candidate server configurations over one
// listener, trying each in the order it was added and handing the
// connection to the first one that accepts the CONNECT.
type Selector struct {
	candidates []Candidate
	log        *logrus.Logger
}

// NewSelector builds a Selector trying candidates in the given order.
func NewSelector(log *logrus.Logger, candidates ...Candidate) *Selector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Selector{candidates: candidates, log: log}
}

// Dispatch reads one CONNECT off rwc, tries every candidate in order, and
// hands the connection to the first one that accepts it. If every
// candidate declines (or there are none), the CONNECT is rejected and
// ErrDisconnected is returned wrapped in a *HandshakeError.
func (sel *Selector) Dispatch(ctx context.Context, rwc io.ReadWriteCloser, connectTimeout time.Duration) error {
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	fr := newFrameReader(rwc, 0)
	connect, frameSize, err := readConnect(ctx, fr, connectTimeout)
	if err != nil {
		return err
	}
	if err := assignClientIDIfEmpty(connect); err != nil {
		return &HandshakeError{Reason: "empty client id on a non-clean session", Err: err}
	}

	for _, c := range sel.candidates {
		ok, err := c.Check(ctx, connect, frameSize)
		if err != nil {
			sel.log.WithError(err).Warn("selector candidate predicate errored, trying next")
			continue
		}
		if ok {
			return c.Serve(ctx, fr, rwc, connect, frameSize, sel.log)
		}
	}
	return &HandshakeError{Reason: "no candidate server config accepted this CONNECT", Err: fmt.Errorf("cannot handle CONNECT: %w", ErrDisconnected)}
}
