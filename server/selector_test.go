package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/meshmqtt/broker/packets"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(logrusDiscard{})
	return log
}

func TestSelectorAcceptsAndRunsFirstMatchingCandidate(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	cfg := &ServerConfig[string]{
		Config: DefaultConfig(),
		Handshake: func(ctx context.Context, h *Handshake[string]) (HandshakeAck[string], error) {
			return h.Ack("accepted-state"), nil
		},
		Publish: func(ctx context.Context, p *packets.Publish, sess Session[string]) error { return nil },
		Control: noopControl,
	}
	sel := NewSelector(testLogger(), cfg)

	runErr := make(chan error, 1)
	go func() { runErr <- sel.Dispatch(context.Background(), serverSide, 2*time.Second) }()

	require.NoError(t, packets.Encode(clientSide, &packets.Connect{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
	}))

	clientFR := newFrameReader(clientSide, 0)
	pkt, _, err := clientFR.next(context.Background(), nil)
	require.NoError(t, err)
	connack, ok := pkt.(*packets.Connack)
	require.True(t, ok)
	require.Equal(t, packets.Accepted, connack.ReturnCode)

	require.NoError(t, packets.Encode(clientSide, &packets.Disconnect{}))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("selector-dispatched connection never terminated")
	}
}

func TestSelectorRejectsWhenNoCandidateAccepts(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	cfg := &ServerConfig[string]{
		Config: DefaultConfig(),
		Handshake: func(ctx context.Context, h *Handshake[string]) (HandshakeAck[string], error) {
			return h.Ack("never"), nil
		},
		Publish: func(ctx context.Context, p *packets.Publish, sess Session[string]) error { return nil },
		Control: noopControl,
		Predicate: func(ctx context.Context, h *Handshake[string]) (bool, error) {
			return false, nil
		},
	}
	sel := NewSelector(testLogger(), cfg)

	runErr := make(chan error, 1)
	go func() { runErr <- sel.Dispatch(context.Background(), serverSide, 2*time.Second) }()

	require.NoError(t, packets.Encode(clientSide, &packets.Connect{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
	}))

	select {
	case err := <-runErr:
		require.Error(t, err)
		var he *HandshakeError
		require.ErrorAs(t, err, &he)
	case <-time.After(2 * time.Second):
		t.Fatal("selector never rejected the CONNECT")
	}
}

func TestSelectorHandshakeRejectionWritesConnack(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	cfg := &ServerConfig[string]{
		Config: DefaultConfig(),
		Handshake: func(ctx context.Context, h *Handshake[string]) (HandshakeAck[string], error) {
			return h.NotAuthorized(), nil
		},
		Publish: func(ctx context.Context, p *packets.Publish, sess Session[string]) error { return nil },
		Control: noopControl,
	}
	sel := NewSelector(testLogger(), cfg)

	runErr := make(chan error, 1)
	go func() { runErr <- sel.Dispatch(context.Background(), serverSide, 2*time.Second) }()

	require.NoError(t, packets.Encode(clientSide, &packets.Connect{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
	}))

	clientFR := newFrameReader(clientSide, 0)
	pkt, _, err := clientFR.next(context.Background(), nil)
	require.NoError(t, err)
	connack := pkt.(*packets.Connack)
	require.Equal(t, packets.NotAuthorized, connack.ReturnCode)

	select {
	case err := <-runErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("selector never returned after rejection")
	}
}

func TestSelectorHandshakeRejectionReasonCodes(t *testing.T) {
	cases := []struct {
		name   string
		ack    func(h *Handshake[string]) HandshakeAck[string]
		wantRC packets.ConnackReturnCode
	}{
		{"bad-username-or-password", func(h *Handshake[string]) HandshakeAck[string] { return h.BadUserNameOrPassword() }, packets.BadUserNameOrPassword},
		{"identifier-rejected", func(h *Handshake[string]) HandshakeAck[string] { return h.IdentifierRejected() }, packets.IdentifierRejected},
		{"not-authorized", func(h *Handshake[string]) HandshakeAck[string] { return h.NotAuthorized() }, packets.NotAuthorized},
		{"service-unavailable", func(h *Handshake[string]) HandshakeAck[string] { return h.ServiceUnavailable() }, packets.ServerUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			serverSide, clientSide := net.Pipe()
			defer clientSide.Close()

			cfg := &ServerConfig[string]{
				Config: DefaultConfig(),
				Handshake: func(ctx context.Context, h *Handshake[string]) (HandshakeAck[string], error) {
					return tc.ack(h), nil
				},
				Publish: func(ctx context.Context, p *packets.Publish, sess Session[string]) error { return nil },
				Control: noopControl,
			}
			sel := NewSelector(testLogger(), cfg)

			runErr := make(chan error, 1)
			go func() { runErr <- sel.Dispatch(context.Background(), serverSide, 2*time.Second) }()

			require.NoError(t, packets.Encode(clientSide, &packets.Connect{
				ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
			}))

			clientFR := newFrameReader(clientSide, 0)
			pkt, _, err := clientFR.next(context.Background(), nil)
			require.NoError(t, err)
			connack := pkt.(*packets.Connack)
			require.Equal(t, tc.wantRC, connack.ReturnCode)
			require.False(t, connack.SessionPresent)

			select {
			case err := <-runErr:
				require.Error(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("selector never returned after rejection")
			}
		})
	}
}

func TestSelectorAssignsClientIDWhenEmptyAndCleanSession(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	var gotID string
	cfg := &ServerConfig[string]{
		Config: DefaultConfig(),
		Handshake: func(ctx context.Context, h *Handshake[string]) (HandshakeAck[string], error) {
			gotID = h.Connect.ClientID
			return h.Ack("s"), nil
		},
		Publish: func(ctx context.Context, p *packets.Publish, sess Session[string]) error { return nil },
		Control: noopControl,
	}
	sel := NewSelector(testLogger(), cfg)

	go sel.Dispatch(context.Background(), serverSide, 2*time.Second)

	require.NoError(t, packets.Encode(clientSide, &packets.Connect{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "",
	}))

	clientFR := newFrameReader(clientSide, 0)
	_, _, err := clientFR.next(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, gotID)
}
