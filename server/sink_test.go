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

func newTestPair(t *testing.T) (*connShared, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { clientSide.Close() })
	log := logrus.New()
	log.SetOutput(logrusDiscard{})
	conn := newConnShared(serverSide, log)
	t.Cleanup(func() { conn.teardown() })
	return conn, clientSide
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

func readOnePacket(t *testing.T, r net.Conn) packets.Packet {
	t.Helper()
	fr := newFrameReader(r, 0)
	pkt, _, err := fr.next(context.Background(), nil)
	require.NoError(t, err)
	return pkt
}

func TestSinkSendAtMostOnce(t *testing.T) {
	conn, client := newTestPair(t)
	sink := newSink(conn, conn.log)

	done := make(chan error, 1)
	go func() { done <- sink.Publish("a/b", []byte("hi")).SendAtMostOnce() }()

	pkt := readOnePacket(t, client)
	require.NoError(t, <-done)
	pub, ok := pkt.(*packets.Publish)
	require.True(t, ok)
	require.Equal(t, packets.AtMostOnce, pub.QoS)
	require.Equal(t, "a/b", pub.Topic)
	require.Equal(t, []byte("hi"), pub.Payload)
}

func TestSinkSendAtLeastOnceCompletesOnPuback(t *testing.T) {
	conn, client := newTestPair(t)
	sink := newSink(conn, conn.log)

	resultCh := make(chan error, 1)
	var gotID uint16
	go func() {
		id, err := sink.Publish("a/b", []byte("hi")).SendAtLeastOnce(context.Background())
		gotID = id
		resultCh <- err
	}()

	pkt := readOnePacket(t, client)
	pub, ok := pkt.(*packets.Publish)
	require.True(t, ok)
	require.Equal(t, packets.AtLeastOnce, pub.QoS)

	require.NoError(t, sink.HandlePuback(pub.PacketID))
	require.NoError(t, <-resultCh)
	require.Equal(t, pub.PacketID, gotID)
}

func TestSinkSendAtLeastOnceNoBlockUsesObserver(t *testing.T) {
	conn, client := newTestPair(t)
	sink := newSink(conn, conn.log)

	observed := make(chan struct {
		id           uint16
		disconnected bool
	}, 1)
	sink.PublishAckCB(func(id uint16, disconnected bool) {
		observed <- struct {
			id           uint16
			disconnected bool
		}{id, disconnected}
	})

	id, err := sink.Publish("a/b", []byte("hi")).SendAtLeastOnceNoBlock()
	require.NoError(t, err)

	pkt := readOnePacket(t, client)
	pub := pkt.(*packets.Publish)
	require.Equal(t, id, pub.PacketID)

	require.NoError(t, sink.HandlePuback(id))
	got := <-observed
	require.Equal(t, id, got.id)
	require.False(t, got.disconnected)
}

func TestSinkSendAtLeastOnceNoBlockSequentialIDsAndObserverOrder(t *testing.T) {
	conn, client := newTestPair(t)
	sink := newSink(conn, conn.log)

	type observation struct {
		id           uint16
		disconnected bool
	}
	observed := make(chan observation, 3)
	sink.PublishAckCB(func(id uint16, disconnected bool) {
		observed <- observation{id, disconnected}
	})

	var ids [3]uint16
	for i := range ids {
		id, err := sink.Publish("a/b", nil).SendAtLeastOnceNoBlock()
		require.NoError(t, err)
		ids[i] = id
	}
	require.Equal(t, [3]uint16{1, 2, 3}, ids)

	for range ids {
		readOnePacket(t, client) // drain the three on-wire PUBLISHes
	}

	require.NoError(t, sink.HandlePuback(ids[0]))
	require.NoError(t, sink.HandlePuback(ids[1]))

	first := <-observed
	second := <-observed
	require.ElementsMatch(t, []uint16{ids[0], ids[1]}, []uint16{first.id, second.id})
	require.False(t, first.disconnected)
	require.False(t, second.disconnected)

	select {
	case o := <-observed:
		t.Fatalf("observer fired for id 3 before its own ack was sent: %+v", o)
	default:
	}

	require.NoError(t, sink.HandlePuback(ids[2]))
	third := <-observed
	require.Equal(t, ids[2], third.id)
}

func TestSinkForceCloseResolvesOutstandingWaiters(t *testing.T) {
	conn, client := newTestPair(t)
	sink := newSink(conn, conn.log)

	resultCh := make(chan error, 1)
	go func() {
		_, err := sink.Publish("a/b", nil).SendAtLeastOnce(context.Background())
		resultCh <- err
	}()

	// Drain the on-wire PUBLISH so the enqueue completes and the
	// goroutine above parks on its waiter, then force-close.
	readOnePacket(t, client)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sink.ForceClose())

	err := <-resultCh
	require.ErrorIs(t, err, ErrDisconnected)
	require.True(t, sink.IsClosed())
}

func TestSinkHandlePubackUnknownIDIsSpurious(t *testing.T) {
	conn, _ := newTestPair(t)
	sink := newSink(conn, conn.log)
	require.ErrorIs(t, sink.HandlePuback(42), ErrSpuriousAck)
}

func TestSinkRejectsInvalidTopicName(t *testing.T) {
	conn, _ := newTestPair(t)
	sink := newSink(conn, conn.log)
	err := sink.Publish("a/+/b", nil).SendAtMostOnce()
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ReasonProtocolViolation, pe.Reason)
}
