package server

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshmqtt/broker/internal/idpool"
	"github.com/meshmqtt/broker/packets"
)

// AckObserver is invoked whenever a server-initiated QoS1 publish reaches
// a terminal state: disconnected is false on ordinary PUBACK receipt, true
// when the connection tore down with the publish still outstanding.
type AckObserver func(packetID uint16, disconnected bool)

// pendingPublish is one outstanding server->client QoS1 publish. resultCh
// is nil for SendAtLeastOnceNoBlock calls: nobody is waiting on a Go
// channel, only the AckObserver callback reports completion.
type pendingPublish struct {
	resultCh chan error
}

// Sink is the outbound half of a live connection, exposed to user code.
// Every exported method is safe to call from any goroutine: handler code
// may run concurrently with the dispatcher's own PUBACK handling, which is
// why Sink carries its own mutex even though the wider engine is otherwise
// single-threaded-cooperative per connection.
type Sink struct {
	conn *connShared
	ids  *idpool.Pool
	log  *logrus.Logger

	mu        sync.Mutex
	inFlight  map[uint16]*pendingPublish
	observer  AckObserver
	closed    bool
	forceOnce sync.Once
}

func newSink(conn *connShared, log *logrus.Logger) *Sink {
	return &Sink{
		conn:     conn,
		ids:      idpool.New(),
		log:      log,
		inFlight: make(map[uint16]*pendingPublish),
	}
}

// PublishAckCB installs the observer callback invoked on PUBACK receipt or
// on force-close for any publish started through this sink.
func (s *Sink) PublishAckCB(f AckObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = f
}

// IsClosed reports whether the sink has been closed (gracefully or
// forcibly).
func (s *Sink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsReady reports whether the outbound writer currently has queue
// capacity, for callers doing their own backpressure polling.
func (s *Sink) IsReady() bool {
	return s.conn.isReady()
}

// Ready blocks until the writer has capacity or ctx is done.
func (s *Sink) Ready(ctx context.Context) error {
	select {
	case <-s.conn.waitReady(ctx.Done()):
		if s.conn.closed.Load() {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBuilder accumulates a publish's fields before one of the
// send-variant terminal methods is called, a fluent
// publish(topic, payload).send_at_most_once() style surface.
type PublishBuilder struct {
	sink    *Sink
	topic   string
	payload []byte
	retain  bool
	dup     bool
}

// Publish begins building an outbound PUBLISH to topic.
func (s *Sink) Publish(topic string, payload []byte) *PublishBuilder {
	return &PublishBuilder{sink: s, topic: topic, payload: payload}
}

// Retain sets the MQTT RETAIN flag on the outbound publish.
func (b *PublishBuilder) Retain(retain bool) *PublishBuilder {
	b.retain = retain
	return b
}

// SendAtMostOnce encodes and enqueues a QoS0 PUBLISH. Fails with ErrClosed
// if the sink is closed.
func (b *PublishBuilder) SendAtMostOnce() error {
	if !packets.ValidTopicName(b.topic) {
		return protoErr(ReasonProtocolViolation, errInvalidTopicName(b.topic))
	}
	return b.sink.conn.enqueue(&packets.Publish{
		QoS:     packets.AtMostOnce,
		Topic:   b.topic,
		Payload: b.payload,
		Retain:  b.retain,
	}, false)
}

// SendAtLeastOnce encodes and enqueues a QoS1 PUBLISH, allocating a packet
// id, then blocks until the matching PUBACK arrives, the connection is
// disconnected, or ctx is done. Cancelling ctx only cancels the caller's
// wait: the packet id stays in flight until PUBACK or disconnect, and the
// on-wire bytes are never retracted.
func (b *PublishBuilder) SendAtLeastOnce(ctx context.Context) (uint16, error) {
	if !packets.ValidTopicName(b.topic) {
		return 0, protoErr(ReasonProtocolViolation, errInvalidTopicName(b.topic))
	}
	s := b.sink
	if s.IsClosed() {
		return 0, ErrClosed
	}
	id, err := s.ids.Acquire(ctx)
	if err != nil {
		return 0, err
	}

	pending := &pendingPublish{resultCh: make(chan error, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ids.Release(id)
		return 0, ErrClosed
	}
	s.inFlight[id] = pending
	s.mu.Unlock()

	if err := s.conn.enqueue(&packets.Publish{
		QoS: packets.AtLeastOnce, Topic: b.topic, Payload: b.payload,
		Retain: b.retain, PacketID: id,
	}, true); err != nil {
		s.completeLocked(id, err, false)
		return id, err
	}

	select {
	case err := <-pending.resultCh:
		return id, err
	case <-ctx.Done():
		// Cancel-safe: remove our wait, but the obligation (and the
		// packet id) remains in flight until PUBACK or disconnect.
		return id, ctx.Err()
	}
}

// SendAtLeastOnceNoBlock encodes and enqueues a QoS1 PUBLISH and returns
// the allocated packet id immediately; completion is reported only
// through the installed AckObserver. Returns ErrBackpressureFull if all
// 2^16-1 ids are currently in flight.
func (b *PublishBuilder) SendAtLeastOnceNoBlock() (uint16, error) {
	if !packets.ValidTopicName(b.topic) {
		return 0, protoErr(ReasonProtocolViolation, errInvalidTopicName(b.topic))
	}
	s := b.sink
	if s.IsClosed() {
		return 0, ErrClosed
	}
	id, ok := s.ids.TryAcquire()
	if !ok {
		return 0, ErrBackpressureFull
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.ids.Release(id)
		return 0, ErrClosed
	}
	s.inFlight[id] = &pendingPublish{} // resultCh nil: observer-only completion
	s.mu.Unlock()

	if err := s.conn.enqueue(&packets.Publish{
		QoS: packets.AtLeastOnce, Topic: b.topic, Payload: b.payload,
		Retain: b.retain, PacketID: id,
	}, false); err != nil {
		s.completeLocked(id, err, false)
		return id, err
	}
	return id, nil
}

// HandlePuback is called by the dispatcher when a PUBACK arrives. It
// completes the matching waiter (if any) with a nil error and invokes the
// ack observer with disconnected=false. Returns ErrSpuriousAck if id is
// not currently in flight.
func (s *Sink) HandlePuback(id uint16) error {
	s.mu.Lock()
	_, ok := s.inFlight[id]
	s.mu.Unlock()
	if !ok {
		return ErrSpuriousAck
	}
	s.completeLocked(id, nil, false)
	return nil
}

// completeLocked resolves packet id's waiter (if one exists), fires the
// observer, and releases the id back to the pool. Idempotent: a second
// call for an id no longer present is a no-op, which is what lets the
// PUBACK path and the force-close path race safely (design notes §9).
func (s *Sink) completeLocked(id uint16, err error, disconnected bool) {
	s.mu.Lock()
	pending, ok := s.inFlight[id]
	if ok {
		delete(s.inFlight, id)
	}
	observer := s.observer
	s.mu.Unlock()
	if !ok {
		return
	}
	if pending.resultCh != nil {
		pending.resultCh <- err
	}
	if observer != nil {
		observer(id, disconnected)
	}
	s.ids.Release(id)
	// Wake a Close waiting for the in-flight map to drain.
	select {
	case s.conn.notifyFree <- struct{}{}:
	default:
	}
}

// Close drains outstanding publishes until they ack or the grace period in
// ctx elapses, then closes the writer. If the grace period elapses with
// publishes still outstanding, or ForceClose is called concurrently,
// ForceClose semantics win (DESIGN.md Open Question 2).
func (s *Sink) Close(ctx context.Context) error {
	for {
		s.mu.Lock()
		empty := len(s.inFlight) == 0
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
		if empty {
			return s.closeWriterOnly()
		}
		select {
		case <-s.conn.notifyFree:
		case <-ctx.Done():
			return s.ForceClose()
		case <-s.conn.exit:
			return nil
		}
	}
}

// closeWriterOnly marks the sink closed and tears the transport down
// without touching inFlight (the caller has already established it's
// empty).
func (s *Sink) closeWriterOnly() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.teardown()
	return nil
}

// ForceClose immediately closes the writer; every outstanding waiter
// resolves with ErrDisconnected and the ack observer fires with
// disconnected=true for each. Takes precedence over a concurrent Close.
func (s *Sink) ForceClose() error {
	s.forceOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ids := make([]uint16, 0, len(s.inFlight))
		for id := range s.inFlight {
			ids = append(ids, id)
		}
		s.mu.Unlock()

		for _, id := range ids {
			s.completeLocked(id, ErrDisconnected, true)
		}
		s.conn.teardown()
	})
	return nil
}

func errInvalidTopicName(topic string) error {
	return &invalidTopicNameError{topic: topic}
}

type invalidTopicNameError struct{ topic string }

func (e *invalidTopicNameError) Error() string {
	return "server: invalid publish topic name: " + e.topic
}
