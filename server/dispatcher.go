package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshmqtt/broker/internal/ackqueue"
	"github.com/meshmqtt/broker/packets"
)

// connState is the dispatcher's Active -> Draining -> Closed state machine.
type connState uint8

const (
	stateActive connState = iota
	stateDraining
	stateClosed
)

// ackResponse is what every ack-queue slot ultimately resolves to: an
// optional packet to write (nil if the event produces no ack, e.g. a QoS0
// publish) and an optional handler error to surface as an Error control
// message, in arrival order relative to every other slot.
type ackResponse struct {
	pkt packets.Packet
	err error
}

type qos2Entry struct {
	recSent bool
}

// Dispatcher is the per-connection inbound state machine: it owns the
// decoded stream, the ack-ordering queue, and QoS tracking for one live
// session.
type Dispatcher[St any] struct {
	cfg      Config
	conn     *connShared
	sink     *Sink
	session  Session[St]
	publishH PublishHandler[St]
	controlH ControlHandler[St]
	log      *logrus.Logger

	fr       *frameReader
	ackQ     *ackqueue.Queue[ackResponse]
	qos2     map[uint16]*qos2Entry

	clientDisconnected bool
	state              connState
	keepAlive          time.Duration

	rateBytes atomic.Int64
	stall     time.Duration
}

// newDispatcher takes ownership of fr, the frame reader the handshake step
// already used to read CONNECT (and which may already hold buffered bytes
// from a pipelined next frame). A fresh frameReader must never be created
// here: the background pump goroutine that owns Read calls on the
// connection has been running since the handshake began, and starting a
// second one on the same reader would race it and drop buffered bytes.
func newDispatcher[St any](
	cfg Config,
	conn *connShared,
	sink *Sink,
	session Session[St],
	publishH PublishHandler[St],
	controlH ControlHandler[St],
	fr *frameReader,
	keepAlive time.Duration,
	log *logrus.Logger,
) *Dispatcher[St] {
	fr.maxSize = cfg.MaxSize
	return &Dispatcher[St]{
		cfg:       cfg,
		conn:      conn,
		sink:      sink,
		session:   session,
		publishH:  publishH,
		controlH:  controlH,
		log:       log,
		fr:        fr,
		ackQ:      ackqueue.New[ackResponse](),
		qos2:      make(map[uint16]*qos2Entry),
		keepAlive: keepAlive,
	}
}

type packetOrErr struct {
	pkt packets.Packet
	err error
}

// readPump continuously decodes frames off the wire and publishes them to
// out. It is the sole goroutine that ever calls fr.next, so the decode
// buffer is never touched concurrently; the rate-policing byte counter is
// atomic because checkReadRate swaps it from Run's goroutine.
func (d *Dispatcher[St]) readPump(ctx context.Context, out chan<- packetOrErr) {
	for {
		pkt, _, err := d.fr.next(ctx, func(n int) { d.rateBytes.Add(int64(n)) })
		select {
		case out <- packetOrErr{pkt: pkt, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Run drives the connection until it tears down. It returns nil on a
// client-initiated DISCONNECT, on a clean peer EOF, and when the
// dispatcher itself raised the fault that began draining (max-qos
// violation, spurious ack, keep-alive or read-rate timeout). It returns a
// non-nil error for a decode, max-size or I/O failure on the read side and
// for parent context cancellation.
func (d *Dispatcher[St]) Run(ctx context.Context) error {
	incoming := make(chan packetOrErr, 1)
	go d.readPump(ctx, incoming)

	var rateTicker *time.Ticker
	if d.cfg.FrameReadRate.MinRate > 0 {
		rateTicker = time.NewTicker(d.cfg.FrameReadRate.MinRate)
		defer rateTicker.Stop()
	}

	var keepAliveTimer *time.Timer
	if d.keepAlive > 0 {
		keepAliveTimer = time.NewTimer(d.keepAlive)
		defer keepAliveTimer.Stop()
	}

	var drainTimer *time.Timer
	var drainC <-chan time.Time
	ctxDone := ctx.Done()

	var runErr error
	for d.state != stateClosed {
		var rateC <-chan time.Time
		if rateTicker != nil {
			rateC = rateTicker.C
		}
		var kaC <-chan time.Time
		if keepAliveTimer != nil {
			kaC = keepAliveTimer.C
		}

		select {
		case res := <-incoming:
			if res.err != nil {
				if d.state == stateActive {
					runErr = d.handleReadError(ctx, res.err)
				}
			} else {
				if keepAliveTimer != nil {
					if !keepAliveTimer.Stop() {
						<-keepAliveTimer.C
					}
					keepAliveTimer.Reset(d.keepAlive)
				}
				// handlePacket itself is what rejects new inbound work
				// once Draining/Closed, except for the one documented
				// carve-out: post-DISCONNECT publishes up to
				// HandleQoSAfterDisconnect's bound still reach the
				// handler.
				d.handlePacket(ctx, res.pkt)
			}

		case <-d.ackQ.Wake():
			d.pump(ctx)

		case <-rateC:
			d.checkReadRate(ctx)

		case <-kaC:
			d.protocolFault(ctx, ReasonKeepAliveTimeout, errors.New("no packet received within keep-alive window"))

		case <-drainC:
			d.forceCloseNow()

		case <-ctxDone:
			ctxDone = nil // handled once; draining then proceeds as usual
			if d.state == stateActive {
				runErr = ctx.Err()
			}
			d.beginDraining()
		}

		if d.state == stateDraining && drainC == nil {
			drainTimer = time.NewTimer(d.cfg.DisconnectDrainGrace)
			drainC = drainTimer.C
		}
		if d.state == stateDraining && d.ackQ.Len() == 0 {
			d.forceCloseNow()
		}
	}
	if drainTimer != nil {
		drainTimer.Stop()
	}
	if _, err := d.controlH(ctx, ControlMessage{Kind: ControlClosed}, d.session); err != nil {
		d.log.WithError(err).Debug("control handler errored handling Closed")
	}
	return runErr
}

// pump flushes the contiguous completed prefix of the ack queue to the
// wire, in arrival order, regardless of completion order.
func (d *Dispatcher[St]) pump(ctx context.Context) {
	for _, slot := range d.ackQ.DrainReady() {
		resp := slot.Value()
		if resp.err != nil {
			d.deliverError(ctx, resp.err)
		}
		if resp.pkt != nil {
			if pr, ok := resp.pkt.(*packets.Pubrec); ok {
				if e, tracked := d.qos2[pr.PacketID]; tracked {
					e.recSent = true
				}
			}
			if err := d.conn.enqueue(resp.pkt, false); err != nil {
				d.log.WithError(err).Debug("failed to write queued ack")
			}
		}
	}
}

func (d *Dispatcher[St]) deliverError(ctx context.Context, err error) {
	result, herr := d.controlH(ctx, ControlMessage{Kind: ControlErrorKind, Err: err}, d.session)
	if herr != nil {
		d.log.WithError(herr).Warn("control handler itself errored while handling an Error message")
		d.beginDraining()
		return
	}
	if result.TearDown {
		d.beginDraining()
	}
}

func (d *Dispatcher[St]) handlePacket(ctx context.Context, pkt packets.Packet) {
	if d.state != stateActive {
		// Draining/Closed rejects every new piece of inbound work except
		// the one documented carve-out: a publish that arrived after the
		// client's own DISCONNECT, up to HandleQoSAfterDisconnect's bound.
		// handlePublish applies that bound itself; everything else here,
		// including a publish while draining for any other reason (a
		// protocol fault or read timeout, where no carve-out applies), is
		// dropped without pushing a new ack-queue slot or spawning a
		// handler goroutine.
		if p, ok := pkt.(*packets.Publish); ok && d.clientDisconnected {
			d.handlePublish(ctx, p)
		}
		return
	}

	switch p := pkt.(type) {
	case *packets.Publish:
		d.handlePublish(ctx, p)
	case *packets.Puback:
		if err := d.sink.HandlePuback(p.PacketID); err != nil {
			d.protocolFault(ctx, ReasonProtocolViolation, err)
		}
	case *packets.Pubrec:
		if err := d.sink.HandlePuback(p.PacketID); err != nil {
			d.protocolFault(ctx, ReasonProtocolViolation, err)
		}
	case *packets.Pubcomp:
		// PUBREC and PUBCOMP go through HandlePuback like PUBACK: the first
		// ack that names an in-flight sink id completes its waiter and
		// releases the id. An id the sink has no record of, including a
		// second ack for an id already completed, is a spurious ack, same
		// as an unmatched PUBACK/PUBREC.
		if err := d.sink.HandlePuback(p.PacketID); err != nil {
			d.protocolFault(ctx, ReasonProtocolViolation, err)
		}
	case *packets.Pubrel:
		d.handlePubrel(ctx, p)
	case *packets.Subscribe:
		d.handleSubscribe(ctx, p)
	case *packets.Unsubscribe:
		d.handleUnsubscribe(ctx, p)
	case *packets.Pingreq:
		d.handlePing(ctx)
	case *packets.Disconnect:
		d.handleDisconnect(ctx)
	case *packets.Connect:
		d.protocolFault(ctx, ReasonUnexpectedPacket, errors.New("CONNECT received after handshake"))
	default:
		d.protocolFault(ctx, ReasonUnexpectedPacket, errors.New("unexpected packet type on established connection"))
	}
}

func (d *Dispatcher[St]) handlePublish(ctx context.Context, p *packets.Publish) {
	if p.QoS > d.cfg.MaxQoS {
		d.protocolFault(ctx, ReasonProtocolViolation, errors.New("publish qos exceeds server max-qos"))
		return
	}

	if d.clientDisconnected {
		bound := d.cfg.HandleQoSAfterDisconnect
		if bound == nil || p.QoS > *bound {
			return // dropped per post-disconnect policy
		}
	}

	switch p.QoS {
	case packets.AtMostOnce:
		slot := d.ackQ.Push()
		go func() {
			err := d.publishH(ctx, p, d.session)
			slot.Complete(ackResponse{err: err}, nil)
		}()

	case packets.AtLeastOnce:
		slot := d.ackQ.Push()
		id := p.PacketID
		go func() {
			err := d.publishH(ctx, p, d.session)
			slot.Complete(ackResponse{pkt: &packets.Puback{PacketID: id}, err: err}, nil)
		}()

	case packets.ExactlyOnce:
		d.handlePublishQoS2(ctx, p)
	}
}

func (d *Dispatcher[St]) handlePublishQoS2(ctx context.Context, p *packets.Publish) {
	id := p.PacketID
	if e, tracked := d.qos2[id]; tracked {
		if p.Dup && e.recSent {
			_ = d.conn.enqueue(&packets.Pubrec{PacketID: id}, false)
		}
		return
	}

	d.qos2[id] = &qos2Entry{}
	slot := d.ackQ.Push()
	go func() {
		err := d.publishH(ctx, p, d.session)
		slot.Complete(ackResponse{pkt: &packets.Pubrec{PacketID: id}, err: err}, nil)
	}()
}

func (d *Dispatcher[St]) handlePubrel(ctx context.Context, p *packets.Pubrel) {
	if _, tracked := d.qos2[p.PacketID]; !tracked {
		d.protocolFault(ctx, ReasonProtocolViolation, fmt.Errorf("pubrel for unknown packet id: %w", ErrSpuriousAck))
		return
	}
	delete(d.qos2, p.PacketID)
	_ = d.conn.enqueue(&packets.Pubcomp{PacketID: p.PacketID}, false)
}

func (d *Dispatcher[St]) handleSubscribe(ctx context.Context, p *packets.Subscribe) {
	slot := d.ackQ.Push()
	go func() {
		result, err := d.controlH(ctx, ControlMessage{Kind: ControlSubscribe, Subscribe: p}, d.session)
		codes := result.SubscribeCodes
		if len(codes) != len(p.Subscriptions) {
			fixed := make([]packets.SubscribeReturnCode, len(p.Subscriptions))
			for i := range fixed {
				fixed[i] = packets.SubFailure
			}
			codes = fixed
		}
		slot.Complete(ackResponse{pkt: &packets.Suback{PacketID: p.PacketID, ReturnCodes: codes}, err: err}, nil)
	}()
}

func (d *Dispatcher[St]) handleUnsubscribe(ctx context.Context, p *packets.Unsubscribe) {
	slot := d.ackQ.Push()
	go func() {
		_, err := d.controlH(ctx, ControlMessage{Kind: ControlUnsubscribe, Unsubscribe: p}, d.session)
		slot.Complete(ackResponse{pkt: &packets.Unsuback{PacketID: p.PacketID}, err: err}, nil)
	}()
}

func (d *Dispatcher[St]) handlePing(ctx context.Context) {
	slot := d.ackQ.Push()
	go func() {
		_, err := d.controlH(ctx, ControlMessage{Kind: ControlPing}, d.session)
		if err != nil {
			d.log.WithError(err).Debug("control handler errored handling Ping; acking anyway")
		}
		// PINGRESP is the unconditional default action.
		slot.Complete(ackResponse{pkt: &packets.Pingresp{}}, nil)
	}()
}

func (d *Dispatcher[St]) handleDisconnect(ctx context.Context) {
	d.clientDisconnected = true
	result, err := d.controlH(ctx, ControlMessage{Kind: ControlDisconnect}, d.session)
	if err != nil {
		d.log.WithError(err).Debug("control handler errored handling Disconnect")
	}
	_ = result
	d.beginDraining()
}

func (d *Dispatcher[St]) handleReadError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errEOF):
		d.deliverPeerGone(ctx, ErrDisconnected)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.beginDraining()
		return err
	default:
		var mse *packets.MaxSizeError
		var de *packets.DecodeError
		switch {
		case errors.As(err, &mse):
			d.protocolFault(ctx, ReasonMaxSizeExceeded, err)
		case errors.As(err, &de):
			d.protocolFault(ctx, ReasonMalformedPacket, err)
		default:
			d.deliverPeerGone(ctx, err)
		}
		return err
	}
}

func (d *Dispatcher[St]) deliverPeerGone(ctx context.Context, err error) {
	_, herr := d.controlH(ctx, ControlMessage{Kind: ControlPeerGone, Err: err}, d.session)
	if herr != nil {
		d.log.WithError(herr).Debug("control handler errored handling PeerGone")
	}
	d.beginDraining()
}

// protocolFault delivers a ProtocolError control message and begins
// draining; the dispatcher never panics on a protocol violation.
func (d *Dispatcher[St]) protocolFault(ctx context.Context, reason Reason, cause error) {
	pe := protoErr(reason, cause)
	_, herr := d.controlH(ctx, ControlMessage{Kind: ControlProtocolErrorKind, Err: pe}, d.session)
	if herr != nil {
		d.log.WithError(herr).Warn("control handler errored handling ProtocolError")
	}
	d.beginDraining()
}

func (d *Dispatcher[St]) beginDraining() {
	if d.state == stateActive {
		d.state = stateDraining
	}
}

func (d *Dispatcher[St]) forceCloseNow() {
	d.state = stateClosed
	d.sink.ForceClose()
}

// checkReadRate is called on every FrameReadRate.MinRate tick. If a
// partial frame is in progress and fewer than MinChunk bytes arrived this
// tick, the stall clock advances; reaching MaxStall fires ReadTimeout.
func (d *Dispatcher[St]) checkReadRate(ctx context.Context) {
	n := d.rateBytes.Swap(0)
	if !d.fr.partial.Load() {
		d.stall = 0
		return
	}
	if n >= int64(d.cfg.FrameReadRate.MinChunk) {
		d.stall = 0
		return
	}
	d.stall += d.cfg.FrameReadRate.MinRate
	if d.stall >= d.cfg.FrameReadRate.MaxStall {
		d.protocolFault(ctx, ReasonReadTimeout, errors.New("frame read rate below configured minimum"))
	}
}
