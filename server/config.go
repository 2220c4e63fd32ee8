package server

import (
	"time"

	"github.com/meshmqtt/broker/packets"
)

// FrameReadRate configures read-rate policing: if a partial frame is in
// progress and fewer than MinChunk bytes arrive within MinRate, a stall
// timer starts; reaching MaxStall fires a ReadTimeout protocol error.
type FrameReadRate struct {
	MinRate  time.Duration
	MaxStall time.Duration
	MinChunk uint16
}

// DefaultFrameReadRate disables read-rate policing (MinRate == 0).
var DefaultFrameReadRate = FrameReadRate{}

// Config collects the per-server knobs a deployment can tune.
type Config struct {
	// MaxSize caps the total framed size of an inbound packet; 0 disables
	// the check.
	MaxSize uint32

	// MaxQoS is the highest QoS this server accepts on inbound publishes.
	// A publish exceeding it is a ProtocolViolation.
	MaxQoS packets.QoS

	// HandleQoSAfterDisconnect, if non-nil, lets publishes with qos <= *v
	// continue to dispatch after the client has sent DISCONNECT. nil
	// drops every post-DISCONNECT publish.
	HandleQoSAfterDisconnect *packets.QoS

	// ConnectTimeout holds the configured CONNECT deadline. Selector.Dispatch
	// does not read it: the handshake waits for the connectTimeout argument
	// passed to Dispatch instead.
	ConnectTimeout time.Duration

	// FrameReadRate configures stall detection on partial frames.
	FrameReadRate FrameReadRate

	// DisconnectDrainGrace bounds how long Draining waits for outstanding
	// in-flight ack-queue slots before forcing Closed.
	DisconnectDrainGrace time.Duration
}

// DefaultConfig returns the documented defaults for every knob.
func DefaultConfig() Config {
	return Config{
		MaxSize:              0,
		MaxQoS:                packets.ExactlyOnce,
		ConnectTimeout:        DefaultConnectTimeout,
		FrameReadRate:         DefaultFrameReadRate,
		DisconnectDrainGrace:  5 * time.Second,
	}
}
