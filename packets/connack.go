package packets

// Connack is the decoded content of a CONNACK packet. This framework never
// persists sessions, so SessionPresent is always false on the wire, but the
// field is kept for decode symmetry (a client connector elsewhere in the
// family may receive a broker's session-present bit).
type Connack struct {
	SessionPresent bool
	ReturnCode     ConnackReturnCode
}

func (*Connack) Type() PacketType { return CONNACK }

func appendConnackBody(dst []byte, c *Connack) []byte {
	var ackFlags uint8
	if c.SessionPresent {
		ackFlags = 0x01
	}
	dst = append(dst, ackFlags)
	dst = append(dst, byte(c.ReturnCode))
	return dst
}

func decodeConnack(buf []byte) (*Connack, error) {
	if len(buf) != 2 {
		return nil, decodeErr("connack: body must be exactly 2 bytes", nil)
	}
	if buf[0]&0xFE != 0 {
		return nil, decodeErr("connack: reserved ack-flag bits set", nil)
	}
	return &Connack{
		SessionPresent: buf[0]&0x01 != 0,
		ReturnCode:     ConnackReturnCode(buf[1]),
	}, nil
}
