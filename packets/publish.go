package packets

import "encoding/binary"

// Publish is the decoded content of a PUBLISH packet. Payload is never
// copied through a string conversion so its bytes survive byte-for-byte.
type Publish struct {
	Dup      bool
	QoS      QoS
	Retain   bool
	Topic    string
	PacketID uint16 // only meaningful when QoS > AtMostOnce
	Payload  []byte
}

func (*Publish) Type() PacketType { return PUBLISH }

func publishFlags(p *Publish) uint8 {
	var flags uint8
	if p.Dup {
		flags |= 0x08
	}
	flags |= uint8(p.QoS&0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func appendPublishBody(dst []byte, p *Publish) []byte {
	dst = appendString(dst, p.Topic)
	if p.QoS > AtMostOnce {
		dst = binary.BigEndian.AppendUint16(dst, p.PacketID)
	}
	dst = append(dst, p.Payload...)
	return dst
}

func decodePublish(buf []byte, flags uint8) (*Publish, error) {
	qos := QoS((flags >> 1) & 0x03)
	if qos > ExactlyOnce {
		return nil, decodeErr("publish: invalid qos bits (both set)", nil)
	}
	p := &Publish{
		Dup:    flags&0x08 != 0,
		QoS:    qos,
		Retain: flags&0x01 != 0,
	}
	if p.Dup && p.QoS == AtMostOnce {
		return nil, decodeErr("publish: dup set on qos 0 publish", nil)
	}

	topic, n, err := decodeString(buf)
	if err != nil {
		return nil, decodeErr("publish: topic", err)
	}
	off := n
	if containsWildcard(topic) {
		return nil, decodeErr("publish: topic name must not contain wildcards", nil)
	}
	p.Topic = topic

	if p.QoS > AtMostOnce {
		if off+2 > len(buf) {
			return nil, decodeErr("publish: truncated packet id", nil)
		}
		p.PacketID = binary.BigEndian.Uint16(buf[off:])
		if p.PacketID == 0 {
			return nil, decodeErr("publish: packet id must be nonzero", nil)
		}
		off += 2
	}

	payload := make([]byte, len(buf)-off)
	copy(payload, buf[off:])
	p.Payload = payload
	return p, nil
}

func containsWildcard(topic string) bool {
	for i := 0; i < len(topic); i++ {
		if topic[i] == '#' || topic[i] == '+' {
			return true
		}
	}
	return false
}
