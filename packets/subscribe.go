package packets

import "encoding/binary"

// TopicSubscription is one (topic-filter, max-qos) entry of a SUBSCRIBE.
type TopicSubscription struct {
	Filter string
	MaxQoS QoS
}

type Subscribe struct {
	PacketID      uint16
	Subscriptions []TopicSubscription
}

func (*Subscribe) Type() PacketType { return SUBSCRIBE }

type Suback struct {
	PacketID    uint16
	ReturnCodes []SubscribeReturnCode
}

func (*Suback) Type() PacketType { return SUBACK }

func appendSubscribeBody(dst []byte, s *Subscribe) []byte {
	dst = binary.BigEndian.AppendUint16(dst, s.PacketID)
	for _, sub := range s.Subscriptions {
		dst = appendString(dst, sub.Filter)
		dst = append(dst, byte(sub.MaxQoS))
	}
	return dst
}

func decodeSubscribe(buf []byte) (*Subscribe, error) {
	if len(buf) < 2 {
		return nil, decodeErr("subscribe: truncated packet id", nil)
	}
	id := binary.BigEndian.Uint16(buf)
	if id == 0 {
		return nil, decodeErr("subscribe: packet id must be nonzero", nil)
	}
	off := 2
	var subs []TopicSubscription
	for off < len(buf) {
		filter, n, err := decodeString(buf[off:])
		if err != nil {
			return nil, decodeErr("subscribe: topic filter", err)
		}
		off += n
		if err := ValidateFilter(filter); err != nil {
			return nil, decodeErr("subscribe: invalid topic filter", err)
		}
		if off >= len(buf) {
			return nil, decodeErr("subscribe: missing requested qos byte", nil)
		}
		qosByte := buf[off]
		off++
		if qosByte&0xFC != 0 {
			return nil, decodeErr("subscribe: reserved bits set in qos byte", nil)
		}
		qos := QoS(qosByte)
		if !qos.Valid() {
			return nil, decodeErr("subscribe: invalid requested qos", nil)
		}
		subs = append(subs, TopicSubscription{Filter: filter, MaxQoS: qos})
	}
	if len(subs) == 0 {
		return nil, decodeErr("subscribe: must contain at least one topic filter", nil)
	}
	return &Subscribe{PacketID: id, Subscriptions: subs}, nil
}

func appendSubackBody(dst []byte, s *Suback) []byte {
	dst = binary.BigEndian.AppendUint16(dst, s.PacketID)
	for _, rc := range s.ReturnCodes {
		dst = append(dst, byte(rc))
	}
	return dst
}

func decodeSuback(buf []byte) (*Suback, error) {
	if len(buf) < 3 {
		return nil, decodeErr("suback: truncated", nil)
	}
	id := binary.BigEndian.Uint16(buf)
	codes := make([]SubscribeReturnCode, 0, len(buf)-2)
	for _, b := range buf[2:] {
		codes = append(codes, SubscribeReturnCode(b))
	}
	return &Suback{PacketID: id, ReturnCodes: codes}, nil
}
