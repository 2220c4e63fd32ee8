package packets

import "encoding/binary"

type Unsubscribe struct {
	PacketID uint16
	Topics   []string
}

func (*Unsubscribe) Type() PacketType { return UNSUBSCRIBE }

type Unsuback struct {
	PacketID uint16
}

func (*Unsuback) Type() PacketType { return UNSUBACK }

func appendUnsubscribeBody(dst []byte, u *Unsubscribe) []byte {
	dst = binary.BigEndian.AppendUint16(dst, u.PacketID)
	for _, t := range u.Topics {
		dst = appendString(dst, t)
	}
	return dst
}

func decodeUnsubscribe(buf []byte) (*Unsubscribe, error) {
	if len(buf) < 2 {
		return nil, decodeErr("unsubscribe: truncated packet id", nil)
	}
	id := binary.BigEndian.Uint16(buf)
	if id == 0 {
		return nil, decodeErr("unsubscribe: packet id must be nonzero", nil)
	}
	off := 2
	var topics []string
	for off < len(buf) {
		t, n, err := decodeString(buf[off:])
		if err != nil {
			return nil, decodeErr("unsubscribe: topic filter", err)
		}
		off += n
		if err := ValidateFilter(t); err != nil {
			return nil, decodeErr("unsubscribe: invalid topic filter", err)
		}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return nil, decodeErr("unsubscribe: must contain at least one topic filter", nil)
	}
	return &Unsubscribe{PacketID: id, Topics: topics}, nil
}

func appendUnsubackBody(dst []byte, u *Unsuback) []byte {
	return binary.BigEndian.AppendUint16(dst, u.PacketID)
}

func decodeUnsuback(buf []byte) (*Unsuback, error) {
	id, err := decodeIDBody(buf, "unsuback")
	if err != nil {
		return nil, err
	}
	return &Unsuback{PacketID: id}, nil
}
