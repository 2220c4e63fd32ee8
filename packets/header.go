package packets

// FixedHeader is the 1-byte type+flags plus the variable-length remaining
// length present at the start of every MQTT control packet.
type FixedHeader struct {
	Type            PacketType
	Flags           uint8
	RemainingLength int
}

func (h FixedHeader) append(dst []byte) []byte {
	dst = append(dst, (byte(h.Type)<<4)|(h.Flags&0x0F))
	return appendVarInt(dst, h.RemainingLength)
}

// decodeFixedHeader decodes the fixed header from buf. It returns the
// header and the number of bytes consumed (1 + len(varint)), or
// ErrNeedMore if buf does not yet hold a complete remaining-length field.
func decodeFixedHeader(buf []byte) (FixedHeader, int, error) {
	if len(buf) < 1 {
		return FixedHeader{}, 0, ErrNeedMore
	}
	first := buf[0]
	typ := PacketType(first >> 4)
	flags := first & 0x0F

	rl, n, err := decodeVarInt(buf[1:])
	if err != nil {
		return FixedHeader{}, 0, err
	}
	return FixedHeader{Type: typ, Flags: flags, RemainingLength: rl}, 1 + n, nil
}
