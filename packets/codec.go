package packets

import "io"

// Encode serializes p onto w as a complete MQTT frame: fixed header
// followed by variable header and payload. PUBLISH payload bytes are
// copied once, from p.Payload into the pooled encode buffer that is then
// written to w; they never pass through a string conversion.
func Encode(w io.Writer, p Packet) error {
	bufPtr := getEncodeBuffer()
	defer putEncodeBuffer(bufPtr)
	body := (*bufPtr)[:0]

	var flags uint8
	switch v := p.(type) {
	case *Connect:
		body = appendConnectBody(body, v)
	case *Connack:
		body = appendConnackBody(body, v)
	case *Publish:
		flags = publishFlags(v)
		body = appendPublishBody(body, v)
	case *Puback:
		body = appendIDBody(body, v.PacketID)
	case *Pubrec:
		body = appendIDBody(body, v.PacketID)
	case *Pubrel:
		flags = 0x02
		body = appendIDBody(body, v.PacketID)
	case *Pubcomp:
		body = appendIDBody(body, v.PacketID)
	case *Subscribe:
		flags = 0x02
		body = appendSubscribeBody(body, v)
	case *Suback:
		body = appendSubackBody(body, v)
	case *Unsubscribe:
		flags = 0x02
		body = appendUnsubscribeBody(body, v)
	case *Unsuback:
		body = appendUnsubackBody(body, v)
	case *Pingreq, *Pingresp, *Disconnect:
		// no body
	default:
		return decodeErr("encode: unknown packet type", nil)
	}
	*bufPtr = body

	header := FixedHeader{Type: p.Type(), Flags: flags, RemainingLength: len(body)}
	headerBuf := make([]byte, 0, 5)
	headerBuf = header.append(headerBuf)

	if _, err := w.Write(headerBuf); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Decode reads one complete frame from the front of buf. On success it
// returns the decoded packet and the number of bytes consumed (the frame
// size, including the fixed header). If buf does not yet hold a complete
// frame it returns ErrNeedMore. If max != 0 and the frame's total size
// would exceed max, it returns a *MaxSizeError without consuming anything
// further than necessary to know the size.
func Decode(buf []byte, max uint32) (Packet, int, error) {
	header, headerLen, err := decodeFixedHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	frameSize := headerLen + header.RemainingLength
	if max != 0 && frameSize > int(max) {
		return nil, 0, &MaxSizeError{FrameSize: frameSize, Max: max}
	}
	if len(buf) < frameSize {
		return nil, 0, ErrNeedMore
	}
	body := buf[headerLen:frameSize]

	p, err := decodeBody(header, body)
	if err != nil {
		return nil, 0, err
	}
	return p, frameSize, nil
}

func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	switch header.Type {
	case CONNECT:
		if header.Flags != 0 {
			return nil, decodeErr("connect: fixed header flags must be 0", nil)
		}
		return decodeConnect(body)
	case CONNACK:
		if header.Flags != 0 {
			return nil, decodeErr("connack: fixed header flags must be 0", nil)
		}
		return decodeConnack(body)
	case PUBLISH:
		return decodePublish(body, header.Flags)
	case PUBACK:
		if header.Flags != 0 {
			return nil, decodeErr("puback: fixed header flags must be 0", nil)
		}
		id, err := decodeIDBody(body, "puback")
		if err != nil {
			return nil, err
		}
		return &Puback{PacketID: id}, nil
	case PUBREC:
		if header.Flags != 0 {
			return nil, decodeErr("pubrec: fixed header flags must be 0", nil)
		}
		id, err := decodeIDBody(body, "pubrec")
		if err != nil {
			return nil, err
		}
		return &Pubrec{PacketID: id}, nil
	case PUBREL:
		if err := decodePubrelFlags(header.Flags); err != nil {
			return nil, err
		}
		id, err := decodeIDBody(body, "pubrel")
		if err != nil {
			return nil, err
		}
		return &Pubrel{PacketID: id}, nil
	case PUBCOMP:
		if header.Flags != 0 {
			return nil, decodeErr("pubcomp: fixed header flags must be 0", nil)
		}
		id, err := decodeIDBody(body, "pubcomp")
		if err != nil {
			return nil, err
		}
		return &Pubcomp{PacketID: id}, nil
	case SUBSCRIBE:
		if header.Flags != 0x02 {
			return nil, decodeErr("subscribe: fixed header flags must be 0010", nil)
		}
		return decodeSubscribe(body)
	case SUBACK:
		if header.Flags != 0 {
			return nil, decodeErr("suback: fixed header flags must be 0", nil)
		}
		return decodeSuback(body)
	case UNSUBSCRIBE:
		if header.Flags != 0x02 {
			return nil, decodeErr("unsubscribe: fixed header flags must be 0010", nil)
		}
		return decodeUnsubscribe(body)
	case UNSUBACK:
		if header.Flags != 0 {
			return nil, decodeErr("unsuback: fixed header flags must be 0", nil)
		}
		return decodeUnsuback(body)
	case PINGREQ:
		if header.Flags != 0 || len(body) != 0 {
			return nil, decodeErr("pingreq: must have empty body and zero flags", nil)
		}
		return &Pingreq{}, nil
	case PINGRESP:
		if header.Flags != 0 || len(body) != 0 {
			return nil, decodeErr("pingresp: must have empty body and zero flags", nil)
		}
		return &Pingresp{}, nil
	case DISCONNECT:
		if header.Flags != 0 || len(body) != 0 {
			return nil, decodeErr("disconnect: must have empty body and zero flags", nil)
		}
		return &Disconnect{}, nil
	default:
		return nil, decodeErr("unknown packet type", nil)
	}
}
