package packets

import "encoding/binary"

// Will describes the CONNECT packet's optional last-will-and-testament.
type Will struct {
	Topic   string
	Message []byte
	QoS     QoS
	Retain  bool
}

// Connect is the decoded CONTENT of a CONNECT packet.
type Connect struct {
	ProtocolName    string
	ProtocolLevel   uint8
	CleanSession    bool
	KeepAlive       uint16
	ClientID        string
	Will            *Will
	Username        string
	Password        []byte
	HasUsername     bool
	HasPassword     bool
}

func (*Connect) Type() PacketType { return CONNECT }

const (
	connectFlagUsername    = 0x80
	connectFlagPassword    = 0x40
	connectFlagWillRetain  = 0x20
	connectFlagWillQoSMask = 0x18
	connectFlagWillQoSShift = 3
	connectFlagWill        = 0x04
	connectFlagCleanSess   = 0x02
)

// appendConnectBody appends CONNECT's variable header and payload (no
// fixed header) to dst and returns the extended slice.
func appendConnectBody(dst []byte, c *Connect) []byte {
	var flags uint8
	if c.HasUsername {
		flags |= connectFlagUsername
	}
	if c.HasPassword {
		flags |= connectFlagPassword
	}
	if c.CleanSession {
		flags |= connectFlagCleanSess
	}
	if c.Will != nil {
		flags |= connectFlagWill
		flags |= uint8(c.Will.QoS) << connectFlagWillQoSShift
		if c.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}

	dst = appendString(dst, "MQTT")
	dst = append(dst, 4) // protocol level 3.1.1
	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint16(dst, c.KeepAlive)
	dst = appendString(dst, c.ClientID)
	if c.Will != nil {
		dst = appendString(dst, c.Will.Topic)
		dst = appendBytes(dst, c.Will.Message)
	}
	if c.HasUsername {
		dst = appendString(dst, c.Username)
	}
	if c.HasPassword {
		dst = appendBytes(dst, c.Password)
	}
	return dst
}

func decodeConnect(buf []byte) (*Connect, error) {
	name, n, err := decodeString(buf)
	if err != nil {
		return nil, decodeErr("connect: protocol name", err)
	}
	off := n
	if off+2 > len(buf) {
		return nil, decodeErr("connect: truncated after protocol name", nil)
	}
	level := buf[off]
	flags := buf[off+1]
	off += 2
	if off+2 > len(buf) {
		return nil, decodeErr("connect: truncated keep-alive", nil)
	}
	keepAlive := binary.BigEndian.Uint16(buf[off:])
	off += 2

	if flags&0x01 != 0 {
		return nil, decodeErr("connect: reserved flag bit set", nil)
	}

	c := &Connect{
		ProtocolName:  name,
		ProtocolLevel: level,
		CleanSession:  flags&connectFlagCleanSess != 0,
		KeepAlive:     keepAlive,
	}

	clientID, n, err := decodeString(buf[off:])
	if err != nil {
		return nil, decodeErr("connect: client id", err)
	}
	off += n
	c.ClientID = clientID

	if flags&connectFlagWill != 0 {
		topic, n, err := decodeString(buf[off:])
		if err != nil {
			return nil, decodeErr("connect: will topic", err)
		}
		off += n
		msg, n, err := decodeBytes(buf[off:])
		if err != nil {
			return nil, decodeErr("connect: will message", err)
		}
		off += n
		qos := QoS((flags & connectFlagWillQoSMask) >> connectFlagWillQoSShift)
		if !qos.Valid() {
			return nil, decodeErr("connect: invalid will qos", nil)
		}
		c.Will = &Will{
			Topic:   topic,
			Message: msg,
			QoS:     qos,
			Retain:  flags&connectFlagWillRetain != 0,
		}
	} else if flags&(connectFlagWillQoSMask|connectFlagWillRetain) != 0 {
		return nil, decodeErr("connect: will flags set without will flag", nil)
	}

	if flags&connectFlagUsername != 0 {
		user, n, err := decodeString(buf[off:])
		if err != nil {
			return nil, decodeErr("connect: username", err)
		}
		off += n
		c.Username = user
		c.HasUsername = true
	} else if flags&connectFlagPassword != 0 {
		return nil, decodeErr("connect: password flag set without username flag", nil)
	}

	if flags&connectFlagPassword != 0 {
		pw, n, err := decodeBytes(buf[off:])
		if err != nil {
			return nil, decodeErr("connect: password", err)
		}
		off += n
		c.Password = pw
		c.HasPassword = true
	}

	return c, nil
}
