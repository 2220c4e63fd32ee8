package packets

import (
	"encoding/binary"
	"unicode/utf8"
)

// appendString appends an MQTT UTF-8 string: a 2-byte big-endian length
// prefix followed by the raw bytes.
func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// appendBytes appends an MQTT length-prefixed binary field.
func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}

// decodeString decodes an MQTT UTF-8 string from buf[0:], returning the
// string, the number of bytes consumed, and an error if the length prefix
// overruns the buffer or the payload is not valid UTF-8.
func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, decodeErr("truncated string length prefix", nil)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", 0, decodeErr("truncated string payload", nil)
	}
	s := buf[2 : 2+n]
	if !utf8.Valid(s) {
		return "", 0, decodeErr("string payload is not valid UTF-8", nil)
	}
	return string(s), 2 + n, nil
}

// decodeBytes decodes an MQTT length-prefixed binary field.
func decodeBytes(buf []byte) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, decodeErr("truncated binary length prefix", nil)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return nil, 0, decodeErr("truncated binary payload", nil)
	}
	out := make([]byte, n)
	copy(out, buf[2:2+n])
	return out, 2 + n, nil
}
