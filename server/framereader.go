package server

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/meshmqtt/broker/packets"
)

// errEOF is returned by frameReader.next when the peer closed the
// connection cleanly with no partial frame pending.
var errEOF = errors.New("server: peer closed connection")

type readResult struct {
	chunk []byte
	err   error
}

// frameReader accumulates bytes from an io.Reader and yields whole MQTT
// frames, enforcing the configured maximum frame size along the way. A
// single background goroutine owns the underlying Read calls for the
// reader's whole lifetime, so a caller's context deadline can abandon a
// wait without risking two concurrent Reads against the same stream.
type frameReader struct {
	r       io.Reader
	maxSize uint32
	buf     []byte
	chunks  chan readResult

	// partial reports whether a frame is currently partially buffered
	// (some bytes received, not yet a complete frame). The dispatcher's
	// frame-read-rate policing reads this from a different goroutine than
	// the one that writes it, hence atomic.
	partial atomic.Bool
}

func newFrameReader(r io.Reader, maxSize uint32) *frameReader {
	fr := &frameReader{
		r:       r,
		maxSize: maxSize,
		chunks:  make(chan readResult, 1),
	}
	go fr.pump()
	return fr
}

func (fr *frameReader) pump() {
	for {
		chunk := make([]byte, 4096)
		n, err := fr.r.Read(chunk)
		var res readResult
		if n > 0 {
			res.chunk = chunk[:n]
		}
		res.err = err
		fr.chunks <- res
		if err != nil {
			return
		}
	}
}

// next returns the next complete frame, blocking as needed. If onBytes is
// non-nil it is called with the length of every chunk read from the wire,
// before any frame is known to be complete — used by the dispatcher's
// frame-read-rate policing.
func (fr *frameReader) next(ctx context.Context, onBytes func(n int)) (packets.Packet, int, error) {
	for {
		pkt, n, err := packets.Decode(fr.buf, fr.maxSize)
		if err == nil {
			fr.consume(n)
			fr.partial.Store(len(fr.buf) > 0)
			return pkt, n, nil
		}
		if !errors.Is(err, packets.ErrNeedMore) {
			return nil, 0, err
		}
		fr.partial.Store(len(fr.buf) > 0)

		select {
		case r := <-fr.chunks:
			if len(r.chunk) > 0 {
				fr.buf = append(fr.buf, r.chunk...)
				if onBytes != nil {
					onBytes(len(r.chunk))
				}
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) && len(fr.buf) == 0 {
					return nil, 0, errEOF
				}
				return nil, 0, r.err
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

func (fr *frameReader) consume(n int) {
	rest := make([]byte, len(fr.buf)-n)
	copy(rest, fr.buf[n:])
	fr.buf = rest
}
