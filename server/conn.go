package server

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/meshmqtt/broker/packets"
)

// frameJob is one outbound frame queued for the writer goroutine.
type frameJob struct {
	pkt packets.Packet
	// errCh, if non-nil, receives the write's outcome. Buffered 1.
	errCh chan error
}

// connShared is the single record both the Sink and the Dispatcher hold a
// strong reference to. It owns the raw transport and the writer goroutine
// that drains queued frames onto it, guaranteeing packets are written
// whole and never interleaved (design notes §9: "cyclic ownership between
// sink and dispatcher"). Teardown is driven explicitly by flipping closed,
// never by reference-count collapse.
type connShared struct {
	rwc io.ReadWriteCloser
	log *logrus.Logger

	frames     chan frameJob
	notifyFree chan struct{} // pinged whenever the writer dequeues (for Ready()) and whenever a sink publish completes (for Close())
	writerDone chan struct{}
	exit       chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

const defaultFrameQueueDepth = 128

func newConnShared(rwc io.ReadWriteCloser, log *logrus.Logger) *connShared {
	c := &connShared{
		rwc:        rwc,
		log:        log,
		frames:     make(chan frameJob, defaultFrameQueueDepth),
		notifyFree: make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		exit:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *connShared) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.exit:
			return
		case job := <-c.frames:
			err := packets.Encode(c.rwc, job.pkt)
			select {
			case c.notifyFree <- struct{}{}:
			default:
			}
			if job.errCh != nil {
				job.errCh <- err
			}
			if err != nil {
				c.log.WithError(err).Warn("write failed, tearing down connection")
				c.teardown()
				return
			}
		}
	}
}

// enqueue queues a frame for writing, blocking while the queue is full
// (this is the backpressure mechanism Ready()/IsReady() observe) until
// there is room or the connection closes. With wait set it also blocks
// until the writer has written the frame and returns the write's error.
func (c *connShared) enqueue(pkt packets.Packet, wait bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var errCh chan error
	if wait {
		errCh = make(chan error, 1)
	}
	select {
	case c.frames <- frameJob{pkt: pkt, errCh: errCh}:
	case <-c.exit:
		return ErrClosed
	}
	if !wait {
		return nil
	}
	select {
	case err := <-errCh:
		return err
	case <-c.exit:
		return ErrClosed
	}
}

// isReady reports whether the frame queue currently has capacity.
func (c *connShared) isReady() bool {
	return !c.closed.Load() && len(c.frames) < cap(c.frames)
}

// waitReady returns a channel that is closed once the frame queue has
// capacity, the connection closes, or done is closed.
func (c *connShared) waitReady(done <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for {
			if c.isReady() {
				return
			}
			select {
			case <-c.notifyFree:
			case <-c.exit:
				return
			case <-done:
				return
			}
		}
	}()
	return out
}

// teardown closes the transport and stops the writer goroutine. Safe to
// call more than once; only the first call has any effect.
func (c *connShared) teardown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.exit)
		c.rwc.Close()
	})
}
