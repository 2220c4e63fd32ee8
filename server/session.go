package server

// Session is the opaque user payload produced by the handshake handler,
// paired with the Sink, and shared immutably across every publish/control
// handler invocation for one connection's lifetime.
type Session[St any] struct {
	State St
	Sink  *Sink
}
