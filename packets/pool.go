package packets

import "sync"

// encodeBufferPool hands out scratch buffers for Encode so callers
// serializing many small acks per connection don't allocate on every call.
var encodeBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

func getEncodeBuffer() *[]byte {
	return encodeBufferPool.Get().(*[]byte)
}

func putEncodeBuffer(buf *[]byte) {
	if cap(*buf) > 64*1024 {
		return
	}
	*buf = (*buf)[:0]
	encodeBufferPool.Put(buf)
}
