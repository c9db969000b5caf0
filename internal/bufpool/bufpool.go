// Package bufpool pools the scratch buffers used to render outbound wire
// requests, so a busy connection issuing many pipelined commands does not
// allocate a fresh buffer per command.
package bufpool

import (
	"bytes"
	"sync"
)

var pool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// Get returns a reset, ready-to-write buffer.
func Get() *bytes.Buffer {
	return pool.Get().(*bytes.Buffer)
}

// Put returns buf to the pool for reuse. Callers must not touch buf after
// calling Put.
func Put(buf *bytes.Buffer) {
	buf.Reset()
	pool.Put(buf)
}
