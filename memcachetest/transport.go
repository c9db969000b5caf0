package memcachetest

import (
	"bytes"
	"sync"
)

// Transport is a mock implementation of memcache.Transport that records
// every write instead of putting bytes on a wire, so tests can assert on
// exactly what a command rendered without a real server.
type Transport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	closeN int
}

// NewTransport returns an empty, open mock transport.
func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeN++
	return nil
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCount reports how many times Close was called, to catch a
// connection tearing itself down more than once.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeN
}

// Written concatenates every Write call's bytes in order.
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var buf bytes.Buffer
	for _, w := range t.writes {
		buf.Write(w)
	}
	return buf.Bytes()
}

// TakeWritten returns every distinct Write call's bytes since the last
// TakeWritten call, then clears the record.
func (t *Transport) TakeWritten() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.writes
	t.writes = nil
	return out
}

// WriteCount reports how many separate Write calls have happened.
func (t *Transport) WriteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes)
}
