package memcache

import (
	"time"

	"github.com/pior/memcache/internal/coarsetime"
	"github.com/pior/memcache/internal/queue"
)

// Transport is the byte-oriented duplex channel a Conn is driven over.
// Establishing it — dialing, TLS, reconnection — is entirely the caller's
// responsibility; the core only ever writes to it and closes it.
//
// Inbound bytes are not read through this interface: the caller owns the
// read loop (typically one goroutine calling net.Conn.Read in a loop) and
// hands bytes to the connection via TextConn.Feed / BinaryConn.Feed.
type Transport interface {
	Write(p []byte) (int, error)
	Close() error
}

// Clock is the monotonic time source and schedule-after-delay primitive
// the idle-timeout scheduler needs. DefaultClock wraps the real wall
// clock; memcachetest.Clock provides a deterministic, advanceable
// substitute for tests.
type Clock = queue.Clock

// Timer is a handle returned by Clock.AfterFunc.
type Timer = queue.Timer

// DefaultClock is the production Clock: real time, backed by
// internal/coarsetime so a connection issuing many pipelined commands
// doesn't pay a time.Now() syscall per response.
var DefaultClock Clock = realClock{}

type realClock struct{}

func (realClock) Now() time.Time { return coarsetime.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return (*stdTimer)(time.AfterFunc(d, f))
}

type stdTimer time.Timer

func (t *stdTimer) Stop() bool { return (*time.Timer)(t).Stop() }
