// Package protocol implements the stateless parts of the memcache wire
// formats this client speaks: rendering request bytes and decoding fixed
// pieces of response framing. It deliberately knows nothing about
// connections, queues, or futures — that stateful, command-ordering logic
// lives in the root package, which calls down into this package the same
// way the teacher's higher-level client called down into its own
// self-contained wire-format package.
package protocol

import (
	"errors"
	"fmt"

	"github.com/pior/memcache/internal/bufpool"
)

// MaxKeyLength is the largest a memcache key may be, in bytes, for both
// the text and binary protocols.
const MaxKeyLength = 250

// ErrMalformedKey is returned by ValidateKey when a key violates the wire
// rules.
var ErrMalformedKey = errors.New("memcache: malformed key")

// ValidateKey enforces the wire rules for a key: non-empty, at most
// MaxKeyLength bytes, and free of whitespace or control bytes (which would
// otherwise be indistinguishable from token separators on the wire).
func ValidateKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return ErrMalformedKey
	}
	for _, b := range key {
		if b <= ' ' || b == 0x7f {
			return ErrMalformedKey
		}
	}
	return nil
}

// FormatGet renders a `get`/`gets` request line for one or more keys.
func FormatGet(keys []string, withCAS bool) []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if withCAS {
		buf.WriteString("gets")
	} else {
		buf.WriteString("get")
	}
	for _, k := range keys {
		buf.WriteByte(' ')
		buf.WriteString(k)
	}
	buf.WriteString("\r\n")
	return append([]byte(nil), buf.Bytes()...)
}

// FormatStore renders a set/add/replace/append/prepend request line plus
// its data block.
func FormatStore(verb, key string, value []byte, flags, expire uint32) []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	fmt.Fprintf(buf, "%s %s %d %d %d\r\n", verb, key, flags, expire, len(value))
	buf.Write(value)
	buf.WriteString("\r\n")
	return append([]byte(nil), buf.Bytes()...)
}

// FormatCAS renders a `cas` request line plus its data block.
func FormatCAS(key string, value []byte, casID uint64, flags, expire uint32) []byte {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	fmt.Fprintf(buf, "cas %s %d %d %d %d\r\n", key, flags, expire, len(value), casID)
	buf.Write(value)
	buf.WriteString("\r\n")
	return append([]byte(nil), buf.Bytes()...)
}

// FormatDelete renders a `delete` request line.
func FormatDelete(key string) []byte {
	return []byte("delete " + key + "\r\n")
}

// FormatIncrDecr renders an `incr`/`decr` request line.
func FormatIncrDecr(verb, key string, delta uint64) []byte {
	return []byte(fmt.Sprintf("%s %s %d\r\n", verb, key, delta))
}

// FormatStats renders a `stats [arg]` request line.
func FormatStats(arg string) []byte {
	if arg == "" {
		return []byte("stats\r\n")
	}
	return []byte("stats " + arg + "\r\n")
}

// FormatVersion renders a `version` request line.
func FormatVersion() []byte { return []byte("version\r\n") }

// FormatFlushAll renders a `flush_all` request line.
func FormatFlushAll() []byte { return []byte("flush_all\r\n") }
