package memcache

import (
	"errors"
	"fmt"
)

// ClientArgumentError indicates a command's arguments violated the wire
// protocol's own rules (key too long, forbidden bytes in a key, a negative
// numeric argument). It is returned synchronously from the command method
// itself, before anything is written to the transport and before any
// command is enqueued.
type ClientArgumentError struct {
	Message string
}

func (e *ClientArgumentError) Error() string { return "memcache: " + e.Message }

// Fatal reports false: a rejected argument says nothing about the
// connection's health.
func (e *ClientArgumentError) Fatal() bool { return false }

// NoSuchCommandError is returned when the server replies ERROR to a text
// command. Reachable only through the low-level escape hatch (Send); the
// validated public command methods never send anything the server would
// fail to recognize.
type NoSuchCommandError struct{}

func (e *NoSuchCommandError) Error() string { return "memcache: ERROR" }
func (e *NoSuchCommandError) Fatal() bool   { return false }

// ClientError mirrors a text CLIENT_ERROR reply.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string { return "memcache: CLIENT_ERROR " + e.Message }
func (e *ClientError) Fatal() bool   { return false }

// ServerError mirrors a text SERVER_ERROR reply, or a binary response frame
// carrying a non-zero status.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "memcache: SERVER_ERROR " + e.Message }
func (e *ServerError) Fatal() bool   { return false }

// TimeoutError is failed into every pending command when the idle-timeout
// scheduler fires.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "Connection timeout" }
func (e *TimeoutError) Fatal() bool   { return true }

// ConnectionDoneError is failed into commands that were still pending when
// the connection closed for a reason other than the idle timeout (a local
// Close call, a remote close, or a ParseError teardown).
type ConnectionDoneError struct {
	Cause error
}

func (e *ConnectionDoneError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("memcache: connection done: %v", e.Cause)
	}
	return "memcache: connection done"
}

func (e *ConnectionDoneError) Unwrap() error { return e.Cause }
func (e *ConnectionDoneError) Fatal() bool   { return true }

// DisconnectedError is returned synchronously for any command submitted
// after the connection has already closed. Kept distinct from
// ConnectionDoneError so callers can tell "was in flight when we closed"
// apart from "tried to use it after it was already dead".
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "memcache: disconnected" }
func (e *DisconnectedError) Fatal() bool   { return true }

// ParseError indicates the server (or an inbound frame) violated the wire
// protocol in a way the parser cannot recover from: a malformed status
// line, a VALUE for a key the engine did not ask for, a binary frame with
// the wrong magic byte. Always connection-fatal: the connection is torn
// down and every pending command fails with a ConnectionDoneError wrapping
// this cause.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memcache: parse error: %s: %v", e.Message, e.Err)
	}
	return "memcache: parse error: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }
func (e *ParseError) Fatal() bool   { return true }

// fataler is implemented by every error kind above; it answers whether
// encountering this error should tear down the connection.
type fataler interface {
	Fatal() bool
}

// isFatal reports whether err, as returned from processing a response,
// should close the connection.
func isFatal(err error) bool {
	var f fataler
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
