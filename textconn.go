package memcache

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pior/memcache/internal/queue"
	"github.com/pior/memcache/protocol"
)

// DefaultTimeout is the idle-timeout applied to a connection when its
// Config does not override it.
const DefaultTimeout = 30 * time.Second

// Config configures a TextConn or BinaryConn.
type Config struct {
	// Timeout is the idle-timeout duration: how long the connection may
	// go without a full response arriving before every pending command
	// fails with TimeoutError and the connection tears itself down.
	Timeout time.Duration

	// Clock is the time source driving the idle-timeout scheduler.
	// Defaults to DefaultClock.
	Clock Clock
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = DefaultClock
	}
	return c
}

// textMode is the text engine's parser state.
type textMode int

const (
	modeLine textMode = iota
	modeRaw
)

// cmdKind tags a pendingTextCommand with the response grammar its head
// slot expects, since the parser dispatches on this tag rather than on
// any dynamic type inspection (mirroring the tagged-variant PendingCommand
// design).
type cmdKind int

const (
	kindGet cmdKind = iota
	kindStore
	kindDelete
	kindArithmetic
	kindStats
	kindVersion
	kindFlushAll
	kindSend
)

// GetResult is one key's outcome from get/gets/getMultiple: Found is false
// if the key was absent.
type GetResult struct {
	Found bool
	Flags uint32
	CAS   uint64
	Value []byte
}

type pendingTextCommand struct {
	kind cmdKind

	// get / getMultiple
	keys       []string
	withCAS    bool
	results    map[string]GetResult
	getFuture  *Future[map[string]GetResult]
	singleKey  bool // true for get(key), false for getMultiple
	curFlags       uint32
	curCAS         uint64
	curKeyForValue string

	// store / delete / flushAll: boolean outcome
	boolFuture *Future[bool]

	// arithmetic: integer outcome
	intFuture *Future[uint64]

	// stats
	statsFuture *Future[map[string]string]
	stats       map[string]string

	// version
	versionFuture *Future[string]

	// send (escape hatch)
	sendFuture *Future[struct{}]
}

func (p *pendingTextCommand) Fail(err error) {
	switch p.kind {
	case kindGet:
		p.getFuture.fail(err)
	case kindStore, kindDelete, kindFlushAll:
		p.boolFuture.fail(err)
	case kindArithmetic:
		p.intFuture.fail(err)
	case kindStats:
		p.statsFuture.fail(err)
	case kindVersion:
		p.versionFuture.fail(err)
	case kindSend:
		p.sendFuture.fail(err)
	}
}

// TextConn drives the classical ASCII memcache protocol over a Transport.
// One instance per underlying connection. Command methods, Feed, Lost and
// Close serialize on an internal mutex, so they may be called from
// multiple goroutines.
type TextConn struct {
	mu sync.Mutex

	transport    Transport
	queue        *queue.Queue
	disconnected bool
	lastErr      error

	mode         textMode
	rawRemaining int
	buf          []byte
}

// NewTextConn wraps transport with the text-protocol engine. The caller
// owns reading from the underlying connection and must call Feed with
// every chunk of bytes received, and Lost when the read loop ends.
func NewTextConn(transport Transport, cfg Config) *TextConn {
	cfg = cfg.withDefaults()
	c := &TextConn{transport: transport, mode: modeLine}
	c.queue = queue.New(cfg.Clock, cfg.Timeout, c.onTimeout)
	return c
}

func (c *TextConn) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.teardownLocked(&TimeoutError{})
}

// teardownLocked marks the connection disconnected, drains the queue with
// err, and closes the transport. Must be called with mu held.
func (c *TextConn) teardownLocked(err error) {
	c.disconnected = true
	c.lastErr = err
	if _, ok := err.(*TimeoutError); ok {
		c.queue.Drain(err)
	} else {
		c.queue.Drain(&ConnectionDoneError{Cause: unwrapCause(err)})
	}
	_ = c.transport.Close()
}

func unwrapCause(err error) error {
	if _, ok := err.(*TimeoutError); ok {
		return err
	}
	if pe, ok := err.(*ParseError); ok {
		return pe
	}
	return err
}

// Lost notifies the connection that its transport is gone (remote close,
// read error). Safe to call more than once; only the first call has an
// effect.
func (c *TextConn) Lost(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.lastErr = reason
	c.queue.Drain(&ConnectionDoneError{Cause: reason})
}

// Close tears the connection down locally: pending commands fail with
// ConnectionDoneError and the transport is closed.
func (c *TextConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	c.queue.Drain(&ConnectionDoneError{})
	return c.transport.Close()
}

// Feed hands the connection the next chunk of bytes read from the
// transport. Call sequentially (e.g. from the goroutine running the
// connection's read loop); Feed itself is safe to call concurrently with
// the command methods.
func (c *TextConn) Feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.buf = append(c.buf, p...)
	c.drainLocked()
}

func (c *TextConn) drainLocked() {
	for {
		switch c.mode {
		case modeLine:
			idx := bytes.Index(c.buf, []byte("\r\n"))
			if idx < 0 {
				return
			}
			line := c.buf[:idx]
			c.buf = c.buf[idx+2:]
			if !c.processLineLocked(line) {
				return
			}
		case modeRaw:
			if len(c.buf) < c.rawRemaining {
				return
			}
			chunk := c.buf[:c.rawRemaining]
			c.buf = c.buf[c.rawRemaining:]
			c.mode = modeLine
			c.finishRawLocked(chunk)
		}
	}
}

// processLineLocked dispatches one complete status line. Returns false if
// a fatal error tore the connection down (caller must stop draining).
func (c *TextConn) processLineLocked(line []byte) bool {
	head, _ := c.queue.Front(), c.queue.Len()
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		c.teardownLocked(&ParseError{Message: "empty status line"})
		return false
	}
	token := string(fields[0])
	if token == "NOT" && len(fields) > 1 {
		token = "NOT " + string(fields[1])
	}

	switch token {
	case "ERROR":
		return c.resolveHeadLine(head, &NoSuchCommandError{})
	case "CLIENT_ERROR":
		return c.resolveHeadLine(head, &ClientError{Message: string(line[len("CLIENT_ERROR "):])})
	case "SERVER_ERROR":
		return c.resolveHeadLine(head, &ServerError{Message: string(line[len("SERVER_ERROR "):])})
	case "VALUE":
		return c.handleValueLine(head, fields)
	case "END":
		return c.handleEnd(head)
	case "STORED":
		return c.resolveBool(head, true)
	case "NOT STORED":
		return c.resolveBool(head, false)
	case "EXISTS":
		return c.resolveBool(head, false)
	case "DELETED":
		return c.resolveBool(head, true)
	case "NOT FOUND":
		return c.resolveBool(head, false)
	case "OK":
		return c.resolveBool(head, true)
	case "VERSION":
		return c.handleVersion(head, line)
	case "STAT":
		return c.handleStat(head, fields)
	default:
		if isDigits(fields[0]) {
			return c.handleInteger(head, fields[0])
		}
		c.teardownLocked(&ParseError{Message: "unrecognized response line: " + string(line)})
		return false
	}
}

func isDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (c *TextConn) requireHead(head queue.Command, wantKinds ...cmdKind) (*pendingTextCommand, bool) {
	p, ok := head.(*pendingTextCommand)
	if !ok || p == nil {
		c.teardownLocked(&ParseError{Message: "response with no matching pending command"})
		return nil, false
	}
	for _, k := range wantKinds {
		if p.kind == k {
			return p, true
		}
	}
	c.teardownLocked(&ParseError{Message: "response does not match pending command kind"})
	return nil, false
}

func (c *TextConn) resolveHeadLine(head queue.Command, err error) bool {
	p, ok := head.(*pendingTextCommand)
	if !ok || p == nil {
		c.teardownLocked(&ParseError{Message: "response with no pending command"})
		return false
	}
	if isFatal(err) {
		c.teardownLocked(err)
		return false
	}
	p.Fail(err)
	c.queue.Pop()
	return true
}

func (c *TextConn) resolveBool(head queue.Command, v bool) bool {
	p, ok := c.requireHead(head, kindStore, kindDelete, kindFlushAll)
	if !ok {
		return false
	}
	p.boolFuture.resolve(v)
	c.queue.Pop()
	return true
}

func (c *TextConn) handleVersion(head queue.Command, line []byte) bool {
	p, ok := c.requireHead(head, kindVersion)
	if !ok {
		return false
	}
	fields := bytes.SplitN(line, []byte(" "), 2)
	v := ""
	if len(fields) == 2 {
		v = string(fields[1])
	}
	p.versionFuture.resolve(v)
	c.queue.Pop()
	return true
}

func (c *TextConn) handleInteger(head queue.Command, digits []byte) bool {
	p, ok := c.requireHead(head, kindArithmetic)
	if !ok {
		return false
	}
	n, err := strconv.ParseUint(string(digits), 10, 64)
	if err != nil {
		c.teardownLocked(&ParseError{Message: "malformed integer response", Err: err})
		return false
	}
	p.intFuture.resolve(n)
	c.queue.Pop()
	return true
}

func (c *TextConn) handleStat(head queue.Command, fields [][]byte) bool {
	p, ok := c.requireHead(head, kindStats)
	if !ok {
		return false
	}
	if len(fields) < 2 {
		c.teardownLocked(&ParseError{Message: "malformed STAT line"})
		return false
	}
	name := string(fields[1])
	value := ""
	if len(fields) >= 3 {
		value = string(bytes.Join(fields[2:], []byte(" ")))
	}
	p.stats[name] = value
	// Stays in line mode; does not dequeue — stats spans many lines.
	return true
}

func (c *TextConn) handleValueLine(head queue.Command, fields [][]byte) bool {
	p, ok := c.requireHead(head, kindGet)
	if !ok {
		return false
	}
	if len(fields) < 4 {
		c.teardownLocked(&ParseError{Message: "malformed VALUE line"})
		return false
	}
	key := string(fields[1])
	if !keyIsExpected(p, key) {
		c.teardownLocked(&ParseError{Message: "VALUE for unexpected key: " + key})
		return false
	}
	flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		c.teardownLocked(&ParseError{Message: "malformed VALUE flags", Err: err})
		return false
	}
	length, err := strconv.ParseUint(string(fields[3]), 10, 64)
	if err != nil {
		c.teardownLocked(&ParseError{Message: "malformed VALUE length", Err: err})
		return false
	}
	var cas uint64
	if p.withCAS {
		if len(fields) < 5 {
			c.teardownLocked(&ParseError{Message: "missing CAS on VALUE line"})
			return false
		}
		cas, err = strconv.ParseUint(string(fields[4]), 10, 64)
		if err != nil {
			c.teardownLocked(&ParseError{Message: "malformed VALUE cas", Err: err})
			return false
		}
	}

	p.curFlags = uint32(flags)
	p.curCAS = cas
	c.mode = modeRaw
	c.rawRemaining = int(length) + 2
	p.curKeyForValue = key
	return true
}

func keyIsExpected(p *pendingTextCommand, key string) bool {
	for _, k := range p.keys {
		if k == key {
			return true
		}
	}
	return false
}

func (c *TextConn) finishRawLocked(chunk []byte) {
	head := c.queue.Front()
	p, ok := head.(*pendingTextCommand)
	if !ok || p == nil {
		c.teardownLocked(&ParseError{Message: "raw body with no pending command"})
		return
	}
	value := chunk[:len(chunk)-2] // strip trailing \r\n
	if p.results == nil {
		p.results = make(map[string]GetResult)
	}
	p.results[p.curKeyForValue] = GetResult{Found: true, Flags: p.curFlags, CAS: p.curCAS, Value: append([]byte(nil), value...)}
	// Stays in line mode to consume more VALUE lines or the terminating END.
}

// handleEnd dispatches the terminal "END" line, which closes out either a
// get* response or a multi-line stats response — the only two kinds whose
// grammar uses it.
func (c *TextConn) handleEnd(head queue.Command) bool {
	p, ok := head.(*pendingTextCommand)
	if !ok || p == nil {
		c.teardownLocked(&ParseError{Message: "END with no pending command"})
		return false
	}
	switch p.kind {
	case kindGet:
		if p.results == nil {
			p.results = make(map[string]GetResult)
		}
		for _, k := range p.keys {
			if _, found := p.results[k]; !found {
				p.results[k] = GetResult{Found: false}
			}
		}
		p.getFuture.resolve(p.results)
	case kindStats:
		p.statsFuture.resolve(p.stats)
	default:
		c.teardownLocked(&ParseError{Message: "unexpected END"})
		return false
	}
	c.queue.Pop()
	return true
}

// --- public command methods ---

func (c *TextConn) enqueue(wire []byte, p *pendingTextCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		p.Fail(&DisconnectedError{})
		return
	}
	c.queue.Push(p)
	_, err := c.transport.Write(wire)
	if err != nil {
		c.teardownLocked(err)
	}
}

// Get fetches a single key. The returned GetResult's Found field is false
// if the key was absent.
func (c *TextConn) Get(ctx context.Context, key string) (GetResult, error) {
	return c.get(ctx, key, false)
}

// GetCAS fetches a single key along with its CAS identifier.
func (c *TextConn) GetCAS(ctx context.Context, key string) (GetResult, error) {
	return c.get(ctx, key, true)
}

func (c *TextConn) get(ctx context.Context, key string, withCAS bool) (GetResult, error) {
	res, err := c.getMultiple(ctx, []string{key}, withCAS)
	if err != nil {
		return GetResult{}, err
	}
	return res[key], nil
}

// GetMultiple fetches several keys in one round trip.
func (c *TextConn) GetMultiple(ctx context.Context, keys []string, withCAS bool) (map[string]GetResult, error) {
	return c.getMultiple(ctx, keys, withCAS)
}

func (c *TextConn) getMultiple(ctx context.Context, keys []string, withCAS bool) (map[string]GetResult, error) {
	for _, k := range keys {
		if err := protocol.ValidateKey([]byte(k)); err != nil {
			f := failedFuture[map[string]GetResult](&ClientArgumentError{Message: "invalid key"})
			return f.Wait(ctx)
		}
	}
	f := newFuture[map[string]GetResult]()
	p := &pendingTextCommand{kind: kindGet, keys: keys, withCAS: withCAS, getFuture: f}
	c.enqueue(protocol.FormatGet(keys, withCAS), p)
	return f.Wait(ctx)
}

func (c *TextConn) storeCommand(ctx context.Context, verb, key string, value []byte, flags, expire uint32) (bool, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[bool](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[bool]()
	p := &pendingTextCommand{kind: kindStore, boolFuture: f}
	c.enqueue(protocol.FormatStore(verb, key, value, flags, expire), p)
	return f.Wait(ctx)
}

// Set stores value unconditionally.
func (c *TextConn) Set(ctx context.Context, key string, value []byte, flags, expire uint32) (bool, error) {
	return c.storeCommand(ctx, "set", key, value, flags, expire)
}

// Add stores value only if key does not already exist.
func (c *TextConn) Add(ctx context.Context, key string, value []byte, flags, expire uint32) (bool, error) {
	return c.storeCommand(ctx, "add", key, value, flags, expire)
}

// Replace stores value only if key already exists.
func (c *TextConn) Replace(ctx context.Context, key string, value []byte, flags, expire uint32) (bool, error) {
	return c.storeCommand(ctx, "replace", key, value, flags, expire)
}

// Append appends value to an existing item's data.
func (c *TextConn) Append(ctx context.Context, key string, value []byte) (bool, error) {
	return c.storeCommand(ctx, "append", key, value, 0, 0)
}

// Prepend prepends value to an existing item's data.
func (c *TextConn) Prepend(ctx context.Context, key string, value []byte) (bool, error) {
	return c.storeCommand(ctx, "prepend", key, value, 0, 0)
}

// CheckAndSet stores value only if the item's CAS identifier still matches
// casID.
func (c *TextConn) CheckAndSet(ctx context.Context, key string, value []byte, casID uint64, flags, expire uint32) (bool, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[bool](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[bool]()
	p := &pendingTextCommand{kind: kindStore, boolFuture: f}
	c.enqueue(protocol.FormatCAS(key, value, casID, flags, expire), p)
	return f.Wait(ctx)
}

// Delete removes key.
func (c *TextConn) Delete(ctx context.Context, key string) (bool, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[bool](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[bool]()
	p := &pendingTextCommand{kind: kindDelete, boolFuture: f}
	c.enqueue(protocol.FormatDelete(key), p)
	return f.Wait(ctx)
}

func (c *TextConn) arithmetic(ctx context.Context, verb, key string, delta uint64) (uint64, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[uint64](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[uint64]()
	p := &pendingTextCommand{kind: kindArithmetic, intFuture: f}
	c.enqueue(protocol.FormatIncrDecr(verb, key, delta), p)
	return f.Wait(ctx)
}

// Increment adds delta to key's numeric value, returning the new value.
func (c *TextConn) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, "incr", key, delta)
}

// Decrement subtracts delta from key's numeric value, returning the new
// value.
func (c *TextConn) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, "decr", key, delta)
}

// Stats requests server statistics, optionally scoped by arg.
func (c *TextConn) Stats(ctx context.Context, arg string) (map[string]string, error) {
	f := newFuture[map[string]string]()
	p := &pendingTextCommand{kind: kindStats, statsFuture: f, stats: make(map[string]string)}
	c.enqueue(protocol.FormatStats(arg), p)
	return f.Wait(ctx)
}

// Version requests the server's version string.
func (c *TextConn) Version(ctx context.Context) (string, error) {
	f := newFuture[string]()
	p := &pendingTextCommand{kind: kindVersion, versionFuture: f}
	c.enqueue(protocol.FormatVersion(), p)
	return f.Wait(ctx)
}

// FlushAll invalidates all existing items immediately.
func (c *TextConn) FlushAll(ctx context.Context) (bool, error) {
	f := newFuture[bool]()
	p := &pendingTextCommand{kind: kindFlushAll, boolFuture: f}
	c.enqueue(protocol.FormatFlushAll(), p)
	return f.Wait(ctx)
}

// Send is a low-level escape hatch: it writes raw exactly as given and
// enqueues a sentinel whose only valid terminal response is ERROR. It
// exists to exercise the NoSuchCommandError path; production code should
// use the typed command methods above.
func (c *TextConn) Send(ctx context.Context, raw []byte) error {
	f := newFuture[struct{}]()
	p := &pendingTextCommand{kind: kindSend, sendFuture: f}
	c.enqueue(raw, p)
	_, err := f.Wait(ctx)
	return err
}
