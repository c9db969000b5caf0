package memcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pior/memcache/internal/queue"
	"github.com/pior/memcache/protocol"
)

// binaryMode is the binary engine's parser state.
type binaryMode int

const (
	needHeader binaryMode = iota
	needBody
)

type binaryResultKind int

const (
	resultValue binaryResultKind = iota
	resultCAS
	resultArithmetic
	resultBool
	resultStats
)

type pendingBinaryCommand struct {
	kind binaryResultKind

	valueFuture      *Future[GetResult]
	casFuture        *Future[uint64]
	arithmeticFuture *Future[ArithmeticResult]
	boolFuture       *Future[bool]
	statsFuture      *Future[map[string]string]
	stats            map[string]string
}

func (p *pendingBinaryCommand) Fail(err error) {
	switch p.kind {
	case resultValue:
		p.valueFuture.fail(err)
	case resultCAS:
		p.casFuture.fail(err)
	case resultArithmetic:
		p.arithmeticFuture.fail(err)
	case resultBool:
		p.boolFuture.fail(err)
	case resultStats:
		p.statsFuture.fail(err)
	}
}

// ArithmeticResult is the outcome of a binary Increment/Decrement: the
// counter's new value and its CAS identifier.
type ArithmeticResult struct {
	Value uint64
	CAS   uint64
}

// BinaryConn drives the memcache binary protocol over a Transport.
type BinaryConn struct {
	mu sync.Mutex

	transport    Transport
	queue        *queue.Queue
	disconnected bool

	mode       binaryMode
	buf        []byte
	curHeader  protocol.Header
	opaqueSeq  atomic.Uint32
}

// NewBinaryConn wraps transport with the binary-protocol engine. The
// caller owns reading from the underlying connection and must call Feed
// with every chunk of bytes received, and Lost when the read loop ends.
func NewBinaryConn(transport Transport, cfg Config) *BinaryConn {
	cfg = cfg.withDefaults()
	c := &BinaryConn{transport: transport, mode: needHeader}
	c.queue = queue.New(cfg.Clock, cfg.Timeout, c.onTimeout)
	return c
}

func (c *BinaryConn) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.teardownLocked(&TimeoutError{})
}

func (c *BinaryConn) teardownLocked(err error) {
	c.disconnected = true
	if _, ok := err.(*TimeoutError); ok {
		c.queue.Drain(err)
	} else {
		c.queue.Drain(&ConnectionDoneError{Cause: err})
	}
	_ = c.transport.Close()
}

// Lost notifies the connection that its transport is gone.
func (c *BinaryConn) Lost(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.queue.Drain(&ConnectionDoneError{Cause: reason})
}

// Close tears the connection down locally.
func (c *BinaryConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	c.queue.Drain(&ConnectionDoneError{})
	return c.transport.Close()
}

// Feed hands the connection the next chunk of inbound bytes.
func (c *BinaryConn) Feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.buf = append(c.buf, p...)
	c.drainLocked()
}

func (c *BinaryConn) drainLocked() {
	for {
		switch c.mode {
		case needHeader:
			if len(c.buf) < protocol.HeaderLength {
				return
			}
			hdr := protocol.DecodeHeader(c.buf[:protocol.HeaderLength])
			if hdr.Magic != protocol.ResMagic {
				c.teardownLocked(&ParseError{Message: "bad magic", Err: &protocol.WrongMagicError{Got: hdr.Magic}})
				return
			}
			c.buf = c.buf[protocol.HeaderLength:]
			c.curHeader = hdr
			c.mode = needBody
		case needBody:
			n := c.curHeader.BodyLength()
			if len(c.buf) < n {
				return
			}
			body := c.buf[:n]
			c.buf = c.buf[n:]
			c.mode = needHeader
			if isQuietOpcode(c.curHeader.Opcode) {
				// A quiet command only ever produces a response when it
				// failed; there is no pending queue entry it could
				// legitimately be popped against, so the failure cannot
				// be attributed to anything. Tear the connection down
				// rather than silently dropping it or misattributing it
				// to whatever happens to be at the head of the queue.
				c.teardownLocked(&ParseError{Message: "error response to quiet command"})
				return
			}
			if !c.handleFrameLocked(c.curHeader, body) {
				return
			}
		}
	}
}

// handleFrameLocked processes one complete response frame. Returns false
// if a fatal error tore the connection down.
func (c *BinaryConn) handleFrameLocked(hdr protocol.Header, body []byte) bool {
	head := c.queue.Front()
	p, ok := head.(*pendingBinaryCommand)
	if !ok || p == nil {
		c.teardownLocked(&ParseError{Message: "response with no pending command"})
		return false
	}

	if hdr.Status != protocol.StatusOK {
		err := &ServerError{Message: string(body)}
		if isFatal(err) {
			c.teardownLocked(err)
			return false
		}
		p.Fail(err)
		c.queue.Pop()
		return true
	}

	switch p.kind {
	case resultValue:
		var flags uint32
		if hdr.ExtrasLength >= 4 {
			flags = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
		}
		value := body[int(hdr.ExtrasLength)+int(hdr.KeyLength):]
		p.valueFuture.resolve(GetResult{Found: true, Flags: flags, CAS: hdr.CAS, Value: append([]byte(nil), value...)})
	case resultCAS:
		p.casFuture.resolve(hdr.CAS)
	case resultArithmetic:
		p.arithmeticFuture.resolve(ArithmeticResult{Value: protocol.DecodeArithmeticValue(body), CAS: hdr.CAS})
	case resultBool:
		p.boolFuture.resolve(true)
	case resultStats:
		if hdr.KeyLength == 0 {
			p.statsFuture.resolve(p.stats)
			c.queue.Pop()
			return true
		}
		key := string(body[:hdr.KeyLength])
		value := string(body[hdr.KeyLength:])
		p.stats[key] = value
		// Stats sequence is not complete until a terminating empty-key
		// frame arrives; do not dequeue yet.
		return true
	}
	c.queue.Pop()
	return true
}

func (c *BinaryConn) nextOpaque() uint32 {
	return c.opaqueSeq.Add(1)
}

func isQuietOpcode(op protocol.Opcode) bool {
	switch op {
	case protocol.OpSetQ, protocol.OpAddQ, protocol.OpReplaceQ, protocol.OpDeleteQ,
		protocol.OpIncrementQ, protocol.OpDecrementQ, protocol.OpQuitQ, protocol.OpFlushQ,
		protocol.OpAppendQ, protocol.OpPrependQ:
		return true
	}
	return false
}

func (c *BinaryConn) enqueue(wire []byte, p *pendingBinaryCommand) {
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

// fireAndForget writes a quiet-opcode request directly, bypassing the
// queue entirely: quiet commands produce no response on success, so they
// never occupy a head-of-queue slot.
func (c *BinaryConn) fireAndForget(wire []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return &DisconnectedError{}
	}
	_, err := c.transport.Write(wire)
	if err != nil {
		c.teardownLocked(err)
		return err
	}
	return nil
}

// Get fetches a single key over the binary protocol.
func (c *BinaryConn) Get(ctx context.Context, key string) (GetResult, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[GetResult](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[GetResult]()
	p := &pendingBinaryCommand{kind: resultValue, valueFuture: f}
	wire := protocol.EncodeRequest(protocol.OpGet, c.nextOpaque(), 0, nil, []byte(key), nil)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

func (c *BinaryConn) store(ctx context.Context, op protocol.Opcode, key string, value []byte, cas uint64, flags, expire uint32) (uint64, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[uint64](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[uint64]()
	p := &pendingBinaryCommand{kind: resultCAS, casFuture: f}
	extras := protocol.EncodeStoreExtras(flags, expire)
	wire := protocol.EncodeRequest(op, c.nextOpaque(), cas, extras, []byte(key), value)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

// Set stores value unconditionally, returning the item's new CAS.
func (c *BinaryConn) Set(ctx context.Context, key string, value []byte, flags, expire uint32) (uint64, error) {
	return c.store(ctx, protocol.OpSet, key, value, 0, flags, expire)
}

// Add stores value only if key does not already exist.
func (c *BinaryConn) Add(ctx context.Context, key string, value []byte, flags, expire uint32) (uint64, error) {
	return c.store(ctx, protocol.OpAdd, key, value, 0, flags, expire)
}

// Replace stores value only if key already exists.
func (c *BinaryConn) Replace(ctx context.Context, key string, value []byte, flags, expire uint32) (uint64, error) {
	return c.store(ctx, protocol.OpReplace, key, value, 0, flags, expire)
}

// ReplaceCAS stores value only if key exists and its CAS still matches.
func (c *BinaryConn) ReplaceCAS(ctx context.Context, key string, value []byte, casID uint64, flags, expire uint32) (uint64, error) {
	return c.store(ctx, protocol.OpReplace, key, value, casID, flags, expire)
}

func (c *BinaryConn) appendPrepend(ctx context.Context, op protocol.Opcode, key string, value []byte) (bool, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[bool](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[bool]()
	p := &pendingBinaryCommand{kind: resultBool, boolFuture: f}
	wire := protocol.EncodeRequest(op, c.nextOpaque(), 0, nil, []byte(key), value)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

// Append appends value to an existing item's data.
func (c *BinaryConn) Append(ctx context.Context, key string, value []byte) (bool, error) {
	return c.appendPrepend(ctx, protocol.OpAppend, key, value)
}

// Prepend prepends value to an existing item's data.
func (c *BinaryConn) Prepend(ctx context.Context, key string, value []byte) (bool, error) {
	return c.appendPrepend(ctx, protocol.OpPrepend, key, value)
}

// Delete removes key.
func (c *BinaryConn) Delete(ctx context.Context, key string) (bool, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[bool](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[bool]()
	p := &pendingBinaryCommand{kind: resultBool, boolFuture: f}
	wire := protocol.EncodeRequest(protocol.OpDelete, c.nextOpaque(), 0, nil, []byte(key), nil)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

func (c *BinaryConn) arithmetic(ctx context.Context, op protocol.Opcode, key string, delta, initial uint64, expire uint32) (ArithmeticResult, error) {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return failedFuture[ArithmeticResult](&ClientArgumentError{Message: "invalid key"}).Wait(ctx)
	}
	f := newFuture[ArithmeticResult]()
	p := &pendingBinaryCommand{kind: resultArithmetic, arithmeticFuture: f}
	extras := protocol.EncodeArithmeticExtras(delta, initial, expire)
	wire := protocol.EncodeRequest(op, c.nextOpaque(), 0, extras, []byte(key), nil)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

// Increment adds delta to key's counter, creating it with initial if
// absent. Returns the new value and its CAS.
func (c *BinaryConn) Increment(ctx context.Context, key string, delta, initial uint64, expire uint32) (ArithmeticResult, error) {
	return c.arithmetic(ctx, protocol.OpIncrement, key, delta, initial, expire)
}

// Decrement subtracts delta from key's counter, creating it with initial
// if absent. Returns the new value and its CAS.
func (c *BinaryConn) Decrement(ctx context.Context, key string, delta, initial uint64, expire uint32) (ArithmeticResult, error) {
	return c.arithmetic(ctx, protocol.OpDecrement, key, delta, initial, expire)
}

// FlushAll invalidates all existing items, optionally after a delay.
func (c *BinaryConn) FlushAll(ctx context.Context, expire uint32) (bool, error) {
	f := newFuture[bool]()
	p := &pendingBinaryCommand{kind: resultBool, boolFuture: f}
	var extras []byte
	if expire != 0 {
		extras = protocol.EncodeFlushExtras(expire)
	}
	wire := protocol.EncodeRequest(protocol.OpFlush, c.nextOpaque(), 0, extras, nil, nil)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

// Stats requests server statistics.
func (c *BinaryConn) Stats(ctx context.Context) (map[string]string, error) {
	f := newFuture[map[string]string]()
	p := &pendingBinaryCommand{kind: resultStats, statsFuture: f, stats: make(map[string]string)}
	wire := protocol.EncodeRequest(protocol.OpStat, c.nextOpaque(), 0, nil, nil, nil)
	c.enqueue(wire, p)
	return f.Wait(ctx)
}

// Noop sends a no-op request, useful for probing that a connection is
// alive or for flushing a pipeline of quiet commands down to a boundary
// (the server answers a Noop in order, after any earlier quiet commands).
func (c *BinaryConn) Noop(ctx context.Context) error {
	f := newFuture[bool]()
	p := &pendingBinaryCommand{kind: resultBool, boolFuture: f}
	wire := protocol.EncodeRequest(protocol.OpNoop, c.nextOpaque(), 0, nil, nil, nil)
	c.enqueue(wire, p)
	_, err := f.Wait(ctx)
	return err
}

// Quit asks the server to close the connection and waits for its
// acknowledgement. It does not tear the connection down locally; that
// happens when the caller reports the closed transport through Lost.
func (c *BinaryConn) Quit(ctx context.Context) error {
	f := newFuture[bool]()
	p := &pendingBinaryCommand{kind: resultBool, boolFuture: f}
	wire := protocol.EncodeRequest(protocol.OpQuit, c.nextOpaque(), 0, nil, nil, nil)
	c.enqueue(wire, p)
	_, err := f.Wait(ctx)
	return err
}

// QuietQuit is the fire-and-forget variant of Quit: no response is
// expected at all, not even to confirm closure.
func (c *BinaryConn) QuietQuit() error {
	wire := protocol.EncodeRequest(protocol.OpQuitQ, c.nextOpaque(), 0, nil, nil, nil)
	return c.fireAndForget(wire)
}

// SetQuiet is the fire-and-forget variant of Set: no future is returned,
// and the call does not occupy a queue slot. Per the quiet-opcode
// contract, the server stays silent on success; this client surfaces a
// quiet failure as a connection-fatal ParseError on the next frame it
// receives, since there is no head-of-queue command a stray error frame
// could otherwise be attributed to.
func (c *BinaryConn) SetQuiet(key string, value []byte, flags, expire uint32) error {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return &ClientArgumentError{Message: "invalid key"}
	}
	extras := protocol.EncodeStoreExtras(flags, expire)
	wire := protocol.EncodeRequest(protocol.OpSetQ, c.nextOpaque(), 0, extras, []byte(key), value)
	return c.fireAndForget(wire)
}

// DeleteQuiet is the fire-and-forget variant of Delete.
func (c *BinaryConn) DeleteQuiet(key string) error {
	if err := protocol.ValidateKey([]byte(key)); err != nil {
		return &ClientArgumentError{Message: "invalid key"}
	}
	wire := protocol.EncodeRequest(protocol.OpDeleteQ, c.nextOpaque(), 0, nil, []byte(key), nil)
	return c.fireAndForget(wire)
}
