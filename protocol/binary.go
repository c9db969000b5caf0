package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary protocol framing constants. The header is always 24 bytes;
// multi-byte integers are big-endian.
const (
	ReqMagic = 0x80
	ResMagic = 0x81

	HeaderLength = 24
)

// Opcode identifies the operation a binary frame carries.
type Opcode byte

const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpQuit      Opcode = 0x07
	OpFlush     Opcode = 0x08
	OpNoop      Opcode = 0x09
	OpAppend    Opcode = 0x0e
	OpPrepend   Opcode = 0x0f
	OpStat      Opcode = 0x10

	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
)

// Quiet maps a regular opcode to its quiet ("fire and forget", no response
// on success) counterpart. Every opcode this client issues has one except
// Get, Noop and Stat, which are never sent quiet.
func (op Opcode) Quiet() (Opcode, bool) {
	switch op {
	case OpSet:
		return OpSetQ, true
	case OpAdd:
		return OpAddQ, true
	case OpReplace:
		return OpReplaceQ, true
	case OpDelete:
		return OpDeleteQ, true
	case OpIncrement:
		return OpIncrementQ, true
	case OpDecrement:
		return OpDecrementQ, true
	case OpQuit:
		return OpQuitQ, true
	case OpFlush:
		return OpFlushQ, true
	case OpAppend:
		return OpAppendQ, true
	case OpPrepend:
		return OpPrependQ, true
	}
	return op, false
}

// Status is the 16-bit result code in a response header. Zero is success.
type Status uint16

const (
	StatusOK             Status = 0x0000
	StatusKeyNotFound    Status = 0x0001
	StatusKeyExists      Status = 0x0002
	StatusValueTooLarge  Status = 0x0003
	StatusInvalidArgs    Status = 0x0004
	StatusItemNotStored  Status = 0x0005
	StatusNonNumericIncr Status = 0x0006
	StatusUnknownCommand Status = 0x0081
	StatusOutOfMemory    Status = 0x0082
)

// WrongMagicError is a fatal ParseError cause: the byte where a response
// magic was expected did not match ResMagic.
type WrongMagicError struct {
	Got byte
}

func (e *WrongMagicError) Error() string {
	return fmt.Sprintf("Wrong magic byte: '\\x%02x'", e.Got)
}

// Header is the decoded fixed 24-byte frame header common to every binary
// request and response.
type Header struct {
	Magic           byte
	Opcode          Opcode
	KeyLength       uint16
	ExtrasLength    uint8
	DataType        uint8
	Status          Status // request frames reuse this field as "reserved"
	TotalBodyLength uint32
	Opaque          uint32
	CAS             uint64
}

// BodyLength is the number of bytes following the header: extras + key +
// value.
func (h Header) BodyLength() int { return int(h.TotalBodyLength) }

// ValueLength is the body length with the extras and key sizes subtracted.
func (h Header) ValueLength() int {
	return h.BodyLength() - int(h.ExtrasLength) - int(h.KeyLength)
}

// DecodeHeader parses a 24-byte buffer into a Header. It does not validate
// the magic byte; callers compare against the magic they expect (request
// vs response) and raise a WrongMagicError themselves, since the meaning
// differs by direction.
func DecodeHeader(b []byte) Header {
	_ = b[HeaderLength-1] // bounds check hint
	return Header{
		Magic:           b[0],
		Opcode:          Opcode(b[1]),
		KeyLength:       binary.BigEndian.Uint16(b[2:4]),
		ExtrasLength:    b[4],
		DataType:        b[5],
		Status:          Status(binary.BigEndian.Uint16(b[6:8])),
		TotalBodyLength: binary.BigEndian.Uint32(b[8:12]),
		Opaque:          binary.BigEndian.Uint32(b[12:16]),
		CAS:             binary.BigEndian.Uint64(b[16:24]),
	}
}

// EncodeRequest renders a full binary request frame: header, extras, key,
// value, in that order.
func EncodeRequest(op Opcode, opaque uint32, cas uint64, extras, key, value []byte) []byte {
	total := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderLength+total)

	buf[0] = ReqMagic
	buf[1] = byte(op)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	buf[5] = 0 // data type, always raw bytes
	binary.BigEndian.PutUint16(buf[6:8], 0)
	binary.BigEndian.PutUint32(buf[8:12], uint32(total))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)

	off := HeaderLength
	off += copy(buf[off:], extras)
	off += copy(buf[off:], key)
	copy(buf[off:], value)
	return buf
}

// EncodeStoreExtras renders the 8-byte extras block shared by Set, Add and
// Replace: flags then expiration, both big-endian uint32.
func EncodeStoreExtras(flags, expiration uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], flags)
	binary.BigEndian.PutUint32(b[4:8], expiration)
	return b
}

// EncodeArithmeticExtras renders the 20-byte extras block shared by
// Increment and Decrement: delta (uint64), initial value (uint64),
// expiration (uint32).
func EncodeArithmeticExtras(delta, initial uint64, expiration uint32) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], delta)
	binary.BigEndian.PutUint64(b[8:16], initial)
	binary.BigEndian.PutUint32(b[16:20], expiration)
	return b
}

// EncodeFlushExtras renders the 4-byte extras block for a delayed
// flush_all.
func EncodeFlushExtras(expiration uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, expiration)
	return b
}

// DecodeArithmeticValue reads the 8-byte big-endian counter value a
// successful Increment/Decrement response carries as its body.
func DecodeArithmeticValue(body []byte) uint64 {
	return binary.BigEndian.Uint64(body[:8])
}
