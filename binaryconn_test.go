package memcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/memcache/memcachetest"
	"github.com/pior/memcache/protocol"
)

func newTestBinaryConn(t *testing.T, timeout time.Duration) (*BinaryConn, *memcachetest.Transport, *memcachetest.Clock) {
	t.Helper()
	transport := memcachetest.NewTransport()
	clock := memcachetest.NewClock(time.Unix(0, 0))
	conn := NewBinaryConn(transport, Config{Timeout: timeout, Clock: clock})
	return conn, transport, clock
}

// TestBinaryConn_S5_WrongMagicTearsDownConnection pins down scenario S5.
func TestBinaryConn_S5_WrongMagicTearsDownConnection(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = conn.Get(context.Background(), "foo")
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	require.Len(t, wire, protocol.HeaderLength+3)
	assert.Equal(t, byte(protocol.ReqMagic), wire[0])
	assert.Equal(t, byte(protocol.OpGet), wire[1])
	assert.Equal(t, []byte{0, 3}, wire[2:4])
	assert.Equal(t, []byte{0, 0, 0, 3}, wire[8:12])
	assert.Equal(t, []byte("foo"), wire[protocol.HeaderLength:])

	badFrame := make([]byte, protocol.HeaderLength)
	badFrame[0] = 0x82
	conn.Feed(badFrame)
	<-done

	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	var wrongMagic *protocol.WrongMagicError
	require.ErrorAs(t, err, &wrongMagic)
	assert.Equal(t, `Wrong magic byte: '\x82'`, wrongMagic.Error())
	assert.True(t, transport.Closed())
}

// TestBinaryConn_S6_Increment pins down scenario S6.
func TestBinaryConn_S6_Increment(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var result ArithmeticResult
	var err error
	go func() {
		result, err = conn.Increment(context.Background(), "foo", 1, 0, 0)
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpIncrement), wire[1])
	assert.Equal(t, byte(20), wire[4]) // extras length
	assert.Equal(t, []byte{0, 0, 0, 23}, wire[8:12])

	respBody := make([]byte, 8)
	respBody[7] = 5
	resp := buildResponseFrame(t, protocol.OpIncrement, protocol.StatusOK, 0, respBody)
	conn.Feed(resp)
	<-done

	require.NoError(t, err)
	assert.Equal(t, uint64(5), result.Value)
	assert.Equal(t, uint64(0), result.CAS)
}

func TestBinaryConn_Get_ValueAndFlags(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var result GetResult
	var err error
	go func() {
		result, err = conn.Get(context.Background(), "foo")
		close(done)
	}()
	waitForWrite(t, transport)

	extras := []byte{0, 0, 0, 9} // flags = 9
	body := append(append([]byte{}, extras...), []byte("bar")...)
	frame := buildResponseFrameWithExtras(t, protocol.OpGet, protocol.StatusOK, 99, uint8(len(extras)), body)
	conn.Feed(frame)
	<-done

	require.NoError(t, err)
	assert.True(t, result.Found)
	assert.Equal(t, uint32(9), result.Flags)
	assert.Equal(t, uint64(99), result.CAS)
	assert.Equal(t, []byte("bar"), result.Value)
}

func TestBinaryConn_ServerErrorFailsOnlyThatCommand(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = conn.Set(context.Background(), "k", []byte("v"), 0, 0)
		close(done)
	}()
	waitForWrite(t, transport)

	frame := buildResponseFrame(t, protocol.OpSet, protocol.StatusKeyExists, 0, []byte("Key exists"))
	conn.Feed(frame)
	<-done

	require.Error(t, err)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Key exists", serverErr.Message)
	assert.False(t, transport.Closed())
}

func TestBinaryConn_Stats(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var got map[string]string
	var err error
	go func() {
		got, err = conn.Stats(context.Background())
		close(done)
	}()
	waitForWrite(t, transport)

	var wire []byte
	wire = append(wire, buildStatFrame(t, "pid", "123")...)
	wire = append(wire, buildStatFrame(t, "uptime", "456")...)
	wire = append(wire, buildStatFrame(t, "", "")...) // terminator
	conn.Feed(wire)
	<-done

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pid": "123", "uptime": "456"}, got)
}

func TestBinaryConn_InvalidKeyRejectsSynchronously(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)
	_, err := conn.Get(context.Background(), "")
	require.Error(t, err)
	var argErr *ClientArgumentError
	assert.ErrorAs(t, err, &argErr)
	assert.Equal(t, 0, transport.WriteCount())
}

func TestBinaryConn_QuietSetDoesNotOccupyQueueSlot(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	err := conn.SetQuiet("k", []byte("v"), 0, 0)
	require.NoError(t, err)
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpSetQ), wire[1])

	// A subsequent real command must still resolve normally: the quiet
	// write never reserved a queue slot for a response that never comes.
	done := make(chan struct{})
	var got GetResult
	go func() {
		got, _ = conn.Get(context.Background(), "k")
		close(done)
	}()
	waitForWriteCount(t, transport, 2)
	frame := buildResponseFrame(t, protocol.OpGet, protocol.StatusOK, 0, []byte("v"))
	conn.Feed(frame)
	<-done
	assert.True(t, got.Found)
}

// TestBinaryConn_StoreVariants covers Add, Replace and ReplaceCAS (Append
// and Prepend are covered by TestBinaryConn_AppendPrepend), mirroring the breadth the original test suite gives each
// binary store verb.
func TestBinaryConn_StoreVariants(t *testing.T) {
	cases := []struct {
		name   string
		issue  func(conn *BinaryConn) (any, error)
		opcode protocol.Opcode
	}{
		{
			name: "Add",
			issue: func(conn *BinaryConn) (any, error) {
				return conn.Add(context.Background(), "k", []byte("v"), 0, 0)
			},
			opcode: protocol.OpAdd,
		},
		{
			name: "Replace",
			issue: func(conn *BinaryConn) (any, error) {
				return conn.Replace(context.Background(), "k", []byte("v"), 0, 0)
			},
			opcode: protocol.OpReplace,
		},
		{
			name: "ReplaceCAS",
			issue: func(conn *BinaryConn) (any, error) {
				return conn.ReplaceCAS(context.Background(), "k", []byte("v"), 42, 0, 0)
			},
			opcode: protocol.OpReplace,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

			done := make(chan struct{})
			var result any
			var err error
			go func() {
				result, err = tc.issue(conn)
				close(done)
			}()
			waitForWrite(t, transport)

			wire := transport.Written()
			assert.Equal(t, byte(tc.opcode), wire[1])

			frame := buildResponseFrame(t, tc.opcode, protocol.StatusOK, 7, nil)
			conn.Feed(frame)
			<-done

			require.NoError(t, err)
			assert.Equal(t, uint64(7), result)
		})
	}
}

func TestBinaryConn_AppendPrepend(t *testing.T) {
	cases := []struct {
		name   string
		issue  func(conn *BinaryConn) (bool, error)
		opcode protocol.Opcode
	}{
		{
			name: "Append",
			issue: func(conn *BinaryConn) (bool, error) {
				return conn.Append(context.Background(), "k", []byte("tail"))
			},
			opcode: protocol.OpAppend,
		},
		{
			name: "Prepend",
			issue: func(conn *BinaryConn) (bool, error) {
				return conn.Prepend(context.Background(), "k", []byte("head"))
			},
			opcode: protocol.OpPrepend,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

			done := make(chan struct{})
			var result bool
			var err error
			go func() {
				result, err = tc.issue(conn)
				close(done)
			}()
			waitForWrite(t, transport)

			wire := transport.Written()
			assert.Equal(t, byte(tc.opcode), wire[1])

			frame := buildResponseFrame(t, tc.opcode, protocol.StatusOK, 0, nil)
			conn.Feed(frame)
			<-done

			require.NoError(t, err)
			assert.True(t, result)
		})
	}
}

func TestBinaryConn_Delete(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var result bool
	var err error
	go func() {
		result, err = conn.Delete(context.Background(), "k")
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpDelete), wire[1])

	frame := buildResponseFrame(t, protocol.OpDelete, protocol.StatusOK, 0, nil)
	conn.Feed(frame)
	<-done

	require.NoError(t, err)
	assert.True(t, result)
}

func TestBinaryConn_FlushAll(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var result bool
	var err error
	go func() {
		result, err = conn.FlushAll(context.Background(), 10)
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpFlush), wire[1])
	assert.Equal(t, byte(4), wire[4]) // extras length
	assert.Equal(t, []byte{0, 0, 0, 10}, wire[protocol.HeaderLength:protocol.HeaderLength+4])

	frame := buildResponseFrame(t, protocol.OpFlush, protocol.StatusOK, 0, nil)
	conn.Feed(frame)
	<-done

	require.NoError(t, err)
	assert.True(t, result)
}

func TestBinaryConn_Noop(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var err error
	go func() {
		err = conn.Noop(context.Background())
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpNoop), wire[1])

	frame := buildResponseFrame(t, protocol.OpNoop, protocol.StatusOK, 0, nil)
	conn.Feed(frame)
	<-done

	require.NoError(t, err)
}

func TestBinaryConn_Quit(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	done := make(chan struct{})
	var err error
	go func() {
		err = conn.Quit(context.Background())
		close(done)
	}()
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpQuit), wire[1])

	frame := buildResponseFrame(t, protocol.OpQuit, protocol.StatusOK, 0, nil)
	conn.Feed(frame)
	<-done

	require.NoError(t, err)
}

func TestBinaryConn_QuietQuit(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	err := conn.QuietQuit()
	require.NoError(t, err)
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpQuitQ), wire[1])
	assert.Equal(t, 1, transport.WriteCount())
}

func TestBinaryConn_DeleteQuiet(t *testing.T) {
	conn, transport, _ := newTestBinaryConn(t, 30*time.Second)

	err := conn.DeleteQuiet("k")
	require.NoError(t, err)
	waitForWrite(t, transport)

	wire := transport.Written()
	assert.Equal(t, byte(protocol.OpDeleteQ), wire[1])
}

func buildResponseFrame(t *testing.T, op protocol.Opcode, status protocol.Status, cas uint64, body []byte) []byte {
	t.Helper()
	return buildResponseFrameWithExtras(t, op, status, cas, 0, body)
}

func buildResponseFrameWithExtras(t *testing.T, op protocol.Opcode, status protocol.Status, cas uint64, extrasLen uint8, body []byte) []byte {
	t.Helper()
	buf := make([]byte, protocol.HeaderLength+len(body))
	buf[0] = protocol.ResMagic
	buf[1] = byte(op)
	buf[4] = extrasLen
	putU16(buf[6:8], uint16(status))
	putU32(buf[8:12], uint32(len(body)))
	putU64(buf[16:24], cas)
	copy(buf[protocol.HeaderLength:], body)
	return buf
}

func buildStatFrame(t *testing.T, key, value string) []byte {
	t.Helper()
	body := append([]byte(key), []byte(value)...)
	buf := make([]byte, protocol.HeaderLength+len(body))
	buf[0] = protocol.ResMagic
	buf[1] = byte(protocol.OpStat)
	putU16(buf[2:4], uint16(len(key)))
	putU32(buf[8:12], uint32(len(body)))
	copy(buf[protocol.HeaderLength:], body)
	return buf
}

func putU16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
