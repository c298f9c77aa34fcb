package memcache

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/cacheproxy/internal/wire"
)

func binaryRequest(opcode uint8, opaque uint32, cas uint64, extras, key, value []byte) []byte {
	b := make([]byte, headerLen, headerLen+len(extras)+len(key)+len(value))
	b[0] = magicRequest
	b[1] = opcode
	binary.BigEndian.PutUint16(b[2:4], uint16(len(key)))
	b[4] = uint8(len(extras))
	binary.BigEndian.PutUint32(b[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(b[12:16], opaque)
	binary.BigEndian.PutUint64(b[16:24], cas)
	b = append(b, extras...)
	b = append(b, key...)
	return append(b, value...)
}

type binaryResponse struct {
	opcode uint8
	status uint16
	opaque uint32
	cas    uint64
	extras []byte
	key    []byte
	value  []byte
}

func parseBinaryResponses(t *testing.T, raw []byte) []binaryResponse {
	t.Helper()
	var out []binaryResponse
	for len(raw) > 0 {
		require.GreaterOrEqual(t, len(raw), headerLen)
		require.Equal(t, byte(magicResponse), raw[0])
		keyLen := int(binary.BigEndian.Uint16(raw[2:4]))
		extLen := int(raw[4])
		bodyLen := int(binary.BigEndian.Uint32(raw[8:12]))
		body := raw[headerLen : headerLen+bodyLen]
		out = append(out, binaryResponse{
			opcode: raw[1],
			status: binary.BigEndian.Uint16(raw[6:8]),
			opaque: binary.BigEndian.Uint32(raw[12:16]),
			cas:    binary.BigEndian.Uint64(raw[16:24]),
			extras: body[:extLen],
			key:    body[extLen : extLen+keyLen],
			value:  body[extLen+keyLen:],
		})
		raw = raw[headerLen+bodyLen:]
	}
	return out
}

func setExtras(flags, exptime uint32) []byte {
	e := make([]byte, 8)
	binary.BigEndian.PutUint32(e[0:4], flags)
	binary.BigEndian.PutUint32(e[4:8], exptime)
	return e
}

func TestDecodeBinaryDetection(t *testing.T) {
	c := NewCodec(0)
	frame := binaryRequest(opGet, 7, 0, nil, []byte("k"), nil)

	req, n, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.True(t, c.Binary())
	require.Equal(t, "memcache-binary", c.Name())
	require.Equal(t, wire.CmdGet, req.Command)
	require.Equal(t, uint32(7), req.Opaque)
	require.Equal(t, [][]byte{[]byte("k")}, req.Keys)
}

func TestDecodeBinaryIncomplete(t *testing.T) {
	c := NewCodec(0)
	frame := binaryRequest(opSet, 1, 0, setExtras(0, 0), []byte("k"), []byte("value"))

	for _, cut := range []int{1, 10, headerLen, len(frame) - 1} {
		req, n, err := c.Decode(frame[:cut])
		require.NoError(t, err)
		require.Nil(t, req)
		require.Zero(t, n)
	}
}

func TestDecodeBinarySetFamily(t *testing.T) {
	tests := []struct {
		opcode       uint8
		cas          uint64
		command      wire.Command
		precondition wire.Precondition
		quiet        bool
	}{
		{opSet, 0, wire.CmdSet, wire.PreconditionNone, false},
		{opSetQ, 0, wire.CmdSet, wire.PreconditionNone, true},
		{opAdd, 0, wire.CmdAdd, wire.PreconditionMustNotExist, false},
		{opReplaceQ, 0, wire.CmdReplace, wire.PreconditionMustExist, true},
		{opSet, 55, wire.CmdCAS, wire.PreconditionMustExist, false},
	}

	for _, tt := range tests {
		frame := binaryRequest(tt.opcode, 3, tt.cas, setExtras(9, 120), []byte("key"), []byte("val"))
		c := NewCodec(0)
		req, _, err := c.Decode(frame)
		require.NoError(t, err)
		require.Equal(t, tt.command, req.Command)
		require.Equal(t, tt.precondition, req.Precondition)
		require.Equal(t, tt.quiet, req.Quiet)
		require.Equal(t, tt.cas, req.CAS)
		require.Equal(t, uint32(9), req.Flags)
		require.Equal(t, int64(120), req.Exptime)
		require.Equal(t, "val", string(req.Value))
	}
}

func TestDecodeBinaryArithmetic(t *testing.T) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:8], 3)
	binary.BigEndian.PutUint64(extras[8:16], 10)
	binary.BigEndian.PutUint32(extras[16:20], noAutoCreate)

	c := NewCodec(0)
	req, _, err := c.Decode(binaryRequest(opDecrement, 0, 0, extras, []byte("n"), nil))
	require.NoError(t, err)
	require.Equal(t, wire.CmdDecr, req.Command)
	require.Equal(t, uint64(3), req.Delta)
	require.Equal(t, uint64(10), req.Initial)
	require.False(t, req.AutoCreate)
}

func TestDecodeBinaryInvalidArguments(t *testing.T) {
	c := NewCodec(0)
	frame := binaryRequest(opSet, 4, 0, nil, []byte("k"), []byte("v"))

	req, n, err := c.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)
	require.Equal(t, wire.CmdInvalid, req.Command)
	require.Equal(t, uint32(4), req.Opaque)
	require.Equal(t, uint8(opSet), req.Opcode)
}

func TestDecodeBinaryBadMagic(t *testing.T) {
	c := NewCodec(0)
	_, _, err := c.Decode(binaryRequest(opNoop, 0, 0, nil, nil, nil))
	require.NoError(t, err)

	_, _, err = c.Decode([]byte("get k\r\n"))
	var framing *wire.FramingError
	require.ErrorAs(t, err, &framing)
}

func TestDecodeBinaryUnknownOpcode(t *testing.T) {
	c := NewCodec(0)
	req, _, err := c.Decode(binaryRequest(0x42, 0, 0, nil, nil, nil))
	require.NoError(t, err)
	require.Equal(t, wire.CmdUnknown, req.Command)
}

func binaryCodec() *Codec {
	c := NewCodec(0)
	c.mode = modeBinary
	return c
}

func TestEncodeBinaryGetHit(t *testing.T) {
	req := &wire.Request{Command: wire.CmdGet, Opcode: opGetK, Opaque: 11, Keys: [][]byte{[]byte("k")}}
	resp := &wire.Response{Kind: wire.KindValues, Values: []wire.Value{
		{Key: []byte("k"), Data: []byte("v"), Flags: 5, CAS: 77, Found: true},
	}}

	out := parseBinaryResponses(t, []byte(encode(t, binaryCodec(), req, resp)))
	require.Len(t, out, 1)
	require.Equal(t, uint8(opGetK), out[0].opcode)
	require.Equal(t, uint16(statusOK), out[0].status)
	require.Equal(t, uint32(11), out[0].opaque)
	require.Equal(t, uint64(77), out[0].cas)
	require.Equal(t, uint32(5), binary.BigEndian.Uint32(out[0].extras))
	require.Equal(t, "k", string(out[0].key))
	require.Equal(t, "v", string(out[0].value))
}

func TestEncodeBinaryQuietMiss(t *testing.T) {
	resp := &wire.Response{Kind: wire.KindValues, Values: []wire.Value{{Key: []byte("k")}}}

	quiet := &wire.Request{Command: wire.CmdGet, Opcode: opGetQ, Quiet: true, Keys: [][]byte{[]byte("k")}}
	require.Empty(t, encode(t, binaryCodec(), quiet, resp))

	loud := &wire.Request{Command: wire.CmdGet, Opcode: opGet, Keys: [][]byte{[]byte("k")}}
	out := parseBinaryResponses(t, []byte(encode(t, binaryCodec(), loud, resp)))
	require.Len(t, out, 1)
	require.Equal(t, uint16(statusKeyNotFound), out[0].status)
}

func TestEncodeBinaryStatuses(t *testing.T) {
	tests := []struct {
		name   string
		req    *wire.Request
		resp   *wire.Response
		status uint16
		empty  bool
	}{
		{"stored", &wire.Request{Command: wire.CmdSet, Opcode: opSet}, wire.Stored(), statusOK, false},
		{"stored quiet", &wire.Request{Command: wire.CmdSet, Opcode: opSetQ, Quiet: true}, wire.Stored(), 0, true},
		{"add exists", &wire.Request{Command: wire.CmdAdd, Opcode: opAdd}, wire.NotStored(), statusKeyExists, false},
		{"replace missing", &wire.Request{Command: wire.CmdReplace, Opcode: opReplace}, wire.NotStored(), statusKeyNotFound, false},
		{"append missing", &wire.Request{Command: wire.CmdAppend, Opcode: opAppend}, wire.NotStored(), statusNotStored, false},
		{"cas mismatch", &wire.Request{Command: wire.CmdCAS, Opcode: opSet}, wire.Exists(), statusKeyExists, false},
		{"delete miss", &wire.Request{Command: wire.CmdDelete, Opcode: opDelete}, wire.Integer(0), statusKeyNotFound, false},
		{"delete quiet hit", &wire.Request{Command: wire.CmdDelete, Opcode: opDeleteQ, Quiet: true}, wire.Integer(1), 0, true},
		{"quiet error still sent", &wire.Request{Command: wire.CmdSet, Opcode: opSetQ, Quiet: true}, wire.Errorf(wire.CodeTimeout, "backend timeout"), statusTemporaryFailure, false},
		{"unknown", &wire.Request{Command: wire.CmdUnknown, Opcode: 0x42}, wire.Errorf(wire.CodeUnknownCommand, "Unknown command"), statusUnknownCommand, false},
		{"unsupported", &wire.Request{Command: wire.CmdFlush, Opcode: opFlush}, wire.Errorf(wire.CodeUnsupported, "flush not supported"), statusNotSupported, false},
		{"too large", &wire.Request{Command: wire.CmdSet, Opcode: opSet}, wire.Errorf(wire.CodeTooLarge, "too large"), statusValueTooLarge, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encode(t, binaryCodec(), tt.req, tt.resp)
			if tt.empty {
				require.Empty(t, raw)
				return
			}
			out := parseBinaryResponses(t, []byte(raw))
			require.Len(t, out, 1)
			require.Equal(t, tt.status, out[0].status)
			require.Equal(t, tt.req.Opcode, out[0].opcode)
		})
	}
}

func TestEncodeBinaryCounterAndStats(t *testing.T) {
	out := parseBinaryResponses(t, []byte(encode(t, binaryCodec(),
		&wire.Request{Command: wire.CmdIncr, Opcode: opIncrement}, wire.Number(12))))
	require.Len(t, out, 1)
	require.Equal(t, uint64(12), binary.BigEndian.Uint64(out[0].value))

	stats := &wire.Response{Kind: wire.KindStats, Stats: []wire.Stat{{Name: "pid", Value: "1"}, {Name: "uptime", Value: "5"}}}
	out = parseBinaryResponses(t, []byte(encode(t, binaryCodec(), &wire.Request{Command: wire.CmdStats, Opcode: opStat}, stats)))
	require.Len(t, out, 3)
	require.Equal(t, "pid", string(out[0].key))
	require.Equal(t, "5", string(out[1].value))
	require.Empty(t, out[2].key)
}

func TestDecodeBinaryDoesNotAliasBuffer(t *testing.T) {
	frame := binaryRequest(opSet, 1, 0, setExtras(0, 0), []byte("key"), []byte("val"))
	req, _, err := NewCodec(0).Decode(frame)
	require.NoError(t, err)

	for i := range frame {
		frame[i] = 'x'
	}
	require.Equal(t, "key", string(req.Key))
	require.Equal(t, "val", string(req.Value))
}
