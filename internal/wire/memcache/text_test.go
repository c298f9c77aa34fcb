package memcache

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/cacheproxy/internal/wire"
)

func decodeOne(t *testing.T, input string) (*wire.Request, int) {
	t.Helper()
	c := NewCodec(0)
	req, n, err := c.Decode([]byte(input))
	require.NoError(t, err)
	return req, n
}

func encode(t *testing.T, c *Codec, req *wire.Request, resp *wire.Response) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, c.Encode(w, req, resp))
	require.NoError(t, w.Flush())
	return buf.String()
}

func textCodec() *Codec {
	c := NewCodec(0)
	c.mode = modeText
	return c
}

func TestDecodeTextGet(t *testing.T) {
	req, n := decodeOne(t, "get a bb ccc\r\n")
	require.Equal(t, 14, n)
	require.Equal(t, wire.CmdGet, req.Command)
	require.Equal(t, [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}, req.Keys)
	require.False(t, req.ReturnCAS)

	req, _ = decodeOne(t, "gets k\r\n")
	require.Equal(t, wire.CmdGets, req.Command)
	require.True(t, req.ReturnCAS)
}

func TestDecodeTextSet(t *testing.T) {
	input := "set k 5 0 1\r\nv\r\n"
	req, n := decodeOne(t, input)
	require.Equal(t, len(input), n)
	require.Equal(t, wire.CmdSet, req.Command)
	require.Equal(t, "k", string(req.Key))
	require.Equal(t, "v", string(req.Value))
	require.Equal(t, uint32(5), req.Flags)
	require.Equal(t, int64(0), req.Exptime)
	require.Equal(t, wire.TTLExptime, req.TTLUnit)
	require.Equal(t, wire.PreconditionNone, req.Precondition)
}

func TestDecodeTextStorageVariants(t *testing.T) {
	tests := []struct {
		input        string
		command      wire.Command
		precondition wire.Precondition
		noreply      bool
		cas          uint64
	}{
		{"add k 0 60 2\r\nhi\r\n", wire.CmdAdd, wire.PreconditionMustNotExist, false, 0},
		{"replace k 0 60 2 noreply\r\nhi\r\n", wire.CmdReplace, wire.PreconditionMustExist, true, 0},
		{"append k 0 0 2\r\nhi\r\n", wire.CmdAppend, wire.PreconditionMustExist, false, 0},
		{"prepend k 0 0 2\r\nhi\r\n", wire.CmdPrepend, wire.PreconditionMustExist, false, 0},
		{"cas k 0 0 2 77\r\nhi\r\n", wire.CmdCAS, wire.PreconditionMustExist, false, 77},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			req, n := decodeOne(t, tt.input)
			require.Equal(t, len(tt.input), n)
			require.Equal(t, tt.command, req.Command)
			require.Equal(t, tt.precondition, req.Precondition)
			require.Equal(t, tt.noreply, req.NoReply)
			require.Equal(t, tt.cas, req.CAS)
			require.Equal(t, "hi", string(req.Value))
		})
	}
}

func TestDecodeTextIncomplete(t *testing.T) {
	for _, input := range []string{"", "get k", "set k 0 0 5\r\nhel", "set k 0 0 5\r\nhello\r"} {
		c := NewCodec(0)
		req, n, err := c.Decode([]byte(input))
		require.NoError(t, err, input)
		require.Nil(t, req, input)
		require.Zero(t, n, input)
	}
}

func TestDecodeTextBadDataChunk(t *testing.T) {
	input := "set k 0 0 2\r\nhelloworld\r\n"
	req, n := decodeOne(t, input)
	require.Equal(t, wire.CmdInvalid, req.Command)
	require.Equal(t, "bad data chunk", req.Invalid.Message)
	// The declared block and its terminator are skipped.
	require.Equal(t, len("set k 0 0 2\r\nhe")+2, n)
}

func TestDecodeTextInvalidSwallowsData(t *testing.T) {
	input := "set k notanumber 0 3\r\nabc\r\nget k\r\n"
	req, n := decodeOne(t, input)
	require.Equal(t, wire.CmdInvalid, req.Command)
	require.Equal(t, "get k\r\n", input[n:])
}

func TestDecodeTextKeyTooLong(t *testing.T) {
	req, _ := decodeOne(t, "get "+strings.Repeat("k", 251)+"\r\n")
	require.Equal(t, wire.CmdInvalid, req.Command)
	require.Equal(t, wire.CodeClient, req.Invalid.Code)
}

func TestDecodeTextLineTooLong(t *testing.T) {
	c := NewCodec(0)
	_, _, err := c.Decode([]byte("get " + strings.Repeat("k", 3000)))
	var framing *wire.FramingError
	require.ErrorAs(t, err, &framing)
}

func TestDecodeTextValueTooLarge(t *testing.T) {
	c := NewCodec(10)
	_, _, err := c.Decode([]byte("set k 0 0 11\r\n"))
	var framing *wire.FramingError
	require.ErrorAs(t, err, &framing)
}

func TestDecodeTextOtherCommands(t *testing.T) {
	tests := []struct {
		input   string
		command wire.Command
	}{
		{"delete k\r\n", wire.CmdDelete},
		{"delete k 0\r\n", wire.CmdDelete},
		{"delete k noreply\r\n", wire.CmdDelete},
		{"delete k 10\r\n", wire.CmdInvalid},
		{"incr k 5\r\n", wire.CmdIncr},
		{"decr k 5 noreply\r\n", wire.CmdDecr},
		{"incr k -1\r\n", wire.CmdInvalid},
		{"touch k 10\r\n", wire.CmdTouch},
		{"touch k abc\r\n", wire.CmdInvalid},
		{"gat 10 a b\r\n", wire.CmdGetAndTouch},
		{"flush_all\r\n", wire.CmdFlush},
		{"flush_all 10 noreply\r\n", wire.CmdFlush},
		{"version\r\n", wire.CmdVersion},
		{"verbosity 1\r\n", wire.CmdVerbosity},
		{"stats\r\n", wire.CmdStats},
		{"quit\r\n", wire.CmdQuit},
		{"bogus\r\n", wire.CmdUnknown},
		{"\r\n", wire.CmdUnknown},
		{"get\r\n", wire.CmdUnknown},
		{"set k 0 0\r\n", wire.CmdUnknown},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			req, n := decodeOne(t, tt.input)
			require.Equal(t, len(tt.input), n)
			require.Equal(t, tt.command, req.Command)
		})
	}
}

func TestDecodeTextPipelined(t *testing.T) {
	c := NewCodec(0)
	buf := []byte("set a 0 0 1\r\n1\r\nget a\r\ndelete a\r\n")

	var commands []wire.Command
	for len(buf) > 0 {
		req, n, err := c.Decode(buf)
		require.NoError(t, err)
		require.NotZero(t, n)
		commands = append(commands, req.Command)
		buf = buf[n:]
	}

	require.Equal(t, []wire.Command{wire.CmdSet, wire.CmdGet, wire.CmdDelete}, commands)
}

func TestDecodeTextDoesNotAliasBuffer(t *testing.T) {
	c := NewCodec(0)
	buf := []byte("set key 0 0 3\r\nabc\r\n")
	req, _, err := c.Decode(buf)
	require.NoError(t, err)

	for i := range buf {
		buf[i] = 'x'
	}
	require.Equal(t, "key", string(req.Key))
	require.Equal(t, "abc", string(req.Value))
}

func TestEncodeText(t *testing.T) {
	tests := []struct {
		name     string
		req      *wire.Request
		resp     *wire.Response
		expected string
	}{
		{
			name: "values",
			req:  &wire.Request{Command: wire.CmdGet},
			resp: &wire.Response{Kind: wire.KindValues, Values: []wire.Value{
				{Key: []byte("a"), Data: []byte("1"), Flags: 5, Found: true},
				{Key: []byte("b")},
				{Key: []byte("c"), Data: []byte("333"), Found: true},
			}},
			expected: "VALUE a 5 1\r\n1\r\nVALUE c 0 3\r\n333\r\nEND\r\n",
		},
		{
			name: "values with cas",
			req:  &wire.Request{Command: wire.CmdGets, ReturnCAS: true},
			resp: &wire.Response{Kind: wire.KindValues, Values: []wire.Value{
				{Key: []byte("a"), Data: []byte("1"), CAS: 99, Found: true},
			}},
			expected: "VALUE a 0 1 99\r\n1\r\nEND\r\n",
		},
		{"stored", &wire.Request{Command: wire.CmdSet}, wire.Stored(), "STORED\r\n"},
		{"not stored", &wire.Request{Command: wire.CmdAdd}, wire.NotStored(), "NOT_STORED\r\n"},
		{"exists", &wire.Request{Command: wire.CmdCAS}, wire.Exists(), "EXISTS\r\n"},
		{"not found", &wire.Request{Command: wire.CmdCAS}, wire.NotFound(), "NOT_FOUND\r\n"},
		{"deleted", &wire.Request{Command: wire.CmdDelete}, wire.Integer(1), "DELETED\r\n"},
		{"delete miss", &wire.Request{Command: wire.CmdDelete}, wire.Integer(0), "NOT_FOUND\r\n"},
		{"touched", &wire.Request{Command: wire.CmdTouch}, wire.Touched(), "TOUCHED\r\n"},
		{"number", &wire.Request{Command: wire.CmdIncr}, wire.Number(42), "42\r\n"},
		{"version", &wire.Request{Command: wire.CmdVersion}, wire.Version("1.2.3"), "VERSION 1.2.3\r\n"},
		{"ok", &wire.Request{Command: wire.CmdVerbosity}, wire.OK(), "OK\r\n"},
		{
			name:     "stats",
			req:      &wire.Request{Command: wire.CmdStats},
			resp:     &wire.Response{Kind: wire.KindStats, Stats: []wire.Stat{{Name: "pid", Value: "1"}, {Name: "uptime", Value: "2"}}},
			expected: "STAT pid 1\r\nSTAT uptime 2\r\nEND\r\n",
		},
		{"unknown", &wire.Request{Command: wire.CmdUnknown}, wire.Errorf(wire.CodeUnknownCommand, "unknown command"), "ERROR\r\n"},
		{"client error", &wire.Request{Command: wire.CmdInvalid}, wire.Errorf(wire.CodeClient, "bad data chunk"), "CLIENT_ERROR bad data chunk\r\n"},
		{"server error", &wire.Request{Command: wire.CmdGet}, wire.Errorf(wire.CodeTimeout, "backend timeout"), "SERVER_ERROR backend timeout\r\n"},
		{"noreply", &wire.Request{Command: wire.CmdSet, NoReply: true}, wire.Stored(), ""},
		{"quit", &wire.Request{Command: wire.CmdQuit}, wire.Close(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, encode(t, textCodec(), tt.req, tt.resp))
		})
	}
}
