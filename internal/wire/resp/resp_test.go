package resp

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/cacheproxy/internal/wire"
)

func multiBulk(args ...string) string {
	var b strings.Builder
	b.WriteString("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, a := range args {
		b.WriteString("$" + strconv.Itoa(len(a)) + "\r\n" + a + "\r\n")
	}
	return b.String()
}

func decode(t *testing.T, input string) (*wire.Request, int) {
	t.Helper()
	req, n, err := NewCodec(0).Decode([]byte(input))
	require.NoError(t, err)
	return req, n
}

func encodeResponse(t *testing.T, req *wire.Request, resp *wire.Response) string {
	t.Helper()
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, NewCodec(0).Encode(w, req, resp))
	require.NoError(t, w.Flush())
	return buf.String()
}

func TestDecodeMultiBulk(t *testing.T) {
	input := multiBulk("SET", "k", "hello world")
	req, n := decode(t, input)
	require.Equal(t, len(input), n)
	require.Equal(t, wire.CmdSet, req.Command)
	require.Equal(t, "k", string(req.Key))
	require.Equal(t, "hello world", string(req.Value))
	require.Equal(t, wire.TTLDefault, req.TTLUnit)
}

func TestDecodeInline(t *testing.T) {
	req, n := decode(t, "get foo\r\n")
	require.Equal(t, 9, n)
	require.Equal(t, wire.CmdGet, req.Command)
	require.Equal(t, "get", req.Name)
	require.Equal(t, [][]byte{[]byte("foo")}, req.Keys)
}

func TestDecodeSkipsEmpty(t *testing.T) {
	input := "\r\n*0\r\nPING\r\n"
	req, n := decode(t, input)
	require.Equal(t, len(input), n)
	require.Equal(t, wire.CmdPing, req.Command)
}

func TestDecodeIncomplete(t *testing.T) {
	full := multiBulk("SET", "key", "value")
	for i := 1; i < len(full); i++ {
		req, n, err := NewCodec(0).Decode([]byte(full[:i]))
		require.NoError(t, err, full[:i])
		require.Nil(t, req)
		require.Zero(t, n)
	}
}

func TestDecodeFramingErrors(t *testing.T) {
	tests := []string{
		"*1\r\n:5\r\n",
		"*x\r\n",
		"*1\r\n$-5\r\n",
		"*1\r\n$3\r\nabcde\r\n",
		"*99999999\r\n",
	}
	for _, input := range tests {
		_, _, err := NewCodec(0).Decode([]byte(input))
		var framing *wire.FramingError
		require.ErrorAs(t, err, &framing, input)
	}

	_, _, err := NewCodec(0).Decode([]byte(strings.Repeat("a", maxInlineLength+1)))
	require.Error(t, err)

	_, _, err = NewCodec(4).Decode([]byte("*1\r\n$5\r\n"))
	require.Error(t, err)
}

func TestDecodeCommands(t *testing.T) {
	tests := []struct {
		args    []string
		command wire.Command
		check   func(t *testing.T, req *wire.Request)
	}{
		{[]string{"MGET", "a", "b"}, wire.CmdGet, func(t *testing.T, req *wire.Request) {
			require.Len(t, req.Keys, 2)
			require.Equal(t, "mget", req.Name)
		}},
		{[]string{"SET", "k", "v", "EX", "10"}, wire.CmdSet, func(t *testing.T, req *wire.Request) {
			require.Equal(t, wire.TTLSeconds, req.TTLUnit)
			require.Equal(t, int64(10), req.Exptime)
		}},
		{[]string{"set", "k", "v", "px", "1500", "nx"}, wire.CmdSet, func(t *testing.T, req *wire.Request) {
			require.Equal(t, wire.TTLMilliseconds, req.TTLUnit)
			require.Equal(t, wire.PreconditionMustNotExist, req.Precondition)
		}},
		{[]string{"SET", "k", "v", "XX"}, wire.CmdSet, func(t *testing.T, req *wire.Request) {
			require.Equal(t, wire.PreconditionMustExist, req.Precondition)
		}},
		{[]string{"SETEX", "k", "30", "v"}, wire.CmdSet, func(t *testing.T, req *wire.Request) {
			require.Equal(t, int64(30), req.Exptime)
			require.Equal(t, "v", string(req.Value))
		}},
		{[]string{"SETNX", "k", "v"}, wire.CmdAdd, nil},
		{[]string{"DEL", "a", "b", "c"}, wire.CmdDelete, func(t *testing.T, req *wire.Request) {
			require.Len(t, req.Keys, 3)
		}},
		{[]string{"EXISTS", "a"}, wire.CmdExists, nil},
		{[]string{"EXPIRE", "k", "-1"}, wire.CmdTouch, func(t *testing.T, req *wire.Request) {
			require.Equal(t, int64(-1), req.Exptime)
		}},
		{[]string{"INCR", "k"}, wire.CmdIncr, func(t *testing.T, req *wire.Request) {
			require.Equal(t, uint64(1), req.Delta)
			require.True(t, req.Signed)
		}},
		{[]string{"INCRBY", "k", "-4"}, wire.CmdDecr, func(t *testing.T, req *wire.Request) {
			require.Equal(t, uint64(4), req.Delta)
		}},
		{[]string{"DECRBY", "k", "-4"}, wire.CmdIncr, func(t *testing.T, req *wire.Request) {
			require.Equal(t, uint64(4), req.Delta)
		}},
		{[]string{"PING"}, wire.CmdPing, nil},
		{[]string{"ECHO", "hi"}, wire.CmdEcho, nil},
		{[]string{"QUIT"}, wire.CmdQuit, nil},
		{[]string{"FLUSHALL", "ASYNC"}, wire.CmdFlush, nil},
		{[]string{"COMMAND", "DOCS"}, wire.CmdCommandDocs, nil},
		{[]string{"SELECT", "0"}, wire.CmdSelect, nil},
		{[]string{"INFO"}, wire.CmdStats, nil},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			req, _ := decode(t, multiBulk(tt.args...))
			require.Equal(t, tt.command, req.Command)
			if tt.check != nil {
				tt.check(t, req)
			}
		})
	}
}

func TestDecodeInvalidCommands(t *testing.T) {
	tests := []struct {
		args    []string
		code    wire.Code
		message string
	}{
		{[]string{"GET"}, wire.CodeInvalidArguments, "wrong number of arguments for 'get' command"},
		{[]string{"GET", "a", "b"}, wire.CodeInvalidArguments, "wrong number of arguments for 'get' command"},
		{[]string{"SET", "k", "v", "EX", "abc"}, wire.CodeInvalidArguments, "value is not an integer or out of range"},
		{[]string{"SET", "k", "v", "EX", "0"}, wire.CodeInvalidArguments, "invalid expire time in 'set' command"},
		{[]string{"SET", "k", "v", "NX", "XX"}, wire.CodeInvalidArguments, "syntax error"},
		{[]string{"SET", "k", "v", "KEEPTTL"}, wire.CodeInvalidArguments, "syntax error"},
		{[]string{"INCRBY", "k", "x"}, wire.CodeInvalidArguments, "value is not an integer or out of range"},
		{[]string{"SELECT", "3"}, wire.CodeInvalidArguments, "DB index is out of range"},
		{[]string{"SCAN", "0"}, wire.CodeUnknownCommand, "unknown command 'SCAN', with args beginning with: '0' "},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			req, _ := decode(t, multiBulk(tt.args...))
			require.Equal(t, wire.CmdInvalid, req.Command)
			require.Equal(t, tt.code, req.Invalid.Code)
			require.Equal(t, tt.message, req.Invalid.Message)
		})
	}
}

func TestEncode(t *testing.T) {
	hit := &wire.Response{Kind: wire.KindValues, Values: []wire.Value{{Data: []byte("v"), Found: true}}}
	miss := &wire.Response{Kind: wire.KindValues, Values: []wire.Value{{}}}
	multi := &wire.Response{Kind: wire.KindValues, Values: []wire.Value{{Data: []byte("a"), Found: true}, {}}}

	tests := []struct {
		name     string
		req      *wire.Request
		resp     *wire.Response
		expected string
	}{
		{"get hit", &wire.Request{Command: wire.CmdGet, Name: "get"}, hit, "$1\r\nv\r\n"},
		{"get miss", &wire.Request{Command: wire.CmdGet, Name: "get"}, miss, "$-1\r\n"},
		{"mget", &wire.Request{Command: wire.CmdGet, Name: "mget"}, multi, "*2\r\n$1\r\na\r\n$-1\r\n"},
		{"command docs", &wire.Request{Command: wire.CmdCommandDocs, Name: "command"}, &wire.Response{Kind: wire.KindValues}, "*0\r\n"},
		{"set", &wire.Request{Command: wire.CmdSet, Name: "set"}, wire.Stored(), "+OK\r\n"},
		{"set nx fail", &wire.Request{Command: wire.CmdSet, Name: "set"}, wire.NotStored(), "$-1\r\n"},
		{"setnx", &wire.Request{Command: wire.CmdAdd, Name: "setnx"}, wire.Stored(), ":1\r\n"},
		{"setnx fail", &wire.Request{Command: wire.CmdAdd, Name: "setnx"}, wire.NotStored(), ":0\r\n"},
		{"del", &wire.Request{Command: wire.CmdDelete, Name: "del"}, wire.Integer(0), ":0\r\n"},
		{"expire hit", &wire.Request{Command: wire.CmdTouch, Name: "expire"}, wire.Touched(), ":1\r\n"},
		{"expire miss", &wire.Request{Command: wire.CmdTouch, Name: "expire"}, wire.NotFound(), ":0\r\n"},
		{"incr", &wire.Request{Command: wire.CmdIncr, Name: "incr"}, wire.Integer(-3), ":-3\r\n"},
		{"ping", &wire.Request{Command: wire.CmdPing}, wire.Pong(), "+PONG\r\n"},
		{"ping msg", &wire.Request{Command: wire.CmdPing, Value: []byte("hi")}, wire.Pong(), "$2\r\nhi\r\n"},
		{"echo", &wire.Request{Command: wire.CmdEcho}, wire.Text("yo"), "$2\r\nyo\r\n"},
		{"quit", &wire.Request{Command: wire.CmdQuit}, wire.Close(), "+OK\r\n"},
		{"error", &wire.Request{Command: wire.CmdGet}, wire.Errorf(wire.CodeTimeout, "backend timeout"), "-ERR backend timeout\r\n"},
		{"oom", &wire.Request{Command: wire.CmdSet}, wire.Errorf(wire.CodeOutOfMemory, "backend resource exhausted"), "-OOM backend resource exhausted\r\n"},
		{
			"info",
			&wire.Request{Command: wire.CmdStats},
			&wire.Response{Kind: wire.KindStats, Stats: []wire.Stat{{Name: "uptime", Value: "3"}}},
			"$19\r\n# Proxy\r\nuptime:3\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, encodeResponse(t, tt.req, tt.resp))
		})
	}
}

func TestDecodeDoesNotAliasBuffer(t *testing.T) {
	for _, input := range []string{multiBulk("MGET", "a", "b"), "MGET a b\r\n"} {
		buf := []byte(input)
		req, _, err := NewCodec(0).Decode(buf)
		require.NoError(t, err)

		for i := range buf {
			buf[i] = 'x'
		}
		require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, req.Keys)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte(multiBulk("SET", "k", "v", "EX", "5")))
	f.Add([]byte("PING\r\n"))
	f.Add([]byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	f.Add([]byte("*-1\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		c := NewCodec(1 << 16)
		for len(data) > 0 {
			req, n, err := c.Decode(data)
			if err != nil || n == 0 {
				return
			}
			if n > len(data) {
				t.Fatalf("consumed %d of %d bytes", n, len(data))
			}
			if req == nil {
				t.Fatalf("nil request with %d bytes consumed", n)
			}
			data = data[n:]
		}
	})
}
