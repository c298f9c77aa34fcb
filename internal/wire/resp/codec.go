// Package resp implements the RESP2 request protocol as a wire.Codec.
//
// Both multi-bulk arrays and inline commands are accepted. Only the string
// commands that map onto a key-value backend are understood; everything
// else is answered with Redis' unknown-command error.
package resp

import (
	"bufio"
	"bytes"
	"strconv"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	maxInlineLength   = 64 * 1024
	maxMultiBulkCount = 1024 * 1024

	// DefaultMaxBulkLength matches the largest request the proxy accepts by
	// default.
	DefaultMaxBulkLength = 100 << 20
)

// Codec is a RESP2 codec. It is stateless apart from its limits but follows
// the per-connection contract of wire.Codec.
type Codec struct {
	maxBulkLength int
}

var _ wire.Codec = (*Codec)(nil)

func NewCodec(maxBulkLength int) *Codec {
	if maxBulkLength <= 0 {
		maxBulkLength = DefaultMaxBulkLength
	}
	return &Codec{maxBulkLength: maxBulkLength}
}

func (c *Codec) Name() string {
	return "resp"
}

func (c *Codec) Decode(buf []byte) (*wire.Request, int, error) {
	consumed := 0
	for consumed < len(buf) {
		args, n, err := c.readCommand(buf[consumed:])
		if err != nil || n == 0 {
			return nil, 0, err
		}
		consumed += n
		// Empty arrays and blank inline lines are ignored, as Redis does.
		if len(args) == 0 {
			continue
		}
		return parseCommand(args), consumed, nil
	}
	return nil, 0, nil
}

func (c *Codec) readCommand(buf []byte) ([][]byte, int, error) {
	if buf[0] == '*' {
		return c.readMultiBulk(buf)
	}
	return readInline(buf)
}

func readInline(buf []byte) ([][]byte, int, error) {
	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		if len(buf) > maxInlineLength {
			return nil, 0, &wire.FramingError{Reason: "too big inline request"}
		}
		return nil, 0, nil
	}

	line := bytes.TrimSuffix(buf[:eol], []byte{'\r'})
	fields := bytes.Fields(line)
	args := make([][]byte, len(fields))
	for i, f := range fields {
		args[i] = bytes.Clone(f)
	}
	return args, eol + 1, nil
}

func (c *Codec) readMultiBulk(buf []byte) ([][]byte, int, error) {
	count, pos, ok, err := readLength(buf, 1)
	if err != nil || !ok {
		return nil, 0, err
	}
	if count > maxMultiBulkCount {
		return nil, 0, &wire.FramingError{Reason: "invalid multibulk length"}
	}
	if count <= 0 {
		return nil, pos, nil
	}

	args := make([][]byte, 0, count)
	for range count {
		if pos >= len(buf) {
			return nil, 0, nil
		}
		if buf[pos] != '$' {
			return nil, 0, &wire.FramingError{Reason: "expected '$', got '" + string(buf[pos]) + "'"}
		}

		size, next, ok, err := readLength(buf, pos+1)
		if err != nil || !ok {
			return nil, 0, err
		}
		if size < 0 || size > c.maxBulkLength {
			return nil, 0, &wire.FramingError{Reason: "invalid bulk length"}
		}
		if len(buf) < next+size+2 {
			return nil, 0, nil
		}
		if buf[next+size] != '\r' || buf[next+size+1] != '\n' {
			return nil, 0, &wire.FramingError{Reason: "invalid bulk terminator"}
		}

		args = append(args, bytes.Clone(buf[next:next+size]))
		pos = next + size + 2
	}

	return args, pos, nil
}

// readLength parses the decimal that starts at buf[start] and ends with CRLF.
// ok is false when the line is incomplete.
func readLength(buf []byte, start int) (value int, next int, ok bool, err error) {
	eol := bytes.IndexByte(buf[start:], '\n')
	if eol < 0 {
		if len(buf)-start > 32 {
			return 0, 0, false, &wire.FramingError{Reason: "invalid length line"}
		}
		return 0, 0, false, nil
	}

	line := bytes.TrimSuffix(buf[start:start+eol], []byte{'\r'})
	n, perr := strconv.Atoi(string(line))
	if perr != nil {
		return 0, 0, false, &wire.FramingError{Reason: "invalid length"}
	}
	return n, start + eol + 1, true, nil
}

func (c *Codec) Encode(w *bufio.Writer, req *wire.Request, resp *wire.Response) error {
	encode(w, req, resp)
	_, err := w.Write(nil)
	return err
}
