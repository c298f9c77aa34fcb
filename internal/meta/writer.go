package meta

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pior/cacheproxy/internal"
)

var bufferPool = internal.NewBufferPool(256)

// ValidateKey checks if a key is valid for the memcache protocol.
// Keys must be 1-250 bytes and contain no whitespace (unless base64-encoded).
func ValidateKey(key string, hasBase64Flag bool) error {
	keyLen := len(key)

	if keyLen < MinKeyLength {
		return &InvalidKeyError{Message: "key is empty"}
	}

	if keyLen > MaxKeyLength && !hasBase64Flag {
		return &InvalidKeyError{Message: "key exceeds maximum length of 250 bytes"}
	}

	if !hasBase64Flag && strings.ContainsAny(key, " \t\r\n") {
		return &InvalidKeyError{Message: "key contains whitespace"}
	}

	return nil
}

// WriteRequest serializes a Request to wire format and writes it to w.
// Format: <command> <key> [<size>] <flags>*\r\n[<data>\r\n]
//
// A *bufio.Writer is written to directly and is not flushed, so several
// requests can be pipelined before a single Flush. Other writers receive the
// whole frame in at most two Write calls.
func WriteRequest(w io.Writer, req *Request) error {
	if req.Command != CmdNoOp {
		if err := ValidateKey(req.Key, req.HasFlag(FlagBase64Key)); err != nil {
			return err
		}
	}

	if bw, ok := w.(*bufio.Writer); ok {
		return writeRequestBuffered(bw, req)
	}
	return writeRequestUnbuffered(w, req)
}

func writeRequestBuffered(bw *bufio.Writer, req *Request) error {
	bw.WriteString(string(req.Command))
	if req.Command != CmdNoOp {
		bw.WriteString(Space)
		bw.WriteString(req.Key)
		if req.Command == CmdSet {
			bw.WriteString(Space)
			bw.WriteString(strconv.Itoa(len(req.Data)))
		}
		bw.Write(req.Flags)
	}
	bw.WriteString(CRLF)

	if req.Command == CmdSet {
		bw.Write(req.Data)
		bw.WriteString(CRLF)
	}

	// bufio.Writer keeps the first error; surface it here.
	_, err := bw.Write(nil)
	return err
}

func writeRequestUnbuffered(w io.Writer, req *Request) error {
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	buf.WriteString(string(req.Command))
	if req.Command != CmdNoOp {
		buf.WriteString(Space)
		buf.WriteString(req.Key)
		if req.Command == CmdSet {
			buf.WriteString(Space)
			buf.WriteString(strconv.Itoa(len(req.Data)))
		}
		buf.Write(req.Flags)
	}
	buf.WriteString(CRLF)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}

	if req.Command == CmdSet {
		if len(req.Data) > 0 {
			if _, err := w.Write(req.Data); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, CRLF); err != nil {
			return err
		}
	}

	return nil
}
