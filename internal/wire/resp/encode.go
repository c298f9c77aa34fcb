package resp

import (
	"bufio"
	"strconv"

	"github.com/pior/cacheproxy/internal/wire"
)

const crlf = "\r\n"

func encode(w *bufio.Writer, req *wire.Request, resp *wire.Response) {
	switch resp.Kind {
	case wire.KindValues:
		if req.Name == "get" {
			if len(resp.Values) == 1 && resp.Values[0].Found {
				writeBulk(w, resp.Values[0].Data)
			} else {
				writeNull(w)
			}
			return
		}
		writeArrayHeader(w, len(resp.Values))
		for _, v := range resp.Values {
			if v.Found {
				writeBulk(w, v.Data)
			} else {
				writeNull(w)
			}
		}
	case wire.KindStored:
		if req.Name == "setnx" {
			writeInteger(w, 1)
			return
		}
		w.WriteString("+OK\r\n")
	case wire.KindNotStored:
		if req.Name == "setnx" {
			writeInteger(w, 0)
			return
		}
		writeNull(w)
	case wire.KindTouched:
		writeInteger(w, 1)
	case wire.KindNotFound:
		if req.Command == wire.CmdTouch {
			writeInteger(w, 0)
			return
		}
		writeNull(w)
	case wire.KindExists, wire.KindNil:
		writeNull(w)
	case wire.KindBulk:
		if len(resp.Values) == 1 && resp.Values[0].Found {
			writeBulk(w, resp.Values[0].Data)
		} else {
			writeNull(w)
		}
	case wire.KindNilArray:
		w.WriteString("*-1\r\n")
	case wire.KindInteger:
		if req.Name == "hmset" {
			w.WriteString("+OK\r\n")
			return
		}
		writeInteger(w, resp.Integer)
	case wire.KindNumber:
		w.WriteByte(':')
		w.WriteString(strconv.FormatUint(resp.Number, 10))
		w.WriteString(crlf)
	case wire.KindOK, wire.KindClose:
		w.WriteString("+OK\r\n")
	case wire.KindPong:
		if req.Value != nil {
			writeBulk(w, req.Value)
			return
		}
		w.WriteString("+PONG\r\n")
	case wire.KindText, wire.KindVersion:
		writeBulk(w, []byte(resp.Text))
	case wire.KindStats:
		var b []byte
		b = append(b, "# Proxy\r\n"...)
		for _, s := range resp.Stats {
			b = append(b, s.Name...)
			b = append(b, ':')
			b = append(b, s.Value...)
			b = append(b, crlf...)
		}
		writeBulk(w, b)
	case wire.KindError:
		writeError(w, resp.Err)
	}
}

func writeBulk(w *bufio.Writer, data []byte) {
	w.WriteByte('$')
	w.WriteString(strconv.Itoa(len(data)))
	w.WriteString(crlf)
	w.Write(data)
	w.WriteString(crlf)
}

func writeNull(w *bufio.Writer) {
	w.WriteString("$-1\r\n")
}

func writeInteger(w *bufio.Writer, n int64) {
	w.WriteByte(':')
	w.WriteString(strconv.FormatInt(n, 10))
	w.WriteString(crlf)
}

func writeArrayHeader(w *bufio.Writer, n int) {
	w.WriteByte('*')
	w.WriteString(strconv.Itoa(n))
	w.WriteString(crlf)
}

func writeError(w *bufio.Writer, e *wire.Error) {
	switch e.Code {
	case wire.CodeOutOfMemory:
		w.WriteString("-OOM ")
	case wire.CodeBusy:
		w.WriteString("-BUSY ")
	case wire.CodeWrongType:
		w.WriteString("-WRONGTYPE ")
	default:
		w.WriteString("-ERR ")
	}
	w.WriteString(e.Message)
	w.WriteString(crlf)
}
