package memcache

import (
	"bufio"
	"strconv"

	"github.com/pior/cacheproxy/internal/wire"
)

const crlf = "\r\n"

func encodeText(w *bufio.Writer, req *wire.Request, resp *wire.Response) error {
	if req.NoReply {
		return nil
	}

	var scratch [24]byte

	switch resp.Kind {
	case wire.KindValues:
		for _, v := range resp.Values {
			if !v.Found {
				continue
			}
			w.WriteString("VALUE ")
			w.Write(v.Key)
			w.WriteByte(' ')
			w.Write(strconv.AppendUint(scratch[:0], uint64(v.Flags), 10))
			w.WriteByte(' ')
			w.Write(strconv.AppendInt(scratch[:0], int64(len(v.Data)), 10))
			if req.ReturnCAS {
				w.WriteByte(' ')
				w.Write(strconv.AppendUint(scratch[:0], v.CAS, 10))
			}
			w.WriteString(crlf)
			w.Write(v.Data)
			w.WriteString(crlf)
		}
		w.WriteString("END\r\n")
	case wire.KindStored:
		w.WriteString("STORED\r\n")
	case wire.KindNotStored:
		w.WriteString("NOT_STORED\r\n")
	case wire.KindExists:
		w.WriteString("EXISTS\r\n")
	case wire.KindNotFound:
		w.WriteString("NOT_FOUND\r\n")
	case wire.KindTouched:
		w.WriteString("TOUCHED\r\n")
	case wire.KindInteger:
		if req.Command == wire.CmdDelete {
			if resp.Integer > 0 {
				w.WriteString("DELETED\r\n")
			} else {
				w.WriteString("NOT_FOUND\r\n")
			}
			break
		}
		w.Write(strconv.AppendInt(scratch[:0], resp.Integer, 10))
		w.WriteString(crlf)
	case wire.KindNumber:
		w.Write(strconv.AppendUint(scratch[:0], resp.Number, 10))
		w.WriteString(crlf)
	case wire.KindOK, wire.KindPong:
		w.WriteString("OK\r\n")
	case wire.KindText:
		w.WriteString(resp.Text)
		w.WriteString(crlf)
	case wire.KindVersion:
		w.WriteString("VERSION ")
		w.WriteString(resp.Text)
		w.WriteString(crlf)
	case wire.KindStats:
		for _, s := range resp.Stats {
			w.WriteString("STAT ")
			w.WriteString(s.Name)
			w.WriteByte(' ')
			w.WriteString(s.Value)
			w.WriteString(crlf)
		}
		w.WriteString("END\r\n")
	case wire.KindNil:
		w.WriteString("END\r\n")
	case wire.KindClose:
	case wire.KindError:
		writeTextError(w, resp.Err)
	}

	_, err := w.Write(nil)
	return err
}

func writeTextError(w *bufio.Writer, e *wire.Error) {
	switch e.Code {
	case wire.CodeUnknownCommand:
		w.WriteString("ERROR\r\n")
	case wire.CodeClient, wire.CodeInvalidArguments, wire.CodeNonNumeric, wire.CodeWrongType:
		w.WriteString("CLIENT_ERROR ")
		w.WriteString(e.Message)
		w.WriteString(crlf)
	default:
		w.WriteString("SERVER_ERROR ")
		w.WriteString(e.Message)
		w.WriteString(crlf)
	}
}
