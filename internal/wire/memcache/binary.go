package memcache

import (
	"bufio"
	"bytes"
	"encoding/binary"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	magicRequest  = 0x80
	magicResponse = 0x81

	headerLen = 24
)

// Binary protocol opcodes.
const (
	opGet        = 0x00
	opSet        = 0x01
	opAdd        = 0x02
	opReplace    = 0x03
	opDelete     = 0x04
	opIncrement  = 0x05
	opDecrement  = 0x06
	opQuit       = 0x07
	opFlush      = 0x08
	opGetQ       = 0x09
	opNoop       = 0x0a
	opVersion    = 0x0b
	opGetK       = 0x0c
	opGetKQ      = 0x0d
	opAppend     = 0x0e
	opPrepend    = 0x0f
	opStat       = 0x10
	opSetQ       = 0x11
	opAddQ       = 0x12
	opReplaceQ   = 0x13
	opDeleteQ    = 0x14
	opIncrementQ = 0x15
	opDecrementQ = 0x16
	opQuitQ      = 0x17
	opFlushQ     = 0x18
	opAppendQ    = 0x19
	opPrependQ   = 0x1a
	opVerbosity  = 0x1b
	opTouch      = 0x1c
	opGAT        = 0x1d
	opGATQ       = 0x1e
)

// Binary protocol response statuses.
const (
	statusOK               = 0x0000
	statusKeyNotFound      = 0x0001
	statusKeyExists        = 0x0002
	statusValueTooLarge    = 0x0003
	statusInvalidArguments = 0x0004
	statusNotStored        = 0x0005
	statusNonNumeric       = 0x0006
	statusAuthError        = 0x0020
	statusUnknownCommand   = 0x0081
	statusOutOfMemory      = 0x0082
	statusNotSupported     = 0x0083
	statusInternalError    = 0x0084
	statusBusy             = 0x0085
	statusTemporaryFailure = 0x0086
)

// noAutoCreate in the incr/decr expiration extra means "fail on miss".
const noAutoCreate = 0xffffffff

type header struct {
	opcode  uint8
	keyLen  int
	extLen  int
	bodyLen int
	opaque  uint32
	cas     uint64
}

func parseHeader(b []byte) header {
	return header{
		opcode:  b[1],
		keyLen:  int(binary.BigEndian.Uint16(b[2:4])),
		extLen:  int(b[4]),
		bodyLen: int(binary.BigEndian.Uint32(b[8:12])),
		opaque:  binary.BigEndian.Uint32(b[12:16]),
		cas:     binary.BigEndian.Uint64(b[16:24]),
	}
}

func (c *Codec) decodeBinary(buf []byte) (*wire.Request, int, error) {
	if buf[0] != magicRequest {
		return nil, 0, &wire.FramingError{Reason: "invalid binary magic"}
	}
	if len(buf) < headerLen {
		return nil, 0, nil
	}

	h := parseHeader(buf)
	if h.bodyLen > c.maxValueSize+headerLen {
		return nil, 0, &wire.FramingError{Reason: "object too large for cache"}
	}

	total := headerLen + h.bodyLen
	if len(buf) < total {
		return nil, 0, nil
	}

	if h.extLen+h.keyLen > h.bodyLen {
		req := wire.Invalid(wire.CodeInvalidArguments, "Invalid arguments")
		req.Opcode, req.Opaque = h.opcode, h.opaque
		return req, total, nil
	}

	// The body is cloned because requests outlive the read buffer.
	body := bytes.Clone(buf[headerLen:total])
	extras := body[:h.extLen]
	key := body[h.extLen : h.extLen+h.keyLen]
	value := body[h.extLen+h.keyLen:]

	req := decodeBinaryBody(h, extras, key, value)
	req.Opcode = h.opcode
	req.Opaque = h.opaque
	return req, total, nil
}

func decodeBinaryBody(h header, extras, key, value []byte) *wire.Request {
	invalid := func() *wire.Request {
		return wire.Invalid(wire.CodeInvalidArguments, "Invalid arguments")
	}

	switch h.opcode {
	case opGet, opGetQ, opGetK, opGetKQ:
		if len(extras) != 0 || !validKey(key) || len(value) != 0 {
			return invalid()
		}
		return &wire.Request{
			Command: wire.CmdGet,
			Keys:    [][]byte{key},
			Quiet:   h.opcode == opGetQ || h.opcode == opGetKQ,
		}

	case opSet, opSetQ, opAdd, opAddQ, opReplace, opReplaceQ:
		if len(extras) != 8 || !validKey(key) {
			return invalid()
		}
		req := &wire.Request{
			Command: wire.CmdSet,
			Key:     key,
			Value:   value,
			Flags:   binary.BigEndian.Uint32(extras[0:4]),
			Exptime: int64(binary.BigEndian.Uint32(extras[4:8])),
			TTLUnit: wire.TTLExptime,
			Quiet:   h.opcode == opSetQ || h.opcode == opAddQ || h.opcode == opReplaceQ,
		}
		switch h.opcode {
		case opAdd, opAddQ:
			req.Command = wire.CmdAdd
			req.Precondition = wire.PreconditionMustNotExist
		case opReplace, opReplaceQ:
			req.Command = wire.CmdReplace
			req.Precondition = wire.PreconditionMustExist
		}
		if h.cas != 0 && req.Command != wire.CmdAdd {
			req.Command = wire.CmdCAS
			req.CAS = h.cas
			req.Precondition = wire.PreconditionMustExist
		}
		return req

	case opAppend, opAppendQ, opPrepend, opPrependQ:
		if len(extras) != 0 || !validKey(key) {
			return invalid()
		}
		cmd := wire.CmdAppend
		if h.opcode == opPrepend || h.opcode == opPrependQ {
			cmd = wire.CmdPrepend
		}
		return &wire.Request{
			Command:      cmd,
			Key:          key,
			Value:        value,
			Precondition: wire.PreconditionMustExist,
			Quiet:        h.opcode == opAppendQ || h.opcode == opPrependQ,
		}

	case opDelete, opDeleteQ:
		if len(extras) != 0 || !validKey(key) || len(value) != 0 {
			return invalid()
		}
		return &wire.Request{
			Command: wire.CmdDelete,
			Keys:    [][]byte{key},
			Quiet:   h.opcode == opDeleteQ,
		}

	case opIncrement, opIncrementQ, opDecrement, opDecrementQ:
		if len(extras) != 20 || !validKey(key) || len(value) != 0 {
			return invalid()
		}
		cmd := wire.CmdIncr
		if h.opcode == opDecrement || h.opcode == opDecrementQ {
			cmd = wire.CmdDecr
		}
		exptime := binary.BigEndian.Uint32(extras[16:20])
		return &wire.Request{
			Command:    cmd,
			Key:        key,
			Delta:      binary.BigEndian.Uint64(extras[0:8]),
			Initial:    binary.BigEndian.Uint64(extras[8:16]),
			AutoCreate: exptime != noAutoCreate,
			Exptime:    int64(exptime),
			TTLUnit:    wire.TTLExptime,
			Quiet:      h.opcode == opIncrementQ || h.opcode == opDecrementQ,
		}

	case opTouch, opGAT, opGATQ:
		if len(extras) != 4 || !validKey(key) || len(value) != 0 {
			return invalid()
		}
		req := &wire.Request{
			Command: wire.CmdTouch,
			Key:     key,
			Exptime: int64(binary.BigEndian.Uint32(extras)),
			TTLUnit: wire.TTLExptime,
		}
		if h.opcode != opTouch {
			req.Command = wire.CmdGetAndTouch
			req.Keys = [][]byte{key}
			req.Key = nil
			req.Quiet = h.opcode == opGATQ
		}
		return req

	case opQuit, opQuitQ:
		return &wire.Request{Command: wire.CmdQuit, Quiet: h.opcode == opQuitQ}
	case opFlush, opFlushQ:
		return &wire.Request{Command: wire.CmdFlush, Quiet: h.opcode == opFlushQ}
	case opNoop:
		return &wire.Request{Command: wire.CmdNoop}
	case opVersion:
		return &wire.Request{Command: wire.CmdVersion}
	case opVerbosity:
		return &wire.Request{Command: wire.CmdVerbosity}
	case opStat:
		return &wire.Request{Command: wire.CmdStats, Key: key}
	}

	return &wire.Request{Command: wire.CmdUnknown}
}

func returnsKey(opcode uint8) bool {
	return opcode == opGetK || opcode == opGetKQ
}

func writePacket(w *bufio.Writer, opcode uint8, status uint16, opaque uint32, cas uint64, extras, key, value []byte) {
	var hdr [headerLen]byte
	hdr[0] = magicResponse
	hdr[1] = opcode
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = uint8(len(extras))
	binary.BigEndian.PutUint16(hdr[6:8], status)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(extras)+len(key)+len(value)))
	binary.BigEndian.PutUint32(hdr[12:16], opaque)
	binary.BigEndian.PutUint64(hdr[16:24], cas)

	w.Write(hdr[:])
	w.Write(extras)
	w.Write(key)
	w.Write(value)
}

func writeStatus(w *bufio.Writer, req *wire.Request, status uint16, message string) {
	writePacket(w, req.Opcode, status, req.Opaque, 0, nil, nil, []byte(message))
}

func encodeBinary(w *bufio.Writer, req *wire.Request, resp *wire.Response) error {
	success := func() {
		if !req.Quiet {
			writePacket(w, req.Opcode, statusOK, req.Opaque, 0, nil, nil, nil)
		}
	}

	switch resp.Kind {
	case wire.KindValues:
		encodeBinaryValue(w, req, resp)
	case wire.KindStored, wire.KindTouched, wire.KindOK, wire.KindPong:
		success()
	case wire.KindInteger:
		if req.Command == wire.CmdDelete && resp.Integer == 0 {
			writeStatus(w, req, statusKeyNotFound, "Not found")
			break
		}
		success()
	case wire.KindNotStored:
		switch req.Command {
		case wire.CmdAdd:
			writeStatus(w, req, statusKeyExists, "Data exists for key.")
		case wire.CmdReplace:
			writeStatus(w, req, statusKeyNotFound, "Not found")
		default:
			writeStatus(w, req, statusNotStored, "Not stored.")
		}
	case wire.KindExists:
		writeStatus(w, req, statusKeyExists, "Data exists for key.")
	case wire.KindNotFound:
		writeStatus(w, req, statusKeyNotFound, "Not found")
	case wire.KindNumber:
		if !req.Quiet {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], resp.Number)
			writePacket(w, req.Opcode, statusOK, req.Opaque, 0, nil, nil, v[:])
		}
	case wire.KindVersion, wire.KindText:
		writePacket(w, req.Opcode, statusOK, req.Opaque, 0, nil, nil, []byte(resp.Text))
	case wire.KindStats:
		for _, s := range resp.Stats {
			writePacket(w, req.Opcode, statusOK, req.Opaque, 0, nil, []byte(s.Name), []byte(s.Value))
		}
		writePacket(w, req.Opcode, statusOK, req.Opaque, 0, nil, nil, nil)
	case wire.KindClose:
		success()
	case wire.KindNil:
	case wire.KindError:
		writeStatus(w, req, binaryStatus(resp.Err.Code), resp.Err.Message)
	}

	_, err := w.Write(nil)
	return err
}

func encodeBinaryValue(w *bufio.Writer, req *wire.Request, resp *wire.Response) {
	if len(resp.Values) == 0 || !resp.Values[0].Found {
		if req.Quiet {
			return
		}
		var key []byte
		if returnsKey(req.Opcode) && len(req.Keys) > 0 {
			key = req.Keys[0]
		}
		writePacket(w, req.Opcode, statusKeyNotFound, req.Opaque, 0, nil, key, []byte("Not found"))
		return
	}

	v := resp.Values[0]
	var extras [4]byte
	binary.BigEndian.PutUint32(extras[:], v.Flags)

	var key []byte
	if returnsKey(req.Opcode) {
		key = v.Key
	}
	writePacket(w, req.Opcode, statusOK, req.Opaque, v.CAS, extras[:], key, v.Data)
}

func binaryStatus(code wire.Code) uint16 {
	switch code {
	case wire.CodeClient, wire.CodeInvalidArguments, wire.CodeWrongType:
		return statusInvalidArguments
	case wire.CodeTooLarge:
		return statusValueTooLarge
	case wire.CodeNonNumeric:
		return statusNonNumeric
	case wire.CodeUnknownCommand:
		return statusUnknownCommand
	case wire.CodeUnsupported:
		return statusNotSupported
	case wire.CodeOutOfMemory:
		return statusOutOfMemory
	case wire.CodeBusy:
		return statusBusy
	case wire.CodeTimeout:
		return statusTemporaryFailure
	case wire.CodeUnauthenticated:
		return statusAuthError
	}
	return statusInternalError
}
