package memcache

import (
	"bytes"
	"strconv"

	"github.com/pior/cacheproxy/internal/wire"
)

const noreplyToken = "noreply"

const (
	errBadFormat    = "bad command line format"
	errBadDataChunk = "bad data chunk"
	errBadDelta     = "invalid numeric delta argument"
	errBadExptime   = "invalid exptime argument"
	errDeleteUsage  = "bad command line format.  Usage: delete <key> [noreply]"
)

func (c *Codec) decodeText(buf []byte) (*wire.Request, int, error) {
	eol := bytes.IndexByte(buf, '\n')
	if eol < 0 {
		if len(buf) > maxLineLength {
			return nil, 0, &wire.FramingError{Reason: "command line too long"}
		}
		return nil, 0, nil
	}
	if eol > maxLineLength {
		return nil, 0, &wire.FramingError{Reason: "command line too long"}
	}

	consumed := eol + 1
	// The line is cloned because requests outlive the read buffer.
	line := bytes.Clone(bytes.TrimSuffix(buf[:eol], []byte{'\r'}))
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return &wire.Request{Command: wire.CmdUnknown}, consumed, nil
	}

	verb := string(fields[0])
	args := fields[1:]

	switch verb {
	case "get", "gets":
		return decodeRetrieval(verb, args), consumed, nil
	case "gat", "gats":
		return decodeGetAndTouch(verb, args), consumed, nil
	case "set", "add", "replace", "append", "prepend", "cas":
		return c.decodeStorage(verb, args, buf, consumed)
	case "delete":
		return decodeDelete(args), consumed, nil
	case "incr", "decr":
		return decodeArithmetic(verb, args), consumed, nil
	case "touch":
		return decodeTouch(args), consumed, nil
	case "flush_all":
		return decodeFlush(args), consumed, nil
	case "verbosity":
		noreply, ok := trailingNoReply(args, 1)
		if !ok {
			return &wire.Request{Command: wire.CmdUnknown, Name: verb}, consumed, nil
		}
		return &wire.Request{Command: wire.CmdVerbosity, NoReply: noreply}, consumed, nil
	case "version":
		return &wire.Request{Command: wire.CmdVersion}, consumed, nil
	case "stats":
		req := &wire.Request{Command: wire.CmdStats}
		if len(args) > 0 {
			req.Key = args[0]
		}
		return req, consumed, nil
	case "quit":
		return &wire.Request{Command: wire.CmdQuit}, consumed, nil
	}

	return &wire.Request{Command: wire.CmdUnknown, Name: verb}, consumed, nil
}

func decodeRetrieval(verb string, args [][]byte) *wire.Request {
	if len(args) == 0 {
		return &wire.Request{Command: wire.CmdUnknown, Name: verb}
	}
	if !validKeys(args) {
		return wire.Invalid(wire.CodeClient, errBadFormat)
	}

	req := &wire.Request{Command: wire.CmdGet, Keys: args, Name: verb}
	if verb == "gets" {
		req.Command = wire.CmdGets
		req.ReturnCAS = true
	}
	return req
}

func decodeGetAndTouch(verb string, args [][]byte) *wire.Request {
	if len(args) < 2 {
		return &wire.Request{Command: wire.CmdUnknown, Name: verb}
	}
	exptime, err := strconv.ParseInt(string(args[0]), 10, 64)
	if err != nil {
		return wire.Invalid(wire.CodeClient, errBadExptime)
	}
	if !validKeys(args[1:]) {
		return wire.Invalid(wire.CodeClient, errBadFormat)
	}

	return &wire.Request{
		Command:   wire.CmdGetAndTouch,
		Keys:      args[1:],
		Exptime:   exptime,
		TTLUnit:   wire.TTLExptime,
		ReturnCAS: verb == "gats",
		Name:      verb,
	}
}

var storageCommands = map[string]wire.Command{
	"set":     wire.CmdSet,
	"add":     wire.CmdAdd,
	"replace": wire.CmdReplace,
	"append":  wire.CmdAppend,
	"prepend": wire.CmdPrepend,
	"cas":     wire.CmdCAS,
}

// decodeStorage parses "<verb> <key> <flags> <exptime> <bytes> [cas] [noreply]"
// followed by a data block. Once the byte count is known the data block is
// always consumed, even when another field is invalid, so the stream stays
// in sync.
func (c *Codec) decodeStorage(verb string, args [][]byte, buf []byte, consumed int) (*wire.Request, int, error) {
	fixed := 4
	if verb == "cas" {
		fixed = 5
	}

	if len(args) < fixed {
		return &wire.Request{Command: wire.CmdUnknown, Name: verb}, consumed, nil
	}

	size, err := strconv.Atoi(string(args[3]))
	if err != nil || size < 0 {
		return wire.Invalid(wire.CodeClient, errBadFormat), consumed, nil
	}
	if size > c.maxValueSize {
		return nil, 0, &wire.FramingError{Reason: "object too large for cache"}
	}

	total := consumed + size + 2
	if len(buf) < total {
		return nil, 0, nil
	}

	noreply, ok := trailingNoReply(args, fixed)
	if !ok || !validKey(args[0]) {
		return wire.Invalid(wire.CodeClient, errBadFormat), total, nil
	}

	flags, err := strconv.ParseUint(string(args[1]), 10, 32)
	if err != nil {
		return wire.Invalid(wire.CodeClient, errBadFormat), total, nil
	}
	exptime, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return wire.Invalid(wire.CodeClient, errBadFormat), total, nil
	}

	if buf[consumed+size] != '\r' || buf[consumed+size+1] != '\n' {
		return wire.Invalid(wire.CodeClient, errBadDataChunk), total, nil
	}

	req := &wire.Request{
		Command: storageCommands[verb],
		Key:     args[0],
		Value:   bytes.Clone(buf[consumed : consumed+size]),
		Flags:   uint32(flags),
		Exptime: exptime,
		TTLUnit: wire.TTLExptime,
		NoReply: noreply,
		Name:    verb,
	}

	switch req.Command {
	case wire.CmdAdd:
		req.Precondition = wire.PreconditionMustNotExist
	case wire.CmdReplace, wire.CmdAppend, wire.CmdPrepend:
		req.Precondition = wire.PreconditionMustExist
	case wire.CmdCAS:
		cas, err := strconv.ParseUint(string(args[4]), 10, 64)
		if err != nil {
			return wire.Invalid(wire.CodeClient, errBadFormat), total, nil
		}
		req.CAS = cas
		req.Precondition = wire.PreconditionMustExist
	}

	return req, total, nil
}

func decodeDelete(args [][]byte) *wire.Request {
	if len(args) == 0 {
		return &wire.Request{Command: wire.CmdUnknown, Name: "delete"}
	}
	if !validKey(args[0]) {
		return wire.Invalid(wire.CodeClient, errBadFormat)
	}

	rest := args[1:]
	// Legacy clients send "delete <key> 0".
	if len(rest) > 0 && string(rest[0]) == "0" {
		rest = rest[1:]
	}

	noreply, ok := trailingNoReply(rest, 0)
	if !ok {
		return wire.Invalid(wire.CodeClient, errDeleteUsage)
	}

	return &wire.Request{
		Command: wire.CmdDelete,
		Keys:    args[:1],
		NoReply: noreply,
		Name:    "delete",
	}
}

func decodeArithmetic(verb string, args [][]byte) *wire.Request {
	if len(args) < 2 {
		return &wire.Request{Command: wire.CmdUnknown, Name: verb}
	}
	noreply, ok := trailingNoReply(args, 2)
	if !ok || !validKey(args[0]) {
		return wire.Invalid(wire.CodeClient, errBadFormat)
	}
	delta, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return wire.Invalid(wire.CodeClient, errBadDelta)
	}

	cmd := wire.CmdIncr
	if verb == "decr" {
		cmd = wire.CmdDecr
	}
	return &wire.Request{
		Command: cmd,
		Key:     args[0],
		Delta:   delta,
		NoReply: noreply,
		Name:    verb,
	}
}

func decodeTouch(args [][]byte) *wire.Request {
	if len(args) < 2 {
		return &wire.Request{Command: wire.CmdUnknown, Name: "touch"}
	}
	noreply, ok := trailingNoReply(args, 2)
	if !ok || !validKey(args[0]) {
		return wire.Invalid(wire.CodeClient, errBadFormat)
	}
	exptime, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil {
		return wire.Invalid(wire.CodeClient, errBadExptime)
	}

	return &wire.Request{
		Command: wire.CmdTouch,
		Key:     args[0],
		Exptime: exptime,
		TTLUnit: wire.TTLExptime,
		NoReply: noreply,
		Name:    "touch",
	}
}

func decodeFlush(args [][]byte) *wire.Request {
	req := &wire.Request{Command: wire.CmdFlush, Name: "flush_all"}
	for _, arg := range args {
		if string(arg) == noreplyToken {
			req.NoReply = true
			continue
		}
		if _, err := strconv.ParseInt(string(arg), 10, 64); err != nil {
			return wire.Invalid(wire.CodeClient, errBadFormat)
		}
	}
	return req
}

// trailingNoReply accepts exactly fixed arguments, optionally followed by
// "noreply".
func trailingNoReply(args [][]byte, fixed int) (noreply bool, ok bool) {
	switch len(args) {
	case fixed:
		return false, true
	case fixed + 1:
		return string(args[fixed]) == noreplyToken, string(args[fixed]) == noreplyToken
	}
	return false, false
}

func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= wire.MaxKeyLength
}

func validKeys(keys [][]byte) bool {
	for _, k := range keys {
		if !validKey(k) {
			return false
		}
	}
	return true
}
