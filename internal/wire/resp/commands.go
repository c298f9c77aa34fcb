package resp

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	errSyntax        = "syntax error"
	errNotInteger    = "value is not an integer or out of range"
	errDBOutOfRange  = "DB index is out of range"
	maxUnknownArgLen = 128
)

// arity is the Redis command arity: positive means exact, negative means
// at least the absolute value. The command name counts.
var arity = map[string]int{
	"get":      2,
	"set":      -3,
	"setex":    4,
	"psetex":   4,
	"setnx":    3,
	"mget":     -2,
	"del":      -2,
	"unlink":   -2,
	"exists":   -2,
	"expire":   3,
	"pexpire":  3,
	"incr":     2,
	"decr":     2,
	"incrby":   3,
	"decrby":   3,
	"ping":     -1,
	"echo":     2,
	"quit":     -1,
	"flushdb":  -1,
	"flushall": -1,
	"command":  -1,
	"select":   2,
	"info":     -1,

	"hset":        -4,
	"hmset":       -4,
	"hget":        3,
	"hmget":       -3,
	"hexists":     3,
	"hgetall":     2,
	"hkeys":       2,
	"hvals":       2,
	"hlen":        2,
	"hdel":        -3,
	"hincrby":     4,
	"lpush":       -3,
	"rpush":       -3,
	"lpop":        -2,
	"rpop":        -2,
	"lrange":      4,
	"lindex":      3,
	"llen":        2,
	"sadd":        -3,
	"srem":        -3,
	"smembers":    2,
	"sismember":   3,
	"scard":       2,
	"sinter":      -2,
	"sunion":      -2,
	"sdiff":       -2,
	"zadd":        -4,
	"zincrby":     4,
	"zrem":        -3,
	"zscore":      3,
	"zmscore":     -3,
	"zrank":       3,
	"zrevrank":    3,
	"zrange":      -4,
	"zcount":      4,
	"zcard":       2,
	"zunionstore": -4,
}

func parseCommand(args [][]byte) *wire.Request {
	name := strings.ToLower(string(args[0]))

	want, known := arity[name]
	if !known {
		return wire.Invalid(wire.CodeUnknownCommand, "%s", unknownCommandMessage(args))
	}
	if (want > 0 && len(args) != want) || (want < 0 && len(args) < -want) {
		return invalid("wrong number of arguments for '%s' command", name)
	}

	req := parseKnown(name, args)
	if req.Name == "" {
		req.Name = name
	}
	return req
}

func parseKnown(name string, args [][]byte) *wire.Request {
	switch name {
	case "get":
		return &wire.Request{Command: wire.CmdGet, Keys: args[1:2]}
	case "mget":
		return &wire.Request{Command: wire.CmdGet, Keys: args[1:]}
	case "set":
		return parseSet(args)
	case "setex", "psetex":
		ttl, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return invalid(errNotInteger)
		}
		if ttl <= 0 {
			return invalid("invalid expire time in '%s' command", name)
		}
		unit := wire.TTLSeconds
		if name == "psetex" {
			unit = wire.TTLMilliseconds
		}
		return &wire.Request{Command: wire.CmdSet, Key: args[1], Value: args[3], Exptime: ttl, TTLUnit: unit}
	case "setnx":
		return &wire.Request{
			Command:      wire.CmdAdd,
			Key:          args[1],
			Value:        args[2],
			Precondition: wire.PreconditionMustNotExist,
		}
	case "del", "unlink":
		return &wire.Request{Command: wire.CmdDelete, Keys: args[1:]}
	case "exists":
		return &wire.Request{Command: wire.CmdExists, Keys: args[1:]}
	case "expire", "pexpire":
		ttl, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return invalid(errNotInteger)
		}
		unit := wire.TTLSeconds
		if name == "pexpire" {
			unit = wire.TTLMilliseconds
		}
		return &wire.Request{Command: wire.CmdTouch, Key: args[1], Exptime: ttl, TTLUnit: unit}
	case "incr", "decr", "incrby", "decrby":
		return parseCounter(name, args)
	case "ping":
		if len(args) > 2 {
			return invalid("wrong number of arguments for 'ping' command")
		}
		req := &wire.Request{Command: wire.CmdPing}
		if len(args) == 2 {
			req.Value = args[1]
		}
		return req
	case "echo":
		return &wire.Request{Command: wire.CmdEcho, Value: args[1]}
	case "quit":
		return &wire.Request{Command: wire.CmdQuit}
	case "flushdb", "flushall":
		return &wire.Request{Command: wire.CmdFlush}
	case "command":
		return &wire.Request{Command: wire.CmdCommandDocs}
	case "select":
		db, err := strconv.Atoi(string(args[1]))
		if err != nil {
			return invalid(errNotInteger)
		}
		if db != 0 {
			return invalid(errDBOutOfRange)
		}
		return &wire.Request{Command: wire.CmdSelect}
	case "info":
		return &wire.Request{Command: wire.CmdStats}
	}
	if req := parseCollection(name, args); req != nil {
		return req
	}
	return wire.Invalid(wire.CodeUnknownCommand, "%s", unknownCommandMessage(args))
}

// parseSet handles SET key value [NX|XX] [EX seconds|PX milliseconds].
func parseSet(args [][]byte) *wire.Request {
	req := &wire.Request{Command: wire.CmdSet, Key: args[1], Value: args[2]}

	for i := 3; i < len(args); i++ {
		opt := strings.ToUpper(string(args[i]))
		switch opt {
		case "NX", "XX":
			if req.Precondition != wire.PreconditionNone {
				return invalid(errSyntax)
			}
			req.Precondition = wire.PreconditionMustNotExist
			if opt == "XX" {
				req.Precondition = wire.PreconditionMustExist
			}
		case "EX", "PX":
			if req.TTLUnit != wire.TTLDefault || i+1 >= len(args) {
				return invalid(errSyntax)
			}
			i++
			ttl, err := strconv.ParseInt(string(args[i]), 10, 64)
			if err != nil {
				return invalid(errNotInteger)
			}
			if ttl <= 0 {
				return invalid("invalid expire time in 'set' command")
			}
			req.Exptime = ttl
			req.TTLUnit = wire.TTLSeconds
			if opt == "PX" {
				req.TTLUnit = wire.TTLMilliseconds
			}
		default:
			return invalid(errSyntax)
		}
	}

	return req
}

func parseCounter(name string, args [][]byte) *wire.Request {
	delta := int64(1)
	if len(args) == 3 {
		d, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return invalid(errNotInteger)
		}
		delta = d
	}

	decrement := name == "decr" || name == "decrby"
	if decrement {
		if delta == math.MinInt64 {
			return invalid("decrement would overflow")
		}
		delta = -delta
	}

	req := &wire.Request{Command: wire.CmdIncr, Key: args[1], Signed: true}
	if delta < 0 {
		req.Command = wire.CmdDecr
		req.Delta = uint64(-delta)
	} else {
		req.Delta = uint64(delta)
	}
	return req
}

func invalid(format string, args ...any) *wire.Request {
	return wire.Invalid(wire.CodeInvalidArguments, format, args...)
}

func unknownCommandMessage(args [][]byte) string {
	var b strings.Builder
	b.WriteString("unknown command '")
	b.Write(truncate(args[0]))
	b.WriteString("', with args beginning with: ")
	for _, a := range args[1:] {
		b.WriteByte('\'')
		b.Write(truncate(a))
		b.WriteString("' ")
	}
	return b.String()
}

func truncate(b []byte) []byte {
	if len(b) > maxUnknownArgLen {
		b = b[:maxUnknownArgLen]
	}
	return bytes.ReplaceAll(b, []byte{'\n'}, []byte{' '})
}
