package resp

import (
	"math"
	"strconv"
	"strings"

	"github.com/pior/cacheproxy/internal/wire"
)

const (
	errNotFloat      = "value is not a valid float"
	errBoundNotFloat = "min or max is not a float"
	errNotPositive   = "value is out of range, must be positive"
	errLimitNoScore  = "syntax error, LIMIT is only supported in combination with either BYSCORE or BYLEX"
)

// parseCollection decodes hash, list, set and sorted set verbs. It returns
// nil for any other name.
func parseCollection(name string, args [][]byte) *wire.Request {
	switch name {
	case "hset", "hmset":
		if len(args)%2 != 0 {
			return invalid("wrong number of arguments for '%s' command", name)
		}
		req := &wire.Request{Command: wire.CmdHashSet, Key: args[1]}
		for i := 2; i < len(args); i += 2 {
			req.Members = append(req.Members, args[i])
			req.MemberValues = append(req.MemberValues, args[i+1])
		}
		return req
	case "hget":
		return &wire.Request{Command: wire.CmdHashGet, Key: args[1], Members: args[2:3]}
	case "hmget":
		return &wire.Request{Command: wire.CmdHashMultiGet, Key: args[1], Members: args[2:]}
	case "hexists":
		return &wire.Request{Command: wire.CmdHashExists, Key: args[1], Members: args[2:3]}
	case "hgetall":
		return &wire.Request{Command: wire.CmdHashGetAll, Key: args[1]}
	case "hkeys":
		return &wire.Request{Command: wire.CmdHashKeys, Key: args[1]}
	case "hvals":
		return &wire.Request{Command: wire.CmdHashValues, Key: args[1]}
	case "hlen":
		return &wire.Request{Command: wire.CmdHashLength, Key: args[1]}
	case "hdel":
		return &wire.Request{Command: wire.CmdHashDelete, Key: args[1], Members: args[2:]}
	case "hincrby":
		delta, err := strconv.ParseInt(string(args[3]), 10, 64)
		if err != nil {
			return invalid(errNotInteger)
		}
		return &wire.Request{Command: wire.CmdHashIncrBy, Key: args[1], Members: args[2:3], IncrBy: delta}

	case "lpush", "rpush":
		return &wire.Request{Command: wire.CmdListPush, Key: args[1], Members: args[2:], Front: name == "lpush"}
	case "lpop", "rpop":
		if len(args) > 3 {
			return invalid("wrong number of arguments for '%s' command", name)
		}
		req := &wire.Request{Command: wire.CmdListPop, Key: args[1], Front: name == "lpop", Count: 1}
		if len(args) == 3 {
			count, err := strconv.ParseInt(string(args[2]), 10, 64)
			if err != nil || count < 0 {
				return invalid(errNotPositive)
			}
			req.Count = count
			req.HasCount = true
		}
		return req
	case "lrange":
		start, err1 := strconv.ParseInt(string(args[2]), 10, 64)
		stop, err2 := strconv.ParseInt(string(args[3]), 10, 64)
		if err1 != nil || err2 != nil {
			return invalid(errNotInteger)
		}
		return &wire.Request{Command: wire.CmdListRange, Key: args[1], Start: start, Stop: stop}
	case "lindex":
		index, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return invalid(errNotInteger)
		}
		return &wire.Request{Command: wire.CmdListIndex, Key: args[1], Start: index}
	case "llen":
		return &wire.Request{Command: wire.CmdListLength, Key: args[1]}

	case "sadd":
		return &wire.Request{Command: wire.CmdSetAdd, Key: args[1], Members: args[2:]}
	case "srem":
		return &wire.Request{Command: wire.CmdSetRemove, Key: args[1], Members: args[2:]}
	case "smembers":
		return &wire.Request{Command: wire.CmdSetMembers, Key: args[1]}
	case "sismember":
		return &wire.Request{Command: wire.CmdSetIsMember, Key: args[1], Members: args[2:3]}
	case "scard":
		return &wire.Request{Command: wire.CmdSetCardinality, Key: args[1]}
	case "sinter":
		return &wire.Request{Command: wire.CmdSetIntersect, Keys: args[1:]}
	case "sunion":
		return &wire.Request{Command: wire.CmdSetUnion, Keys: args[1:]}
	case "sdiff":
		return &wire.Request{Command: wire.CmdSetDiff, Keys: args[1:]}

	case "zadd":
		return parseSortedSetAdd(args)
	case "zincrby":
		delta, ok := parseScore(args[2])
		if !ok {
			return invalid(errNotFloat)
		}
		return &wire.Request{Command: wire.CmdSortedSetIncrBy, Key: args[1], Members: args[3:4], IncrByScore: delta}
	case "zrem":
		return &wire.Request{Command: wire.CmdSortedSetRemove, Key: args[1], Members: args[2:]}
	case "zscore":
		return &wire.Request{Command: wire.CmdSortedSetScore, Key: args[1], Members: args[2:3]}
	case "zmscore":
		return &wire.Request{Command: wire.CmdSortedSetMultiScore, Key: args[1], Members: args[2:]}
	case "zrank", "zrevrank":
		return &wire.Request{Command: wire.CmdSortedSetRank, Key: args[1], Members: args[2:3], Rev: name == "zrevrank"}
	case "zrange":
		return parseSortedSetRange(args)
	case "zcount":
		lo, ok1 := parseBound(args[2])
		hi, ok2 := parseBound(args[3])
		if !ok1 || !ok2 {
			return invalid(errBoundNotFloat)
		}
		return &wire.Request{Command: wire.CmdSortedSetCount, Key: args[1], ByScore: true, Min: lo, Max: hi}
	case "zcard":
		return &wire.Request{Command: wire.CmdSortedSetCardinality, Key: args[1]}
	case "zunionstore":
		return parseSortedSetUnion(args)
	}
	return nil
}

// parseSortedSetAdd handles ZADD key [NX|XX] [CH] score member [score member ...].
func parseSortedSetAdd(args [][]byte) *wire.Request {
	req := &wire.Request{Command: wire.CmdSortedSetAdd, Key: args[1]}

	i := 2
options:
	for ; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "NX":
			req.OnlyNew = true
		case "XX":
			req.OnlyExisting = true
		case "CH":
			req.Changed = true
		case "GT", "LT", "INCR":
			return wire.Invalid(wire.CodeUnsupported, "ZADD %s is not supported", strings.ToUpper(string(args[i])))
		default:
			break options
		}
	}

	pairs := args[i:]
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return invalid(errSyntax)
	}
	if req.OnlyNew && req.OnlyExisting {
		return invalid("XX and NX options at the same time are not compatible")
	}

	for j := 0; j < len(pairs); j += 2 {
		score, ok := parseScore(pairs[j])
		if !ok {
			return invalid(errNotFloat)
		}
		req.Scores = append(req.Scores, score)
		req.Members = append(req.Members, pairs[j+1])
	}
	return req
}

// parseSortedSetRange handles ZRANGE key start stop [BYSCORE] [REV]
// [LIMIT offset count] [WITHSCORES].
func parseSortedSetRange(args [][]byte) *wire.Request {
	req := &wire.Request{Command: wire.CmdSortedSetRange, Key: args[1], Limit: -1}
	hasLimit := false

	for i := 4; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "BYSCORE":
			req.ByScore = true
		case "REV":
			req.Rev = true
		case "WITHSCORES":
			req.WithScores = true
		case "LIMIT":
			if i+2 >= len(args) {
				return invalid(errSyntax)
			}
			offset, err1 := strconv.ParseInt(string(args[i+1]), 10, 64)
			limit, err2 := strconv.ParseInt(string(args[i+2]), 10, 64)
			if err1 != nil || err2 != nil {
				return invalid(errNotInteger)
			}
			req.Offset, req.Limit = offset, limit
			hasLimit = true
			i += 2
		case "BYLEX":
			return wire.Invalid(wire.CodeUnsupported, "ZRANGE BYLEX is not supported")
		default:
			return invalid(errSyntax)
		}
	}

	if hasLimit && !req.ByScore {
		return invalid(errLimitNoScore)
	}

	if !req.ByScore {
		start, err1 := strconv.ParseInt(string(args[2]), 10, 64)
		stop, err2 := strconv.ParseInt(string(args[3]), 10, 64)
		if err1 != nil || err2 != nil {
			return invalid(errNotInteger)
		}
		req.Start, req.Stop = start, stop
		return req
	}

	// With REV the range is given from max to min.
	first, ok1 := parseBound(args[2])
	second, ok2 := parseBound(args[3])
	if !ok1 || !ok2 {
		return invalid(errBoundNotFloat)
	}
	req.Min, req.Max = first, second
	if req.Rev {
		req.Min, req.Max = second, first
	}
	return req
}

// parseSortedSetUnion handles ZUNIONSTORE destination numkeys key [key ...]
// [WEIGHTS weight ...] [AGGREGATE SUM|MIN|MAX].
func parseSortedSetUnion(args [][]byte) *wire.Request {
	n, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return invalid(errNotInteger)
	}
	if n < 1 {
		return invalid("at least 1 input key is needed for 'zunionstore' command")
	}
	if n > len(args)-3 {
		return invalid(errSyntax)
	}

	req := &wire.Request{Command: wire.CmdSortedSetUnionStore, Key: args[1], Keys: args[3 : 3+n]}
	for i := 3 + n; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "WEIGHTS":
			if req.Weights != nil || i+n >= len(args) {
				return invalid(errSyntax)
			}
			req.Weights = make([]float64, n)
			for j := range n {
				w, ok := parseScore(args[i+1+j])
				if !ok {
					return invalid("weight value is not a float")
				}
				req.Weights[j] = w
			}
			i += n
		case "AGGREGATE":
			if i+1 >= len(args) {
				return invalid(errSyntax)
			}
			i++
			switch strings.ToUpper(string(args[i])) {
			case "SUM":
				req.Aggregate = wire.AggregateSum
			case "MIN":
				req.Aggregate = wire.AggregateMin
			case "MAX":
				req.Aggregate = wire.AggregateMax
			default:
				return invalid(errSyntax)
			}
		default:
			return invalid(errSyntax)
		}
	}
	return req
}

// parseScore accepts what Redis accepts as a score, including inf and -inf.
func parseScore(b []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// parseBound reads a score range end; a leading '(' makes it exclusive.
func parseBound(b []byte) (wire.ScoreBound, bool) {
	var bound wire.ScoreBound
	if len(b) > 0 && b[0] == '(' {
		bound.Exclusive = true
		b = b[1:]
	}
	score, ok := parseScore(b)
	if !ok {
		return wire.ScoreBound{}, false
	}
	bound.Score = score
	return bound, true
}
