package translate

import (
	"context"
	"math"
	"strconv"

	"github.com/pior/cacheproxy/internal/wire"
)

// arithmetic implements incr and decr.
//
// Memcache counters are unsigned 64-bit: incr wraps, decr stops at 0 and a
// missing key is NOT_FOUND unless the binary request asks for auto-creation.
// RESP counters are signed 64-bit: overflow is an error and a missing key
// counts from 0.
func (t *Translator) arithmetic(ctx context.Context, req *wire.Request) *wire.Response {
	current, found, err := t.read(ctx, req.Key)
	if err != nil {
		return t.backendError(req, err)
	}

	if req.Signed {
		return t.signedArithmetic(ctx, req, current, found)
	}

	ttl := t.cfg.DefaultTTL
	if !found {
		if !req.AutoCreate {
			return wire.NotFound()
		}
		var werr *wire.Error
		if ttl, werr = t.backendTTL(req); werr != nil {
			return &wire.Response{Kind: wire.KindError, Err: werr}
		}
		if err := t.write(ctx, req.Key, item{data: strconv.AppendUint(nil, req.Initial, 10)}, ttl); err != nil {
			return t.backendError(req, err)
		}
		return wire.Number(req.Initial)
	}

	n, perr := strconv.ParseUint(string(current.data), 10, 64)
	if perr != nil {
		return wire.Errorf(wire.CodeNonNumeric, "cannot increment or decrement non-numeric value")
	}

	if req.Command == wire.CmdIncr {
		n += req.Delta
	} else if req.Delta > n {
		n = 0
	} else {
		n -= req.Delta
	}

	current.data = strconv.AppendUint(nil, n, 10)
	if err := t.write(ctx, req.Key, current, ttl); err != nil {
		return t.backendError(req, err)
	}
	return wire.Number(n)
}

func (t *Translator) signedArithmetic(ctx context.Context, req *wire.Request, current item, found bool) *wire.Response {
	var n int64
	if found {
		var perr error
		n, perr = strconv.ParseInt(string(current.data), 10, 64)
		if perr != nil {
			return wire.Errorf(wire.CodeInvalidArguments, "value is not an integer or out of range")
		}
	}

	if req.Delta > math.MaxInt64 && !(req.Command == wire.CmdDecr && req.Delta == 1<<63) {
		return wire.Errorf(wire.CodeInvalidArguments, "increment or decrement would overflow")
	}

	var overflow bool
	if req.Command == wire.CmdIncr {
		delta := int64(req.Delta)
		overflow = n > math.MaxInt64-delta
		n += delta
	} else {
		// Delta may be 1<<63, which only fits as a negative int64.
		delta := -int64(req.Delta)
		overflow = n < math.MinInt64-delta
		n += delta
	}
	if overflow {
		return wire.Errorf(wire.CodeInvalidArguments, "increment or decrement would overflow")
	}

	current.data = strconv.AppendInt(nil, n, 10)
	if err := t.write(ctx, req.Key, current, t.cfg.DefaultTTL); err != nil {
		return t.backendError(req, err)
	}
	return wire.Integer(n)
}
