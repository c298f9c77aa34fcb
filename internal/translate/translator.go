// Package translate turns decoded client requests into namespaced backend
// calls and the outcomes back into responses.
//
// The backend only offers Get, Set and Delete. Every other verb is built on
// top of them as a read-modify-write, so preconditions (add, replace, cas),
// append/prepend, incr/decr and touch are not atomic: a concurrent writer on
// another connection or proxy can interleave between the read and the write.
// Hash, list, set and sorted set verbs need a backend that also implements
// backend.Collections.
package translate

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/pior/cacheproxy/internal/backend"
	"github.com/pior/cacheproxy/internal/localcache"
	"github.com/pior/cacheproxy/internal/wire"
)

const flagsLen = 4

// Backend is the subset of backend.Client the translator calls.
type Backend interface {
	Get(ctx context.Context, namespace string, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, namespace string, key, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, namespace string, key []byte) (bool, error)
}

// Config is the per-route translation policy.
type Config struct {
	Route      string
	Namespace  string
	DefaultTTL time.Duration

	// Flags stores the 4-byte client flags in front of every value.
	Flags bool

	// Concurrency bounds the backend calls of one multi-key request.
	Concurrency int

	Version string

	// ExtraStats appends route-level figures, such as pool stats, to the
	// stats verb.
	ExtraStats func() []wire.Stat

	Logger *slog.Logger
	Now    func() time.Time
}

type Translator struct {
	cfg     Config
	backend Backend
	colls   backend.Collections
	cache   *localcache.Cache
	stats   *Stats
}

// New returns a translator. cache may be nil. Collection verbs are served
// when b implements backend.Collections.
func New(cfg Config, b Backend, cache *localcache.Cache) *Translator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	t := &Translator{cfg: cfg, backend: b, cache: cache, stats: newStats()}
	t.colls, _ = b.(backend.Collections)
	return t
}

func (t *Translator) Stats() *Stats {
	return t.stats
}

// Execute runs one request. It never returns nil.
func (t *Translator) Execute(ctx context.Context, req *wire.Request) *wire.Response {
	t.stats.recordCommand(req.Command)

	resp := t.execute(ctx, req)
	if resp.Kind == wire.KindError && resp.Err.IsClient() {
		t.stats.clientErrors.Add(1)
	}
	return resp
}

func (t *Translator) execute(ctx context.Context, req *wire.Request) *wire.Response {
	switch req.Command {
	case wire.CmdInvalid:
		return &wire.Response{Kind: wire.KindError, Err: req.Invalid}
	case wire.CmdUnknown:
		return wire.Errorf(wire.CodeUnknownCommand, "unknown command '%s'", req.Name)
	case wire.CmdGet, wire.CmdGets:
		return t.get(ctx, req)
	case wire.CmdGetAndTouch:
		return t.getAndTouch(ctx, req)
	case wire.CmdSet, wire.CmdAdd, wire.CmdReplace, wire.CmdCAS:
		return t.store(ctx, req)
	case wire.CmdAppend, wire.CmdPrepend:
		return t.concat(ctx, req)
	case wire.CmdDelete:
		return t.delete(ctx, req)
	case wire.CmdIncr, wire.CmdDecr:
		return t.arithmetic(ctx, req)
	case wire.CmdTouch:
		return t.touch(ctx, req)
	case wire.CmdExists:
		return t.exists(ctx, req)
	case wire.CmdFlush:
		t.cache.Clear()
		return wire.Errorf(wire.CodeUnsupported, "flush is not supported by the backend")
	case wire.CmdNoop, wire.CmdVerbosity, wire.CmdSelect:
		return wire.OK()
	case wire.CmdQuit:
		return wire.Close()
	case wire.CmdStats:
		return t.statsResponse()
	case wire.CmdVersion:
		return wire.Version(t.cfg.Version)
	case wire.CmdPing:
		return wire.Pong()
	case wire.CmdEcho:
		return wire.Text(string(req.Value))
	case wire.CmdCommandDocs:
		return &wire.Response{Kind: wire.KindValues}
	}
	if req.Command.IsCollection() {
		return t.collection(ctx, req)
	}
	return wire.Errorf(wire.CodeUnknownCommand, "unknown command")
}

// item is a decoded stored value.
type item struct {
	data  []byte
	flags uint32
	cas   uint64
}

// frame builds the bytes stored in the backend.
func (t *Translator) frame(flags uint32, data []byte) []byte {
	if !t.cfg.Flags {
		return data
	}
	stored := make([]byte, flagsLen+len(data))
	binary.BigEndian.PutUint32(stored, flags)
	copy(stored[flagsLen:], data)
	return stored
}

// unframe decodes stored bytes. A value too short to hold the flags is a miss.
func (t *Translator) unframe(stored []byte) (item, bool) {
	cas := xxh3.Hash(stored)
	if cas == 0 {
		cas = 1
	}
	if !t.cfg.Flags {
		return item{data: stored, cas: cas}, true
	}
	if len(stored) < flagsLen {
		return item{}, false
	}
	return item{
		data:  stored[flagsLen:],
		flags: binary.BigEndian.Uint32(stored),
		cas:   cas,
	}, true
}

// load reads key through the local cache.
func (t *Translator) load(ctx context.Context, key []byte) (item, bool, error) {
	if stored, ok := t.cache.Get(key); ok {
		t.stats.localHits.Add(1)
		it, ok := t.unframe(stored)
		return it, ok, nil
	}

	gen := t.cache.Begin(key)
	stored, found, err := t.backend.Get(ctx, t.cfg.Namespace, key)
	if err != nil || !found {
		return item{}, false, err
	}

	t.cache.Fill(key, stored, gen)
	it, ok := t.unframe(stored)
	return it, ok, nil
}

// read bypasses the local cache; used before writes.
func (t *Translator) read(ctx context.Context, key []byte) (item, bool, error) {
	stored, found, err := t.backend.Get(ctx, t.cfg.Namespace, key)
	if err != nil || !found {
		return item{}, false, err
	}
	it, ok := t.unframe(stored)
	return it, ok, nil
}

func (t *Translator) write(ctx context.Context, key []byte, it item, ttl time.Duration) error {
	defer t.cache.Invalidate(key)
	return t.backend.Set(ctx, t.cfg.Namespace, key, t.frame(it.flags, it.data), ttl)
}

// forEachKey runs fn for every key, concurrently when there are several.
func (t *Translator) forEachKey(ctx context.Context, keys [][]byte, fn func(ctx context.Context, i int, key []byte) error) error {
	if len(keys) == 1 {
		return fn(ctx, 0, keys[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			return fn(gctx, i, key)
		})
	}
	return g.Wait()
}

func (t *Translator) get(ctx context.Context, req *wire.Request) *wire.Response {
	keys := req.AllKeys()
	values := make([]wire.Value, len(keys))

	err := t.forEachKey(ctx, keys, func(ctx context.Context, i int, key []byte) error {
		it, found, err := t.load(ctx, key)
		if err != nil {
			return err
		}
		values[i] = t.value(key, it, found)
		return nil
	})
	if err != nil {
		return t.backendError(req, err)
	}

	return &wire.Response{Kind: wire.KindValues, Values: values}
}

func (t *Translator) value(key []byte, it item, found bool) wire.Value {
	if !found {
		t.stats.getMisses.Add(1)
		return wire.Value{Key: key}
	}
	t.stats.getHits.Add(1)
	return wire.Value{Key: key, Data: it.data, Flags: it.flags, CAS: it.cas, Found: true}
}

// getAndTouch reads every key and re-stores the hits with the new TTL.
func (t *Translator) getAndTouch(ctx context.Context, req *wire.Request) *wire.Response {
	ttl, werr := t.backendTTL(req)
	if werr != nil {
		return &wire.Response{Kind: wire.KindError, Err: werr}
	}

	keys := req.AllKeys()
	values := make([]wire.Value, len(keys))

	err := t.forEachKey(ctx, keys, func(ctx context.Context, i int, key []byte) error {
		it, found, err := t.read(ctx, key)
		if err != nil {
			return err
		}
		if found {
			if err := t.write(ctx, key, it, ttl); err != nil {
				return err
			}
		}
		values[i] = t.value(key, it, found)
		return nil
	})
	if err != nil {
		return t.backendError(req, err)
	}

	return &wire.Response{Kind: wire.KindValues, Values: values}
}

func (t *Translator) store(ctx context.Context, req *wire.Request) *wire.Response {
	ttl, werr := t.backendTTL(req)
	if werr != nil {
		return &wire.Response{Kind: wire.KindError, Err: werr}
	}
	if len(req.Value) == 0 {
		return wire.Errorf(wire.CodeClient, "empty values not supported")
	}

	if req.Command == wire.CmdCAS || req.Precondition != wire.PreconditionNone {
		current, found, err := t.read(ctx, req.Key)
		if err != nil {
			return t.backendError(req, err)
		}

		switch {
		case req.Command == wire.CmdCAS && !found:
			return wire.NotFound()
		case req.Command == wire.CmdCAS && current.cas != req.CAS:
			return wire.Exists()
		case req.Precondition == wire.PreconditionMustNotExist && found:
			return wire.NotStored()
		case req.Precondition == wire.PreconditionMustExist && !found:
			return wire.NotStored()
		}
	}

	if err := t.write(ctx, req.Key, item{data: req.Value, flags: req.Flags}, ttl); err != nil {
		return t.backendError(req, err)
	}
	return wire.Stored()
}

// concat implements append and prepend. The item keeps its flags and gets
// the route default TTL, since the remaining TTL is unknown.
func (t *Translator) concat(ctx context.Context, req *wire.Request) *wire.Response {
	current, found, err := t.read(ctx, req.Key)
	if err != nil {
		return t.backendError(req, err)
	}
	if !found {
		return wire.NotStored()
	}

	data := make([]byte, 0, len(current.data)+len(req.Value))
	if req.Command == wire.CmdAppend {
		data = append(append(data, current.data...), req.Value...)
	} else {
		data = append(append(data, req.Value...), current.data...)
	}

	if err := t.write(ctx, req.Key, item{data: data, flags: current.flags}, t.cfg.DefaultTTL); err != nil {
		return t.backendError(req, err)
	}
	return wire.Stored()
}

// delete answers with the number of keys removed; dialects render it.
func (t *Translator) delete(ctx context.Context, req *wire.Request) *wire.Response {
	keys := req.AllKeys()
	existed := make([]bool, len(keys))

	err := t.forEachKey(ctx, keys, func(ctx context.Context, i int, key []byte) error {
		defer t.cache.Invalidate(key)
		var err error
		existed[i], err = t.backend.Delete(ctx, t.cfg.Namespace, key)
		return err
	})
	if err != nil {
		return t.backendError(req, err)
	}

	var n int64
	for _, ok := range existed {
		if ok {
			n++
		}
	}
	return wire.Integer(n)
}

func (t *Translator) exists(ctx context.Context, req *wire.Request) *wire.Response {
	keys := req.AllKeys()
	found := make([]bool, len(keys))

	err := t.forEachKey(ctx, keys, func(ctx context.Context, i int, key []byte) error {
		var err error
		_, found[i], err = t.load(ctx, key)
		return err
	})
	if err != nil {
		return t.backendError(req, err)
	}

	var n int64
	for _, ok := range found {
		if ok {
			n++
		}
	}
	return wire.Integer(n)
}

// touch re-stores the item with a new TTL. A RESP expiry that is not
// positive deletes the key, as Redis does.
func (t *Translator) touch(ctx context.Context, req *wire.Request) *wire.Response {
	if (req.TTLUnit == wire.TTLSeconds || req.TTLUnit == wire.TTLMilliseconds) && req.Exptime <= 0 {
		resp := t.delete(ctx, req)
		if resp.Kind == wire.KindInteger {
			if resp.Integer > 0 {
				return wire.Touched()
			}
			return wire.NotFound()
		}
		return resp
	}

	ttl, werr := t.backendTTL(req)
	if werr != nil {
		return &wire.Response{Kind: wire.KindError, Err: werr}
	}

	current, found, err := t.read(ctx, req.Key)
	if err != nil {
		return t.backendError(req, err)
	}
	if !found {
		return wire.NotFound()
	}

	if err := t.write(ctx, req.Key, current, ttl); err != nil {
		return t.backendError(req, err)
	}
	return wire.Touched()
}

// backendError maps a failed backend call to an error response. Calls the
// backend refused are client errors; everything else is a server error.
func (t *Translator) backendError(req *wire.Request, err error) *wire.Response {
	t.stats.backendErrors.Add(1)
	t.cfg.Logger.Debug("backend call failed", "route", t.cfg.Route, "command", req.Command.String(), "error", err)

	switch backend.KindOf(err) {
	case backend.KindTimeout:
		return wire.Errorf(wire.CodeTimeout, "backend timeout")
	case backend.KindUnauthenticated:
		return wire.Errorf(wire.CodeUnauthenticated, "backend authentication failed")
	case backend.KindResourceExhausted:
		return wire.Errorf(wire.CodeOutOfMemory, "out of memory storing object")
	case backend.KindNamespaceNotFound:
		return wire.Errorf(wire.CodeNamespaceNotFound, "cache %s not found", t.cfg.Namespace)
	case backend.KindTooLarge:
		return wire.Errorf(wire.CodeTooLarge, "object too large for cache")
	case backend.KindRateLimited:
		return wire.Errorf(wire.CodeBusy, "backend busy, try again later")
	case backend.KindInvalidKey:
		return wire.Errorf(wire.CodeClient, "key too long")
	case backend.KindInvalidArgument:
		return wire.Errorf(wire.CodeInvalidArguments, "%s", rejection(err))
	case backend.KindWrongType:
		return wire.Errorf(wire.CodeWrongType, "Operation against a key holding the wrong kind of value")
	case backend.KindUnsupported:
		return wire.Errorf(wire.CodeUnsupported, "'%s' is not supported by the backend", commandName(req))
	}
	return wire.Errorf(wire.CodeServer, "backend unavailable")
}

// rejection is the reason the backend gave for refusing a call.
func rejection(err error) string {
	var be *backend.Error
	if errors.As(err, &be) && be.Err != nil {
		return strings.TrimPrefix(be.Err.Error(), "ERR ")
	}
	return err.Error()
}
