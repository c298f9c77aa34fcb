package memory

import (
	"bytes"
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/pior/cacheproxy/internal/backend"
)

var _ backend.Collections = (*conn)(nil)

var (
	errWrongType    = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	errHashNotInt   = errors.New("hash value is not an integer")
	errIntOverflow  = errors.New("increment or decrement would overflow")
	errScoreIsNaN   = errors.New("resulting score is not a number (NaN)")
	errNegativeSpan = errors.New("value is out of range, must be positive")
)

func wrongType(op string) error {
	return &backend.Error{Kind: backend.KindWrongType, Op: op, Err: errWrongType}
}

func rejected(op string, err error) error {
	return &backend.Error{Kind: backend.KindInvalidArgument, Op: op, Err: err}
}

// hashValue keeps fields in insertion order.
type hashValue struct {
	fields []string
	values map[string][]byte
}

func (h *hashValue) set(field string, value []byte) bool {
	_, exists := h.values[field]
	if !exists {
		h.fields = append(h.fields, field)
	}
	h.values[field] = value
	return !exists
}

func (h *hashValue) delete(field string) bool {
	if _, ok := h.values[field]; !ok {
		return false
	}
	delete(h.values, field)
	h.fields = slices.DeleteFunc(h.fields, func(f string) bool { return f == field })
	return true
}

func newItem(kind valueKind) *item {
	it := &item{kind: kind}
	switch kind {
	case kindHash:
		it.hash = &hashValue{values: map[string][]byte{}}
	case kindList:
		it.list = deque.NewDeque[[]byte]()
	case kindSet:
		it.set = map[string]struct{}{}
	case kindSortedSet:
		it.zset = map[string]float64{}
	}
	return it
}

func (it *item) size() int {
	switch it.kind {
	case kindHash:
		return len(it.hash.fields)
	case kindList:
		return it.list.Len()
	case kindSet:
		return len(it.set)
	case kindSortedSet:
		return len(it.zset)
	}
	return len(it.value)
}

// update runs fn on the collection at key, created empty when missing. A
// positive ttl refreshes the expiry. A collection left empty is deleted.
func (c *conn) update(ctx context.Context, op, namespace string, key []byte, kind valueKind, ttl time.Duration, fn func(*item) error) error {
	if err := c.check(ctx, op, namespace); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	it, found := s.lookup(namespace, key)
	if found && it.kind != kind {
		return wrongType(op)
	}
	if !found {
		it = newItem(kind)
	}

	if err := fn(it); err != nil {
		return err
	}

	if it.size() == 0 {
		if found {
			delete(s.items[namespace], string(key))
		}
		return nil
	}
	if ttl > 0 {
		it.expireAt = s.opts.Now().Add(ttl)
	}
	if !found {
		s.store(namespace, key, it)
	}
	return nil
}

// view runs fn on the collection at key, or on nil when key is missing.
func (c *conn) view(ctx context.Context, op, namespace string, key []byte, kind valueKind, fn func(*item)) error {
	if err := c.check(ctx, op, namespace); err != nil {
		return err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	it, found := s.lookup(namespace, key)
	if !found {
		fn(nil)
		return nil
	}
	if it.kind != kind {
		return wrongType(op)
	}
	fn(it)
	return nil
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

func (c *conn) HashSet(ctx context.Context, namespace string, key []byte, fields []backend.FieldValue, ttl time.Duration) (int64, error) {
	for _, fv := range fields {
		if err := c.store.checkSize("hset", fv.Value); err != nil {
			return 0, err
		}
	}

	var added int64
	err := c.update(ctx, "hset", namespace, key, kindHash, ttl, func(it *item) error {
		for _, fv := range fields {
			if it.hash.set(string(fv.Field), clone(fv.Value)) {
				added++
			}
		}
		return nil
	})
	return added, err
}

func (c *conn) HashGet(ctx context.Context, namespace string, key []byte, fields [][]byte) ([][]byte, error) {
	values := make([][]byte, len(fields))
	err := c.view(ctx, "hget", namespace, key, kindHash, func(it *item) {
		if it == nil {
			return
		}
		for i, f := range fields {
			if v, ok := it.hash.values[string(f)]; ok {
				values[i] = clone(v)
			}
		}
	})
	return values, err
}

func (c *conn) HashGetAll(ctx context.Context, namespace string, key []byte) ([]backend.FieldValue, error) {
	var fields []backend.FieldValue
	err := c.view(ctx, "hgetall", namespace, key, kindHash, func(it *item) {
		if it == nil {
			return
		}
		fields = make([]backend.FieldValue, 0, len(it.hash.fields))
		for _, f := range it.hash.fields {
			fields = append(fields, backend.FieldValue{Field: []byte(f), Value: clone(it.hash.values[f])})
		}
	})
	return fields, err
}

func (c *conn) HashDelete(ctx context.Context, namespace string, key []byte, fields [][]byte) (int64, error) {
	var removed int64
	err := c.update(ctx, "hdel", namespace, key, kindHash, 0, func(it *item) error {
		for _, f := range fields {
			if it.hash.delete(string(f)) {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (c *conn) HashIncrBy(ctx context.Context, namespace string, key, field []byte, delta int64, ttl time.Duration) (int64, error) {
	var result int64
	err := c.update(ctx, "hincrby", namespace, key, kindHash, ttl, func(it *item) error {
		var current int64
		if v, ok := it.hash.values[string(field)]; ok {
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return rejected("hincrby", errHashNotInt)
			}
			current = n
		}
		if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
			return rejected("hincrby", errIntOverflow)
		}
		result = current + delta
		it.hash.set(string(field), strconv.AppendInt(nil, result, 10))
		return nil
	})
	return result, err
}

func (c *conn) ListPush(ctx context.Context, namespace string, key []byte, values [][]byte, front bool, ttl time.Duration) (int64, error) {
	if err := c.store.checkSize("push", values...); err != nil {
		return 0, err
	}

	var length int64
	err := c.update(ctx, "push", namespace, key, kindList, ttl, func(it *item) error {
		for _, v := range values {
			if front {
				it.list.PushFront(clone(v))
			} else {
				it.list.PushBack(clone(v))
			}
		}
		length = int64(it.list.Len())
		return nil
	})
	return length, err
}

func (c *conn) ListPop(ctx context.Context, namespace string, key []byte, count int64, front bool) ([][]byte, error) {
	if count < 0 {
		return nil, rejected("pop", errNegativeSpan)
	}

	var popped [][]byte
	err := c.update(ctx, "pop", namespace, key, kindList, 0, func(it *item) error {
		if it.list.Len() == 0 {
			return nil
		}
		popped = [][]byte{}
		for ; count > 0 && it.list.Len() > 0; count-- {
			if front {
				popped = append(popped, it.list.PopFront())
			} else {
				popped = append(popped, it.list.PopBack())
			}
		}
		return nil
	})
	return popped, err
}

func (c *conn) ListRange(ctx context.Context, namespace string, key []byte, start, stop int64) ([][]byte, error) {
	values := [][]byte{}
	err := c.view(ctx, "lrange", namespace, key, kindList, func(it *item) {
		if it == nil {
			return
		}
		lo, hi, ok := backend.RangeBounds(start, stop, it.list.Len())
		if !ok {
			return
		}
		for i := lo; i <= hi; i++ {
			values = append(values, clone(it.list.Peek(i)))
		}
	})
	return values, err
}

func (c *conn) ListLength(ctx context.Context, namespace string, key []byte) (int64, error) {
	var length int64
	err := c.view(ctx, "llen", namespace, key, kindList, func(it *item) {
		if it != nil {
			length = int64(it.list.Len())
		}
	})
	return length, err
}

func (c *conn) SetAdd(ctx context.Context, namespace string, key []byte, members [][]byte, ttl time.Duration) (int64, error) {
	if err := c.store.checkSize("sadd", members...); err != nil {
		return 0, err
	}

	var added int64
	err := c.update(ctx, "sadd", namespace, key, kindSet, ttl, func(it *item) error {
		for _, m := range members {
			if _, ok := it.set[string(m)]; !ok {
				it.set[string(m)] = struct{}{}
				added++
			}
		}
		return nil
	})
	return added, err
}

func (c *conn) SetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error) {
	var removed int64
	err := c.update(ctx, "srem", namespace, key, kindSet, 0, func(it *item) error {
		for _, m := range members {
			if _, ok := it.set[string(m)]; ok {
				delete(it.set, string(m))
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// SetMembers returns the members in byte order.
func (c *conn) SetMembers(ctx context.Context, namespace string, key []byte) ([][]byte, error) {
	members := [][]byte{}
	err := c.view(ctx, "smembers", namespace, key, kindSet, func(it *item) {
		if it == nil {
			return
		}
		for m := range it.set {
			members = append(members, []byte(m))
		}
	})
	slices.SortFunc(members, bytes.Compare)
	return members, err
}

func (c *conn) SortedSetAdd(ctx context.Context, namespace string, key []byte, members []backend.ScoredMember, ttl time.Duration) (int64, error) {
	if err := c.store.checkSize("zadd", memberBytes(members)...); err != nil {
		return 0, err
	}

	var added int64
	err := c.update(ctx, "zadd", namespace, key, kindSortedSet, ttl, func(it *item) error {
		for _, m := range members {
			if _, ok := it.zset[string(m.Member)]; !ok {
				added++
			}
			it.zset[string(m.Member)] = m.Score
		}
		return nil
	})
	return added, err
}

func (c *conn) SortedSetIncrBy(ctx context.Context, namespace string, key, member []byte, delta float64, ttl time.Duration) (float64, error) {
	var score float64
	err := c.update(ctx, "zincrby", namespace, key, kindSortedSet, ttl, func(it *item) error {
		next := it.zset[string(member)] + delta
		if math.IsNaN(next) {
			return rejected("zincrby", errScoreIsNaN)
		}
		it.zset[string(member)] = next
		score = next
		return nil
	})
	return score, err
}

func (c *conn) SortedSetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error) {
	var removed int64
	err := c.update(ctx, "zrem", namespace, key, kindSortedSet, 0, func(it *item) error {
		for _, m := range members {
			if _, ok := it.zset[string(m)]; ok {
				delete(it.zset, string(m))
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (c *conn) SortedSetRange(ctx context.Context, namespace string, key []byte) ([]backend.ScoredMember, error) {
	members := []backend.ScoredMember{}
	err := c.view(ctx, "zrange", namespace, key, kindSortedSet, func(it *item) {
		if it == nil {
			return
		}
		for m, score := range it.zset {
			members = append(members, backend.ScoredMember{Member: []byte(m), Score: score})
		}
	})
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return bytes.Compare(members[i].Member, members[j].Member) < 0
	})
	return members, err
}

func memberBytes(members []backend.ScoredMember) [][]byte {
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out
}
