package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FieldValue is one hash field.
type FieldValue struct {
	Field []byte
	Value []byte
}

// ScoredMember is one sorted set member.
type ScoredMember struct {
	Member []byte
	Score  float64
}

// Collections is implemented by sessions whose backend kind stores hashes,
// lists, sets and sorted sets natively. Writes take a TTL in [MinTTL, MaxTTL]
// that applies to the whole key. Empty collections do not exist: removing
// the last element deletes the key.
//
// Calls on a key holding another type fail with KindWrongType.
type Collections interface {
	// HashSet stores fields and returns how many were new.
	HashSet(ctx context.Context, namespace string, key []byte, fields []FieldValue, ttl time.Duration) (int64, error)
	// HashGet returns the value of each field, nil for missing ones.
	HashGet(ctx context.Context, namespace string, key []byte, fields [][]byte) ([][]byte, error)
	HashGetAll(ctx context.Context, namespace string, key []byte) ([]FieldValue, error)
	HashDelete(ctx context.Context, namespace string, key []byte, fields [][]byte) (int64, error)
	// HashIncrBy adds delta to an integer field, creating it at 0.
	HashIncrBy(ctx context.Context, namespace string, key, field []byte, delta int64, ttl time.Duration) (int64, error)

	// ListPush adds values at the head (front) or the tail and returns the
	// new length.
	ListPush(ctx context.Context, namespace string, key []byte, values [][]byte, front bool, ttl time.Duration) (int64, error)
	// ListPop removes up to count values. It returns nil when key is missing.
	ListPop(ctx context.Context, namespace string, key []byte, count int64, front bool) ([][]byte, error)
	// ListRange returns the values between two inclusive indexes, see RangeBounds.
	ListRange(ctx context.Context, namespace string, key []byte, start, stop int64) ([][]byte, error)
	ListLength(ctx context.Context, namespace string, key []byte) (int64, error)

	SetAdd(ctx context.Context, namespace string, key []byte, members [][]byte, ttl time.Duration) (int64, error)
	SetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error)
	SetMembers(ctx context.Context, namespace string, key []byte) ([][]byte, error)

	// SortedSetAdd stores members with their scores and returns how many
	// were new.
	SortedSetAdd(ctx context.Context, namespace string, key []byte, members []ScoredMember, ttl time.Duration) (int64, error)
	SortedSetIncrBy(ctx context.Context, namespace string, key, member []byte, delta float64, ttl time.Duration) (float64, error)
	SortedSetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error)
	// SortedSetRange returns every member ordered by score, then by member.
	SortedSetRange(ctx context.Context, namespace string, key []byte) ([]ScoredMember, error)
}

// RangeBounds resolves inclusive start and stop indexes over n elements.
// Negative indexes count from the end and out-of-range ones are clamped.
// ok is false when the range is empty.
func RangeBounds(start, stop int64, n int) (lo, hi int, ok bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop), true
}

var errNoCollections = errors.New("collections are not supported by this backend kind")

var _ Collections = (*Client)(nil)

func checkTTL(op string, ttl time.Duration) error {
	if ttl < MinTTL || ttl > MaxTTL {
		return &Error{Kind: KindInvalidArgument, Op: op, Err: fmt.Errorf("ttl %s out of range", ttl)}
	}
	return nil
}

// collect runs fn on a session of the endpoint owning key, if its kind
// stores collections.
func collect[T any](ctx context.Context, c *Client, op string, key []byte, fn func(context.Context, Collections) (T, error)) (T, error) {
	var result T
	err := c.call(ctx, op, key, func(ctx context.Context, conn Conn) error {
		coll, ok := conn.(Collections)
		if !ok {
			return &Error{Kind: KindUnsupported, Op: op, Err: errNoCollections}
		}
		var err error
		result, err = fn(ctx, coll)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	c.stats.recordCollection()
	return result, nil
}

func (c *Client) HashSet(ctx context.Context, namespace string, key []byte, fields []FieldValue, ttl time.Duration) (int64, error) {
	if err := checkTTL("hset", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "hset", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.HashSet(ctx, namespace, key, fields, ttl)
	})
}

func (c *Client) HashGet(ctx context.Context, namespace string, key []byte, fields [][]byte) ([][]byte, error) {
	return collect(ctx, c, "hget", key, func(ctx context.Context, coll Collections) ([][]byte, error) {
		return coll.HashGet(ctx, namespace, key, fields)
	})
}

func (c *Client) HashGetAll(ctx context.Context, namespace string, key []byte) ([]FieldValue, error) {
	return collect(ctx, c, "hgetall", key, func(ctx context.Context, coll Collections) ([]FieldValue, error) {
		return coll.HashGetAll(ctx, namespace, key)
	})
}

func (c *Client) HashDelete(ctx context.Context, namespace string, key []byte, fields [][]byte) (int64, error) {
	return collect(ctx, c, "hdel", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.HashDelete(ctx, namespace, key, fields)
	})
}

func (c *Client) HashIncrBy(ctx context.Context, namespace string, key, field []byte, delta int64, ttl time.Duration) (int64, error) {
	if err := checkTTL("hincrby", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "hincrby", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.HashIncrBy(ctx, namespace, key, field, delta, ttl)
	})
}

func (c *Client) ListPush(ctx context.Context, namespace string, key []byte, values [][]byte, front bool, ttl time.Duration) (int64, error) {
	if err := checkTTL("push", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "push", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.ListPush(ctx, namespace, key, values, front, ttl)
	})
}

func (c *Client) ListPop(ctx context.Context, namespace string, key []byte, count int64, front bool) ([][]byte, error) {
	return collect(ctx, c, "pop", key, func(ctx context.Context, coll Collections) ([][]byte, error) {
		return coll.ListPop(ctx, namespace, key, count, front)
	})
}

func (c *Client) ListRange(ctx context.Context, namespace string, key []byte, start, stop int64) ([][]byte, error) {
	return collect(ctx, c, "lrange", key, func(ctx context.Context, coll Collections) ([][]byte, error) {
		return coll.ListRange(ctx, namespace, key, start, stop)
	})
}

func (c *Client) ListLength(ctx context.Context, namespace string, key []byte) (int64, error) {
	return collect(ctx, c, "llen", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.ListLength(ctx, namespace, key)
	})
}

func (c *Client) SetAdd(ctx context.Context, namespace string, key []byte, members [][]byte, ttl time.Duration) (int64, error) {
	if err := checkTTL("sadd", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "sadd", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.SetAdd(ctx, namespace, key, members, ttl)
	})
}

func (c *Client) SetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error) {
	return collect(ctx, c, "srem", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.SetRemove(ctx, namespace, key, members)
	})
}

func (c *Client) SetMembers(ctx context.Context, namespace string, key []byte) ([][]byte, error) {
	return collect(ctx, c, "smembers", key, func(ctx context.Context, coll Collections) ([][]byte, error) {
		return coll.SetMembers(ctx, namespace, key)
	})
}

func (c *Client) SortedSetAdd(ctx context.Context, namespace string, key []byte, members []ScoredMember, ttl time.Duration) (int64, error) {
	if err := checkTTL("zadd", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "zadd", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.SortedSetAdd(ctx, namespace, key, members, ttl)
	})
}

func (c *Client) SortedSetIncrBy(ctx context.Context, namespace string, key, member []byte, delta float64, ttl time.Duration) (float64, error) {
	if err := checkTTL("zincrby", ttl); err != nil {
		return 0, err
	}
	return collect(ctx, c, "zincrby", key, func(ctx context.Context, coll Collections) (float64, error) {
		return coll.SortedSetIncrBy(ctx, namespace, key, member, delta, ttl)
	})
}

func (c *Client) SortedSetRemove(ctx context.Context, namespace string, key []byte, members [][]byte) (int64, error) {
	return collect(ctx, c, "zrem", key, func(ctx context.Context, coll Collections) (int64, error) {
		return coll.SortedSetRemove(ctx, namespace, key, members)
	})
}

func (c *Client) SortedSetRange(ctx context.Context, namespace string, key []byte) ([]ScoredMember, error) {
	return collect(ctx, c, "zrange", key, func(ctx context.Context, coll Collections) ([]ScoredMember, error) {
		return coll.SortedSetRange(ctx, namespace, key)
	})
}
