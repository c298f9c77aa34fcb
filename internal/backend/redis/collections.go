package redis

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pior/cacheproxy/internal/backend"
)

var _ backend.Collections = (*Session)(nil)

// withTTL runs cmd and an EXPIRE of key in one MULTI/EXEC.
func withTTL[C redis.Cmder](ctx context.Context, s *Session, op, key string, ttl time.Duration, cmd func(redis.Pipeliner) C) (C, error) {
	var c C
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		c = cmd(pipe)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return c, s.wrap(op, err)
	}
	return c, nil
}

func stringArgs(values [][]byte) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func members(values [][]byte) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func byteSlices(values []string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func (s *Session) HashSet(ctx context.Context, namespace string, key []byte, fields []backend.FieldValue, ttl time.Duration) (int64, error) {
	args := make([]any, 0, 2*len(fields))
	for _, fv := range fields {
		args = append(args, fv.Field, fv.Value)
	}
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "hset", k, ttl, func(pipe redis.Pipeliner) *redis.IntCmd {
		return pipe.HSet(ctx, k, args...)
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) HashGet(ctx context.Context, namespace string, key []byte, fields [][]byte) ([][]byte, error) {
	res, err := s.client.HMGet(ctx, namespacedKey(namespace, key), stringArgs(fields)...).Result()
	if err != nil {
		return nil, s.wrap("hget", err)
	}
	values := make([][]byte, len(res))
	for i, v := range res {
		if str, ok := v.(string); ok {
			values[i] = []byte(str)
		}
	}
	return values, nil
}

// HashGetAll returns the fields in byte order; Redis does not keep an order.
func (s *Session) HashGetAll(ctx context.Context, namespace string, key []byte) ([]backend.FieldValue, error) {
	res, err := s.client.HGetAll(ctx, namespacedKey(namespace, key)).Result()
	if err != nil {
		return nil, s.wrap("hgetall", err)
	}
	fields := make([]backend.FieldValue, 0, len(res))
	for f, v := range res {
		fields = append(fields, backend.FieldValue{Field: []byte(f), Value: []byte(v)})
	}
	sort.Slice(fields, func(i, j int) bool { return string(fields[i].Field) < string(fields[j].Field) })
	return fields, nil
}

func (s *Session) HashDelete(ctx context.Context, namespace string, key []byte, fields [][]byte) (int64, error) {
	n, err := s.client.HDel(ctx, namespacedKey(namespace, key), stringArgs(fields)...).Result()
	if err != nil {
		return 0, s.wrap("hdel", err)
	}
	return n, nil
}

func (s *Session) HashIncrBy(ctx context.Context, namespace string, key, field []byte, delta int64, ttl time.Duration) (int64, error) {
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "hincrby", k, ttl, func(pipe redis.Pipeliner) *redis.IntCmd {
		return pipe.HIncrBy(ctx, k, string(field), delta)
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) ListPush(ctx context.Context, namespace string, key []byte, values [][]byte, front bool, ttl time.Duration) (int64, error) {
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "push", k, ttl, func(pipe redis.Pipeliner) *redis.IntCmd {
		if front {
			return pipe.LPush(ctx, k, members(values)...)
		}
		return pipe.RPush(ctx, k, members(values)...)
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) ListPop(ctx context.Context, namespace string, key []byte, count int64, front bool) ([][]byte, error) {
	k := namespacedKey(namespace, key)
	var cmd *redis.StringSliceCmd
	if front {
		cmd = s.client.LPopCount(ctx, k, int(count))
	} else {
		cmd = s.client.RPopCount(ctx, k, int(count))
	}
	res, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("pop", err)
	}
	return byteSlices(res), nil
}

func (s *Session) ListRange(ctx context.Context, namespace string, key []byte, start, stop int64) ([][]byte, error) {
	res, err := s.client.LRange(ctx, namespacedKey(namespace, key), start, stop).Result()
	if err != nil {
		return nil, s.wrap("lrange", err)
	}
	return byteSlices(res), nil
}

func (s *Session) ListLength(ctx context.Context, namespace string, key []byte) (int64, error) {
	n, err := s.client.LLen(ctx, namespacedKey(namespace, key)).Result()
	if err != nil {
		return 0, s.wrap("llen", err)
	}
	return n, nil
}

func (s *Session) SetAdd(ctx context.Context, namespace string, key []byte, values [][]byte, ttl time.Duration) (int64, error) {
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "sadd", k, ttl, func(pipe redis.Pipeliner) *redis.IntCmd {
		return pipe.SAdd(ctx, k, members(values)...)
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) SetRemove(ctx context.Context, namespace string, key []byte, values [][]byte) (int64, error) {
	n, err := s.client.SRem(ctx, namespacedKey(namespace, key), members(values)...).Result()
	if err != nil {
		return 0, s.wrap("srem", err)
	}
	return n, nil
}

// SetMembers returns the members in byte order.
func (s *Session) SetMembers(ctx context.Context, namespace string, key []byte) ([][]byte, error) {
	res, err := s.client.SMembers(ctx, namespacedKey(namespace, key)).Result()
	if err != nil {
		return nil, s.wrap("smembers", err)
	}
	sort.Strings(res)
	return byteSlices(res), nil
}

func (s *Session) SortedSetAdd(ctx context.Context, namespace string, key []byte, scored []backend.ScoredMember, ttl time.Duration) (int64, error) {
	zs := make([]redis.Z, len(scored))
	for i, m := range scored {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "zadd", k, ttl, func(pipe redis.Pipeliner) *redis.IntCmd {
		return pipe.ZAdd(ctx, k, zs...)
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) SortedSetIncrBy(ctx context.Context, namespace string, key, member []byte, delta float64, ttl time.Duration) (float64, error) {
	k := namespacedKey(namespace, key)
	cmd, err := withTTL(ctx, s, "zincrby", k, ttl, func(pipe redis.Pipeliner) *redis.FloatCmd {
		return pipe.ZIncrBy(ctx, k, delta, string(member))
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *Session) SortedSetRemove(ctx context.Context, namespace string, key []byte, values [][]byte) (int64, error) {
	n, err := s.client.ZRem(ctx, namespacedKey(namespace, key), members(values)...).Result()
	if err != nil {
		return 0, s.wrap("zrem", err)
	}
	return n, nil
}

func (s *Session) SortedSetRange(ctx context.Context, namespace string, key []byte) ([]backend.ScoredMember, error) {
	res, err := s.client.ZRangeWithScores(ctx, namespacedKey(namespace, key), 0, -1).Result()
	if err != nil {
		return nil, s.wrap("zrange", err)
	}
	scored := make([]backend.ScoredMember, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		scored[i] = backend.ScoredMember{Member: []byte(member), Score: z.Score}
	}
	return scored, nil
}
