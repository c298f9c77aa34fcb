package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/cacheproxy/internal/backend"
)

func TestSession_Collections(t *testing.T) {
	conn := newTestSession(t)
	coll, ok := conn.(backend.Collections)
	require.True(t, ok)

	ctx := context.Background()
	ns := "cacheproxy-test"
	suffix := time.Now().Format(time.RFC3339Nano)
	hash := []byte("hash-" + suffix)
	list := []byte("list-" + suffix)
	zset := []byte("zset-" + suffix)
	t.Cleanup(func() {
		for _, key := range [][]byte{hash, list, zset} {
			_, _ = conn.Delete(context.Background(), ns, key)
		}
	})

	added, err := coll.HashSet(ctx, ns, hash, []backend.FieldValue{
		{Field: []byte("b"), Value: []byte("2")},
		{Field: []byte("a"), Value: []byte("1")},
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)

	values, err := coll.HashGet(ctx, ns, hash, [][]byte{[]byte("a"), []byte("missing")})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), nil}, values)

	fields, err := coll.HashGetAll(ctx, ns, hash)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "a", string(fields[0].Field))

	n, err := coll.HashIncrBy(ctx, ns, hash, []byte("a"), 41, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	length, err := coll.ListPush(ctx, ns, list, [][]byte{[]byte("a"), []byte("b")}, false, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	popped, err := coll.ListPop(ctx, ns, list, 5, true)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, popped)

	popped, err = coll.ListPop(ctx, ns, list, 1, true)
	require.NoError(t, err)
	assert.Nil(t, popped)

	_, err = coll.SortedSetAdd(ctx, ns, zset, []backend.ScoredMember{
		{Member: []byte("b"), Score: 2},
		{Member: []byte("a"), Score: 2},
		{Member: []byte("c"), Score: 1},
	}, time.Minute)
	require.NoError(t, err)

	members, err := coll.SortedSetRange(ctx, ns, zset)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "c", string(members[0].Member))
	assert.Equal(t, "a", string(members[1].Member))

	_, err = coll.ListLength(ctx, ns, hash)
	assert.Equal(t, backend.KindWrongType, backend.KindOf(err))
	assert.False(t, backend.ShouldCloseConnection(err))
}
